package query

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"cutledger/internal/domain"
)

const runColumnsPrefixed = `r.run_id,r.kind,r.status,r.session_id,COALESCE(r.batch_label,''),COALESCE(r.tool_id,''),COALESCE(r.material_id,''),COALESCE(r.machine_id,''),COALESCE(r.mode,''),COALESCE(r.risk_level,''),r.score,COALESCE(r.feasibility_sha256,''),COALESCE(r.toolpaths_sha256,''),COALESCE(r.gcode_sha256,''),COALESCE(r.parents_json,''),COALESCE(r.payload_json,''),r.explanation_status,r.created_at,r.deleted_at`

func scanRunRow(rows *sql.Rows) (domain.RunArtifact, error) {
	var a domain.RunArtifact
	var risk, parentsJSON string
	var deletedAt sql.NullString
	err := rows.Scan(&a.RunID, &a.Kind, &a.Status, &a.SessionID, &a.BatchLabel, &a.ToolID, &a.MaterialID,
		&a.MachineID, &a.Mode, &risk, &a.Score, &a.Hashes.FeasibilitySHA256, &a.Hashes.ToolpathsSHA256,
		&a.Hashes.GcodeSHA256, &parentsJSON, &a.PayloadJSON, &a.ExplanationStatus, &a.CreatedAt, &deletedAt)
	if err != nil {
		return a, err
	}
	a.RiskLevel = domain.RiskLevel(risk)
	if parentsJSON != "" {
		if err := json.Unmarshal([]byte(parentsJSON), &a.Parents); err != nil {
			return a, fmt.Errorf("parse parents: %w", err)
		}
	}
	if deletedAt.Valid {
		a.DeletedAt = &deletedAt.String
	}
	return a, nil
}
