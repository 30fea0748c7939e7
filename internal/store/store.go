// Package store is the single legal write path for run artifacts. Every
// persisted artifact passes through the completeness guard here; the
// underlying record construction is private to this package, so no other
// code can insert an artifact row.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cutledger/internal/canonical"
	"cutledger/internal/domain"
	"cutledger/internal/events"
	"cutledger/internal/feasibility"
)

type Store struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time

	locks runLocks
}

// New builds a store over an open, migrated database.
func New(db *sql.DB) *Store {
	return &Store{
		DB:     db,
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CreateRunOptions are the parameters of validate-and-persist.
type CreateRunOptions struct {
	Kind       string
	SessionID  string
	BatchLabel string
	ToolID     string
	MaterialID string
	MachineID  string
	Mode       string

	// Parents maps parent artifact kind to run id.
	Parents map[string]string

	// Payload is the raw submitted payload; for feasibility-bearing kinds
	// it is resolved through the shape boundary and scored unless
	// Feasibility is supplied.
	Payload json.RawMessage

	// Feasibility, when non-nil, is accepted instead of recomputed. The
	// completeness guard still applies to it.
	Feasibility *domain.FeasibilityResult

	// Toolpaths and Gcode are optional sub-payloads; their content hashes
	// are embedded in the artifact when present.
	Toolpaths json.RawMessage
	Gcode     []byte

	// UpstreamError marks a run whose payload computation failed. The
	// artifact is persisted anyway with status=error so the audit trail
	// never loses a submission.
	UpstreamError string

	ActorID string
}

// CreateRun validates and persists one run artifact. On success the
// artifact row, its query index entry, its parent references, and the
// audit event commit in a single transaction; once committed the operation
// is not cancellable.
func (s *Store) CreateRun(ctx context.Context, opts CreateRunOptions) (domain.RunArtifact, error) {
	if !domain.KnownKind(opts.Kind) {
		return domain.RunArtifact{}, fmt.Errorf("unknown artifact kind %q", opts.Kind)
	}
	if opts.SessionID == "" {
		return domain.RunArtifact{}, fmt.Errorf("session_id is required")
	}

	a := domain.RunArtifact{
		RunID:             uuid.NewString(),
		Kind:              opts.Kind,
		SessionID:         opts.SessionID,
		BatchLabel:        opts.BatchLabel,
		ToolID:            opts.ToolID,
		MaterialID:        opts.MaterialID,
		MachineID:         opts.MachineID,
		Mode:              opts.Mode,
		Parents:           opts.Parents,
		PayloadJSON:       string(opts.Payload),
		ExplanationStatus: domain.ExplanationNone,
		CreatedAt:         s.now().UTC().Format(time.RFC3339),
	}

	if domain.KindCarriesFeasibility(opts.Kind) {
		res := opts.Feasibility
		if res == nil {
			computed := feasibility.ComputeFromJSON(opts.Payload)
			res = &computed
		}
		hash, err := canonical.Hash(res.HashInput())
		if err != nil {
			return domain.RunArtifact{}, fmt.Errorf("hash feasibility result: %w", err)
		}
		a.RiskLevel = res.RiskLevel
		a.Score = res.Score
		a.Hashes.FeasibilitySHA256 = hash

		// Completeness guard: no bypass, no downgrade.
		if !a.RiskLevel.Valid() {
			return domain.RunArtifact{}, GuardViolationError{Kind: opts.Kind, Missing: "risk_level"}
		}
		if a.Hashes.FeasibilitySHA256 == "" {
			return domain.RunArtifact{}, GuardViolationError{Kind: opts.Kind, Missing: "feasibility_sha256"}
		}
	}

	if len(opts.Toolpaths) > 0 {
		hash, err := canonical.Hash(json.RawMessage(opts.Toolpaths))
		if err != nil {
			return domain.RunArtifact{}, fmt.Errorf("hash toolpaths: %w", err)
		}
		a.Hashes.ToolpathsSHA256 = hash
	}
	if len(opts.Gcode) > 0 {
		a.Hashes.GcodeSHA256 = canonical.HashBytes(opts.Gcode)
	}

	switch {
	case opts.UpstreamError != "":
		a.Status = domain.StatusError
	case a.RiskLevel.Blocks():
		a.Status = domain.StatusBlocked
	default:
		a.Status = domain.StatusOK
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RunArtifact{}, err
	}
	defer tx.Rollback()

	if err := insertRun(ctx, tx, a); err != nil {
		return domain.RunArtifact{}, fmt.Errorf("insert run: %w", err)
	}
	payload := events.EventPayload{"kind": a.Kind, "status": a.Status}
	if a.RiskLevel != "" {
		payload["risk_level"] = string(a.RiskLevel)
	}
	if opts.UpstreamError != "" {
		payload["upstream_error"] = opts.UpstreamError
	}
	if err := s.Events.Append(ctx, tx, "run.create", a.SessionID, "run", a.RunID, actorOrDefault(opts.ActorID), payload); err != nil {
		return domain.RunArtifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RunArtifact{}, err
	}
	return a, nil
}

// insertRun writes the artifact row plus its index and parent rows. It is
// deliberately unexported: constructing a persisted record outside
// CreateRun would bypass the completeness guard.
func insertRun(ctx context.Context, tx *sql.Tx, a domain.RunArtifact) error {
	var parentsJSON any
	if len(a.Parents) > 0 {
		data, err := json.Marshal(a.Parents)
		if err != nil {
			return fmt.Errorf("marshal parents: %w", err)
		}
		parentsJSON = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(run_id,kind,status,session_id,batch_label,tool_id,material_id,machine_id,mode,risk_level,score,feasibility_sha256,toolpaths_sha256,gcode_sha256,parents_json,payload_json,explanation_status,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.RunID, a.Kind, a.Status, a.SessionID, nullable(a.BatchLabel), nullable(a.ToolID), nullable(a.MaterialID),
		nullable(a.MachineID), nullable(a.Mode), nullable(string(a.RiskLevel)), a.Score,
		nullable(a.Hashes.FeasibilitySHA256), nullable(a.Hashes.ToolpathsSHA256), nullable(a.Hashes.GcodeSHA256),
		parentsJSON, nullable(a.PayloadJSON), a.ExplanationStatus, a.CreatedAt)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO run_index(run_id,kind,status,session_id,batch_label,tool_id,material_id,created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		a.RunID, a.Kind, a.Status, a.SessionID, nullable(a.BatchLabel), nullable(a.ToolID), nullable(a.MaterialID), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert index: %w", err)
	}
	for kind, id := range a.Parents {
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_parents(run_id,parent_kind,parent_id) VALUES (?,?,?)`,
			a.RunID, kind, id); err != nil {
			return fmt.Errorf("insert parent ref: %w", err)
		}
	}
	return nil
}

const runColumns = `run_id,kind,status,session_id,COALESCE(batch_label,''),COALESCE(tool_id,''),COALESCE(material_id,''),COALESCE(machine_id,''),COALESCE(mode,''),COALESCE(risk_level,''),score,COALESCE(feasibility_sha256,''),COALESCE(toolpaths_sha256,''),COALESCE(gcode_sha256,''),COALESCE(parents_json,''),COALESCE(payload_json,''),explanation_status,created_at,deleted_at`

// scanRun reads one artifact from a row selected with runColumns order.
func scanRun(scan func(...any) error) (domain.RunArtifact, error) {
	var a domain.RunArtifact
	var risk, parentsJSON string
	var deletedAt sql.NullString
	err := scan(&a.RunID, &a.Kind, &a.Status, &a.SessionID, &a.BatchLabel, &a.ToolID, &a.MaterialID,
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

// GetRun returns one artifact by id, including soft-deleted ones so the
// audit trail stays inspectable.
func (s *Store) GetRun(ctx context.Context, runID string) (domain.RunArtifact, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id=?`, runID)
	a, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunArtifact{}, ErrNotFound
	}
	return a, err
}

// DeleteRun soft-deletes an artifact for operational cleanup. The deletion
// itself is audited; the row is retained.
func (s *Store) DeleteRun(ctx context.Context, runID, actorID, reason string) error {
	a, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if a.DeletedAt != nil {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := s.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET deleted_at=? WHERE run_id=?`, now, runID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_index WHERE run_id=?`, runID); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "run.delete", a.SessionID, "run", runID, actorOrDefault(actorID), events.EventPayload{"reason": reason}); err != nil {
		return err
	}
	return tx.Commit()
}

func actorOrDefault(actorID string) string {
	if actorID == "" {
		return "system"
	}
	return actorID
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
