package server

import (
	"encoding/json"

	"cutledger/internal/domain"
)

// Request payloads

type CreateRunRequest struct {
	Kind       string            `json:"kind" enum:"spec,plan,decision,execution,job_log,rollup,toolpaths,feasibility"`
	SessionID  string            `json:"session_id"`
	BatchLabel string            `json:"batch_label,omitempty"`
	ToolID     string            `json:"tool_id,omitempty"`
	MaterialID string            `json:"material_id,omitempty"`
	MachineID  string            `json:"machine_id,omitempty"`
	Mode       string            `json:"mode,omitempty"`
	Parents    map[string]string `json:"parents,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Toolpaths  json.RawMessage   `json:"toolpaths,omitempty"`
	Gcode      []byte            `json:"gcode,omitempty"`
	// UpstreamError marks a submission whose payload generator failed;
	// the run is persisted with status=error rather than dropped.
	UpstreamError string `json:"upstream_error,omitempty"`
	ActorID       string `json:"actor_id,omitempty"`
}

type CreateRunResponse struct {
	RunID     string           `json:"run_id"`
	Status    string           `json:"status"`
	RiskLevel domain.RiskLevel `json:"risk_level,omitempty"`
	Score     float64          `json:"score"`
	Hashes    domain.Hashes    `json:"hashes"`
	CreatedAt string           `json:"created_at"`
}

func createRunResponse(a domain.RunArtifact) CreateRunResponse {
	return CreateRunResponse{
		RunID:     a.RunID,
		Status:    a.Status,
		RiskLevel: a.RiskLevel,
		Score:     a.Score,
		Hashes:    a.Hashes,
		CreatedAt: a.CreatedAt,
	}
}

type AttachRequest struct {
	Kind    string         `json:"kind"`
	Content []byte         `json:"content"`
	SHA256  string         `json:"sha256,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
	ActorID string         `json:"actor_id,omitempty"`
}

type OverrideRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
	Scope    string `json:"scope,omitempty"`
}

type OverrideResponse struct {
	OK           bool             `json:"ok"`
	RiskLevel    domain.RiskLevel `json:"risk_level"`
	AttachmentID string           `json:"attachment_id"`
}

type DeleteRunRequest struct {
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id,omitempty"`
}
