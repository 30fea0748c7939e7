package query

import (
	"context"
	"strconv"

	"cutledger/internal/domain"
)

// FieldDiff is one changed field with both values.
type FieldDiff struct {
	Field  string `json:"field"`
	AValue string `json:"a_value"`
	BValue string `json:"b_value"`
}

// DiffSummary aggregates a diff.
type DiffSummary struct {
	ChangedCount int `json:"changed_count"`
	// FeasibilityEqual is true when both artifacts share the same
	// feasibility hash, meaning no feasibility-relevant change.
	FeasibilityEqual bool `json:"feasibility_equal"`
}

// DiffResult is the artifact-to-artifact comparison.
type DiffResult struct {
	AID           string      `json:"a_id"`
	BID           string      `json:"b_id"`
	ChangedFields []FieldDiff `json:"changed_fields"`
	Summary       DiffSummary `json:"summary"`
}

// comparableFields is the explicit, stable field set a diff inspects. A raw
// deep-equality over the whole payload would be noise; the diff stays
// meaningful by naming exactly what it compares.
var comparableFields = []struct {
	name        string
	feasibility bool
	get         func(a domain.RunArtifact) string
}{
	{"kind", false, func(a domain.RunArtifact) string { return a.Kind }},
	{"status", false, func(a domain.RunArtifact) string { return a.Status }},
	{"session_id", false, func(a domain.RunArtifact) string { return a.SessionID }},
	{"batch_label", false, func(a domain.RunArtifact) string { return a.BatchLabel }},
	{"tool_id", false, func(a domain.RunArtifact) string { return a.ToolID }},
	{"material_id", false, func(a domain.RunArtifact) string { return a.MaterialID }},
	{"machine_id", false, func(a domain.RunArtifact) string { return a.MachineID }},
	{"mode", false, func(a domain.RunArtifact) string { return a.Mode }},
	{"risk_level", true, func(a domain.RunArtifact) string { return string(a.RiskLevel) }},
	{"score", true, func(a domain.RunArtifact) string { return strconv.FormatFloat(a.Score, 'g', -1, 64) }},
	{"feasibility_sha256", true, func(a domain.RunArtifact) string { return a.Hashes.FeasibilitySHA256 }},
	{"toolpaths_sha256", false, func(a domain.RunArtifact) string { return a.Hashes.ToolpathsSHA256 }},
	{"gcode_sha256", false, func(a domain.RunArtifact) string { return a.Hashes.GcodeSHA256 }},
	{"explanation_status", false, func(a domain.RunArtifact) string { return a.ExplanationStatus }},
}

// Diff compares two artifacts over the explicit field set. When the
// feasibility hashes match, the feasibility-derived fields are
// short-circuited as unchanged without further comparison.
func (e Engine) Diff(ctx context.Context, aID, bID string) (DiffResult, error) {
	a, err := e.Store.GetRun(ctx, aID)
	if err != nil {
		return DiffResult{}, err
	}
	b, err := e.Store.GetRun(ctx, bID)
	if err != nil {
		return DiffResult{}, err
	}

	res := DiffResult{AID: aID, BID: bID}
	res.Summary.FeasibilityEqual = a.Hashes.FeasibilitySHA256 == b.Hashes.FeasibilitySHA256

	for _, f := range comparableFields {
		if f.feasibility && res.Summary.FeasibilityEqual {
			continue
		}
		av, bv := f.get(a), f.get(b)
		if av != bv {
			res.ChangedFields = append(res.ChangedFields, FieldDiff{Field: f.name, AValue: av, BValue: bv})
		}
	}
	res.Summary.ChangedCount = len(res.ChangedFields)
	return res, nil
}
