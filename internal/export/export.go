// Package export gates run artifacts for export and carries the override
// escalation workflow. An override never rewrites the stored risk decision;
// it only changes downstream eligibility.
package export

import (
	"context"
	"encoding/json"
	"fmt"

	"cutledger/internal/config"
	"cutledger/internal/domain"
	"cutledger/internal/store"
)

// ConflictError means an override is not applicable: there is nothing to
// override on the artifact.
type ConflictError struct {
	RunID  string
	Reason string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("override not applicable for run %s: %s", e.RunID, e.Reason)
}

// ForbiddenError means a RED-class override was requested while the
// process-wide flag forbids it. Distinct from "not needed".
type ForbiddenError struct {
	RunID     string
	RiskLevel domain.RiskLevel
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("override forbidden for run %s: risk level %s requires the allow_red flag", e.RunID, e.RiskLevel)
}

// Gate decides export eligibility. Flags are read at call time so an
// external configuration change applies without a restart.
type Gate struct {
	Store *store.Store
	Flags *config.Flags
}

func NewGate(st *store.Store, flags *config.Flags) Gate {
	return Gate{Store: st, Flags: flags}
}

// CreateOverride appends an override attachment to a run. GREEN runs
// conflict (nothing to override); RED/UNKNOWN/ERROR runs are forbidden
// while the allow_red flag is off.
func (g Gate) CreateOverride(ctx context.Context, runID, operator, reason, scope string) (domain.Attachment, error) {
	if operator == "" {
		return domain.Attachment{}, fmt.Errorf("operator is required")
	}
	if reason == "" {
		return domain.Attachment{}, fmt.Errorf("override reason is required")
	}
	a, err := g.Store.GetRun(ctx, runID)
	if err != nil {
		return domain.Attachment{}, err
	}
	switch {
	case a.RiskLevel == domain.RiskGreen:
		return domain.Attachment{}, ConflictError{RunID: runID, Reason: "risk level is green"}
	case a.RiskLevel == "":
		return domain.Attachment{}, ConflictError{RunID: runID, Reason: "artifact carries no feasibility decision"}
	case a.RiskLevel.Blocks() && !g.Flags.AllowRedOverride():
		return domain.Attachment{}, ForbiddenError{RunID: runID, RiskLevel: a.RiskLevel}
	}

	meta := domain.OverrideMeta{Operator: operator, Reason: reason, Scope: scope}
	content, err := json.Marshal(meta)
	if err != nil {
		return domain.Attachment{}, err
	}
	return g.Store.Attach(ctx, store.AttachOptions{
		RunID:   runID,
		Kind:    domain.AttachmentOverride,
		Content: content,
		Meta:    map[string]any{"operator": operator, "scope": scope},
		ActorID: operator,
	})
}

// Blocker reasons reported by a decision.
const (
	BlockerOverrideRequired = "override_required"
	BlockerRedFlagDisabled  = "red_override_flag_disabled"
	BlockerNoDecision       = "no_feasibility_decision"
)

// Decision explains an export eligibility check.
type Decision struct {
	Allowed     bool             `json:"allowed"`
	RiskLevel   domain.RiskLevel `json:"risk_level,omitempty"`
	HasOverride bool             `json:"has_override"`
	Blocker     string           `json:"blocker,omitempty"`
}

// CanExport is a pure read over persisted data: risk level, presence of a
// valid override attachment, and the flag state.
func (g Gate) CanExport(ctx context.Context, runID string) (Decision, error) {
	a, err := g.Store.GetRun(ctx, runID)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{RiskLevel: a.RiskLevel}

	hasOverride, err := g.hasValidOverride(ctx, runID)
	if err != nil {
		return Decision{}, err
	}
	d.HasOverride = hasOverride

	switch {
	case a.RiskLevel == "":
		d.Blocker = BlockerNoDecision
	case a.RiskLevel == domain.RiskGreen:
		d.Allowed = true
	case a.RiskLevel == domain.RiskYellow:
		if hasOverride {
			d.Allowed = true
		} else {
			d.Blocker = BlockerOverrideRequired
		}
	default: // red, unknown, error: fail-closed
		if !g.Flags.AllowRedOverride() {
			d.Blocker = BlockerRedFlagDisabled
		} else if hasOverride {
			d.Allowed = true
		} else {
			d.Blocker = BlockerOverrideRequired
		}
	}
	return d, nil
}

func (g Gate) hasValidOverride(ctx context.Context, runID string) (bool, error) {
	atts, err := g.Store.ListAttachments(ctx, runID)
	if err != nil {
		return false, err
	}
	for _, att := range atts {
		if att.Kind != domain.AttachmentOverride {
			continue
		}
		_, content, err := g.Store.AttachmentContent(ctx, att.ID)
		if err != nil {
			return false, err
		}
		var meta domain.OverrideMeta
		if err := json.Unmarshal(content, &meta); err != nil {
			continue
		}
		if meta.Reason != "" {
			return true, nil
		}
	}
	return false, nil
}
