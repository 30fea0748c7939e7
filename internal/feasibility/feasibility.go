// Package feasibility scores CAM parameters into a risk verdict. The
// engine is a pure function over a fixed, ordered rule table: identical
// input always yields identical output, including reason ordering, so the
// derived hash is reproducible. It performs no I/O and never panics on
// malformed input.
package feasibility

import (
	"fmt"
	"time"

	"cutledger/internal/domain"
)

type severity int

const (
	sevRed severity = iota
	sevYellow
)

type rule struct {
	id       string
	severity severity
	// check returns ok=false with a reason when the rule fails.
	check func(in domain.FeasibilityInput) (ok bool, reason string)
}

// rules is evaluated top to bottom; reasons and warnings are collected in
// this order.
var rules = []rule{
	{
		id:       "tool_d_positive",
		severity: sevRed,
		check: func(in domain.FeasibilityInput) (bool, string) {
			if in.ToolD <= 0 {
				return false, fmt.Sprintf("tool_d invalid: %g must be > 0", in.ToolD)
			}
			return true, ""
		},
	},
	{
		id:       "stepover_range",
		severity: sevRed,
		check: func(in domain.FeasibilityInput) (bool, string) {
			if in.Stepover <= 0 || in.Stepover >= 1 {
				return false, fmt.Sprintf("stepover invalid: %g must be in (0,1)", in.Stepover)
			}
			return true, ""
		},
	},
	{
		id:       "stepdown_range",
		severity: sevRed,
		check: func(in domain.FeasibilityInput) (bool, string) {
			if in.Stepdown <= 0 || in.Stepdown > 1 {
				return false, fmt.Sprintf("stepdown invalid: %g must be in (0,1]", in.Stepdown)
			}
			return true, ""
		},
	},
	{
		id:       "feed_xy_positive",
		severity: sevRed,
		check: func(in domain.FeasibilityInput) (bool, string) {
			if in.FeedXY <= 0 {
				return false, fmt.Sprintf("feed_xy invalid: %g must be > 0", in.FeedXY)
			}
			return true, ""
		},
	},
	{
		id:       "z_rough_negative",
		severity: sevRed,
		check: func(in domain.FeasibilityInput) (bool, string) {
			if in.ZRough >= 0 {
				return false, fmt.Sprintf("z_rough invalid: %g must be strictly negative", in.ZRough)
			}
			return true, ""
		},
	},
	{
		id:       "closed_loop_geometry",
		severity: sevRed,
		check: func(in domain.FeasibilityInput) (bool, string) {
			if in.ClosedLoops < 1 {
				return false, "geometry has no closed loop"
			}
			return true, ""
		},
	},
	{
		id:       "plunge_exceeds_xy_feed",
		severity: sevYellow,
		check: func(in domain.FeasibilityInput) (bool, string) {
			if in.FeedZ > in.FeedXY {
				return false, fmt.Sprintf("plunge feed %g exceeds xy feed %g", in.FeedZ, in.FeedXY)
			}
			return true, ""
		},
	},
	{
		id:       "safe_z_clearance",
		severity: sevYellow,
		check: func(in domain.FeasibilityInput) (bool, string) {
			if in.SafeZ < 1.0 {
				return false, fmt.Sprintf("safe_z %g below 1mm clearance", in.SafeZ)
			}
			return true, ""
		},
	},
	{
		id:       "aggressive_stepover_hard_material",
		severity: sevYellow,
		check: func(in domain.FeasibilityInput) (bool, string) {
			if in.MaterialHardness == domain.HardnessHard && in.Stepover > 0.8 {
				return false, fmt.Sprintf("stepover %g aggressive for hard material", in.Stepover)
			}
			return true, ""
		},
	},
}

const (
	redPenalty    = 0.35
	yellowPenalty = 0.10
)

// Compute evaluates the rule table against in. A nil input yields an
// UNKNOWN verdict with an explanatory reason; UNKNOWN gates identically to
// RED downstream.
func Compute(in *domain.FeasibilityInput) domain.FeasibilityResult {
	now := time.Now().UTC().Format(time.RFC3339)
	if in == nil {
		return domain.FeasibilityResult{
			RiskLevel:       domain.RiskUnknown,
			Blocking:        true,
			BlockingReasons: []string{"input missing: feasibility cannot be evaluated"},
			Score:           0,
			ComputedAt:      now,
		}
	}

	var reasons, warnings []string
	for _, r := range rules {
		ok, reason := r.check(*in)
		if ok {
			continue
		}
		if r.severity == sevRed {
			reasons = append(reasons, reason)
		} else {
			warnings = append(warnings, reason)
		}
	}

	score := 1.0 - redPenalty*float64(len(reasons)) - yellowPenalty*float64(len(warnings))
	if score < 0 {
		score = 0
	}

	res := domain.FeasibilityResult{
		BlockingReasons: reasons,
		Warnings:        warnings,
		Score:           score,
		ComputedAt:      now,
	}
	switch {
	case len(reasons) > 0:
		res.RiskLevel = domain.RiskRed
		res.Blocking = true
	case len(warnings) > 0:
		res.RiskLevel = domain.RiskYellow
	default:
		res.RiskLevel = domain.RiskGreen
	}
	return res
}

// ComputeFromJSON resolves a raw payload through the shape boundary and
// scores it. A payload that cannot be resolved produces UNKNOWN rather
// than an error so every submission stays auditable.
func ComputeFromJSON(raw []byte) domain.FeasibilityResult {
	in, err := domain.DecodeFeasibilityInput(raw)
	if err != nil {
		return domain.FeasibilityResult{
			RiskLevel:       domain.RiskUnknown,
			Blocking:        true,
			BlockingReasons: []string{fmt.Sprintf("input unparseable: %v", err)},
			Score:           0,
			ComputedAt:      time.Now().UTC().Format(time.RFC3339),
		}
	}
	return Compute(&in)
}
