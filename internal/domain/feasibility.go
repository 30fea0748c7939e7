package domain

import (
	"encoding/json"
	"fmt"
)

// Material hardness categories.
const (
	HardnessSoft   = "soft"
	HardnessMedium = "medium"
	HardnessHard   = "hard"
)

// FeasibilityInput is the canonical set of CAM parameters scored by the
// feasibility engine. All dimensions are millimetres, feeds mm/min.
type FeasibilityInput struct {
	ToolD    float64 `json:"tool_d"`
	Stepover float64 `json:"stepover"`
	Stepdown float64 `json:"stepdown"`
	FeedXY   float64 `json:"feed_xy"`
	FeedZ    float64 `json:"feed_z"`
	SafeZ    float64 `json:"safe_z"`
	ZRough   float64 `json:"z_rough"`
	Strategy string  `json:"strategy,omitempty"`

	// Geometry hints.
	ClosedLoops int     `json:"closed_loops"`
	BoundsX     float64 `json:"bounds_x,omitempty"`
	BoundsY     float64 `json:"bounds_y,omitempty"`

	MaterialHardness string `json:"material_hardness,omitempty" enum:"soft,medium,hard"`
}

// FeasibilityResult is the deterministic verdict for one input. Reason and
// warning ordering follows rule evaluation order, never discovery order, so
// the derived hash is reproducible.
type FeasibilityResult struct {
	RiskLevel       RiskLevel `json:"risk_level" enum:"green,yellow,red,unknown,error"`
	Blocking        bool      `json:"blocking"`
	BlockingReasons []string  `json:"blocking_reasons,omitempty"`
	Warnings        []string  `json:"warnings,omitempty"`
	Score           float64   `json:"score"`

	// ComputedAt is metadata, not a determinant of feasibility; it is
	// excluded from the hash input.
	ComputedAt string `json:"computed_at,omitempty" format:"date-time"`
}

// HashInput returns the portion of the result that participates in the
// feasibility hash. Key order does not matter here; canonical hashing
// sorts keys.
func (r FeasibilityResult) HashInput() map[string]any {
	return map[string]any{
		"risk_level":       string(r.RiskLevel),
		"blocking":         r.Blocking,
		"blocking_reasons": r.BlockingReasons,
		"warnings":         r.Warnings,
		"score":            r.Score,
	}
}

// legacy wire shapes accepted at the boundary. Callers have historically
// submitted either the flat shape, a nested {cam, geometry} shape, or the
// flat shape with long-form key names. The shape is resolved exactly once
// here into the canonical struct; nothing below this layer branches on it.

type nestedFeasibilityInput struct {
	CAM      *FeasibilityInput `json:"cam"`
	Geometry *struct {
		ClosedLoops int     `json:"closed_loops"`
		BoundsX     float64 `json:"bounds_x"`
		BoundsY     float64 `json:"bounds_y"`
	} `json:"geometry"`
	MaterialHardness string `json:"material_hardness"`
}

type longFormFeasibilityInput struct {
	ToolDiameter     *float64 `json:"tool_diameter"`
	StepoverFraction *float64 `json:"stepover_fraction"`
	StepdownFraction *float64 `json:"stepdown_fraction"`
	FeedRateXY       *float64 `json:"feed_rate_xy"`
	PlungeFeed       *float64 `json:"plunge_feed"`
	SafeHeight       *float64 `json:"safe_height"`
	RoughingDepth    *float64 `json:"roughing_depth"`
	Strategy         string   `json:"strategy"`
	ClosedLoops      int      `json:"closed_loops"`
	MaterialHardness string   `json:"material_hardness"`
}

// DecodeFeasibilityInput resolves any of the known historical JSON shapes
// into the canonical input struct. Unknown or unparseable payloads return
// an error; the caller maps that to an UNKNOWN verdict rather than failing
// the submission.
func DecodeFeasibilityInput(raw []byte) (FeasibilityInput, error) {
	var in FeasibilityInput
	if len(raw) == 0 {
		return in, fmt.Errorf("empty feasibility payload")
	}

	var nested nestedFeasibilityInput
	if err := json.Unmarshal(raw, &nested); err == nil && nested.CAM != nil {
		in = *nested.CAM
		if nested.Geometry != nil {
			in.ClosedLoops = nested.Geometry.ClosedLoops
			in.BoundsX = nested.Geometry.BoundsX
			in.BoundsY = nested.Geometry.BoundsY
		}
		if nested.MaterialHardness != "" {
			in.MaterialHardness = nested.MaterialHardness
		}
		return in, nil
	}

	var long longFormFeasibilityInput
	if err := json.Unmarshal(raw, &long); err == nil && long.ToolDiameter != nil {
		in.ToolD = *long.ToolDiameter
		if long.StepoverFraction != nil {
			in.Stepover = *long.StepoverFraction
		}
		if long.StepdownFraction != nil {
			in.Stepdown = *long.StepdownFraction
		}
		if long.FeedRateXY != nil {
			in.FeedXY = *long.FeedRateXY
		}
		if long.PlungeFeed != nil {
			in.FeedZ = *long.PlungeFeed
		}
		if long.SafeHeight != nil {
			in.SafeZ = *long.SafeHeight
		}
		if long.RoughingDepth != nil {
			in.ZRough = *long.RoughingDepth
		}
		in.Strategy = long.Strategy
		in.ClosedLoops = long.ClosedLoops
		in.MaterialHardness = long.MaterialHardness
		return in, nil
	}

	if err := json.Unmarshal(raw, &in); err != nil {
		return FeasibilityInput{}, fmt.Errorf("unparseable feasibility payload: %w", err)
	}
	return in, nil
}
