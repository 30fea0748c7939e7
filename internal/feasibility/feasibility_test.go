package feasibility_test

import (
	"reflect"
	"testing"

	"cutledger/internal/canonical"
	"cutledger/internal/domain"
	"cutledger/internal/feasibility"
)

func validInput() domain.FeasibilityInput {
	return domain.FeasibilityInput{
		ToolD:            6.0,
		Stepover:         0.4,
		Stepdown:         0.5,
		FeedXY:           800,
		FeedZ:            300,
		SafeZ:            5,
		ZRough:           -3,
		Strategy:         "pocket",
		ClosedLoops:      2,
		MaterialHardness: domain.HardnessMedium,
	}
}

func TestGreenPath(t *testing.T) {
	res := feasibility.Compute(ptr(validInput()))
	if res.RiskLevel != domain.RiskGreen {
		t.Fatalf("risk = %s, want green (reasons %v, warnings %v)", res.RiskLevel, res.BlockingReasons, res.Warnings)
	}
	if res.Blocking {
		t.Fatalf("green must not block")
	}
	if res.Score != 1.0 {
		t.Fatalf("score = %v, want 1.0", res.Score)
	}
}

func TestFailClosedRedRules(t *testing.T) {
	cases := map[string]func(*domain.FeasibilityInput){
		"tool_d zero":       func(in *domain.FeasibilityInput) { in.ToolD = 0 },
		"tool_d negative":   func(in *domain.FeasibilityInput) { in.ToolD = -2 },
		"stepover zero":     func(in *domain.FeasibilityInput) { in.Stepover = 0 },
		"stepover one":      func(in *domain.FeasibilityInput) { in.Stepover = 1 },
		"z_rough zero":      func(in *domain.FeasibilityInput) { in.ZRough = 0 },
		"z_rough positive":  func(in *domain.FeasibilityInput) { in.ZRough = 1.5 },
		"no closed loops":   func(in *domain.FeasibilityInput) { in.ClosedLoops = 0 },
		"feed_xy zero":      func(in *domain.FeasibilityInput) { in.FeedXY = 0 },
		"stepdown too deep": func(in *domain.FeasibilityInput) { in.Stepdown = 1.2 },
	}
	for name, mutate := range cases {
		in := validInput()
		mutate(&in)
		res := feasibility.Compute(&in)
		if res.RiskLevel != domain.RiskRed || !res.Blocking {
			t.Errorf("%s: risk=%s blocking=%v, want red/blocking", name, res.RiskLevel, res.Blocking)
		}
		if len(res.BlockingReasons) == 0 {
			t.Errorf("%s: no blocking reason recorded", name)
		}
	}
}

func TestYellowWarnings(t *testing.T) {
	in := validInput()
	in.FeedZ = 900 // plunge above xy feed
	res := feasibility.Compute(&in)
	if res.RiskLevel != domain.RiskYellow {
		t.Fatalf("risk = %s, want yellow", res.RiskLevel)
	}
	if res.Blocking {
		t.Fatalf("yellow must not block")
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", res.Warnings)
	}

	in.MaterialHardness = domain.HardnessHard
	in.Stepover = 0.9
	res = feasibility.Compute(&in)
	if len(res.Warnings) != 2 {
		t.Fatalf("warnings = %v, want two", res.Warnings)
	}
}

func TestReasonOrderingFollowsRuleTable(t *testing.T) {
	in := validInput()
	in.ToolD = 0
	in.ZRough = 0
	in.ClosedLoops = 0
	res := feasibility.Compute(&in)
	if len(res.BlockingReasons) != 3 {
		t.Fatalf("reasons = %v, want three", res.BlockingReasons)
	}
	// tool_d rule sits above z_rough, which sits above closed loops.
	if res.BlockingReasons[0][:6] != "tool_d" {
		t.Fatalf("first reason %q, want tool_d rule first", res.BlockingReasons[0])
	}
	if res.BlockingReasons[1][:7] != "z_rough" {
		t.Fatalf("second reason %q, want z_rough rule second", res.BlockingReasons[1])
	}
}

func TestDeterminism(t *testing.T) {
	in := validInput()
	in.FeedZ = 900
	in.SafeZ = 0.5
	first := feasibility.Compute(&in)
	firstHash, err := canonical.Hash(first.HashInput())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		res := feasibility.Compute(&in)
		if !reflect.DeepEqual(res.BlockingReasons, first.BlockingReasons) || !reflect.DeepEqual(res.Warnings, first.Warnings) {
			t.Fatalf("iteration %d: ordering drifted: %v vs %v", i, res.Warnings, first.Warnings)
		}
		hash, err := canonical.Hash(res.HashInput())
		if err != nil {
			t.Fatal(err)
		}
		if hash != firstHash {
			t.Fatalf("iteration %d: hash drifted", i)
		}
	}
}

func TestComputedAtExcludedFromHash(t *testing.T) {
	in := validInput()
	a := feasibility.Compute(&in)
	b := feasibility.Compute(&in)
	b.ComputedAt = "1999-01-01T00:00:00Z"
	ha, _ := canonical.Hash(a.HashInput())
	hb, _ := canonical.Hash(b.HashInput())
	if ha != hb {
		t.Fatalf("computed_at leaked into the hash input")
	}
}

func TestNilInputIsUnknown(t *testing.T) {
	res := feasibility.Compute(nil)
	if res.RiskLevel != domain.RiskUnknown || !res.Blocking {
		t.Fatalf("nil input: risk=%s blocking=%v, want unknown/blocking", res.RiskLevel, res.Blocking)
	}
	if len(res.BlockingReasons) == 0 {
		t.Fatalf("unknown verdict must carry an explanatory reason")
	}
}

func TestUnparseablePayloadIsUnknown(t *testing.T) {
	res := feasibility.ComputeFromJSON([]byte(`{"tool_d": "six"`))
	if res.RiskLevel != domain.RiskUnknown || !res.Blocking {
		t.Fatalf("risk=%s blocking=%v, want unknown/blocking", res.RiskLevel, res.Blocking)
	}
}

func TestShapeBoundaryEquivalence(t *testing.T) {
	flat := []byte(`{"tool_d":6,"stepover":0.4,"stepdown":0.5,"feed_xy":800,"feed_z":300,"safe_z":5,"z_rough":-3,"closed_loops":2,"material_hardness":"medium"}`)
	nested := []byte(`{"cam":{"tool_d":6,"stepover":0.4,"stepdown":0.5,"feed_xy":800,"feed_z":300,"safe_z":5,"z_rough":-3},"geometry":{"closed_loops":2},"material_hardness":"medium"}`)
	long := []byte(`{"tool_diameter":6,"stepover_fraction":0.4,"stepdown_fraction":0.5,"feed_rate_xy":800,"plunge_feed":300,"safe_height":5,"roughing_depth":-3,"closed_loops":2,"material_hardness":"medium"}`)

	ref := feasibility.ComputeFromJSON(flat)
	refHash, _ := canonical.Hash(ref.HashInput())
	for name, raw := range map[string][]byte{"nested": nested, "long-form": long} {
		res := feasibility.ComputeFromJSON(raw)
		hash, _ := canonical.Hash(res.HashInput())
		if hash != refHash {
			t.Errorf("%s shape: verdict diverged from flat shape: %+v vs %+v", name, res, ref)
		}
	}
}

func ptr(in domain.FeasibilityInput) *domain.FeasibilityInput { return &in }
