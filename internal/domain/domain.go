package domain

// RiskLevel classifies the feasibility verdict of a run.
type RiskLevel string

const (
	RiskGreen   RiskLevel = "green"
	RiskYellow  RiskLevel = "yellow"
	RiskRed     RiskLevel = "red"
	RiskUnknown RiskLevel = "unknown"
	RiskError   RiskLevel = "error"
)

// Valid reports whether the level is one of the five defined values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskGreen, RiskYellow, RiskRed, RiskUnknown, RiskError:
		return true
	}
	return false
}

// Blocks reports whether the level blocks downstream export on its own.
// UNKNOWN and ERROR stay distinct from RED for reporting but gate
// identically (fail-closed).
func (r RiskLevel) Blocks() bool {
	switch r {
	case RiskRed, RiskUnknown, RiskError:
		return true
	}
	return false
}

const (
	StatusOK      = "ok"
	StatusBlocked = "blocked"
	StatusError   = "error"
)

// Artifact kinds, in lineage order within a batch.
const (
	KindSpec        = "spec"
	KindPlan        = "plan"
	KindDecision    = "decision"
	KindExecution   = "execution"
	KindJobLog      = "job_log"
	KindRollup      = "rollup"
	KindToolpaths   = "toolpaths"
	KindFeasibility = "feasibility"
)

// feasibilityBearing lists the kinds whose artifacts embed a feasibility
// decision and are therefore subject to the completeness guard.
var feasibilityBearing = map[string]bool{
	KindFeasibility: true,
	KindDecision:    true,
	KindToolpaths:   true,
	KindExecution:   true,
}

// KindCarriesFeasibility reports whether artifacts of the kind must carry
// a risk level and feasibility hash.
func KindCarriesFeasibility(kind string) bool {
	return feasibilityBearing[kind]
}

// KnownKind reports whether kind is one of the defined artifact kinds.
func KnownKind(kind string) bool {
	switch kind {
	case KindSpec, KindPlan, KindDecision, KindExecution, KindJobLog, KindRollup, KindToolpaths, KindFeasibility:
		return true
	}
	return false
}

const (
	ExplanationNone  = "none"
	ExplanationReady = "ready"
)

// Attachment kinds.
const (
	AttachmentOverride    = "override"
	AttachmentExplanation = "assistant_explanation"
	AttachmentGeometrySVG = "geometry_svg"
)

// Hashes holds the content hashes embedded in a run artifact. The
// feasibility hash is mandatory on feasibility-bearing kinds.
type Hashes struct {
	FeasibilitySHA256 string `json:"feasibility_sha256,omitempty"`
	ToolpathsSHA256   string `json:"toolpaths_sha256,omitempty"`
	GcodeSHA256       string `json:"gcode_sha256,omitempty"`
}

// RunArtifact is the immutable record of one computed run. It is created
// exactly once by the store and never mutated afterwards except to append
// attachments.
type RunArtifact struct {
	RunID      string `json:"run_id"`
	Kind       string `json:"kind"`
	Status     string `json:"status" enum:"ok,blocked,error"`
	SessionID  string `json:"session_id"`
	BatchLabel string `json:"batch_label,omitempty"`
	ToolID     string `json:"tool_id,omitempty"`
	MaterialID string `json:"material_id,omitempty"`
	MachineID  string `json:"machine_id,omitempty"`
	Mode       string `json:"mode,omitempty"`

	RiskLevel RiskLevel `json:"risk_level,omitempty" enum:"green,yellow,red,unknown,error"`
	Score     float64   `json:"score"`

	Hashes Hashes `json:"hashes"`

	// Parents maps a parent artifact kind to its run id. A batch forms a
	// tree through these references.
	Parents map[string]string `json:"parents,omitempty"`

	PayloadJSON       string  `json:"payload_json,omitempty"`
	ExplanationStatus string  `json:"explanation_status" enum:"none,ready"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	DeletedAt         *string `json:"deleted_at,omitempty" format:"date-time"`
}

// Attachment is an append-only addition to a run artifact. Attachments are
// never edited; removal happens only through the audited delete path.
type Attachment struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	Kind      string `json:"kind"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	MetaJSON  string `json:"meta_json,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// OverrideMeta is the metadata payload of an override attachment.
type OverrideMeta struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
	Scope    string `json:"scope,omitempty"`
}

// Event is one append-only audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
