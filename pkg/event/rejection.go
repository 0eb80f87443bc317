package event

import "fmt"

// Rejection codes. Structural codes mean the caller can fix its input;
// integrity codes mean a duplicate or a real concurrent conflict.
const (
	CodeMissingField          = "MISSING_FIELD"
	CodeInvalidActor          = "INVALID_ACTOR"
	CodeTenantMismatch        = "TENANT_MISMATCH"
	CodeUnregisteredEventType = "UNREGISTERED_EVENT_TYPE"
	CodePayloadSchemaViolated = "PAYLOAD_SCHEMA_VIOLATION"
	CodeInvalidStatus         = "INVALID_STATUS"
	CodeInvalidCorrection     = "INVALID_CORRECTION"
	CodeDuplicateEventID      = "DUPLICATE_EVENT_ID"
	CodeHashChainBroken       = "HASH_CHAIN_BROKEN"
	CodeHashMismatch          = "HASH_MISMATCH"
	CodeTransactionAborted    = "TRANSACTION_ABORTED"
	CodeReplayActive          = "REPLAY_ACTIVE"
)

// Rejection is the machine-readable refusal of a write. It is an expected
// outcome, not a panic: callers inspect the code and correct their input
// (structural) or retry with fresh state (integrity).
type Rejection struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	ViolatedRule string `json:"violated_rule"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s (rule %s)", r.Code, r.Message, r.ViolatedRule)
}

// Reject builds a Rejection.
func Reject(code, rule, format string, args ...interface{}) *Rejection {
	return &Rejection{
		Code:         code,
		Message:      fmt.Sprintf(format, args...),
		ViolatedRule: rule,
	}
}

// Result is the outcome of validating or persisting an event.
type Result struct {
	Accepted bool
	// Rejection is set when Accepted is false.
	Rejection *Rejection
	// AdvisoryActor flags AI-authored events. Informational only — such
	// events are never auto-rejected, but downstream consumers may treat
	// them specially.
	AdvisoryActor bool
}

// Accept returns an accepted Result.
func Accept(advisoryActor bool) Result {
	return Result{Accepted: true, AdvisoryActor: advisoryActor}
}

// Rejected returns a rejected Result.
func Rejected(r *Rejection) Result {
	return Result{Accepted: false, Rejection: r}
}
