// Package validate implements the structural validation stage of the write
// path: a pure function over the candidate event, the tenant context, and
// the event-type registry. Checks run in fixed order and stop at the first
// failure; nothing here has side effects.
package validate

import (
	"github.com/stratum-os/kernel/pkg/event"
	"github.com/stratum-os/kernel/pkg/eventtypes"
	"github.com/stratum-os/kernel/pkg/tenant"
)

// Event validates a candidate event. Order:
//  1. presence of all mandatory fields
//  2. actor type enum + non-blank actor id
//  3. tenant-context checks (active, business match, branch scope)
//  4. event type registered (and payload schema, when one is attached)
//  5. status enum
//  6. correction rules
//
// On success the result carries AdvisoryActor when the actor type is AI.
func Event(e *event.Event, tctx tenant.Context, types *eventtypes.Registry, scope tenant.ScopeRequirement) event.Result {
	// 1. Mandatory fields.
	if rej := checkMandatory(e); rej != nil {
		return event.Rejected(rej)
	}

	// 2. Actor.
	if !e.ActorType.Valid() {
		return event.Rejected(event.Reject(event.CodeInvalidActor, "actor_type",
			"actor_type %q is not one of HUMAN, SYSTEM, DEVICE, AI", e.ActorType))
	}
	if isBlank(e.ActorID) {
		return event.Rejected(event.Reject(event.CodeInvalidActor, "actor_id",
			"actor_id must not be blank"))
	}

	// 3. Tenant scope.
	if rej := checkTenant(e, tctx, scope); rej != nil {
		return event.Rejected(rej)
	}

	// 4. Event type registry.
	if !types.IsRegistered(e.EventType) {
		return event.Rejected(event.Reject(event.CodeUnregisteredEventType, "event_type_registry",
			"event type %q is not registered; free-text event types are forbidden", e.EventType))
	}
	if err := types.ValidatePayload(e.EventType, e.EventVersion, e.Payload); err != nil {
		return event.Rejected(event.Reject(event.CodePayloadSchemaViolated, "payload_schema",
			"%v", err))
	}

	// 5. Status.
	if !e.Status.Valid() {
		return event.Rejected(event.Reject(event.CodeInvalidStatus, "status",
			"status %q is not one of FINAL, PROVISIONAL, REVIEW_REQUIRED", e.Status))
	}

	// 6. Corrections.
	if e.CorrectionOf != "" {
		if e.CorrectionOf == e.EventID {
			return event.Rejected(event.Reject(event.CodeInvalidCorrection, "correction_of",
				"correction_of must not reference the event itself"))
		}
		if e.Status != event.StatusFinal && e.Status != event.StatusReviewRequired {
			return event.Rejected(event.Reject(event.CodeInvalidCorrection, "correction_status",
				"a correction must have status FINAL or REVIEW_REQUIRED, got %s", e.Status))
		}
	}

	return event.Accept(e.ActorType == event.ActorAI)
}

func checkMandatory(e *event.Event) *event.Rejection {
	missing := func(field string) *event.Rejection {
		return event.Reject(event.CodeMissingField, "mandatory_fields",
			"mandatory field %s is missing or empty", field)
	}
	switch {
	case e.EventID == "":
		return missing("event_id")
	case e.EventType == "":
		return missing("event_type")
	case !event.ValidTypeName(e.EventType):
		return event.Reject(event.CodeMissingField, "event_type_shape",
			"event_type %q must have at least three dot-separated segments", e.EventType)
	case e.EventVersion <= 0:
		return event.Reject(event.CodeMissingField, "event_version",
			"event_version must be a positive integer, got %d", e.EventVersion)
	case e.BusinessID == "":
		return missing("business_id")
	case e.SourceEngine == "":
		return missing("source_engine")
	case e.CorrelationID == "":
		return missing("correlation_id")
	case e.Payload == nil:
		return missing("payload")
	case e.CreatedAt.IsZero():
		return missing("created_at")
	}
	return nil
}

func checkTenant(e *event.Event, tctx tenant.Context, scope tenant.ScopeRequirement) *event.Rejection {
	if tctx == nil || !tctx.IsActive() {
		return event.Reject(event.CodeTenantMismatch, "context_active",
			"tenant context is not active")
	}
	if e.BusinessID != tctx.BusinessID() {
		return event.Reject(event.CodeTenantMismatch, "business_scope",
			"event business_id %s does not match active context %s", e.BusinessID, tctx.BusinessID())
	}
	if scope == tenant.ScopeBranch {
		if e.BranchID == "" {
			return event.Reject(event.CodeTenantMismatch, "branch_required",
				"operation requires a branch scope but branch_id is empty")
		}
		if tctx.BranchID() != "" && e.BranchID != tctx.BranchID() {
			return event.Reject(event.CodeTenantMismatch, "branch_scope",
				"event branch_id %s does not match active context branch %s", e.BranchID, tctx.BranchID())
		}
	}
	// A branch supplied outside a branch-scoped operation must still be
	// consistent with the context when the context pins one.
	if e.BranchID != "" && tctx.BranchID() != "" && e.BranchID != tctx.BranchID() {
		return event.Reject(event.CodeTenantMismatch, "branch_scope",
			"event branch_id %s does not belong to the active context branch %s", e.BranchID, tctx.BranchID())
	}
	return nil
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
