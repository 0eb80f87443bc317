// Package event defines the immutable event envelope — the sole unit of
// truth in the kernel — together with its enums and the rejection taxonomy.
package event

import (
	"strings"
	"time"
)

// ActorType identifies who (or what) caused an event.
type ActorType string

const (
	ActorHuman  ActorType = "HUMAN"
	ActorSystem ActorType = "SYSTEM"
	ActorDevice ActorType = "DEVICE"
	ActorAI     ActorType = "AI"
)

// Valid reports whether a is one of the four known actor types.
func (a ActorType) Valid() bool {
	switch a {
	case ActorHuman, ActorSystem, ActorDevice, ActorAI:
		return true
	}
	return false
}

// Status is the review state of an event.
type Status string

const (
	StatusFinal          Status = "FINAL"
	StatusProvisional    Status = "PROVISIONAL"
	StatusReviewRequired Status = "REVIEW_REQUIRED"
)

// Valid reports whether s is one of the three known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusFinal, StatusProvisional, StatusReviewRequired:
		return true
	}
	return false
}

// Event is an immutable, append-only record of something that happened.
// Once persisted no field may change and the row may never be deleted;
// corrections are new events carrying CorrectionOf.
type Event struct {
	EventID           string                 `json:"event_id"`
	EventType         string                 `json:"event_type"`
	EventVersion      int                    `json:"event_version"`
	BusinessID        string                 `json:"business_id"`
	BranchID          string                 `json:"branch_id,omitempty"`
	SourceEngine      string                 `json:"source_engine"`
	ActorType         ActorType              `json:"actor_type"`
	ActorID           string                 `json:"actor_id"`
	CorrelationID     string                 `json:"correlation_id"`
	CausationID       string                 `json:"causation_id,omitempty"`
	Payload           map[string]interface{} `json:"payload"`
	Reference         map[string]interface{} `json:"reference,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	ReceivedAt        time.Time              `json:"received_at"`
	Status            Status                 `json:"status"`
	CorrectionOf      string                 `json:"correction_of,omitempty"`
	PreviousEventHash string                 `json:"previous_event_hash"`
	EventHash         string                 `json:"event_hash"`

	persisted bool
}

// MarkPersisted flags the event as durably written. The store sets this
// exactly once per accepted write; a marked event can never be saved again.
func (e *Event) MarkPersisted() {
	e.persisted = true
}

// Persisted reports whether the event has already been durably written.
func (e *Event) Persisted() bool {
	return e.persisted
}

// Clone returns a shallow copy of the envelope with deep copies of the
// payload and reference maps, so dispatch handlers cannot mutate the
// persisted record.
func (e *Event) Clone() *Event {
	cp := *e
	cp.Payload = copyMap(e.Payload)
	cp.Reference = copyMap(e.Reference)
	return &cp
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ValidTypeName reports whether t has the namespaced engine.domain.action
// shape: at least three non-empty dot-separated segments.
func ValidTypeName(t string) bool {
	segments := strings.Split(t, ".")
	if len(segments) < 3 {
		return false
	}
	for _, s := range segments {
		if s == "" {
			return false
		}
	}
	return true
}

// TypeNamespace returns the first segment of a namespaced event type — the
// engine that owns it. Empty when t is malformed.
func TypeNamespace(t string) string {
	idx := strings.IndexByte(t, '.')
	if idx <= 0 {
		return ""
	}
	return t[:idx]
}
