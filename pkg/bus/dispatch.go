package bus

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stratum-os/kernel/pkg/event"
)

// Failure records one handler that did not process the event.
type Failure struct {
	Handler   string `json:"handler"`
	Engine    string `json:"engine"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// Report summarizes one dispatch. Dispatch itself never fails: handler
// errors land here and the ledger is unaffected.
type Report struct {
	EventType           string    `json:"event_type"`
	EventID             string    `json:"event_id"`
	SubscribersNotified int       `json:"subscribers_notified"`
	SubscribersFailed   int       `json:"subscribers_failed"`
	SubscribersSkipped  int       `json:"subscribers_skipped"`
	Failures            []Failure `json:"failures,omitempty"`
}

// Dispatch invokes every subscriber of the event's type in registration
// order. Each handler failure (error or panic) is caught individually and
// recorded; dispatch continues to the next handler. The event is cloned
// before delivery so handlers cannot mutate the persisted record. Used
// identically on the live path and during replay.
func Dispatch(ctx context.Context, evt *event.Event, reg *Registry) Report {
	report := Report{EventType: evt.EventType, EventID: evt.EventID}
	if reg == nil {
		return report
	}

	ctx, span := otel.Tracer("kernel/bus").Start(ctx, "kernel.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.type", evt.EventType),
		attribute.String("event.id", evt.EventID),
	)

	for _, sub := range reg.subscriptions(evt.EventType) {
		if sub.filter != nil {
			matched, err := sub.filter.Match(evt)
			if err != nil {
				report.SubscribersFailed++
				report.Failures = append(report.Failures, Failure{
					Handler:   sub.handler.Name,
					Engine:    sub.engine,
					ErrorType: "filter_error",
					Message:   err.Error(),
				})
				continue
			}
			if !matched {
				report.SubscribersSkipped++
				continue
			}
		}

		if err := invoke(ctx, sub.handler, evt.Clone()); err != nil {
			report.SubscribersFailed++
			failure := Failure{
				Handler:   sub.handler.Name,
				Engine:    sub.engine,
				ErrorType: fmt.Sprintf("%T", err),
				Message:   err.Error(),
			}
			if _, ok := err.(*panicError); ok {
				failure.ErrorType = "panic"
			}
			report.Failures = append(report.Failures, failure)
			slog.Warn("subscriber failed",
				"event_id", evt.EventID,
				"event_type", evt.EventType,
				"handler", sub.handler.Name,
				"engine", sub.engine,
				"error", err,
			)
			continue
		}
		report.SubscribersNotified++
	}

	span.SetAttributes(
		attribute.Int("dispatch.notified", report.SubscribersNotified),
		attribute.Int("dispatch.failed", report.SubscribersFailed),
	)
	return report
}

type panicError struct {
	value interface{}
}

func (p *panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", p.value)
}

func invoke(ctx context.Context, h Handler, evt *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return h.Fn(ctx, evt)
}
