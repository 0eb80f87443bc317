package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratum-os/kernel/pkg/event"
)

func sampleEvent() *event.Event {
	return &event.Event{
		EventID:       "e-1",
		EventType:     "retail.sale.recorded",
		EventVersion:  1,
		BusinessID:    "biz-1",
		SourceEngine:  "retail",
		ActorType:     event.ActorHuman,
		ActorID:       "user-1",
		CorrelationID: "corr-1",
		Payload:       map[string]interface{}{"sku": "A-1"},
		CreatedAt:     time.Now().UTC(),
		Status:        event.StatusFinal,
	}
}

func named(name string, fn HandlerFunc) Handler {
	return Handler{Name: name, Fn: fn}
}

func TestDispatchInvokesInRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		n := name
		require.NoError(t, reg.RegisterSubscriber("retail.sale.recorded",
			named(n, func(ctx context.Context, evt *event.Event) error {
				order = append(order, n)
				return nil
			}), "loyalty"))
	}

	report := Dispatch(context.Background(), sampleEvent(), reg)
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, 3, report.SubscribersNotified)
	assert.Equal(t, 0, report.SubscribersFailed)
}

func TestDispatchIsolatesFailingHandler(t *testing.T) {
	reg := NewRegistry()
	var calls []string
	require.NoError(t, reg.RegisterSubscriber("retail.sale.recorded",
		named("ok-1", func(ctx context.Context, evt *event.Event) error {
			calls = append(calls, "ok-1")
			return nil
		}), "loyalty"))
	require.NoError(t, reg.RegisterSubscriber("retail.sale.recorded",
		named("boom", func(ctx context.Context, evt *event.Event) error {
			return errors.New("projection write failed")
		}), "wallet"))
	require.NoError(t, reg.RegisterSubscriber("retail.sale.recorded",
		named("ok-2", func(ctx context.Context, evt *event.Event) error {
			calls = append(calls, "ok-2")
			return nil
		}), "procurement"))

	report := Dispatch(context.Background(), sampleEvent(), reg)

	assert.Equal(t, 2, report.SubscribersNotified)
	assert.Equal(t, 1, report.SubscribersFailed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "boom", report.Failures[0].Handler)
	assert.Equal(t, "wallet", report.Failures[0].Engine)
	assert.Contains(t, report.Failures[0].Message, "projection write failed")
	assert.Equal(t, []string{"ok-1", "ok-2"}, calls, "failure must not block later handlers")
}

func TestDispatchCapturesPanic(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterSubscriber("retail.sale.recorded",
		named("panics", func(ctx context.Context, evt *event.Event) error {
			panic("nil map write")
		}), "loyalty"))

	var report Report
	assert.NotPanics(t, func() {
		report = Dispatch(context.Background(), sampleEvent(), reg)
	})
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "panic", report.Failures[0].ErrorType)
	assert.Contains(t, report.Failures[0].Message, "nil map write")
}

func TestDispatchDoesNotMutateEvent(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterSubscriber("retail.sale.recorded",
		named("mutator", func(ctx context.Context, evt *event.Event) error {
			evt.Payload["sku"] = "HACKED"
			evt.EventID = "HACKED"
			return nil
		}), "loyalty"))

	evt := sampleEvent()
	Dispatch(context.Background(), evt, reg)
	assert.Equal(t, "A-1", evt.Payload["sku"])
	assert.Equal(t, "e-1", evt.EventID)
}

func TestDispatchNoSubscribers(t *testing.T) {
	report := Dispatch(context.Background(), sampleEvent(), NewRegistry())
	assert.Equal(t, 0, report.SubscribersNotified)
	assert.Empty(t, report.Failures)
	assert.Equal(t, "retail.sale.recorded", report.EventType)
}

func TestDuplicateHandlerRejected(t *testing.T) {
	reg := NewRegistry()
	h := named("dup", func(ctx context.Context, evt *event.Event) error { return nil })
	require.NoError(t, reg.RegisterSubscriber("retail.sale.recorded", h, "loyalty"))
	err := reg.RegisterSubscriber("retail.sale.recorded", h, "wallet")
	assert.ErrorIs(t, err, ErrDuplicateHandler)
}

func TestSelfSubscriptionBlockedUnlessOverridden(t *testing.T) {
	reg := NewRegistry()
	h := named("self", func(ctx context.Context, evt *event.Event) error { return nil })

	err := reg.RegisterSubscriber("retail.sale.recorded", h, "retail")
	assert.ErrorIs(t, err, ErrSelfSubscription)

	assert.NoError(t, reg.RegisterSubscriber("retail.sale.recorded", h, "retail", AllowSelfSubscription()))
	assert.Equal(t, 1, reg.Subscribers("retail.sale.recorded"))
}

type skuFilter struct{ want string }

func (f skuFilter) Match(evt *event.Event) (bool, error) {
	return evt.Payload["sku"] == f.want, nil
}

type brokenFilter struct{}

func (brokenFilter) Match(evt *event.Event) (bool, error) {
	return false, errors.New("filter exploded")
}

func TestDispatchFilters(t *testing.T) {
	reg := NewRegistry()
	var got []string
	require.NoError(t, reg.RegisterSubscriber("retail.sale.recorded",
		named("match", func(ctx context.Context, evt *event.Event) error {
			got = append(got, "match")
			return nil
		}), "loyalty", WithFilter(skuFilter{want: "A-1"})))
	require.NoError(t, reg.RegisterSubscriber("retail.sale.recorded",
		named("nomatch", func(ctx context.Context, evt *event.Event) error {
			got = append(got, "nomatch")
			return nil
		}), "wallet", WithFilter(skuFilter{want: "Z-9"})))
	require.NoError(t, reg.RegisterSubscriber("retail.sale.recorded",
		named("errfilter", func(ctx context.Context, evt *event.Event) error {
			got = append(got, "errfilter")
			return nil
		}), "procurement", WithFilter(brokenFilter{})))

	report := Dispatch(context.Background(), sampleEvent(), reg)

	assert.Equal(t, []string{"match"}, got)
	assert.Equal(t, 1, report.SubscribersNotified)
	assert.Equal(t, 1, report.SubscribersSkipped)
	assert.Equal(t, 1, report.SubscribersFailed)
	assert.Equal(t, "filter_error", report.Failures[0].ErrorType)
}

func TestRegisterSubscriberValidation(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.RegisterSubscriber("", named("h", func(ctx context.Context, evt *event.Event) error { return nil }), "loyalty"))
	assert.Error(t, reg.RegisterSubscriber("retail.sale.recorded", Handler{Name: "h"}, "loyalty"))
	assert.Error(t, reg.RegisterSubscriber("retail.sale.recorded", Handler{Fn: func(ctx context.Context, evt *event.Event) error { return nil }}, "loyalty"))
}
