package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cqerrors "github.com/cqkit/cqkit/pkg/cqkit/errors"
)

// fastRetries makes retry delays negligible so the full retry pipeline runs
// inside a unit test.
func fastRetries(cfg BusConfig) BusConfig {
	cfg.BackoffFunc = func(int) time.Duration { return time.Millisecond }
	return cfg
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func mustEvent(t *testing.T, eventType string, opts ...Option) *Envelope {
	t.Helper()
	evt, err := New(eventType, "test-service", map[string]any{"k": "v"}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return evt
}

// testStore is an in-memory Store for bus tests.
type testStore struct {
	mu        sync.Mutex
	events    []*Envelope
	appendErr error
}

func (s *testStore) Append(_ context.Context, evt *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.events = append(s.events, evt.Clone())
	return nil
}

func (s *testStore) Range(_ context.Context, from, to time.Time, types []string) ([]*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Envelope
	for _, evt := range s.events {
		if !from.IsZero() && evt.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && evt.Timestamp.After(to) {
			continue
		}
		if len(types) > 0 {
			match := false
			for _, t := range types {
				if evt.Type == t {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, evt.Clone())
	}
	return out, nil
}

// testCoordinator simulates an external coordination store.
type testCoordinator struct {
	persisted atomic.Int64
	broadcast atomic.Int64
	fail      atomic.Bool
}

func (c *testCoordinator) Persist(context.Context, *Envelope) error {
	if c.fail.Load() {
		return errors.New("connection refused")
	}
	c.persisted.Add(1)
	return nil
}

func (c *testCoordinator) Broadcast(context.Context, *Envelope) error {
	if c.fail.Load() {
		return errors.New("connection refused")
	}
	c.broadcast.Add(1)
	return nil
}

func (c *testCoordinator) Connected(context.Context) bool {
	return !c.fail.Load()
}

func TestPublishNoSubscribersCompletes(t *testing.T) {
	bus := NewBus(BusConfig{})
	defer bus.Close()

	evt := mustEvent(t, "nobody.listens")
	id, err := bus.Publish(context.Background(), evt)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != evt.ID {
		t.Errorf("Publish returned %q, want %q", id, evt.ID)
	}

	bus.Close()

	if evt.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", evt.Status, StatusCompleted)
	}
	m := bus.Metrics()
	if m.EventsPublished != 1 || m.EventsProcessed != 1 || m.EventsFailed != 0 {
		t.Errorf("metrics = %+v", m)
	}
	if len(bus.DeadLetterQueue()) != 0 {
		t.Error("no-subscriber event must not be dead-lettered")
	}
}

func TestFanOutInvokesAllHandlers(t *testing.T) {
	bus := NewBus(BusConfig{})

	var inventory, email, analytics atomic.Int64
	for name, counter := range map[string]*atomic.Int64{
		"inventory": &inventory,
		"email":     &email,
		"analytics": &analytics,
	} {
		counter := counter
		bus.RegisterHandler(HandlerFunc{
			HandlerName: name,
			Types:       []string{"order.created"},
			Fn: func(context.Context, *Envelope) error {
				counter.Add(1)
				return nil
			},
		})
	}

	evt := mustEvent(t, "order.created")
	if _, err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	bus.Close()

	if inventory.Load() != 1 || email.Load() != 1 || analytics.Load() != 1 {
		t.Errorf("handler invocations = %d/%d/%d, want 1 each",
			inventory.Load(), email.Load(), analytics.Load())
	}
	if evt.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", evt.Status, StatusCompleted)
	}
}

func TestOneHandlerSuccessCompletesEvent(t *testing.T) {
	bus := NewBus(BusConfig{})

	bus.RegisterHandler(HandlerFunc{
		HandlerName: "flaky",
		Types:       []string{"order.created"},
		Fn:          func(context.Context, *Envelope) error { return errors.New("boom") },
	})
	bus.RegisterHandler(HandlerFunc{
		HandlerName: "solid",
		Types:       []string{"order.created"},
		Fn:          func(context.Context, *Envelope) error { return nil },
	})

	evt := mustEvent(t, "order.created")
	if _, err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	bus.Close()

	if evt.Status != StatusCompleted {
		t.Errorf("status = %q, want %q when at least one handler succeeds", evt.Status, StatusCompleted)
	}
	if evt.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", evt.RetryCount)
	}
	m := bus.Metrics()
	if m.EventsProcessed != 1 || m.EventsFailed != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	bus := NewBus(BusConfig{})

	var survived atomic.Int64
	bus.RegisterHandler(HandlerFunc{
		HandlerName: "panicky",
		Types:       []string{"order.created"},
		Fn:          func(context.Context, *Envelope) error { panic("handler bug") },
	})
	bus.RegisterHandler(HandlerFunc{
		HandlerName: "survivor",
		Types:       []string{"order.created"},
		Fn: func(context.Context, *Envelope) error {
			survived.Add(1)
			return nil
		},
	})

	evt := mustEvent(t, "order.created")
	if _, err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	bus.Close()

	if survived.Load() != 1 {
		t.Errorf("survivor invoked %d times, want 1", survived.Load())
	}
	if evt.Status != StatusCompleted {
		t.Errorf("status = %q, want %q despite sibling panic", evt.Status, StatusCompleted)
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	bus := NewBus(fastRetries(BusConfig{}))
	defer bus.Close()

	var attempts atomic.Int64
	bus.RegisterHandler(HandlerFunc{
		HandlerName: "always-fails",
		Types:       []string{"order.created"},
		Fn: func(context.Context, *Envelope) error {
			attempts.Add(1)
			return errors.New("downstream unavailable")
		},
	})

	evt := mustEvent(t, "order.created", WithMaxRetries(2))
	if _, err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool { return len(bus.DeadLetterQueue()) == 1 }, "dead-lettered event")

	// Initial attempt plus two retries.
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}

	dead := bus.DeadLetterQueue()[0]
	if dead.Status != StatusDeadLetter {
		t.Errorf("status = %q, want %q", dead.Status, StatusDeadLetter)
	}
	if dead.RetryCount != dead.MaxRetries {
		t.Errorf("retry count = %d, want frozen at max %d", dead.RetryCount, dead.MaxRetries)
	}

	m := bus.Metrics()
	if m.EventsDeadLettered != 1 {
		t.Errorf("dead-lettered = %d, want 1", m.EventsDeadLettered)
	}
	if m.EventsFailed != 3 {
		t.Errorf("failed attempts = %d, want 3", m.EventsFailed)
	}
}

func TestRetrySucceedsBeforeExhaustion(t *testing.T) {
	bus := NewBus(fastRetries(BusConfig{}))
	defer bus.Close()

	var attempts atomic.Int64
	bus.RegisterHandler(HandlerFunc{
		HandlerName: "transient",
		Types:       []string{"order.created"},
		Fn: func(context.Context, *Envelope) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient outage")
			}
			return nil
		},
	})

	evt := mustEvent(t, "order.created", WithMaxRetries(3))
	if _, err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool { return evt.Status == StatusCompleted }, "event completion")

	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
	if len(bus.DeadLetterQueue()) != 0 {
		t.Error("recovered event must not be dead-lettered")
	}
}

func TestRequeueFromDeadLetter(t *testing.T) {
	bus := NewBus(fastRetries(BusConfig{}))
	defer bus.Close()

	var healthy atomic.Bool
	bus.RegisterHandler(HandlerFunc{
		HandlerName: "recovering",
		Types:       []string{"order.created"},
		Fn: func(context.Context, *Envelope) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("still down")
		},
	})

	evt := mustEvent(t, "order.created", WithMaxRetries(1))
	if _, err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool { return len(bus.DeadLetterQueue()) == 1 }, "dead-lettered event")

	healthy.Store(true)
	if err := bus.Requeue(context.Background(), evt.ID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	waitFor(t, func() bool { return evt.Status == StatusCompleted }, "requeued event completion")
	if len(bus.DeadLetterQueue()) != 0 {
		t.Error("requeued event must leave the dead-letter queue")
	}

	if err := bus.Requeue(context.Background(), "missing"); err == nil {
		t.Error("expected error requeueing an unknown event ID")
	}
}

func TestPublishBatchIndependentFailures(t *testing.T) {
	bus := NewBus(BusConfig{})
	defer bus.Close()

	events := []*Envelope{
		mustEvent(t, "order.created"),
		nil,
		mustEvent(t, "order.cancelled"),
	}

	ids, err := bus.PublishBatch(context.Background(), events)
	if err == nil {
		t.Fatal("expected joined error for nil event")
	}
	if len(ids) != 2 {
		t.Errorf("accepted %d events, want 2", len(ids))
	}
}

func TestSchemaValidatorRejectsPublish(t *testing.T) {
	validator := schemaValidatorFunc(func(evt *Envelope) error {
		if _, ok := evt.Payload["order_id"]; !ok {
			return errors.New("missing required field order_id")
		}
		return nil
	})

	bus := NewBus(BusConfig{Validator: validator})
	defer bus.Close()

	var invoked atomic.Int64
	bus.RegisterHandler(HandlerFunc{
		HandlerName: "inventory",
		Types:       []string{"order.created"},
		Fn: func(context.Context, *Envelope) error {
			invoked.Add(1)
			return nil
		},
	})

	bad := mustEvent(t, "order.created")
	delete(bad.Payload, "k")
	if _, err := bus.Publish(context.Background(), bad); err == nil {
		t.Fatal("expected schema validation error")
	}

	good := mustEvent(t, "order.created")
	good.Payload["order_id"] = "ord-1"
	if _, err := bus.Publish(context.Background(), good); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	bus.Close()

	if invoked.Load() != 1 {
		t.Errorf("handler invoked %d times, want 1 (rejected event never dispatched)", invoked.Load())
	}
}

type schemaValidatorFunc func(*Envelope) error

func (f schemaValidatorFunc) Validate(evt *Envelope) error { return f(evt) }

func TestStoreAppendFailureRejectsPublish(t *testing.T) {
	store := &testStore{appendErr: errors.New("disk full")}
	bus := NewBus(BusConfig{Store: store})
	defer bus.Close()

	if _, err := bus.Publish(context.Background(), mustEvent(t, "order.created")); err == nil {
		t.Fatal("expected publish to fail when the store rejects the append")
	}
}

func TestCoordinatorFailureIsSoft(t *testing.T) {
	coord := &testCoordinator{}
	coord.fail.Store(true)
	bus := NewBus(BusConfig{Coordinator: coord})

	var invoked atomic.Int64
	bus.RegisterHandler(HandlerFunc{
		HandlerName: "inventory",
		Types:       []string{"order.created"},
		Fn: func(context.Context, *Envelope) error {
			invoked.Add(1)
			return nil
		},
	})

	evt := mustEvent(t, "order.created")
	if _, err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish must succeed when only coordination fails: %v", err)
	}

	health := bus.HealthCheck(context.Background())
	if health.Status != "degraded" || health.ExternalStoreConnected {
		t.Errorf("health = %+v, want degraded with store disconnected", health)
	}

	bus.Close()
	if invoked.Load() != 1 {
		t.Errorf("in-process dispatch must continue; invoked = %d", invoked.Load())
	}
	if evt.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", evt.Status, StatusCompleted)
	}
}

func TestCoordinatorReceivesPublishedEvents(t *testing.T) {
	coord := &testCoordinator{}
	bus := NewBus(BusConfig{Coordinator: coord})
	defer bus.Close()

	if _, err := bus.Publish(context.Background(), mustEvent(t, "order.created")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if coord.persisted.Load() != 1 || coord.broadcast.Load() != 1 {
		t.Errorf("coordinator saw persist=%d broadcast=%d, want 1/1",
			coord.persisted.Load(), coord.broadcast.Load())
	}
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	cfg := fastRetries(BusConfig{BreakerEnabled: true})
	cfg.Breaker.FailureThreshold = 2
	bus := NewBus(cfg)
	defer bus.Close()

	var invoked atomic.Int64
	bus.RegisterHandler(HandlerFunc{
		HandlerName: "broken",
		Types:       []string{"order.created"},
		Fn: func(context.Context, *Envelope) error {
			invoked.Add(1)
			return errors.New("boom")
		},
	})

	evt := mustEvent(t, "order.created", WithMaxRetries(5))
	if _, err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool { return len(bus.DeadLetterQueue()) == 1 }, "dead-lettered event")

	// Threshold 2 opens the breaker; the remaining four attempts fail fast
	// without reaching the handler.
	if invoked.Load() != 2 {
		t.Errorf("handler invoked %d times, want 2", invoked.Load())
	}

	err := bus.breakerFor("broken").Do(func() error { return nil })
	if !cqerrors.IsCircuitOpen(err) {
		t.Errorf("expected CircuitOpenError from open breaker, got %v", err)
	}
}

func TestHandlerTimeout(t *testing.T) {
	bus := NewBus(fastRetries(BusConfig{}))
	defer bus.Close()

	release := make(chan struct{})
	bus.RegisterHandler(HandlerFunc{
		HandlerName: "slow",
		Types:       []string{"order.created"},
		Fn: func(ctx context.Context, _ *Envelope) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})

	evt := mustEvent(t, "order.created", WithTimeout(time.Second), WithMaxRetries(0))
	if _, err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool { return len(bus.DeadLetterQueue()) == 1 }, "timed-out event to dead-letter")
	close(release)
}

func TestReplay(t *testing.T) {
	store := &testStore{}
	bus := NewBus(BusConfig{Store: store})
	defer bus.Close()

	var orderSeen, paymentSeen atomic.Int64
	bus.RegisterHandler(HandlerFunc{
		HandlerName: "orders",
		Types:       []string{"order.created"},
		Fn: func(context.Context, *Envelope) error {
			orderSeen.Add(1)
			return nil
		},
	})
	bus.RegisterHandler(HandlerFunc{
		HandlerName: "payments",
		Types:       []string{"payment.captured"},
		Fn: func(context.Context, *Envelope) error {
			paymentSeen.Add(1)
			return nil
		},
	})

	order := mustEvent(t, "order.created")
	payment := mustEvent(t, "payment.captured")
	if _, err := bus.Publish(context.Background(), order); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := bus.Publish(context.Background(), payment); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool { return orderSeen.Load() == 1 && paymentSeen.Load() == 1 }, "initial dispatch")

	n, err := bus.Replay(context.Background(), time.Time{}, time.Time{}, []string{"order.created"})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 1 {
		t.Errorf("replayed %d events, want 1 (type filter)", n)
	}
	waitFor(t, func() bool { return orderSeen.Load() == 2 }, "replayed dispatch")

	if paymentSeen.Load() != 1 {
		t.Errorf("payment handler invoked %d times, want 1 (not replayed)", paymentSeen.Load())
	}
	// Replay never rewrites the causal chain.
	if got := store.events[0].CorrelationID; got != order.CorrelationID {
		t.Errorf("stored correlation = %q, want untouched %q", got, order.CorrelationID)
	}

	m := bus.Metrics()
	if m.EventsReplayed != 1 {
		t.Errorf("replayed counter = %d, want 1", m.EventsReplayed)
	}
}

func TestReplayRequiresStore(t *testing.T) {
	bus := NewBus(BusConfig{})
	defer bus.Close()

	if _, err := bus.Replay(context.Background(), time.Time{}, time.Time{}, nil); err == nil {
		t.Fatal("expected error replaying without a store")
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	bus := NewBus(BusConfig{})
	bus.Close()

	if _, err := bus.Publish(context.Background(), mustEvent(t, "order.created")); err == nil {
		t.Fatal("expected publish to fail after Close")
	}

	health := bus.HealthCheck(context.Background())
	if health.Status != "closed" {
		t.Errorf("health status = %q, want closed", health.Status)
	}
}

func TestHealthCheckHealthy(t *testing.T) {
	bus := NewBus(BusConfig{Coordinator: &testCoordinator{}})
	defer bus.Close()

	bus.RegisterHandler(namedHandler("inventory", "order.created"))

	health := bus.HealthCheck(context.Background())
	if health.Status != "healthy" || !health.ExternalStoreConnected {
		t.Errorf("health = %+v, want healthy and connected", health)
	}
	if health.ActiveHandlers != 1 {
		t.Errorf("active handlers = %d, want 1", health.ActiveHandlers)
	}
}
