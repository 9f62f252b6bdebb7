// Package eventbus is the in-process pub/sub that carries domain events for
// FundingTracker, Reconciler, Supervisor, and notification sinks (spec §2).
// One handler goroutine runs per subscriber per event; a WaitGroup tracks
// in-flight handlers for Drain. There is no periodic cleanup step: a
// finished handler's goroutine simply exits, and one that never returns
// stays alive.
package eventbus

import (
	"context"
	"sync"
	"time"

	"fundingarb/internal/core"
)

// EventKind names the domain events the bus carries.
type EventKind string

const (
	EventTradeOpened        EventKind = "TRADE_OPENED"
	EventTradeClosed         EventKind = "TRADE_CLOSED"
	EventTradeRolledBack    EventKind = "TRADE_ROLLED_BACK"
	EventBrokenHedgeDetected EventKind = "BROKEN_HEDGE_DETECTED"
	EventRebalanceExecuted  EventKind = "REBALANCE_EXECUTED"
	EventRiskPauseTriggered EventKind = "RISK_PAUSE_TRIGGERED"
	EventReconcileDrift     EventKind = "RECONCILE_DRIFT"
)

// Event is one bus message; Payload is kind-specific (e.g. *domain.Trade).
type Event struct {
	Kind      EventKind
	Symbol    string
	Venue     string
	Payload   interface{}
	Timestamp time.Time
}

// Handler processes one event. Handlers must not block indefinitely; the
// bus runs each invocation in its own tracked goroutine but does not itself
// enforce a timeout.
type Handler func(ctx context.Context, ev Event)

// Bus is a multi-producer, multi-consumer, non-blocking event dispatcher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventKind][]Handler
	inFlight    sync.WaitGroup
	logger      core.ILogger
}

func New(logger core.ILogger) *Bus {
	return &Bus{
		subscribers: make(map[EventKind][]Handler),
		logger:      logger.WithField("component", "eventbus"),
	}
}

// Subscribe registers a handler for a kind. Subscriptions are not
// removable; the bus is expected to be wired once at startup.
func (b *Bus) Subscribe(kind EventKind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], h)
}

// Publish dispatches ev to every subscriber of its kind, each in its own
// goroutine, tracked so Drain can wait for completion on shutdown.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[ev.Kind]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		b.inFlight.Add(1)
		go func() {
			defer b.inFlight.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked", "kind", ev.Kind, "recover", r)
				}
			}()
			h(ctx, ev)
		}()
	}
}

// Drain waits for all in-flight handler goroutines to finish, or until ctx
// is done, whichever comes first. Called during ordered shutdown.
func (b *Bus) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		b.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("eventbus drain timed out with handlers still in flight")
	}
}
