package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"fundingarb/internal/core"
	"fundingarb/pkg/telemetry"
)

// opKind groups queued writes so the single writer can batch same-kind ops
// into one transaction (spec §4.6: "groups by operation type, preferring
// bulk operations").
type opKind int

const (
	opUpdateTrade opKind = iota
	opAppendEvent
	opAppendFunding
	opUpsertAttempt
	opUpsertCandle
	opSentinel
)

type writeOp struct {
	kind opKind
	exec func(*sql.Tx) error
	done chan<- error // optional: set when the caller wants to know the outcome
}

// writeQueue is the bounded producer/consumer channel described in spec
// §4.6/§9: producers block when full (backpressure; the queue depth is exported as a
// gauge); a
// single writer goroutine drains it in coalesced batches.
type writeQueue struct {
	db       *sql.DB
	ch       chan writeOp
	batch    int
	window   time.Duration
	logger   core.ILogger
	wg       sync.WaitGroup
	draining chan struct{}
}

func newWriteQueue(db *sql.DB, capacity, batchSize int, window time.Duration, logger core.ILogger) *writeQueue {
	q := &writeQueue{
		db:       db,
		ch:       make(chan writeOp, capacity),
		batch:    batchSize,
		window:   window,
		logger:   logger.WithField("component", "write_queue"),
		draining: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// enqueue blocks if the queue is full — this is the backpressure contract;
// callers on a suspension-point-aware path must be prepared to wait.
func (q *writeQueue) enqueue(op writeOp) {
	telemetry.GetGlobalMetrics().SetWriteQueueDepth(int64(len(q.ch)))
	q.ch <- op
	telemetry.GetGlobalMetrics().SetWriteQueueDepth(int64(len(q.ch)))
}

func (q *writeQueue) run() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.window)
	defer ticker.Stop()

	var pending []writeOp
	flush := func() {
		if len(pending) == 0 {
			return
		}
		q.flushBatch(pending)
		pending = pending[:0]
	}

	for {
		select {
		case op, ok := <-q.ch:
			if !ok {
				flush()
				return
			}
			if op.kind == opSentinel {
				flush()
				close(q.draining)
				if op.done != nil {
					op.done <- nil
				}
				return
			}
			pending = append(pending, op)
			if len(pending) >= q.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (q *writeQueue) flushBatch(ops []writeOp) {
	tx, err := q.db.Begin()
	if err != nil {
		q.logger.Error("write queue: failed to begin batch transaction", "error", err, "ops", len(ops))
		q.notifyAll(ops, err)
		return
	}
	var firstErr error
	for _, op := range ops {
		if err := op.exec(tx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		_ = tx.Rollback()
		q.logger.Error("write queue: batch failed, rolled back", "error", firstErr, "ops", len(ops))
		q.notifyAll(ops, firstErr)
		return
	}
	if err := tx.Commit(); err != nil {
		q.logger.Error("write queue: batch commit failed", "error", err, "ops", len(ops))
		q.notifyAll(ops, err)
		return
	}
	telemetry.GetGlobalMetrics().SetWriteQueueDepth(int64(len(q.ch)))
	q.notifyAll(ops, nil)
}

func (q *writeQueue) notifyAll(ops []writeOp, err error) {
	for _, op := range ops {
		if op.done != nil {
			op.done <- err
		}
	}
}

// shutdown enqueues a sentinel and waits for the writer to drain without a
// short timeout; per spec §4.6, losing queued writes on shutdown is
// unacceptable, so only ctx cancellation (not an arbitrary deadline) forces
// a manual flush of whatever never made it off the channel.
func (q *writeQueue) shutdown(ctx context.Context) {
	select {
	case <-q.draining:
		return // an earlier shutdown already drained and stopped the writer
	default:
	}
	done := make(chan error, 1)
	select {
	case q.ch <- writeOp{kind: opSentinel, done: done}:
	default:
		// Queue full; send will block until room frees, same as enqueue.
		q.ch <- writeOp{kind: opSentinel, done: done}
	}

	select {
	case <-done:
	case <-ctx.Done():
		q.logger.Warn("write queue: shutdown context cancelled before drain sentinel processed, flushing synchronously")
		q.flushRemainingSync()
	}
	q.wg.Wait()
}

// flushRemainingSync drains whatever is left on the channel directly,
// bypassing the writer loop, when an operator-forced cancellation preempts
// the normal drain.
func (q *writeQueue) flushRemainingSync() {
	var leftover []writeOp
	for {
		select {
		case op := <-q.ch:
			if op.kind != opSentinel {
				leftover = append(leftover, op)
			}
		default:
			if len(leftover) > 0 {
				q.flushBatch(leftover)
			}
			return
		}
	}
}
