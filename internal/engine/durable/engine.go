package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"

	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/internal/execution"
)

// Opener is what both the simple execution.Engine and Engine
// implement, so cmd/fundingarb can select one at startup off app.engine_type
// without the rest of the codebase knowing which it got.
type Opener interface {
	Open(ctx context.Context, opp domain.Opportunity) (*domain.Trade, error)
}

// Engine runs entry sequences as DBOS-checkpointed workflows instead of a
// single in-process call. It does not duplicate execution.Engine's
// preflight/leg/rollback logic — it wraps the same *execution.Engine and
// adds a durable workflow around it.
type Engine struct {
	dbosCtx   dbos.DBOSContext
	workflows *EntryWorkflows
	logger    core.ILogger
}

func New(dbosCtx dbos.DBOSContext, engine *execution.Engine, logger core.ILogger) *Engine {
	return &Engine{
		dbosCtx:   dbosCtx,
		workflows: NewEntryWorkflows(engine),
		logger:    logger.WithField("component", "durable_engine"),
	}
}

// Start launches the DBOS runtime. Must be called before Open.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("starting DBOS engine")
	return e.dbosCtx.Launch()
}

// Stop drains in-flight workflows and shuts the runtime down.
func (e *Engine) Stop() error {
	e.logger.Info("stopping DBOS engine")
	e.dbosCtx.Shutdown(30 * time.Second)
	return nil
}

// Open runs the entry workflow to completion, blocking until it either
// finishes or fails. On a process crash before Open returns, a restarted
// process that calls Launch again resumes any still-running workflow from
// its last completed step rather than losing track of it.
func (e *Engine) Open(ctx context.Context, opp domain.Opportunity) (*domain.Trade, error) {
	input := &EntryInput{TradeID: uuid.NewString(), Opportunity: opp}
	handle, err := e.dbosCtx.RunWorkflow(e.dbosCtx, e.workflows.OpenEntry, input)
	if err != nil {
		return nil, fmt.Errorf("durable: start entry workflow: %w", err)
	}

	result, err := handle.GetResult()
	if err != nil {
		return nil, err
	}
	trade, _ := result.(*domain.Trade)
	return trade, nil
}
