// Package durable implements the optional DBOS-backed entry workflow
// (app.engine_type: "dbos"): the same preflight/leg1/leg2/verify/rollback
// sequence internal/execution.Engine runs directly, but with each stage
// checkpointed as a dbos.RunAsStep so a process crash mid-entry resumes from
// the last completed stage on restart instead of re-running it — in
// particular, it never re-places an order that already landed.
package durable

import (
	"context"
	"fmt"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"

	"fundingarb/internal/domain"
	"fundingarb/internal/execution"
)

// EntryInput is the workflow's input. TradeID is assigned by the caller
// (Engine.Open) before the workflow starts, rather than inside it:
// workflow code must be deterministic across replays, and generating a
// fresh UUID on every replay would create a different trade ID each time.
type EntryInput struct {
	TradeID     string
	Opportunity domain.Opportunity
}

// EntryWorkflows wraps the execution.Engine whose Preflight/RunLeg1/RunLeg2/
// Rollback/VerifyBothLegsLive methods already hold every piece of the entry
// sequence's business logic; this package only adds checkpoint boundaries.
type EntryWorkflows struct {
	engine *execution.Engine
}

func NewEntryWorkflows(engine *execution.Engine) *EntryWorkflows {
	return &EntryWorkflows{engine: engine}
}

// OpenEntry is the durable workflow function, registered with DBOS and
// invoked via dbosCtx.RunWorkflow. Each RunAsStep call is a checkpoint: on
// replay after a crash, DBOS returns the recorded result for steps that
// already completed instead of re-executing them.
func (w *EntryWorkflows) OpenEntry(ctx dbos.DBOSContext, input any) (any, error) {
	in := input.(*EntryInput)
	opp := in.Opportunity

	qtyRaw, err := ctx.RunAsStep(ctx, func(c context.Context) (any, error) {
		qty, stage, err := w.engine.Preflight(c, opp)
		if err != nil {
			w.engine.RecordRejectedAttempt(opp, stage, err)
			return nil, fmt.Errorf("%s: %w", stage, err)
		}
		return qty, nil
	})
	if err != nil {
		return nil, err
	}
	qty := qtyRaw.(decimal.Decimal)

	tradeRaw, err := ctx.RunAsStep(ctx, func(c context.Context) (any, error) {
		return w.engine.OpenTrade(c, in.TradeID, opp, qty)
	})
	if err != nil {
		return nil, err
	}
	trade := tradeRaw.(*domain.Trade)

	leg1Raw, err := ctx.RunAsStep(ctx, func(c context.Context) (any, error) {
		return w.engine.RunLeg1(c, trade, opp, qty)
	})
	if err != nil {
		if _, rerr := ctx.RunAsStep(ctx, func(c context.Context) (any, error) {
			w.engine.Rollback(c, trade, nil)
			return nil, nil
		}); rerr != nil {
			return trade, fmt.Errorf("leg1 failed (%w), rollback also failed: %v", err, rerr)
		}
		return trade, err
	}
	leg1 := leg1Raw.(domain.Order)

	leg2Raw, err := ctx.RunAsStep(ctx, func(c context.Context) (any, error) {
		return w.engine.RunLeg2(c, trade, opp.ShortVenue, leg1.Side.Opposite(), leg1.FilledQty)
	})
	if err != nil {
		if _, rerr := ctx.RunAsStep(ctx, func(c context.Context) (any, error) {
			w.engine.Rollback(c, trade, &leg1)
			return nil, nil
		}); rerr != nil {
			return trade, fmt.Errorf("leg2 failed (%w), rollback also failed: %v", err, rerr)
		}
		return trade, err
	}
	leg2 := leg2Raw.(domain.Order)

	liveRaw, err := ctx.RunAsStep(ctx, func(c context.Context) (any, error) {
		return w.engine.FinalizeTrade(c, trade, leg1, leg2, opp)
	})
	if err != nil {
		return trade, err
	}
	return liveRaw.(*domain.Trade), nil
}
