// Package agent runs one role's poll loop over the vault.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vaultline/internal/dashboard"
	"vaultline/internal/domain"
	"vaultline/internal/engine"
	"vaultline/internal/planner"
	"vaultline/internal/store"
)

// ErrItemTimeout is returned when an external call outlives its bound. The
// call itself may still be running in the background.
var ErrItemTimeout = errors.New("item timed out")

// Runner is a single-threaded cooperative loop for one role. Items are
// processed one at a time; shutdown is honored at the top of the loop.
type Runner struct {
	Engine    engine.Engine
	Planner   planner.Planner
	Action    engine.ActionFunc
	Publisher *dashboard.Publisher
	Scheduler *Scheduler
	Ingestor  *Ingestor

	Interval      time.Duration
	ItemTimeout   time.Duration
	MaxIterations int
	// Wake, when set, cuts the inter-cycle sleep short.
	Wake   <-chan struct{}
	Logger *slog.Logger
}

// CycleReport lists what one cycle did, by document id.
type CycleReport struct {
	Ingested  []string
	Generated []string
	Claimed   []string
	Completed []string
	Requested []string
	Failed    []string
	Approved  []string
	Executed  []string
	Retrying  []string
}

func (r *Runner) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run resolves this role's leftovers from a previous process, then cycles
// until ctx ends or the iteration cap is reached.
func (r *Runner) Run(ctx context.Context) error {
	role := r.Engine.Role.Name
	rep, err := r.Engine.Recover(ctx, role, engine.RecoverOptions{})
	if err != nil {
		return fmt.Errorf("recover %s: %w", role, err)
	}
	if n := len(rep.Kept) + len(rep.Restored) + len(rep.Completed) + len(rep.Quarantined); n > 0 {
		r.log().Info("resolved leftover claims", "kept", rep.Kept, "restored", rep.Restored, "completed", rep.Completed, "quarantined", rep.Quarantined)
	}
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for i := 0; r.MaxIterations == 0 || i < r.MaxIterations; i++ {
		if ctx.Err() != nil {
			r.log().Info("agent stopping", "cycles", i)
			return nil
		}
		// The cycle finishes its in-flight item even if shutdown arrives.
		rep := r.Cycle(context.WithoutCancel(ctx))
		r.log().Debug("cycle done", "cycle", i+1, "claimed", len(rep.Claimed), "requested", len(rep.Requested), "executed", len(rep.Executed))
		if r.MaxIterations > 0 && i == r.MaxIterations-1 {
			break
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
		case <-timer.C:
		case <-r.Wake:
		}
		timer.Stop()
	}
	return nil
}

// Cycle runs one pass: intake, planning, automatic decisions, execution,
// snapshot. Failures are logged and left for a later cycle.
func (r *Runner) Cycle(ctx context.Context) CycleReport {
	var rep CycleReport
	now := r.Engine.Now
	if now == nil {
		now = time.Now
	}
	if r.Ingestor != nil {
		ids, err := r.Ingestor.Ingest(ctx)
		if err != nil {
			r.log().Warn("drop ingestion failed", "err", err)
		}
		rep.Ingested = ids
	}
	if r.Scheduler != nil {
		ids, err := r.Scheduler.Generate(ctx, now())
		if err != nil {
			r.log().Warn("scheduled generation failed", "err", err)
		}
		rep.Generated = ids
	}

	if r.Planner != nil {
		r.plan(ctx, &rep)
	}

	approved, err := r.Engine.AutoDecide(ctx)
	if err != nil {
		r.log().Warn("auto decisions failed", "err", err)
	}
	rep.Approved = approved

	if r.Action != nil {
		r.execute(ctx, &rep)
	}

	if r.Publisher != nil {
		if _, err := r.Publisher.Publish(ctx); err != nil {
			r.log().Warn("publish snapshot failed", "err", err)
		}
	}
	return rep
}

func (r *Runner) plan(ctx context.Context, rep *CycleReport) {
	cands, err := r.Engine.Discover(ctx)
	if err != nil {
		r.log().Warn("discover failed", "err", err)
		return
	}
	for _, c := range cands {
		id := c.Task.ID
		if !c.Claimed {
			st, err := r.Engine.Claim(ctx, c.From, id)
			if err != nil {
				r.log().Warn("claim failed", "task", id, "err", err)
				continue
			}
			if st == engine.AlreadyTaken {
				continue
			}
			rep.Claimed = append(rep.Claimed, id)
		}
		out, err := r.planOne(ctx, c.Task)
		switch {
		case err != nil:
			rep.Failed = append(rep.Failed, id)
		case out.Completed:
			rep.Completed = append(rep.Completed, id)
		case out.Request != nil:
			rep.Requested = append(rep.Requested, out.Request.ID)
		}
	}
}

func (r *Runner) planOne(ctx context.Context, task domain.Task) (engine.PlanOutcome, error) {
	out, resumed, err := r.Engine.ResumePlanned(ctx, task.ID)
	if resumed || err != nil {
		if err != nil {
			r.log().Warn("resume planned task failed", "task", task.ID, "err", err)
		}
		return out, err
	}
	var res planner.Result
	err = r.bounded(ctx, func(ctx context.Context) error {
		var perr error
		res, perr = r.Planner.Plan(ctx, task)
		return perr
	})
	if err != nil {
		r.Engine.PlanFailed(ctx, task.ID, err)
		return out, err
	}
	out, err = r.Engine.RecordPlan(ctx, task.ID, res.Plan, res.Request)
	if err != nil {
		r.log().Warn("record plan failed", "task", task.ID, "err", err)
	}
	return out, err
}

func (r *Runner) execute(ctx context.Context, rep *CycleReport) {
	reqs, err := r.Engine.Assigned(ctx)
	if err != nil {
		r.log().Warn("list approved failed", "err", err)
		return
	}
	action := func(ctx context.Context, req domain.ApprovalRequest) error {
		return r.bounded(ctx, func(ctx context.Context) error { return r.Action(ctx, req) })
	}
	for _, req := range reqs {
		res, err := r.Engine.Execute(ctx, req.ID, action)
		if err != nil {
			if !errors.Is(err, store.ErrMalformed) && !errors.Is(err, engine.ErrInvalidState) {
				r.log().Warn("execute failed", "request", req.ID, "err", err)
			}
			continue
		}
		switch res.Status {
		case engine.ExecSucceeded:
			rep.Executed = append(rep.Executed, req.ID)
		case engine.ExecFailed:
			rep.Retrying = append(rep.Retrying, req.ID)
		}
	}
}

// bounded runs fn with the item timeout. A call that ignores its context
// is abandoned so the loop keeps moving.
func (r *Runner) bounded(ctx context.Context, fn func(context.Context) error) error {
	timeout := r.ItemTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w after %s", ErrItemTimeout, timeout)
	}
}
