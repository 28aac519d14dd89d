package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/tinyland-inc/gatekeeper/pkg/logger"
	"github.com/tinyland-inc/gatekeeper/pkg/store"
)

// Schedule creates a one-shot run that fires once its time arrives.
// The recipient snapshot is taken at fire time, not at creation.
func (e *Engine) Schedule(ctx context.Context, payload string, at time.Time, createdBy int64) (*store.BroadcastRun, error) {
	if payload == "" {
		return nil, fmt.Errorf("broadcast payload is empty")
	}
	if at.Before(time.Now()) {
		return nil, fmt.Errorf("scheduled time %s is in the past", at.Format(time.RFC3339))
	}

	run := store.BroadcastRun{
		ID:          uuid.New().String(),
		Payload:     payload,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
		Status:      store.RunScheduled,
		ScheduledAt: at.UTC(),
	}
	if err := e.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}

	logger.InfoCF("broadcast", "Run scheduled", map[string]any{
		"run_id": run.ID,
		"at":     run.ScheduledAt.Format(time.RFC3339),
	})
	return &run, nil
}

// ScheduleCron creates a recurring template run. Each time the cron
// expression fires, a fresh child run is snapshotted and processed; the
// template itself stays scheduled with its next fire time.
func (e *Engine) ScheduleCron(ctx context.Context, payload, expr string, createdBy int64) (*store.BroadcastRun, error) {
	if payload == "" {
		return nil, fmt.Errorf("broadcast payload is empty")
	}
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}

	next, err := gronx.NextTick(expr, false)
	if err != nil {
		return nil, fmt.Errorf("cron next tick: %w", err)
	}

	run := store.BroadcastRun{
		ID:          uuid.New().String(),
		Payload:     payload,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
		Status:      store.RunScheduled,
		ScheduledAt: next.UTC(),
		CronExpr:    expr,
	}
	if err := e.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}

	logger.InfoCF("broadcast", "Recurring run scheduled", map[string]any{
		"run_id": run.ID,
		"cron":   expr,
		"next":   run.ScheduledAt.Format(time.RFC3339),
	})
	return &run, nil
}

// fireDue launches every scheduled run whose time has come. For a
// one-shot run the recipient snapshot is persisted while the run is
// still scheduled and only then claimed with a status CAS: a crash
// between the two leaves a scheduled run the next poll fires again,
// never a claimed run with no outcome entries.
func (e *Engine) fireDue(ctx context.Context) {
	due, err := e.store.DueScheduledRuns(ctx, time.Now().UTC())
	if err != nil {
		logger.ErrorCF("broadcast", "Scheduler scan failed", map[string]any{"error": err.Error()})
		return
	}

	for _, run := range due {
		if run.CronExpr != "" {
			e.fireCron(ctx, run)
			continue
		}

		outcomes, err := e.snapshot(ctx)
		if err != nil {
			logger.ErrorCF("broadcast", "Scheduled snapshot failed", map[string]any{
				"run_id": run.ID,
				"error":  err.Error(),
			})
			continue
		}
		if err := e.store.ResetRunSnapshot(ctx, run.ID, outcomes); err != nil {
			logger.ErrorCF("broadcast", "Scheduled snapshot write failed", map[string]any{
				"run_id": run.ID,
				"error":  err.Error(),
			})
			continue
		}

		won, err := e.store.TransitionRun(ctx, run.ID,
			[]store.RunStatus{store.RunScheduled}, store.RunInProgress)
		if err != nil {
			logger.ErrorCF("broadcast", "Scheduler claim failed", map[string]any{
				"run_id": run.ID,
				"error":  err.Error(),
			})
			continue
		}
		if !won {
			continue
		}

		logger.InfoCF("broadcast", "Scheduled run firing", map[string]any{
			"run_id":     run.ID,
			"recipients": len(outcomes),
		})
		e.launch(run.ID)
	}
}

// fireCron fires one tick of a recurring template. The template itself
// never leaves scheduled; each firing is a separate child run. Re-arming
// happens before the child is started, so a crash in between skips one
// firing but can never kill the template or fire it twice.
func (e *Engine) fireCron(ctx context.Context, tmpl store.BroadcastRun) {
	next, err := gronx.NextTick(tmpl.CronExpr, false)
	if err != nil {
		logger.ErrorCF("broadcast", "Recurring run re-arm failed", map[string]any{
			"run_id": tmpl.ID,
			"error":  err.Error(),
		})
		return
	}
	if err := e.store.SetRunSchedule(ctx, tmpl.ID, next.UTC()); err != nil {
		logger.ErrorCF("broadcast", "Recurring run re-arm write failed", map[string]any{
			"run_id": tmpl.ID,
			"error":  err.Error(),
		})
		return
	}

	if _, err := e.Start(ctx, tmpl.Payload, tmpl.CreatedBy); err != nil {
		logger.ErrorCF("broadcast", "Recurring run start failed", map[string]any{
			"run_id": tmpl.ID,
			"error":  err.Error(),
		})
	}
}
