// Package broadcast fans messages out to the accumulated member base.
//
// A run snapshots the approved members into per-recipient outcome
// entries persisted inside one run record, so processing is resumable:
// a crashed or restarted process picks the run back up and only sends
// to recipients not already marked sent. Sends are paced by a limiter
// shared across runs so the platform's outbound quota holds no matter
// how many runs are in flight.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tinyland-inc/gatekeeper/pkg/bus"
	"github.com/tinyland-inc/gatekeeper/pkg/gateway"
	"github.com/tinyland-inc/gatekeeper/pkg/logger"
	"github.com/tinyland-inc/gatekeeper/pkg/store"
)

// Store is the persistence surface the engine needs.
type Store interface {
	InsertRun(ctx context.Context, run store.BroadcastRun) error
	FindRun(ctx context.Context, id string) (*store.BroadcastRun, error)
	SetOutcome(ctx context.Context, runID string, outcome store.Outcome) error
	TransitionRun(ctx context.Context, runID string, from []store.RunStatus, to store.RunStatus) (bool, error)
	SetRunSchedule(ctx context.Context, runID string, at time.Time) error
	ResetRunSnapshot(ctx context.Context, runID string, outcomes map[string]store.Outcome) error
	DueScheduledRuns(ctx context.Context, now time.Time) ([]store.BroadcastRun, error)
	RunsByStatus(ctx context.Context, status store.RunStatus) ([]store.BroadcastRun, error)
	MembersByStatus(ctx context.Context, status store.MemberStatus) ([]store.Member, error)
}

type Config struct {
	RatePerSecond     float64
	Burst             int
	MaxAttempts       int
	BaseBackoff       time.Duration // between retry passes, doubles per pass
	SchedulerInterval time.Duration
}

// Engine owns BroadcastRun documents and the background goroutines
// processing them.
type Engine struct {
	store   Store
	gateway gateway.Gateway
	bus     *bus.EventBus
	cfg     Config
	limiter *rate.Limiter

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	rootCtx context.Context
}

func NewEngine(s Store, gw gateway.Gateway, eb *bus.EventBus, cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.SchedulerInterval <= 0 {
		cfg.SchedulerInterval = time.Minute
	}
	return &Engine{
		store:   s,
		gateway: gw,
		bus:     eb,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cancels: make(map[string]context.CancelFunc),
		rootCtx: context.Background(),
	}
}

// Run resumes interrupted runs and drives the scheduler until the
// context is done. It blocks; callers run it in a goroutine.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.rootCtx = ctx
	e.mu.Unlock()

	e.resume(ctx)

	ticker := time.NewTicker(e.cfg.SchedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.fireDue(ctx)
		}
	}
}

// resume picks up runs left in_progress by a previous process. A run
// that never received its recipient snapshot, or that is a recurring
// template, is handed back to the scheduler instead of being processed:
// finalizing it with zero outcome entries would mark it completed
// without a single send and, for a template, end its recurrence.
func (e *Engine) resume(ctx context.Context) {
	interrupted, err := e.store.RunsByStatus(ctx, store.RunInProgress)
	if err != nil {
		logger.ErrorCF("broadcast", "Resume scan failed", map[string]any{"error": err.Error()})
		return
	}

	for _, run := range interrupted {
		if run.CronExpr != "" || (run.Total == 0 && len(run.Outcomes) == 0) {
			if _, err := e.store.TransitionRun(ctx, run.ID,
				[]store.RunStatus{store.RunInProgress}, store.RunScheduled); err != nil {
				logger.ErrorCF("broadcast", "Rescheduling claimed run failed", map[string]any{
					"run_id": run.ID,
					"error":  err.Error(),
				})
				continue
			}
			logger.InfoCF("broadcast", "Returned claimed run to the scheduler", map[string]any{
				"run_id": run.ID,
			})
			continue
		}

		logger.InfoCF("broadcast", "Resuming interrupted run", map[string]any{"run_id": run.ID})
		e.launch(run.ID)
	}
}

// Start snapshots the current approved members into a new run and
// begins processing it in the background.
func (e *Engine) Start(ctx context.Context, payload string, createdBy int64) (*store.BroadcastRun, error) {
	if payload == "" {
		return nil, fmt.Errorf("broadcast payload is empty")
	}

	outcomes, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	run := store.BroadcastRun{
		ID:        uuid.New().String(),
		Payload:   payload,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
		Status:    store.RunInProgress,
		Total:     len(outcomes),
		Outcomes:  outcomes,
	}
	if err := e.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}

	logger.InfoCF("broadcast", "Run started", map[string]any{
		"run_id":     run.ID,
		"recipients": run.Total,
	})
	e.launch(run.ID)
	return &run, nil
}

// Status returns the current run record, progress included.
func (e *Engine) Status(ctx context.Context, runID string) (*store.BroadcastRun, error) {
	return e.store.FindRun(ctx, runID)
}

// Cancel terminates a run: entries still pending become skipped,
// retryable entries are not retried further. In-flight pacing observes
// the cancellation within one pacing interval.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	won, err := e.store.TransitionRun(ctx, runID,
		[]store.RunStatus{store.RunInProgress, store.RunScheduled}, store.RunCancelled)
	if err != nil {
		return err
	}
	if !won {
		run, err := e.store.FindRun(ctx, runID)
		if err != nil {
			return err
		}
		return fmt.Errorf("run %s is already %s", runID, run.Status)
	}

	e.mu.Lock()
	if cancel, ok := e.cancels[runID]; ok {
		cancel()
		delete(e.cancels, runID)
	}
	e.mu.Unlock()

	run, err := e.store.FindRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, o := range run.Outcomes {
		if o.Status == store.OutcomePending {
			o.Status = store.OutcomeSkipped
			if err := e.store.SetOutcome(ctx, runID, o); err != nil {
				return err
			}
		}
	}

	logger.InfoCF("broadcast", "Run cancelled", map[string]any{"run_id": runID})
	return nil
}

func (e *Engine) launch(runID string) {
	e.mu.Lock()
	if _, exists := e.cancels[runID]; exists {
		e.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(e.rootCtx)
	e.cancels[runID] = cancel
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.cancels, runID)
			e.mu.Unlock()
			cancel()
		}()
		if err := e.Process(runCtx, runID); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorCF("broadcast", "Run processing failed", map[string]any{
				"run_id": runID,
				"error":  err.Error(),
			})
		}
	}()
}

// Process drives a run to a terminal status. It is safe to call again
// after an interruption: entries already sent are never re-sent. A
// storage failure while persisting progress is run-fatal; per-recipient
// send failures never are.
func (e *Engine) Process(ctx context.Context, runID string) error {
	backoff := e.cfg.BaseBackoff

	for {
		run, err := e.store.FindRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != store.RunInProgress {
			return nil
		}

		if _, err := e.pass(ctx, run); err != nil {
			return err
		}

		done, err := e.finalize(ctx, runID)
		if err != nil || done {
			return err
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}

// pass attempts every non-terminal entry once, in no particular order,
// and reports how many entries remain retryable.
func (e *Engine) pass(ctx context.Context, run *store.BroadcastRun) (int, error) {
	retryable := 0
	for _, outcome := range run.Outcomes {
		if outcome.Status.Terminal() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return retryable, err
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return retryable, err
		}

		outcome = e.attempt(ctx, run.Payload, outcome)
		if err := e.store.SetOutcome(ctx, run.ID, outcome); err != nil {
			return retryable, err
		}
		if outcome.Status == store.OutcomeFailedRetryable {
			retryable++
		}
	}
	return retryable, nil
}

// attempt sends to one recipient and classifies the result.
func (e *Engine) attempt(ctx context.Context, payload string, outcome store.Outcome) store.Outcome {
	outcome.Attempts++
	outcome.LastAttempt = time.Now().UTC()

	err := e.gateway.SendMessage(ctx, outcome.UserID, payload)
	if err == nil {
		outcome.Status = store.OutcomeSent
		outcome.Error = ""
		return outcome
	}
	outcome.Error = err.Error()

	if errors.Is(err, gateway.ErrRecipientUnreachable) {
		outcome.Status = store.OutcomeFailedPermanent
		return outcome
	}

	var rl *gateway.RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		// Honor the platform's hint before touching the next recipient.
		select {
		case <-time.After(rl.RetryAfter):
		case <-ctx.Done():
		}
	}

	if outcome.Attempts >= e.cfg.MaxAttempts {
		outcome.Status = store.OutcomeFailedPermanent
	} else {
		outcome.Status = store.OutcomeFailedRetryable
	}
	return outcome
}

// finalize moves a fully settled run to its terminal status and
// reports whether the run is finished.
func (e *Engine) finalize(ctx context.Context, runID string) (bool, error) {
	run, err := e.store.FindRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status != store.RunInProgress {
		return true, nil
	}

	p := run.Progress()
	if p.Pending > 0 || p.Retryable > 0 {
		return false, nil
	}

	final := store.RunCompleted
	if p.Permanent > 0 {
		final = store.RunCompletedWithErrors
	}
	if _, err := e.store.TransitionRun(ctx, runID,
		[]store.RunStatus{store.RunInProgress}, final); err != nil {
		return false, err
	}

	logger.InfoCF("broadcast", "Run finished", map[string]any{
		"run_id": runID,
		"status": string(final),
		"sent":   p.Sent,
		"failed": p.Permanent,
	})
	_ = e.bus.PublishNotice(ctx, bus.Notice{
		Text: fmt.Sprintf("Broadcast %s finished: %d sent, %d failed, %d skipped.",
			runID, p.Sent, p.Permanent, p.Skipped),
	})
	return true, nil
}

// snapshot freezes the current approved member set into pending
// outcome entries.
func (e *Engine) snapshot(ctx context.Context) (map[string]store.Outcome, error) {
	members, err := e.store.MembersByStatus(ctx, store.MemberApproved)
	if err != nil {
		return nil, err
	}
	outcomes := make(map[string]store.Outcome, len(members))
	for _, m := range members {
		outcomes[store.OutcomeKey(m.UserID)] = store.Outcome{
			UserID: m.UserID,
			Status: store.OutcomePending,
		}
	}
	return outcomes, nil
}
