// Package worker drives generation batches to completion: it submits pending
// items to the inference provider, polls running ones on their schedule, and
// finalizes jobs once every item is terminal, reconciling the credit ledger
// along the way.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/propreel/propreel/internal/clock"
	"github.com/propreel/propreel/internal/config"
	generationdomain "github.com/propreel/propreel/internal/generation/domain"
	ledgerdomain "github.com/propreel/propreel/internal/ledger/domain"
	obsmetrics "github.com/propreel/propreel/internal/observability/metrics"
	inferencedomain "github.com/propreel/propreel/internal/providers/inference/domain"
	"github.com/propreel/propreel/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const leaderLockKey = "worker:leader"

var ErrInvalidConfig = errors.New("worker: invalid configuration")

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	AppCfg     config.Config
	Pricing    *config.PricingConfigHolder
	Repo       generationdomain.Repository
	LedgerSvc  ledgerdomain.Service
	Adapter    inferencedomain.Adapter
	Locker     *ratelimit.Locker           `optional:"true"`
	Metrics    *obsmetrics.Metrics         `optional:"true"`
	SweepStats *obsmetrics.WorkerMetrics   `optional:"true"`
	Config     Config                      `optional:"true"`
}

type Worker struct {
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	pricing    *config.PricingConfigHolder
	repo       generationdomain.Repository
	ledgerSvc  ledgerdomain.Service
	adapter    inferencedomain.Adapter
	locker     *ratelimit.Locker
	metrics    *obsmetrics.Metrics
	sweepStats *obsmetrics.WorkerMetrics
}

func New(p Params) (*Worker, error) {
	if p.Log == nil || p.Clock == nil || p.Pricing == nil || p.Repo == nil || p.LedgerSvc == nil || p.Adapter == nil {
		return nil, ErrInvalidConfig
	}
	locker := p.Locker
	if !p.AppCfg.Worker.LeaderLock {
		locker = nil
	}
	return &Worker{
		log:        p.Log.Named("worker").With(zap.String("component", "worker")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		pricing:    p.Pricing,
		repo:       p.Repo,
		ledgerSvc:  p.LedgerSvc,
		adapter:    p.Adapter,
		locker:     locker,
		metrics:    p.Metrics,
		sweepStats: p.SweepStats,
	}, nil
}

func (w *Worker) runSweep(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, w.cfg.SweepTimeout)
	defer cancel()

	w.sweepStats.IncRun(name)
	err := fn(ctx)
	w.sweepStats.ObserveDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		w.log.Warn("sweep timed out", zap.String("sweep", name), zap.Error(err))
		return nil
	}
	w.sweepStats.IncError(name)
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one full orchestration pass.
func (w *Worker) RunOnce(parent context.Context) error {
	var err error
	err = errors.Join(err, w.runSweep(parent, "submit", w.SubmitSweep))
	err = errors.Join(err, w.runSweep(parent, "poll", w.PollSweep))
	err = errors.Join(err, w.runSweep(parent, "recover", w.RecoverSweep))
	err = errors.Join(err, w.runSweep(parent, "finalize", w.FinalizeSweep))
	return err
}

// RunForever loops RunOnce on the configured interval until ctx is done.
// When a redis locker is configured only the lock holder sweeps, so extra
// replicas idle instead of double-driving jobs.
func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if w.tryLeadership(ctx) {
			if err := w.RunOnce(ctx); err != nil {
				w.log.Warn("worker run failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) tryLeadership(ctx context.Context) bool {
	if w.locker == nil {
		return true
	}
	token, ok, err := w.locker.TryLock(ctx, leaderLockKey, w.cfg.LeaderLockTTL)
	if err != nil {
		w.log.Warn("leader lock unavailable, sweeping anyway", zap.Error(err))
		return true
	}
	if !ok {
		return false
	}
	// Held for the TTL rather than released; a crashed holder hands over
	// within one TTL.
	_ = token
	return true
}

// SubmitSweep claims jobs with unsubmitted items and submits them one at a
// time, in position order. Sequential submission inside a batch is deliberate
// backpressure against the provider's rate limits.
func (w *Worker) SubmitSweep(ctx context.Context) error {
	jobs, err := w.repo.ClaimSubmittableJobs(ctx, w.cfg.SubmitBatchSize)
	if err != nil {
		return err
	}

	var sweepErr error
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.submitJob(ctx, job); err != nil {
			sweepErr = errors.Join(sweepErr, err)
		}
	}
	return sweepErr
}

func (w *Worker) submitJob(ctx context.Context, job generationdomain.Job) error {
	log := w.log.With(zap.String("job_id", job.ID.String()), zap.String("feature", job.Feature))

	op, ok := w.pricing.Operation(job.Feature)
	if !ok {
		// Feature removed from the pricing table while the job was queued.
		return w.failPendingItems(ctx, job, "operation no longer available")
	}

	items, err := w.repo.PendingItems(ctx, job.ID)
	if err != nil {
		return err
	}

	var jobErr error
	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		transitioned, err := w.repo.MarkItemSubmitted(ctx, item.ID, w.clock.Now())
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		if !transitioned {
			continue
		}

		externalID, err := w.adapter.Submit(ctx, inferencedomain.SubmitRequest{
			Model:    op.Model,
			Version:  derefString(op.Version),
			InputRef: item.InputRef,
			Params:   item.Metadata,
		})
		if err != nil {
			w.metrics.RecordProviderCall(job.Feature, "error")
			log.Warn("item submit failed",
				zap.String("item_id", item.ID.String()),
				zap.Error(err),
			)
			if err := w.failItem(ctx, job, item.ID, ledgerdomain.ReasonItemSubmitFailed, submitErrMsg(err)); err != nil {
				jobErr = errors.Join(jobErr, err)
			}
			continue
		}

		w.metrics.RecordProviderCall(job.Feature, "ok")
		if err := w.repo.MarkItemProcessing(ctx, item.ID, externalID, w.clock.Now().Add(op.PollInterval())); err != nil {
			jobErr = errors.Join(jobErr, err)
		}
	}
	return jobErr
}

// PollSweep polls every running item whose next check is due and applies the
// observed terminal state. Non-terminal observations push the next poll out
// by the operation's interval and count against its attempt ceiling.
func (w *Worker) PollSweep(ctx context.Context) error {
	items, err := w.repo.ClaimDueItems(ctx, w.clock.Now(), w.cfg.PollBatchSize)
	if err != nil {
		return err
	}

	var sweepErr error
	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.pollItem(ctx, item); err != nil {
			sweepErr = errors.Join(sweepErr, err)
		}
	}
	return sweepErr
}

func (w *Worker) pollItem(ctx context.Context, item generationdomain.JobItem) error {
	job, err := w.repo.Job(ctx, item.JobID)
	if err != nil {
		return err
	}
	log := w.log.With(
		zap.String("job_id", job.ID.String()),
		zap.String("item_id", item.ID.String()),
		zap.String("feature", job.Feature),
	)

	op, ok := w.pricing.Operation(job.Feature)
	if !ok {
		return w.failItem(ctx, *job, item.ID, ledgerdomain.ReasonItemFailed, "operation no longer available")
	}

	if item.ExternalID == nil || *item.ExternalID == "" {
		return w.failItem(ctx, *job, item.ID, ledgerdomain.ReasonItemFailed, "missing external job id")
	}

	prediction, err := w.adapter.Poll(ctx, *item.ExternalID)
	if err != nil {
		w.metrics.RecordProviderCall(job.Feature, "error")
		log.Warn("poll failed", zap.Error(err))
		return w.countAttempt(ctx, *job, item, op, "poll ceiling exceeded: "+err.Error())
	}
	w.metrics.RecordProviderCall(job.Feature, "ok")

	switch prediction.Status {
	case inferencedomain.StatusSucceeded:
		transitioned, err := w.repo.MarkItemSucceeded(ctx, item.ID, prediction.Output)
		if err != nil {
			return err
		}
		if transitioned {
			w.metrics.RecordItemTerminal(job.Feature, string(generationdomain.ItemStatusSucceeded))
			log.Info("item succeeded", zap.String("output_ref", prediction.Output))
		}
		return nil
	case inferencedomain.StatusFailed:
		errMsg := prediction.Error
		if errMsg == "" {
			errMsg = "provider reported failure"
		}
		return w.failItem(ctx, *job, item.ID, ledgerdomain.ReasonItemFailed, errMsg)
	default:
		return w.countAttempt(ctx, *job, item, op, "timeout exceeded waiting for provider")
	}
}

func (w *Worker) countAttempt(ctx context.Context, job generationdomain.Job, item generationdomain.JobItem, op config.OperationPricing, ceilingMsg string) error {
	attempts := item.Attempts + 1
	if attempts >= op.MaxAttempts {
		// The ceiling is handled exactly like a provider-reported failure.
		return w.failItem(ctx, job, item.ID, ledgerdomain.ReasonItemFailed, ceilingMsg)
	}
	return w.repo.ReschedulePoll(ctx, item.ID, attempts, w.clock.Now().Add(op.PollInterval()))
}

// failItem refunds first and persists the terminal status second. A crash
// between the two writes re-runs the refund on the next sweep, where the
// ledger reference makes it a no-op: the bias is toward over-refunding, and
// the idempotent ledger removes even that.
func (w *Worker) failItem(ctx context.Context, job generationdomain.Job, itemID snowflake.ID, reason, errMsg string) error {
	if err := w.ledgerSvc.Refund(ctx, ledgerdomain.RefundRequest{
		UserID:    job.UserID,
		Amount:    job.PerItemCost,
		Feature:   job.Feature,
		Reason:    reason,
		Reference: generationdomain.RefundReference(itemID),
	}); err != nil {
		// Storage failure: leave the item non-terminal so the next sweep
		// retries refund and status together.
		return err
	}
	w.metrics.RecordRefund(job.Feature, reason)

	transitioned, err := w.repo.MarkItemFailed(ctx, itemID, errMsg, true)
	if err != nil {
		return err
	}
	if transitioned {
		w.metrics.RecordItemTerminal(job.Feature, string(generationdomain.ItemStatusFailed))
	}
	return nil
}

func (w *Worker) failPendingItems(ctx context.Context, job generationdomain.Job, errMsg string) error {
	items, err := w.repo.PendingItems(ctx, job.ID)
	if err != nil {
		return err
	}
	var jobErr error
	for _, item := range items {
		if err := w.failItem(ctx, job, item.ID, ledgerdomain.ReasonItemFailed, errMsg); err != nil {
			jobErr = errors.Join(jobErr, err)
		}
	}
	return jobErr
}

// RecoverSweep fails items stranded in submitted. A crash between the
// submitted write and the provider dispatch leaves no external id behind, so
// neither the submit nor the poll sweep ever revisits the item; past the
// stall cutoff it is refunded and failed like any other submit failure, which
// lets the job finalize.
func (w *Worker) RecoverSweep(ctx context.Context) error {
	cutoff := w.clock.Now().Add(-w.cfg.StallTimeout)
	items, err := w.repo.StalledSubmittedItems(ctx, cutoff, w.cfg.RecoverBatchSize)
	if err != nil {
		return err
	}

	var sweepErr error
	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, err := w.repo.Job(ctx, item.JobID)
		if err != nil {
			sweepErr = errors.Join(sweepErr, err)
			continue
		}
		w.log.Warn("recovering stalled item",
			zap.String("job_id", job.ID.String()),
			zap.String("item_id", item.ID.String()),
			zap.Time("stalled_since", item.UpdatedAt),
		)
		if err := w.failItem(ctx, *job, item.ID, ledgerdomain.ReasonItemSubmitFailed, "submission interrupted"); err != nil {
			sweepErr = errors.Join(sweepErr, err)
		}
	}
	return sweepErr
}

// FinalizeSweep settles jobs whose items have all reached a terminal state.
func (w *Worker) FinalizeSweep(ctx context.Context) error {
	jobs, err := w.repo.JobsAwaitingFinalize(ctx, w.cfg.FinalizeBatchSize)
	if err != nil {
		return err
	}

	var sweepErr error
	for _, job := range jobs {
		finalized, err := w.repo.FinalizeJob(ctx, job.ID)
		if err != nil {
			sweepErr = errors.Join(sweepErr, err)
			continue
		}
		w.log.Info("job finalized",
			zap.String("job_id", finalized.ID.String()),
			zap.String("status", string(finalized.Status)),
			zap.Int("completed_items", finalized.CompletedItems),
			zap.Int("total_items", finalized.TotalItems),
		)
	}
	return sweepErr
}

func submitErrMsg(err error) string {
	return "submit failed: " + err.Error()
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
