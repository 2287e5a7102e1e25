package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/propreel/propreel/internal/cache"
	"github.com/propreel/propreel/internal/config"
	generationdomain "github.com/propreel/propreel/internal/generation/domain"
	ledgerdomain "github.com/propreel/propreel/internal/ledger/domain"
	obsmetrics "github.com/propreel/propreel/internal/observability/metrics"
	inferencedomain "github.com/propreel/propreel/internal/providers/inference/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Pricing    *config.PricingConfigHolder
	Repo       generationdomain.Repository
	LedgerSvc  ledgerdomain.Service
	Adapter    inferencedomain.Adapter
	Views      cache.JobViewCache  `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	pricing    *config.PricingConfigHolder
	repo       generationdomain.Repository
	ledgerSvc  ledgerdomain.Service
	adapter    inferencedomain.Adapter
	views      cache.JobViewCache
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) generationdomain.Service {
	return &Service{
		log:        p.Log.Named("generation.service"),
		genID:      p.GenID,
		pricing:    p.Pricing,
		repo:       p.Repo,
		ledgerSvc:  p.LedgerSvc,
		adapter:    p.Adapter,
		views:      p.Views,
		obsMetrics: p.ObsMetrics,
	}
}

// CreateBatch reserves the full batch cost up front, then creates the job
// and its items. The reservation happens-before job creation; if the job
// store write fails the reservation is compensated before the error is
// surfaced, so a retryable storage failure never strands credits.
func (s *Service) CreateBatch(ctx context.Context, req generationdomain.CreateBatchRequest) (*generationdomain.CreateBatchResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, generationdomain.ErrInvalidUser
	}
	op, ok := s.pricing.Operation(req.Feature)
	if !ok {
		return nil, generationdomain.ErrInvalidFeature
	}
	if len(req.Items) == 0 {
		return nil, generationdomain.ErrInvalidItems
	}
	if op.MaxBatchSize > 0 && len(req.Items) > op.MaxBatchSize {
		return nil, generationdomain.ErrBatchTooLarge
	}
	for _, item := range req.Items {
		if strings.TrimSpace(item.InputRef) == "" {
			return nil, generationdomain.ErrInvalidItems
		}
	}

	jobID := s.genID.Generate()
	totalCost := op.CreditCost * int64(len(req.Items))

	reserved, err := s.ledgerSvc.CheckAndReserve(ctx, ledgerdomain.ReserveRequest{
		UserID:    userID,
		Amount:    totalCost,
		Feature:   op.Feature,
		Reference: generationdomain.ReserveReference(jobID),
	})
	if err != nil {
		return nil, err
	}

	job := &generationdomain.Job{
		ID:          jobID,
		UserID:      userID,
		Feature:     op.Feature,
		Status:      generationdomain.JobStatusProcessing,
		TotalItems:  len(req.Items),
		PerItemCost: op.CreditCost,
	}
	items := make([]generationdomain.JobItem, 0, len(req.Items))
	for i, input := range req.Items {
		items = append(items, generationdomain.JobItem{
			ID:       s.genID.Generate(),
			JobID:    jobID,
			Position: i,
			InputRef: strings.TrimSpace(input.InputRef),
			Status:   generationdomain.ItemStatusPending,
			Metadata: input.Params,
		})
	}

	if err := s.repo.CreateJobWithItems(ctx, job, items); err != nil {
		// Compensate the reservation before surfacing the storage error.
		if refundErr := s.ledgerSvc.Refund(ctx, ledgerdomain.RefundRequest{
			UserID:    userID,
			Amount:    totalCost,
			Feature:   op.Feature,
			Reason:    ledgerdomain.ReasonBatchReserve,
			Reference: "rollback:" + generationdomain.ReserveReference(jobID),
		}); refundErr != nil {
			s.log.Error("failed to roll back reservation after job store error",
				zap.String("job_id", jobID.String()),
				zap.Error(refundErr),
			)
		}
		return nil, fmt.Errorf("%w: %w", ledgerdomain.ErrStorage, err)
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordJobCreated(op.Feature, len(req.Items))
	}
	s.log.Info("batch created",
		zap.String("job_id", jobID.String()),
		zap.String("user_id", userID),
		zap.String("feature", op.Feature),
		zap.Int("items", len(req.Items)),
		zap.Int64("credits_cost", totalCost),
	)

	return &generationdomain.CreateBatchResponse{
		JobID:        jobID.String(),
		TotalItems:   len(req.Items),
		CreditsCost:  totalCost,
		BalanceAfter: reserved.BalanceAfter,
	}, nil
}

func (s *Service) GetJob(ctx context.Context, userID string, jobID string) (*generationdomain.JobView, error) {
	if s.views != nil {
		if view, ok := s.views.Get(userID, jobID); ok {
			return view, nil
		}
	}

	job, items, err := s.fetchOwnedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	view := buildJobView(job, items)
	if s.views != nil {
		// The cache only retains terminal views, so in-flight jobs stay live.
		s.views.Set(userID, jobID, view)
	}
	return view, nil
}

// CancelJob refunds every non-terminal item and fails it, then finalizes the
// job. Cancellation refunds rather than forfeits: the user paid for outputs
// they will now never receive.
func (s *Service) CancelJob(ctx context.Context, userID string, jobID string) (*generationdomain.JobView, error) {
	job, items, err := s.fetchOwnedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, generationdomain.ErrJobNotCancelable
	}

	for _, item := range items {
		if item.Status.Terminal() {
			continue
		}

		if err := s.ledgerSvc.Refund(ctx, ledgerdomain.RefundRequest{
			UserID:    job.UserID,
			Amount:    job.PerItemCost,
			Feature:   job.Feature,
			Reason:    ledgerdomain.ReasonItemCancelled,
			Reference: generationdomain.RefundReference(item.ID),
		}); err != nil {
			return nil, err
		}
		transitioned, err := s.repo.MarkItemFailed(ctx, item.ID, "cancelled by user", true)
		if err != nil {
			return nil, err
		}
		if !transitioned {
			// A concurrent poll landed a terminal state between the read and
			// the cancel write, most likely succeeded. The refund above
			// stands; its ledger reference keeps it single either way.
			s.log.Warn("cancel raced a terminal transition",
				zap.String("job_id", job.ID.String()),
				zap.String("item_id", item.ID.String()),
			)
		}

		if item.ExternalID != nil && *item.ExternalID != "" {
			if err := s.adapter.Cancel(ctx, *item.ExternalID); err != nil {
				s.log.Warn("provider cancel failed",
					zap.String("job_id", job.ID.String()),
					zap.String("external_id", *item.ExternalID),
					zap.Error(err),
				)
			}
		}
		if s.obsMetrics != nil {
			s.obsMetrics.RecordRefund(job.Feature, ledgerdomain.ReasonItemCancelled)
		}
	}

	finalized, err := s.repo.FinalizeJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	_, refreshed, err := s.repo.GetJob(ctx, finalized.ID)
	if err != nil {
		return nil, err
	}
	return buildJobView(finalized, refreshed), nil
}

func (s *Service) fetchOwnedJob(ctx context.Context, userID string, rawJobID string) (*generationdomain.Job, []generationdomain.JobItem, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil, generationdomain.ErrInvalidUser
	}
	jobID, err := snowflake.ParseString(strings.TrimSpace(rawJobID))
	if err != nil {
		return nil, nil, generationdomain.ErrJobNotFound
	}

	job, items, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.UserID != userID {
		// Do not leak existence of other users' jobs.
		return nil, nil, generationdomain.ErrJobNotFound
	}
	return job, items, nil
}

func buildJobView(job *generationdomain.Job, items []generationdomain.JobItem) *generationdomain.JobView {
	view := &generationdomain.JobView{
		JobID:          job.ID.String(),
		Feature:        job.Feature,
		Status:         job.Status,
		TotalItems:     job.TotalItems,
		CompletedItems: job.CompletedItems,
		ErrorMessage:   job.ErrorMessage,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
		Items:          make([]generationdomain.ItemView, 0, len(items)),
	}
	for _, item := range items {
		view.Items = append(view.Items, generationdomain.ItemView{
			Status:    item.Status,
			InputRef:  item.InputRef,
			OutputRef: item.OutputRef,
			Error:     item.Error,
		})
	}
	return view
}
