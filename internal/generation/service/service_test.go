package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/propreel/propreel/internal/config"
	generationdomain "github.com/propreel/propreel/internal/generation/domain"
	"github.com/propreel/propreel/internal/generation/repository"
	ledgerdomain "github.com/propreel/propreel/internal/ledger/domain"
	ledgerservice "github.com/propreel/propreel/internal/ledger/service"
	inferencedomain "github.com/propreel/propreel/internal/providers/inference/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// stubAdapter records provider calls and replays configured answers.
type stubAdapter struct {
	mu sync.Mutex

	submitErr   error
	submitCalls []inferencedomain.SubmitRequest
	cancelled   []string

	predictions map[string]inferencedomain.Prediction
	pollErr     error
	nextID      int
}

func (a *stubAdapter) Submit(_ context.Context, req inferencedomain.SubmitRequest) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitCalls = append(a.submitCalls, req)
	if a.submitErr != nil {
		return "", a.submitErr
	}
	a.nextID++
	return fmt.Sprintf("ext-%d", a.nextID), nil
}

func (a *stubAdapter) Poll(_ context.Context, externalID string) (*inferencedomain.Prediction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pollErr != nil {
		return nil, a.pollErr
	}
	prediction, ok := a.predictions[externalID]
	if !ok {
		prediction = inferencedomain.Prediction{ExternalID: externalID, Status: inferencedomain.StatusRunning}
	}
	return &prediction, nil
}

func (a *stubAdapter) Cancel(_ context.Context, externalID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = append(a.cancelled, externalID)
	return nil
}

func (a *stubAdapter) setPrediction(externalID string, prediction inferencedomain.Prediction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.predictions == nil {
		a.predictions = make(map[string]inferencedomain.Prediction)
	}
	a.predictions[externalID] = prediction
}

type testEnv struct {
	svc     generationdomain.Service
	repo    generationdomain.Repository
	ledger  ledgerdomain.Service
	adapter *stubAdapter
	db      *gorm.DB
}

func testPricing() *config.PricingConfigHolder {
	return config.NewStaticPricingHolder(config.PricingConfig{
		Operations: []config.OperationPricing{
			{Feature: "photo_to_video", Model: "kling-v2.1", CreditCost: 4, PollSeconds: 5, MaxAttempts: 10, MaxBatchSize: 3},
			{Feature: "image_edit", Model: "flux-kontext-pro", CreditCost: 1, PollSeconds: 2, MaxAttempts: 3, MaxBatchSize: 10},
		},
	})
}

func newTestEnv(t *testing.T, grant int64) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&ledgerdomain.Account{},
		&ledgerdomain.UsageRecord{},
		&generationdomain.Job{},
		&generationdomain.JobItem{},
	)
	assert.NoError(t, err)

	node, err := snowflake.NewNode(1)
	assert.NoError(t, err)

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Cfg:   config.Config{Ledger: config.LedgerConfig{DefaultGrant: grant}},
	})

	repo := repository.New(db)
	adapter := &stubAdapter{}

	svc := NewService(Params{
		Log:       zap.NewNop(),
		GenID:     node,
		Pricing:   testPricing(),
		Repo:      repo,
		LedgerSvc: ledgerSvc,
		Adapter:   adapter,
	})

	return &testEnv{svc: svc, repo: repo, ledger: ledgerSvc, adapter: adapter, db: db}
}

func TestCreateBatch_ReservesAndCreates(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	resp, err := env.svc.CreateBatch(ctx, generationdomain.CreateBatchRequest{
		UserID:  "agent-1",
		Feature: "photo_to_video",
		Items: []generationdomain.ItemInput{
			{InputRef: "s3://photos/1.jpg"},
			{InputRef: "s3://photos/2.jpg"},
		},
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, resp.TotalItems)
	assert.Equal(t, int64(8), resp.CreditsCost)
	assert.Equal(t, int64(2), resp.BalanceAfter)

	view, err := env.svc.GetJob(ctx, "agent-1", resp.JobID)
	assert.NoError(t, err)
	assert.Equal(t, generationdomain.JobStatusProcessing, view.Status)
	assert.Len(t, view.Items, 2)
	assert.Equal(t, "s3://photos/1.jpg", view.Items[0].InputRef)
	assert.Equal(t, generationdomain.ItemStatusPending, view.Items[0].Status)
}

func TestCreateBatch_InsufficientCredits(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	// Three 4-credit items against a 10-credit balance. All or nothing.
	_, err := env.svc.CreateBatch(ctx, generationdomain.CreateBatchRequest{
		UserID:  "agent-1",
		Feature: "photo_to_video",
		Items: []generationdomain.ItemInput{
			{InputRef: "a"}, {InputRef: "b"}, {InputRef: "c"},
		},
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	var insufficientErr *ledgerdomain.InsufficientCreditsError
	assert.ErrorAs(t, err, &insufficientErr)
	assert.Equal(t, int64(10), insufficientErr.Balance)
	assert.Equal(t, int64(12), insufficientErr.Required)

	// Balance untouched and no job rows persisted.
	balance, err := env.ledger.GetBalance(ctx, "agent-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	var jobs int64
	assert.NoError(t, env.db.Model(&generationdomain.Job{}).Count(&jobs).Error)
	assert.Equal(t, int64(0), jobs)
}

func TestCreateBatch_Validation(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	_, err := env.svc.CreateBatch(ctx, generationdomain.CreateBatchRequest{
		UserID: "agent-1", Feature: "unknown_feature",
		Items: []generationdomain.ItemInput{{InputRef: "a"}},
	})
	assert.ErrorIs(t, err, generationdomain.ErrInvalidFeature)

	_, err = env.svc.CreateBatch(ctx, generationdomain.CreateBatchRequest{
		UserID: "agent-1", Feature: "photo_to_video", Items: nil,
	})
	assert.ErrorIs(t, err, generationdomain.ErrInvalidItems)

	_, err = env.svc.CreateBatch(ctx, generationdomain.CreateBatchRequest{
		UserID: "agent-1", Feature: "photo_to_video",
		Items: []generationdomain.ItemInput{
			{InputRef: "a"}, {InputRef: "b"}, {InputRef: "c"}, {InputRef: "d"},
		},
	})
	assert.ErrorIs(t, err, generationdomain.ErrBatchTooLarge)

	_, err = env.svc.CreateBatch(ctx, generationdomain.CreateBatchRequest{
		UserID: "agent-1", Feature: "photo_to_video",
		Items: []generationdomain.ItemInput{{InputRef: "  "}},
	})
	assert.ErrorIs(t, err, generationdomain.ErrInvalidItems)

	_, err = env.svc.CreateBatch(ctx, generationdomain.CreateBatchRequest{
		UserID: "", Feature: "photo_to_video",
		Items: []generationdomain.ItemInput{{InputRef: "a"}},
	})
	assert.ErrorIs(t, err, generationdomain.ErrInvalidUser)
}

func TestGetJob_OwnershipIsEnforced(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	resp, err := env.svc.CreateBatch(ctx, generationdomain.CreateBatchRequest{
		UserID:  "agent-1",
		Feature: "image_edit",
		Items:   []generationdomain.ItemInput{{InputRef: "a"}},
	})
	assert.NoError(t, err)

	_, err = env.svc.GetJob(ctx, "agent-2", resp.JobID)
	assert.ErrorIs(t, err, generationdomain.ErrJobNotFound)

	_, err = env.svc.GetJob(ctx, "agent-1", "not-a-job-id")
	assert.ErrorIs(t, err, generationdomain.ErrJobNotFound)
}

func TestCancelJob_RefundsUnfinishedItems(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	resp, err := env.svc.CreateBatch(ctx, generationdomain.CreateBatchRequest{
		UserID:  "agent-1",
		Feature: "photo_to_video",
		Items:   []generationdomain.ItemInput{{InputRef: "a"}, {InputRef: "b"}},
	})
	assert.NoError(t, err)

	view, err := env.svc.CancelJob(ctx, "agent-1", resp.JobID)
	assert.NoError(t, err)
	assert.Equal(t, generationdomain.JobStatusFailed, view.Status)
	for _, item := range view.Items {
		assert.Equal(t, generationdomain.ItemStatusFailed, item.Status)
	}

	// Both unfinished items refunded in full.
	balance, err := env.ledger.GetBalance(ctx, "agent-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	// Terminal jobs cannot be cancelled again.
	_, err = env.svc.CancelJob(ctx, "agent-1", resp.JobID)
	assert.ErrorIs(t, err, generationdomain.ErrJobNotCancelable)
}

// racingRepo lands a success right before a terminal write, standing in for a
// poll sweep finishing inside the cancel window.
type racingRepo struct {
	generationdomain.Repository
	outputRef string
}

func (r *racingRepo) MarkItemFailed(ctx context.Context, itemID snowflake.ID, errMsg string, refunded bool) (bool, error) {
	if _, err := r.Repository.MarkItemSucceeded(ctx, itemID, r.outputRef); err != nil {
		return false, err
	}
	return r.Repository.MarkItemFailed(ctx, itemID, errMsg, refunded)
}

func TestCancelJob_ConcurrentSuccessKeepsOutput(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	resp, err := env.svc.CreateBatch(ctx, generationdomain.CreateBatchRequest{
		UserID:  "agent-1",
		Feature: "photo_to_video",
		Items:   []generationdomain.ItemInput{{InputRef: "a"}},
	})
	assert.NoError(t, err)

	// Drive the item to processing so a poll could land on it.
	var item generationdomain.JobItem
	assert.NoError(t, env.db.First(&item, "input_ref = ?", "a").Error)
	transitioned, err := env.repo.MarkItemSubmitted(ctx, item.ID, time.Now().UTC())
	assert.NoError(t, err)
	assert.True(t, transitioned)
	assert.NoError(t, env.repo.MarkItemProcessing(ctx, item.ID, "ext-race", time.Now().UTC()))

	node, err := snowflake.NewNode(2)
	assert.NoError(t, err)
	raced := NewService(Params{
		Log:       zap.NewNop(),
		GenID:     node,
		Pricing:   testPricing(),
		Repo:      &racingRepo{Repository: env.repo, outputRef: "s3://out/a.mp4"},
		LedgerSvc: env.ledger,
		Adapter:   env.adapter,
	})

	view, err := raced.CancelJob(ctx, "agent-1", resp.JobID)
	assert.NoError(t, err)

	// The success wins the item; cancel's terminal write is a no-op.
	assert.Equal(t, generationdomain.JobStatusCompleted, view.Status)
	assert.Equal(t, generationdomain.ItemStatusSucceeded, view.Items[0].Status)
	assert.Equal(t, "s3://out/a.mp4", *view.Items[0].OutputRef)

	// The refund was already written when the race resolved, so the user
	// keeps both it and the output, but only one refund line exists.
	balance, err := env.ledger.GetBalance(ctx, "agent-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	var refunds int64
	assert.NoError(t, env.db.Model(&ledgerdomain.UsageRecord{}).
		Where("reason = ?", ledgerdomain.ReasonItemCancelled).
		Count(&refunds).Error)
	assert.Equal(t, int64(1), refunds)
}
