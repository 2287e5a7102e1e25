package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/propreel/propreel/internal/config"
	generationdomain "github.com/propreel/propreel/internal/generation/domain"
	ledgerdomain "github.com/propreel/propreel/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
)

type stubGenerationService struct {
	createResp *generationdomain.CreateBatchResponse
	createErr  error
	view       *generationdomain.JobView
	viewErr    error
	cancelErr  error
}

func (s *stubGenerationService) CreateBatch(_ context.Context, _ generationdomain.CreateBatchRequest) (*generationdomain.CreateBatchResponse, error) {
	return s.createResp, s.createErr
}

func (s *stubGenerationService) GetJob(_ context.Context, _ string, _ string) (*generationdomain.JobView, error) {
	return s.view, s.viewErr
}

func (s *stubGenerationService) CancelJob(_ context.Context, _ string, _ string) (*generationdomain.JobView, error) {
	if s.cancelErr != nil {
		return nil, s.cancelErr
	}
	return s.view, nil
}

type stubLedgerService struct {
	balance    int64
	balanceErr error
	records    []ledgerdomain.UsageRecord
}

func (s *stubLedgerService) CheckAndReserve(_ context.Context, _ ledgerdomain.ReserveRequest) (*ledgerdomain.ReserveResult, error) {
	return &ledgerdomain.ReserveResult{BalanceAfter: s.balance}, nil
}

func (s *stubLedgerService) Refund(_ context.Context, _ ledgerdomain.RefundRequest) error {
	return nil
}

func (s *stubLedgerService) GetBalance(_ context.Context, _ string) (int64, error) {
	return s.balance, s.balanceErr
}

func (s *stubLedgerService) History(_ context.Context, _ string, _ int) ([]ledgerdomain.UsageRecord, error) {
	return s.records, nil
}

func newTestServer(genSvc generationdomain.Service, ledgerSvc ledgerdomain.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	NewServer(ServerParams{
		Gin:           engine,
		Cfg:           config.Config{},
		GenerationSvc: genSvc,
		LedgerSvc:     ledgerSvc,
	})
	return engine
}

func doRequest(engine *gin.Engine, method, path, userID, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestGenerate_RequiresUser(t *testing.T) {
	engine := newTestServer(&stubGenerationService{}, &stubLedgerService{})

	rec := doRequest(engine, http.MethodPost, "/api/generate", "", `{"feature":"image_edit","items":[{"input_ref":"a"}]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGenerate_Accepted(t *testing.T) {
	engine := newTestServer(&stubGenerationService{
		createResp: &generationdomain.CreateBatchResponse{
			JobID:        "123",
			TotalItems:   2,
			CreditsCost:  8,
			BalanceAfter: 2,
		},
	}, &stubLedgerService{})

	rec := doRequest(engine, http.MethodPost, "/api/generate", "agent-1",
		`{"feature":"photo_to_video","items":[{"input_ref":"a"},{"input_ref":"b"}]}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp generationdomain.CreateBatchResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "123", resp.JobID)
	assert.Equal(t, int64(2), resp.BalanceAfter)
}

func TestGenerate_InsufficientCreditsIs402(t *testing.T) {
	engine := newTestServer(&stubGenerationService{
		createErr: &ledgerdomain.InsufficientCreditsError{Balance: 3, Required: 8},
	}, &stubLedgerService{})

	rec := doRequest(engine, http.MethodPost, "/api/generate", "agent-1",
		`{"feature":"photo_to_video","items":[{"input_ref":"a"},{"input_ref":"b"}]}`)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	var resp errorResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient_credits", resp.Error.Type)
	assert.Equal(t, int64(3), *resp.Error.Balance)
	assert.Equal(t, int64(8), *resp.Error.Required)
}

func TestGenerate_ValidationIs400(t *testing.T) {
	engine := newTestServer(&stubGenerationService{
		createErr: generationdomain.ErrBatchTooLarge,
	}, &stubLedgerService{})

	rec := doRequest(engine, http.MethodPost, "/api/generate", "agent-1",
		`{"feature":"photo_to_video","items":[{"input_ref":"a"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(engine, http.MethodPost, "/api/generate", "agent-1", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerate_StorageErrorIs503(t *testing.T) {
	engine := newTestServer(&stubGenerationService{
		createErr: ledgerdomain.ErrStorage,
	}, &stubLedgerService{})

	rec := doRequest(engine, http.MethodPost, "/api/generate", "agent-1",
		`{"feature":"photo_to_video","items":[{"input_ref":"a"}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp errorResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Error.Retryable)
}

func TestGetJob_NotFoundIs404(t *testing.T) {
	engine := newTestServer(&stubGenerationService{
		viewErr: generationdomain.ErrJobNotFound,
	}, &stubLedgerService{})

	rec := doRequest(engine, http.MethodGet, "/api/jobs/999", "agent-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob_ReturnsView(t *testing.T) {
	engine := newTestServer(&stubGenerationService{
		view: &generationdomain.JobView{
			JobID:          "123",
			Feature:        "photo_to_video",
			Status:         generationdomain.JobStatusCompleted,
			TotalItems:     2,
			CompletedItems: 2,
		},
	}, &stubLedgerService{})

	rec := doRequest(engine, http.MethodGet, "/api/jobs/123", "agent-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var view generationdomain.JobView
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, generationdomain.JobStatusCompleted, view.Status)
	assert.Equal(t, 2, view.CompletedItems)
}

func TestCancelJob_ConflictIs409(t *testing.T) {
	engine := newTestServer(&stubGenerationService{
		cancelErr: generationdomain.ErrJobNotCancelable,
	}, &stubLedgerService{})

	rec := doRequest(engine, http.MethodPost, "/api/jobs/123/cancel", "agent-1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetCredits(t *testing.T) {
	engine := newTestServer(&stubGenerationService{}, &stubLedgerService{balance: 7})

	rec := doRequest(engine, http.MethodGet, "/api/credits", "agent-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp creditsResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "agent-1", resp.UserID)
	assert.Equal(t, int64(7), resp.Balance)
}

func TestGetCredits_BearerFallback(t *testing.T) {
	engine := newTestServer(&stubGenerationService{}, &stubLedgerService{balance: 5})

	req := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
	req.Header.Set("Authorization", "Bearer agent-9")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp creditsResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "agent-9", resp.UserID)
}

func TestCreditHistory_InvalidLimitIs400(t *testing.T) {
	engine := newTestServer(&stubGenerationService{}, &stubLedgerService{})

	rec := doRequest(engine, http.MethodGet, "/api/credits/history?limit=abc", "agent-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
