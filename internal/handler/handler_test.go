package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eacon/tokenpay/internal/infrastructure/auth"
	"github.com/eacon/tokenpay/internal/models"
	service "github.com/eacon/tokenpay/internal/services"
	pkgerrors "github.com/eacon/tokenpay/pkg/errors"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPaymentService struct {
	createResult  *service.CreatePaymentResult
	createErr     error
	verifyResult  *service.SettlementResult
	verifyErr     error
	webhookResult *service.SettlementResult
	webhookErr    error
	fixResult     *service.ReconciliationResult
	balance       int64
}

func (s *stubPaymentService) CreatePayment(context.Context, int64, string, int64, string) (*service.CreatePaymentResult, error) {
	return s.createResult, s.createErr
}

func (s *stubPaymentService) VerifyPayment(context.Context, int64, int64, string) (*service.SettlementResult, error) {
	return s.verifyResult, s.verifyErr
}

func (s *stubPaymentService) HandleWebhook(context.Context, []byte, string) (*service.SettlementResult, error) {
	return s.webhookResult, s.webhookErr
}

func (s *stubPaymentService) FixDuplicateTokens(context.Context, int64) (*service.ReconciliationResult, error) {
	return s.fixResult, nil
}

func (s *stubPaymentService) GetBalance(context.Context, int64) (int64, error) {
	return s.balance, nil
}

func (s *stubPaymentService) GetHistory(context.Context, int64) ([]models.TokenTransaction, error) {
	return nil, nil
}

type stubAuthService struct{}

func (stubAuthService) Register(context.Context, string, string) (int64, error) { return 1, nil }
func (stubAuthService) Login(context.Context, string, string) (string, error)  { return "token", nil }

func postWebhook(t *testing.T, svc *stubPaymentService) *httptest.ResponseRecorder {
	t.Helper()
	h := NewHandler(stubAuthService{}, svc)
	router := mux.NewRouter()
	h.RegisterPublicRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/webhook/payos", bytes.NewReader([]byte(`{"data":{}}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Webhook(t *testing.T) {
	t.Run("settled returns 200", func(t *testing.T) {
		rec := postWebhook(t, &stubPaymentService{
			webhookResult: &service.SettlementResult{Success: true, TokensAdded: 4000},
		})
		assert.Equal(t, http.StatusOK, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, true, body["success"])
	})

	t.Run("invalid signature returns 400", func(t *testing.T) {
		rec := postWebhook(t, &stubPaymentService{webhookErr: pkgerrors.ErrInvalidSignature})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown order code is acknowledged with 200", func(t *testing.T) {
		rec := postWebhook(t, &stubPaymentService{webhookErr: pkgerrors.ErrPaymentRecordNotFound})
		assert.Equal(t, http.StatusOK, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, false, body["success"])
	})

	t.Run("settlement failure returns 500", func(t *testing.T) {
		rec := postWebhook(t, &stubPaymentService{webhookErr: pkgerrors.ErrInternal})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestHandler_VerifyPayment(t *testing.T) {
	serve := func(svc *stubPaymentService, withUser bool) *httptest.ResponseRecorder {
		h := NewHandler(stubAuthService{}, svc)
		req := httptest.NewRequest(http.MethodPost, "/payments/verify", bytes.NewReader([]byte(`{"order_code":123}`)))
		if withUser {
			req = req.WithContext(auth.ContextWithUserID(req.Context(), 1))
		}
		rec := httptest.NewRecorder()
		h.VerifyPayment(rec, req)
		return rec
	}

	t.Run("missing auth context returns 401", func(t *testing.T) {
		rec := serve(&stubPaymentService{}, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown order returns 404", func(t *testing.T) {
		rec := serve(&stubPaymentService{verifyErr: pkgerrors.ErrPaymentRecordNotFound}, true)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("amount mismatch returns 400", func(t *testing.T) {
		rec := serve(&stubPaymentService{verifyErr: pkgerrors.ErrAmountMismatch}, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("gateway outage returns 503", func(t *testing.T) {
		rec := serve(&stubPaymentService{verifyErr: pkgerrors.ErrGatewayUnavailable}, true)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("settled response carries tokens", func(t *testing.T) {
		rec := serve(&stubPaymentService{
			verifyResult: &service.SettlementResult{Success: true, Status: "PAID", TokensAdded: 4000, PaidVND: 255000},
		}, true)
		assert.Equal(t, http.StatusOK, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, true, body["success"])
		assert.Equal(t, float64(4000), body["tokens_added"])
	})
}

func TestHandler_CreatePayment(t *testing.T) {
	t.Run("too many purchases returns 429", func(t *testing.T) {
		h := NewHandler(stubAuthService{}, &stubPaymentService{createErr: pkgerrors.ErrTooManyAttempts})
		req := httptest.NewRequest(http.MethodPost, "/payments", bytes.NewReader([]byte(`{"package_type":"basic","amount_usd":10}`)))
		req = req.WithContext(auth.ContextWithUserID(req.Context(), 1))
		rec := httptest.NewRecorder()
		h.CreatePayment(rec, req)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("success returns checkout url and calculation", func(t *testing.T) {
		h := NewHandler(stubAuthService{}, &stubPaymentService{
			createResult: &service.CreatePaymentResult{
				CheckoutURL: "https://pay.test/web/1",
				OrderCode:   123,
				AmountUSD:   10,
				AmountVND:   255000,
				Tokens:      4000,
			},
		})
		req := httptest.NewRequest(http.MethodPost, "/payments", bytes.NewReader([]byte(`{"package_type":"basic","amount_usd":10}`)))
		req = req.WithContext(auth.ContextWithUserID(req.Context(), 1))
		rec := httptest.NewRecorder()
		h.CreatePayment(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, float64(123), body["order_code"])
		data, ok := body["data"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "https://pay.test/web/1", data["checkout_url"])
	})
}
