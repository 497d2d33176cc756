package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/eacon/tokenpay/internal/infrastructure/auth"
	service "github.com/eacon/tokenpay/internal/services"
	pkgerrors "github.com/eacon/tokenpay/pkg/errors"
	"github.com/gorilla/mux"
)

type Handler struct {
	authService    service.AuthService
	paymentService service.PaymentService
}

func NewHandler(authService service.AuthService, paymentService service.PaymentService) *Handler {
	return &Handler{
		authService:    authService,
		paymentService: paymentService,
	}
}

func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/register", h.Register).Methods("POST")
	r.HandleFunc("/login", h.Login).Methods("POST")
	r.HandleFunc("/webhook/payos", h.Webhook).Methods("POST")
}

func (h *Handler) RegisterProtectedRoutes(r *mux.Router) {
	r.HandleFunc("/payments", h.CreatePayment).Methods("POST")
	r.HandleFunc("/payments/verify", h.VerifyPayment).Methods("POST")
	r.HandleFunc("/payments/fix-duplicates", h.FixDuplicates).Methods("POST")
	r.HandleFunc("/payments/history", h.History).Methods("GET")
	r.HandleFunc("/balance", h.Balance).Methods("GET")
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError translates a service error into an HTTP response. Users get the
// short sentinel message; detail stays in the logs.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	h.writeJSON(w, statusForError(err), errorResponse{Error: err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, pkgerrors.ErrInvalidAmount),
		errors.Is(err, pkgerrors.ErrInvalidInput),
		errors.Is(err, pkgerrors.ErrInvalidOrderCode),
		errors.Is(err, pkgerrors.ErrAmountMismatch),
		errors.Is(err, pkgerrors.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, pkgerrors.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, pkgerrors.ErrPaymentRecordNotFound),
		errors.Is(err, pkgerrors.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrUsernameExists):
		return http.StatusConflict
	case errors.Is(err, pkgerrors.ErrTooManyAttempts),
		errors.Is(err, pkgerrors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, pkgerrors.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrInvalidInput)
		return
	}
	userID, err := h.authService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		slog.Error("register failed", "username", req.Username, "error", err)
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{"success": true, "user_id": userID})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrInvalidInput)
		return
	}
	token, err := h.authService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		slog.Error("login failed", "username", req.Username, "error", err)
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": token})
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, pkgerrors.ErrInvalidCredentials)
		return
	}

	var req struct {
		PackageType string `json:"package_type"`
		AmountUSD   int64  `json:"amount_usd"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrInvalidInput)
		return
	}

	result, err := h.paymentService.CreatePayment(r.Context(), userID, req.PackageType, req.AmountUSD, clientIP(r))
	if err != nil {
		slog.Error("create payment failed", "user_id", userID, "error", err)
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"data":       map[string]any{"checkout_url": result.CheckoutURL},
		"order_code": result.OrderCode,
		"calculation": map[string]any{
			"amount_usd": result.AmountUSD,
			"amount_vnd": result.AmountVND,
			"tokens":     result.Tokens,
		},
	})
}

func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, pkgerrors.ErrInvalidCredentials)
		return
	}

	var req struct {
		OrderCode int64 `json:"order_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrInvalidOrderCode)
		return
	}

	result, err := h.paymentService.VerifyPayment(r.Context(), userID, req.OrderCode, clientIP(r))
	if err != nil {
		slog.Error("verify payment failed", "user_id", userID, "order_code", req.OrderCode, "error", err)
		h.writeError(w, err)
		return
	}

	resp := map[string]any{
		"success": result.Success,
		"status":  result.Status,
	}
	if result.Success {
		resp["tokens_added"] = result.TokensAdded
		resp["paid_vnd"] = result.PaidVND
	}
	if result.AlreadySettled {
		resp["message"] = "payment already settled"
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Webhook handles signed gateway notifications. A recognized order that is
// already settled (or not yet payable) must still answer 200, otherwise the
// gateway retries forever; 400 is reserved for signature failures and
// malformed payloads.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, pkgerrors.ErrInvalidInput)
		return
	}

	result, err := h.paymentService.HandleWebhook(r.Context(), body, clientIP(r))
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, map[string]any{"success": result.Success})
	case errors.Is(err, pkgerrors.ErrInvalidSignature),
		errors.Is(err, pkgerrors.ErrInvalidInput):
		h.writeError(w, err)
	case errors.Is(err, pkgerrors.ErrPaymentRecordNotFound):
		// Recognized sender, unknown order: acknowledge so the gateway
		// stops retrying a notification we can never act on.
		slog.Warn("webhook for unknown order code", "client_ip", clientIP(r))
		h.writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "unknown order code"})
	default:
		slog.Error("webhook settlement failed", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (h *Handler) FixDuplicates(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, pkgerrors.ErrInvalidCredentials)
		return
	}

	result, err := h.paymentService.FixDuplicateTokens(r.Context(), userID)
	if err != nil {
		slog.Error("fix duplicates failed", "user_id", userID, "error", err)
		h.writeError(w, err)
		return
	}

	duplicates := result.DuplicateTransactions
	if duplicates == nil {
		duplicates = []int64{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":                true,
		"tokens_removed":         result.TokensRemoved,
		"duplicate_transactions": duplicates,
	})
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, pkgerrors.ErrInvalidCredentials)
		return
	}

	balance, err := h.paymentService.GetBalance(r.Context(), userID)
	if err != nil {
		slog.Error("get balance failed", "user_id", userID, "error", err)
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "balance": balance})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, pkgerrors.ErrInvalidCredentials)
		return
	}

	history, err := h.paymentService.GetHistory(r.Context(), userID)
	if err != nil {
		slog.Error("get history failed", "user_id", userID, "error", err)
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "transactions": history})
}
