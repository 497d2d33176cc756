// Package gateway wraps the external PayOS payment provider: creating
// checkout links, polling payment status and verifying signed webhooks.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/eacon/tokenpay/internal/config"
	pkgerrors "github.com/eacon/tokenpay/pkg/errors"
)

// Gateway payment statuses as reported by PayOS.
const (
	StatusPaid       = "PAID"
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCancelled  = "CANCELLED"
	StatusExpired    = "EXPIRED"
)

type CheckoutRequest struct {
	OrderCode   int64
	AmountVND   int64
	Description string
}

type CheckoutResult struct {
	CheckoutURL string
	Raw         []byte
}

type PaymentInfo struct {
	OrderCode  int64
	Status     string
	AmountVND  int64
	AmountPaid int64
}

type WebhookPayload struct {
	OrderCode int64
	Status    string
	AmountVND int64
	Raw       []byte
}

type Gateway interface {
	CreatePaymentLink(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error)
	GetPaymentStatus(ctx context.Context, orderCode int64) (*PaymentInfo, error)
	VerifyWebhook(body []byte) (*WebhookPayload, error)
}

type PayOSClient struct {
	httpClient  *http.Client
	baseURL     string
	clientID    string
	apiKey      string
	checksumKey string
	returnURL   string
	cancelURL   string
}

func NewPayOSClient(cfg config.PayOSConfig) *PayOSClient {
	return &PayOSClient{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		clientID:    cfg.ClientID,
		apiKey:      cfg.APIKey,
		checksumKey: cfg.ChecksumKey,
		returnURL:   cfg.ReturnURL,
		cancelURL:   cfg.CancelURL,
	}
}

type apiResponse struct {
	Code string          `json:"code"`
	Desc string          `json:"desc"`
	Data json.RawMessage `json:"data"`
}

func (c *PayOSClient) CreatePaymentLink(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	// PayOS signs the create request over the alphabetically ordered
	// key=value form of the payload fields.
	canonical := fmt.Sprintf("amount=%d&cancelUrl=%s&description=%s&orderCode=%d&returnUrl=%s",
		req.AmountVND, c.cancelURL, req.Description, req.OrderCode, c.returnURL)

	body := map[string]any{
		"orderCode":   req.OrderCode,
		"amount":      req.AmountVND,
		"description": req.Description,
		"returnUrl":   c.returnURL,
		"cancelUrl":   c.cancelURL,
		"signature":   c.sign(canonical),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkout request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/payment-requests", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build checkout request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	var data struct {
		CheckoutURL string `json:"checkoutUrl"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.CheckoutURL == "" {
		return nil, fmt.Errorf("%w: missing checkout url", pkgerrors.ErrGatewayUnavailable)
	}
	return &CheckoutResult{CheckoutURL: data.CheckoutURL, Raw: resp.Data}, nil
}

func (c *PayOSClient) GetPaymentStatus(ctx context.Context, orderCode int64) (*PaymentInfo, error) {
	url := fmt.Sprintf("%s/v2/payment-requests/%d", c.baseURL, orderCode)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	var data struct {
		OrderCode  int64  `json:"orderCode"`
		Amount     int64  `json:"amount"`
		AmountPaid int64  `json:"amountPaid"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: malformed status payload", pkgerrors.ErrGatewayUnavailable)
	}
	return &PaymentInfo{
		OrderCode:  data.OrderCode,
		Status:     data.Status,
		AmountVND:  data.Amount,
		AmountPaid: data.AmountPaid,
	}, nil
}

// VerifyWebhook checks the payload signature before anything else is parsed
// out of it. The signature is HMAC-SHA256 over the alphabetically sorted
// key=value form of the data object.
func (c *PayOSClient) VerifyWebhook(body []byte) (*WebhookPayload, error) {
	var envelope struct {
		Data      json.RawMessage `json:"data"`
		Signature string          `json:"signature"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook body", pkgerrors.ErrInvalidInput)
	}
	if len(envelope.Data) == 0 || envelope.Signature == "" {
		return nil, pkgerrors.ErrInvalidSignature
	}

	canonical, err := canonicalize(envelope.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed webhook data", pkgerrors.ErrInvalidInput)
	}
	if !hmac.Equal([]byte(c.sign(canonical)), []byte(strings.ToLower(envelope.Signature))) {
		return nil, pkgerrors.ErrInvalidSignature
	}

	var data struct {
		OrderCode int64  `json:"orderCode"`
		Amount    int64  `json:"amount"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook data", pkgerrors.ErrInvalidInput)
	}
	if data.OrderCode <= 0 {
		return nil, fmt.Errorf("%w: missing order code", pkgerrors.ErrInvalidInput)
	}
	return &WebhookPayload{
		OrderCode: data.OrderCode,
		Status:    data.Status,
		AmountVND: data.Amount,
		Raw:       envelope.Data,
	}, nil
}

func (c *PayOSClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-client-id", c.clientID)
	req.Header.Set("x-api-key", c.apiKey)
}

func (c *PayOSClient) do(req *http.Request) (*apiResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: gateway returned %d", pkgerrors.ErrGatewayUnavailable, resp.StatusCode)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed gateway response", pkgerrors.ErrGatewayUnavailable)
	}
	if parsed.Code != "00" {
		return nil, fmt.Errorf("%w: gateway error %s (%s)", pkgerrors.ErrGatewayUnavailable, parsed.Code, parsed.Desc)
	}
	return &parsed, nil
}

func (c *PayOSClient) sign(canonical string) string {
	mac := hmac.New(sha256.New, []byte(c.checksumKey))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalize renders a JSON object as sorted key=value pairs joined with
// "&". Numbers keep their wire form, null becomes the empty string.
func canonicalize(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return "", err
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+stringifyValue(obj[k]))
	}
	return strings.Join(parts, "&"), nil
}

func stringifyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(val)
		return string(b)
	}
}
