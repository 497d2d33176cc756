package service

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	stderrors "errors"

	"github.com/eacon/tokenpay/internal/audit"
	"github.com/eacon/tokenpay/internal/infrastructure/gateway"
	"github.com/eacon/tokenpay/internal/infrastructure/observability"
	"github.com/eacon/tokenpay/internal/models"
	"github.com/eacon/tokenpay/internal/pricing"
	"github.com/eacon/tokenpay/internal/repository"
	pkgerrors "github.com/eacon/tokenpay/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SettlementTrigger names the entry point that initiated a settlement
// attempt. Both triggers run the same settlement path.
type SettlementTrigger string

const (
	TriggerWebhook SettlementTrigger = "webhook"
	TriggerVerify  SettlementTrigger = "verify"
)

// Token packages a client may request. The client only ever names a package
// and a USD amount; tokens and VND are always derived server-side.
const (
	PackageBasic   = "basic"
	PackagePro     = "pro"
	PackagePremium = "premium"
)

const (
	maxPurchasesPerDay = 10
	tierUpgradeDays    = 30
)

type CreatePaymentResult struct {
	CheckoutURL string
	OrderCode   int64
	AmountUSD   int64
	AmountVND   int64
	Tokens      int64
}

type SettlementResult struct {
	Success        bool
	Status         string
	TokensAdded    int64
	PaidVND        int64
	AlreadySettled bool
}

type ReconciliationResult struct {
	TokensRemoved         int64
	DuplicateTransactions []int64
}

type PaymentService interface {
	CreatePayment(ctx context.Context, userID int64, packageType string, amountUSD int64, clientIP string) (*CreatePaymentResult, error)
	VerifyPayment(ctx context.Context, userID, orderCode int64, clientIP string) (*SettlementResult, error)
	HandleWebhook(ctx context.Context, body []byte, clientIP string) (*SettlementResult, error)
	FixDuplicateTokens(ctx context.Context, userID int64) (*ReconciliationResult, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	GetHistory(ctx context.Context, userID int64) ([]models.TokenTransaction, error)
}

type paymentService struct {
	userRepo        repository.UserRepository
	paymentRepo     repository.PaymentRepository
	transactionRepo repository.TransactionRepository
	gateway         gateway.Gateway
	auditor         *audit.Auditor
}

func NewPaymentService(
	userRepo repository.UserRepository,
	paymentRepo repository.PaymentRepository,
	transactionRepo repository.TransactionRepository,
	gw gateway.Gateway,
	auditor *audit.Auditor,
) *paymentService {
	return &paymentService{
		userRepo:        userRepo,
		paymentRepo:     paymentRepo,
		transactionRepo: transactionRepo,
		gateway:         gw,
		auditor:         auditor,
	}
}

func (s *paymentService) CreatePayment(ctx context.Context, userID int64, packageType string, amountUSD int64, clientIP string) (*CreatePaymentResult, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "CreatePayment")
	defer span.End()

	s.auditor.Record(ctx, audit.Event{
		Action:   "payment.create.attempt",
		UserID:   userID,
		ClientIP: clientIP,
		Detail:   map[string]any{"package_type": packageType, "amount_usd": amountUSD},
	})

	if packageType != PackageBasic && packageType != PackagePro && packageType != PackagePremium {
		span.SetStatus(codes.Error, "unknown package")
		return nil, fmt.Errorf("%w: unknown package %q", pkgerrors.ErrInvalidInput, packageType)
	}
	tokens, err := pricing.TokensForUSD(amountUSD)
	if err != nil {
		span.SetStatus(codes.Error, "invalid amount")
		return nil, err
	}
	amountVND, err := pricing.VNDForUSD(amountUSD)
	if err != nil {
		span.SetStatus(codes.Error, "invalid amount")
		return nil, err
	}

	count, err := s.transactionRepo.CountPurchasedSince(ctx, userID, time.Now().Add(-24*time.Hour))
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to check purchase count", "user_id", userID, "error", err)
		return nil, fmt.Errorf("%w: failed to check purchase count", pkgerrors.ErrInternal)
	}
	if count >= maxPurchasesPerDay {
		span.SetStatus(codes.Error, "too many purchase attempts")
		s.auditor.Record(ctx, audit.Event{
			Action:   "payment.create.fraud_block",
			UserID:   userID,
			ClientIP: clientIP,
			Detail:   map[string]any{"purchases_24h": count},
		})
		return nil, pkgerrors.ErrTooManyAttempts
	}

	orderCode, err := newOrderCode()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: failed to generate order code", pkgerrors.ErrInternal)
	}
	span.SetAttributes(attribute.Int64("order_code", orderCode))

	description := fmt.Sprintf("Eacon %s package: %d USD", packageType, amountUSD)
	checkout, err := s.gateway.CreatePaymentLink(ctx, gateway.CheckoutRequest{
		OrderCode:   orderCode,
		AmountVND:   amountVND,
		Description: description,
	})
	if err != nil {
		// No ledger row is written when the gateway is down.
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkout creation failed")
		s.auditor.Record(ctx, audit.Event{
			Action:    "payment.create.gateway_error",
			UserID:    userID,
			OrderCode: orderCode,
			ClientIP:  clientIP,
			Detail:    map[string]any{"error": err.Error()},
		})
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
	}

	payment := &models.Payment{
		OrderCode:      orderCode,
		UserID:         userID,
		AmountVND:      amountVND,
		AmountUSD:      amountUSD,
		Tokens:         tokens,
		PackageType:    packageType,
		GatewayPayload: checkout.Raw,
	}
	reservation := &models.TokenTransaction{
		UserID:      userID,
		OrderCode:   &orderCode,
		Amount:      0,
		Type:        models.TypePurchased,
		Status:      models.StatusReserved,
		AmountUSD:   amountUSD,
		AmountVND:   amountVND,
		Tokens:      tokens,
		Description: fmt.Sprintf("token purchase order %d: %d USD -> %d tokens (%d VND)", orderCode, amountUSD, tokens, amountVND),
	}
	if err := s.transactionRepo.CreatePending(ctx, payment, reservation); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reservation failed")
		slog.Error("failed to record pending payment", "user_id", userID, "order_code", orderCode, "error", err)
		return nil, fmt.Errorf("%w: failed to record pending payment", pkgerrors.ErrInternal)
	}

	s.auditor.Record(ctx, audit.Event{
		Action:    "payment.create.success",
		UserID:    userID,
		OrderCode: orderCode,
		ClientIP:  clientIP,
		Detail:    map[string]any{"amount_vnd": amountVND, "tokens": tokens, "package_type": packageType},
	})

	return &CreatePaymentResult{
		CheckoutURL: checkout.CheckoutURL,
		OrderCode:   orderCode,
		AmountUSD:   amountUSD,
		AmountVND:   amountVND,
		Tokens:      tokens,
	}, nil
}

func (s *paymentService) VerifyPayment(ctx context.Context, userID, orderCode int64, clientIP string) (*SettlementResult, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "VerifyPayment")
	span.SetAttributes(attribute.Int64("order_code", orderCode))
	defer span.End()

	if orderCode <= 0 {
		return nil, pkgerrors.ErrInvalidOrderCode
	}

	reservation, err := s.transactionRepo.GetReservation(ctx, orderCode)
	if err != nil {
		return nil, err
	}
	// Verification is caller-initiated; a caller may only settle their own
	// orders. Treat someone else's order code as unknown.
	if reservation.UserID != userID {
		return nil, pkgerrors.ErrPaymentRecordNotFound
	}

	return s.settle(ctx, reservation, TriggerVerify, clientIP)
}

func (s *paymentService) HandleWebhook(ctx context.Context, body []byte, clientIP string) (*SettlementResult, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "HandleWebhook")
	defer span.End()

	// Signature first; no ledger access on an unverified payload.
	payload, err := s.gateway.VerifyWebhook(body)
	if err != nil {
		span.SetStatus(codes.Error, "webhook rejected")
		s.auditor.Record(ctx, audit.Event{
			Action:     "payment.webhook.rejected",
			ClientIP:   clientIP,
			Suspicious: stderrors.Is(err, pkgerrors.ErrInvalidSignature),
			Detail:     map[string]any{"error": err.Error()},
		})
		return nil, err
	}
	span.SetAttributes(attribute.Int64("order_code", payload.OrderCode))

	reservation, err := s.transactionRepo.GetReservation(ctx, payload.OrderCode)
	if err != nil {
		return nil, err
	}

	return s.settle(ctx, reservation, TriggerWebhook, clientIP)
}

// settle is the single settlement path shared by the webhook and verify
// triggers. Exactly-once crediting rests on the conditional update inside
// SettleReservation, not on anything in this function: any number of
// concurrent callers may reach it for the same order code.
func (s *paymentService) settle(ctx context.Context, reservation *models.TokenTransaction, trigger SettlementTrigger, clientIP string) (*SettlementResult, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "Settle")
	defer span.End()

	orderCode := *reservation.OrderCode
	span.SetAttributes(
		attribute.Int64("order_code", orderCode),
		attribute.String("trigger", string(trigger)),
	)

	if reservation.Status == models.StatusSettled {
		observability.SettlementOutcomes.WithLabelValues(string(trigger), "already_settled").Inc()
		s.auditor.Record(ctx, audit.Event{
			Action:    "payment.settle.already_settled",
			UserID:    reservation.UserID,
			OrderCode: orderCode,
			ClientIP:  clientIP,
			Detail:    map[string]any{"trigger": trigger},
		})
		return &SettlementResult{Success: true, Status: gateway.StatusPaid, AlreadySettled: true}, nil
	}

	info, err := s.gateway.GetPaymentStatus(ctx, orderCode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway status lookup failed")
		observability.SettlementOutcomes.WithLabelValues(string(trigger), "gateway_error").Inc()
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
	}

	if info.Status != gateway.StatusPaid {
		// Unpaid is a no-op: the reservation stays RESERVED and a later
		// retry can still settle.
		observability.SettlementOutcomes.WithLabelValues(string(trigger), "unpaid").Inc()
		if info.Status == gateway.StatusCancelled || info.Status == gateway.StatusExpired {
			if err := s.paymentRepo.MarkClosed(ctx, orderCode, models.PaymentCancelled); err != nil {
				slog.Error("failed to close cancelled payment", "order_code", orderCode, "error", err)
			}
		}
		return &SettlementResult{Success: false, Status: info.Status}, nil
	}

	// Re-derive the amounts from the trusted USD figure and cross-check
	// them against the reservation and the gateway-reported paid amount.
	expectedTokens, err := pricing.TokensForUSD(reservation.AmountUSD)
	if err != nil {
		return nil, fmt.Errorf("%w: reservation carries invalid amount", pkgerrors.ErrInternal)
	}
	expectedVND, err := pricing.VNDForUSD(reservation.AmountUSD)
	if err != nil {
		return nil, fmt.Errorf("%w: reservation carries invalid amount", pkgerrors.ErrInternal)
	}
	paidVND := info.AmountPaid
	if paidVND == 0 {
		paidVND = info.AmountVND
	}
	if expectedTokens != reservation.Tokens ||
		expectedVND != reservation.AmountVND ||
		!pricing.WithinTolerance(expectedVND, paidVND) {
		span.SetStatus(codes.Error, "amount mismatch")
		observability.SettlementOutcomes.WithLabelValues(string(trigger), "amount_mismatch").Inc()
		s.auditor.Record(ctx, audit.Event{
			Action:     "payment.settle.amount_mismatch",
			UserID:     reservation.UserID,
			OrderCode:  orderCode,
			ClientIP:   clientIP,
			Suspicious: true,
			Detail: map[string]any{
				"expected_tokens": expectedTokens,
				"expected_vnd":    expectedVND,
				"reserved_tokens": reservation.Tokens,
				"reserved_vnd":    reservation.AmountVND,
				"paid_vnd":        paidVND,
				"trigger":         trigger,
			},
		})
		return nil, pkgerrors.ErrAmountMismatch
	}

	payment, err := s.paymentRepo.GetByOrderCode(ctx, orderCode)
	if err != nil {
		return nil, err
	}

	params := repository.SettleParams{
		OrderCode: orderCode,
		UserID:    reservation.UserID,
		Tokens:    expectedTokens,
		Note:      fmt.Sprintf(" | settled via %s, paid %d VND", trigger, paidVND),
	}
	if tier := tierForPackage(payment.PackageType); tier != "" {
		params.NewTier = tier
		params.TierExpiresAt = time.Now().AddDate(0, 0, tierUpgradeDays)
	}

	settled, err := s.transactionRepo.SettleReservation(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settlement failed")
		observability.SettlementOutcomes.WithLabelValues(string(trigger), "error").Inc()
		return nil, fmt.Errorf("%w: settlement failed", pkgerrors.ErrInternal)
	}
	if !settled {
		// Lost the race: a concurrent caller credited first. Idempotent
		// success, nothing was mutated here.
		observability.SettlementOutcomes.WithLabelValues(string(trigger), "lost_race").Inc()
		s.auditor.Record(ctx, audit.Event{
			Action:    "payment.settle.already_settled",
			UserID:    reservation.UserID,
			OrderCode: orderCode,
			ClientIP:  clientIP,
			Detail:    map[string]any{"trigger": trigger},
		})
		return &SettlementResult{Success: true, Status: gateway.StatusPaid, AlreadySettled: true}, nil
	}

	observability.SettlementOutcomes.WithLabelValues(string(trigger), "settled").Inc()
	s.auditor.Record(ctx, audit.Event{
		Action:    "payment.settle.success",
		UserID:    reservation.UserID,
		OrderCode: orderCode,
		ClientIP:  clientIP,
		Detail:    map[string]any{"tokens": expectedTokens, "paid_vnd": paidVND, "trigger": trigger},
	})

	return &SettlementResult{
		Success:     true,
		Status:      gateway.StatusPaid,
		TokensAdded: expectedTokens,
		PaidVND:     paidVND,
	}, nil
}

// FixDuplicateTokens is a corrective sweep for legacy double credits created
// before settlement was idempotent. Rows carrying an order code are paired
// exactly; older rows fall back to matching by token amount, which is
// best-effort by nature.
func (s *paymentService) FixDuplicateTokens(ctx context.Context, userID int64) (*ReconciliationResult, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "FixDuplicateTokens")
	span.SetAttributes(attribute.Int64("user_id", userID))
	defer span.End()

	payments, err := s.paymentRepo.ListPaidByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load payments", pkgerrors.ErrInternal)
	}
	purchases, err := s.transactionRepo.ListSettledPurchases(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load purchases", pkgerrors.ErrInternal)
	}

	claimed := make(map[int64]bool, len(payments))
	var duplicates []int64
	var removed int64

	for _, tx := range purchases {
		match := matchPayment(payments, claimed, tx)
		if match == -1 {
			// No matching payment at all; leave the row for manual review.
			slog.Warn("purchase transaction without matching payment", "user_id", userID, "transaction_id", tx.ID)
			continue
		}
		if claimed[match] {
			duplicates = append(duplicates, tx.ID)
			removed += tx.Amount
			continue
		}
		claimed[match] = true
	}

	if removed == 0 {
		return &ReconciliationResult{}, nil
	}

	description := fmt.Sprintf("duplicate credit correction: removed %d tokens across %d transactions", removed, len(duplicates))
	if _, err := s.transactionRepo.ApplyAdjustment(ctx, userID, -removed, description); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: failed to apply correction", pkgerrors.ErrInternal)
	}

	s.auditor.Record(ctx, audit.Event{
		Action: "payment.reconcile.duplicates_removed",
		UserID: userID,
		Detail: map[string]any{"tokens_removed": removed, "duplicate_transactions": duplicates},
	})

	return &ReconciliationResult{TokensRemoved: removed, DuplicateTransactions: duplicates}, nil
}

func (s *paymentService) GetBalance(ctx context.Context, userID int64) (int64, error) {
	return s.userRepo.GetBalance(ctx, userID)
}

func (s *paymentService) GetHistory(ctx context.Context, userID int64) ([]models.TokenTransaction, error) {
	return s.transactionRepo.History(ctx, userID)
}

// matchPayment finds the payment a purchase row belongs to, by order code
// when present, otherwise by token amount preferring an unclaimed payment.
// Returns the payment ID, or -1 when nothing matches.
func matchPayment(payments []models.Payment, claimed map[int64]bool, tx models.TokenTransaction) int64 {
	if tx.OrderCode != nil {
		for _, p := range payments {
			if p.OrderCode == *tx.OrderCode {
				return p.ID
			}
		}
		return -1
	}

	fallback := int64(-1)
	for _, p := range payments {
		if p.Tokens != tx.Amount {
			continue
		}
		if !claimed[p.ID] {
			return p.ID
		}
		fallback = p.ID
	}
	return fallback
}

func tierForPackage(packageType string) models.Tier {
	switch packageType {
	case PackagePro:
		return models.TierPro
	case PackagePremium:
		return models.TierPremium
	default:
		return ""
	}
}

// newOrderCode returns a random positive 63-bit correlation id.
func newOrderCode() (int64, error) {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 0, err
	}
	code := int64(binary.BigEndian.Uint64(buf[:]) >> 1)
	if code == 0 {
		code = 1
	}
	return code, nil
}
