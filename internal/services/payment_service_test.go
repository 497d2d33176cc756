package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eacon/tokenpay/internal/audit"
	"github.com/eacon/tokenpay/internal/infrastructure/gateway"
	"github.com/eacon/tokenpay/internal/models"
	"github.com/eacon/tokenpay/internal/repository"
	pkgerrors "github.com/eacon/tokenpay/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore implements the three repository interfaces over in-memory maps.
// SettleReservation mirrors the production conditional update: under one
// lock it settles only if the reservation is still RESERVED, so concurrent
// callers exercise the same win/lose behavior as the database.
type fakeStore struct {
	mu           sync.Mutex
	balances     map[int64]int64
	tiers        map[int64]models.Tier
	tierExpiry   map[int64]time.Time
	payments     map[int64]*models.Payment
	reservations map[int64]*models.TokenTransaction
	purchased24h int64
	adjustments  []int64
	nextID       int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		balances:     make(map[int64]int64),
		tiers:        make(map[int64]models.Tier),
		tierExpiry:   make(map[int64]time.Time),
		payments:     make(map[int64]*models.Payment),
		reservations: make(map[int64]*models.TokenTransaction),
	}
}

func (f *fakeStore) Create(_ context.Context, user *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	user.ID = f.nextID
	f.balances[user.ID] = 0
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.balances[id]
	if !ok {
		return nil, pkgerrors.ErrUserNotFound
	}
	return &models.User{ID: id, TokenBalance: balance, Tier: f.tiers[id]}, nil
}

func (f *fakeStore) GetByUsername(context.Context, string) (*models.User, error) {
	return nil, pkgerrors.ErrUserNotFound
}

func (f *fakeStore) GetBalance(_ context.Context, userID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID], nil
}

func (f *fakeStore) GetByOrderCode(_ context.Context, orderCode int64) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[orderCode]
	if !ok {
		return nil, pkgerrors.ErrPaymentRecordNotFound
	}
	copied := *p
	return &copied, nil
}

func (f *fakeStore) ListPaidByUser(_ context.Context, userID int64) ([]models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Payment
	for _, p := range f.payments {
		if p.UserID == userID && p.Status == models.PaymentPaid {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkClosed(_ context.Context, orderCode int64, status models.PaymentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.payments[orderCode]; ok && p.Status == models.PaymentPending {
		p.Status = status
	}
	return nil
}

func (f *fakeStore) CreatePending(_ context.Context, payment *models.Payment, reservation *models.TokenTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	payment.ID = f.nextID
	payment.Status = models.PaymentPending
	copiedPayment := *payment
	f.payments[payment.OrderCode] = &copiedPayment

	f.nextID++
	reservation.ID = f.nextID
	copiedReservation := *reservation
	f.reservations[payment.OrderCode] = &copiedReservation
	return nil
}

func (f *fakeStore) GetReservation(_ context.Context, orderCode int64) (*models.TokenTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.reservations[orderCode]
	if !ok {
		return nil, pkgerrors.ErrPaymentRecordNotFound
	}
	copied := *res
	return &copied, nil
}

func (f *fakeStore) SettleReservation(_ context.Context, p repository.SettleParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.reservations[p.OrderCode]
	if !ok || res.Status != models.StatusReserved {
		return false, nil
	}
	res.Status = models.StatusSettled
	res.Amount = p.Tokens
	f.balances[p.UserID] += p.Tokens
	if p.NewTier != "" {
		f.tiers[p.UserID] = p.NewTier
		f.tierExpiry[p.UserID] = p.TierExpiresAt
	}
	if pay, ok := f.payments[p.OrderCode]; ok && pay.Status == models.PaymentPending {
		pay.Status = models.PaymentPaid
	}
	return true, nil
}

func (f *fakeStore) CountPurchasedSince(context.Context, int64, time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purchased24h, nil
}

func (f *fakeStore) History(_ context.Context, userID int64) ([]models.TokenTransaction, error) {
	return f.ListSettledPurchases(context.Background(), userID)
}

func (f *fakeStore) ListSettledPurchases(_ context.Context, userID int64) ([]models.TokenTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.TokenTransaction
	for _, res := range f.reservations {
		if res.UserID == userID && res.Type == models.TypePurchased && res.Status == models.StatusSettled {
			out = append(out, *res)
		}
	}
	return out, nil
}

func (f *fakeStore) ApplyAdjustment(_ context.Context, userID, amount int64, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[userID]+amount < 0 {
		return 0, pkgerrors.ErrInsufficientBalance
	}
	f.balances[userID] += amount
	f.adjustments = append(f.adjustments, amount)
	return f.balances[userID], nil
}

type fakeGateway struct {
	mu         sync.Mutex
	status     string
	amountPaid int64
	createErr  error
	statusErr  error
	webhook    *gateway.WebhookPayload
	webhookErr error
}

func (g *fakeGateway) CreatePaymentLink(_ context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutResult, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &gateway.CheckoutResult{CheckoutURL: fmt.Sprintf("https://pay.test/web/%d", req.OrderCode)}, nil
}

func (g *fakeGateway) GetPaymentStatus(_ context.Context, orderCode int64) (*gateway.PaymentInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	return &gateway.PaymentInfo{
		OrderCode:  orderCode,
		Status:     g.status,
		AmountPaid: g.amountPaid,
	}, nil
}

func (g *fakeGateway) VerifyWebhook([]byte) (*gateway.WebhookPayload, error) {
	if g.webhookErr != nil {
		return nil, g.webhookErr
	}
	return g.webhook, nil
}

func (g *fakeGateway) setPaid(amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = gateway.StatusPaid
	g.amountPaid = amount
}

func newTestService(store *fakeStore, gw *fakeGateway) *paymentService {
	return NewPaymentService(store, store, store, gw, audit.NewAuditor(nil))
}

func createTestPayment(t *testing.T, svc *paymentService, store *fakeStore, packageType string, amountUSD int64) *CreatePaymentResult {
	t.Helper()
	store.balances[1] = 0
	result, err := svc.CreatePayment(context.Background(), 1, packageType, amountUSD, "203.0.113.7")
	require.NoError(t, err)
	return result
}

func TestPaymentService_CreatePayment(t *testing.T) {
	ctx := context.Background()

	t.Run("success computes amounts server-side", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, &fakeGateway{status: gateway.StatusPending})

		result, err := svc.CreatePayment(ctx, 1, PackageBasic, 10, "203.0.113.7")
		assert.NoError(t, err)
		assert.Equal(t, int64(4000), result.Tokens)
		assert.Equal(t, int64(255000), result.AmountVND)
		assert.NotZero(t, result.OrderCode)
		assert.Contains(t, result.CheckoutURL, "pay.test")

		res := store.reservations[result.OrderCode]
		require.NotNil(t, res)
		assert.Equal(t, int64(0), res.Amount)
		assert.Equal(t, models.StatusReserved, res.Status)
		assert.Equal(t, models.PaymentPending, store.payments[result.OrderCode].Status)
	})

	t.Run("invalid amount rejected", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, &fakeGateway{})

		_, err := svc.CreatePayment(ctx, 1, PackageBasic, 0, "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)

		_, err = svc.CreatePayment(ctx, 1, PackageBasic, 150, "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
		assert.Empty(t, store.reservations)
	})

	t.Run("unknown package rejected", func(t *testing.T) {
		svc := newTestService(newFakeStore(), &fakeGateway{})
		_, err := svc.CreatePayment(ctx, 1, "mega", 10, "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})

	t.Run("fraud guard blocks eleventh purchase", func(t *testing.T) {
		store := newFakeStore()
		store.purchased24h = 10
		svc := newTestService(store, &fakeGateway{})

		_, err := svc.CreatePayment(ctx, 1, PackageBasic, 10, "")
		assert.ErrorIs(t, err, pkgerrors.ErrTooManyAttempts)
		assert.Empty(t, store.reservations)
	})

	t.Run("gateway failure writes no ledger row", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, &fakeGateway{createErr: fmt.Errorf("connect timeout")})

		_, err := svc.CreatePayment(ctx, 1, PackageBasic, 10, "")
		assert.ErrorIs(t, err, pkgerrors.ErrGatewayUnavailable)
		assert.Empty(t, store.reservations)
		assert.Empty(t, store.payments)
	})
}

func TestPaymentService_VerifyPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown order code", func(t *testing.T) {
		svc := newTestService(newFakeStore(), &fakeGateway{})
		_, err := svc.VerifyPayment(ctx, 1, 424242, "")
		assert.ErrorIs(t, err, pkgerrors.ErrPaymentRecordNotFound)
	})

	t.Run("invalid order code", func(t *testing.T) {
		svc := newTestService(newFakeStore(), &fakeGateway{})
		_, err := svc.VerifyPayment(ctx, 1, 0, "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidOrderCode)
	})

	t.Run("someone else's order code", func(t *testing.T) {
		store := newFakeStore()
		gw := &fakeGateway{status: gateway.StatusPending}
		svc := newTestService(store, gw)
		result := createTestPayment(t, svc, store, PackageBasic, 10)

		_, err := svc.VerifyPayment(ctx, 99, result.OrderCode, "")
		assert.ErrorIs(t, err, pkgerrors.ErrPaymentRecordNotFound)
	})

	t.Run("unpaid is a no-op and later retry settles once", func(t *testing.T) {
		store := newFakeStore()
		gw := &fakeGateway{status: gateway.StatusPending}
		svc := newTestService(store, gw)
		result := createTestPayment(t, svc, store, PackageBasic, 10)

		verify, err := svc.VerifyPayment(ctx, 1, result.OrderCode, "")
		assert.NoError(t, err)
		assert.False(t, verify.Success)
		assert.Equal(t, gateway.StatusPending, verify.Status)
		assert.Equal(t, models.StatusReserved, store.reservations[result.OrderCode].Status)
		assert.Equal(t, int64(0), store.balances[1])

		gw.setPaid(255000)
		verify, err = svc.VerifyPayment(ctx, 1, result.OrderCode, "")
		assert.NoError(t, err)
		assert.True(t, verify.Success)
		assert.Equal(t, int64(4000), verify.TokensAdded)
		assert.Equal(t, int64(4000), store.balances[1])
	})

	t.Run("repeat verification is idempotent", func(t *testing.T) {
		store := newFakeStore()
		gw := &fakeGateway{}
		gw.setPaid(255000)
		svc := newTestService(store, gw)
		result := createTestPayment(t, svc, store, PackageBasic, 10)

		first, err := svc.VerifyPayment(ctx, 1, result.OrderCode, "")
		assert.NoError(t, err)
		assert.True(t, first.Success)
		assert.Equal(t, int64(4000), first.TokensAdded)

		second, err := svc.VerifyPayment(ctx, 1, result.OrderCode, "")
		assert.NoError(t, err)
		assert.True(t, second.Success)
		assert.True(t, second.AlreadySettled)
		assert.Equal(t, int64(0), second.TokensAdded)
		assert.Equal(t, int64(4000), store.balances[1])
	})

	t.Run("amount mismatch fails closed", func(t *testing.T) {
		store := newFakeStore()
		gw := &fakeGateway{}
		gw.setPaid(200000) // expected 255000
		svc := newTestService(store, gw)
		result := createTestPayment(t, svc, store, PackageBasic, 10)

		_, err := svc.VerifyPayment(ctx, 1, result.OrderCode, "")
		assert.ErrorIs(t, err, pkgerrors.ErrAmountMismatch)
		assert.Equal(t, int64(0), store.balances[1])
		assert.Equal(t, models.StatusReserved, store.reservations[result.OrderCode].Status)
	})

	t.Run("rounding tolerance accepted", func(t *testing.T) {
		store := newFakeStore()
		gw := &fakeGateway{}
		gw.setPaid(254950) // within 100 VND of 255000
		svc := newTestService(store, gw)
		result := createTestPayment(t, svc, store, PackageBasic, 10)

		verify, err := svc.VerifyPayment(ctx, 1, result.OrderCode, "")
		assert.NoError(t, err)
		assert.True(t, verify.Success)
		assert.Equal(t, int64(254950), verify.PaidVND)
	})

	t.Run("pro package upgrades tier for 30 days", func(t *testing.T) {
		store := newFakeStore()
		gw := &fakeGateway{}
		gw.setPaid(255000)
		svc := newTestService(store, gw)
		result := createTestPayment(t, svc, store, PackagePro, 10)

		_, err := svc.VerifyPayment(ctx, 1, result.OrderCode, "")
		assert.NoError(t, err)
		assert.Equal(t, models.TierPro, store.tiers[1])
		assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), store.tierExpiry[1], time.Minute)
	})

	t.Run("gateway outage is retryable", func(t *testing.T) {
		store := newFakeStore()
		gw := &fakeGateway{statusErr: fmt.Errorf("timeout")}
		svc := newTestService(store, gw)
		result := createTestPayment(t, svc, store, PackageBasic, 10)

		_, err := svc.VerifyPayment(ctx, 1, result.OrderCode, "")
		assert.ErrorIs(t, err, pkgerrors.ErrGatewayUnavailable)
		assert.Equal(t, models.StatusReserved, store.reservations[result.OrderCode].Status)

		gw.mu.Lock()
		gw.statusErr = nil
		gw.mu.Unlock()
		gw.setPaid(255000)
		verify, err := svc.VerifyPayment(ctx, 1, result.OrderCode, "")
		assert.NoError(t, err)
		assert.True(t, verify.Success)
	})
}

func TestPaymentService_ConcurrentSettlement(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{}
	gw.setPaid(255000)
	svc := newTestService(store, gw)
	result := createTestPayment(t, svc, store, PackageBasic, 10)

	const callers = 8
	results := make([]*SettlementResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.VerifyPayment(context.Background(), 1, result.OrderCode, "")
		}(i)
	}
	wg.Wait()

	var credited int64
	winners := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.True(t, results[i].Success)
		credited += results[i].TokensAdded
		if results[i].TokensAdded > 0 {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, int64(4000), credited)
	assert.Equal(t, int64(4000), store.balances[1])
	assert.Equal(t, models.StatusSettled, store.reservations[result.OrderCode].Status)
}

func TestPaymentService_HandleWebhook(t *testing.T) {
	ctx := context.Background()

	t.Run("signed webhook settles", func(t *testing.T) {
		store := newFakeStore()
		gw := &fakeGateway{}
		gw.setPaid(255000)
		svc := newTestService(store, gw)
		result := createTestPayment(t, svc, store, PackageBasic, 10)

		gw.webhook = &gateway.WebhookPayload{OrderCode: result.OrderCode, Status: gateway.StatusPaid, AmountVND: 255000}
		settlement, err := svc.HandleWebhook(ctx, []byte(`{}`), "198.51.100.2")
		assert.NoError(t, err)
		assert.True(t, settlement.Success)
		assert.Equal(t, int64(4000), store.balances[1])
	})

	t.Run("invalid signature touches no state", func(t *testing.T) {
		store := newFakeStore()
		gw := &fakeGateway{webhookErr: pkgerrors.ErrInvalidSignature}
		svc := newTestService(store, gw)

		_, err := svc.HandleWebhook(ctx, []byte(`{}`), "198.51.100.2")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidSignature)
	})

	t.Run("webhook after verify is idempotent", func(t *testing.T) {
		store := newFakeStore()
		gw := &fakeGateway{}
		gw.setPaid(255000)
		svc := newTestService(store, gw)
		result := createTestPayment(t, svc, store, PackageBasic, 10)

		_, err := svc.VerifyPayment(ctx, 1, result.OrderCode, "")
		require.NoError(t, err)

		gw.webhook = &gateway.WebhookPayload{OrderCode: result.OrderCode, Status: gateway.StatusPaid, AmountVND: 255000}
		settlement, err := svc.HandleWebhook(ctx, []byte(`{}`), "")
		assert.NoError(t, err)
		assert.True(t, settlement.Success)
		assert.True(t, settlement.AlreadySettled)
		assert.Equal(t, int64(4000), store.balances[1])
	})
}

func TestPaymentService_FixDuplicateTokens(t *testing.T) {
	ctx := context.Background()

	t.Run("removes exactly the injected duplicate", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, &fakeGateway{})
		store.balances[1] = 8000

		orderCode := int64(100)
		store.payments[orderCode] = &models.Payment{
			ID: 1, OrderCode: orderCode, UserID: 1, Tokens: 4000, Status: models.PaymentPaid,
		}
		store.reservations[orderCode] = &models.TokenTransaction{
			ID: 10, UserID: 1, OrderCode: &orderCode, Amount: 4000,
			Type: models.TypePurchased, Status: models.StatusSettled,
		}
		// Legacy duplicate with no order code, same token amount.
		store.reservations[101] = &models.TokenTransaction{
			ID: 11, UserID: 1, Amount: 4000,
			Type: models.TypePurchased, Status: models.StatusSettled,
		}

		result, err := svc.FixDuplicateTokens(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, int64(4000), result.TokensRemoved)
		assert.Len(t, result.DuplicateTransactions, 1)
		assert.Equal(t, int64(4000), store.balances[1])
		assert.Equal(t, []int64{-4000}, store.adjustments)
	})

	t.Run("clean history removes nothing", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, &fakeGateway{})
		store.balances[1] = 4000

		orderCode := int64(100)
		store.payments[orderCode] = &models.Payment{
			ID: 1, OrderCode: orderCode, UserID: 1, Tokens: 4000, Status: models.PaymentPaid,
		}
		store.reservations[orderCode] = &models.TokenTransaction{
			ID: 10, UserID: 1, OrderCode: &orderCode, Amount: 4000,
			Type: models.TypePurchased, Status: models.StatusSettled,
		}

		result, err := svc.FixDuplicateTokens(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, int64(0), result.TokensRemoved)
		assert.Empty(t, result.DuplicateTransactions)
		assert.Equal(t, int64(4000), store.balances[1])
	})
}
