package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/credits/internal/billing/database"
	"github.com/dukerupert/credits/internal/billing/engine"
	"github.com/dukerupert/credits/internal/billing/model"
	"github.com/dukerupert/credits/internal/billing/store"
	"github.com/dukerupert/credits/internal/clock"
)

var start = time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu         sync.Mutex
	orders     []model.OrderRequest
	captures   int
	capture    *model.Capture
	captureErr error
	tokenErr   error
}

func (g *fakeGateway) AccessToken(ctx context.Context) (string, error) {
	if g.tokenErr != nil {
		return "", g.tokenErr
	}
	return "token", nil
}

func (g *fakeGateway) CreateOrder(ctx context.Context, req model.OrderRequest) (*model.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders = append(g.orders, req)
	return &model.Order{ID: "ORDER-NEW", Status: "CREATED", ApprovalURL: "https://paypal.test/approve"}, nil
}

func (g *fakeGateway) CaptureOrder(ctx context.Context, orderID string) (*model.Capture, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captures++
	if g.captureErr != nil {
		return nil, g.captureErr
	}
	if g.capture != nil {
		c := *g.capture
		c.OrderID = orderID
		return &c, nil
	}
	return &model.Capture{
		OrderID:   orderID,
		Status:    "COMPLETED",
		Completed: true,
		Amount:    decimal.RequireFromString("49.00"),
		Currency:  "USD",
	}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) AccountUpdated(acct model.Account, event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

type recordingReceipts struct {
	sent []string
	err  error
}

func (r *recordingReceipts) SendReceipt(ctx context.Context, acct model.Account, p model.PaymentRecord) error {
	r.sent = append(r.sent, p.OrderID)
	return r.err
}

type harness struct {
	svc      *Service
	clock    *clock.Manual
	gateway  *fakeGateway
	notifier *recordingNotifier
	receipts *recordingReceipts
	accounts *store.AccountStore
	payments *store.PaymentStore
}

func newHarness(t *testing.T, dbPath string) *harness {
	t.Helper()
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		clock:    clock.NewManual(start),
		gateway:  &fakeGateway{},
		notifier: &recordingNotifier{},
		receipts: &recordingReceipts{},
		accounts: store.NewAccountStore(db),
		payments: store.NewPaymentStore(db),
	}
	eng := engine.New(h.clock, clock.Policy{}, engine.DefaultPricing())
	h.svc = New(eng, h.clock, h.accounts, h.payments, h.gateway,
		Config{FrontendURL: "http://localhost:3000/", MaxAttempts: 50, BaseDelay: time.Millisecond},
		WithNotifier(h.notifier),
		WithReceipts(h.receipts),
	)
	return h
}

func (h *harness) register(t *testing.T, email string) *model.Account {
	t.Helper()
	acct, created, err := h.svc.Register(context.Background(), email, "Test User")
	require.NoError(t, err)
	require.True(t, created)
	return acct
}

func (h *harness) subscribe(t *testing.T, acct *model.Account, orderID string) *model.Account {
	t.Helper()
	got, _, err := h.svc.CompletePayment(context.Background(), CompleteRequest{OrderID: orderID, AccountID: acct.ID})
	require.NoError(t, err)
	return got
}

func TestRegister(t *testing.T) {
	h := newHarness(t, ":memory:")
	ctx := context.Background()

	acct := h.register(t, "  alice@example.com ")
	assert.Equal(t, "alice@example.com", acct.Email)
	assert.Equal(t, int64(300), acct.Credits)
	assert.Equal(t, model.StatusInactive, acct.Status)

	again, created, err := h.svc.Register(ctx, "alice@example.com", "Someone Else")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, acct.ID, again.ID)
	assert.Equal(t, "Test User", again.Name)

	_, _, err = h.svc.Register(ctx, "not-an-email", "Bob")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestAccountLookups(t *testing.T) {
	h := newHarness(t, ":memory:")
	ctx := context.Background()
	acct := h.register(t, "alice@example.com")

	got, err := h.svc.AccountByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)

	_, err = h.svc.AccountByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = h.svc.AccountByID(ctx, 999)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUseCredits(t *testing.T) {
	h := newHarness(t, ":memory:")
	ctx := context.Background()
	acct := h.register(t, "alice@example.com")

	usage, err := h.svc.UseCredits(ctx, acct.ID, 120)
	require.NoError(t, err)
	assert.Equal(t, int64(180), usage.Remaining)
	assert.Equal(t, int64(120), usage.MonthlyUsed)
	assert.False(t, usage.NeedsSubscription)

	_, err = h.svc.UseCredits(ctx, acct.ID, 181)
	assert.ErrorIs(t, err, model.ErrInsufficientCredits)

	usage, err = h.svc.UseCredits(ctx, acct.ID, 180)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Remaining)
	assert.True(t, usage.NeedsSubscription)

	_, err = h.svc.UseCredits(ctx, acct.ID, 0)
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = h.svc.UseCredits(ctx, 999, 1)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestBeginSubscriptionDoesNotMutate(t *testing.T) {
	h := newHarness(t, ":memory:")
	ctx := context.Background()
	acct := h.register(t, "alice@example.com")

	order, err := h.svc.BeginSubscription(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "ORDER-NEW", order.ID)
	assert.Equal(t, "https://paypal.test/approve", order.ApprovalURL)

	require.Len(t, h.gateway.orders, 1)
	req := h.gateway.orders[0]
	assert.Equal(t, "sub_1", req.CustomID)
	assert.True(t, req.Amount.Equal(decimal.RequireFromString("49")))
	assert.Equal(t, "http://localhost:3000/?payment=success&type=subscription&userId=1", req.ReturnURL)
	assert.Equal(t, "http://localhost:3000/?payment=cancelled", req.CancelURL)
	assert.Equal(t, "Monthly Credit Subscription - 300 Credits (49.00 USD/month)", req.Description)

	got, err := h.svc.AccountByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, acct.Version, got.Version)

	_, err = h.svc.BeginSubscription(ctx, 999)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestReactivateUsesReactivationOrder(t *testing.T) {
	h := newHarness(t, ":memory:")
	acct := h.register(t, "alice@example.com")

	_, err := h.svc.Reactivate(context.Background(), acct.ID)
	require.NoError(t, err)
	require.Len(t, h.gateway.orders, 1)
	assert.Equal(t, "reactivate_1", h.gateway.orders[0].CustomID)
	assert.Contains(t, h.gateway.orders[0].Description, "Reactivate")
}

func TestCompletePaymentGrantsCredits(t *testing.T) {
	h := newHarness(t, ":memory:")
	ctx := context.Background()
	acct := h.register(t, "alice@example.com")

	got, rec, err := h.svc.CompletePayment(ctx, CompleteRequest{OrderID: "ORDER-1", AccountID: acct.ID, Kind: "subscription"})
	require.NoError(t, err)

	assert.Equal(t, int64(600), got.Credits)
	assert.Equal(t, model.StatusActive, got.Status)
	require.NotNil(t, got.NextRenewalAt)
	assert.True(t, got.NextRenewalAt.Equal(time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC)))
	require.NotNil(t, got.SubscriptionStartedAt)
	assert.True(t, got.SubscriptionStartedAt.Equal(start))

	assert.Equal(t, "ORDER-1", rec.OrderID)
	assert.Equal(t, int64(300), rec.CreditsAdded)
	assert.False(t, rec.AutoRenewal)
	assert.NotZero(t, rec.ID)

	history, err := h.svc.History(ctx, acct.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "ORDER-1", history[0].OrderID)

	assert.Equal(t, []string{"ORDER-1"}, h.receipts.sent)
	assert.Contains(t, h.notifier.events, "payment_captured")
}

func TestCompletePaymentNotCompleted(t *testing.T) {
	h := newHarness(t, ":memory:")
	ctx := context.Background()
	acct := h.register(t, "alice@example.com")
	h.gateway.capture = &model.Capture{Status: "ORDER_NOT_APPROVED"}

	_, _, err := h.svc.CompletePayment(ctx, CompleteRequest{OrderID: "ORDER-1", AccountID: acct.ID})
	require.ErrorIs(t, err, model.ErrPaymentNotCompleted)

	got, _ := h.svc.AccountByID(ctx, acct.ID)
	assert.Equal(t, int64(300), got.Credits)
	assert.Equal(t, model.StatusInactive, got.Status)
	n, _ := h.payments.CountByAccount(ctx, acct.ID)
	assert.Zero(t, n)
}

func TestCompletePaymentGatewayFailure(t *testing.T) {
	h := newHarness(t, ":memory:")
	ctx := context.Background()
	acct := h.register(t, "alice@example.com")
	h.gateway.captureErr = context.DeadlineExceeded

	_, _, err := h.svc.CompletePayment(ctx, CompleteRequest{OrderID: "ORDER-1", AccountID: acct.ID})
	require.ErrorIs(t, err, model.ErrGateway)

	got, _ := h.svc.AccountByID(ctx, acct.ID)
	assert.Equal(t, model.StatusInactive, got.Status)
}

func TestCompletePaymentUnknownAccountSkipsGateway(t *testing.T) {
	h := newHarness(t, ":memory:")

	_, _, err := h.svc.CompletePayment(context.Background(), CompleteRequest{OrderID: "ORDER-1", AccountID: 42})
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Zero(t, h.gateway.captures)
}

func TestCompletePaymentValidation(t *testing.T) {
	h := newHarness(t, ":memory:")
	acct := h.register(t, "alice@example.com")

	_, _, err := h.svc.CompletePayment(context.Background(), CompleteRequest{AccountID: acct.ID})
	assert.ErrorIs(t, err, model.ErrValidation)
	_, _, err = h.svc.CompletePayment(context.Background(), CompleteRequest{OrderID: "ORDER-1", AccountID: acct.ID, Kind: "lifetime"})
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Zero(t, h.gateway.captures)
}

func TestCompletePaymentSameOrderTwice(t *testing.T) {
	h := newHarness(t, ":memory:")
	ctx := context.Background()
	acct := h.register(t, "alice@example.com")
	h.subscribe(t, acct, "ORDER-1")

	_, _, err := h.svc.CompletePayment(ctx, CompleteRequest{OrderID: "ORDER-1", AccountID: acct.ID})
	require.ErrorIs(t, err, model.ErrDuplicateOrder)
	assert.Equal(t, 1, h.gateway.captures, "a recorded order is not captured again")

	got, _ := h.svc.AccountByID(ctx, acct.ID)
	assert.Equal(t, int64(600), got.Credits)
}

func TestCompletePaymentRejectsMalformedOrderID(t *testing.T) {
	h := newHarness(t, ":memory:")
	acct := h.register(t, "alice@example.com")

	for _, id := range []string{"../../v1/payments/payouts?x=", "ORDER-1/capture", "ORDER 1"} {
		_, _, err := h.svc.CompletePayment(context.Background(), CompleteRequest{OrderID: id, AccountID: acct.ID})
		assert.ErrorIs(t, err, model.ErrValidation, id)
	}
	assert.Zero(t, h.gateway.captures)
}

func TestCompletePaymentChecksOrderOwner(t *testing.T) {
	h := newHarness(t, ":memory:")
	ctx := context.Background()
	alice := h.register(t, "alice@example.com")
	bob := h.register(t, "bob@example.com")

	h.gateway.capture = &model.Capture{
		Status:    "COMPLETED",
		Completed: true,
		Amount:    decimal.RequireFromString("49.00"),
		Currency:  "USD",
		CustomID:  fmt.Sprintf("sub_%d", alice.ID),
	}
	_, _, err := h.svc.CompletePayment(ctx, CompleteRequest{OrderID: "ORDER-ALICE", AccountID: bob.ID})
	require.ErrorIs(t, err, model.ErrValidation)

	got, err := h.svc.AccountByID(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.Credits)
	assert.Equal(t, model.StatusInactive, got.Status)
	history, err := h.svc.History(ctx, bob.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	_, _, err = h.svc.CompletePayment(ctx, CompleteRequest{OrderID: "ORDER-ALICE", AccountID: alice.ID})
	require.NoError(t, err)

	h.gateway.capture.CustomID = fmt.Sprintf("reactivate_%d", bob.ID)
	got, _, err = h.svc.CompletePayment(ctx, CompleteRequest{OrderID: "ORDER-BOB", AccountID: bob.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(600), got.Credits)
}

func TestReceiptFailureDoesNotFailPayment(t *testing.T) {
	h := newHarness(t, ":memory:")
	acct := h.register(t, "alice@example.com")
	h.receipts.err = errors.New("postmark down")

	got := h.subscribe(t, acct, "ORDER-1")
	assert.Equal(t, int64(600), got.Credits)
}

func TestCancelKeepsCreditsAndBlocksRenewal(t *testing.T) {
	h := newHarness(t, ":memory:")
	ctx := context.Background()
	acct := h.register(t, "alice@example.com")
	h.subscribe(t, acct, "ORDER-1")

	got, err := h.svc.Cancel(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Nil(t, got.NextRenewalAt)
	assert.Equal(t, int64(600), got.Credits)

	_, _, err = h.svc.TriggerRenewal(ctx, acct.ID)
	assert.ErrorIs(t, err, model.ErrNoActiveSubscription)

	_, err = h.svc.Cancel(ctx, 999)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestReactivationAfterCancel(t *testing.T) {
	h := newHarness(t, ":memory:")
	ctx := context.Background()
	acct := h.register(t, "alice@example.com")
	h.subscribe(t, acct, "ORDER-1")
	_, err := h.svc.Cancel(ctx, acct.ID)
	require.NoError(t, err)

	h.clock.Advance(10 * 24 * time.Hour)
	_, err = h.svc.Reactivate(ctx, acct.ID)
	require.NoError(t, err)
	got := h.subscribe(t, acct, "ORDER-2")

	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, int64(900), got.Credits)
	assert.True(t, got.SubscriptionStartedAt.Equal(start), "first subscription start is kept")
}

func TestTriggerRenewal(t *testing.T) {
	h := newHarness(t, ":memory:")
	ctx := context.Background()
	acct := h.register(t, "alice@example.com")
	h.subscribe(t, acct, "ORDER-1")

	got, rec, err := h.svc.TriggerRenewal(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(900), got.Credits)
	assert.True(t, rec.AutoRenewal)
	assert.Contains(t, rec.OrderID, "auto-renewal-")

	_, _, err = h.svc.TriggerRenewal(ctx, h.register(t, "bob@example.com").ID)
	assert.ErrorIs(t, err, model.ErrNoActiveSubscription)
}

func TestRenewDue(t *testing.T) {
	h := newHarness(t, ":memory:")
	ctx := context.Background()
	acct := h.register(t, "alice@example.com")
	h.subscribe(t, acct, "ORDER-1")

	renewed, err := h.svc.RenewDue(ctx, acct.ID)
	require.NoError(t, err)
	assert.False(t, renewed, "not due yet")

	h.clock.Set(time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC))
	due, err := h.svc.ListDue(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)

	renewed, err = h.svc.RenewDue(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, renewed)

	renewed, err = h.svc.RenewDue(ctx, acct.ID)
	require.NoError(t, err)
	assert.False(t, renewed, "second sweep over the same listing must not renew twice")

	got, _ := h.svc.AccountByID(ctx, acct.ID)
	assert.Equal(t, int64(900), got.Credits)
	assert.True(t, got.NextRenewalAt.Equal(time.Date(2026, 3, 28, 10, 0, 0, 0, time.UTC)))
}

func TestRenewDueSkipsCancelledSinceListing(t *testing.T) {
	h := newHarness(t, ":memory:")
	ctx := context.Background()
	acct := h.register(t, "alice@example.com")
	h.subscribe(t, acct, "ORDER-1")
	h.clock.Advance(60 * 24 * time.Hour)

	due, err := h.svc.ListDue(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)

	_, err = h.svc.Cancel(ctx, acct.ID)
	require.NoError(t, err)

	renewed, err := h.svc.RenewDue(ctx, due[0].ID)
	require.NoError(t, err)
	assert.False(t, renewed)

	got, _ := h.svc.AccountByID(ctx, acct.ID)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, int64(600), got.Credits)
}

func TestHistoryLimit(t *testing.T) {
	h := newHarness(t, ":memory:")
	ctx := context.Background()
	acct := h.register(t, "alice@example.com")
	h.subscribe(t, acct, "ORDER-1")
	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Minute)
		_, _, err := h.svc.TriggerRenewal(ctx, acct.ID)
		require.NoError(t, err)
	}

	all, err := h.svc.History(ctx, acct.ID, 500)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, "ORDER-1", all[3].OrderID, "oldest last")

	two, err := h.svc.History(ctx, acct.ID, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)

	_, err = h.svc.History(ctx, 999, 10)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStats(t *testing.T) {
	h := newHarness(t, ":memory:")
	ctx := context.Background()
	acct := h.register(t, "alice@example.com")
	h.subscribe(t, acct, "ORDER-1")
	_, err := h.svc.UseCredits(ctx, acct.ID, 50)
	require.NoError(t, err)
	_, _, err = h.svc.TriggerRenewal(ctx, acct.ID)
	require.NoError(t, err)

	stats, err := h.svc.Stats(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(850), stats.Credits)
	assert.Equal(t, int64(50), stats.MonthlyUsed)
	assert.Equal(t, model.StatusActive, stats.Status)
	assert.Equal(t, int64(2), stats.TotalPayments)
	assert.True(t, stats.TotalSpent.Equal(decimal.RequireFromString("98")))
	assert.False(t, stats.DemoMode)
}

func TestCheckGateway(t *testing.T) {
	h := newHarness(t, ":memory:")
	require.NoError(t, h.svc.CheckGateway(context.Background()))

	h.gateway.tokenErr = errors.New("401 invalid_client")
	assert.ErrorIs(t, h.svc.CheckGateway(context.Background()), model.ErrGateway)
}

func TestConcurrentUseCreditsLosesNoUpdates(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "race.db"))
	ctx := context.Background()
	acct := h.register(t, "alice@example.com")

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.UseCredits(ctx, acct.ID, 10); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("use credits: %v", err)
	}

	got, err := h.svc.AccountByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.Credits)
	assert.Equal(t, int64(100), got.MonthlyUsed)
}

func TestConcurrentUseCreditsNeverOverdraws(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "race.db"))
	ctx := context.Background()
	acct := h.register(t, "alice@example.com")

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.UseCredits(ctx, acct.ID, 100)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, model.ErrInsufficientCredits) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	got, err := h.svc.AccountByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Credits)
}
