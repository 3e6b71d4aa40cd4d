package services

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dineflow/chat-commerce-backend/internal/config"
	"github.com/dineflow/chat-commerce-backend/internal/database"
	"github.com/dineflow/chat-commerce-backend/internal/models"
	"github.com/dineflow/chat-commerce-backend/pkg/payments"
)

// ============================================================================
// TEST SETUP
// ============================================================================

type checkoutHarness struct {
	svc    *CheckoutService
	cart   *CartService
	inv    *RedisInventory
	client *redis.Client
	mock   sqlmock.Sqlmock
	clock  *testClock
}

func setupCheckoutTest(t *testing.T) *checkoutHarness {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start(), "failed to start miniredis")
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlxDB := sqlx.NewDb(db, "sqlmock")

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	inv := NewRedisInventory(client, logger)
	loader := &stubMenuLoader{items: testMenuItems(), cats: testMenuCategories()}
	menu := NewMenuCacheService(loader, inv, nil, nil, 5*time.Minute, logger)
	require.NoError(t, menu.Load(context.Background()))

	cart := NewCartService(client, menu, inv, time.Hour, logger)

	users := database.NewUserRepository(&database.PostgresDB{DB: sqlxDB})
	abandoned := database.NewAbandonedRepository(sqlxDB)
	menuRepo := database.NewMenuRepository(sqlxDB)

	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}

	userData := NewUserDataService(client, users, abandoned, cart, inv,
		config.AbandonedConfig{CartWindowHours: 2, BookingWindowDays: 7}, logger)
	userData.clock = clock.Now

	svc := NewCheckoutService(cart, userData, inv, menuRepo,
		payments.NewConsoleGateway("https://pay.test.local"),
		config.OrderConfig{TaxBps: 500, Currency: "INR"}, logger)
	svc.clock = clock.Now

	return &checkoutHarness{svc: svc, cart: cart, inv: inv, client: client, mock: mock, clock: clock}
}

type rejectingGateway struct {
	reason string
}

func (r *rejectingGateway) CreateLink(req payments.LinkRequest) payments.Result {
	return payments.Result{Status: payments.StatusFailed, Reason: r.reason}
}

func (r *rejectingGateway) Status(linkID string) payments.Result {
	return payments.Result{LinkID: linkID, Status: payments.StatusFailed, Reason: r.reason}
}

func (r *rejectingGateway) Name() string { return "Rejecting Gateway" }

func seedValidatedOrder(t *testing.T, h *checkoutHarness, session *models.ResolvedSession) *models.DraftOrder {
	t.Helper()
	ctx := context.Background()
	owner := session.ReservationOwner()

	_, err := h.cart.Add(ctx, session.SessionID, owner, "itm-chicken-biryani", 2)
	require.NoError(t, err)
	_, err = h.cart.Add(ctx, session.SessionID, owner, "itm-gulab-jamun", 1)
	require.NoError(t, err)
	_, err = h.cart.SetOrderType(ctx, session.SessionID, models.OrderTypeDineIn)
	require.NoError(t, err)

	draft, err := h.svc.ValidateOrder(ctx, session)
	require.NoError(t, err)
	return draft
}

// ============================================================================
// VALIDATE
// ============================================================================

func TestValidateOrder_BuildsDraftAndFlagsCart(t *testing.T) {
	h := setupCheckoutTest(t)
	ctx := context.Background()
	session := &models.ResolvedSession{SessionID: "sess-1", Tier: models.TierAnonymous}

	draft := seedValidatedOrder(t, h, session)

	assert.Equal(t, "sess-1", draft.SessionID)
	assert.Equal(t, models.OrderTypeDineIn, draft.OrderType)
	require.Len(t, draft.Items, 2)
	assert.Equal(t, int64(76000), draft.SubtotalPaise, "2x32000 + 1x12000")
	assert.Equal(t, int64(3800), draft.TaxPaise, "5% of subtotal in paise")
	assert.Equal(t, int64(79800), draft.TotalPaise)

	cart, err := h.cart.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, cart.Validated)

	data, err := h.svc.userData.Data(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.True(t, data.HasDraftOrder)
	require.NotNil(t, data.Draft)
	assert.Equal(t, draft.DraftID, data.Draft.DraftID)
}

func TestValidateOrder_EmptyCart(t *testing.T) {
	h := setupCheckoutTest(t)
	session := &models.ResolvedSession{SessionID: "sess-1", Tier: models.TierAnonymous}

	_, err := h.svc.ValidateOrder(context.Background(), session)
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestValidateOrder_OrderTypeRequired(t *testing.T) {
	h := setupCheckoutTest(t)
	ctx := context.Background()
	session := &models.ResolvedSession{SessionID: "sess-1", Tier: models.TierAnonymous}

	_, err := h.cart.Add(ctx, "sess-1", "sess-1", "itm-chicken-biryani", 1)
	require.NoError(t, err)

	_, err = h.svc.ValidateOrder(ctx, session)
	assert.ErrorIs(t, err, ErrOrderTypeRequired)
}

func TestValidateOrder_RepinsLostReservation(t *testing.T) {
	h := setupCheckoutTest(t)
	ctx := context.Background()
	session := &models.ResolvedSession{SessionID: "sess-1", Tier: models.TierAnonymous}

	_, err := h.cart.Add(ctx, "sess-1", "sess-1", "itm-chicken-biryani", 2)
	require.NoError(t, err)
	_, err = h.cart.SetOrderType(ctx, "sess-1", models.OrderTypeDineIn)
	require.NoError(t, err)

	// Simulate a lost hold: the line survives in the cart document but the
	// reservation is gone.
	require.NoError(t, h.inv.Release(ctx, "itm-chicken-biryani", "sess-1"))
	held, err := h.inv.ReservedFor(ctx, "itm-chicken-biryani", "sess-1")
	require.NoError(t, err)
	require.Zero(t, held)

	_, err = h.svc.ValidateOrder(ctx, session)
	require.NoError(t, err)

	held, err = h.inv.ReservedFor(ctx, "itm-chicken-biryani", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, held, "validation must pin the hold back")
}

func TestValidateOrder_UncoveredLineFailsWithPartition(t *testing.T) {
	h := setupCheckoutTest(t)
	ctx := context.Background()
	session := &models.ResolvedSession{SessionID: "sess-1", Tier: models.TierAnonymous}

	_, err := h.cart.Add(ctx, "sess-1", "sess-1", "itm-chicken-biryani", 2)
	require.NoError(t, err)
	_, err = h.cart.SetOrderType(ctx, "sess-1", models.OrderTypeDineIn)
	require.NoError(t, err)

	// The hold is lost and a rival takes the whole pool before validation.
	require.NoError(t, h.inv.Release(ctx, "itm-chicken-biryani", "sess-1"))
	require.NoError(t, h.inv.Reserve(ctx, "itm-chicken-biryani", 20, "rival-session"))

	_, err = h.svc.ValidateOrder(ctx, session)
	require.Error(t, err)

	uce, ok := AsUncoveredCart(err)
	require.True(t, ok, "expected UncoveredCartError, got %v", err)
	require.Len(t, uce.Unavailable, 1)
	assert.Equal(t, "itm-chicken-biryani", uce.Unavailable[0].Item.ItemID)
	assert.Equal(t, 2, uce.Unavailable[0].Requested)
	assert.Zero(t, uce.Unavailable[0].Available)

	// Failed validation leaves no draft behind.
	draft, err := h.svc.userData.Draft(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, draft)

	cart, err := h.cart.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, cart.Validated)
}

// ============================================================================
// EXECUTE
// ============================================================================

func TestExecuteCheckout_ConfirmsHoldsAndClears(t *testing.T) {
	h := setupCheckoutTest(t)
	ctx := context.Background()
	session := &models.ResolvedSession{SessionID: "sess-1", Tier: models.TierAnonymous}

	draft := seedValidatedOrder(t, h, session)

	h.mock.ExpectExec(`UPDATE menu_items`).
		WithArgs(2, "itm-chicken-biryani").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE menu_items`).
		WithArgs(1, "itm-gulab-jamun").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := h.svc.ExecuteCheckout(ctx, session)
	require.NoError(t, err)

	assert.Equal(t, draft.DraftID, result.OrderID)
	assert.Equal(t, int64(79800), result.TotalPaise)
	assert.NotEmpty(t, result.PaymentLinkID)
	assert.NotEmpty(t, result.PaymentURL)
	assert.Equal(t, h.clock.now, result.PlacedAt)

	// Confirm consumes: the holds are gone and the stock does NOT return.
	for _, itemID := range []string{"itm-chicken-biryani", "itm-gulab-jamun"} {
		held, err := h.inv.ReservedFor(ctx, itemID, "sess-1")
		require.NoError(t, err)
		assert.Zero(t, held, "%s hold must be consumed", itemID)
	}
	available, err := h.inv.Available(ctx, "itm-chicken-biryani")
	require.NoError(t, err)
	assert.Equal(t, 18, available, "confirmed stock is consumed, not released")

	cart, err := h.cart.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, cart, "checkout retires the cart")

	got, err := h.svc.userData.Draft(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, got, "checkout consumes the draft")

	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestExecuteCheckout_RequiresValidatedDraft(t *testing.T) {
	h := setupCheckoutTest(t)
	session := &models.ResolvedSession{SessionID: "sess-1", Tier: models.TierAnonymous}

	_, err := h.svc.ExecuteCheckout(context.Background(), session)
	assert.ErrorIs(t, err, ErrNoDraftOrder)
}

func TestExecuteCheckout_MutatedCartInvalidatesDraft(t *testing.T) {
	h := setupCheckoutTest(t)
	ctx := context.Background()
	session := &models.ResolvedSession{SessionID: "sess-1", Tier: models.TierAnonymous}

	seedValidatedOrder(t, h, session)

	// Adding a line after validation clears the flag; the stale draft must
	// not execute.
	_, err := h.cart.Add(ctx, "sess-1", "sess-1", "itm-paneer-tikka", 1)
	require.NoError(t, err)

	_, err = h.svc.ExecuteCheckout(ctx, session)
	assert.ErrorIs(t, err, ErrNoDraftOrder)

	// Nothing was consumed.
	held, err := h.inv.ReservedFor(ctx, "itm-chicken-biryani", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, held)
}

func TestExecuteCheckout_PaymentRejectionKeepsHolds(t *testing.T) {
	h := setupCheckoutTest(t)
	ctx := context.Background()
	session := &models.ResolvedSession{SessionID: "sess-1", Tier: models.TierAnonymous}

	draft := seedValidatedOrder(t, h, session)
	h.svc.payments = &rejectingGateway{reason: "merchant suspended"}

	_, err := h.svc.ExecuteCheckout(ctx, session)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPaymentLink)
	assert.Contains(t, err.Error(), "merchant suspended")

	// Everything survives for a retry.
	held, err := h.inv.ReservedFor(ctx, "itm-chicken-biryani", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, held)

	cart, err := h.cart.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, cart)
	assert.True(t, cart.Validated)

	got, err := h.svc.userData.Draft(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, draft.DraftID, got.DraftID)

	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestPaymentStatus_PassesThrough(t *testing.T) {
	h := setupCheckoutTest(t)
	h.svc.payments = &rejectingGateway{reason: "unknown link"}

	result := h.svc.PaymentStatus("plink_x")
	assert.True(t, result.Failed())
	assert.Equal(t, "plink_x", result.LinkID)
}
