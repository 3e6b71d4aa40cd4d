package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dineflow/chat-commerce-backend/internal/config"
	"github.com/dineflow/chat-commerce-backend/internal/database"
	"github.com/dineflow/chat-commerce-backend/internal/models"
	"github.com/dineflow/chat-commerce-backend/pkg/payments"
)

var (
	// ErrEmptyCart means there is nothing to validate.
	ErrEmptyCart = errors.New("cart is empty")

	// ErrOrderTypeRequired means the fulfilment mode was never chosen.
	ErrOrderTypeRequired = errors.New("order type not chosen")

	// ErrNoDraftOrder means checkout was asked to execute without a current
	// validated draft. Mutating the cart after validation gets you here too.
	ErrNoDraftOrder = errors.New("no validated draft order")

	// ErrPaymentLink wraps a payment gateway rejection. Reservations stay
	// held so the customer can retry.
	ErrPaymentLink = errors.New("payment link creation failed")
)

// UncoveredCartError reports cart lines whose reservations no longer cover
// the requested quantity at validation time.
type UncoveredCartError struct {
	Unavailable []models.UnavailableItem
}

func (e *UncoveredCartError) Error() string {
	return fmt.Sprintf("%d cart lines no longer covered by stock", len(e.Unavailable))
}

// AsUncoveredCart unwraps err into an UncoveredCartError if it is one.
func AsUncoveredCart(err error) (*UncoveredCartError, bool) {
	var uce *UncoveredCartError
	if errors.As(err, &uce) {
		return uce, true
	}
	return nil, false
}

// CheckoutService prices carts into draft orders and executes them against
// the payment gateway. Validation pins every line's reservation; execution
// consumes the holds, so the quantity paid for is exactly the quantity that
// was reserved.
type CheckoutService struct {
	cart      *CartService
	userData  *UserDataService
	inventory Inventory
	menuRepo  *database.MenuRepository
	payments  payments.Gateway
	logger    *logrus.Logger

	taxBps   int64
	currency string
	clock    func() time.Time
}

// NewCheckoutService creates the checkout service. Tax comes from config in
// basis points; zero falls back to 5%.
func NewCheckoutService(
	cart *CartService,
	userData *UserDataService,
	inventory Inventory,
	menuRepo *database.MenuRepository,
	gateway payments.Gateway,
	cfg config.OrderConfig,
	logger *logrus.Logger,
) *CheckoutService {
	taxBps := int64(cfg.TaxBps)
	if taxBps <= 0 {
		taxBps = 500
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "INR"
	}

	return &CheckoutService{
		cart:      cart,
		userData:  userData,
		inventory: inventory,
		menuRepo:  menuRepo,
		payments:  gateway,
		logger:    logger,
		taxBps:    taxBps,
		currency:  currency,
		clock:     time.Now,
	}
}

// ============================================================================
// VALIDATE
// ============================================================================

// ValidateOrder prices the cart into a draft order. Every line's reservation
// is verified against the session's holds and re-pinned if it went missing;
// lines that cannot be covered fail validation with the full partition so
// the caller can offer fixes. On success the draft lands in the session
// cache and the cart is flagged validated.
func (s *CheckoutService) ValidateOrder(ctx context.Context, session *models.ResolvedSession) (*models.DraftOrder, error) {
	cart, err := s.cart.Get(ctx, session.SessionID)
	if err != nil {
		return nil, err
	}
	if cart == nil || cart.IsEmpty() {
		return nil, ErrEmptyCart
	}
	if cart.OrderType == "" {
		return nil, ErrOrderTypeRequired
	}

	owner := session.ReservationOwner()
	var uncovered []models.UnavailableItem

	for _, line := range cart.Items {
		held, err := s.inventory.ReservedFor(ctx, line.ItemID, owner)
		if err != nil {
			return nil, err
		}
		if held >= line.Quantity {
			continue
		}

		// The hold is short or gone (cache flush, expired session). Pin it
		// back before quoting a price on it.
		if err := s.inventory.Reserve(ctx, line.ItemID, line.Quantity, owner); err != nil {
			if oos, ok := AsOutOfStock(err); ok {
				uncovered = append(uncovered, models.UnavailableItem{
					Item:      line,
					Requested: line.Quantity,
					Available: held + oos.Available,
				})
				continue
			}
			return nil, err
		}
		s.logger.WithFields(logrus.Fields{
			"item_id":  line.ItemID,
			"quantity": line.Quantity,
			"owner":    owner,
		}).Info("Re-pinned reservation during validation")
	}

	if len(uncovered) > 0 {
		return nil, &UncoveredCartError{Unavailable: uncovered}
	}

	subtotal := cart.SubtotalPaise()
	tax := subtotal * s.taxBps / 10000
	draft := &models.DraftOrder{
		DraftID:       uuid.New(),
		SessionID:     session.SessionID,
		Items:         cart.Items,
		OrderType:     cart.OrderType,
		SubtotalPaise: subtotal,
		TaxPaise:      tax,
		TotalPaise:    subtotal + tax,
		CreatedAt:     s.clock(),
	}

	if _, err := s.cart.MarkValidated(ctx, session.SessionID, true); err != nil {
		return nil, err
	}
	if err := s.userData.SaveDraft(ctx, session.SessionID, draft); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"session_id":  session.SessionID,
		"draft_id":    draft.DraftID,
		"lines":       len(draft.Items),
		"total_paise": draft.TotalPaise,
	}).Info("Order validated")
	return draft, nil
}

// ============================================================================
// EXECUTE
// ============================================================================

// ExecuteCheckout turns the validated draft into a placed order: a payment
// link from the gateway, reservations consumed, canonical stock decremented,
// cart and draft retired. A gateway rejection leaves every hold in place so
// the customer can retry; nothing is consumed before a link exists.
func (s *CheckoutService) ExecuteCheckout(ctx context.Context, session *models.ResolvedSession) (*models.CheckoutResult, error) {
	draft, err := s.userData.Draft(ctx, session.SessionID)
	if err != nil {
		return nil, err
	}
	if draft == nil {
		return nil, ErrNoDraftOrder
	}

	cart, err := s.cart.Get(ctx, session.SessionID)
	if err != nil {
		return nil, err
	}
	// Mutating the cart clears the validated flag, so a stale draft cannot
	// be executed against different lines.
	if cart == nil || !cart.Validated {
		return nil, ErrNoDraftOrder
	}

	link := s.payments.CreateLink(payments.LinkRequest{
		OrderID:     draft.DraftID.String(),
		AmountPaise: draft.TotalPaise,
		Currency:    s.currency,
		Description: fmt.Sprintf("DineFlow order, %d items", len(draft.Items)),
	})
	if link.Failed() {
		return nil, fmt.Errorf("%w: %s", ErrPaymentLink, link.Reason)
	}

	owner := session.ReservationOwner()
	for _, line := range draft.Items {
		if err := s.inventory.Confirm(ctx, line.ItemID, owner); err != nil {
			s.logger.WithFields(logrus.Fields{
				"item_id": line.ItemID,
				"owner":   owner,
				"error":   err.Error(),
			}).Error("Failed to confirm reservation at checkout")
			continue
		}
		if err := s.menuRepo.DecrementStock(ctx, line.ItemID, line.Quantity); err != nil {
			s.logger.WithFields(logrus.Fields{
				"item_id":  line.ItemID,
				"quantity": line.Quantity,
				"error":    err.Error(),
			}).Error("Failed to decrement canonical stock")
		}
	}

	if err := s.cart.Drop(ctx, session.SessionID); err != nil {
		s.logger.WithFields(logrus.Fields{
			"session_id": session.SessionID,
			"error":      err.Error(),
		}).Warn("Failed to drop cart after checkout")
	}
	if err := s.userData.ClearDraft(ctx, session.SessionID); err != nil {
		s.logger.WithFields(logrus.Fields{
			"session_id": session.SessionID,
			"error":      err.Error(),
		}).Warn("Failed to clear draft after checkout")
	}

	result := &models.CheckoutResult{
		OrderID:       draft.DraftID,
		Items:         draft.Items,
		OrderType:     draft.OrderType,
		SubtotalPaise: draft.SubtotalPaise,
		TaxPaise:      draft.TaxPaise,
		TotalPaise:    draft.TotalPaise,
		PaymentLinkID: link.LinkID,
		PaymentURL:    link.URL,
		PlacedAt:      s.clock(),
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":    result.OrderID,
		"lines":       len(result.Items),
		"total_paise": result.TotalPaise,
		"link_status": link.Status,
	}).Info("Checkout executed")
	return result, nil
}

// PaymentStatus polls the gateway for a link's current state.
func (s *CheckoutService) PaymentStatus(linkID string) payments.Result {
	return s.payments.Status(linkID)
}
