package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/dineflow/chat-commerce-backend/internal/models"
)

// cartEventsChannel carries a CartEvent after every successful mutation.
const cartEventsChannel = "cart:events"

// maxAlternatives caps the suggestions attached to an out-of-stock refusal.
const maxAlternatives = 2

func cartKey(sessionID string) string {
	return "cart:" + sessionID
}

// CartService owns per-session carts. A cart lives in Redis under
// cart:{session_id} with a sliding TTL; every line it holds is backed by a
// reservation in the inventory engine under the session's reservation owner.
// Mutations rewrite the whole document, so concurrent writers for one
// session must be serialised by the caller.
type CartService struct {
	redis     *redis.Client
	menu      *MenuCacheService
	inventory Inventory
	logger    *logrus.Logger
	ttl       time.Duration
	clock     func() time.Time
}

// NewCartService creates the cart service. ttl bounds cart lifetime in Redis;
// zero or negative falls back to one hour.
func NewCartService(
	redisClient *redis.Client,
	menu *MenuCacheService,
	inventory Inventory,
	ttl time.Duration,
	logger *logrus.Logger,
) *CartService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CartService{
		redis:     redisClient,
		menu:      menu,
		inventory: inventory,
		logger:    logger,
		ttl:       ttl,
		clock:     time.Now,
	}
}

// TTL reports how long an untouched cart survives. The session cache keys
// its own expiry off the same window.
func (s *CartService) TTL() time.Duration {
	return s.ttl
}

// ============================================================================
// LOAD & SAVE
// ============================================================================

// Get loads the session cart, or nil when none exists.
func (s *CartService) Get(ctx context.Context, sessionID string) (*models.Cart, error) {
	raw, err := s.redis.Get(ctx, cartKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cart for session %s: %w", sessionID, err)
	}

	var cart models.Cart
	if err := json.Unmarshal(raw, &cart); err != nil {
		return nil, fmt.Errorf("decode cart for session %s: %w", sessionID, err)
	}
	return &cart, nil
}

func (s *CartService) save(ctx context.Context, cart *models.Cart) error {
	cart.UpdatedAt = s.clock()
	payload, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("encode cart for session %s: %w", cart.SessionID, err)
	}
	if err := s.redis.Set(ctx, cartKey(cart.SessionID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save cart for session %s: %w", cart.SessionID, err)
	}
	return nil
}

// Replace writes the cart as given. Callers own the reservations backing it;
// the restore flow reserves line by line before handing the cart here.
func (s *CartService) Replace(ctx context.Context, cart *models.Cart) error {
	return s.save(ctx, cart)
}

// Drop deletes the cart key without releasing anything. Logout uses it after
// walking the lines itself, so a release failure there can't strand the key.
func (s *CartService) Drop(ctx context.Context, sessionID string) error {
	if err := s.redis.Del(ctx, cartKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("drop cart for session %s: %w", sessionID, err)
	}
	return nil
}

func (s *CartService) publish(ctx context.Context, event models.CartEvent) {
	event.At = s.clock()
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode cart event")
		return
	}
	if err := s.redis.Publish(ctx, cartEventsChannel, payload).Err(); err != nil {
		s.logger.WithError(err).Warn("Failed to publish cart event")
	}
}

// ============================================================================
// MUTATIONS
// ============================================================================

// Add puts qty more of an item into the session cart. itemRef may be an item
// id or an exact item name (case-insensitive). The reservation covers the
// whole resulting line; if stock can't cover it the cart is left untouched
// and the result carries up to two alternatives.
func (s *CartService) Add(ctx context.Context, sessionID, owner, itemRef string, qty int) (*models.CartAddResult, error) {
	if qty < 1 {
		return nil, fmt.Errorf("quantity must be at least 1, got %d", qty)
	}

	item, err := s.resolveMenuItem(itemRef)
	if err != nil {
		return nil, err
	}

	cart, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		cart = &models.Cart{SessionID: sessionID}
	}

	existing := 0
	if line := cart.FindItem(item.ItemID); line != nil {
		existing = line.Quantity
	}
	finalQty := existing + qty

	return s.reserveAndWrite(ctx, cart, owner, item, finalQty, models.CartEventItemAdded)
}

// UpdateQuantity sets the line for an item to an absolute quantity. The
// reservation engine moves only the difference.
func (s *CartService) UpdateQuantity(ctx context.Context, sessionID, owner, itemRef string, newQty int) (*models.CartAddResult, error) {
	if newQty < 1 {
		return nil, fmt.Errorf("quantity must be at least 1, got %d", newQty)
	}

	item, err := s.resolveMenuItem(itemRef)
	if err != nil {
		return nil, err
	}

	cart, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		cart = &models.Cart{SessionID: sessionID}
	}

	return s.reserveAndWrite(ctx, cart, owner, item, newQty, models.CartEventItemUpdated)
}

// reserveAndWrite is the shared tail of Add and UpdateQuantity: reserve the
// absolute line quantity, then write the cart. Reservation failure leaves the
// cart exactly as loaded.
func (s *CartService) reserveAndWrite(
	ctx context.Context,
	cart *models.Cart,
	owner string,
	item *models.MenuItem,
	finalQty int,
	eventType string,
) (*models.CartAddResult, error) {
	if err := s.inventory.Reserve(ctx, item.ItemID, finalQty, owner); err != nil {
		if oos, ok := AsOutOfStock(err); ok {
			s.logger.WithFields(logrus.Fields{
				"session_id": cart.SessionID,
				"item_id":    item.ItemID,
				"requested":  finalQty,
				"available":  oos.Available,
			}).Info("Cart add refused: insufficient stock")
			return &models.CartAddResult{
				Status:            models.CartAddOutOfStock,
				AvailableQuantity: oos.Available,
				Alternatives:      s.menu.SimilarItems(ctx, item.Name, item.ItemID, maxAlternatives),
			}, nil
		}
		return nil, err
	}

	line := cart.FindItem(item.ItemID)
	if line == nil {
		cart.Items = append(cart.Items, models.CartItem{
			ItemID:         item.ItemID,
			Name:           item.Name,
			UnitPricePaise: item.PricePaise,
			Category:       item.CategoryName,
			AddedAt:        s.clock(),
		})
		line = &cart.Items[len(cart.Items)-1]
	}
	line.Quantity = finalQty
	cart.Validated = false

	if err := s.save(ctx, cart); err != nil {
		// The reservation outlives this failure; the session-expiry sweep
		// reconciles it.
		return nil, err
	}

	s.publish(ctx, models.CartEvent{
		Type:      eventType,
		SessionID: cart.SessionID,
		ItemID:    item.ItemID,
		Quantity:  finalQty,
	})

	lineCopy := *line
	return &models.CartAddResult{
		Status: models.CartAddOK,
		Item:   &lineCopy,
		Cart:   cart,
	}, nil
}

// Remove drops an item line from the cart. The reservation release is
// best-effort: bookkeeping drift must never block removing a line.
func (s *CartService) Remove(ctx context.Context, sessionID, owner, itemRef string) (*models.Cart, error) {
	cart, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownItem, itemRef)
	}

	idx := s.locateLine(cart, itemRef)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownItem, itemRef)
	}
	removed := cart.Items[idx]

	if err := s.inventory.Release(ctx, removed.ItemID, owner); err != nil {
		s.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"item_id":    removed.ItemID,
			"error":      err.Error(),
		}).Error("Failed to release reservation on cart remove")
	}

	cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
	cart.Validated = false
	if err := s.save(ctx, cart); err != nil {
		return nil, err
	}

	s.publish(ctx, models.CartEvent{
		Type:      models.CartEventItemRemoved,
		SessionID: sessionID,
		ItemID:    removed.ItemID,
	})
	return cart, nil
}

// Clear releases every reservation the session holds and deletes the cart.
func (s *CartService) Clear(ctx context.Context, sessionID, owner string) error {
	cart, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if cart != nil {
		for _, line := range cart.Items {
			if err := s.inventory.Release(ctx, line.ItemID, owner); err != nil {
				s.logger.WithFields(logrus.Fields{
					"session_id": sessionID,
					"item_id":    line.ItemID,
					"error":      err.Error(),
				}).Error("Failed to release reservation on cart clear")
			}
		}
	}

	if err := s.redis.Del(ctx, cartKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete cart for session %s: %w", sessionID, err)
	}

	s.publish(ctx, models.CartEvent{
		Type:      models.CartEventCleared,
		SessionID: sessionID,
	})
	return nil
}

// ============================================================================
// READS
// ============================================================================

// CheckExisting returns the cart and its age in whole minutes. It never
// mutates: no TTL reset, no rewrites.
func (s *CartService) CheckExisting(ctx context.Context, sessionID string) (*models.Cart, int, error) {
	cart, err := s.Get(ctx, sessionID)
	if err != nil || cart == nil {
		return nil, 0, err
	}
	age := int(s.clock().Sub(cart.UpdatedAt).Minutes())
	if age < 0 {
		age = 0
	}
	return cart, age, nil
}

// CheckAvailability partitions the cart's lines by whether current stock
// still covers them, counting the session's own holds as coverage. Read-only.
func (s *CartService) CheckAvailability(ctx context.Context, sessionID, owner string) (*models.CartAvailability, error) {
	cart, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	result := &models.CartAvailability{AllCovered: true}
	if cart == nil {
		return result, nil
	}

	for _, line := range cart.Items {
		held, err := s.inventory.ReservedFor(ctx, line.ItemID, owner)
		if err != nil {
			return nil, err
		}
		_, available, err := s.inventory.Check(ctx, line.ItemID, line.Quantity)
		if err != nil {
			return nil, err
		}
		if held+available >= line.Quantity {
			result.Available = append(result.Available, line)
			continue
		}
		result.AllCovered = false
		result.Unavailable = append(result.Unavailable, models.UnavailableItem{
			Item:      line,
			Requested: line.Quantity,
			Available: held + available,
		})
	}
	return result, nil
}

// SetOrderType records the fulfilment mode on the cart.
func (s *CartService) SetOrderType(ctx context.Context, sessionID, orderType string) (*models.Cart, error) {
	if !models.ValidOrderType(orderType) {
		return nil, fmt.Errorf("invalid order type: %s", orderType)
	}

	cart, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		cart = &models.Cart{SessionID: sessionID}
	}
	cart.OrderType = orderType
	if err := s.save(ctx, cart); err != nil {
		return nil, err
	}
	return cart, nil
}

// MarkValidated flags the cart as priced and checkable. Line mutations clear
// the flag again.
func (s *CartService) MarkValidated(ctx context.Context, sessionID string, validated bool) (*models.Cart, error) {
	cart, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return nil, fmt.Errorf("no cart for session %s", sessionID)
	}
	cart.Validated = validated
	if err := s.save(ctx, cart); err != nil {
		return nil, err
	}
	return cart, nil
}

// ============================================================================
// RESOLUTION HELPERS
// ============================================================================

// resolveMenuItem looks up by id first, then by case-insensitive exact name.
func (s *CartService) resolveMenuItem(itemRef string) (*models.MenuItem, error) {
	if item, ok := s.menu.GetItem(itemRef); ok {
		return item, nil
	}
	wanted := normalizeName(itemRef)
	for _, item := range s.menu.AllItems() {
		if normalizeName(item.Name) == wanted {
			found := item
			return &found, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownItem, itemRef)
}

// locateLine finds a cart line by item id or name.
func (s *CartService) locateLine(cart *models.Cart, itemRef string) int {
	for i := range cart.Items {
		if cart.Items[i].ItemID == itemRef {
			return i
		}
	}
	wanted := normalizeName(itemRef)
	for i := range cart.Items {
		if normalizeName(cart.Items[i].Name) == wanted {
			return i
		}
	}
	return -1
}
