package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// ORDER TYPES
// ============================================================================

const (
	OrderTypeDineIn  = "dine_in"
	OrderTypeTakeout = "takeout"
)

// ValidOrderType reports whether s names a supported fulfilment mode.
func ValidOrderType(s string) bool {
	switch s {
	case OrderTypeDineIn, OrderTypeTakeout:
		return true
	}
	return false
}

// ============================================================================
// CART MODELS
// ============================================================================

// CartItem is one line in a session cart. Name, price and category are copied
// from the menu at add time so a later menu refresh can't change a line under
// the user.
type CartItem struct {
	ItemID         string    `json:"item_id"`
	Name           string    `json:"name"`
	Quantity       int       `json:"quantity"`
	UnitPricePaise int64     `json:"unit_price_paise"`
	Category       string    `json:"category,omitempty"`
	AddedAt        time.Time `json:"added_at"`
}

// LineTotalPaise is the extended price for the line.
func (c *CartItem) LineTotalPaise() int64 {
	return c.UnitPricePaise * int64(c.Quantity)
}

// Cart is the session cart as stored in Redis. It is a plain JSON document;
// every mutation rewrites the whole value and resets its TTL.
type Cart struct {
	SessionID string     `json:"session_id"`
	Items     []CartItem `json:"items"`
	OrderType string     `json:"order_type,omitempty"`
	Validated bool       `json:"validated"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// FindItem returns the line for itemID, or nil.
func (c *Cart) FindItem(itemID string) *CartItem {
	for i := range c.Items {
		if c.Items[i].ItemID == itemID {
			return &c.Items[i]
		}
	}
	return nil
}

// SubtotalPaise sums all line totals.
func (c *Cart) SubtotalPaise() int64 {
	var total int64
	for i := range c.Items {
		total += c.Items[i].LineTotalPaise()
	}
	return total
}

// TotalQuantity sums the quantities across all lines.
func (c *Cart) TotalQuantity() int {
	var total int
	for i := range c.Items {
		total += c.Items[i].Quantity
	}
	return total
}

// IsEmpty reports whether the cart has no lines.
func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// ============================================================================
// CART OPERATION RESULTS
// ============================================================================

// Cart add statuses.
const (
	CartAddOK         = "ok"
	CartAddOutOfStock = "out_of_stock"
)

// CartAddResult reports the outcome of an add or update. On an out-of-stock
// refusal the cart is untouched, AvailableQuantity carries the shortfall, and
// Alternatives suggests up to two in-stock items from the same category.
type CartAddResult struct {
	Status            string     `json:"status"`
	Item              *CartItem  `json:"item,omitempty"`
	Cart              *Cart      `json:"cart,omitempty"`
	AvailableQuantity int        `json:"available_quantity,omitempty"`
	Alternatives      []MenuItem `json:"alternatives,omitempty"`
}

// CartAvailability summarizes a read-only stock check against the current
// cart. Lines are partitioned by whether the full quantity is still coverable.
type CartAvailability struct {
	Available   []CartItem        `json:"available"`
	Unavailable []UnavailableItem `json:"unavailable"`
	AllCovered  bool              `json:"all_covered"`
}

// UnavailableItem is a cart line whose full quantity is no longer in stock.
type UnavailableItem struct {
	Item      CartItem `json:"item"`
	Requested int      `json:"requested"`
	Available int      `json:"available"`
}

// ============================================================================
// CART EVENTS
// ============================================================================

// Cart event types published on the cart events channel.
const (
	CartEventItemAdded   = "item_added"
	CartEventItemRemoved = "item_removed"
	CartEventItemUpdated = "item_updated"
	CartEventCleared     = "cleared"
)

// CartEvent is the payload published after each successful cart mutation.
type CartEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	ItemID    string    `json:"item_id,omitempty"`
	Quantity  int       `json:"quantity,omitempty"`
	At        time.Time `json:"at"`
}

// ============================================================================
// DRAFT ORDERS
// ============================================================================

// DraftOrder is the priced order produced by validation and consumed by
// checkout. It lives in the session cache, never the database; executing
// checkout promotes it into a confirmed order.
type DraftOrder struct {
	DraftID       uuid.UUID  `json:"draft_id"`
	SessionID     string     `json:"session_id"`
	Items         []CartItem `json:"items"`
	OrderType     string     `json:"order_type"`
	SubtotalPaise int64      `json:"subtotal_paise"`
	TaxPaise      int64      `json:"tax_paise"`
	TotalPaise    int64      `json:"total_paise"`
	CreatedAt     time.Time  `json:"created_at"`
}

// CheckoutResult is the outcome of an executed checkout: the order summary
// plus the payment link the customer settles it with.
type CheckoutResult struct {
	OrderID       uuid.UUID  `json:"order_id"`
	Items         []CartItem `json:"items"`
	OrderType     string     `json:"order_type"`
	SubtotalPaise int64      `json:"subtotal_paise"`
	TaxPaise      int64      `json:"tax_paise"`
	TotalPaise    int64      `json:"total_paise"`
	PaymentLinkID string     `json:"payment_link_id"`
	PaymentURL    string     `json:"payment_url"`
	PlacedAt      time.Time  `json:"placed_at"`
}
