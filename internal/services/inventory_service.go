package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/dineflow/chat-commerce-backend/internal/models"
)

// ============================================================================
// INVENTORY PORT & ERRORS
// ============================================================================

// ErrUnknownItem is returned when an item has never been synced into the
// reservation engine.
var ErrUnknownItem = errors.New("unknown inventory item")

// OutOfStockError reports a reservation that could not be covered. Available
// carries the count the caller can still get.
type OutOfStockError struct {
	ItemID    string `json:"item_id"`
	Available int    `json:"available"`
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: %d available", e.ItemID, e.Available)
}

// AsOutOfStock unwraps err into an OutOfStockError if it is one.
func AsOutOfStock(err error) (*OutOfStockError, bool) {
	var oos *OutOfStockError
	if errors.As(err, &oos) {
		return oos, true
	}
	return nil, false
}

// ReservationLine is one (item, quantity) pair in a batch reservation.
type ReservationLine struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// Inventory is the reservation engine. Every mutating operation is atomic per
// item with respect to concurrent callers; carts, checkout and login recovery
// all go through this port.
type Inventory interface {
	// SyncFromCanonical seeds per-item availability from the canonical rows.
	// Live reservations are preserved: available becomes canonical minus the
	// reserved total, floored at zero. Idempotent.
	SyncFromCanonical(ctx context.Context, items []models.MenuItem) error

	// Available returns the current available count, 0 for unknown items.
	Available(ctx context.Context, itemID string) (int, error)

	// Check reports whether qty is coverable right now, plus the available
	// count. Never mutates.
	Check(ctx context.Context, itemID string, qty int) (bool, int, error)

	// Reserve sets owner's held quantity for the item to qty. The delta
	// against any existing reservation is what moves; shrinking a
	// reservation returns stock. Fails with ErrUnknownItem or
	// *OutOfStockError, in which case nothing changed.
	Reserve(ctx context.Context, itemID string, qty int, owner string) error

	// ReserveBatch applies Reserve across lines all-or-nothing: on the first
	// failure every line already reserved by this call is rolled back to its
	// prior quantity before the error returns.
	ReserveBatch(ctx context.Context, lines []ReservationLine, owner string) error

	// Release returns owner's held quantity to the available count and drops
	// the reservation. Releasing an absent reservation is a no-op.
	Release(ctx context.Context, itemID, owner string) error

	// Confirm drops the reservation without returning stock; the quantity is
	// permanently consumed. Confirming an absent reservation is a no-op.
	Confirm(ctx context.Context, itemID, owner string) error

	// Migrate transfers owner identity on a reservation, merging into any
	// reservation the new owner already holds. Available count is untouched.
	Migrate(ctx context.Context, itemID, fromOwner, toOwner string) error

	// ReservedTotal sums held quantities across all owners for an item.
	ReservedTotal(ctx context.Context, itemID string) (int, error)

	// ReservedFor returns owner's held quantity for an item, 0 if none.
	ReservedFor(ctx context.Context, itemID, owner string) (int, error)
}

// ============================================================================
// REDIS KEYS
// ============================================================================

func availableKey(itemID string) string {
	return "inventory:available:" + itemID
}

func reservedKey(itemID, owner string) string {
	return reservedKeyPrefix(itemID) + owner
}

func reservedKeyPrefix(itemID string) string {
	return "inventory:reserved:" + itemID + ":"
}

func ownersKey(itemID string) string {
	return "inventory:reservations:" + itemID
}

// ============================================================================
// LUA SCRIPTS
// ============================================================================

// reserveScript sets the owner's reservation to an absolute quantity.
// KEYS[1] = available key
// KEYS[2] = reserved key (this owner)
// KEYS[3] = owners set key
// ARGV[1] = quantity
// ARGV[2] = owner
//
// Returns {status, available, prior}:
//
//	{ 1, available_after, prior } = reserved OK
//	{ 0, available, prior }       = insufficient stock, nothing changed
//	{-1, 0, 0}                    = unknown item
var reserveScript = redis.NewScript(`
local available = redis.call("GET", KEYS[1])
if not available then
    return {-1, 0, 0}
end
available = tonumber(available)
local qty = tonumber(ARGV[1])
local existing = tonumber(redis.call("GET", KEYS[2]) or "0")
local net = qty - existing
if net > available then
    return {0, available, existing}
end
available = available - net
redis.call("SET", KEYS[1], available)
if qty > 0 then
    redis.call("SET", KEYS[2], qty)
    redis.call("SADD", KEYS[3], ARGV[2])
else
    redis.call("DEL", KEYS[2])
    redis.call("SREM", KEYS[3], ARGV[2])
end
return {1, available, existing}
`)

// releaseScript returns a reservation to the available count.
// KEYS[1] = available key
// KEYS[2] = reserved key (this owner)
// KEYS[3] = owners set key
// ARGV[1] = owner
//
// Returns the quantity released (0 when no reservation existed).
var releaseScript = redis.NewScript(`
local held = redis.call("GET", KEYS[2])
if not held then
    return 0
end
redis.call("INCRBY", KEYS[1], tonumber(held))
redis.call("DEL", KEYS[2])
redis.call("SREM", KEYS[3], ARGV[1])
return tonumber(held)
`)

// confirmScript drops a reservation without returning stock.
// KEYS[1] = reserved key (this owner)
// KEYS[2] = owners set key
// ARGV[1] = owner
//
// Returns the quantity consumed (0 when no reservation existed).
var confirmScript = redis.NewScript(`
local held = redis.call("GET", KEYS[1])
if not held then
    return 0
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
return tonumber(held)
`)

// migrateScript moves a reservation between owners, merging quantities.
// KEYS[1] = reserved key (from owner)
// KEYS[2] = reserved key (to owner)
// KEYS[3] = owners set key
// ARGV[1] = from owner
// ARGV[2] = to owner
//
// Returns the new owner's total after the merge (0 when nothing moved).
var migrateScript = redis.NewScript(`
local held = redis.call("GET", KEYS[1])
if not held then
    return 0
end
held = tonumber(held)
local existing = tonumber(redis.call("GET", KEYS[2]) or "0")
redis.call("SET", KEYS[2], existing + held)
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[3], ARGV[1])
redis.call("SADD", KEYS[3], ARGV[2])
return existing + held
`)

// syncScript recomputes the available count for one item from its canonical
// quantity while preserving live reservations.
// KEYS[1] = available key
// KEYS[2] = owners set key
// ARGV[1] = canonical quantity
// ARGV[2] = reserved key prefix for this item
//
// Returns {available, reserved_total}.
var syncScript = redis.NewScript(`
local canonical = tonumber(ARGV[1])
local reserved = 0
local owners = redis.call("SMEMBERS", KEYS[2])
for _, owner in ipairs(owners) do
    reserved = reserved + tonumber(redis.call("GET", ARGV[2] .. owner) or "0")
end
local available = canonical - reserved
if available < 0 then
    available = 0
end
redis.call("SET", KEYS[1], available)
return {available, reserved}
`)

// reservedTotalScript sums held quantities across owners for one item.
// KEYS[1] = owners set key
// ARGV[1] = reserved key prefix for this item
var reservedTotalScript = redis.NewScript(`
local total = 0
local owners = redis.call("SMEMBERS", KEYS[1])
for _, owner in ipairs(owners) do
    total = total + tonumber(redis.call("GET", ARGV[1] .. owner) or "0")
end
return total
`)

// ============================================================================
// REDIS INVENTORY SERVICE
// ============================================================================

// RedisInventory is the production reservation engine. State lives entirely
// in Redis; every mutation is a single Lua call so no concurrent caller can
// observe an intermediate state.
type RedisInventory struct {
	redis  *redis.Client
	logger *logrus.Logger
}

// NewRedisInventory creates the Redis-backed reservation engine.
func NewRedisInventory(client *redis.Client, logger *logrus.Logger) *RedisInventory {
	return &RedisInventory{
		redis:  client,
		logger: logger,
	}
}

// SyncFromCanonical seeds availability for every item. Items whose canonical
// stock has fallen below the live reserved total are floored at zero and
// logged as drift.
func (s *RedisInventory) SyncFromCanonical(ctx context.Context, items []models.MenuItem) error {
	for i := range items {
		item := &items[i]
		res, err := syncScript.Run(ctx, s.redis,
			[]string{availableKey(item.ItemID), ownersKey(item.ItemID)},
			item.AvailableQuantity, reservedKeyPrefix(item.ItemID),
		).Int64Slice()
		if err != nil {
			return fmt.Errorf("inventory sync for %s: %w", item.ItemID, err)
		}
		if len(res) == 2 && int(res[1]) > item.AvailableQuantity {
			s.logger.WithFields(logrus.Fields{
				"item_id":   item.ItemID,
				"canonical": item.AvailableQuantity,
				"reserved":  res[1],
			}).Warn("Inventory drift: reservations exceed canonical stock")
		}
	}
	return nil
}

func (s *RedisInventory) Available(ctx context.Context, itemID string) (int, error) {
	count, err := s.redis.Get(ctx, availableKey(itemID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("inventory available for %s: %w", itemID, err)
	}
	return count, nil
}

func (s *RedisInventory) Check(ctx context.Context, itemID string, qty int) (bool, int, error) {
	available, err := s.Available(ctx, itemID)
	if err != nil {
		return false, 0, err
	}
	return available >= qty, available, nil
}

func (s *RedisInventory) Reserve(ctx context.Context, itemID string, qty int, owner string) error {
	_, err := s.reserve(ctx, itemID, qty, owner)
	return err
}

// reserve runs the reservation script and returns the owner's prior quantity
// so batch operations can roll back precisely.
func (s *RedisInventory) reserve(ctx context.Context, itemID string, qty int, owner string) (int, error) {
	res, err := reserveScript.Run(ctx, s.redis,
		[]string{availableKey(itemID), reservedKey(itemID, owner), ownersKey(itemID)},
		qty, owner,
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("inventory reserve for %s: %w", itemID, err)
	}
	if len(res) != 3 {
		return 0, fmt.Errorf("inventory reserve for %s: unexpected script result %v", itemID, res)
	}

	switch res[0] {
	case 1:
		return int(res[2]), nil
	case 0:
		return int(res[2]), &OutOfStockError{ItemID: itemID, Available: int(res[1])}
	case -1:
		return 0, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	default:
		return 0, fmt.Errorf("inventory reserve for %s: unexpected status %d", itemID, res[0])
	}
}

// ReserveBatch reserves every line or none. Rollback restores each earlier
// line to the exact quantity the owner held before this call.
func (s *RedisInventory) ReserveBatch(ctx context.Context, lines []ReservationLine, owner string) error {
	type undo struct {
		itemID string
		prior  int
	}
	done := make([]undo, 0, len(lines))

	for _, line := range lines {
		prior, err := s.reserve(ctx, line.ItemID, line.Quantity, owner)
		if err != nil {
			for i := len(done) - 1; i >= 0; i-- {
				if _, undoErr := s.reserve(ctx, done[i].itemID, done[i].prior, owner); undoErr != nil {
					s.logger.WithFields(logrus.Fields{
						"item_id": done[i].itemID,
						"owner":   owner,
						"error":   undoErr.Error(),
					}).Error("Failed to roll back batch reservation")
				}
			}
			return err
		}
		done = append(done, undo{itemID: line.ItemID, prior: prior})
	}
	return nil
}

func (s *RedisInventory) Release(ctx context.Context, itemID, owner string) error {
	released, err := releaseScript.Run(ctx, s.redis,
		[]string{availableKey(itemID), reservedKey(itemID, owner), ownersKey(itemID)},
		owner,
	).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("inventory release for %s: %w", itemID, err)
	}
	// Callers release against cart lines, so a missing counter means the
	// books diverged somewhere. Noted and carried on.
	if err == nil && released == 0 {
		s.logger.WithFields(logrus.Fields{
			"item_id": itemID,
			"owner":   owner,
			"op":      "release",
		}).Warn("Inventory drift: no reservation counter to release")
	}
	return nil
}

func (s *RedisInventory) Confirm(ctx context.Context, itemID, owner string) error {
	consumed, err := confirmScript.Run(ctx, s.redis,
		[]string{reservedKey(itemID, owner), ownersKey(itemID)},
		owner,
	).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("inventory confirm for %s: %w", itemID, err)
	}
	if err == nil && consumed == 0 {
		s.logger.WithFields(logrus.Fields{
			"item_id": itemID,
			"owner":   owner,
			"op":      "confirm",
		}).Warn("Inventory drift: no reservation counter to confirm")
	}
	return nil
}

func (s *RedisInventory) Migrate(ctx context.Context, itemID, fromOwner, toOwner string) error {
	if fromOwner == toOwner {
		return nil
	}
	err := migrateScript.Run(ctx, s.redis,
		[]string{reservedKey(itemID, fromOwner), reservedKey(itemID, toOwner), ownersKey(itemID)},
		fromOwner, toOwner,
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("inventory migrate for %s: %w", itemID, err)
	}
	return nil
}

func (s *RedisInventory) ReservedTotal(ctx context.Context, itemID string) (int, error) {
	total, err := reservedTotalScript.Run(ctx, s.redis,
		[]string{ownersKey(itemID)},
		reservedKeyPrefix(itemID),
	).Int()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("inventory reserved total for %s: %w", itemID, err)
	}
	return total, nil
}

func (s *RedisInventory) ReservedFor(ctx context.Context, itemID, owner string) (int, error) {
	qty, err := s.redis.Get(ctx, reservedKey(itemID, owner)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("inventory reserved for %s/%s: %w", itemID, owner, err)
	}
	return qty, nil
}

// ============================================================================
// DISABLED INVENTORY
// ============================================================================

// DisabledInventory satisfies the Inventory port when stock tracking is
// switched off. Every reservation succeeds, every check reports the request
// coverable, and nothing is recorded.
type DisabledInventory struct{}

// NewDisabledInventory creates the pass-through engine.
func NewDisabledInventory() *DisabledInventory {
	return &DisabledInventory{}
}

func (DisabledInventory) SyncFromCanonical(ctx context.Context, items []models.MenuItem) error {
	return nil
}

func (DisabledInventory) Available(ctx context.Context, itemID string) (int, error) {
	return 0, nil
}

func (DisabledInventory) Check(ctx context.Context, itemID string, qty int) (bool, int, error) {
	return true, qty, nil
}

func (DisabledInventory) Reserve(ctx context.Context, itemID string, qty int, owner string) error {
	return nil
}

func (DisabledInventory) ReserveBatch(ctx context.Context, lines []ReservationLine, owner string) error {
	return nil
}

func (DisabledInventory) Release(ctx context.Context, itemID, owner string) error {
	return nil
}

func (DisabledInventory) Confirm(ctx context.Context, itemID, owner string) error {
	return nil
}

func (DisabledInventory) Migrate(ctx context.Context, itemID, fromOwner, toOwner string) error {
	return nil
}

func (DisabledInventory) ReservedTotal(ctx context.Context, itemID string) (int, error) {
	return 0, nil
}

func (DisabledInventory) ReservedFor(ctx context.Context, itemID, owner string) (int, error) {
	return 0, nil
}
