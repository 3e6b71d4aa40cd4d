package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// JSONB PAYLOAD TYPES
// ============================================================================

// CartSnapshot stores the cart contents captured at logout in JSONB. The
// snapshot is self-contained: restoring it never consults the live cart key,
// which has usually expired by then.
type CartSnapshot struct {
	Items         []CartItem `json:"items"`
	OrderType     string     `json:"order_type,omitempty"`
	SubtotalPaise int64      `json:"subtotal_paise"`
	SavedAt       time.Time  `json:"saved_at"`
}

// BookingSnapshot stores an in-flight draft order captured at logout in JSONB.
type BookingSnapshot struct {
	DraftID       uuid.UUID  `json:"draft_id"`
	Items         []CartItem `json:"items"`
	OrderType     string     `json:"order_type"`
	SubtotalPaise int64      `json:"subtotal_paise"`
	TaxPaise      int64      `json:"tax_paise"`
	TotalPaise    int64      `json:"total_paise"`
	SavedAt       time.Time  `json:"saved_at"`
}

// ============================================================================
// JSONB SCANNER/VALUER IMPLEMENTATIONS
// ============================================================================

func (s CartSnapshot) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *CartSnapshot) Scan(value interface{}) error {
	if value == nil {
		*s = CartSnapshot{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed for CartSnapshot")
	}
	return json.Unmarshal(bytes, s)
}

func (s BookingSnapshot) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *BookingSnapshot) Scan(value interface{}) error {
	if value == nil {
		*s = BookingSnapshot{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed for BookingSnapshot")
	}
	return json.Unmarshal(bytes, s)
}

// ============================================================================
// ABANDONED CART MODEL (abandoned_carts table)
// ============================================================================

// AbandonedCart is a logged-out user's cart, parked durably so the next login
// can offer it back. One row per user; logout upserts it. restored == true
// means every subsequent read skips the record.
type AbandonedCart struct {
	ID                uuid.UUID    `json:"id" db:"id"`
	UserID            uuid.UUID    `json:"user_id" db:"user_id"`
	DeviceID          NullString   `json:"device_id,omitempty" db:"device_id"`
	Snapshot          CartSnapshot `json:"snapshot" db:"snapshot"`
	LastStepCompleted NullString   `json:"last_step_completed,omitempty" db:"last_step_completed"`
	ExpiresAt         time.Time    `json:"expires_at" db:"expires_at"`
	Restored          bool         `json:"restored" db:"restored"`
	RestoredAt        NullTime     `json:"restored_at,omitempty" db:"restored_at"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at" db:"updated_at"`
}

// Expired reports whether the parked cart is past its restore window.
func (a *AbandonedCart) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// ============================================================================
// ABANDONED BOOKING MODEL (abandoned_bookings table)
// ============================================================================

// AbandonedBooking is a draft order parked at logout. Unlike carts it stays
// offerable for days, so a user can resume a priced order across sessions.
type AbandonedBooking struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	UserID            uuid.UUID       `json:"user_id" db:"user_id"`
	DeviceID          NullString      `json:"device_id,omitempty" db:"device_id"`
	Snapshot          BookingSnapshot `json:"snapshot" db:"snapshot"`
	LastStepCompleted NullString      `json:"last_step_completed,omitempty" db:"last_step_completed"`
	ExpiresAt         time.Time       `json:"expires_at" db:"expires_at"`
	Resumed           bool            `json:"resumed" db:"resumed"`
	ResumedAt         NullTime        `json:"resumed_at,omitempty" db:"resumed_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Expired reports whether the parked booking is past its resume window.
func (a *AbandonedBooking) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// ============================================================================
// LOGIN RECOVERY PAYLOADS
// ============================================================================

// AbandonedCartOffer is attached to a fresh login when an unrestored parked
// cart exists. Lines are pre-partitioned against live stock so the client can
// show what survives; nothing is reserved until the user explicitly restores.
type AbandonedCartOffer struct {
	AbandonedCartID uuid.UUID         `json:"abandoned_cart_id"`
	SavedAt         time.Time         `json:"saved_at"`
	Available       []CartItem        `json:"available"`
	Unavailable     []UnavailableItem `json:"unavailable"`
}

// AbandonedBookingOffer is attached to a fresh login when a resumable draft
// order exists.
type AbandonedBookingOffer struct {
	AbandonedBookingID uuid.UUID       `json:"abandoned_booking_id"`
	SavedAt            time.Time       `json:"saved_at"`
	Snapshot           BookingSnapshot `json:"snapshot"`
}

// RestoreResult reports the outcome of an explicit cart restore. Lines whose
// stock ran out between the offer and the restore are dropped, not errored.
type RestoreResult struct {
	Restored []CartItem `json:"restored"`
	Dropped  []CartItem `json:"dropped"`
	Cart     *Cart      `json:"cart"`
}
