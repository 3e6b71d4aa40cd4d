package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/dineflow/chat-commerce-backend/internal/models"
)

// AbandonedRepository persists the carts and draft orders parked at logout.
// One unrestored row per user per kind: logout refreshes the existing row
// instead of stacking new ones, so login always sees the latest snapshot.
type AbandonedRepository struct {
	db *sqlx.DB
}

// NewAbandonedRepository creates a new AbandonedRepository
func NewAbandonedRepository(db *sqlx.DB) *AbandonedRepository {
	return &AbandonedRepository{db: db}
}

// ============================================================================
// ABANDONED CARTS
// ============================================================================

// UpsertCart parks a cart snapshot for the user. An existing unrestored row
// is refreshed in place; otherwise a new row is inserted. Runs in a
// transaction so a concurrent login never observes the half-written state.
func (r *AbandonedRepository) UpsertCart(cart *models.AbandonedCart) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	result, err := tx.Exec(`
		UPDATE abandoned_carts
		SET snapshot = $1,
		    device_id = $2,
		    last_step_completed = $3,
		    expires_at = $4,
		    updated_at = $5
		WHERE user_id = $6 AND restored = FALSE
	`, cart.Snapshot, nullString(cart.DeviceID), nullString(cart.LastStepCompleted), cart.ExpiresAt, now, cart.UserID)
	if err != nil {
		return fmt.Errorf("failed to update abandoned cart: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		cart.ID = uuid.New()
		cart.CreatedAt = now
		_, err = tx.Exec(`
			INSERT INTO abandoned_carts (
				id, user_id, device_id, snapshot, last_step_completed,
				expires_at, restored, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $7)
		`, cart.ID, cart.UserID, nullString(cart.DeviceID), cart.Snapshot, nullString(cart.LastStepCompleted), cart.ExpiresAt, now)
		if err != nil {
			return fmt.Errorf("failed to insert abandoned cart: %w", err)
		}
	}

	cart.UpdatedAt = now
	return tx.Commit()
}

// LatestUnrestoredCart returns the user's most recent unrestored cart that is
// still inside its expiry window, or nil.
func (r *AbandonedRepository) LatestUnrestoredCart(userID uuid.UUID, now time.Time) (*models.AbandonedCart, error) {
	var cart models.AbandonedCart

	query := `
		SELECT id, user_id, device_id, snapshot, last_step_completed,
		       expires_at, restored, restored_at, created_at, updated_at
		FROM abandoned_carts
		WHERE user_id = $1 AND restored = FALSE AND expires_at > $2
		ORDER BY updated_at DESC
		LIMIT 1
	`

	err := r.db.Get(&cart, query, userID, now)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get abandoned cart: %w", err)
	}

	return &cart, nil
}

// GetCartByID fetches one parked cart regardless of state.
func (r *AbandonedRepository) GetCartByID(id uuid.UUID) (*models.AbandonedCart, error) {
	var cart models.AbandonedCart

	query := `
		SELECT id, user_id, device_id, snapshot, last_step_completed,
		       expires_at, restored, restored_at, created_at, updated_at
		FROM abandoned_carts
		WHERE id = $1
	`

	err := r.db.Get(&cart, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get abandoned cart by id: %w", err)
	}

	return &cart, nil
}

// MarkCartRestored flips the restored flag so the record is never offered
// again. Restoring an already-restored row is an error.
func (r *AbandonedRepository) MarkCartRestored(id uuid.UUID) error {
	query := `
		UPDATE abandoned_carts
		SET restored = TRUE,
		    restored_at = $1,
		    updated_at = $1
		WHERE id = $2 AND restored = FALSE
	`

	result, err := r.db.Exec(query, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark cart restored: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("abandoned cart not found or already restored")
	}

	return nil
}

// PurgeCarts deletes restored rows and rows whose window closed before the
// cutoff. Returns the number purged.
func (r *AbandonedRepository) PurgeCarts(cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM abandoned_carts
		WHERE restored = TRUE OR expires_at < $1
	`

	result, err := r.db.Exec(query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge abandoned carts: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// ============================================================================
// ABANDONED BOOKINGS
// ============================================================================

// UpsertBooking parks a draft-order snapshot, refreshing the user's existing
// unresumed row when there is one.
func (r *AbandonedRepository) UpsertBooking(booking *models.AbandonedBooking) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	result, err := tx.Exec(`
		UPDATE abandoned_bookings
		SET snapshot = $1,
		    device_id = $2,
		    last_step_completed = $3,
		    expires_at = $4,
		    updated_at = $5
		WHERE user_id = $6 AND resumed = FALSE
	`, booking.Snapshot, nullString(booking.DeviceID), nullString(booking.LastStepCompleted), booking.ExpiresAt, now, booking.UserID)
	if err != nil {
		return fmt.Errorf("failed to update abandoned booking: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		booking.ID = uuid.New()
		booking.CreatedAt = now
		_, err = tx.Exec(`
			INSERT INTO abandoned_bookings (
				id, user_id, device_id, snapshot, last_step_completed,
				expires_at, resumed, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $7)
		`, booking.ID, booking.UserID, nullString(booking.DeviceID), booking.Snapshot, nullString(booking.LastStepCompleted), booking.ExpiresAt, now)
		if err != nil {
			return fmt.Errorf("failed to insert abandoned booking: %w", err)
		}
	}

	booking.UpdatedAt = now
	return tx.Commit()
}

// LatestUnresumedBooking returns the user's most recent unresumed draft order
// saved after the given cutoff, or nil.
func (r *AbandonedRepository) LatestUnresumedBooking(userID uuid.UUID, since time.Time) (*models.AbandonedBooking, error) {
	var booking models.AbandonedBooking

	query := `
		SELECT id, user_id, device_id, snapshot, last_step_completed,
		       expires_at, resumed, resumed_at, created_at, updated_at
		FROM abandoned_bookings
		WHERE user_id = $1 AND resumed = FALSE AND updated_at > $2
		ORDER BY updated_at DESC
		LIMIT 1
	`

	err := r.db.Get(&booking, query, userID, since)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get abandoned booking: %w", err)
	}

	return &booking, nil
}

// GetBookingByID fetches one parked booking regardless of state.
func (r *AbandonedRepository) GetBookingByID(id uuid.UUID) (*models.AbandonedBooking, error) {
	var booking models.AbandonedBooking

	query := `
		SELECT id, user_id, device_id, snapshot, last_step_completed,
		       expires_at, resumed, resumed_at, created_at, updated_at
		FROM abandoned_bookings
		WHERE id = $1
	`

	err := r.db.Get(&booking, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get abandoned booking by id: %w", err)
	}

	return &booking, nil
}

// MarkBookingResumed flips the resumed flag.
func (r *AbandonedRepository) MarkBookingResumed(id uuid.UUID) error {
	query := `
		UPDATE abandoned_bookings
		SET resumed = TRUE,
		    resumed_at = $1,
		    updated_at = $1
		WHERE id = $2 AND resumed = FALSE
	`

	result, err := r.db.Exec(query, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark booking resumed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("abandoned booking not found or already resumed")
	}

	return nil
}

// PurgeBookings deletes resumed rows and rows past their window.
func (r *AbandonedRepository) PurgeBookings(cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM abandoned_bookings
		WHERE resumed = TRUE OR expires_at < $1
	`

	result, err := r.db.Exec(query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge abandoned bookings: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// nullString converts a wrapped NullString to a driver-friendly value.
func nullString(ns models.NullString) interface{} {
	if ns.Valid {
		return ns.String
	}
	return nil
}
