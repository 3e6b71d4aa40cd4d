package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/dineflow/chat-commerce-backend/internal/models"
)

// UserRepository handles user database operations
type UserRepository struct {
	db DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db DB) *UserRepository {
	return &UserRepository{
		db: db,
	}
}

// CreateUser creates a new user keyed by verified phone number.
func (r *UserRepository) CreateUser(phone string) (*models.User, error) {
	user := &models.User{
		ID:                  uuid.New(),
		Phone:               phone,
		DietaryRestrictions: pq.StringArray{},
		Status:              "active",
		PhoneVerified:       true, // Verified via OTP
		CreatedAt:           time.Now(),
		UpdatedAt:           time.Now(),
	}

	query := `
		INSERT INTO users (
			id, phone, dietary_restrictions, status,
			phone_verified, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Exec(
		query,
		user.ID,
		user.Phone,
		user.DietaryRestrictions,
		user.Status,
		user.PhoneVerified,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// GetUserByPhone retrieves a user by phone number
func (r *UserRepository) GetUserByPhone(phone string) (*models.User, error) {
	var user models.User

	query := `
		SELECT id, phone, email, first_name, last_name,
		       dietary_restrictions, preferences, default_order_type,
		       status, phone_verified, last_login_at,
		       created_at, updated_at
		FROM users
		WHERE phone = $1
	`

	err := r.db.Get(&user, query, phone)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found, return nil without error
		}
		return nil, fmt.Errorf("failed to get user by phone: %w", err)
	}

	return &user, nil
}

// GetUserByID retrieves a user by ID
func (r *UserRepository) GetUserByID(id uuid.UUID) (*models.User, error) {
	var user models.User

	query := `
		SELECT id, phone, email, first_name, last_name,
		       dietary_restrictions, preferences, default_order_type,
		       status, phone_verified, last_login_at,
		       created_at, updated_at
		FROM users
		WHERE id = $1
	`

	err := r.db.Get(&user, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found, return nil without error
		}
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}

	return &user, nil
}

// GetOrCreateUser gets an existing user or creates a new one. The boolean
// reports whether the user was created by this call.
func (r *UserRepository) GetOrCreateUser(phone string) (*models.User, bool, error) {
	user, err := r.GetUserByPhone(phone)
	if err != nil {
		return nil, false, err
	}

	if user != nil {
		return user, false, nil
	}

	user, err = r.CreateUser(phone)
	if err != nil {
		return nil, false, err
	}

	return user, true, nil
}

// UpdateProfile updates the user's name and email.
func (r *UserRepository) UpdateProfile(id uuid.UUID, firstName, lastName, email string) error {
	query := `
		UPDATE users
		SET first_name = $1,
		    last_name = $2,
		    email = $3,
		    updated_at = $4
		WHERE id = $5
	`

	result, err := r.db.Exec(query, firstName, lastName, email, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("user not found")
	}

	return nil
}

// UpdatePreferences replaces the user's dietary restrictions, preference
// blob, and default order type in one write.
func (r *UserRepository) UpdatePreferences(id uuid.UUID, dietary []string, preferencesJSON string, defaultOrderType string) error {
	query := `
		UPDATE users
		SET dietary_restrictions = $1,
		    preferences = $2,
		    default_order_type = $3,
		    updated_at = $4
		WHERE id = $5
	`

	var prefsVal, orderTypeVal interface{}
	if preferencesJSON != "" {
		prefsVal = preferencesJSON
	}
	if defaultOrderType != "" {
		orderTypeVal = defaultOrderType
	}

	result, err := r.db.Exec(query, pq.StringArray(dietary), prefsVal, orderTypeVal, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update preferences: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("user not found")
	}

	return nil
}

// TouchLastLogin stamps last_login_at.
func (r *UserRepository) TouchLastLogin(id uuid.UUID) error {
	query := `
		UPDATE users
		SET last_login_at = $1,
		    updated_at = $1
		WHERE id = $2
	`

	_, err := r.db.Exec(query, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}

	return nil
}

// UpdateUserStatus updates user status
func (r *UserRepository) UpdateUserStatus(id uuid.UUID, status string) error {
	validStatuses := map[string]bool{
		"active":    true,
		"inactive":  true,
		"suspended": true,
	}

	if !validStatuses[status] {
		return fmt.Errorf("invalid status: %s", status)
	}

	query := `
		UPDATE users
		SET status = $1,
		    updated_at = $2
		WHERE id = $3
	`

	result, err := r.db.Exec(query, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update user status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("user not found")
	}

	return nil
}

// CountUsers returns the total number of users
func (r *UserRepository) CountUsers() (int, error) {
	var count int

	query := `SELECT COUNT(*) FROM users`

	err := r.db.QueryRow(query).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}

	return count, nil
}
