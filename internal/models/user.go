package models

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// NullString wraps sql.NullString to provide proper JSON marshaling
type NullString struct {
	sql.NullString
}

// MarshalJSON implements json.Marshaler
func (ns NullString) MarshalJSON() ([]byte, error) {
	if ns.Valid {
		return json.Marshal(ns.String)
	}
	return json.Marshal(nil)
}

// UnmarshalJSON implements json.Unmarshaler
func (ns *NullString) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s != nil {
		ns.Valid = true
		ns.String = *s
	} else {
		ns.Valid = false
	}
	return nil
}

// NullInt64 wraps sql.NullInt64 to provide proper JSON marshaling
type NullInt64 struct {
	sql.NullInt64
}

// MarshalJSON implements json.Marshaler
func (ni NullInt64) MarshalJSON() ([]byte, error) {
	if ni.Valid {
		return json.Marshal(ni.Int64)
	}
	return json.Marshal(nil)
}

// UnmarshalJSON implements json.Unmarshaler
func (ni *NullInt64) UnmarshalJSON(data []byte) error {
	var v *int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v != nil {
		ni.Valid = true
		ni.Int64 = *v
	} else {
		ni.Valid = false
	}
	return nil
}

// NullTime wraps sql.NullTime to provide proper JSON marshaling
type NullTime struct {
	sql.NullTime
}

// MarshalJSON implements json.Marshaler
func (nt NullTime) MarshalJSON() ([]byte, error) {
	if nt.Valid {
		return json.Marshal(nt.Time)
	}
	return json.Marshal(nil)
}

// UnmarshalJSON implements json.Unmarshaler
func (nt *NullTime) UnmarshalJSON(data []byte) error {
	var t *time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	if t != nil {
		nt.Valid = true
		nt.Time = *t
	} else {
		nt.Valid = false
	}
	return nil
}

// User represents a customer in the system
type User struct {
	ID                  uuid.UUID      `json:"id" db:"id"`
	Phone               string         `json:"phone" db:"phone"`
	Email               NullString     `json:"email,omitempty" db:"email"`
	FirstName           NullString     `json:"first_name,omitempty" db:"first_name"`
	LastName            NullString     `json:"last_name,omitempty" db:"last_name"`
	DietaryRestrictions pq.StringArray `json:"dietary_restrictions" db:"dietary_restrictions"`
	Preferences         NullString     `json:"preferences,omitempty" db:"preferences"` // JSON blob
	DefaultOrderType    NullString     `json:"default_order_type,omitempty" db:"default_order_type"`
	Status              string         `json:"status" db:"status"`
	PhoneVerified       bool           `json:"phone_verified" db:"phone_verified"`
	LastLoginAt         NullTime       `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt           time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at" db:"updated_at"`
}

// OTPVerification represents an OTP verification record
type OTPVerification struct {
	ID          int64      `json:"id" db:"id"`
	Phone       string     `json:"phone" db:"phone"`
	CodeHash    string     `json:"-" db:"code_hash"` // bcrypt hash, never expose
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at" db:"expires_at"`
	Verified    bool       `json:"verified" db:"verified"`
	VerifiedAt  NullTime   `json:"verified_at,omitempty" db:"verified_at"`
	Attempts    int        `json:"attempts" db:"attempts"`
	MaxAttempts int        `json:"max_attempts" db:"max_attempts"`
	IPAddress   NullString `json:"ip_address,omitempty" db:"ip_address"`
}

// UserProfilePayload is the session-cache projection of a user loaded at
// login: the pieces conversation flows need without touching the database.
type UserProfilePayload struct {
	UserID              uuid.UUID      `json:"user_id"`
	FirstName           string         `json:"first_name,omitempty"`
	DietaryRestrictions []string       `json:"dietary_restrictions,omitempty"`
	Preferences         map[string]any `json:"preferences,omitempty"`
	DefaultOrderType    string         `json:"default_order_type,omitempty"`
	LoadedAt            time.Time      `json:"loaded_at"`
}
