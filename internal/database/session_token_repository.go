package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/dineflow/chat-commerce-backend/internal/models"
)

// SessionTokenRepository is the revocation ledger for issued session JWTs.
// A token's signature proves it was ours; the ledger row decides whether it
// is still welcome. Rows are keyed by jti, so no token material is stored.
type SessionTokenRepository struct {
	db DB
}

// NewSessionTokenRepository creates a new session token repository
func NewSessionTokenRepository(db DB) *SessionTokenRepository {
	return &SessionTokenRepository{
		db: db,
	}
}

// Insert records a freshly issued token.
func (r *SessionTokenRepository) Insert(token *models.SessionToken) error {
	query := `
		INSERT INTO session_tokens (
			jti, user_id, device_id, issued_at, expires_at,
			usage_count, revoked
		) VALUES ($1, $2, $3, $4, $5, 0, FALSE)
	`

	var deviceIDVal interface{}
	if token.DeviceID.Valid {
		deviceIDVal = token.DeviceID.String
	}

	_, err := r.db.Exec(
		query,
		token.JTI,
		token.UserID,
		deviceIDVal,
		token.IssuedAt,
		token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session token: %w", err)
	}

	return nil
}

// GetByJTI retrieves the ledger row for a token id. Returns nil when the jti
// was never issued; callers treat that as revoked.
func (r *SessionTokenRepository) GetByJTI(jti uuid.UUID) (*models.SessionToken, error) {
	var token models.SessionToken

	query := `
		SELECT jti, user_id, device_id, issued_at, expires_at,
		       last_used_at, usage_count, revoked, revoked_at
		FROM session_tokens
		WHERE jti = $1
	`

	err := r.db.Get(&token, query, jti)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session token: %w", err)
	}

	return &token, nil
}

// TouchUsage updates last_used_at and bumps usage_count for a validated token.
func (r *SessionTokenRepository) TouchUsage(jti uuid.UUID) error {
	query := `
		UPDATE session_tokens
		SET last_used_at = $1,
		    usage_count = usage_count + 1
		WHERE jti = $2
	`

	_, err := r.db.Exec(query, time.Now(), jti)
	if err != nil {
		return fmt.Errorf("failed to update token usage: %w", err)
	}

	return nil
}

// Revoke marks one token revoked.
func (r *SessionTokenRepository) Revoke(jti uuid.UUID) error {
	query := `
		UPDATE session_tokens
		SET revoked = TRUE,
		    revoked_at = $1
		WHERE jti = $2 AND revoked = FALSE
	`

	result, err := r.db.Exec(query, time.Now(), jti)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("token not found or already revoked")
	}

	return nil
}

// RevokeAllUserTokens revokes every active token for a user.
func (r *SessionTokenRepository) RevokeAllUserTokens(userID uuid.UUID) error {
	query := `
		UPDATE session_tokens
		SET revoked = TRUE,
		    revoked_at = $1
		WHERE user_id = $2 AND revoked = FALSE
	`

	_, err := r.db.Exec(query, time.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to revoke all user tokens: %w", err)
	}

	return nil
}

// CountActiveUserTokens counts unrevoked, unexpired tokens for a user.
func (r *SessionTokenRepository) CountActiveUserTokens(userID uuid.UUID) (int, error) {
	var count int

	query := `
		SELECT COUNT(*)
		FROM session_tokens
		WHERE user_id = $1 AND revoked = FALSE AND expires_at > $2
	`

	err := r.db.QueryRow(query, userID, time.Now()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count user tokens: %w", err)
	}

	return count, nil
}

// CleanupExpiredTokens removes ledger rows whose tokens can no longer be
// presented. Run nightly.
func (r *SessionTokenRepository) CleanupExpiredTokens() (int64, error) {
	query := `
		DELETE FROM session_tokens
		WHERE expires_at < $1
	`

	result, err := r.db.Exec(query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired tokens: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

// CleanupRevokedTokens removes revoked rows older than the given age.
func (r *SessionTokenRepository) CleanupRevokedTokens(olderThan time.Duration) (int64, error) {
	cutoffTime := time.Now().Add(-olderThan)

	query := `
		DELETE FROM session_tokens
		WHERE revoked = TRUE AND revoked_at < $1
	`

	result, err := r.db.Exec(query, cutoffTime)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup revoked tokens: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}
