package services

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dineflow/chat-commerce-backend/internal/config"
	"github.com/dineflow/chat-commerce-backend/internal/database"
	"github.com/dineflow/chat-commerce-backend/internal/models"
)

var (
	// ErrOTPExpired indicates the OTP has expired
	ErrOTPExpired = fmt.Errorf("OTP has expired")

	// ErrOTPInvalid indicates the OTP is incorrect
	ErrOTPInvalid = fmt.Errorf("invalid OTP code")

	// ErrMaxAttemptsExceeded indicates too many failed validation attempts
	ErrMaxAttemptsExceeded = fmt.Errorf("maximum OTP validation attempts exceeded")

	// ErrNoOTPFound indicates no OTP exists for the phone number
	ErrNoOTPFound = fmt.Errorf("no OTP found for this phone number")

	// ErrOTPAlreadyUsed indicates the OTP has already been successfully validated
	ErrOTPAlreadyUsed = fmt.Errorf("OTP has already been used")
)

// OTPService handles OTP generation and validation. Codes are stored as
// bcrypt hashes; the plaintext exists only in the generate return value and
// the SMS payload, never in a log or a row.
type OTPService struct {
	db         database.DB
	length     int
	expiry     time.Duration
	maxTries   int
	bcryptCost int
}

// NewOTPService creates a new OTP service
func NewOTPService(db database.DB, cfg config.OTPConfig, bcryptCost int) *OTPService {
	if cfg.Length <= 0 {
		cfg.Length = 6
	}
	if cfg.ExpiryMinutes <= 0 {
		cfg.ExpiryMinutes = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if bcryptCost <= 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &OTPService{
		db:         db,
		length:     cfg.Length,
		expiry:     time.Duration(cfg.ExpiryMinutes) * time.Minute,
		maxTries:   cfg.MaxAttempts,
		bcryptCost: bcryptCost,
	}
}

// GenerateOTP generates a fresh code for the phone number, invalidating any
// outstanding one, and returns the plaintext for dispatch.
func (s *OTPService) GenerateOTP(phone, ipAddress string) (string, error) {
	if err := s.InvalidateOTP(phone); err != nil {
		return "", fmt.Errorf("failed to invalidate existing OTP: %w", err)
	}

	code, err := generateRandomCode(s.length)
	if err != nil {
		return "", fmt.Errorf("failed to generate OTP: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash OTP: %w", err)
	}

	expiresAt := time.Now().Add(s.expiry)

	query := `
		INSERT INTO otp_verifications (phone, code_hash, expires_at, attempts, max_attempts, ip_address)
		VALUES ($1, $2, $3, 0, $4, $5)
	`

	var ipVal interface{}
	if ipAddress != "" {
		ipVal = ipAddress
	}

	_, err = s.db.Exec(query, phone, string(hash), expiresAt, s.maxTries, ipVal)
	if err != nil {
		return "", fmt.Errorf("failed to store OTP: %w", err)
	}

	return code, nil
}

// ValidateOTP validates a code for the given phone number.
// Returns true only when the code matches an unexpired, unconsumed record
// with attempts to spare; the record is consumed on success.
func (s *OTPService) ValidateOTP(phone, code string) (bool, error) {
	record, err := s.getOTPRecord(phone)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, ErrNoOTPFound
		}
		return false, fmt.Errorf("failed to get OTP record: %w", err)
	}

	if record.Verified {
		return false, ErrOTPAlreadyUsed
	}

	if time.Now().After(record.ExpiresAt) {
		return false, ErrOTPExpired
	}

	if record.Attempts >= record.MaxAttempts {
		return false, ErrMaxAttemptsExceeded
	}

	// Every comparison spends an attempt, match or not.
	if err := s.incrementAttempts(phone); err != nil {
		return false, fmt.Errorf("failed to increment attempts: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(record.CodeHash), []byte(code)) != nil {
		return false, ErrOTPInvalid
	}

	if err := s.markAsVerified(phone); err != nil {
		return false, fmt.Errorf("failed to mark OTP as verified: %w", err)
	}

	return true, nil
}

// InvalidateOTP consumes any outstanding codes for the phone number.
func (s *OTPService) InvalidateOTP(phone string) error {
	query := `
		UPDATE otp_verifications
		SET verified = true
		WHERE phone = $1 AND verified = false
	`

	_, err := s.db.Exec(query, phone)
	if err != nil {
		return fmt.Errorf("failed to invalidate OTP: %w", err)
	}

	return nil
}

// GetRemainingAttempts returns the number of remaining validation attempts
func (s *OTPService) GetRemainingAttempts(phone string) (int, error) {
	record, err := s.getOTPRecord(phone)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNoOTPFound
		}
		return 0, fmt.Errorf("failed to get OTP record: %w", err)
	}

	remaining := record.MaxAttempts - record.Attempts
	if remaining < 0 {
		remaining = 0
	}

	return remaining, nil
}

// CleanupExpiredOTPs removes all expired OTP records from the database
func (s *OTPService) CleanupExpiredOTPs() (int64, error) {
	query := `
		DELETE FROM otp_verifications
		WHERE expires_at < $1
	`

	result, err := s.db.Exec(query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired OTPs: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

// getOTPRecord retrieves the newest unconsumed OTP record for the phone.
func (s *OTPService) getOTPRecord(phone string) (*models.OTPVerification, error) {
	query := `
		SELECT id, phone, code_hash, created_at, expires_at, verified, verified_at, attempts, max_attempts, ip_address
		FROM otp_verifications
		WHERE phone = $1 AND verified = false
		ORDER BY created_at DESC
		LIMIT 1
	`

	var otp models.OTPVerification
	err := s.db.QueryRow(query, phone).Scan(
		&otp.ID,
		&otp.Phone,
		&otp.CodeHash,
		&otp.CreatedAt,
		&otp.ExpiresAt,
		&otp.Verified,
		&otp.VerifiedAt,
		&otp.Attempts,
		&otp.MaxAttempts,
		&otp.IPAddress,
	)

	if err != nil {
		return nil, err
	}

	return &otp, nil
}

// incrementAttempts increments the validation attempts counter
func (s *OTPService) incrementAttempts(phone string) error {
	query := `
		UPDATE otp_verifications
		SET attempts = attempts + 1
		WHERE phone = $1 AND verified = false
	`

	_, err := s.db.Exec(query, phone)
	if err != nil {
		return fmt.Errorf("failed to increment attempts: %w", err)
	}

	return nil
}

// markAsVerified marks the OTP as verified
func (s *OTPService) markAsVerified(phone string) error {
	query := `
		UPDATE otp_verifications
		SET verified = true, verified_at = $1
		WHERE phone = $2 AND verified = false
	`

	_, err := s.db.Exec(query, time.Now(), phone)
	if err != nil {
		return fmt.Errorf("failed to mark OTP as verified: %w", err)
	}

	return nil
}

// generateRandomCode generates a cryptographically secure numeric code.
func generateRandomCode(length int) (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < length; i++ {
		limit.Mul(limit, big.NewInt(10))
	}

	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%0*d", length, n.Int64()), nil
}
