package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenTypeSession is the only token type the platform issues. Anything else
// in the type claim is rejected outright.
const TokenTypeSession = "session"

const issuer = "dineflow-session"

var (
	// ErrInvalidToken covers malformed tokens, bad signatures, and wrong
	// token types.
	ErrInvalidToken = errors.New("invalid session token")

	// ErrTokenExpired is returned when the token parsed fine but its exp
	// is in the past.
	ErrTokenExpired = errors.New("session token expired")
)

// Claims is the session-token claim set. The jti (RegisteredClaims.ID) keys
// the revocation ledger; the ledger row, not the signature, has the final
// word on whether a token is still good.
type Claims struct {
	UserID    uuid.UUID `json:"user_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	TokenType string    `json:"type"`
	jwt.RegisteredClaims
}

// JTI parses the registered token id claim.
func (c *Claims) JTI() (uuid.UUID, error) {
	return uuid.Parse(c.ID)
}

// Service signs and verifies session tokens with a single HS256 secret.
type Service struct {
	secret   string
	tokenTTL time.Duration
	now      func() time.Time
}

// NewService creates a new JWT service. tokenTTL is the session lifetime
// stamped into every issued token.
func NewService(secret string, tokenTTL time.Duration) *Service {
	return &Service{
		secret:   secret,
		tokenTTL: tokenTTL,
		now:      time.Now,
	}
}

// NewServiceWithClock is NewService with an injected clock so tests can pin
// issue and expiry instants.
func NewServiceWithClock(secret string, tokenTTL time.Duration, now func() time.Time) *Service {
	s := NewService(secret, tokenTTL)
	s.now = now
	return s
}

// TokenTTL returns the configured session lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}

// Generate issues a session token for the user on the given device. The
// returned claims carry the fresh jti the caller must persist in the
// revocation ledger before handing the token out.
func (s *Service) Generate(userID uuid.UUID, deviceID string) (string, *Claims, error) {
	now := s.now()
	claims := &Claims{
		UserID:    userID,
		DeviceID:  deviceID,
		TokenType: TokenTypeSession,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   userID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.secret))
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session token: %w", err)
	}

	return signed, claims, nil
}

// Validate parses and verifies a session token: signature, expiry, and token
// type. Revocation is the ledger's concern, not this package's.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.secret), nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}

	if claims.TokenType != TokenTypeSession {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrInvalidToken, claims.TokenType)
	}

	return claims, nil
}

// ExtractClaims extracts claims from a token without validation (for debugging)
func (s *Service) ExtractClaims(tokenString string) (*Claims, error) {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// GetTokenExpiry returns the expiry time of a token without validating it.
func (s *Service) GetTokenExpiry(tokenString string) (time.Time, error) {
	claims, err := s.ExtractClaims(tokenString)
	if err != nil {
		return time.Time{}, err
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("token has no expiry time")
	}

	return claims.ExpiresAt.Time, nil
}
