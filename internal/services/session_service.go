package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dineflow/chat-commerce-backend/internal/config"
	"github.com/dineflow/chat-commerce-backend/internal/database"
	"github.com/dineflow/chat-commerce-backend/internal/models"
	"github.com/dineflow/chat-commerce-backend/internal/utils"
	"github.com/dineflow/chat-commerce-backend/pkg/jwt"
)

var (
	// ErrSessionInvalid indicates the presented token failed validation
	ErrSessionInvalid = errors.New("session token invalid")

	// ErrSessionRevoked indicates the token's jti is revoked or was never issued
	ErrSessionRevoked = errors.New("session token revoked")

	// ErrSessionExpired indicates the token or its ledger row has expired
	ErrSessionExpired = errors.New("session token expired")
)

// SessionService resolves the recognition tier for every request and owns
// the issue/renew/revoke lifecycle of session tokens.
//
// Tier resolution runs in priority order: a valid, unrevoked token wins
// (tier 3); failing that, a device bound to a user (tier 2); failing that,
// anonymous (tier 1) with the device registered for later binding. The
// session_tokens ledger always has precedence over the JWT itself.
type SessionService struct {
	tokens  *database.SessionTokenRepository
	devices *database.DeviceRepository
	jwt     *jwt.Service
	logger  *logrus.Logger

	// renewBelow is the remaining-lifetime threshold under which a
	// validation mints a replacement token.
	renewBelow time.Duration

	clock func() time.Time
}

// NewSessionService creates the session service.
func NewSessionService(
	tokens *database.SessionTokenRepository,
	devices *database.DeviceRepository,
	jwtService *jwt.Service,
	cfg config.SessionConfig,
	logger *logrus.Logger,
) *SessionService {
	renewBelow := time.Duration(cfg.RenewalThresholdDays) * 24 * time.Hour
	if renewBelow <= 0 {
		renewBelow = 7 * 24 * time.Hour
	}
	return &SessionService{
		tokens:     tokens,
		devices:    devices,
		jwt:        jwtService,
		logger:     logger,
		renewBelow: renewBelow,
		clock:      time.Now,
	}
}

// ============================================================================
// TIER RESOLUTION
// ============================================================================

// Resolve walks the tier ladder for one request. token and deviceID may each
// be empty; a rejected token falls through to device recognition rather than
// failing the request.
func (s *SessionService) Resolve(token, deviceID, userAgent string) (*models.ResolvedSession, error) {
	if token != "" {
		resolved, err := s.resolveAuthenticated(token, deviceID)
		if err == nil {
			return resolved, nil
		}
		if !isTierFallthrough(err) {
			return nil, err
		}
		s.logger.WithFields(logrus.Fields{
			"reason": err.Error(),
		}).Debug("Session token rejected, falling back to device recognition")
	}

	return s.resolveDevice(deviceID, userAgent)
}

// isTierFallthrough reports whether a token rejection demotes the caller to
// device recognition instead of failing the request. Infrastructure errors
// never demote.
func isTierFallthrough(err error) bool {
	return errors.Is(err, ErrSessionInvalid) ||
		errors.Is(err, ErrSessionRevoked) ||
		errors.Is(err, ErrSessionExpired)
}

// resolveAuthenticated validates the token against both the signature and
// the revocation ledger, records the usage, and fires sliding renewal when
// the token has entered its final week.
func (s *SessionService) resolveAuthenticated(token, headerDeviceID string) (*models.ResolvedSession, error) {
	claims, err := s.jwt.Validate(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrSessionExpired
		}
		return nil, ErrSessionInvalid
	}

	jti, err := claims.JTI()
	if err != nil {
		return nil, ErrSessionInvalid
	}

	row, err := s.tokens.GetByJTI(jti)
	if err != nil {
		return nil, fmt.Errorf("session ledger lookup: %w", err)
	}
	// A jti the ledger never issued is treated exactly like a revoked one.
	if row == nil || row.Revoked {
		return nil, ErrSessionRevoked
	}

	now := s.clock()
	if now.After(row.ExpiresAt) {
		return nil, ErrSessionExpired
	}

	if err := s.tokens.TouchUsage(jti); err != nil {
		// Bookkeeping must not cost the caller their session.
		s.logger.WithFields(logrus.Fields{
			"jti":   jti.String(),
			"error": err.Error(),
		}).Warn("Failed to update session usage")
	}

	deviceID := headerDeviceID
	if deviceID == "" {
		deviceID = claims.DeviceID
	}

	userID := row.UserID
	resolved := &models.ResolvedSession{
		SessionID: sessionIDFor(deviceID, jti),
		Tier:      models.TierAuthenticated,
		UserID:    &userID,
		DeviceID:  deviceID,
	}

	if row.ExpiresAt.Sub(now) < s.renewBelow {
		resolved.RenewedToken = s.renew(row, deviceID)
	}

	return resolved, nil
}

// resolveDevice handles tiers 1 and 2. An unknown device is registered on
// first sight so a later authentication can bind it.
func (s *SessionService) resolveDevice(deviceID, userAgent string) (*models.ResolvedSession, error) {
	if deviceID == "" {
		// Nothing to recognise the caller by; the session lives only as
		// long as the client keeps presenting this id.
		return &models.ResolvedSession{
			SessionID: uuid.NewString(),
			Tier:      models.TierAnonymous,
		}, nil
	}

	device, err := s.devices.GetByDeviceID(deviceID)
	if err != nil {
		return nil, fmt.Errorf("device lookup: %w", err)
	}

	if device == nil {
		info := utils.ParseUserAgent(userAgent)
		if err := s.devices.Register(deviceID, info.DeviceType, info.OS, info.Browser, userAgent); err != nil {
			// Registration failure must not block an anonymous session.
			s.logger.WithFields(logrus.Fields{
				"device_id": deviceID,
				"error":     err.Error(),
			}).Warn("Failed to register device")
		}
		return &models.ResolvedSession{
			SessionID: deviceID,
			Tier:      models.TierAnonymous,
			DeviceID:  deviceID,
		}, nil
	}

	if err := s.devices.TouchLastSeen(deviceID); err != nil {
		s.logger.WithFields(logrus.Fields{
			"device_id": deviceID,
			"error":     err.Error(),
		}).Warn("Failed to update device last seen")
	}

	if device.Bound() {
		userID := device.UserID.UUID
		return &models.ResolvedSession{
			SessionID: deviceID,
			Tier:      models.TierDevice,
			UserID:    &userID,
			DeviceID:  deviceID,
		}, nil
	}

	return &models.ResolvedSession{
		SessionID: deviceID,
		Tier:      models.TierAnonymous,
		DeviceID:  deviceID,
	}, nil
}

// sessionIDFor picks the conversation key: the device id when the client
// sent one, the token id otherwise.
func sessionIDFor(deviceID string, jti uuid.UUID) string {
	if deviceID != "" {
		return deviceID
	}
	return jti.String()
}

// ============================================================================
// TOKEN LIFECYCLE
// ============================================================================

// Establish binds the device to the user and issues a fresh session token.
// Called after a successful OTP verification.
func (s *SessionService) Establish(userID uuid.UUID, deviceID, userAgent string) (string, error) {
	if deviceID != "" {
		// Upsert first so binding works even for a first-contact device.
		info := utils.ParseUserAgent(userAgent)
		if err := s.devices.Register(deviceID, info.DeviceType, info.OS, info.Browser, userAgent); err != nil {
			return "", fmt.Errorf("register device: %w", err)
		}
		if err := s.devices.BindToUser(deviceID, userID); err != nil {
			return "", fmt.Errorf("bind device: %w", err)
		}
	}

	token, err := s.issue(userID, deviceID)
	if err != nil {
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":   userID.String(),
		"device_id": deviceID,
	}).Info("Authenticated session established")

	return token, nil
}

// issue mints a JWT and records its ledger row.
func (s *SessionService) issue(userID uuid.UUID, deviceID string) (string, error) {
	token, claims, err := s.jwt.Generate(userID, deviceID)
	if err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}

	jti, err := claims.JTI()
	if err != nil {
		return "", fmt.Errorf("parse issued jti: %w", err)
	}

	ledger := &models.SessionToken{
		JTI:       jti,
		UserID:    userID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if deviceID != "" {
		ledger.DeviceID.String = deviceID
		ledger.DeviceID.Valid = true
	}

	if err := s.tokens.Insert(ledger); err != nil {
		return "", fmt.Errorf("record session token: %w", err)
	}

	return token, nil
}

// renew mints a replacement token with a full lifetime and records it. The
// old token stays valid until its own expiry, so a replay of it inside that
// window still resolves; renewal failures only mean the caller keeps the
// old token a little longer.
func (s *SessionService) renew(row *models.SessionToken, deviceID string) string {
	token, claims, err := s.jwt.Generate(row.UserID, deviceID)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"jti":   row.JTI.String(),
			"error": err.Error(),
		}).Warn("Session renewal failed to generate token")
		return ""
	}

	jti, err := claims.JTI()
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"jti":   row.JTI.String(),
			"error": err.Error(),
		}).Warn("Session renewal produced unparsable jti")
		return ""
	}

	ledger := &models.SessionToken{
		JTI:       jti,
		UserID:    row.UserID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if deviceID != "" {
		ledger.DeviceID.String = deviceID
		ledger.DeviceID.Valid = true
	}

	if err := s.tokens.Insert(ledger); err != nil {
		s.logger.WithFields(logrus.Fields{
			"jti":   row.JTI.String(),
			"error": err.Error(),
		}).Warn("Session renewal failed to record ledger row")
		return ""
	}

	s.logger.WithFields(logrus.Fields{
		"user_id": row.UserID.String(),
		"old_jti": row.JTI.String(),
		"new_jti": jti.String(),
	}).Info("Session token renewed")

	return token
}

// Revoke withdraws the presented token. The ledger row survives (marked
// revoked) so replays keep failing for as long as the signature would
// otherwise verify.
func (s *SessionService) Revoke(token string) error {
	claims, err := s.jwt.Validate(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrSessionExpired
		}
		return ErrSessionInvalid
	}

	jti, err := claims.JTI()
	if err != nil {
		return ErrSessionInvalid
	}

	if err := s.tokens.Revoke(jti); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"jti": jti.String(),
	}).Info("Session revoked")

	return nil
}

// RevokeAllForUser withdraws every active session for a user, e.g. on a
// "log me out everywhere" request.
func (s *SessionService) RevokeAllForUser(userID uuid.UUID) error {
	if err := s.tokens.RevokeAllUserTokens(userID); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id": userID.String(),
	}).Info("All user sessions revoked")

	return nil
}

// ActiveSessionCount reports how many live sessions a user holds.
func (s *SessionService) ActiveSessionCount(userID uuid.UUID) (int, error) {
	return s.tokens.CountActiveUserTokens(userID)
}
