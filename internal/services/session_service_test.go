package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dineflow/chat-commerce-backend/internal/config"
	"github.com/dineflow/chat-commerce-backend/internal/database"
	"github.com/dineflow/chat-commerce-backend/internal/models"
	"github.com/dineflow/chat-commerce-backend/pkg/jwt"
)

// testClock lets a test move both the JWT service and the session service
// through time together.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func setupSessionTest(t *testing.T) (*SessionService, *jwt.Service, sqlmock.Sqlmock, *testClock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	postgresDB := &database.PostgresDB{DB: sqlxDB}

	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	jwtService := jwt.NewServiceWithClock("test-session-secret", 30*24*time.Hour, clock.Now)

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	service := NewSessionService(
		database.NewSessionTokenRepository(postgresDB),
		database.NewDeviceRepository(postgresDB),
		jwtService,
		config.SessionConfig{TokenTTLDays: 30, RenewalThresholdDays: 7},
		logger,
	)
	service.clock = clock.Now

	cleanup := func() {
		db.Close()
	}

	return service, jwtService, mock, clock, cleanup
}

func sessionLedgerColumns() []string {
	return []string{"jti", "user_id", "device_id", "issued_at", "expires_at", "last_used_at", "usage_count", "revoked", "revoked_at"}
}

func deviceColumns() []string {
	return []string{"id", "device_id", "user_id", "device_type", "os", "browser", "user_agent", "first_seen", "last_seen"}
}

func TestResolve_ValidTokenReachesTier3(t *testing.T) {
	service, jwtService, mock, clock, cleanup := setupSessionTest(t)
	defer cleanup()

	userID := uuid.New()
	issuedAt := clock.now
	expiresAt := issuedAt.Add(30 * 24 * time.Hour)

	token, claims, err := jwtService.Generate(userID, "dev-100")
	require.NoError(t, err)
	jti, err := claims.JTI()
	require.NoError(t, err)

	// One day in: nowhere near the renewal threshold.
	clock.now = issuedAt.Add(24 * time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM session_tokens").
		WithArgs(jti).
		WillReturnRows(sqlmock.NewRows(sessionLedgerColumns()).
			AddRow(jti, userID, "dev-100", issuedAt, expiresAt, nil, 4, false, nil))

	mock.ExpectExec("UPDATE session_tokens").
		WithArgs(sqlmock.AnyArg(), jti).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resolved, err := service.Resolve(token, "dev-100", "")
	require.NoError(t, err)

	assert.Equal(t, models.TierAuthenticated, resolved.Tier)
	require.NotNil(t, resolved.UserID)
	assert.Equal(t, userID, *resolved.UserID)
	assert.Equal(t, "dev-100", resolved.DeviceID)
	assert.Equal(t, "dev-100", resolved.SessionID)
	assert.Empty(t, resolved.RenewedToken)

	// Reservations belong to the user above the anonymous tiers.
	assert.Equal(t, userID.String(), resolved.ReservationOwner())
	assert.True(t, resolved.Authenticated())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_SlidingRenewalKeepsOldTokenAlive(t *testing.T) {
	service, jwtService, mock, clock, cleanup := setupSessionTest(t)
	defer cleanup()

	userID := uuid.New()
	issuedAt := clock.now
	expiresAt := issuedAt.Add(30 * 24 * time.Hour)

	original, claims, err := jwtService.Generate(userID, "dev-100")
	require.NoError(t, err)
	jti, err := claims.JTI()
	require.NoError(t, err)

	// Day 24: six days of lifetime left, under the seven-day threshold.
	clock.now = issuedAt.Add(24 * 24 * time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM session_tokens").
		WithArgs(jti).
		WillReturnRows(sqlmock.NewRows(sessionLedgerColumns()).
			AddRow(jti, userID, "dev-100", issuedAt, expiresAt, nil, 12, false, nil))
	mock.ExpectExec("UPDATE session_tokens").
		WithArgs(sqlmock.AnyArg(), jti).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO session_tokens").
		WithArgs(sqlmock.AnyArg(), userID, "dev-100", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	resolved, err := service.Resolve(original, "dev-100", "")
	require.NoError(t, err)
	assert.Equal(t, models.TierAuthenticated, resolved.Tier)
	require.NotEmpty(t, resolved.RenewedToken)
	assert.NotEqual(t, original, resolved.RenewedToken)

	// The replacement runs a full thirty days from the renewal moment.
	renewedClaims, err := jwtService.Validate(resolved.RenewedToken)
	require.NoError(t, err)
	assert.Equal(t, clock.now.Add(30*24*time.Hour).Unix(), renewedClaims.ExpiresAt.Time.Unix())

	// Day 29: the original token is inside its own lifetime and must keep
	// validating even though a replacement exists.
	clock.now = issuedAt.Add(29 * 24 * time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM session_tokens").
		WithArgs(jti).
		WillReturnRows(sqlmock.NewRows(sessionLedgerColumns()).
			AddRow(jti, userID, "dev-100", issuedAt, expiresAt, nil, 13, false, nil))
	mock.ExpectExec("UPDATE session_tokens").
		WithArgs(sqlmock.AnyArg(), jti).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// With one day left the replay renews again.
	mock.ExpectExec("INSERT INTO session_tokens").
		WithArgs(sqlmock.AnyArg(), userID, "dev-100", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))

	replay, err := service.Resolve(original, "dev-100", "")
	require.NoError(t, err)
	assert.Equal(t, models.TierAuthenticated, replay.Tier)
	assert.NotEmpty(t, replay.RenewedToken)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_RenewalThresholdBoundary(t *testing.T) {
	t.Run("Exactly Seven Days Left Does Not Renew", func(t *testing.T) {
		service, jwtService, mock, clock, cleanup := setupSessionTest(t)
		defer cleanup()

		userID := uuid.New()
		issuedAt := clock.now
		expiresAt := issuedAt.Add(30 * 24 * time.Hour)

		token, claims, err := jwtService.Generate(userID, "dev-1")
		require.NoError(t, err)
		jti, err := claims.JTI()
		require.NoError(t, err)

		clock.now = issuedAt.Add(23 * 24 * time.Hour)

		mock.ExpectQuery("SELECT (.+) FROM session_tokens").
			WithArgs(jti).
			WillReturnRows(sqlmock.NewRows(sessionLedgerColumns()).
				AddRow(jti, userID, "dev-1", issuedAt, expiresAt, nil, 0, false, nil))
		mock.ExpectExec("UPDATE session_tokens").
			WithArgs(sqlmock.AnyArg(), jti).
			WillReturnResult(sqlmock.NewResult(0, 1))

		resolved, err := service.Resolve(token, "dev-1", "")
		require.NoError(t, err)
		assert.Empty(t, resolved.RenewedToken)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("One Hour Under The Threshold Renews", func(t *testing.T) {
		service, jwtService, mock, clock, cleanup := setupSessionTest(t)
		defer cleanup()

		userID := uuid.New()
		issuedAt := clock.now
		expiresAt := issuedAt.Add(30 * 24 * time.Hour)

		token, claims, err := jwtService.Generate(userID, "dev-1")
		require.NoError(t, err)
		jti, err := claims.JTI()
		require.NoError(t, err)

		clock.now = issuedAt.Add(23*24*time.Hour + time.Hour)

		mock.ExpectQuery("SELECT (.+) FROM session_tokens").
			WithArgs(jti).
			WillReturnRows(sqlmock.NewRows(sessionLedgerColumns()).
				AddRow(jti, userID, "dev-1", issuedAt, expiresAt, nil, 0, false, nil))
		mock.ExpectExec("UPDATE session_tokens").
			WithArgs(sqlmock.AnyArg(), jti).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO session_tokens").
			WithArgs(sqlmock.AnyArg(), userID, "dev-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		resolved, err := service.Resolve(token, "dev-1", "")
		require.NoError(t, err)
		assert.NotEmpty(t, resolved.RenewedToken)

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestResolve_RevokedLedgerRowOverridesValidSignature(t *testing.T) {
	service, jwtService, mock, clock, cleanup := setupSessionTest(t)
	defer cleanup()

	userID := uuid.New()
	boundUserID := uuid.New()
	issuedAt := clock.now
	expiresAt := issuedAt.Add(30 * 24 * time.Hour)

	token, claims, err := jwtService.Generate(userID, "dev-100")
	require.NoError(t, err)
	jti, err := claims.JTI()
	require.NoError(t, err)

	clock.now = issuedAt.Add(24 * time.Hour)

	// The signature still verifies; the ledger says revoked.
	mock.ExpectQuery("SELECT (.+) FROM session_tokens").
		WithArgs(jti).
		WillReturnRows(sqlmock.NewRows(sessionLedgerColumns()).
			AddRow(jti, userID, "dev-100", issuedAt, expiresAt, nil, 9, true, issuedAt.Add(time.Hour)))

	// Fall through lands on device recognition: the device is bound.
	mock.ExpectQuery("SELECT (.+) FROM devices").
		WithArgs("dev-100").
		WillReturnRows(sqlmock.NewRows(deviceColumns()).
			AddRow(1, "dev-100", boundUserID, "mobile", "iOS 17", "Safari", "Mozilla/5.0", issuedAt, issuedAt))
	mock.ExpectExec("UPDATE devices").
		WithArgs(sqlmock.AnyArg(), "dev-100").
		WillReturnResult(sqlmock.NewResult(0, 1))

	resolved, err := service.Resolve(token, "dev-100", "Mozilla/5.0")
	require.NoError(t, err)

	assert.Equal(t, models.TierDevice, resolved.Tier)
	require.NotNil(t, resolved.UserID)
	assert.Equal(t, boundUserID, *resolved.UserID)
	assert.False(t, resolved.Authenticated())
	// Below tier 3, holds stay keyed by the session.
	assert.Equal(t, "dev-100", resolved.ReservationOwner())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_UnknownJTITreatedAsRevoked(t *testing.T) {
	service, jwtService, mock, clock, cleanup := setupSessionTest(t)
	defer cleanup()

	userID := uuid.New()
	token, claims, err := jwtService.Generate(userID, "")
	require.NoError(t, err)
	jti, err := claims.JTI()
	require.NoError(t, err)

	clock.now = clock.now.Add(time.Hour)

	// Ledger has no row for this jti: never issued by us, or purged.
	mock.ExpectQuery("SELECT (.+) FROM session_tokens").
		WithArgs(jti).
		WillReturnRows(sqlmock.NewRows(sessionLedgerColumns()))

	resolved, err := service.Resolve(token, "", "")
	require.NoError(t, err)

	assert.Equal(t, models.TierAnonymous, resolved.Tier)
	assert.Nil(t, resolved.UserID)
	assert.NotEmpty(t, resolved.SessionID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_LedgerExpiryOverridesTokenExpiry(t *testing.T) {
	service, jwtService, mock, clock, cleanup := setupSessionTest(t)
	defer cleanup()

	userID := uuid.New()
	issuedAt := clock.now

	token, claims, err := jwtService.Generate(userID, "")
	require.NoError(t, err)
	jti, err := claims.JTI()
	require.NoError(t, err)

	clock.now = issuedAt.Add(2 * time.Hour)

	// The JWT itself would run for thirty days, but the ledger row was cut
	// short. The row wins.
	mock.ExpectQuery("SELECT (.+) FROM session_tokens").
		WithArgs(jti).
		WillReturnRows(sqlmock.NewRows(sessionLedgerColumns()).
			AddRow(jti, userID, nil, issuedAt, issuedAt.Add(time.Hour), nil, 2, false, nil))

	resolved, err := service.Resolve(token, "", "")
	require.NoError(t, err)

	assert.Equal(t, models.TierAnonymous, resolved.Tier)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_GarbageTokenFallsThrough(t *testing.T) {
	service, _, mock, _, cleanup := setupSessionTest(t)
	defer cleanup()

	resolved, err := service.Resolve("not-a-real-token", "", "")
	require.NoError(t, err)

	assert.Equal(t, models.TierAnonymous, resolved.Tier)
	// With no device either, the session id is minted fresh.
	_, parseErr := uuid.Parse(resolved.SessionID)
	assert.NoError(t, parseErr)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_BoundDeviceReachesTier2(t *testing.T) {
	service, _, mock, clock, cleanup := setupSessionTest(t)
	defer cleanup()

	userID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM devices").
		WithArgs("dev-55").
		WillReturnRows(sqlmock.NewRows(deviceColumns()).
			AddRow(3, "dev-55", userID, "desktop", "Windows 11", "Chrome", "Mozilla/5.0", clock.now, clock.now))
	mock.ExpectExec("UPDATE devices").
		WithArgs(sqlmock.AnyArg(), "dev-55").
		WillReturnResult(sqlmock.NewResult(0, 1))

	resolved, err := service.Resolve("", "dev-55", "Mozilla/5.0")
	require.NoError(t, err)

	assert.Equal(t, models.TierDevice, resolved.Tier)
	require.NotNil(t, resolved.UserID)
	assert.Equal(t, userID, *resolved.UserID)
	assert.Equal(t, "dev-55", resolved.SessionID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_UnboundDeviceStaysTier1(t *testing.T) {
	service, _, mock, clock, cleanup := setupSessionTest(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM devices").
		WithArgs("dev-55").
		WillReturnRows(sqlmock.NewRows(deviceColumns()).
			AddRow(3, "dev-55", nil, "desktop", "Windows 11", "Chrome", "Mozilla/5.0", clock.now, clock.now))
	mock.ExpectExec("UPDATE devices").
		WithArgs(sqlmock.AnyArg(), "dev-55").
		WillReturnResult(sqlmock.NewResult(0, 1))

	resolved, err := service.Resolve("", "dev-55", "Mozilla/5.0")
	require.NoError(t, err)

	assert.Equal(t, models.TierAnonymous, resolved.Tier)
	assert.Nil(t, resolved.UserID)
	assert.Equal(t, "dev-55", resolved.SessionID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_UnknownDeviceRegisteredForLaterBinding(t *testing.T) {
	service, _, mock, _, cleanup := setupSessionTest(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM devices").
		WithArgs("dev-new").
		WillReturnRows(sqlmock.NewRows(deviceColumns()))

	mock.ExpectExec("INSERT INTO devices").
		WithArgs("dev-new", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	resolved, err := service.Resolve("", "dev-new", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)")
	require.NoError(t, err)

	assert.Equal(t, models.TierAnonymous, resolved.Tier)
	assert.Equal(t, "dev-new", resolved.SessionID)
	assert.Equal(t, "dev-new", resolved.DeviceID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEstablish_BindsDeviceAndIssuesToken(t *testing.T) {
	service, jwtService, mock, _, cleanup := setupSessionTest(t)
	defer cleanup()

	userID := uuid.New()
	ua := "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)"

	mock.ExpectExec("INSERT INTO devices").
		WithArgs("dev-7", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), ua, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE devices").
		WithArgs(userID, sqlmock.AnyArg(), "dev-7").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO session_tokens").
		WithArgs(sqlmock.AnyArg(), userID, "dev-7", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	token, err := service.Establish(userID, "dev-7", ua)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := jwtService.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "dev-7", claims.DeviceID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEstablish_WithoutDeviceStillIssues(t *testing.T) {
	service, jwtService, mock, _, cleanup := setupSessionTest(t)
	defer cleanup()

	userID := uuid.New()

	mock.ExpectExec("INSERT INTO session_tokens").
		WithArgs(sqlmock.AnyArg(), userID, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	token, err := service.Establish(userID, "", "")
	require.NoError(t, err)

	claims, err := jwtService.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Empty(t, claims.DeviceID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeSession(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		service, jwtService, mock, _, cleanup := setupSessionTest(t)
		defer cleanup()

		token, claims, err := jwtService.Generate(uuid.New(), "")
		require.NoError(t, err)
		jti, err := claims.JTI()
		require.NoError(t, err)

		mock.ExpectExec("UPDATE session_tokens").
			WithArgs(sqlmock.AnyArg(), jti).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err = service.Revoke(token)
		require.NoError(t, err)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Already Revoked", func(t *testing.T) {
		service, jwtService, mock, _, cleanup := setupSessionTest(t)
		defer cleanup()

		token, claims, err := jwtService.Generate(uuid.New(), "")
		require.NoError(t, err)
		jti, err := claims.JTI()
		require.NoError(t, err)

		mock.ExpectExec("UPDATE session_tokens").
			WithArgs(sqlmock.AnyArg(), jti).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err = service.Revoke(token)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already revoked")

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Garbage Token", func(t *testing.T) {
		service, _, _, _, cleanup := setupSessionTest(t)
		defer cleanup()

		err := service.Revoke("garbage")
		assert.ErrorIs(t, err, ErrSessionInvalid)
	})
}

func TestRevokeAllForUser(t *testing.T) {
	service, _, mock, _, cleanup := setupSessionTest(t)
	defer cleanup()

	userID := uuid.New()

	mock.ExpectExec("UPDATE session_tokens").
		WithArgs(sqlmock.AnyArg(), userID).
		WillReturnResult(sqlmock.NewResult(0, 3))

	err := service.RevokeAllForUser(userID)
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}
