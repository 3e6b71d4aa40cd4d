package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dineflow/chat-commerce-backend/internal/config"
	"github.com/dineflow/chat-commerce-backend/internal/database"
	"github.com/dineflow/chat-commerce-backend/internal/models"
	"github.com/dineflow/chat-commerce-backend/internal/services"
	"github.com/dineflow/chat-commerce-backend/pkg/jwt"
)

func setupMiddlewareTest(t *testing.T) (*services.SessionService, *jwt.Service, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	postgresDB := &database.PostgresDB{DB: sqlxDB}

	jwtService := jwt.NewService("test-session-secret", 30*24*time.Hour)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	sessions := services.NewSessionService(
		database.NewSessionTokenRepository(postgresDB),
		database.NewDeviceRepository(postgresDB),
		jwtService,
		config.SessionConfig{TokenTTLDays: 30, RenewalThresholdDays: 7},
		logger,
	)

	cleanup := func() {
		db.Close()
	}

	return sessions, jwtService, mock, cleanup
}

func testRouter(sessions *services.SessionService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	router := gin.New()
	router.Use(SessionMiddleware(sessions, logger))
	router.GET("/whoami", func(c *gin.Context) {
		session := MustGetSession(c)
		c.JSON(http.StatusOK, gin.H{
			"session_id": session.SessionID,
			"tier":       int(session.Tier),
		})
	})
	router.GET("/me", RequireAuthenticated(), func(c *gin.Context) {
		session := MustGetSession(c)
		c.JSON(http.StatusOK, gin.H{"user_id": session.UserID})
	})
	return router
}

func sessionLedgerColumns() []string {
	return []string{"jti", "user_id", "device_id", "issued_at", "expires_at", "last_used_at", "usage_count", "revoked", "revoked_at"}
}

func deviceColumns() []string {
	return []string{"id", "device_id", "user_id", "device_type", "os", "browser", "user_agent", "first_seen", "last_seen"}
}

func TestSessionMiddleware_NoCredentialsGetsAnonymousSession(t *testing.T) {
	sessions, _, mock, cleanup := setupMiddlewareTest(t)
	defer cleanup()

	router := testRouter(sessions)

	req := httptest.NewRequest("GET", "/whoami", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tier":1`)
	assert.Contains(t, w.Body.String(), "session_id")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionMiddleware_DeviceHeaderKeysTheSession(t *testing.T) {
	sessions, _, mock, cleanup := setupMiddlewareTest(t)
	defer cleanup()

	// First sight: the device is registered for later binding.
	mock.ExpectQuery(`SELECT (.+) FROM devices`).
		WithArgs("dev-42").
		WillReturnRows(sqlmock.NewRows(deviceColumns()))
	mock.ExpectExec(`INSERT INTO devices`).
		WithArgs("dev-42", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	router := testRouter(sessions)

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set(DeviceIDHeader, "dev-42")
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"session_id":"dev-42"`)
	assert.Contains(t, w.Body.String(), `"tier":1`)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionMiddleware_BoundDeviceReachesTier2(t *testing.T) {
	sessions, _, mock, cleanup := setupMiddlewareTest(t)
	defer cleanup()

	userID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT (.+) FROM devices`).
		WithArgs("dev-42").
		WillReturnRows(sqlmock.NewRows(deviceColumns()).
			AddRow(1, "dev-42", userID, "mobile", "iOS", "Safari", "ua", now, now))
	mock.ExpectExec(`UPDATE devices`).
		WithArgs(sqlmock.AnyArg(), "dev-42").
		WillReturnResult(sqlmock.NewResult(0, 1))

	router := testRouter(sessions)

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set(DeviceIDHeader, "dev-42")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tier":2`)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionMiddleware_ValidTokenReachesTier3(t *testing.T) {
	sessions, jwtService, mock, cleanup := setupMiddlewareTest(t)
	defer cleanup()

	userID := uuid.New()
	token, claims, err := jwtService.Generate(userID, "dev-42")
	require.NoError(t, err)
	jti, err := claims.JTI()
	require.NoError(t, err)

	now := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM session_tokens`).
		WithArgs(jti).
		WillReturnRows(sqlmock.NewRows(sessionLedgerColumns()).
			AddRow(jti, userID, "dev-42", now, now.Add(30*24*time.Hour), nil, 0, false, nil))
	mock.ExpectExec(`UPDATE session_tokens`).
		WithArgs(sqlmock.AnyArg(), jti).
		WillReturnResult(sqlmock.NewResult(0, 1))

	router := testRouter(sessions)

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(DeviceIDHeader, "dev-42")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), userID.String())
	// A fresh token is nowhere near the renewal threshold.
	assert.Empty(t, w.Header().Get(RenewedTokenHeader))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionMiddleware_RenewalSurfacesInResponseHeader(t *testing.T) {
	sessions, jwtService, mock, cleanup := setupMiddlewareTest(t)
	defer cleanup()

	userID := uuid.New()
	token, claims, err := jwtService.Generate(userID, "dev-42")
	require.NoError(t, err)
	jti, err := claims.JTI()
	require.NoError(t, err)

	// The ledger row expires in three days: inside the renewal window even
	// though the JWT itself carries a longer expiry.
	now := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM session_tokens`).
		WithArgs(jti).
		WillReturnRows(sqlmock.NewRows(sessionLedgerColumns()).
			AddRow(jti, userID, "dev-42", now.Add(-27*24*time.Hour), now.Add(3*24*time.Hour), nil, 90, false, nil))
	mock.ExpectExec(`UPDATE session_tokens`).
		WithArgs(sqlmock.AnyArg(), jti).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO session_tokens`).
		WithArgs(sqlmock.AnyArg(), userID, "dev-42", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	router := testRouter(sessions)

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(DeviceIDHeader, "dev-42")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	renewed := w.Header().Get(RenewedTokenHeader)
	require.NotEmpty(t, renewed)
	assert.NotEqual(t, token, renewed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionMiddleware_MalformedAuthHeaderDemotesInsteadOfRejecting(t *testing.T) {
	sessions, _, mock, cleanup := setupMiddlewareTest(t)
	defer cleanup()

	router := testRouter(sessions)

	tests := []struct {
		name   string
		header string
	}{
		{"Missing Bearer", "some-token"},
		{"Wrong prefix", "Basic some-token"},
		{"Empty Bearer", "Bearer "},
		{"No token", "Bearer"},
		{"Garbage token", "Bearer not.a.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/whoami", nil)
			req.Header.Set("Authorization", tt.header)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			// No device header either, so the ladder bottoms out anonymous.
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), `"tier":1`)
		})
	}

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionMiddleware_LedgerFailureReturns503(t *testing.T) {
	sessions, jwtService, mock, cleanup := setupMiddlewareTest(t)
	defer cleanup()

	userID := uuid.New()
	token, claims, err := jwtService.Generate(userID, "dev-42")
	require.NoError(t, err)
	jti, err := claims.JTI()
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT (.+) FROM session_tokens`).
		WithArgs(jti).
		WillReturnError(assert.AnError)

	router := testRouter(sessions)

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "SESSION_UNAVAILABLE")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequireAuthenticated_BlocksAnonymousTier(t *testing.T) {
	sessions, _, mock, cleanup := setupMiddlewareTest(t)
	defer cleanup()

	router := testRouter(sessions)

	req := httptest.NewRequest("GET", "/me", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_REQUIRED")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequireAuthenticated_BlocksDeviceTier(t *testing.T) {
	sessions, _, mock, cleanup := setupMiddlewareTest(t)
	defer cleanup()

	userID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT (.+) FROM devices`).
		WithArgs("dev-42").
		WillReturnRows(sqlmock.NewRows(deviceColumns()).
			AddRow(1, "dev-42", userID, "mobile", "iOS", "Safari", "ua", now, now))
	mock.ExpectExec(`UPDATE devices`).
		WithArgs(sqlmock.AnyArg(), "dev-42").
		WillReturnResult(sqlmock.NewResult(0, 1))

	router := testRouter(sessions)

	// Recognised device, but recognition is not authentication.
	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set(DeviceIDHeader, "dev-42")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_REQUIRED")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequireAuthenticated_WithoutSessionMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/orphan", RequireAuthenticated(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "should not reach here"})
	})

	req := httptest.NewRequest("GET", "/orphan", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "MISSING_SESSION_CONTEXT")
}

func TestGetSession(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("Context exists", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		userID := uuid.New()
		expected := &models.ResolvedSession{
			SessionID: "dev-42",
			Tier:      models.TierAuthenticated,
			UserID:    &userID,
			DeviceID:  "dev-42",
		}
		c.Set(SessionContextKey, expected)

		session, exists := GetSession(c)
		require.True(t, exists)
		assert.Equal(t, expected, session)
	})

	t.Run("Context not found", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		session, exists := GetSession(c)
		assert.False(t, exists)
		assert.Nil(t, session)
	})

	t.Run("Context wrong type", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Set(SessionContextKey, "wrong type")
		session, exists := GetSession(c)
		assert.False(t, exists)
		assert.Nil(t, session)
	})
}

func TestMustGetSession(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("Context exists - no panic", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		expected := &models.ResolvedSession{SessionID: "dev-42", Tier: models.TierAnonymous}
		c.Set(SessionContextKey, expected)

		assert.NotPanics(t, func() {
			session := MustGetSession(c)
			assert.Equal(t, "dev-42", session.SessionID)
		})
	})

	t.Run("Context not found - panic", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		assert.Panics(t, func() {
			MustGetSession(c)
		})
	})
}
