package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
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
	"golang.org/x/crypto/bcrypt"

	"github.com/dineflow/chat-commerce-backend/internal/config"
	"github.com/dineflow/chat-commerce-backend/internal/database"
	"github.com/dineflow/chat-commerce-backend/internal/middleware"
	"github.com/dineflow/chat-commerce-backend/internal/models"
	"github.com/dineflow/chat-commerce-backend/internal/services"
	"github.com/dineflow/chat-commerce-backend/pkg/jwt"
	"github.com/dineflow/chat-commerce-backend/pkg/notify"
	"github.com/dineflow/chat-commerce-backend/pkg/validator"
)

// setupTestDB creates a mock database for testing
func setupTestDB(t *testing.T) (*database.PostgresDB, sqlmock.Sqlmock, func()) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(mockDB, "sqlmock")
	cleanup := func() { mockDB.Close() }
	return &database.PostgresDB{DB: sqlxDB}, mock, cleanup
}

func authTestOTPConfig() config.OTPConfig {
	return config.OTPConfig{
		Length:           6,
		ExpiryMinutes:    5,
		MaxAttempts:      3,
		PhonePerHour:     5,
		IPPerHour:        10,
		RateWindowMinute: 60,
	}
}

// setupAuthTestHandler wires an AuthHandler over the mock database. The SMS
// gateway is the console one, so dispatch always succeeds without a network.
func setupAuthTestHandler(db *database.PostgresDB) *AuthHandler {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	otpCfg := authTestOTPConfig()
	jwtService := jwt.NewService("test-secret", 24*time.Hour)
	otpService := services.NewOTPService(db, otpCfg, bcrypt.MinCost)
	rateLimitService := services.NewRateLimitService(db, otpCfg)
	userRepository := database.NewUserRepository(db)
	sessionTokens := database.NewSessionTokenRepository(db)
	devices := database.NewDeviceRepository(db)
	sessionService := services.NewSessionService(sessionTokens, devices, jwtService, config.SessionConfig{}, logger)
	userDataService := services.NewUserDataService(nil, userRepository, nil, nil, services.NewDisabledInventory(), config.AbandonedConfig{}, logger)
	phoneValidator := validator.NewPhoneValidator()
	smsGateway := notify.NewConsoleGateway("TestSender")

	return NewAuthHandler(
		otpService,
		rateLimitService,
		sessionService,
		userDataService,
		userRepository,
		phoneValidator,
		smsGateway,
		jwtService,
		otpCfg,
		logger,
	)
}

// setupAuthenticatedContext creates a Gin context carrying a tier-3 session,
// the way SessionMiddleware leaves it for downstream handlers.
func setupAuthenticatedContext(userID uuid.UUID) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	c.Set(middleware.SessionContextKey, &models.ResolvedSession{
		SessionID: "test-device",
		Tier:      models.TierAuthenticated,
		UserID:    &userID,
		DeviceID:  "test-device",
	})

	return c, w
}

func jsonRequest(c *gin.Context, method, path string, payload interface{}) {
	body, _ := json.Marshal(payload)
	c.Request, _ = http.NewRequest(method, path, bytes.NewBuffer(body))
	c.Request.Header.Set("Content-Type", "application/json")
}

func otpColumns() []string {
	return []string{"id", "phone", "code_hash", "created_at", "expires_at", "verified", "verified_at", "attempts", "max_attempts", "ip_address"}
}

func userColumns() []string {
	return []string{"id", "phone", "email", "first_name", "last_name", "dietary_restrictions", "preferences", "default_order_type", "status", "phone_verified", "last_login_at", "created_at", "updated_at"}
}

func TestRequestOTP_InvalidBody(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	handler := setupAuthTestHandler(db)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	jsonRequest(c, http.MethodPost, "/api/v1/auth/request-otp", map[string]string{})

	handler.RequestOTP(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "validation_error", response.Error)
}

func TestRequestOTP_InvalidPhone(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	handler := setupAuthTestHandler(db)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	jsonRequest(c, http.MethodPost, "/api/v1/auth/request-otp", RequestOTPRequest{Phone: "12345"})

	handler.RequestOTP(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "invalid_phone", response.Error)
}

func TestRequestOTP_RateLimited(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	phone := "+919876543210"

	// Phone already at its window limit.
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(phone, "phone", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count", "max"}).AddRow(5, time.Now()))

	handler := setupAuthTestHandler(db)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	jsonRequest(c, http.MethodPost, "/api/v1/auth/request-otp", RequestOTPRequest{Phone: "9876543210"})

	handler.RequestOTP(c)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "rate_limit_exceeded", response["error"])
	assert.Equal(t, "phone", response["type"])
	assert.NotEmpty(t, response["retry_after"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestOTP_Success(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	phone := "+919876543210"
	ip := "203.0.113.7"

	// Rate limit checks for phone then IP, both under the limit.
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(phone, "phone", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count", "max"}).AddRow(0, time.Now()))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(ip, "ip", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count", "max"}).AddRow(0, time.Now()))

	// Generation invalidates outstanding codes, then stores only a hash.
	mock.ExpectExec("UPDATE otp_verifications").
		WithArgs(phone).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO otp_verifications").
		WithArgs(phone, sqlmock.AnyArg(), sqlmock.AnyArg(), 3, ip).
		WillReturnResult(sqlmock.NewResult(1, 1))

	// Both rate limit entries recorded.
	mock.ExpectExec("INSERT INTO otp_rate_limits").
		WithArgs(phone, "phone").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO otp_rate_limits").
		WithArgs(ip, "ip").
		WillReturnResult(sqlmock.NewResult(1, 1))

	handler := setupAuthTestHandler(db)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	jsonRequest(c, http.MethodPost, "/api/v1/auth/request-otp", RequestOTPRequest{Phone: "98765 43210"})
	c.Request.Header.Set("X-Real-IP", ip)

	handler.RequestOTP(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var response RequestOTPResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, phone, response.Phone)
	assert.Equal(t, 300, response.ExpiresIn)
	// The plaintext code must never appear in the response.
	assert.NotContains(t, w.Body.String(), "code")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyOTP_NoOTPFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	phone := "+919876543210"

	mock.ExpectQuery("SELECT (.+) FROM otp_verifications").
		WithArgs(phone).
		WillReturnError(sql.ErrNoRows)

	handler := setupAuthTestHandler(db)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	jsonRequest(c, http.MethodPost, "/api/v1/auth/verify-otp", VerifyOTPRequest{Phone: "9876543210", OTP: "123456"})

	handler.VerifyOTP(c)

	assert.Equal(t, http.StatusNotFound, w.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "no_otp_found", response.Error)
	assert.Equal(t, "NO_OTP", response.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyOTP_WrongCode(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	phone := "+919876543210"
	hash, err := bcrypt.GenerateFromPassword([]byte("654321"), bcrypt.MinCost)
	require.NoError(t, err)

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM otp_verifications").
		WithArgs(phone).
		WillReturnRows(sqlmock.NewRows(otpColumns()).
			AddRow(int64(1), phone, string(hash), now, now.Add(5*time.Minute), false, nil, 0, 3, nil))

	// Every comparison spends an attempt, match or not.
	mock.ExpectExec("UPDATE otp_verifications").
		WithArgs(phone).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// The handler reports remaining attempts after the failure.
	mock.ExpectQuery("SELECT (.+) FROM otp_verifications").
		WithArgs(phone).
		WillReturnRows(sqlmock.NewRows(otpColumns()).
			AddRow(int64(1), phone, string(hash), now, now.Add(5*time.Minute), false, nil, 1, 3, nil))

	handler := setupAuthTestHandler(db)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	jsonRequest(c, http.MethodPost, "/api/v1/auth/verify-otp", VerifyOTPRequest{Phone: "9876543210", OTP: "111111"})

	handler.VerifyOTP(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-Remaining-Attempts"))

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "otp_invalid", response.Error)
	assert.Equal(t, "OTP_INVALID", response.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyOTP_Expired(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	phone := "+919876543210"
	hash, err := bcrypt.GenerateFromPassword([]byte("654321"), bcrypt.MinCost)
	require.NoError(t, err)

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM otp_verifications").
		WithArgs(phone).
		WillReturnRows(sqlmock.NewRows(otpColumns()).
			AddRow(int64(1), phone, string(hash), now.Add(-10*time.Minute), now.Add(-5*time.Minute), false, nil, 0, 3, nil))

	handler := setupAuthTestHandler(db)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	jsonRequest(c, http.MethodPost, "/api/v1/auth/verify-otp", VerifyOTPRequest{Phone: "9876543210", OTP: "654321"})

	handler.VerifyOTP(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "otp_expired", response.Error)
	assert.Equal(t, "OTP_EXPIRED", response.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProfile_UserNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	userID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WithArgs(userID).
		WillReturnError(sql.ErrNoRows)

	handler := setupAuthTestHandler(db)
	c, w := setupAuthenticatedContext(userID)
	c.Request, _ = http.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil)

	handler.GetProfile(c)

	assert.Equal(t, http.StatusNotFound, w.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "user_not_found", response.Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProfile_Success(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	userID := uuid.New()
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(userColumns()).AddRow(
			userID, "+919876543210", nil, "Asha", "Rao",
			[]byte(`{vegetarian,jain}`), `{"spice_level":"medium"}`, "takeout",
			"active", true, nil, now, now,
		))

	handler := setupAuthTestHandler(db)
	c, w := setupAuthenticatedContext(userID)
	c.Request, _ = http.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil)

	handler.GetProfile(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var response ProfileResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "+919876543210", response.Phone)
	require.NotNil(t, response.FirstName)
	assert.Equal(t, "Asha", *response.FirstName)
	assert.Contains(t, response.DietaryRestrictions, "vegetarian")
	assert.Equal(t, "medium", response.Preferences["spice_level"])
	require.NotNil(t, response.DefaultOrderType)
	assert.Equal(t, "takeout", *response.DefaultOrderType)
	assert.True(t, response.PhoneVerified)
	assert.Nil(t, response.Email)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProfile_MissingFields(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	handler := setupAuthTestHandler(db)
	c, w := setupAuthenticatedContext(uuid.New())

	// Missing last_name fails binding before any database work.
	jsonRequest(c, http.MethodPut, "/api/v1/auth/profile", map[string]string{
		"first_name": "Asha",
	})

	handler.UpdateProfile(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "validation_error", response.Error)
}

func TestUpdatePreferences_InvalidOrderType(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	handler := setupAuthTestHandler(db)
	c, w := setupAuthenticatedContext(uuid.New())

	jsonRequest(c, http.MethodPut, "/api/v1/auth/preferences", UpdatePreferencesRequest{
		DefaultOrderType: "delivery",
	})

	handler.UpdatePreferences(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "invalid_order_type", response.Error)
}

func TestUpdatePreferences_Success(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	userID := uuid.New()

	mock.ExpectExec("UPDATE users").
		WithArgs(sqlmock.AnyArg(), `{"spice_level":"hot"}`, "dine_in", sqlmock.AnyArg(), userID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	handler := setupAuthTestHandler(db)
	c, w := setupAuthenticatedContext(userID)

	jsonRequest(c, http.MethodPut, "/api/v1/auth/preferences", UpdatePreferencesRequest{
		DietaryRestrictions: []string{"vegan"},
		Preferences:         map[string]any{"spice_level": "hot"},
		DefaultOrderType:    "dine_in",
	})

	handler.UpdatePreferences(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
