package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dineflow/chat-commerce-backend/internal/config"
	"github.com/dineflow/chat-commerce-backend/internal/database"
	"github.com/dineflow/chat-commerce-backend/internal/middleware"
	"github.com/dineflow/chat-commerce-backend/internal/models"
	"github.com/dineflow/chat-commerce-backend/internal/services"
	"github.com/dineflow/chat-commerce-backend/internal/utils"
	"github.com/dineflow/chat-commerce-backend/pkg/jwt"
	"github.com/dineflow/chat-commerce-backend/pkg/notify"
	"github.com/dineflow/chat-commerce-backend/pkg/validator"
)

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	otpService       *services.OTPService
	rateLimitService *services.RateLimitService
	sessionService   *services.SessionService
	userDataService  *services.UserDataService
	userRepository   *database.UserRepository
	phoneValidator   *validator.PhoneValidator
	smsGateway       notify.Gateway
	jwtService       *jwt.Service
	otpConfig        config.OTPConfig
	logger           *logrus.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(
	otpService *services.OTPService,
	rateLimitService *services.RateLimitService,
	sessionService *services.SessionService,
	userDataService *services.UserDataService,
	userRepository *database.UserRepository,
	phoneValidator *validator.PhoneValidator,
	smsGateway notify.Gateway,
	jwtService *jwt.Service,
	otpConfig config.OTPConfig,
	logger *logrus.Logger,
) *AuthHandler {
	return &AuthHandler{
		otpService:       otpService,
		rateLimitService: rateLimitService,
		sessionService:   sessionService,
		userDataService:  userDataService,
		userRepository:   userRepository,
		phoneValidator:   phoneValidator,
		smsGateway:       smsGateway,
		jwtService:       jwtService,
		otpConfig:        otpConfig,
		logger:           logger,
	}
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// RequestOTPRequest represents the request to send an OTP
type RequestOTPRequest struct {
	Phone string `json:"phone_number" binding:"required"`
}

// RequestOTPResponse represents the response after sending an OTP
type RequestOTPResponse struct {
	Message   string    `json:"message"`
	Phone     string    `json:"phone"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int       `json:"expires_in_seconds"`
}

// RequestOTP handles POST /api/v1/auth/request-otp
func (h *AuthHandler) RequestOTP(c *gin.Context) {
	var req RequestOTPRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
		})
		return
	}

	phone, err := h.phoneValidator.Validate(req.Phone)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_phone",
			Message: err.Error(),
		})
		return
	}

	clientIP := utils.GetRealIP(c)

	if err := h.rateLimitService.CheckOTPRateLimit(phone, clientIP); err != nil {
		if rateLimitErr, ok := err.(*services.RateLimitError); ok {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     rateLimitErr.Message,
				"retry_after": rateLimitErr.RetryAfter,
				"type":        rateLimitErr.Type,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "rate_limit_check_failed",
			Message: "Failed to check rate limit",
		})
		return
	}

	code, err := h.otpService.GenerateOTP(phone, clientIP)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Error("OTP generation failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "otp_generation_failed",
			Message: "Failed to generate OTP",
		})
		return
	}

	if err := h.rateLimitService.RecordOTPRequest(phone, clientIP); err != nil {
		// The OTP is already stored; a missed rate-limit row must not fail
		// the request.
		h.logger.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Warn("Failed to record OTP rate limit entry")
	}

	validFor := time.Duration(h.otpConfig.ExpiryMinutes) * time.Minute
	dispatch := h.smsGateway.SendOTP(phone, code, validFor)
	if !dispatch.Delivered {
		// The reason never contains the code.
		h.logger.WithFields(logrus.Fields{
			"gateway": h.smsGateway.Name(),
			"reason":  dispatch.Reason,
		}).Error("OTP dispatch failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "otp_dispatch_failed",
			Message: "Failed to send OTP. Please try again.",
		})
		return
	}

	expiresAt := time.Now().Add(validFor)
	c.JSON(http.StatusOK, RequestOTPResponse{
		Message:   "OTP sent successfully to your phone",
		Phone:     phone,
		ExpiresAt: expiresAt,
		ExpiresIn: int(validFor.Seconds()),
	})
}

// VerifyOTPRequest represents the request to verify an OTP
type VerifyOTPRequest struct {
	Phone string `json:"phone_number" binding:"required"`
	OTP   string `json:"otp" binding:"required"`
}

// VerifyOTPResponse carries the fresh session token plus everything the
// login hydration surfaced: profile, abandoned-cart offer, draft-order offer.
type VerifyOTPResponse struct {
	Message      string                        `json:"message"`
	SessionToken string                        `json:"session_token"`
	TokenType    string                        `json:"token_type"`
	ExpiresIn    int                           `json:"expires_in_seconds"`
	IsNewUser    bool                          `json:"is_new_user"`
	Profile      *models.UserProfilePayload    `json:"profile,omitempty"`
	CartOffer    *models.AbandonedCartOffer    `json:"cart_offer,omitempty"`
	BookingOffer *models.AbandonedBookingOffer `json:"booking_offer,omitempty"`
}

// VerifyOTP handles POST /api/v1/auth/verify-otp
func (h *AuthHandler) VerifyOTP(c *gin.Context) {
	var req VerifyOTPRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
		})
		return
	}

	phone, err := h.phoneValidator.Validate(req.Phone)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_phone",
			Message: err.Error(),
		})
		return
	}

	valid, err := h.otpService.ValidateOTP(phone, req.OTP)
	if err != nil {
		switch err {
		case services.ErrOTPExpired:
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "otp_expired",
				Message: "OTP has expired. Please request a new one.",
				Code:    "OTP_EXPIRED",
			})
		case services.ErrOTPInvalid:
			remaining, _ := h.otpService.GetRemainingAttempts(phone)
			c.Header("X-Remaining-Attempts", strconv.Itoa(remaining))
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "otp_invalid",
				Message: "Invalid OTP code",
				Code:    "OTP_INVALID",
			})
		case services.ErrMaxAttemptsExceeded:
			c.JSON(http.StatusTooManyRequests, ErrorResponse{
				Error:   "max_attempts_exceeded",
				Message: "Maximum OTP validation attempts exceeded. Please request a new OTP.",
				Code:    "MAX_ATTEMPTS",
			})
		case services.ErrNoOTPFound:
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "no_otp_found",
				Message: "No OTP found for this phone number. Please request an OTP first.",
				Code:    "NO_OTP",
			})
		case services.ErrOTPAlreadyUsed:
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "otp_already_used",
				Message: "This OTP has already been used. Please request a new one.",
				Code:    "OTP_USED",
			})
		default:
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "validation_failed",
				Message: "Failed to validate OTP",
			})
		}
		return
	}

	if !valid {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "otp_invalid",
			Message: "Invalid OTP code",
		})
		return
	}

	user, isNew, err := h.userRepository.GetOrCreateUser(phone)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Error("Failed to get or create user")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "user_creation_failed",
			Message: "Failed to get or create user",
		})
		return
	}

	deviceID := c.GetHeader(middleware.DeviceIDHeader)
	userAgent := utils.GetUserAgent(c)

	token, err := h.sessionService.Establish(user.ID, deviceID, userAgent)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"user_id": user.ID.String(),
			"error":   err.Error(),
		}).Error("Failed to establish session")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "session_establish_failed",
			Message: "Failed to establish session",
		})
		return
	}

	response := VerifyOTPResponse{
		Message:      "OTP verified successfully",
		SessionToken: token,
		TokenType:    "Bearer",
		ExpiresIn:    int(h.jwtService.TokenTTL().Seconds()),
		IsNewUser:    isNew,
	}

	// Hydrate the session cache: profile, offers, reservation migration. A
	// hydration failure costs the caller the offers, never the login.
	session := h.resolvedFor(user.ID, deviceID, token)
	data, err := h.userDataService.Login(c.Request.Context(), user, session)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"user_id": user.ID.String(),
			"error":   err.Error(),
		}).Error("Login hydration failed")
	} else if data != nil {
		response.Profile = data.Profile
		response.CartOffer = data.CartOffer
		response.BookingOffer = data.BookingOffer
	}

	c.JSON(http.StatusOK, response)
}

// resolvedFor builds the authenticated session the way the middleware would
// resolve the caller's next request: keyed by the device id when one was
// presented, by the token's jti otherwise.
func (h *AuthHandler) resolvedFor(userID uuid.UUID, deviceID, token string) *models.ResolvedSession {
	sessionID := deviceID
	if sessionID == "" {
		if claims, err := h.jwtService.ExtractClaims(token); err == nil {
			sessionID = claims.ID
		}
	}
	return &models.ResolvedSession{
		SessionID: sessionID,
		Tier:      models.TierAuthenticated,
		UserID:    &userID,
		DeviceID:  deviceID,
	}
}

// Logout handles POST /api/v1/auth/logout. Works at every tier: reservations
// are released and the session cache destroyed; the token, when one was
// presented, is revoked.
func (h *AuthHandler) Logout(c *gin.Context) {
	session := middleware.MustGetSession(c)

	if session.Authenticated() {
		authHeader := c.GetHeader("Authorization")
		if token := bearerToken(authHeader); token != "" {
			if err := h.sessionService.Revoke(token); err != nil {
				// The session state still gets torn down below.
				h.logger.WithFields(logrus.Fields{
					"error": err.Error(),
				}).Warn("Failed to revoke session token during logout")
			}
		}
	}

	if err := h.userDataService.Logout(c.Request.Context(), session); err != nil {
		h.logger.WithFields(logrus.Fields{
			"session_id": session.SessionID,
			"error":      err.Error(),
		}).Error("Logout failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "logout_failed",
			Message: "Failed to close the session",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Successfully logged out",
	})
}

// ProfileResponse represents the customer profile data
type ProfileResponse struct {
	ID                  uuid.UUID      `json:"id"`
	Phone               string         `json:"phone"`
	Email               *string        `json:"email"`
	FirstName           *string        `json:"first_name"`
	LastName            *string        `json:"last_name"`
	DietaryRestrictions []string       `json:"dietary_restrictions"`
	Preferences         map[string]any `json:"preferences,omitempty"`
	DefaultOrderType    *string        `json:"default_order_type"`
	Status              string         `json:"status"`
	PhoneVerified       bool           `json:"phone_verified"`
	LastLoginAt         *time.Time     `json:"last_login_at"`
}

// GetProfile handles GET /api/v1/auth/profile
func (h *AuthHandler) GetProfile(c *gin.Context) {
	session := middleware.MustGetSession(c)

	user, err := h.userRepository.GetUserByID(*session.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "profile_retrieval_failed",
			Message: "Failed to retrieve profile",
		})
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "user_not_found",
			Message: "User profile not found",
		})
		return
	}

	c.JSON(http.StatusOK, profileResponse(user))
}

// UpdateProfileRequest represents the request to update profile fields
type UpdateProfileRequest struct {
	FirstName string `json:"first_name" binding:"required"`
	LastName  string `json:"last_name" binding:"required"`
	Email     string `json:"email" binding:"omitempty,email"`
}

// UpdateProfile handles PUT /api/v1/auth/profile
func (h *AuthHandler) UpdateProfile(c *gin.Context) {
	session := middleware.MustGetSession(c)

	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	if err := h.userRepository.UpdateProfile(*session.UserID, req.FirstName, req.LastName, req.Email); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "profile_update_failed",
			Message: "Failed to update profile",
		})
		return
	}

	user, err := h.userRepository.GetUserByID(*session.UserID)
	if err != nil || user == nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "profile_retrieval_failed",
			Message: "Failed to retrieve updated profile",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Profile updated successfully",
		"profile": profileResponse(user),
	})
}

// UpdatePreferencesRequest represents the request to update ordering preferences
type UpdatePreferencesRequest struct {
	DietaryRestrictions []string       `json:"dietary_restrictions"`
	Preferences         map[string]any `json:"preferences"`
	DefaultOrderType    string         `json:"default_order_type"`
}

// UpdatePreferences handles PUT /api/v1/auth/preferences
func (h *AuthHandler) UpdatePreferences(c *gin.Context) {
	session := middleware.MustGetSession(c)

	var req UpdatePreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
		})
		return
	}

	if req.DefaultOrderType != "" && !models.ValidOrderType(req.DefaultOrderType) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_order_type",
			Message: "Order type must be dine_in or takeout",
		})
		return
	}

	preferencesJSON := ""
	if req.Preferences != nil {
		raw, err := json.Marshal(req.Preferences)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "validation_error",
				Message: "Preferences must be a JSON object",
			})
			return
		}
		preferencesJSON = string(raw)
	}

	if err := h.userRepository.UpdatePreferences(*session.UserID, req.DietaryRestrictions, preferencesJSON, req.DefaultOrderType); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "preferences_update_failed",
			Message: "Failed to update preferences",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Preferences updated successfully",
	})
}

// profileResponse projects a user row into the API shape, unwrapping the
// nullable columns.
func profileResponse(user *models.User) ProfileResponse {
	response := ProfileResponse{
		ID:                  user.ID,
		Phone:               user.Phone,
		DietaryRestrictions: user.DietaryRestrictions,
		Status:              user.Status,
		PhoneVerified:       user.PhoneVerified,
	}

	if user.Email.Valid {
		response.Email = &user.Email.String
	}
	if user.FirstName.Valid {
		response.FirstName = &user.FirstName.String
	}
	if user.LastName.Valid {
		response.LastName = &user.LastName.String
	}
	if user.DefaultOrderType.Valid {
		response.DefaultOrderType = &user.DefaultOrderType.String
	}
	if user.LastLoginAt.Valid {
		response.LastLoginAt = &user.LastLoginAt.Time
	}
	if user.Preferences.Valid && user.Preferences.String != "" {
		var prefs map[string]any
		if err := json.Unmarshal([]byte(user.Preferences.String), &prefs); err == nil {
			response.Preferences = prefs
		}
	}

	return response
}

// bearerToken extracts the token from an Authorization header, or "".
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
