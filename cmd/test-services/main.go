package main

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dineflow/chat-commerce-backend/internal/config"
	"github.com/dineflow/chat-commerce-backend/internal/database"
	"github.com/dineflow/chat-commerce-backend/internal/services"
	"github.com/dineflow/chat-commerce-backend/pkg/jwt"
	"github.com/dineflow/chat-commerce-backend/pkg/validator"
)

// Manual smoke test against live infrastructure. Not part of the test
// suite; run it to sanity-check a fresh deployment's database wiring.
func main() {
	fmt.Println("🧪 DineFlow Services Integration Test")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Connect to database
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	fmt.Println("✅ Database connected")
	fmt.Println("✅ Configuration loaded")
	fmt.Println()

	// Test 1: Phone Validator
	testPhoneValidator()

	// Test 2: JWT Service
	testJWTService(cfg)

	// Test 3: OTP Service
	testOTPService(db, cfg)

	fmt.Println()
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("✅ All integration tests completed successfully!")
}

func testPhoneValidator() {
	fmt.Println("📱 Testing Phone Validator")
	fmt.Println("----------------------------")

	phoneValidator := validator.NewPhoneValidator()

	testCases := []struct {
		input    string
		expected bool
		name     string
	}{
		{"9876543210", true, "Valid 10-digit number"},
		{"98765 43210", true, "Valid with spaces"},
		{"+919876543210", true, "Valid with country code"},
		{"919876543210", true, "Valid with bare country code"},
		{"09876543210", true, "Valid with trunk zero"},
		{"6123456789", true, "Valid 6-prefix number"},
		{"5876543210", false, "Invalid prefix"},
		{"987654321", false, "Too short"},
		{"invalid", false, "Invalid format"},
	}

	passCount := 0
	for _, tc := range testCases {
		phone, err := phoneValidator.Validate(tc.input)
		isValid := err == nil

		status := "❌"
		if isValid == tc.expected {
			status = "✅"
			passCount++
		}

		if isValid {
			fmt.Printf("  %s %s: %s → %s\n", status, tc.name, tc.input, phone)
		} else {
			fmt.Printf("  %s %s: %s → %v\n", status, tc.name, tc.input, err)
		}
	}

	fmt.Println()

	// Test formatting
	formatted, _ := phoneValidator.Format("9876543210")
	fmt.Printf("  ✅ Formatting: 9876543210 → %s\n", formatted)

	fmt.Printf("\n  Result: %d/%d tests passed\n\n", passCount, len(testCases))
}

func testJWTService(cfg *config.Config) {
	fmt.Println("🔐 Testing JWT Service")
	fmt.Println("----------------------")

	jwtService := jwt.NewService(
		cfg.Session.Secret,
		time.Duration(cfg.Session.TokenTTLDays)*24*time.Hour,
	)

	userID := uuid.New()
	deviceID := "smoke-test-device"

	// Generate session token
	token, claims, err := jwtService.Generate(userID, deviceID)
	if err != nil {
		fmt.Printf("  ❌ Failed to generate session token: %v\n", err)
		return
	}
	fmt.Printf("  ✅ Session token generated (%d chars)\n", len(token))
	fmt.Printf("     JTI: %s\n", claims.ID)

	// Validate session token
	validated, err := jwtService.Validate(token)
	if err != nil {
		fmt.Printf("  ❌ Failed to validate session token: %v\n", err)
		return
	}
	fmt.Printf("  ✅ Session token validated\n")
	fmt.Printf("     - User ID: %s\n", validated.UserID)
	fmt.Printf("     - Device ID: %s\n", validated.DeviceID)
	fmt.Printf("     - Expires: %s\n", validated.ExpiresAt.Time.Format("2006-01-02 15:04:05"))

	// Expiry lookup without full validation
	expiry, err := jwtService.GetTokenExpiry(token)
	if err != nil {
		fmt.Printf("  ❌ Failed to read token expiry: %v\n", err)
		return
	}
	fmt.Printf("  ✅ Token expiry check: %.0f days remaining\n", time.Until(expiry).Hours()/24)

	fmt.Println("\n  Result: JWT service working correctly")
	fmt.Println()
}

func testOTPService(db database.DB, cfg *config.Config) {
	fmt.Println("🔢 Testing OTP Service")
	fmt.Println("----------------------")

	otpService := services.NewOTPService(db, cfg.OTP, cfg.Security.BcryptCost)
	phone := "+919876543210"

	// Generate OTP
	otp, err := otpService.GenerateOTP(phone, "127.0.0.1")
	if err != nil {
		fmt.Printf("  ❌ Failed to generate OTP: %v\n", err)
		return
	}
	fmt.Printf("  ✅ OTP generated: %s (for %s)\n", otp, phone)

	// Check remaining attempts
	remaining, err := otpService.GetRemainingAttempts(phone)
	if err != nil {
		fmt.Printf("  ❌ Failed to get remaining attempts: %v\n", err)
		return
	}
	fmt.Printf("  ✅ Remaining attempts: %d\n", remaining)

	// Test wrong OTP
	fmt.Println("\n  Testing validation scenarios:")
	valid, err := otpService.ValidateOTP(phone, "000000")
	if err == nil || valid {
		fmt.Printf("    ❌ Wrong OTP should be rejected\n")
	} else {
		fmt.Printf("    ✅ Wrong OTP rejected: %v\n", err)
	}

	// Check attempts after failure
	remaining, _ = otpService.GetRemainingAttempts(phone)
	fmt.Printf("    ✅ Remaining attempts after failure: %d\n", remaining)

	// Validate correct OTP
	valid, err = otpService.ValidateOTP(phone, otp)
	if err != nil || !valid {
		fmt.Printf("    ❌ Correct OTP should be accepted: %v\n", err)
		return
	}
	fmt.Printf("    ✅ Correct OTP accepted\n")

	// Try to reuse OTP
	valid, err = otpService.ValidateOTP(phone, otp)
	if err == nil || valid {
		fmt.Printf("    ❌ Used OTP should be rejected\n")
	} else {
		fmt.Printf("    ✅ Used OTP rejected: %v\n", err)
	}

	// Test cleanup
	deleted, err := otpService.CleanupExpiredOTPs()
	if err != nil {
		fmt.Printf("  ❌ Failed to cleanup: %v\n", err)
	} else {
		fmt.Printf("\n  ✅ Cleanup: Deleted %d expired OTPs\n", deleted)
	}

	fmt.Println("\n  Result: OTP service working correctly")
}
