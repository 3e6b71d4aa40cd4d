package validator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidLength indicates the subscriber number is not 10 digits
	ErrInvalidLength = errors.New("phone number must be exactly 10 digits")

	// ErrInvalidPrefix indicates the number doesn't start with a valid Indian mobile digit
	ErrInvalidPrefix = errors.New("phone number must start with 6, 7, 8, or 9")

	// ErrInvalidFormat indicates the number contains invalid characters
	ErrInvalidFormat = errors.New("phone number can only contain digits")

	// ErrEmptyPhone indicates the number is empty
	ErrEmptyPhone = errors.New("phone number cannot be empty")
)

// phoneRegex matches digits only
var phoneRegex = regexp.MustCompile(`^\d+$`)

// PhoneValidator normalises customer phone numbers to E.164. Indian mobile
// numbers are 10 digits starting 6-9; the canonical stored form is
// +91XXXXXXXXXX.
type PhoneValidator struct{}

// NewPhoneValidator creates a new phone validator instance
func NewPhoneValidator() *PhoneValidator {
	return &PhoneValidator{}
}

// Validate validates an Indian mobile number.
// Accepts: 9876543210, 09876543210, 919876543210, +91 98765 43210 and
// common separator variants. Returns the canonical +91XXXXXXXXXX form.
func (v *PhoneValidator) Validate(phone string) (string, error) {
	if phone == "" {
		return "", ErrEmptyPhone
	}

	sanitized := v.Sanitize(phone)

	if !phoneRegex.MatchString(sanitized) {
		return "", ErrInvalidFormat
	}

	if len(sanitized) != 10 {
		return "", ErrInvalidLength
	}

	if !v.IsValidPrefix(sanitized) {
		return "", ErrInvalidPrefix
	}

	return "+91" + sanitized, nil
}

// Sanitize strips separators and any country-code or trunk prefix, leaving
// the bare 10-digit subscriber number when the input was well formed.
func (v *PhoneValidator) Sanitize(phone string) string {
	phone = strings.ReplaceAll(phone, " ", "")
	phone = strings.ReplaceAll(phone, "-", "")
	phone = strings.ReplaceAll(phone, "(", "")
	phone = strings.ReplaceAll(phone, ")", "")
	phone = strings.ReplaceAll(phone, "+", "")
	phone = strings.ReplaceAll(phone, ".", "")

	// Country code 91, then trunk 0.
	if strings.HasPrefix(phone, "91") && len(phone) == 12 {
		phone = phone[2:]
	}
	if strings.HasPrefix(phone, "0") && len(phone) == 11 {
		phone = phone[1:]
	}

	return phone
}

// IsValidPrefix checks whether the number starts with a valid Indian mobile
// digit. Everything 6-9 allocates to mobiles; landlines start lower.
func (v *PhoneValidator) IsValidPrefix(phone string) bool {
	if len(phone) == 0 {
		return false
	}
	return phone[0] >= '6' && phone[0] <= '9'
}

// Format renders a validated number in display form: +91 XXXXX XXXXX
func (v *PhoneValidator) Format(phone string) (string, error) {
	normalized, err := v.Validate(phone)
	if err != nil {
		return "", err
	}

	subscriber := strings.TrimPrefix(normalized, "+91")
	return fmt.Sprintf("+91 %s %s", subscriber[0:5], subscriber[5:10]), nil
}

// ValidateMultiple validates multiple phone numbers at once.
// Returns a map of phone number to error (nil if valid).
func (v *PhoneValidator) ValidateMultiple(phones []string) map[string]error {
	results := make(map[string]error, len(phones))
	for _, phone := range phones {
		_, err := v.Validate(phone)
		results[phone] = err
	}
	return results
}

// IsValid is a convenience method that returns true if phone is valid
func (v *PhoneValidator) IsValid(phone string) bool {
	_, err := v.Validate(phone)
	return err == nil
}

// MustValidate validates and panics if invalid (use for testing only)
func (v *PhoneValidator) MustValidate(phone string) string {
	normalized, err := v.Validate(phone)
	if err != nil {
		panic(fmt.Sprintf("invalid phone number %s: %v", phone, err))
	}
	return normalized
}
