package notify

import "time"

// Result is the gateway's answer. Gateways never return Go errors to the
// core: an undelivered message comes back with Delivered=false and a Reason.
type Result struct {
	Delivered bool   `json:"delivered"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Gateway dispatches one-time codes to customers.
type Gateway interface {
	// SendOTP delivers a verification code to the phone. validFor shapes the
	// message text only; expiry is enforced server-side.
	SendOTP(phone, code string, validFor time.Duration) Result

	// Name returns the name of the gateway implementation.
	Name() string
}
