package notify

import (
	"fmt"
	"time"
)

// ConsoleGateway is the development gateway: the terminal is the delivery
// channel, so the code appears there and nowhere else. Production dispatch
// must never print a code.
type ConsoleGateway struct {
	senderID string
}

// NewConsoleGateway creates the console gateway.
func NewConsoleGateway(senderID string) *ConsoleGateway {
	if senderID == "" {
		senderID = "DineFlow"
	}
	return &ConsoleGateway{senderID: senderID}
}

func (c *ConsoleGateway) SendOTP(phone, code string, validFor time.Duration) Result {
	fmt.Printf("📱 [CONSOLE SMS] from=%s to=%s\n%s\n", c.senderID, phone, otpMessage(code, validFor))
	return Result{
		Delivered: true,
		Reference: fmt.Sprintf("console-%d", time.Now().UnixMicro()),
	}
}

func (c *ConsoleGateway) Name() string {
	return "Console SMS Gateway"
}

func otpMessage(code string, validFor time.Duration) string {
	minutes := int(validFor.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("Your DineFlow verification code is %s. Valid for %d minutes. Do not share this code with anyone.", code, minutes)
}
