package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPGateway dispatches messages through a token-authenticated SMS
// provider. The token is a secret and never appears in results or reasons.
type HTTPGateway struct {
	apiURL   string
	token    string
	senderID string
	client   *http.Client
}

// HTTPConfig holds configuration for the HTTP SMS gateway.
type HTTPConfig struct {
	APIURL   string
	Token    string
	SenderID string
}

// NewHTTPGateway creates an HTTP SMS gateway client.
func NewHTTPGateway(config HTTPConfig) *HTTPGateway {
	return &HTTPGateway{
		apiURL:   config.APIURL,
		token:    config.Token,
		senderID: config.SenderID,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type sendRequest struct {
	Phone    string `json:"phone"`
	Message  string `json:"message"`
	SenderID string `json:"sender_id,omitempty"`
}

type sendResponse struct {
	Status  string `json:"status"`
	Comment string `json:"comment"`
	Data    struct {
		Reference string `json:"reference"`
	} `json:"data"`
	ErrCode string `json:"errCode"`
}

func (g *HTTPGateway) SendOTP(phone, code string, validFor time.Duration) Result {
	if phone == "" {
		return Result{Reason: "empty phone number"}
	}

	body, err := json.Marshal(sendRequest{
		Phone:    phone,
		Message:  otpMessage(code, validFor),
		SenderID: g.senderID,
	})
	if err != nil {
		return Result{Reason: fmt.Sprintf("encode send request: %v", err)}
	}

	req, err := http.NewRequest(http.MethodPost, g.apiURL+"/messages", bytes.NewBuffer(body))
	if err != nil {
		return Result{Reason: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", g.token))
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{Reason: fmt.Sprintf("send request: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Reason: fmt.Sprintf("read response: %v", err)}
	}

	var parsed sendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{Reason: fmt.Sprintf("parse response (HTTP %d): %v", resp.StatusCode, err)}
	}

	if parsed.Status != "success" {
		return Result{
			Reason: fmt.Sprintf("dispatch failed: %s (error code: %s)", parsed.Comment, parsed.ErrCode),
		}
	}

	return Result{Delivered: true, Reference: parsed.Data.Reference}
}

func (g *HTTPGateway) Name() string {
	return "HTTP SMS Gateway"
}
