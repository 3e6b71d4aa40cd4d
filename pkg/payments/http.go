package payments

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPGateway talks to a hosted payment-link provider over JSON. The token
// is a secret and never appears in results or reasons.
type HTTPGateway struct {
	apiURL string
	token  string
	client *http.Client
}

// HTTPConfig holds configuration for the HTTP payment gateway.
type HTTPConfig struct {
	APIURL string
	Token  string
}

// NewHTTPGateway creates an HTTP payment gateway client.
func NewHTTPGateway(config HTTPConfig) *HTTPGateway {
	return &HTTPGateway{
		apiURL: config.APIURL,
		token:  config.Token,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type createLinkResponse struct {
	Status  string `json:"status"`
	Comment string `json:"comment"`
	Data    struct {
		LinkID     string `json:"link_id"`
		PaymentURL string `json:"payment_url"`
		LinkStatus string `json:"link_status"`
	} `json:"data"`
	ErrCode string `json:"errCode"`
}

type statusRequest struct {
	LinkID string `json:"link_id"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Comment string `json:"comment"`
	Data    struct {
		LinkStatus string `json:"link_status"`
	} `json:"data"`
	ErrCode string `json:"errCode"`
}

func (g *HTTPGateway) CreateLink(req LinkRequest) Result {
	if req.AmountPaise <= 0 {
		return Result{Status: StatusFailed, Reason: "amount must be positive"}
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return Result{Status: StatusFailed, Reason: fmt.Sprintf("encode link request: %v", err)}
	}

	var resp createLinkResponse
	if reason := g.post("/links", jsonData, &resp); reason != "" {
		return Result{Status: StatusFailed, Reason: reason}
	}

	if resp.Status != "success" {
		return Result{
			Status: StatusFailed,
			Reason: fmt.Sprintf("link creation failed: %s (error code: %s)", resp.Comment, resp.ErrCode),
		}
	}

	status := resp.Data.LinkStatus
	if status == "" {
		status = StatusCreated
	}
	return Result{LinkID: resp.Data.LinkID, URL: resp.Data.PaymentURL, Status: status}
}

func (g *HTTPGateway) Status(linkID string) Result {
	jsonData, err := json.Marshal(statusRequest{LinkID: linkID})
	if err != nil {
		return Result{LinkID: linkID, Status: StatusFailed, Reason: fmt.Sprintf("encode status request: %v", err)}
	}

	var resp statusResponse
	if reason := g.post("/links/status", jsonData, &resp); reason != "" {
		return Result{LinkID: linkID, Status: StatusFailed, Reason: reason}
	}

	if resp.Status != "success" {
		return Result{
			LinkID: linkID,
			Status: StatusFailed,
			Reason: fmt.Sprintf("status check failed: %s (error code: %s)", resp.Comment, resp.ErrCode),
		}
	}

	return Result{LinkID: linkID, Status: resp.Data.LinkStatus}
}

// post sends a JSON body and decodes the response, returning a non-empty
// reason string on transport failure.
func (g *HTTPGateway) post(path string, body []byte, out any) string {
	url := g.apiURL + path
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Sprintf("create request: %v", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", g.token))
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Sprintf("send request: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Sprintf("read response: %v", err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Sprintf("parse response (HTTP %d): %v", resp.StatusCode, err)
	}
	return ""
}

func (g *HTTPGateway) Name() string {
	return "HTTP Payment Gateway"
}
