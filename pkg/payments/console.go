package payments

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ConsoleGateway is the development gateway: it prints the link it would
// have created and reports every issued link as paid, so the post-payment
// path can be exercised without a wire adapter.
type ConsoleGateway struct {
	baseURL string

	mu    sync.RWMutex
	links map[string]LinkRequest
}

// NewConsoleGateway creates the console gateway. baseURL is only used to
// shape the printed link; empty picks a dev placeholder.
func NewConsoleGateway(baseURL string) *ConsoleGateway {
	if baseURL == "" {
		baseURL = "https://pay.dineflow.dev"
	}
	return &ConsoleGateway{
		baseURL: baseURL,
		links:   make(map[string]LinkRequest),
	}
}

func (c *ConsoleGateway) CreateLink(req LinkRequest) Result {
	if req.AmountPaise <= 0 {
		return Result{Status: StatusFailed, Reason: "amount must be positive"}
	}

	linkID := "plink_" + uuid.NewString()[:8]
	url := fmt.Sprintf("%s/%s", c.baseURL, linkID)

	c.mu.Lock()
	c.links[linkID] = req
	c.mu.Unlock()

	fmt.Printf("💳 [CONSOLE PAYMENT] order=%s amount=%d %s link=%s\n",
		req.OrderID, req.AmountPaise, req.Currency, url)

	return Result{LinkID: linkID, URL: url, Status: StatusCreated}
}

func (c *ConsoleGateway) Status(linkID string) Result {
	c.mu.RLock()
	_, ok := c.links[linkID]
	c.mu.RUnlock()

	if !ok {
		return Result{LinkID: linkID, Status: StatusFailed, Reason: "unknown link"}
	}
	return Result{LinkID: linkID, Status: StatusPaid}
}

func (c *ConsoleGateway) Name() string {
	return "Console Payment Gateway"
}
