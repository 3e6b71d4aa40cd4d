package payments

// Link statuses reported by gateways.
const (
	StatusCreated = "created"
	StatusPending = "pending"
	StatusPaid    = "paid"
	StatusExpired = "expired"
	StatusFailed  = "failed"
)

// LinkRequest describes the order a payment link is created for. Amounts are
// integer paise.
type LinkRequest struct {
	OrderID       string `json:"order_id"`
	AmountPaise   int64  `json:"amount_paise"`
	Currency      string `json:"currency"`
	Description   string `json:"description,omitempty"`
	CustomerPhone string `json:"customer_phone,omitempty"`
}

// Result is the gateway's answer. Gateways never return Go errors to the
// core: a link that could not be created comes back with StatusFailed and a
// Reason.
type Result struct {
	LinkID string `json:"link_id,omitempty"`
	URL    string `json:"url,omitempty"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Failed reports whether the gateway could not produce a usable link.
func (r Result) Failed() bool {
	return r.Status == StatusFailed
}

// Gateway creates payment links and answers status polls.
type Gateway interface {
	// CreateLink creates a hosted payment link for the order.
	CreateLink(req LinkRequest) Result

	// Status reports the current state of a previously created link.
	Status(linkID string) Result

	// Name returns the name of the gateway implementation.
	Name() string
}
