package llmpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dineflow/chat-commerce-backend/pkg/llm"
	"github.com/dineflow/chat-commerce-backend/pkg/slidingwindow"
)

// ExclusionReason explains why an account was dropped during warmup.
type ExclusionReason string

const (
	// ReasonInvalidKey means the provider rejected the account credentials.
	ReasonInvalidKey ExclusionReason = "invalid_key"

	// ReasonNoCredits means the provider's rate-limit reply indicated an
	// exhausted quota or billing problem rather than transient pressure.
	ReasonNoCredits ExclusionReason = "no_credits"
)

// creditMarkers are the substrings of a rate-limit reply that distinguish a
// dead account from one that is merely busy.
var creditMarkers = []string{"quota", "billing", "insufficient_quota", "exceeded"}

// ErrNoUsableAccounts is returned when every configured account and the
// fallback key fail the startup probe.
var ErrNoUsableAccounts = errors.New("llmpool: no usable provider accounts after validation")

// AccountSpec is the static configuration for one provider account.
type AccountSpec struct {
	ID            int
	APIKey        string
	PrimaryRPM    int
	PrimaryTPM    int
	MiniRPM       int
	MiniTPM       int
	BufferPercent int
}

// Account is a validated provider account owning one tracker per model tier.
// Immutable after pool construction.
type Account struct {
	id      int
	apiKey  string
	primary *Tracker
	mini    *Tracker
}

// ID returns the account's configuration slot number.
func (a *Account) ID() int {
	return a.id
}

// TrackerFor returns the budget tracker for the given model tier.
func (a *Account) TrackerFor(tier llm.Tier) *Tracker {
	if tier == llm.TierPrimary {
		return a.primary
	}
	return a.mini
}

// Exclusion records one account dropped during warmup.
type Exclusion struct {
	AccountID int
	Reason    ExclusionReason
}

// Options configures pool construction.
type Options struct {
	// ProbeModel is the cheapest model, used for the one-token validation
	// completion issued against every account at startup.
	ProbeModel string

	// Cooldown is the base tracker cooldown (default 60s).
	Cooldown time.Duration

	// Fallback is probed only if every configured account was excluded.
	// A zero-value spec disables the fallback.
	Fallback AccountSpec

	// Clock overrides the tracker time source (tests).
	Clock slidingwindow.Clock
}

// Pool is the validated set of provider accounts. Construction probes each
// configured account and keeps only those whose credentials and credits
// check out; the set never changes afterwards.
type Pool struct {
	accounts []*Account
	excluded []Exclusion
	logger   *logrus.Logger
}

// NewPool probes every spec and builds the pool. If all accounts are
// excluded it probes opts.Fallback; if that fails too it returns
// ErrNoUsableAccounts and startup must abort.
func NewPool(ctx context.Context, gateway llm.Gateway, specs []AccountSpec, opts Options, logger *logrus.Logger) (*Pool, error) {
	p := &Pool{logger: logger}

	for _, spec := range specs {
		ok, reason := p.probe(ctx, gateway, spec, opts.ProbeModel)
		if !ok {
			p.excluded = append(p.excluded, Exclusion{AccountID: spec.ID, Reason: reason})
			continue
		}
		p.accounts = append(p.accounts, newAccount(spec, opts))
	}

	if len(p.accounts) == 0 && opts.Fallback.APIKey != "" {
		logger.Warn("All configured accounts excluded, probing fallback key")
		if ok, reason := p.probe(ctx, gateway, opts.Fallback, opts.ProbeModel); ok {
			p.accounts = append(p.accounts, newAccount(opts.Fallback, opts))
		} else {
			p.excluded = append(p.excluded, Exclusion{AccountID: opts.Fallback.ID, Reason: reason})
		}
	}

	if len(p.accounts) == 0 {
		return nil, ErrNoUsableAccounts
	}

	logger.WithFields(logrus.Fields{
		"accounts": len(p.accounts),
		"excluded": len(p.excluded),
	}).Info("Provider account pool validated")

	return p, nil
}

// probe issues a minimal completion against the cheapest model and decides
// whether the account joins the pool. Transient failures keep the account:
// the trackers exist precisely to handle pressure at runtime.
func (p *Pool) probe(ctx context.Context, gateway llm.Gateway, spec AccountSpec, probeModel string) (bool, ExclusionReason) {
	_, err := gateway.Complete(ctx, llm.Request{
		APIKey:    spec.APIKey,
		Model:     probeModel,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	if err == nil {
		p.logger.WithField("account_id", spec.ID).Info("Account credit validation passed")
		return true, ""
	}

	if llm.IsAuth(err) {
		p.logger.WithField("account_id", spec.ID).Warn("Account excluded: provider rejected credentials")
		return false, ReasonInvalidKey
	}

	var rl *llm.RateLimitError
	if errors.As(err, &rl) {
		body := strings.ToLower(rl.Body)
		for _, marker := range creditMarkers {
			if strings.Contains(body, marker) {
				p.logger.WithFields(logrus.Fields{
					"account_id": spec.ID,
					"marker":     marker,
				}).Warn("Account excluded: provider reports exhausted credits")
				return false, ReasonNoCredits
			}
		}
		p.logger.WithField("account_id", spec.ID).Info("Account rate limited during probe, keeping (transient)")
		return true, ""
	}

	p.logger.WithField("account_id", spec.ID).WithError(err).Warn("Account probe failed with non-fatal error, keeping")
	return true, ""
}

func newAccount(spec AccountSpec, opts Options) *Account {
	return &Account{
		id:      spec.ID,
		apiKey:  spec.APIKey,
		primary: NewTracker(llm.TierPrimary, spec.PrimaryRPM, spec.PrimaryTPM, spec.BufferPercent, opts.Cooldown, opts.Clock),
		mini:    NewTracker(llm.TierMini, spec.MiniRPM, spec.MiniTPM, spec.BufferPercent, opts.Cooldown, opts.Clock),
	}
}

// Accounts returns the validated accounts in configuration order.
func (p *Pool) Accounts() []*Account {
	return p.accounts
}

// Len returns the number of validated accounts.
func (p *Pool) Len() int {
	return len(p.accounts)
}

// Excluded returns the accounts dropped at warmup and why.
func (p *Pool) Excluded() []Exclusion {
	return p.excluded
}

// AccountUsage pairs an account with its tracker snapshot for one tier.
type AccountUsage struct {
	AccountID int   `json:"account_id"`
	Usage     Usage `json:"usage"`
}

// UsageSnapshot reports every account's utilization for the given tier.
func (p *Pool) UsageSnapshot(tier llm.Tier) []AccountUsage {
	snapshot := make([]AccountUsage, 0, len(p.accounts))
	for _, acct := range p.accounts {
		snapshot = append(snapshot, AccountUsage{
			AccountID: acct.id,
			Usage:     acct.TrackerFor(tier).Usage(),
		})
	}
	return snapshot
}

// String implements fmt.Stringer without exposing key material.
func (p *Pool) String() string {
	return fmt.Sprintf("llmpool.Pool(accounts=%d, excluded=%d)", len(p.accounts), len(p.excluded))
}
