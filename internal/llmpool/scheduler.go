package llmpool

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dineflow/chat-commerce-backend/pkg/llm"
	"github.com/dineflow/chat-commerce-backend/pkg/slidingwindow"
)

// estimateFloor is the minimum token charge for any request.
const estimateFloor = 100

// CapacityError is raised when no account can absorb a request before the
// retry deadline. Snapshot carries every account's utilization at the moment
// of failure so operators can see which budget is pinning the pool.
type CapacityError struct {
	Tier     llm.Tier
	Snapshot []AccountUsage
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("llmpool: capacity exhausted for %s tier across %d accounts", e.Tier, len(e.Snapshot))
}

// ParseError is raised when a structured-output response cannot be decoded
// into the caller's schema. The provider call itself succeeded (and was
// charged); callers supply their own fallback.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("llmpool: structured response did not match schema: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// SchedulerConfig holds scheduling knobs.
type SchedulerConfig struct {
	PrimaryModel string
	MiniModel    string

	// RetryTimeout bounds how long a caller is parked waiting for capacity
	// (default 30s). PollInterval is the pause between scans (default 5s).
	RetryTimeout time.Duration
	PollInterval time.Duration
}

// Scheduler hands each request to the first account that can absorb it,
// scanning round-robin from a shared cursor. Callers that find no capacity
// are parked and re-scan every poll interval until the retry deadline.
//
// Safe for arbitrarily many concurrent callers. Concurrent dispatches may
// observe the same cursor and race to the same account; that is fine because
// CanHandle is re-checked per dispatch and losers keep scanning.
type Scheduler struct {
	pool    *Pool
	gateway llm.Gateway
	cfg     SchedulerConfig
	logger  *logrus.Logger

	clock   slidingwindow.Clock
	sleepFn func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	cursor int
}

// NewScheduler creates a scheduler over a validated pool.
func NewScheduler(pool *Pool, gateway llm.Gateway, cfg SchedulerConfig, logger *logrus.Logger) *Scheduler {
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Scheduler{
		pool:    pool,
		gateway: gateway,
		cfg:     cfg,
		logger:  logger,
		clock:   time.Now,
		sleepFn: sleepContext,
	}
}

// EstimateTokens converts message volume to the token charge used for both
// admission and accounting: chars/4 with a 20% safety margin, floored at
// 100. The estimate is the authoritative charge; actual provider token
// counts are not consulted.
func EstimateTokens(messages []llm.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	estimated := int(math.Ceil(float64(chars) / 4 * 1.2))
	if estimated < estimateFloor {
		return estimateFloor
	}
	return estimated
}

// Invoke schedules and dispatches one completion on the given tier.
// On provider success the estimate is recorded against the chosen account's
// tracker. Provider-side errors are surfaced without recording and without
// redispatch; retrying is the caller's decision.
func (s *Scheduler) Invoke(ctx context.Context, messages []llm.Message, tier llm.Tier, temperature float32) (*llm.Response, error) {
	resp, _, err := s.dispatch(ctx, llm.Request{
		Messages:    messages,
		Temperature: temperature,
	}, tier)
	return resp, err
}

// InvokeStructured schedules a completion constrained to the given JSON
// schema and decodes the response into out. Scheduling is identical to
// Invoke. A response that cannot be decoded yields a ParseError; the call
// has already been charged because the provider did complete it.
func (s *Scheduler) InvokeStructured(ctx context.Context, messages []llm.Message, tier llm.Tier, schemaName string, schema json.RawMessage, out any) error {
	resp, _, err := s.dispatch(ctx, llm.Request{
		Messages:   messages,
		SchemaName: schemaName,
		Schema:     schema,
	}, tier)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(resp.Content), out); err != nil {
		return &ParseError{Raw: resp.Content, Err: err}
	}
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, req llm.Request, tier llm.Tier) (*llm.Response, *Account, error) {
	estimated := EstimateTokens(req.Messages)

	account, err := s.findAccount(ctx, tier, estimated)
	if err != nil {
		return nil, nil, err
	}

	req.APIKey = account.apiKey
	req.Model = s.modelFor(tier)

	resp, err := s.gateway.Complete(ctx, req)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"account_id": account.id,
			"tier":       tier,
		}).WithError(err).Warn("Provider call failed")
		return nil, account, err
	}

	account.TrackerFor(tier).RecordRequest(estimated)
	return resp, account, nil
}

// findAccount scans accounts round-robin from the shared cursor and returns
// the first that can absorb the request. When a full scan finds nothing it
// parks for the poll interval and rescans until the retry deadline.
func (s *Scheduler) findAccount(ctx context.Context, tier llm.Tier, estimatedTokens int) (*Account, error) {
	accounts := s.pool.Accounts()
	deadline := s.clock().Add(s.cfg.RetryTimeout)

	for {
		if account := s.scanOnce(accounts, tier, estimatedTokens); account != nil {
			return account, nil
		}

		remaining := deadline.Sub(s.clock())
		if remaining <= 0 {
			snapshot := s.pool.UsageSnapshot(tier)
			s.logger.WithFields(logrus.Fields{
				"tier":     tier,
				"accounts": len(accounts),
			}).Error("Capacity exhausted waiting for an available account")
			return nil, &CapacityError{Tier: tier, Snapshot: snapshot}
		}

		wait := s.cfg.PollInterval
		if wait > remaining {
			wait = remaining
		}
		if err := s.sleepFn(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// scanOnce inspects every account once, starting at the cursor. The cursor
// advances to just past the chosen account so load spreads across the pool.
func (s *Scheduler) scanOnce(accounts []*Account, tier llm.Tier, estimatedTokens int) *Account {
	n := len(accounts)
	if n == 0 {
		return nil
	}

	s.mu.Lock()
	start := s.cursor
	s.mu.Unlock()

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		account := accounts[idx]
		if ok, _ := account.TrackerFor(tier).CanHandle(estimatedTokens); ok {
			s.mu.Lock()
			s.cursor = (idx + 1) % n
			s.mu.Unlock()
			return account
		}
	}
	return nil
}

func (s *Scheduler) modelFor(tier llm.Tier) string {
	if tier == llm.TierPrimary {
		return s.cfg.PrimaryModel
	}
	return s.cfg.MiniModel
}

// sleepContext pauses for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
