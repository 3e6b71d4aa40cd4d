// Package llmpool implements the provider account pool: per-account rate
// budgets over sliding windows, credit validation at startup, and the
// round-robin scheduler that parks callers until capacity frees up.
package llmpool

import (
	"math"
	"sync"
	"time"

	"github.com/dineflow/chat-commerce-backend/pkg/llm"
	"github.com/dineflow/chat-commerce-backend/pkg/slidingwindow"
)

// State is the tracker's cooldown state.
type State string

const (
	// StateAvailable means the tracker accepts new work.
	StateAvailable State = "available"

	// StateCooling means the tracker proactively refuses work until its
	// cooldown expires and utilization has dropped below the buffer.
	StateCooling State = "cooling"
)

// windowSpan is the rolling horizon both budgets are measured over.
const windowSpan = time.Minute

// cooldownExtension is applied when a cooldown expires but utilization is
// still at or above the buffer threshold.
const cooldownExtension = 30 * time.Second

// Usage is a point-in-time snapshot of one tracker's budgets.
type Usage struct {
	Tier           llm.Tier  `json:"tier"`
	Requests       int       `json:"requests"`
	Tokens         int64     `json:"tokens"`
	RPMLimit       int       `json:"rpm_limit"`
	TPMLimit       int       `json:"tpm_limit"`
	RPMUtilization float64   `json:"rpm_utilization"`
	TPMUtilization float64   `json:"tpm_utilization"`
	State          State     `json:"state"`
	CooldownUntil  time.Time `json:"cooldown_until,omitempty"`
}

// Tracker guards one (account, model tier) pair with a requests-per-minute
// and a tokens-per-minute budget sharing a single sliding window. It enters
// cooldown before the provider limit is reached: once utilization of either
// budget crosses buffer_percent of its limit, the tracker refuses work for
// cooldown seconds.
//
// CanHandle and Usage are queries: they may flip an expired cooldown back to
// available (or extend it), but they never consume budget. Only
// RecordRequest appends to the window, and it must be called exactly once
// per successful provider call.
type Tracker struct {
	mu sync.Mutex

	tier          llm.Tier
	rpmLimit      int
	tpmLimit      int
	bufferPercent int
	cooldown      time.Duration

	clock  slidingwindow.Clock
	window *slidingwindow.Window

	state         State
	cooldownUntil time.Time
}

// NewTracker creates a tracker for one model tier. A nil clock defaults to
// time.Now; cooldown ≤ 0 defaults to 60s.
func NewTracker(tier llm.Tier, rpmLimit, tpmLimit, bufferPercent int, cooldown time.Duration, clock slidingwindow.Clock) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Tracker{
		tier:          tier,
		rpmLimit:      rpmLimit,
		tpmLimit:      tpmLimit,
		bufferPercent: bufferPercent,
		cooldown:      cooldown,
		clock:         clock,
		window:        slidingwindow.New(clock),
		state:         StateAvailable,
	}
}

// CanHandle reports whether the tracker can absorb one more request with the
// given token estimate without crossing the buffer threshold of either
// budget. It returns false immediately while cooling. The returned Usage
// reflects the state after any cooldown recovery.
func (t *Tracker) CanHandle(estimatedTokens int) (bool, Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	t.prune(now)
	t.refreshCooldown(now)

	if t.state == StateCooling {
		return false, t.usageLocked()
	}

	requests := t.window.CountWithin(windowSpan)
	tokens := t.window.SumWithin(windowSpan)

	rpmThreshold := float64(t.rpmLimit) * float64(t.bufferPercent) / 100
	tpmThreshold := float64(t.tpmLimit) * float64(t.bufferPercent) / 100

	ok := float64(requests+1) <= rpmThreshold && float64(tokens+int64(estimatedTokens)) <= tpmThreshold
	return ok, t.usageLocked()
}

// RecordRequest charges one request of the given token weight against the
// window. If post-record utilization of either budget reaches the buffer
// threshold, the tracker enters cooldown.
func (t *Tracker) RecordRequest(tokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	t.prune(now)
	t.window.Add(tokens)

	rpmUtil, tpmUtil := t.utilizationLocked()
	if rpmUtil >= float64(t.bufferPercent) || tpmUtil >= float64(t.bufferPercent) {
		t.state = StateCooling
		t.cooldownUntil = now.Add(t.cooldown)
	}
}

// Usage returns the current snapshot, applying cooldown recovery first.
func (t *Tracker) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	t.prune(now)
	t.refreshCooldown(now)
	return t.usageLocked()
}

// prune drops entries that fell out of the rolling window.
func (t *Tracker) prune(now time.Time) {
	t.window.PruneOlderThan(now.Add(-windowSpan))
}

// refreshCooldown applies the query-driven half of the state machine:
// an expired cooldown either clears (both budgets below the buffer) or is
// extended. There is no timer; the transition happens on the next query.
func (t *Tracker) refreshCooldown(now time.Time) {
	if t.state != StateCooling || now.Before(t.cooldownUntil) {
		return
	}
	rpmUtil, tpmUtil := t.utilizationLocked()
	if rpmUtil < float64(t.bufferPercent) && tpmUtil < float64(t.bufferPercent) {
		t.state = StateAvailable
		t.cooldownUntil = time.Time{}
		return
	}
	t.cooldownUntil = now.Add(cooldownExtension)
}

// utilizationLocked returns (rpm%, tpm%) of the raw provider limits.
func (t *Tracker) utilizationLocked() (float64, float64) {
	rpm := float64(t.window.CountWithin(windowSpan)) / float64(t.rpmLimit) * 100
	tpm := float64(t.window.SumWithin(windowSpan)) / float64(t.tpmLimit) * 100
	return rpm, tpm
}

func (t *Tracker) usageLocked() Usage {
	rpmUtil, tpmUtil := t.utilizationLocked()
	return Usage{
		Tier:           t.tier,
		Requests:       t.window.CountWithin(windowSpan),
		Tokens:         t.window.SumWithin(windowSpan),
		RPMLimit:       t.rpmLimit,
		TPMLimit:       t.tpmLimit,
		RPMUtilization: math.Round(rpmUtil*100) / 100,
		TPMUtilization: math.Round(tpmUtil*100) / 100,
		State:          t.state,
		CooldownUntil:  t.cooldownUntil,
	}
}
