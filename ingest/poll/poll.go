// Package poll tracks an asynchronous server-side analysis job by querying
// its status on a fixed interval until it reaches a terminal state or the
// attempt budget runs out.
package poll

import (
	"context"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/claridoc/go-ingest/ingest/network"
)

// State is a phase of the tracked job.
type State string

const (
	StateIngesting  State = "ingesting"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
)

// Terminal reports whether the state ends polling.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// Update is one normalized status observation. Progress is on the 0-100
// scale and never decreases within a single polling run. Message is the
// server's own wording, passed through untouched.
type Update struct {
	State    State
	Progress int
	Message  string
}

const (
	// DefaultInterval is the pause between status queries.
	DefaultInterval = 2 * time.Second

	// DefaultMaxAttempts bounds a polling run; at the default interval it
	// amounts to roughly four minutes of patience.
	DefaultMaxAttempts = 120

	// Progress estimates are clamped to this band while the job is running
	// so the caller never sees a running job at 0% or 100%.
	minRunningProgress = 5
	maxRunningProgress = 95

	// Advance applied when the server reports no numeric progress.
	progressIncrement = 5
)

// StatusClient is the single query the poller needs. *network.Client
// implements it.
type StatusClient interface {
	GetContractStatus(ctx context.Context, contractID string) (network.ContractStatus, error)
}

// Poller drives a polling run for one job at a time.
type Poller struct {
	client      StatusClient
	interval    time.Duration
	maxAttempts int
	logger      log.Logger

	// wait is replaced in tests to avoid real waiting.
	wait func(ctx context.Context, d time.Duration) bool
}

// NewPoller creates a Poller with the default interval and attempt budget.
func NewPoller(client StatusClient, logger log.Logger) *Poller {
	return &Poller{
		client:      client,
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger,
		wait:        waitContext,
	}
}

// SetInterval overrides the pause between queries.
func (p *Poller) SetInterval(d time.Duration) {
	p.interval = d
}

// SetMaxAttempts overrides the attempt budget.
func (p *Poller) SetMaxAttempts(n int) {
	p.maxAttempts = n
}

// Track polls the contract's job status until a terminal state, the attempt
// budget, or context cancellation. Every observation, terminal included, is
// passed to onUpdate (which may be nil). The terminal update is returned;
// only context cancellation produces an error. A run that exhausts its
// budget ends in StateTimedOut: the job may well still be running, the
// caller is told to check back later instead of waiting forever.
func (p *Poller) Track(ctx context.Context, contractID string, onUpdate func(Update)) (Update, error) {
	notify := func(u Update) {
		if onUpdate != nil {
			onUpdate(u)
		}
	}

	estimate := minRunningProgress

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Update{}, err
		}

		status, err := p.client.GetContractStatus(ctx, contractID)
		if err != nil {
			if ctx.Err() != nil {
				return Update{}, ctx.Err()
			}
			// Transient failures do not end the run; the attempt budget is
			// the only limit.
			p.logger.Debugf("Status query %d/%d failed: %s", attempt, p.maxAttempts, err)
		} else {
			update, terminal := p.evaluate(status, &estimate)
			notify(update)
			if terminal {
				return update, nil
			}
		}

		if attempt < p.maxAttempts {
			if !p.wait(ctx, p.interval) {
				return Update{}, ctx.Err()
			}
		}
	}

	timedOut := Update{
		State:    StateTimedOut,
		Progress: estimate,
		Message:  "analysis is still running, check back later",
	}
	notify(timedOut)
	return timedOut, nil
}

func (p *Poller) evaluate(status network.ContractStatus, estimate *int) (Update, bool) {
	switch status.AnalysisStatus {
	case "completed", "done", "finished":
		return Update{State: StateCompleted, Progress: 100, Message: status.Message}, true
	case "failed", "error":
		return Update{State: StateFailed, Progress: *estimate, Message: status.Message}, true
	}

	if status.Progress != nil {
		reported := clamp(*status.Progress, minRunningProgress, maxRunningProgress)
		if reported > *estimate {
			*estimate = reported
		}
	} else if *estimate < maxRunningProgress {
		*estimate += progressIncrement
		if *estimate > maxRunningProgress {
			*estimate = maxRunningProgress
		}
	}

	return Update{State: StateProcessing, Progress: *estimate, Message: status.Message}, false
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

func waitContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
