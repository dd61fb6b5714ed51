package core

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Timer is a single scheduled check. Stop must be called when the wait is
// abandoned.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type Clock interface {
	NewTimer(d time.Duration) Timer
}

type realClock struct{}

type realTimer struct{ t *time.Timer }

func (realClock) NewTimer(d time.Duration) Timer { return realTimer{t: time.NewTimer(d)} }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// Window is the secondary context the user authorizes in.
type Window interface {
	Closed() bool
	Close()
}

type noWindow struct{}

func (noWindow) Closed() bool { return false }
func (noWindow) Close()       {}

// NoWindow is used when there is no secondary window to watch, as in a
// terminal session.
var NoWindow Window = noWindow{}

type StatusChecker interface {
	PollStatus(ctx context.Context, connectionRequestID, ownerID string) (StatusResult, error)
}

// Poller repeats status checks at a fixed interval until the connection
// completes, the attempts run out or the window is closed.
type Poller struct {
	checker     StatusChecker
	interval    time.Duration
	maxAttempts int
	clock       Clock
}

func NewPoller(checker StatusChecker, interval time.Duration, maxAttempts int) *Poller {
	return &Poller{checker: checker, interval: interval, maxAttempts: maxAttempts, clock: realClock{}}
}

// WithClock swaps the time source, for tests.
func (p *Poller) WithClock(c Clock) *Poller {
	p.clock = c
	return p
}

func (p *Poller) Poll(ctx context.Context, connectionRequestID, ownerID string, window Window) (StatusResult, error) {
	if window == nil {
		window = NoWindow
	}

	attempts := 0
	for {
		if attempts >= p.maxAttempts {
			window.Close()
			return StatusResult{State: StateTimedOut}, ErrTimeout
		}
		if window.Closed() {
			return StatusResult{State: StateAbandoned}, ErrAbandoned
		}
		if err := ctx.Err(); err != nil {
			return StatusResult{State: StatePending}, err
		}

		result, err := p.checker.PollStatus(ctx, connectionRequestID, ownerID)
		attempts++
		if err != nil {
			log.Warn().Err(err).
				Str("connection_request_id", connectionRequestID).
				Int("attempt", attempts).
				Msg("Error checking auth status")
		} else if result.State == StateCompleted {
			window.Close()
			return result, nil
		}

		if err := p.wait(ctx); err != nil {
			return StatusResult{State: StatePending}, err
		}
	}
}

func (p *Poller) wait(ctx context.Context) error {
	timer := p.clock.NewTimer(p.interval)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}
