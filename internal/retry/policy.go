// Package retry decides what happens to a message after a failed send.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/LeventeLantos/notification-dispatcher/internal/model"
	"github.com/LeventeLantos/notification-dispatcher/internal/queue"
	"github.com/LeventeLantos/notification-dispatcher/internal/sender"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 30 * time.Second
	DefaultMaxDelay    = 30 * time.Minute
)

// Decision is either a retry after RetryAfter or a move to the dead-letter
// state.
type Decision struct {
	DeadLetter bool
	RetryAfter time.Duration
}

func RetryAfter(d time.Duration) Decision { return Decision{RetryAfter: d} }

func DeadLetter() Decision { return Decision{DeadLetter: true} }

// Disposition converts d into the form queue.Nack expects.
func (d Decision) Disposition() queue.Disposition {
	if d.DeadLetter {
		return queue.DeadLetter()
	}
	return queue.Retry(d.RetryAfter)
}

func (d Decision) String() string {
	if d.DeadLetter {
		return "dead_letter"
	}
	return "retry_after " + d.RetryAfter.String()
}

// Policy applies exponential backoff with jitter:
//
//	delay = min(Base * 2^attempts, MaxDelay) + uniform[0, delay/2]
//
// Permanent failures and the attempt that reaches MaxAttempts dead-letter.
type Policy struct {
	Base        time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// Jitter returns a value in [0, n). Defaults to math/rand/v2.Int64N.
	Jitter func(n int64) int64
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Jitter == nil {
		p.Jitter = rand.Int64N
	}
	return p
}

// Decide classifies a failure of msg. msg.Attempts is the number of
// attempts resolved before the one that just failed.
func (p Policy) Decide(msg model.Message, kind sender.ErrorKind) Decision {
	p = p.withDefaults()

	if kind != sender.Transient {
		return DeadLetter()
	}
	if msg.Attempts+1 >= p.MaxAttempts {
		return DeadLetter()
	}
	return RetryAfter(p.Backoff(msg.Attempts))
}

// Backoff returns the delay before the retry that follows attempts resolved
// attempts, jitter included.
func (p Policy) Backoff(attempts int) time.Duration {
	p = p.withDefaults()

	if attempts < 0 {
		attempts = 0
	}

	delay := p.MaxDelay
	// d>>attempts catches overflow of the shift.
	if attempts < 63 {
		if d := p.Base << attempts; d > 0 && d < p.MaxDelay && d>>attempts == p.Base {
			delay = d
		}
	}

	if half := int64(delay / 2); half > 0 {
		delay += time.Duration(p.Jitter(half + 1))
	}
	return delay
}
