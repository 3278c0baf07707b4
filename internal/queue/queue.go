// Package queue holds notification messages until they are delivered or
// dead-lettered.
//
// Every transition is compare-and-swap style: DequeueBatch only claims
// pending messages (or in-flight ones whose lease has expired), and Ack/Nack
// only succeed for an in-flight message whose lease token matches.
//
// Ordering is FIFO per group among available messages: a message waiting out
// its retry backoff does not hold back later messages of the same group.
//
// An expired lease counts as an attempt. A message whose lease expires at
// the attempt limit is dead-lettered instead of reclaimed.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/LeventeLantos/notification-dispatcher/internal/model"
)

var (
	// ErrNotFound is returned when no message has the requested id.
	ErrNotFound = errors.New("queue: message not found")
	// ErrDuplicate is returned by Enqueue when an active message already owns the dedupe key.
	ErrDuplicate = errors.New("queue: active message with the same dedupe key exists")
	// ErrLeaseMismatch is returned when a message is not in flight under the given lease token.
	ErrLeaseMismatch = errors.New("queue: lease token does not match an in-flight message")
	// ErrInvalidBatchSize is returned when DequeueBatch is asked for fewer than one message.
	ErrInvalidBatchSize = errors.New("queue: batch size must be > 0")
	// ErrInvalidMessage is returned when Enqueue receives a message without id or channel.
	ErrInvalidMessage = errors.New("queue: message requires id and a valid channel")
)

const leaseExpiredReason = "lease expired without ack or nack"

const (
	DefaultLeaseTimeout = 5 * time.Minute
	DefaultMaxAttempts  = 5
)

// Disposition tells Nack where a failed message goes next.
type Disposition struct {
	DeadLetter bool
	RetryAfter time.Duration
}

func Retry(after time.Duration) Disposition { return Disposition{RetryAfter: after} }

func DeadLetter() Disposition { return Disposition{DeadLetter: true} }

type Queue interface {
	Enqueue(ctx context.Context, msg model.Message) (string, error)
	DequeueBatch(ctx context.Context, ch model.Channel, maxCount int) ([]model.Message, error)
	Ack(ctx context.Context, id, leaseToken string) error
	// Nack records a failed attempt. The returned state is either Pending or
	// DeadLettered.
	Nack(ctx context.Context, id, leaseToken, reason string, d Disposition) (model.State, error)
	// Release returns an in-flight message to pending without recording an
	// attempt, for callers that claimed it but will not send it.
	Release(ctx context.Context, id, leaseToken string) error
}

// Inspector exposes read-only access for lookups and dead-letter alerting.
type Inspector interface {
	Get(ctx context.Context, id string) (model.Message, error)
	ListDeadLettered(ctx context.Context, limit, offset int) ([]model.Message, error)
}

// Purger removes terminal messages whose last update is older than the cutoff.
type Purger interface {
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

// Store is the full capability set implemented by Memory and Postgres.
type Store interface {
	Queue
	Inspector
	Purger
}

type config struct {
	leaseTimeout time.Duration
	maxAttempts  int
	now          func() time.Time
	logger       *slog.Logger
}

func (c config) withDefaults() config {
	if c.leaseTimeout <= 0 {
		c.leaseTimeout = DefaultLeaseTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

type Option func(*config)

// WithLeaseTimeout sets how long a dequeued message stays hidden before it
// becomes eligible for redelivery.
func WithLeaseTimeout(d time.Duration) Option {
	return func(c *config) { c.leaseTimeout = d }
}

// WithMaxAttempts bounds the attempts a message may accumulate. Nack
// dead-letters once the bound is reached regardless of the disposition.
func WithMaxAttempts(n int) Option {
	return func(c *config) { c.maxAttempts = n }
}

func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

func newConfig(opts []Option) config {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg.withDefaults()
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func truncateReason(reason string) string {
	const maxLen = 1024
	if len(reason) <= maxLen {
		return reason
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
