// Package dispatcher drains the queue in batches, sends every claimed message
// through its channel sender and feeds the outcome back into the queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/notification-dispatcher/internal/cache"
	"github.com/LeventeLantos/notification-dispatcher/internal/content"
	"github.com/LeventeLantos/notification-dispatcher/internal/metrics"
	"github.com/LeventeLantos/notification-dispatcher/internal/model"
	"github.com/LeventeLantos/notification-dispatcher/internal/queue"
	"github.com/LeventeLantos/notification-dispatcher/internal/retry"
	"github.com/LeventeLantos/notification-dispatcher/internal/sender"
)

const (
	DefaultBatchSize   = 50
	DefaultWorkers     = 10
	DefaultSendTimeout = 30 * time.Second

	// ResolveTimeout bounds the ack/nack that follows a send.
	ResolveTimeout = 10 * time.Second
)

// LeaseBudget is the longest a message of a full batch can stay claimed:
// queued behind ceil(batchSize/workers) sends, then resolved.
func LeaseBudget(batchSize, workers int, sendTimeout time.Duration) time.Duration {
	if batchSize <= 0 || workers <= 0 {
		return 0
	}
	rounds := (batchSize + workers - 1) / workers
	return time.Duration(rounds)*sendTimeout + ResolveTimeout
}

// Renderer produces the content for a template.
type Renderer interface {
	Render(template string, params map[string]any) (content.Content, error)
}

// Summary counts what one run did. Every dequeued message ends up in exactly
// one of Delivered, Retried, DeadLettered, Released or Errors.
type Summary struct {
	Dequeued     int `json:"dequeued"`
	Delivered    int `json:"delivered"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"deadLettered"`
	// Released messages were handed back unsent because too little of
	// their lease was left for a send.
	Released int `json:"released"`
	Errors   int `json:"errors"`
}

func (s *Summary) add(o Summary) {
	s.Dequeued += o.Dequeued
	s.Delivered += o.Delivered
	s.Retried += o.Retried
	s.DeadLettered += o.DeadLettered
	s.Released += o.Released
	s.Errors += o.Errors
}

type Dispatcher struct {
	queue     queue.Queue
	senders   *sender.Registry
	templates Renderer
	policy    retry.Policy

	batchSize   int
	workers     int
	sendTimeout time.Duration
	leaseMargin time.Duration

	receipts cache.ReceiptStore
	metrics  metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Dispatcher)

func WithBatchSize(n int) Option { return func(d *Dispatcher) { d.batchSize = n } }

func WithWorkers(n int) Option { return func(d *Dispatcher) { d.workers = n } }

func WithSendTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.sendTimeout = t } }

// WithLeaseMargin sets how much lease must remain beyond the send timeout
// for a message to be sent. Defaults to ResolveTimeout.
func WithLeaseMargin(m time.Duration) Option { return func(d *Dispatcher) { d.leaseMargin = m } }

// WithReceipts stores the provider message id of every delivered message.
func WithReceipts(r cache.ReceiptStore) Option { return func(d *Dispatcher) { d.receipts = r } }

func WithMetrics(m metrics.Recorder) Option { return func(d *Dispatcher) { d.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func New(q queue.Queue, senders *sender.Registry, templates Renderer, policy retry.Policy, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:     q,
		senders:   senders,
		templates: templates,
		policy:    policy,
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.batchSize <= 0 {
		d.batchSize = DefaultBatchSize
	}
	if d.workers <= 0 {
		d.workers = DefaultWorkers
	}
	if d.sendTimeout <= 0 {
		d.sendTimeout = DefaultSendTimeout
	}
	if d.leaseMargin <= 0 {
		d.leaseMargin = ResolveTimeout
	}
	if d.metrics == nil {
		d.metrics = metrics.Nop{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// RunOnce dispatches one batch per registered channel. Failures of single
// messages are counted and logged, never returned.
func (d *Dispatcher) RunOnce(ctx context.Context) Summary {
	start := d.now()

	var total Summary
	for _, ch := range d.senders.Channels() {
		if ctx.Err() != nil {
			break
		}
		total.add(d.runChannel(ctx, ch))
	}

	elapsed := d.now().Sub(start)
	d.metrics.ObserveRun(elapsed)

	level := slog.LevelDebug
	if total.Dequeued > 0 {
		level = slog.LevelInfo
	}
	d.logger.Log(ctx, level, "dispatch run finished",
		"dequeued", total.Dequeued,
		"delivered", total.Delivered,
		"retried", total.Retried,
		"dead_lettered", total.DeadLettered,
		"released", total.Released,
		"errors", total.Errors,
		"duration_ms", elapsed.Milliseconds(),
	)
	return total
}

type resolution int

const (
	resolvedError resolution = iota
	resolvedDelivered
	resolvedRetried
	resolvedDeadLettered
	resolvedReleased
)

func (d *Dispatcher) runChannel(ctx context.Context, ch model.Channel) Summary {
	s, _ := d.senders.Get(ch)

	msgs, err := d.queue.DequeueBatch(ctx, ch, d.batchSize)
	if err != nil {
		d.logger.Error("dequeue failed", "channel", ch, "err", err)
		return Summary{Errors: 1}
	}
	if len(msgs) == 0 {
		return Summary{}
	}
	d.metrics.AddDequeued(string(ch), len(msgs))

	results := make([]resolution, len(msgs))

	var g errgroup.Group
	g.SetLimit(d.workers)

	i := 0
	for _, grp := range groupByKey(msgs) {
		d.logger.Debug("dispatching group", "channel", ch, "group_key", grp.key, "size", len(grp.msgs))
		for _, msg := range grp.msgs {
			idx := i
			i++
			g.Go(func() error {
				results[idx] = d.process(ctx, s, msg)
				return nil
			})
		}
	}
	_ = g.Wait()

	sum := Summary{Dequeued: len(msgs)}
	for _, r := range results {
		switch r {
		case resolvedDelivered:
			sum.Delivered++
		case resolvedRetried:
			sum.Retried++
		case resolvedDeadLettered:
			sum.DeadLettered++
		case resolvedReleased:
			sum.Released++
		default:
			sum.Errors++
		}
	}

	d.metrics.AddResolved(string(ch), "delivered", sum.Delivered)
	d.metrics.AddResolved(string(ch), "retried", sum.Retried)
	d.metrics.AddResolved(string(ch), "dead_lettered", sum.DeadLettered)
	d.metrics.AddResolved(string(ch), "released", sum.Released)
	d.metrics.AddResolved(string(ch), "error", sum.Errors)
	return sum
}

type group struct {
	key  string
	msgs []model.Message
}

// groupByKey splits msgs by GroupKey. Groups appear in order of their first
// message and keep dequeue order inside.
func groupByKey(msgs []model.Message) []group {
	var out []group
	index := make(map[string]int)
	for _, m := range msgs {
		i, ok := index[m.GroupKey]
		if !ok {
			i = len(out)
			index[m.GroupKey] = i
			out = append(out, group{key: m.GroupKey})
		}
		out[i].msgs = append(out[i].msgs, m)
	}
	return out
}

func (d *Dispatcher) process(ctx context.Context, s sender.Sender, msg model.Message) resolution {
	// A send that could outlive the lease may race a run that reclaims the
	// message, so hand it back instead.
	if !d.leaseCovers(msg) {
		rctx, cancel := resolveContext(ctx)
		defer cancel()
		return d.release(rctx, msg)
	}

	res := d.attempt(ctx, s, msg)

	rctx, cancel := resolveContext(ctx)
	defer cancel()

	if res.OK() {
		return d.ack(rctx, msg, res.ProviderMessageID)
	}
	return d.nack(rctx, msg, res)
}

// attempt renders and sends msg. A panic in either step becomes a transient
// failure.
func (d *Dispatcher) attempt(ctx context.Context, s sender.Sender, msg model.Message) (res sender.Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("send panicked", "id", msg.ID, "panic", r)
			res = sender.Failed(sender.Transient, fmt.Errorf("panic: %v", r))
		}
	}()

	c, err := d.templates.Render(msg.Template, msg.Params)
	if err != nil {
		return sender.Failed(sender.Permanent, fmt.Errorf("render %s: %w", msg.Template, err))
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	return s.Send(sendCtx, msg, c)
}

// resolveContext outlives a cancelled run, otherwise the message waits for
// its lease to expire.
func resolveContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), ResolveTimeout)
}

func (d *Dispatcher) leaseCovers(msg model.Message) bool {
	if msg.LeaseExpiresAt.IsZero() {
		return true
	}
	return msg.LeaseExpiresAt.Sub(d.now()) >= d.sendTimeout+d.leaseMargin
}

func (d *Dispatcher) release(ctx context.Context, msg model.Message) resolution {
	if err := d.queue.Release(ctx, msg.ID, msg.LeaseToken); err != nil {
		d.logResolveError("release failed", msg, err)
		return resolvedError
	}
	d.logger.Warn("lease too short to send, message released",
		"id", msg.ID,
		"channel", msg.Channel,
		"lease_expires_at", msg.LeaseExpiresAt,
	)
	return resolvedReleased
}

func (d *Dispatcher) ack(ctx context.Context, msg model.Message, providerMessageID string) resolution {
	if err := d.queue.Ack(ctx, msg.ID, msg.LeaseToken); err != nil {
		d.logResolveError("ack failed", msg, err)
		return resolvedError
	}

	if d.receipts != nil {
		if err := d.receipts.StoreDelivered(ctx, msg.ID, providerMessageID, d.now()); err != nil {
			d.logger.Warn("store receipt failed", "id", msg.ID, "err", err)
		}
	}

	d.logger.Debug("message delivered", "id", msg.ID, "channel", msg.Channel, "provider_message_id", providerMessageID)
	return resolvedDelivered
}

func (d *Dispatcher) nack(ctx context.Context, msg model.Message, res sender.Result) resolution {
	decision := d.policy.Decide(msg, res.Kind)

	state, err := d.queue.Nack(ctx, msg.ID, msg.LeaseToken, res.Err.Error(), decision.Disposition())
	if err != nil {
		d.logResolveError("nack failed", msg, err)
		return resolvedError
	}

	if state == model.DeadLettered {
		d.logger.Warn("message dead-lettered",
			"id", msg.ID,
			"channel", msg.Channel,
			"group_key", msg.GroupKey,
			"attempts", msg.Attempts+1,
			"kind", res.Kind.String(),
			"err", res.Err,
		)
		return resolvedDeadLettered
	}

	d.logger.Info("message scheduled for retry",
		"id", msg.ID,
		"channel", msg.Channel,
		"attempts", msg.Attempts+1,
		"retry_after", decision.RetryAfter.String(),
		"err", res.Err,
	)
	return resolvedRetried
}

func (d *Dispatcher) logResolveError(msgText string, msg model.Message, err error) {
	if errors.Is(err, queue.ErrLeaseMismatch) {
		// Lease expired during the send and another run reclaimed the message.
		d.logger.Warn(msgText+": lease lost", "id", msg.ID)
		return
	}
	d.logger.Error(msgText, "id", msg.ID, "err", err)
}
