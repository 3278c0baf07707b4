package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/notification-dispatcher/internal/dedupe"
	"github.com/LeventeLantos/notification-dispatcher/internal/metrics"
	"github.com/LeventeLantos/notification-dispatcher/internal/model"
	"github.com/LeventeLantos/notification-dispatcher/internal/queue"
)

// Rejection is the reason a submission was refused synchronously.
type Rejection string

const (
	RejectInvalidPayload Rejection = "InvalidPayload"
	RejectDuplicate      Rejection = "DuplicateSubmission"
)

type Request struct {
	Channel   string         `json:"channel"`
	Recipient string         `json:"recipient"`
	Template  string         `json:"template"`
	Params    map[string]any `json:"params"`
}

// Result carries either the id of the accepted message or a rejection.
type Result struct {
	ID        string
	Rejection Rejection
	Detail    string
}

func (r Result) Accepted() bool { return r.Rejection == "" && r.ID != "" }

// TemplateSet reports whether a template key is known.
type TemplateSet interface {
	Has(template string) bool
}

type Acceptor struct {
	dedupe    dedupe.Deduplicator
	queue     queue.Queue
	templates TemplateSet

	window  time.Duration
	now     func() time.Time
	newID   func() (string, error)
	metrics metrics.Recorder
	logger  *slog.Logger
}

type Option func(*Acceptor)

// WithDedupeWindow sets the bucket used to derive dedupe keys.
func WithDedupeWindow(d time.Duration) Option { return func(a *Acceptor) { a.window = d } }

func WithClock(now func() time.Time) Option { return func(a *Acceptor) { a.now = now } }

func WithIDGenerator(f func() (string, error)) Option { return func(a *Acceptor) { a.newID = f } }

func WithMetrics(m metrics.Recorder) Option { return func(a *Acceptor) { a.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(a *Acceptor) { a.logger = l } }

func NewAcceptor(d dedupe.Deduplicator, q queue.Queue, templates TemplateSet, opts ...Option) *Acceptor {
	a := &Acceptor{dedupe: d, queue: q, templates: templates}
	for _, opt := range opts {
		opt(a)
	}
	if a.window <= 0 {
		a.window = dedupe.DefaultWindow
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	if a.newID == nil {
		a.newID = newUUIDv7
	}
	if a.metrics == nil {
		a.metrics = metrics.Nop{}
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Accept validates req, suppresses duplicates and enqueues the message. The
// error return is reserved for infrastructure failures.
func (a *Acceptor) Accept(ctx context.Context, req Request) (Result, error) {
	label := channelLabel(req.Channel)
	if err := a.validate(req); err != nil {
		a.metrics.ObserveAccept(label, "invalid_payload")
		return Result{Rejection: RejectInvalidPayload, Detail: err.Error()}, nil
	}

	ch := model.Channel(req.Channel)
	recipient := strings.TrimSpace(req.Recipient)
	now := a.now()
	key := model.DedupeKeyFor(recipient, now, a.window)

	verdict, err := a.dedupe.Accept(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("dedupe: %w", err)
	}
	if verdict == dedupe.RejectedDuplicate {
		a.metrics.ObserveAccept(label, "duplicate")
		return Result{Rejection: RejectDuplicate, Detail: "same recipient submitted within the dedupe window"}, nil
	}

	id, err := a.newID()
	if err != nil {
		a.forget(ctx, key)
		return Result{}, fmt.Errorf("generating id: %w", err)
	}

	_, err = a.queue.Enqueue(ctx, model.Message{
		ID:         id,
		Channel:    ch,
		Recipient:  recipient,
		Template:   req.Template,
		Params:     req.Params,
		GroupKey:   model.GroupKeyFor(ch, req.Template),
		DedupeKey:  key,
		EnqueuedAt: now,
	})
	if errors.Is(err, queue.ErrDuplicate) {
		a.metrics.ObserveAccept(label, "duplicate")
		return Result{Rejection: RejectDuplicate, Detail: "an active message with the same dedupe key exists"}, nil
	}
	if err != nil {
		a.forget(ctx, key)
		return Result{}, fmt.Errorf("enqueue: %w", err)
	}

	a.metrics.ObserveAccept(label, "accepted")
	a.logger.Debug("notification accepted", "id", id, "channel", ch, "template", req.Template)
	return Result{ID: id}, nil
}

// forget releases key after a failed enqueue so the producer can retry.
// channelLabel keeps the metrics label set bounded to known channels.
func channelLabel(raw string) string {
	if model.Channel(raw).Valid() {
		return raw
	}
	return "invalid"
}

func (a *Acceptor) forget(ctx context.Context, key string) {
	if err := a.dedupe.Forget(context.WithoutCancel(ctx), key); err != nil {
		a.logger.Warn("failed to release dedupe key", "key", key, "err", err)
	}
}

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

func (a *Acceptor) validate(req Request) error {
	var errs []error

	recipient := strings.TrimSpace(req.Recipient)
	switch model.Channel(req.Channel) {
	case model.ChannelEmail:
		if !isBareAddress(recipient) {
			errs = append(errs, fmt.Errorf("recipient %q is not a valid email address", req.Recipient))
		}
	case model.ChannelSMS:
		if !e164.MatchString(recipient) {
			errs = append(errs, fmt.Errorf("recipient %q is not an E.164 phone number", req.Recipient))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown channel %q", req.Channel))
	}

	switch {
	case req.Template == "":
		errs = append(errs, errors.New("template is required"))
	case a.templates != nil && !a.templates.Has(req.Template):
		errs = append(errs, fmt.Errorf("unknown template %q", req.Template))
	}

	for k, v := range req.Params {
		if !isScalar(v) {
			errs = append(errs, fmt.Errorf("param %q must be a scalar value", k))
		}
	}

	return errors.Join(errs...)
}

func isBareAddress(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Name == "" && addr.Address == s
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, json.Number,
		float32, float64,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	default:
		return false
	}
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
