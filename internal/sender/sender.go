// Package sender delivers rendered notifications through a provider and
// reports the outcome as a Result. Provider error types never leave this
// package: callers only see Delivered or Failed with an ErrorKind.
package sender

import (
	"context"
	"errors"
	"fmt"

	"github.com/LeventeLantos/notification-dispatcher/internal/content"
	"github.com/LeventeLantos/notification-dispatcher/internal/model"
)

var (
	ErrMessageTooLong    = errors.New("sender: message exceeds maximum length")
	ErrDuplicateChannel  = errors.New("sender: channel registered twice")
	ErrInvalidRecipient  = errors.New("sender: invalid recipient")
	ErrEmptyContent      = errors.New("sender: rendered content is empty")
	errUnspecifiedFailed = errors.New("sender: send failed")
)

type ErrorKind int

const (
	// Transient failures (network, timeout, throttling) may succeed on retry.
	Transient ErrorKind = iota + 1
	// Permanent failures (bad recipient, unverified sender, policy rejection)
	// will not.
	Permanent
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "none"
	}
}

type Result struct {
	ProviderMessageID string
	Kind              ErrorKind
	Err               error
}

func Delivered(providerMessageID string) Result {
	return Result{ProviderMessageID: providerMessageID}
}

func Failed(kind ErrorKind, err error) Result {
	if err == nil {
		err = errUnspecifiedFailed
	}
	return Result{Kind: kind, Err: err}
}

// OK reports whether the provider accepted the message.
func (r Result) OK() bool { return r.Kind == 0 && r.Err == nil }

// Outcome is the metric/log label for r.
func (r Result) Outcome() string {
	if r.OK() {
		return "delivered"
	}
	return r.Kind.String()
}

type Sender interface {
	Channel() model.Channel
	Send(ctx context.Context, msg model.Message, c content.Content) Result
}

// Registry maps each channel to the one sender responsible for it.
type Registry struct {
	senders map[model.Channel]Sender
}

func NewRegistry(senders ...Sender) (*Registry, error) {
	r := &Registry{senders: make(map[model.Channel]Sender, len(senders))}
	for _, s := range senders {
		ch := s.Channel()
		if _, ok := r.senders[ch]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateChannel, ch)
		}
		r.senders[ch] = s
	}
	return r, nil
}

func (r *Registry) Get(ch model.Channel) (Sender, bool) {
	s, ok := r.senders[ch]
	return s, ok
}

// Channels returns the registered channels in model.Channels order.
func (r *Registry) Channels() []model.Channel {
	out := make([]model.Channel, 0, len(r.senders))
	for _, ch := range model.Channels {
		if _, ok := r.senders[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}
