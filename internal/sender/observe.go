package sender

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/LeventeLantos/notification-dispatcher/internal/content"
	"github.com/LeventeLantos/notification-dispatcher/internal/model"
)

const tracerName = "notification-dispatcher/sender"

type tracingSender struct {
	next   Sender
	tracer trace.Tracer
}

// WithTracing wraps s so every send runs inside an OpenTelemetry span.
func WithTracing(s Sender) Sender {
	return &tracingSender{next: s, tracer: otel.Tracer(tracerName)}
}

func (t *tracingSender) Channel() model.Channel { return t.next.Channel() }

func (t *tracingSender) Send(ctx context.Context, msg model.Message, c content.Content) Result {
	ctx, span := t.tracer.Start(ctx, "Sender.Send",
		trace.WithAttributes(
			attribute.String("notification.id", msg.ID),
			attribute.String("notification.channel", string(msg.Channel)),
			attribute.String("notification.template", msg.Template),
			attribute.Int("notification.attempt", msg.Attempts+1),
		))
	defer span.End()

	res := t.next.Send(ctx, msg, c)

	span.SetAttributes(attribute.String("notification.outcome", res.Outcome()))
	if res.OK() {
		span.SetAttributes(attribute.String("notification.provider_message_id", res.ProviderMessageID))
	} else {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

// SendObserver receives one observation per send.
type SendObserver interface {
	ObserveSend(channel, outcome string, d time.Duration)
}

type metricsSender struct {
	next     Sender
	observer SendObserver
	now      func() time.Time
}

// WithMetrics wraps s so every send is reported to o with its outcome and
// duration.
func WithMetrics(s Sender, o SendObserver) Sender {
	return &metricsSender{next: s, observer: o, now: time.Now}
}

func (m *metricsSender) Channel() model.Channel { return m.next.Channel() }

func (m *metricsSender) Send(ctx context.Context, msg model.Message, c content.Content) Result {
	start := m.now()
	res := m.next.Send(ctx, msg, c)
	m.observer.ObserveSend(string(m.next.Channel()), res.Outcome(), m.now().Sub(start))
	return res
}
