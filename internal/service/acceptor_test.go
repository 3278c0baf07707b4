package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/notification-dispatcher/internal/content"
	"github.com/LeventeLantos/notification-dispatcher/internal/dedupe"
	"github.com/LeventeLantos/notification-dispatcher/internal/metrics"
	"github.com/LeventeLantos/notification-dispatcher/internal/model"
	"github.com/LeventeLantos/notification-dispatcher/internal/queue"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock *testClock
	dd    *dedupe.Memory
	q     *queue.Memory
	acc   *Acceptor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &testClock{t: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	dd := dedupe.NewMemory(5*time.Minute, clk.Now)
	q := queue.NewMemory(queue.WithClock(clk.Now))

	var n int
	acc := NewAcceptor(dd, q, content.Defaults(),
		WithClock(clk.Now),
		WithDedupeWindow(5*time.Minute),
		WithIDGenerator(func() (string, error) {
			n++
			return "id-" + string(rune('0'+n)), nil
		}),
	)
	return &fixture{clock: clk, dd: dd, q: q, acc: acc}
}

func emailReq() Request {
	return Request{
		Channel:   "email",
		Recipient: "asker@example.com",
		Template:  "newQuestion",
		Params:    map[string]any{"title": "How do leases work?"},
	}
}

func TestAccept_EnqueuesMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.acc.Accept(ctx, emailReq())
	require.NoError(t, err)
	require.True(t, res.Accepted())
	assert.Equal(t, "id-1", res.ID)

	m, err := f.q.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Pending, m.State)
	assert.Equal(t, model.ChannelEmail, m.Channel)
	assert.Equal(t, "email-newQuestion", m.GroupKey)
	assert.Equal(t, model.DedupeKeyFor("asker@example.com", f.clock.Now(), 5*time.Minute), m.DedupeKey)
	assert.Equal(t, 0, m.Attempts)
}

func TestAccept_DuplicateWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.acc.Accept(ctx, emailReq())
	require.NoError(t, err)
	require.True(t, first.Accepted())

	f.clock.Advance(time.Minute)
	second, err := f.acc.Accept(ctx, emailReq())
	require.NoError(t, err)
	assert.Equal(t, RejectDuplicate, second.Rejection)
	assert.False(t, second.Accepted())
}

func TestAccept_SameRecipientAfterWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.acc.Accept(ctx, emailReq())
	require.NoError(t, err)
	require.True(t, first.Accepted())

	f.clock.Advance(5 * time.Minute)
	second, err := f.acc.Accept(ctx, emailReq())
	require.NoError(t, err)
	assert.True(t, second.Accepted())
	assert.NotEqual(t, first.ID, second.ID)
}

func TestAccept_InvalidPayloads(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Request)
		detail string
	}{
		{"unknown channel", func(r *Request) { r.Channel = "push" }, "unknown channel"},
		{"bad email", func(r *Request) { r.Recipient = "not-an-email" }, "email address"},
		{"display name email", func(r *Request) { r.Recipient = "Asker <asker@example.com>" }, "email address"},
		{"bad phone", func(r *Request) { r.Channel = "sms"; r.Recipient = "06301234567" }, "E.164"},
		{"short phone", func(r *Request) { r.Channel = "sms"; r.Recipient = "+12345" }, "E.164"},
		{"missing template", func(r *Request) { r.Template = "" }, "template is required"},
		{"unknown template", func(r *Request) { r.Template = "weeklyDigest" }, "unknown template"},
		{"nested param", func(r *Request) { r.Params["tags"] = []any{"a"} }, `param "tags"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := emailReq()
			tt.mutate(&req)

			res, err := f.acc.Accept(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, RejectInvalidPayload, res.Rejection)
			assert.Contains(t, res.Detail, tt.detail)
			assert.Equal(t, 0, f.dd.Len(), "invalid payloads never reach the deduplicator")
		})
	}
}

func TestAccept_UnknownChannelsShareOneMetricsLabel(t *testing.T) {
	clk := &testClock{t: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	prom, err := metrics.NewPrometheus(reg)
	require.NoError(t, err)

	acc := NewAcceptor(dedupe.NewMemory(5*time.Minute, clk.Now), queue.NewMemory(queue.WithClock(clk.Now)), content.Defaults(),
		WithClock(clk.Now),
		WithMetrics(prom),
	)

	for i := 0; i < 1000; i++ {
		req := emailReq()
		req.Channel = fmt.Sprintf("junk-%d", i)
		res, err := acc.Accept(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, RejectInvalidPayload, res.Rejection)
	}
	_, err = acc.Accept(context.Background(), emailReq())
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	var series int
	for _, mf := range families {
		if mf.GetName() != "notification_submissions_total" {
			continue
		}
		series = len(mf.GetMetric())
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "channel" {
					assert.Contains(t, []string{"email", "sms", "invalid"}, lp.GetValue())
				}
			}
		}
	}
	assert.Equal(t, 2, series)
	count, err := testutil.GatherAndCount(reg, "notification_submissions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAccept_ValidSMS(t *testing.T) {
	f := newFixture(t)

	res, err := f.acc.Accept(context.Background(), Request{
		Channel:   "sms",
		Recipient: "+36301234567",
		Template:  "newAnswer",
		Params:    map[string]any{"title": "q", "score": 3.5, "urgent": true, "extra": nil},
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted())
}

type failingQueue struct {
	queue.Queue
	err error
}

func (f failingQueue) Enqueue(context.Context, model.Message) (string, error) { return "", f.err }

func TestAccept_EnqueueFailureReleasesDedupeKey(t *testing.T) {
	f := newFixture(t)
	acc := NewAcceptor(f.dd, failingQueue{err: errors.New("db down")}, content.Defaults(), WithClock(f.clock.Now))

	_, err := acc.Accept(context.Background(), emailReq())
	require.Error(t, err)
	assert.Equal(t, 0, f.dd.Len())

	ok := NewAcceptor(f.dd, f.q, content.Defaults(), WithClock(f.clock.Now))
	res, err := ok.Accept(context.Background(), emailReq())
	require.NoError(t, err)
	assert.True(t, res.Accepted())
}

func TestAccept_QueueDuplicateIsRejection(t *testing.T) {
	f := newFixture(t)
	acc := NewAcceptor(f.dd, failingQueue{err: queue.ErrDuplicate}, content.Defaults(), WithClock(f.clock.Now))

	res, err := acc.Accept(context.Background(), emailReq())
	require.NoError(t, err)
	assert.Equal(t, RejectDuplicate, res.Rejection)
}

type failingDedupe struct{}

func (failingDedupe) Accept(context.Context, string) (dedupe.Verdict, error) {
	return dedupe.Accepted, errors.New("redis unavailable")
}

func (failingDedupe) Forget(context.Context, string) error { return nil }

func TestAccept_DedupeBackendErrorIsInfrastructureError(t *testing.T) {
	f := newFixture(t)
	acc := NewAcceptor(failingDedupe{}, f.q, content.Defaults())

	res, err := acc.Accept(context.Background(), emailReq())
	require.Error(t, err)
	assert.False(t, res.Accepted())
}

func TestNewUUIDv7(t *testing.T) {
	a, err := newUUIDv7()
	require.NoError(t, err)
	b, err := newUUIDv7()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}
