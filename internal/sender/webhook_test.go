package sender

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/LeventeLantos/notification-dispatcher/internal/client"
	"github.com/LeventeLantos/notification-dispatcher/internal/content"
	"github.com/LeventeLantos/notification-dispatcher/internal/model"
)

type fakeGateway struct {
	id    string
	err   error
	calls int
}

func (f *fakeGateway) Send(context.Context, string, string) (string, error) {
	f.calls++
	return f.id, f.err
}

func TestWebhookSMS_Send(t *testing.T) {
	tests := []struct {
		name     string
		gateway  *fakeGateway
		text     string
		wantOK   bool
		wantKind ErrorKind
		calls    int
	}{
		{"accepted", &fakeGateway{id: "gw-1"}, "hello", true, 0, 1},
		{"throttled", &fakeGateway{err: &client.StatusError{StatusCode: 429}}, "hello", false, Transient, 1},
		{"gateway down", &fakeGateway{err: &client.StatusError{StatusCode: 503}}, "hello", false, Transient, 1},
		{"bad number", &fakeGateway{err: &client.StatusError{StatusCode: 400}}, "hello", false, Permanent, 1},
		{"network", &fakeGateway{err: errors.New("connection refused")}, "hello", false, Transient, 1},
		{"too long", &fakeGateway{}, strings.Repeat("x", 161), false, Permanent, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &WebhookSMS{gateway: tt.gateway, maxLength: DefaultSMSMaxLength}

			res := s.Send(context.Background(), model.Message{Recipient: "+3612345678"}, content.Content{Text: tt.text})

			assert.Equal(t, tt.wantOK, res.OK())
			assert.Equal(t, tt.wantKind, res.Kind)
			assert.Equal(t, tt.calls, tt.gateway.calls)
			if tt.wantOK {
				assert.Equal(t, "gw-1", res.ProviderMessageID)
			}
		})
	}
}
