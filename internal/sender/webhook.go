package sender

import (
	"context"
	"errors"
	"fmt"

	"github.com/LeventeLantos/notification-dispatcher/internal/client"
	"github.com/LeventeLantos/notification-dispatcher/internal/content"
	"github.com/LeventeLantos/notification-dispatcher/internal/model"
)

type smsGateway interface {
	Send(ctx context.Context, phoneNumber, message string) (string, error)
}

// WebhookSMS sends SMS through an HTTP gateway.
type WebhookSMS struct {
	gateway   smsGateway
	maxLength int
}

var _ Sender = (*WebhookSMS)(nil)

func NewWebhookSMS(gateway *client.SMSGateway, maxLength int) *WebhookSMS {
	return &WebhookSMS{gateway: gateway, maxLength: maxLength}
}

func (s *WebhookSMS) Channel() model.Channel { return model.ChannelSMS }

func (s *WebhookSMS) Send(ctx context.Context, msg model.Message, c content.Content) Result {
	if err := checkSMS(c.Text, s.maxLength); err != nil {
		return Failed(Permanent, err)
	}

	id, err := s.gateway.Send(ctx, msg.Recipient, c.Text)
	if err != nil {
		return Failed(classifyGateway(err), fmt.Errorf("sms gateway: %w", err))
	}
	return Delivered(id)
}

func classifyGateway(err error) ErrorKind {
	var se *client.StatusError
	if errors.As(err, &se) && !se.Retryable() {
		return Permanent
	}
	return Transient
}
