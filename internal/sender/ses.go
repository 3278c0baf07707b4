package sender

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/LeventeLantos/notification-dispatcher/internal/content"
	"github.com/LeventeLantos/notification-dispatcher/internal/model"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

var sesPermanentCodes = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"BadRequestException":                true,
	"AccountSuspendedException":          true,
	"SendingPausedException":             true,
	"NotFoundException":                  true,
}

// SESEmail sends email through Amazon SES v2.
type SESEmail struct {
	client        sesAPI
	senderAddress string
}

var _ Sender = (*SESEmail)(nil)

func NewSESEmail(client *sesv2.Client, senderAddress string) *SESEmail {
	return &SESEmail{client: client, senderAddress: senderAddress}
}

func (s *SESEmail) Channel() model.Channel { return model.ChannelEmail }

func (s *SESEmail) Send(ctx context.Context, msg model.Message, c content.Content) Result {
	if c.Subject == "" || (c.HTMLBody == "" && c.Text == "") {
		return Failed(Permanent, ErrEmptyContent)
	}

	body := &types.Body{}
	if c.HTMLBody != "" {
		body.Html = utf8Content(c.HTMLBody)
	}
	if c.Text != "" {
		body.Text = utf8Content(c.Text)
	}

	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.senderAddress),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Recipient},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: utf8Content(c.Subject),
				Body:    body,
			},
		},
	})
	if err != nil {
		return Failed(classifyAWS(err, sesPermanentCodes), fmt.Errorf("ses send email: %w", err))
	}
	return Delivered(aws.ToString(out.MessageId))
}

func utf8Content(s string) *types.Content {
	return &types.Content{Data: aws.String(s), Charset: aws.String("UTF-8")}
}
