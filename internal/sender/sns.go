package sender

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/LeventeLantos/notification-dispatcher/internal/content"
	"github.com/LeventeLantos/notification-dispatcher/internal/model"
)

const smsTypeAttribute = "AWS.SNS.SMS.SMSType"

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

var snsPermanentCodes = map[string]bool{
	"InvalidParameter":      true,
	"InvalidParameterValue": true,
	"AuthorizationError":    true,
	"EndpointDisabled":      true,
	"NotFound":              true,
	"OptedOut":              true,
}

// SNSSMS sends transactional SMS through Amazon SNS.
type SNSSMS struct {
	client    snsAPI
	maxLength int
}

var _ Sender = (*SNSSMS)(nil)

func NewSNSSMS(client *sns.Client, maxLength int) *SNSSMS {
	return &SNSSMS{client: client, maxLength: maxLength}
}

func (s *SNSSMS) Channel() model.Channel { return model.ChannelSMS }

func (s *SNSSMS) Send(ctx context.Context, msg model.Message, c content.Content) Result {
	if err := checkSMS(c.Text, s.maxLength); err != nil {
		return Failed(Permanent, err)
	}

	out, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(msg.Recipient),
		Message:     aws.String(c.Text),
		MessageAttributes: map[string]types.MessageAttributeValue{
			smsTypeAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	})
	if err != nil {
		return Failed(classifyAWS(err, snsPermanentCodes), fmt.Errorf("sns publish: %w", err))
	}
	return Delivered(aws.ToString(out.MessageId))
}
