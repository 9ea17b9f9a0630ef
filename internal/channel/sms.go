package channel

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/db"
)

// SNSAPI is the part of the SNS client the SMS transport uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// maxSMSLength keeps messages within a few concatenated segments.
const maxSMSLength = 459

// SNSTransport sends SMS through AWS SNS
type SNSTransport struct {
	client   SNSAPI
	senderID string
	logger   *zap.Logger
}

type SNSConfig struct {
	Region   string
	SenderID string
	Endpoint string
}

// NewSNSTransport loads the default AWS config and creates an SMS transport
func NewSNSTransport(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewSNSTransportWithClient(client, cfg.SenderID, logger), nil
}

// NewSNSTransportWithClient creates an SMS transport over an existing client
func NewSNSTransportWithClient(client SNSAPI, senderID string, logger *zap.Logger) *SNSTransport {
	return &SNSTransport{client: client, senderID: senderID, logger: logger}
}

// Deliver publishes the message body as a transactional SMS
func (s *SNSTransport) Deliver(ctx context.Context, msg *Message) (Result, error) {
	if msg.Channel != db.ChannelSMS {
		return Result{}, fmt.Errorf("SNS transport only supports SMS, got: %s", msg.Channel)
	}
	if msg.Recipient.Phone == "" {
		return Result{}, fmt.Errorf("%w: sms", ErrNoAddress)
	}

	text := msg.Body
	if len(text) > maxSMSLength {
		text = text[:maxSMSLength-3] + "..."
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(msg.Recipient.Phone),
		Message:           aws.String(text),
		MessageAttributes: attrs,
	})
	if err != nil {
		return Result{}, fmt.Errorf("sns publish failed: %w", err)
	}

	ref := aws.ToString(result.MessageId)
	s.logger.Info("SMS sent via SNS",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.Int64("passenger_id", msg.Recipient.PassengerID),
		zap.String("message_id", ref),
	)

	return Result{ProviderRef: ref}, nil
}

// SupportsChannel reports whether this is the SMS channel
func (s *SNSTransport) SupportsChannel(ch db.Channel) bool {
	return ch == db.ChannelSMS
}
