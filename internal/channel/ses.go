package channel

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/db"
)

// SESAPI is the part of the SES client the mail transport uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESTransport sends mail through AWS SES
type SESTransport struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
	Endpoint  string
}

// NewSESTransport loads the default AWS config and creates an SES mail transport
func NewSESTransport(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	client := ses.NewFromConfig(awsCfg, func(o *ses.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewSESTransportWithClient(client, cfg.FromEmail, logger), nil
}

// NewSESTransportWithClient creates a mail transport over an existing client
func NewSESTransportWithClient(client SESAPI, from string, logger *zap.Logger) *SESTransport {
	return &SESTransport{client: client, from: from, logger: logger}
}

// Deliver sends the message as a plain-text email, with an HTML part when present
func (s *SESTransport) Deliver(ctx context.Context, msg *Message) (Result, error) {
	if msg.Channel != db.ChannelMail {
		return Result{}, fmt.Errorf("SES transport only supports mail, got: %s", msg.Channel)
	}
	if msg.Recipient.Email == "" {
		return Result{}, fmt.Errorf("%w: mail", ErrNoAddress)
	}

	body := &types.Body{
		Text: &types.Content{
			Data:    aws.String(msg.Body),
			Charset: aws.String("UTF-8"),
		},
	}
	if msg.HTMLBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HTMLBody),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Recipient.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
		Tags: []types.MessageTag{
			{Name: aws.String("notification_type"), Value: aws.String(string(msg.Type))},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return Result{}, fmt.Errorf("ses send failed: %w", err)
	}

	ref := aws.ToString(result.MessageId)
	s.logger.Info("email sent via SES",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.Int64("passenger_id", msg.Recipient.PassengerID),
		zap.String("message_id", ref),
	)

	return Result{ProviderRef: ref}, nil
}

// SupportsChannel reports whether this is the mail channel
func (s *SESTransport) SupportsChannel(ch db.Channel) bool {
	return ch == db.ChannelMail
}
