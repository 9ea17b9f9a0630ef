// Package sns fans "notification created/updated" events out to an SNS topic
// that browser-facing services subscribe to.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/lalithlochan/gatecall/internal/db"
)

// maxBatch is the SNS PublishBatch entry limit.
const maxBatch = 10

// API is the part of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

// Publisher publishes delivery record changes to a topic
type Publisher struct {
	client   API
	topicARN string
}

// Message is the broadcast payload for one delivery record.
type Message struct {
	Event          string              `json:"event"`
	NotificationID string              `json:"notification_id"`
	PassengerID    int64               `json:"passenger_id"`
	FlightID       int64               `json:"flight_id"`
	Type           db.NotificationType `json:"type"`
	Status         string              `json:"status"`
	Priority       db.Priority         `json:"priority"`
	Channels       []db.Channel        `json:"channels"`
	Message        string              `json:"message,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
}

// NewMessage builds the broadcast payload for rec.
func NewMessage(event string, rec *db.DeliveryRecord) Message {
	ts := rec.UpdatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Message{
		Event:          event,
		NotificationID: rec.NotificationID.String(),
		PassengerID:    rec.PassengerID,
		FlightID:       rec.FlightID,
		Type:           rec.Type,
		Status:         rec.Status,
		Priority:       rec.Priority,
		Channels:       rec.Channels,
		Message:        rec.Message,
		Timestamp:      ts,
	}
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN string, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewPublisherWithClient(sns.NewFromConfig(cfg), topicARN), nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return NewPublisherWithClient(client, topicARN), nil
}

// NewPublisherWithClient creates a publisher over an existing client
func NewPublisherWithClient(client API, topicARN string) *Publisher {
	return &Publisher{client: client, topicARN: topicARN}
}

func attributes(msg Message) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"event": {
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.Event),
		},
		"passenger_id": {
			DataType:    aws.String("Number"),
			StringValue: aws.String(strconv.FormatInt(msg.PassengerID, 10)),
		},
		"type": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(msg.Type)),
		},
	}
}

// Publish sends one message to the topic
func (p *Publisher) Publish(ctx context.Context, msg Message) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: attributes(msg),
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// PublishBatch sends up to ten messages in one call
func (p *Publisher) PublishBatch(ctx context.Context, messages []Message) ([]string, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	if len(messages) > maxBatch {
		return nil, fmt.Errorf("batch size exceeds SNS limit of %d", maxBatch)
	}

	entries := make([]types.PublishBatchRequestEntry, len(messages))
	for i, msg := range messages {
		payload, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message %d: %w", i, err)
		}

		entries[i] = types.PublishBatchRequestEntry{
			Id:                aws.String(msg.NotificationID),
			Message:           aws.String(string(payload)),
			MessageAttributes: attributes(msg),
		}
	}

	result, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(p.topicARN),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish batch to SNS: %w", err)
	}

	if len(result.Failed) > 0 {
		return nil, fmt.Errorf("partial batch failure: %d messages failed", len(result.Failed))
	}

	messageIDs := make([]string, len(result.Successful))
	for i, entry := range result.Successful {
		messageIDs[i] = aws.ToString(entry.MessageId)
	}

	return messageIDs, nil
}

// Broadcast publishes event for every record, ten per call.
func (p *Publisher) Broadcast(ctx context.Context, event string, recs []*db.DeliveryRecord) error {
	for start := 0; start < len(recs); start += maxBatch {
		end := min(start+maxBatch, len(recs))

		batch := make([]Message, 0, end-start)
		for _, rec := range recs[start:end] {
			batch = append(batch, NewMessage(event, rec))
		}

		if _, err := p.PublishBatch(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}
