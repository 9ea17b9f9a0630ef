package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/db"
)

type fakeAPI struct {
	sent       []*sqs.SendMessageInput
	deleted    []string
	visibility map[string]int32
	bodies     []string
	sendErr    error
}

func (f *fakeAPI) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeAPI) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	out := &sqs.ReceiveMessageOutput{}
	for i, b := range f.bodies {
		out.Messages = append(out.Messages, types.Message{
			Body:          aws.String(b),
			ReceiptHandle: aws.String(string(rune('a' + i))),
		})
	}
	return out, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeAPI) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if f.visibility == nil {
		f.visibility = map[string]int32{}
	}
	f.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestProducer_Enqueue(t *testing.T) {
	api := &fakeAPI{}
	p := NewProducerWithClient(api, "https://sqs.local/flight-events", zap.NewNop())

	ev := db.NotificationEvent{
		Type:       db.TypeDelay,
		FlightID:   42,
		Attributes: map[string]any{"delay_minutes": 45},
		Priority:   db.PriorityHigh,
	}

	id, err := p.Enqueue(context.Background(), ev, "api")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatal("expected an event id")
	}

	var msg Message
	if err := json.Unmarshal([]byte(aws.ToString(api.sent[0].MessageBody)), &msg); err != nil {
		t.Fatalf("body: %v", err)
	}
	if msg.EventID != id || msg.Source != "api" {
		t.Errorf("message = %+v", msg)
	}

	got := msg.Event()
	if got.Type != db.TypeDelay || got.FlightID != 42 || got.Priority != db.PriorityHigh {
		t.Errorf("event = %+v", got)
	}
	// JSON numbers decode as float64.
	if got.Attributes["delay_minutes"] != float64(45) {
		t.Errorf("delay_minutes = %v", got.Attributes["delay_minutes"])
	}
}

func TestProducer_EnqueueError(t *testing.T) {
	p := NewProducerWithClient(&fakeAPI{sendErr: errors.New("throttled")}, "q", zap.NewNop())

	if _, err := p.Enqueue(context.Background(), db.NotificationEvent{Type: db.TypeGateChange, FlightID: 1}, "api"); err == nil {
		t.Fatal("expected error")
	}
}

func TestConsumer_DropsMalformedBodies(t *testing.T) {
	api := &fakeAPI{bodies: []string{
		`{"event_id":"e1","type":"gate_change","flight_id":7}`,
		`not json`,
	}}
	c := NewConsumerWithClient(api, "q", zap.NewNop())

	got, err := c.ReceiveMessages(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 decoded message, got %d", len(got))
	}
	if got[0].Message.FlightID != 7 || got[0].ReceiptHandle != "a" {
		t.Errorf("received = %+v", got[0])
	}
	if len(api.deleted) != 1 || api.deleted[0] != "b" {
		t.Errorf("malformed message should be deleted, deleted = %v", api.deleted)
	}
}

func TestConsumer_ChangeVisibility(t *testing.T) {
	api := &fakeAPI{}
	c := NewConsumerWithClient(api, "q", zap.NewNop())

	if err := c.ChangeVisibility(context.Background(), "h1", 0); err != nil {
		t.Fatal(err)
	}
	if v, ok := api.visibility["h1"]; !ok || v != 0 {
		t.Errorf("visibility = %v", api.visibility)
	}
}
