package sns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"

	"github.com/lalithlochan/gatecall/internal/db"
)

type fakeAPI struct {
	published []*sns.PublishInput
	batches   []*sns.PublishBatchInput
	failOne   bool
	err       error
}

func (f *fakeAPI) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, in)
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func (f *fakeAPI) PublishBatch(_ context.Context, in *sns.PublishBatchInput, _ ...func(*sns.Options)) (*sns.PublishBatchOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, in)

	out := &sns.PublishBatchOutput{}
	for i, e := range in.PublishBatchRequestEntries {
		if f.failOne && i == 0 {
			out.Failed = append(out.Failed, types.BatchResultErrorEntry{Id: e.Id})
			continue
		}
		out.Successful = append(out.Successful, types.PublishBatchResultEntry{Id: e.Id, MessageId: e.Id})
	}
	return out, nil
}

func record(status string) *db.DeliveryRecord {
	return &db.DeliveryRecord{
		ID:             uuid.New(),
		NotificationID: uuid.New(),
		PassengerID:    7,
		FlightID:       42,
		Type:           db.TypeGateChange,
		Status:         status,
		Priority:       db.PriorityHigh,
		Channels:       []db.Channel{db.ChannelMail, db.ChannelInApp},
		Message:        "Gate change",
	}
}

func TestPublish(t *testing.T) {
	api := &fakeAPI{}
	p := NewPublisherWithClient(api, "arn:aws:sns:us-east-1:123:gatecall")

	id, err := p.Publish(context.Background(), NewMessage("notification.created", record(db.StatusSent)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "msg-1" {
		t.Errorf("message id = %q", id)
	}

	in := api.published[0]
	if aws.ToString(in.MessageAttributes["event"].StringValue) != "notification.created" {
		t.Errorf("event attribute = %v", in.MessageAttributes["event"])
	}
	if aws.ToString(in.MessageAttributes["passenger_id"].StringValue) != "7" {
		t.Errorf("passenger attribute = %v", in.MessageAttributes["passenger_id"])
	}

	var decoded Message
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if decoded.Status != db.StatusSent || decoded.FlightID != 42 {
		t.Errorf("payload = %+v", decoded)
	}
}

func TestBroadcast_ChunksIntoBatchesOfTen(t *testing.T) {
	api := &fakeAPI{}
	p := NewPublisherWithClient(api, "arn")

	recs := make([]*db.DeliveryRecord, 23)
	for i := range recs {
		recs[i] = record(db.StatusSent)
	}

	if err := p.Broadcast(context.Background(), "notification.created", recs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(api.batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(api.batches))
	}
	sizes := []int{10, 10, 3}
	for i, b := range api.batches {
		if len(b.PublishBatchRequestEntries) != sizes[i] {
			t.Errorf("batch %d size = %d, want %d", i, len(b.PublishBatchRequestEntries), sizes[i])
		}
	}
}

func TestPublishBatch_Errors(t *testing.T) {
	p := NewPublisherWithClient(&fakeAPI{}, "arn")

	if ids, err := p.PublishBatch(context.Background(), nil); err != nil || ids != nil {
		t.Fatalf("empty batch: %v %v", ids, err)
	}

	tooMany := make([]Message, 11)
	if _, err := p.PublishBatch(context.Background(), tooMany); err == nil {
		t.Fatal("expected error for oversized batch")
	}

	partial := NewPublisherWithClient(&fakeAPI{failOne: true}, "arn")
	if _, err := partial.PublishBatch(context.Background(), []Message{NewMessage("notification.updated", record(db.StatusFailed))}); err == nil {
		t.Fatal("expected partial failure error")
	}

	down := NewPublisherWithClient(&fakeAPI{err: errors.New("unreachable")}, "arn")
	if err := down.Broadcast(context.Background(), "notification.created", []*db.DeliveryRecord{record(db.StatusSent)}); err == nil {
		t.Fatal("expected error")
	}
}
