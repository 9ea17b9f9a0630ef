package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/db"
)

func testMessage(ch db.Channel) *Message {
	return &Message{
		NotificationID: uuid.New(),
		FlightID:       42,
		Channel:        ch,
		Type:           db.TypeGateChange,
		Priority:       db.PriorityHigh,
		Recipient: Recipient{
			PassengerID: 7,
			Name:        "Ada",
			Email:       "ada@example.com",
			Phone:       "+15550100",
			Push:        &db.PushSubscription{Endpoint: "https://push.example.com/sub", P256dh: "key", Auth: "auth"},
		},
		Subject:  "Flight Update - GC101",
		Body:     "Gate change for flight GC101",
		HTMLBody: "<p>Gate change</p>",
	}
}

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-123")}, nil
}

type fakeSNS struct {
	input *sns.PublishInput
	err   error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("sns-456")}, nil
}

func TestSESTransport_Deliver(t *testing.T) {
	client := &fakeSES{}
	tr := NewSESTransportWithClient(client, "noreply@gatecall.example", zap.NewNop())

	res, err := tr.Deliver(context.Background(), testMessage(db.ChannelMail))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ProviderRef != "ses-123" {
		t.Errorf("provider ref = %q", res.ProviderRef)
	}
	if got := client.input.Destination.ToAddresses; len(got) != 1 || got[0] != "ada@example.com" {
		t.Errorf("to = %v", got)
	}
	if aws.ToString(client.input.Message.Subject.Data) != "Flight Update - GC101" {
		t.Errorf("subject = %q", aws.ToString(client.input.Message.Subject.Data))
	}
	if client.input.Message.Body.Html == nil {
		t.Error("expected HTML part")
	}
}

func TestSESTransport_Errors(t *testing.T) {
	tr := NewSESTransportWithClient(&fakeSES{}, "from@example.com", zap.NewNop())

	msg := testMessage(db.ChannelMail)
	msg.Recipient.Email = ""
	if _, err := tr.Deliver(context.Background(), msg); !errors.Is(err, ErrNoAddress) {
		t.Fatalf("expected ErrNoAddress, got %v", err)
	}

	if _, err := tr.Deliver(context.Background(), testMessage(db.ChannelSMS)); err == nil {
		t.Fatal("expected channel mismatch error")
	}

	failing := NewSESTransportWithClient(&fakeSES{err: errors.New("throttling")}, "from@example.com", zap.NewNop())
	if _, err := failing.Deliver(context.Background(), testMessage(db.ChannelMail)); err == nil {
		t.Fatal("expected provider error")
	}
}

func TestSNSTransport_Deliver(t *testing.T) {
	client := &fakeSNS{}
	tr := NewSNSTransportWithClient(client, "GATECALL", zap.NewNop())

	msg := testMessage(db.ChannelSMS)
	msg.Body = strings.Repeat("x", 600)

	res, err := tr.Deliver(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ProviderRef != "sns-456" {
		t.Errorf("provider ref = %q", res.ProviderRef)
	}
	if aws.ToString(client.input.PhoneNumber) != "+15550100" {
		t.Errorf("phone = %q", aws.ToString(client.input.PhoneNumber))
	}
	if n := len(aws.ToString(client.input.Message)); n != maxSMSLength {
		t.Errorf("expected truncation to %d, got %d", maxSMSLength, n)
	}
	if _, ok := client.input.MessageAttributes["AWS.SNS.SMS.SenderID"]; !ok {
		t.Error("expected sender id attribute")
	}

	msg.Recipient.Phone = ""
	if _, err := tr.Deliver(context.Background(), msg); !errors.Is(err, ErrNoAddress) {
		t.Fatalf("expected ErrNoAddress, got %v", err)
	}
}

func TestPushTransport_Deliver(t *testing.T) {
	var got pushRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Gatecall-Notification-ID") == "" {
			t.Error("missing notification id header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"message_id":"push-789"}`))
	}))
	defer server.Close()

	tr := NewPushTransport(PushConfig{GatewayURL: server.URL, Timeout: time.Second}, zap.NewNop())
	res, err := tr.Deliver(context.Background(), testMessage(db.ChannelPush))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ProviderRef != "push-789" {
		t.Errorf("provider ref = %q", res.ProviderRef)
	}
	if got.Subscription.Endpoint != "https://push.example.com/sub" {
		t.Errorf("endpoint = %q", got.Subscription.Endpoint)
	}
	if got.Urgency != "high" {
		t.Errorf("urgency = %q", got.Urgency)
	}
	if got.Payload.Title != "Flight Update - GC101" {
		t.Errorf("title = %q", got.Payload.Title)
	}
}

func TestPushTransport_StatusHandling(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusGone, ErrSubscriptionGone},
		{http.StatusNotFound, ErrSubscriptionGone},
		{http.StatusTooManyRequests, ErrThrottled},
		{http.StatusInternalServerError, nil},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			tr := NewPushTransport(PushConfig{GatewayURL: server.URL}, zap.NewNop())
			_, err := tr.Deliver(context.Background(), testMessage(db.ChannelPush))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestPushTransport_NoSubscription(t *testing.T) {
	tr := NewPushTransport(PushConfig{GatewayURL: "http://127.0.0.1:0"}, zap.NewNop())
	msg := testMessage(db.ChannelPush)
	msg.Recipient.Push = nil

	if _, err := tr.Deliver(context.Background(), msg); !errors.Is(err, ErrNoAddress) {
		t.Fatalf("expected ErrNoAddress, got %v", err)
	}
}

type fakeInbox struct {
	messages []*db.InboxMessage
	err      error
}

func (f *fakeInbox) CreateInboxMessage(_ context.Context, msg *db.InboxMessage) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

func TestInAppTransport_Deliver(t *testing.T) {
	store := &fakeInbox{}
	tr := NewInAppTransport(store, zap.NewNop())

	msg := testMessage(db.ChannelInApp)
	res, err := tr.Deliver(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.messages) != 1 {
		t.Fatalf("expected one inbox message, got %d", len(store.messages))
	}
	stored := store.messages[0]
	if res.ProviderRef != stored.ID.String() {
		t.Errorf("provider ref %q should be inbox id %s", res.ProviderRef, stored.ID)
	}
	if stored.NotificationID != msg.NotificationID || stored.PassengerID != 7 {
		t.Errorf("unexpected inbox row %+v", stored)
	}

	var payload inboxPayload
	if err := json.Unmarshal(stored.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Body != msg.Body || payload.Type != string(db.TypeGateChange) {
		t.Errorf("payload = %+v", payload)
	}
}

func TestRouter(t *testing.T) {
	logger := zap.NewNop()
	inbox := &fakeInbox{}
	router := NewRouter(logger,
		NewSESTransportWithClient(&fakeSES{}, "from@example.com", logger),
		NewInAppTransport(inbox, logger),
	)

	tests := []struct {
		ch   db.Channel
		want bool
	}{
		{db.ChannelMail, true},
		{db.ChannelInApp, true},
		{db.ChannelSMS, false},
		{db.ChannelPush, false},
	}
	for _, tt := range tests {
		if got := router.SupportsChannel(tt.ch); got != tt.want {
			t.Errorf("SupportsChannel(%s) = %v, want %v", tt.ch, got, tt.want)
		}
	}

	if _, err := router.Deliver(context.Background(), testMessage(db.ChannelInApp)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(inbox.messages) != 1 {
		t.Fatal("expected in-app transport to receive the message")
	}

	if _, err := router.Deliver(context.Background(), testMessage(db.ChannelSMS)); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}
}

func TestLogTransport(t *testing.T) {
	tr := NewLogTransport(zap.NewNop(), db.ChannelSMS, db.ChannelPush)
	if !tr.SupportsChannel(db.ChannelSMS) || tr.SupportsChannel(db.ChannelMail) {
		t.Fatal("unexpected channel support")
	}
	res, err := tr.Deliver(context.Background(), testMessage(db.ChannelSMS))
	if err != nil || !strings.HasPrefix(res.ProviderRef, "log-") {
		t.Fatalf("got %+v, %v", res, err)
	}
}

type fakeLimiter struct {
	allow bool
	err   error
	calls int
}

func (f *fakeLimiter) Allow(_ context.Context, _ string) (bool, error) {
	f.calls++
	return f.allow, f.err
}

func TestThrottledTransport(t *testing.T) {
	client := &fakeSNS{}
	inner := NewSNSTransportWithClient(client, "", zap.NewNop())

	denied := NewThrottledTransport(inner, &fakeLimiter{allow: false}, "sms", zap.NewNop())
	if _, err := denied.Deliver(context.Background(), testMessage(db.ChannelSMS)); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	if client.input != nil {
		t.Fatal("throttled send must not reach the provider")
	}

	broken := NewThrottledTransport(inner, &fakeLimiter{err: errors.New("redis down")}, "sms", zap.NewNop())
	if _, err := broken.Deliver(context.Background(), testMessage(db.ChannelSMS)); err != nil {
		t.Fatalf("limiter failure should not block sends: %v", err)
	}

	if !denied.SupportsChannel(db.ChannelSMS) {
		t.Fatal("should delegate SupportsChannel")
	}
}
