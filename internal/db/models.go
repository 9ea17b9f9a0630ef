package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// NotificationType identifies what a notification is about.
type NotificationType string

const (
	TypeStatusChange    NotificationType = "status_change"
	TypeGateChange      NotificationType = "gate_change"
	TypeBoardingCall    NotificationType = "boarding_call"
	TypeDelay           NotificationType = "delay"
	TypeCancellation    NotificationType = "cancellation"
	TypeScheduleChange  NotificationType = "schedule_change"
	TypeCheckInReminder NotificationType = "check_in_reminder"
	TypeBaggageUpdate   NotificationType = "baggage_update"
)

// NotificationTypes lists every known type in a stable order.
var NotificationTypes = []NotificationType{
	TypeStatusChange,
	TypeGateChange,
	TypeBoardingCall,
	TypeDelay,
	TypeCancellation,
	TypeScheduleChange,
	TypeCheckInReminder,
	TypeBaggageUpdate,
}

// Valid reports whether t is one of the known notification types.
func (t NotificationType) Valid() bool {
	for _, known := range NotificationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Channel is a delivery transport.
type Channel string

const (
	ChannelMail  Channel = "mail"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "database"
)

// Channels lists every channel in dispatch order.
var Channels = []Channel{ChannelMail, ChannelSMS, ChannelPush, ChannelInApp}

// Priority of a notification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Status constants for delivery records
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Flight status constants
const (
	FlightScheduled = "scheduled"
	FlightOnTime    = "on_time"
	FlightDelayed   = "delayed"
	FlightBoarding  = "boarding"
	FlightDeparted  = "departed"
	FlightArrived   = "arrived"
	FlightCancelled = "cancelled"
)

// Frequency modes. Only immediate has delivery semantics; the others are stored as-is.
const (
	FrequencyImmediate = "immediate"
	FrequencyBatched   = "batched"
	FrequencySummary   = "summary"
)

// Flight is the subset of a flight row the notification engine reads.
type Flight struct {
	ID                 int64      `json:"id"`
	FlightNumber       string     `json:"flight_number"`
	Airline            string     `json:"airline"`
	Status             string     `json:"status"`
	Gate               *string    `json:"gate,omitempty"`
	OriginCity         string     `json:"origin_city"`
	DestinationCity    string     `json:"destination_city"`
	ScheduledDeparture time.Time  `json:"scheduled_departure"`
	ScheduledArrival   *time.Time `json:"scheduled_arrival,omitempty"`
	ActualDeparture    *time.Time `json:"actual_departure,omitempty"`
}

// GateOrEmpty returns the gate or "" when unassigned.
func (f *Flight) GateOrEmpty() string {
	if f.Gate == nil {
		return ""
	}
	return *f.Gate
}

// Passenger is a notification recipient booked on a flight.
type Passenger struct {
	ID               int64             `json:"id"`
	FlightID         int64             `json:"flight_id"`
	Name             string            `json:"name"`
	Email            string            `json:"email"`
	Phone            string            `json:"phone"`
	SeatNumber       string            `json:"seat_number"`
	BookingReference string            `json:"booking_reference"`
	Preference       *Preference       `json:"preference,omitempty"`
	PushSubscription *PushSubscription `json:"push_subscription,omitempty"`
}

// Preference holds a passenger's notification preferences.
// A nil *Preference on a Passenger means "no record": resolvers apply defaults.
type Preference struct {
	PassengerID int64 `json:"passenger_id"`

	EmailEnabled bool `json:"email_enabled"`
	SMSEnabled   bool `json:"sms_enabled"`
	PushEnabled  bool `json:"push_enabled"`
	InAppEnabled bool `json:"in_app_enabled"`

	StatusChanges    bool `json:"flight_status_changes"`
	GateChanges      bool `json:"gate_changes"`
	BoardingCalls    bool `json:"boarding_calls"`
	Delays           bool `json:"delays"`
	Cancellations    bool `json:"cancellations"`
	ScheduleChanges  bool `json:"schedule_changes"`
	CheckInReminders bool `json:"check_in_reminders"`
	BaggageUpdates   bool `json:"baggage_updates"`

	BoardingCallAdvanceMinutes int `json:"boarding_call_advance_minutes" validate:"min=10,max=120"`
	DelayThresholdMinutes      int `json:"delay_notification_threshold" validate:"min=5,max=180"`

	// QuietHoursStart and QuietHoursEnd are "HH:MM" local times; both empty disables quiet hours.
	QuietHoursStart string `json:"quiet_hours_start,omitempty" validate:"omitempty,clock"`
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty" validate:"omitempty,clock"`

	Frequency string `json:"notification_frequency" validate:"omitempty,oneof=immediate batched summary"`
	Language  string `json:"language,omitempty" validate:"omitempty,max=5"`
	Timezone  string `json:"timezone,omitempty" validate:"omitempty,timezone"`
}

// PushSubscription is a browser push endpoint registered by a passenger.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// Template is a content template for a (type, channel, language[, variant]) key.
type Template struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Type        NotificationType  `json:"type"`
	Channel     Channel           `json:"channel"`
	Language    string            `json:"language"`
	Variant     *string           `json:"variant,omitempty"`
	Subject     *string           `json:"subject,omitempty"`
	Body        string            `json:"body"`
	HTMLBody    *string           `json:"html_body,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	IsActive    bool              `json:"is_active"`
	UsageCount  int               `json:"usage_count"`
	SuccessRate float64           `json:"success_rate"`
}

// NotificationEvent describes something worth telling passengers about.
// Events are values; the engine never mutates them.
type NotificationEvent struct {
	Type       NotificationType `json:"type"`
	FlightID   int64            `json:"flight_id"`
	Attributes map[string]any   `json:"attributes,omitempty"`
	Priority   Priority         `json:"priority,omitempty"`
}

// ChannelOutcome is the result of one channel attempt, kept in record metadata.
type ChannelOutcome struct {
	Status      string `json:"status"`
	ProviderRef string `json:"provider_ref,omitempty"`
	Error       string `json:"error,omitempty"`
}

// DeliveryRecord is the durable receipt of notifying one recipient about one event.
type DeliveryRecord struct {
	ID             uuid.UUID                  `json:"id"`
	NotificationID uuid.UUID                  `json:"notification_id"`
	PassengerID    int64                      `json:"passenger_id"`
	FlightID       int64                      `json:"flight_id"`
	Type           NotificationType           `json:"type"`
	Message        string                     `json:"message"`
	Status         string                     `json:"status"`
	Channels       []Channel                  `json:"delivery_channels"`
	SentAt         *time.Time                 `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time                 `json:"delivered_at,omitempty"`
	FailedAt       *time.Time                 `json:"failed_at,omitempty"`
	FailureReason  *string                    `json:"failure_reason,omitempty"`
	RetryCount     int                        `json:"retry_count"`
	RetryAt        *time.Time                 `json:"retry_at,omitempty"`
	Priority       Priority                   `json:"priority"`
	TemplateName   *string                    `json:"template_name,omitempty"`
	TemplateData   map[string]any             `json:"template_data,omitempty"`
	Metadata       map[Channel]ChannelOutcome `json:"metadata,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// FailedChannels returns the channels whose last outcome was a failure.
func (r *DeliveryRecord) FailedChannels() []Channel {
	var out []Channel
	for _, ch := range r.Channels {
		if o, ok := r.Metadata[ch]; ok && o.Status == StatusFailed {
			out = append(out, ch)
		}
	}
	return out
}

// InboxMessage is an in-app notification shown to a passenger.
type InboxMessage struct {
	ID             uuid.UUID       `json:"id"`
	PassengerID    int64           `json:"passenger_id"`
	NotificationID uuid.UUID       `json:"notification_id"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DeliveryStats aggregates delivery records over a window.
type DeliveryStats struct {
	Since     time.Time        `json:"since"`
	Total     int              `json:"total"`
	ByStatus  map[string]int   `json:"by_status"`
	ByType    map[string]int   `json:"by_type"`
	ByChannel map[string]int   `json:"by_channel"`
	Exhausted int              `json:"exhausted"`
	Boarding  BoardingCallStat `json:"boarding_calls"`
}

// BoardingCallStat summarises boarding-call deliveries.
type BoardingCallStat struct {
	Total         int `json:"total"`
	Delivered     int `json:"delivered"`
	Failed        int `json:"failed"`
	UniqueFlights int `json:"unique_flights"`
}
