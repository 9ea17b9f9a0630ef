// Package preference decides whether and through which channels a passenger
// is told about an event.
package preference

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/db"
)

// Defaults applied when a passenger has no preference row.
const (
	DefaultBoardingAdvanceMinutes = 30
	DefaultDelayThresholdMinutes  = 15
)

// Defaults returns the preference used for passengers without a stored one:
// every type enabled, every channel except SMS enabled.
func Defaults(passengerID int64) *db.Preference {
	return &db.Preference{
		PassengerID:                passengerID,
		EmailEnabled:               true,
		SMSEnabled:                 false,
		PushEnabled:                true,
		InAppEnabled:               true,
		StatusChanges:              true,
		GateChanges:                true,
		BoardingCalls:              true,
		Delays:                     true,
		Cancellations:              true,
		ScheduleChanges:            true,
		CheckInReminders:           true,
		BaggageUpdates:             true,
		BoardingCallAdvanceMinutes: DefaultBoardingAdvanceMinutes,
		DelayThresholdMinutes:      DefaultDelayThresholdMinutes,
		Frequency:                  db.FrequencyImmediate,
	}
}

// Effective returns the passenger's preference, or the defaults when none is stored.
func Effective(p *db.Passenger) *db.Preference {
	if p.Preference == nil {
		return Defaults(p.ID)
	}
	return p.Preference
}

// BoardingAdvance returns the passenger's boarding-call advance in minutes,
// clamped to [10, 120].
func BoardingAdvance(p *db.Passenger) int {
	m := Effective(p).BoardingCallAdvanceMinutes
	switch {
	case m == 0:
		return DefaultBoardingAdvanceMinutes
	case m < 10:
		return 10
	case m > 120:
		return 120
	}
	return m
}

// TypeEnabled reports whether pref opts in to notifications of type t.
func TypeEnabled(pref *db.Preference, t db.NotificationType) bool {
	switch t {
	case db.TypeStatusChange:
		return pref.StatusChanges
	case db.TypeGateChange:
		return pref.GateChanges
	case db.TypeBoardingCall:
		return pref.BoardingCalls
	case db.TypeDelay:
		return pref.Delays
	case db.TypeCancellation:
		return pref.Cancellations
	case db.TypeScheduleChange:
		return pref.ScheduleChanges
	case db.TypeCheckInReminder:
		return pref.CheckInReminders
	case db.TypeBaggageUpdate:
		return pref.BaggageUpdates
	}
	return false
}

// Suppression reasons. They double as metric labels.
const (
	ReasonTypeDisabled   = "type_disabled"
	ReasonNoChannels     = "no_channels"
	ReasonQuietHours     = "quiet_hours"
	ReasonBelowThreshold = "below_delay_threshold"
)

// Decision is the outcome of resolving one passenger against one event.
type Decision struct {
	Channels []db.Channel
	// Excluded passengers get no delivery record at all.
	Excluded bool
	// Reason is set when Channels is empty or Excluded is true.
	Reason string
	// QuietHours is set when quiet hours narrowed the channel set.
	QuietHours bool
}

// Suppressed reports whether the passenger stays eligible but gets nothing.
func (d Decision) Suppressed() bool {
	return !d.Excluded && len(d.Channels) == 0
}

// Resolver evaluates passenger preferences. It holds no mutable state and is
// safe for concurrent use.
type Resolver struct {
	defaultLoc *time.Location
	logger     *zap.Logger
}

// NewResolver creates a resolver. defaultTZ is used for passengers without a
// valid timezone; an empty or unknown name falls back to UTC.
func NewResolver(defaultTZ string, logger *zap.Logger) *Resolver {
	loc := time.UTC
	if defaultTZ != "" {
		if l, err := time.LoadLocation(defaultTZ); err == nil {
			loc = l
		} else {
			logger.Warn("unknown default timezone, using UTC", zap.String("timezone", defaultTZ))
		}
	}
	return &Resolver{defaultLoc: loc, logger: logger}
}

// Resolve decides the channel set for passenger p and event ev at now.
// A disabled type returns an empty set, which is a valid suppressed outcome
// rather than an error. Delay events below the passenger's threshold exclude
// the passenger entirely.
func (r *Resolver) Resolve(p *db.Passenger, ev db.NotificationEvent, now time.Time) Decision {
	pref := Effective(p)

	if ev.Type == db.TypeDelay {
		minutes, ok := DelayMinutes(ev.Attributes)
		threshold := pref.DelayThresholdMinutes
		if threshold == 0 {
			threshold = DefaultDelayThresholdMinutes
		}
		if !ok || minutes < threshold {
			return Decision{Excluded: true, Reason: ReasonBelowThreshold}
		}
	}

	if !TypeEnabled(pref, ev.Type) {
		return Decision{Reason: ReasonTypeDisabled}
	}

	channels := enabledChannels(p, pref)

	if r.InQuietHours(pref, now) {
		var quiet []db.Channel
		for _, ch := range channels {
			if ch == db.ChannelInApp {
				quiet = append(quiet, ch)
			}
		}
		if len(quiet) == 0 {
			return Decision{Reason: ReasonQuietHours, QuietHours: true}
		}
		return Decision{Channels: quiet, QuietHours: true}
	}

	if len(channels) == 0 {
		return Decision{Reason: ReasonNoChannels}
	}

	return Decision{Channels: channels}
}

// ResolveChannels is Resolve reduced to the channel set.
func (r *Resolver) ResolveChannels(p *db.Passenger, t db.NotificationType, attrs map[string]any, now time.Time) []db.Channel {
	return r.Resolve(p, db.NotificationEvent{Type: t, Attributes: attrs}, now).Channels
}

// enabledChannels returns the channels the passenger enabled and can be
// reached on, in dispatch order.
func enabledChannels(p *db.Passenger, pref *db.Preference) []db.Channel {
	var out []db.Channel
	if pref.EmailEnabled && p.Email != "" {
		out = append(out, db.ChannelMail)
	}
	if pref.SMSEnabled && p.Phone != "" {
		out = append(out, db.ChannelSMS)
	}
	if pref.PushEnabled && p.PushSubscription != nil && p.PushSubscription.Endpoint != "" {
		out = append(out, db.ChannelPush)
	}
	if pref.InAppEnabled {
		out = append(out, db.ChannelInApp)
	}
	return out
}

// InQuietHours reports whether now, in the passenger's local time, falls in
// the configured quiet window. Both ends are inclusive to the minute and the
// window may wrap midnight.
func (r *Resolver) InQuietHours(pref *db.Preference, now time.Time) bool {
	if pref.QuietHoursStart == "" || pref.QuietHoursEnd == "" {
		return false
	}

	start, err := ParseClock(pref.QuietHoursStart)
	if err != nil {
		r.logger.Warn("ignoring invalid quiet hours start",
			zap.Int64("passenger_id", pref.PassengerID),
			zap.String("value", pref.QuietHoursStart),
		)
		return false
	}
	end, err := ParseClock(pref.QuietHoursEnd)
	if err != nil {
		r.logger.Warn("ignoring invalid quiet hours end",
			zap.Int64("passenger_id", pref.PassengerID),
			zap.String("value", pref.QuietHoursEnd),
		)
		return false
	}

	local := now.In(r.location(pref.Timezone))
	cur := local.Hour()*60 + local.Minute()

	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

func (r *Resolver) location(name string) *time.Location {
	if name == "" {
		return r.defaultLoc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return r.defaultLoc
	}
	return loc
}

// ParseClock parses "HH:MM" (or "HH:MM:SS") into minutes after midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// DelayMinutes extracts the delay_minutes attribute. Events decoded from JSON
// carry float64; producers in-process may use ints or numeric strings.
func DelayMinutes(attrs map[string]any) (int, bool) {
	v, ok := attrs["delay_minutes"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(math.Round(n)), true
	case float32:
		return int(math.Round(float64(n))), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}
