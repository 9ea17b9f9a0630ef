package preference

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/db"
)

func reachablePassenger(pref *db.Preference) *db.Passenger {
	return &db.Passenger{
		ID:               7,
		FlightID:         1,
		Name:             "Ada Lovelace",
		Email:            "ada@example.com",
		Phone:            "+15550100",
		PushSubscription: &db.PushSubscription{Endpoint: "https://push.example.com/abc"},
		Preference:       pref,
	}
}

func allOn() *db.Preference {
	p := Defaults(7)
	p.SMSEnabled = true
	return p
}

func at(hh, mm int) time.Time {
	return time.Date(2026, 3, 14, hh, mm, 0, 0, time.UTC)
}

func TestResolve_DefaultsWithoutPreference(t *testing.T) {
	r := NewResolver("UTC", zap.NewNop())
	p := reachablePassenger(nil)

	for _, typ := range db.NotificationTypes {
		ev := db.NotificationEvent{Type: typ, Attributes: map[string]any{"delay_minutes": 60}}
		d := r.Resolve(p, ev, at(12, 0))

		want := []db.Channel{db.ChannelMail, db.ChannelPush, db.ChannelInApp}
		if !reflect.DeepEqual(d.Channels, want) {
			t.Errorf("%s: channels = %v, want %v", typ, d.Channels, want)
		}
	}
}

func TestResolve_TypeDisabledReturnsEmpty(t *testing.T) {
	r := NewResolver("UTC", zap.NewNop())

	tests := []struct {
		typ     db.NotificationType
		disable func(*db.Preference)
	}{
		{db.TypeStatusChange, func(p *db.Preference) { p.StatusChanges = false }},
		{db.TypeGateChange, func(p *db.Preference) { p.GateChanges = false }},
		{db.TypeBoardingCall, func(p *db.Preference) { p.BoardingCalls = false }},
		{db.TypeCancellation, func(p *db.Preference) { p.Cancellations = false }},
		{db.TypeScheduleChange, func(p *db.Preference) { p.ScheduleChanges = false }},
		{db.TypeCheckInReminder, func(p *db.Preference) { p.CheckInReminders = false }},
		{db.TypeBaggageUpdate, func(p *db.Preference) { p.BaggageUpdates = false }},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			pref := allOn()
			tt.disable(pref)

			d := r.Resolve(reachablePassenger(pref), db.NotificationEvent{Type: tt.typ}, at(12, 0))
			if len(d.Channels) != 0 {
				t.Fatalf("expected no channels, got %v", d.Channels)
			}
			if !d.Suppressed() || d.Excluded {
				t.Fatalf("expected suppressed (not excluded), got %+v", d)
			}
			if d.Reason != ReasonTypeDisabled {
				t.Fatalf("expected reason %s, got %s", ReasonTypeDisabled, d.Reason)
			}
		})
	}
}

func TestResolve_QuietHoursRestrictToInApp(t *testing.T) {
	r := NewResolver("UTC", zap.NewNop())

	tests := []struct {
		name       string
		start, end string
		now        time.Time
		quiet      bool
	}{
		{"inside same-day window", "13:00", "15:00", at(14, 0), true},
		{"start is inclusive", "13:00", "15:00", at(13, 0), true},
		{"end is inclusive", "13:00", "15:00", at(15, 0), true},
		{"after same-day window", "13:00", "15:00", at(15, 1), false},
		{"wrapping window late evening", "22:00", "07:00", at(23, 30), true},
		{"wrapping window early morning", "22:00", "07:00", at(6, 59), true},
		{"wrapping window midday", "22:00", "07:00", at(12, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pref := allOn()
			pref.QuietHoursStart = tt.start
			pref.QuietHoursEnd = tt.end

			d := r.Resolve(reachablePassenger(pref), db.NotificationEvent{Type: db.TypeGateChange}, tt.now)

			if tt.quiet {
				if !reflect.DeepEqual(d.Channels, []db.Channel{db.ChannelInApp}) {
					t.Fatalf("expected only in-app during quiet hours, got %v", d.Channels)
				}
				if !d.QuietHours {
					t.Fatal("expected QuietHours flag")
				}
			} else if len(d.Channels) != 4 {
				t.Fatalf("expected all four channels outside quiet hours, got %v", d.Channels)
			}
		})
	}
}

func TestResolve_QuietHoursWithInAppDisabled(t *testing.T) {
	r := NewResolver("UTC", zap.NewNop())
	pref := allOn()
	pref.InAppEnabled = false
	pref.QuietHoursStart = "00:00"
	pref.QuietHoursEnd = "23:59"

	d := r.Resolve(reachablePassenger(pref), db.NotificationEvent{Type: db.TypeGateChange}, at(12, 0))
	if len(d.Channels) != 0 || d.Reason != ReasonQuietHours {
		t.Fatalf("expected empty set with quiet_hours reason, got %+v", d)
	}
}

func TestResolve_QuietHoursUsePassengerTimezone(t *testing.T) {
	r := NewResolver("UTC", zap.NewNop())
	pref := allOn()
	pref.QuietHoursStart = "22:00"
	pref.QuietHoursEnd = "06:00"
	pref.Timezone = "Asia/Tokyo"

	// 14:00 UTC is 23:00 in Tokyo.
	d := r.Resolve(reachablePassenger(pref), db.NotificationEvent{Type: db.TypeStatusChange}, at(14, 0))
	if !d.QuietHours {
		t.Fatalf("expected quiet hours in passenger timezone, got %+v", d)
	}
}

func TestResolve_DelayThreshold(t *testing.T) {
	r := NewResolver("UTC", zap.NewNop())

	tests := []struct {
		name     string
		attrs    map[string]any
		excluded bool
	}{
		{"below threshold", map[string]any{"delay_minutes": 10}, true},
		{"at threshold", map[string]any{"delay_minutes": 20}, false},
		{"json number", map[string]any{"delay_minutes": float64(45)}, false},
		{"numeric string", map[string]any{"delay_minutes": "25"}, false},
		{"missing", map[string]any{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pref := allOn()
			pref.DelayThresholdMinutes = 20

			d := r.Resolve(reachablePassenger(pref), db.NotificationEvent{Type: db.TypeDelay, Attributes: tt.attrs}, at(12, 0))
			if d.Excluded != tt.excluded {
				t.Fatalf("excluded = %v, want %v (%+v)", d.Excluded, tt.excluded, d)
			}
			if tt.excluded && (len(d.Channels) != 0 || d.Suppressed()) {
				t.Fatalf("excluded passenger must not be suppressed or routed: %+v", d)
			}
		})
	}
}

func TestResolve_SkipsUnreachableChannels(t *testing.T) {
	r := NewResolver("UTC", zap.NewNop())
	p := &db.Passenger{ID: 9, Preference: allOn()}

	d := r.Resolve(p, db.NotificationEvent{Type: db.TypeGateChange}, at(12, 0))
	if !reflect.DeepEqual(d.Channels, []db.Channel{db.ChannelInApp}) {
		t.Fatalf("expected only in-app for passenger without contact details, got %v", d.Channels)
	}
}

func TestBoardingAdvance(t *testing.T) {
	tests := []struct {
		pref *db.Preference
		want int
	}{
		{nil, 30},
		{&db.Preference{BoardingCallAdvanceMinutes: 45}, 45},
		{&db.Preference{BoardingCallAdvanceMinutes: 0}, 30},
		{&db.Preference{BoardingCallAdvanceMinutes: 5}, 10},
		{&db.Preference{BoardingCallAdvanceMinutes: 500}, 120},
	}

	for _, tt := range tests {
		if got := BoardingAdvance(&db.Passenger{Preference: tt.pref}); got != tt.want {
			t.Errorf("BoardingAdvance(%+v) = %d, want %d", tt.pref, got, tt.want)
		}
	}
}

func TestParseClock(t *testing.T) {
	good := map[string]int{"00:00": 0, "07:30": 450, "23:59": 1439, "22:00:00": 1320}
	for in, want := range good {
		got, err := ParseClock(in)
		if err != nil || got != want {
			t.Errorf("ParseClock(%q) = %d, %v; want %d", in, got, err, want)
		}
	}

	for _, in := range []string{"", "7", "24:00", "12:60", "ab:cd", "1:2:3:4"} {
		if _, err := ParseClock(in); err == nil {
			t.Errorf("ParseClock(%q) should fail", in)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(Defaults(1)); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	bad := Defaults(1)
	bad.BoardingCallAdvanceMinutes = 5
	bad.DelayThresholdMinutes = 200
	bad.QuietHoursStart = "25:00"
	bad.Frequency = "hourly"
	bad.Timezone = "Mars/Olympus"

	err := Validate(bad)
	var ve ValidationErrors
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}

	fields := map[string]bool{}
	for _, fe := range ve {
		fields[fe.Field] = true
	}
	for _, f := range []string{
		"boarding_call_advance_minutes",
		"delay_notification_threshold",
		"quiet_hours_start",
		"notification_frequency",
		"timezone",
	} {
		if !fields[f] {
			t.Errorf("expected %s to be rejected, got %v", f, ve)
		}
	}
}
