package templates

import (
	"fmt"

	"github.com/lalithlochan/gatecall/internal/db"
)

// Variables builds the substitution map for one passenger and event.
// Event attributes override the flight and passenger fields.
func Variables(f *db.Flight, p *db.Passenger, ev db.NotificationEvent) map[string]any {
	flight := map[string]any{}
	passenger := map[string]any{}
	vars := map[string]any{}

	if f != nil {
		flight = map[string]any{
			"id":               f.ID,
			"number":           f.FlightNumber,
			"airline":          f.Airline,
			"status":           f.Status,
			"gate":             f.GateOrEmpty(),
			"origin_city":      f.OriginCity,
			"destination_city": f.DestinationCity,
			"departure_time":   f.ScheduledDeparture.Format("15:04"),
			"departure_date":   f.ScheduledDeparture.Format("2006-01-02"),
		}
		vars["flight_number"] = f.FlightNumber
		vars["airline"] = f.Airline
		vars["gate"] = f.GateOrEmpty()
		vars["origin_city"] = f.OriginCity
		vars["destination_city"] = f.DestinationCity
		vars["departure_time"] = f.ScheduledDeparture.Format("15:04")
		vars["flight_status"] = f.Status
		if f.ScheduledArrival != nil {
			vars["arrival_time"] = f.ScheduledArrival.Format("15:04")
			flight["arrival_time"] = vars["arrival_time"]
		}
	}

	if p != nil {
		passenger = map[string]any{
			"id":                p.ID,
			"name":              p.Name,
			"seat_number":       p.SeatNumber,
			"booking_reference": p.BookingReference,
		}
		vars["passenger_name"] = p.Name
		vars["seat_number"] = p.SeatNumber
		vars["booking_reference"] = p.BookingReference
	}

	vars["flight"] = flight
	vars["passenger"] = passenger
	vars["notification_type"] = string(ev.Type)

	for k, v := range ev.Attributes {
		vars[k] = v
	}

	return vars
}

const (
	mailSubjectPrefix = "Flight Update"
	pushTitle         = "Flight Update"
	mailSignoff       = "Thank you for flying with us!"
)

// Default returns built-in content for a type and channel, used when no
// active template exists.
func Default(typ db.NotificationType, channel db.Channel, vars map[string]any) Rendered {
	body := defaultBody(typ, vars)

	switch channel {
	case db.ChannelMail:
		return Rendered{
			Subject: fmt.Sprintf("%s - %s", mailSubjectPrefix, str(vars, "flight_number")),
			Body:    body + "\n\n" + mailSignoff,
		}
	case db.ChannelPush, db.ChannelInApp:
		return Rendered{Subject: pushTitle, Body: body}
	}
	return Rendered{Body: body}
}

func defaultBody(typ db.NotificationType, vars map[string]any) string {
	n := str(vars, "flight_number")

	switch typ {
	case db.TypeStatusChange:
		return fmt.Sprintf("Flight %s status has changed from %s to %s.",
			n, str(vars, "old_status"), or(str(vars, "new_status"), str(vars, "flight_status")))
	case db.TypeGateChange:
		return fmt.Sprintf("Gate change for flight %s: moved from gate %s to gate %s. Please proceed to the new gate.",
			n, str(vars, "old_gate"), or(str(vars, "new_gate"), str(vars, "gate")))
	case db.TypeBoardingCall:
		switch str(vars, "boarding_tier") {
		case "final":
			return fmt.Sprintf("Final boarding call: Flight %s at gate %s. The gate closes in 10 minutes.", n, str(vars, "gate"))
		case "last":
			return fmt.Sprintf("Last call: Flight %s at gate %s. The gate is closing now.", n, str(vars, "gate"))
		}
		return fmt.Sprintf("Now boarding: Flight %s at gate %s. Please proceed to the gate with your boarding pass.", n, str(vars, "gate"))
	case db.TypeDelay:
		return fmt.Sprintf("Flight %s has been delayed by %s minutes. New departure time: %s.",
			n, str(vars, "delay_minutes"), or(str(vars, "new_departure_time"), str(vars, "departure_time")))
	case db.TypeCancellation:
		return fmt.Sprintf("Flight %s has been cancelled. Please contact customer service for rebooking options.", n)
	case db.TypeScheduleChange:
		return fmt.Sprintf("Flight %s schedule has changed. New departure time: %s.",
			n, or(str(vars, "new_departure_time"), str(vars, "departure_time")))
	case db.TypeCheckInReminder:
		return fmt.Sprintf("Check-in is now open for flight %s departing at %s.", n, str(vars, "departure_time"))
	case db.TypeBaggageUpdate:
		return fmt.Sprintf("Baggage update for flight %s: %s.", n, or(str(vars, "baggage_status"), "please check the baggage desk"))
	}
	return fmt.Sprintf("Update for flight %s.", n)
}

// DefaultPriority is the priority used when an event carries none.
func DefaultPriority(typ db.NotificationType) db.Priority {
	switch typ {
	case db.TypeBoardingCall, db.TypeCancellation:
		return db.PriorityUrgent
	case db.TypeDelay, db.TypeGateChange:
		return db.PriorityHigh
	}
	return db.PriorityNormal
}

func str(vars map[string]any, key string) string {
	v, ok := Lookup(vars, key)
	if !ok {
		return ""
	}
	return Format(v)
}

func or(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
