// Package boarding fires boarding calls in time windows before departure,
// exactly once per flight and tier, plus check-in reminders.
package boarding

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/db"
	"github.com/lalithlochan/gatecall/internal/metrics"
	"github.com/lalithlochan/gatecall/internal/preference"
)

// Repository is what the scheduler reads and writes about flights.
type Repository interface {
	FlightsDepartingBetween(ctx context.Context, from, to time.Time, statuses []string, requireGate bool) ([]*db.Flight, error)
	PassengersForFlight(ctx context.Context, flightID int64) ([]*db.Passenger, error)
	GetFlight(ctx context.Context, id int64) (*db.Flight, error)
	GetPassenger(ctx context.Context, id int64) (*db.Passenger, error)
	SetFlightStatus(ctx context.Context, id int64, status string) error
	TerminalFlightIDs(ctx context.Context, cutoff time.Time) ([]int64, error)
}

// Dispatcher sends one event to a set of passengers.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev db.NotificationEvent, flight *db.Flight, recipients []*db.Passenger) ([]*db.DeliveryRecord, error)
}

type Config struct {
	Interval time.Duration
	// MarkerTTL is how long a tier marker lives. It must outlast the window.
	MarkerTTL time.Duration
	// CompleteTTL is how long the "all calls done" marker of a flight lives.
	CompleteTTL time.Duration
	// CycleTimeout bounds one cycle.
	CycleTimeout time.Duration
}

const (
	window        = 5 * time.Minute
	lookahead     = 2 * time.Hour
	finalAdvance  = 10 * time.Minute
	lastAdvance   = 5 * time.Minute
	cleanupGrace  = 2 * time.Hour
	checkInFrom   = 23 * time.Hour
	checkInTo     = 25 * time.Hour
	checkInTTL    = 26 * time.Hour
	defaultMarker = time.Hour
)

var eligibleStatuses = []string{db.FlightOnTime, db.FlightDelayed, db.FlightBoarding}

// Scheduler runs boarding-call cycles. All dedup state lives in the marker
// store, so cycles are safe to repeat and to run from several processes.
type Scheduler struct {
	repo       Repository
	markers    MarkerStore
	dispatcher Dispatcher
	config     Config
	logger     *zap.Logger
}

func New(repo Repository, markers MarkerStore, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MarkerTTL == 0 {
		cfg.MarkerTTL = defaultMarker
	}
	if cfg.CompleteTTL == 0 {
		cfg.CompleteTTL = 6 * time.Hour
	}
	if cfg.CycleTimeout == 0 {
		cfg.CycleTimeout = 2 * time.Minute
	}

	return &Scheduler{
		repo:       repo,
		markers:    markers,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
	}
}

// tier is one boarding call due for a flight.
type tier struct {
	name       string
	kind       string
	priority   db.Priority
	advance    int
	recipients []*db.Passenger
}

// Start runs a boarding cycle and the check-in reminders every interval until
// ctx is cancelled. A running cycle is allowed to finish.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("boarding scheduler stopping")
			return
		case <-ticker.C:
			now := time.Now().UTC()
			cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.CycleTimeout)
			if _, err := s.RunCycle(cycleCtx, now); err != nil {
				s.logger.Error("boarding cycle failed", zap.Error(err))
			}
			if _, err := s.RunCheckInReminders(cycleCtx, now); err != nil {
				s.logger.Error("check-in reminders failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// RunCycle fires every boarding tier whose window contains now and returns
// the number of flights that had at least one tier fire. Marker store and
// persistence errors abort the cycle.
func (s *Scheduler) RunCycle(ctx context.Context, now time.Time) (int, error) {
	flights, err := s.repo.FlightsDepartingBetween(ctx, now, now.Add(lookahead), eligibleStatuses, true)
	if err != nil {
		return 0, fmt.Errorf("load departing flights: %w", err)
	}

	processed := 0
	for _, f := range flights {
		done, err := s.markers.Has(ctx, MarkerKey{f.ID, TierComplete}.String())
		if err != nil {
			return processed, err
		}
		if done {
			continue
		}

		fired, err := s.processFlight(ctx, f, now)
		if err != nil {
			return processed, fmt.Errorf("flight %d: %w", f.ID, err)
		}
		if fired > 0 {
			processed++
		}
	}

	if processed > 0 {
		s.logger.Info("boarding cycle finished",
			zap.Int("flights", len(flights)),
			zap.Int("fired", processed),
		)
	}

	return processed, nil
}

func (s *Scheduler) processFlight(ctx context.Context, f *db.Flight, now time.Time) (int, error) {
	passengers, err := s.repo.PassengersForFlight(ctx, f.ID)
	if err != nil {
		return 0, fmt.Errorf("load passengers: %w", err)
	}

	fired := 0
	for _, t := range dueTiers(f.ScheduledDeparture, passengers, now) {
		ok, err := s.fire(ctx, f, t)
		if err != nil {
			return fired, err
		}
		if !ok {
			continue
		}
		fired++

		if t.name == TierLast {
			if _, err := s.markers.Acquire(ctx, MarkerKey{f.ID, TierComplete}.String(), s.config.CompleteTTL); err != nil {
				return fired, err
			}
		}
	}

	return fired, nil
}

// dueTiers lists the tiers whose window [start, start+5m) contains now, in
// firing order. Passengers are grouped by their advance preference; the
// final and last calls go to everyone.
func dueTiers(departure time.Time, passengers []*db.Passenger, now time.Time) []tier {
	groups := map[int][]*db.Passenger{}
	for _, p := range passengers {
		adv := preference.BoardingAdvance(p)
		groups[adv] = append(groups[adv], p)
	}

	advances := make([]int, 0, len(groups))
	for adv := range groups {
		advances = append(advances, adv)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(advances)))

	var due []tier
	for _, adv := range advances {
		// The final call already reaches passengers who asked for ten minutes.
		if time.Duration(adv)*time.Minute == finalAdvance {
			continue
		}
		if inWindow(now, departure.Add(-time.Duration(adv)*time.Minute)) {
			due = append(due, tier{
				name:       AdvanceTier(adv),
				kind:       "advance",
				priority:   db.PriorityNormal,
				advance:    adv,
				recipients: groups[adv],
			})
		}
	}

	if inWindow(now, departure.Add(-finalAdvance)) {
		due = append(due, tier{name: TierFinal, kind: "final", priority: db.PriorityHigh, advance: 10, recipients: passengers})
	}
	if inWindow(now, departure.Add(-lastAdvance)) {
		due = append(due, tier{name: TierLast, kind: "last", priority: db.PriorityUrgent, advance: 5, recipients: passengers})
	}

	return due
}

func inWindow(now, start time.Time) bool {
	return !now.Before(start) && now.Before(start.Add(window))
}

// fire claims the tier marker and dispatches the call. It returns false when
// another cycle already holds the marker.
func (s *Scheduler) fire(ctx context.Context, f *db.Flight, t tier) (bool, error) {
	key := MarkerKey{f.ID, t.name}.String()
	log := s.logger.With(zap.Int64("flight_id", f.ID), zap.String("tier", t.name))

	ok, err := s.markers.Acquire(ctx, key, s.config.MarkerTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.RecordBoardingRaceLost()
		log.Debug("tier already fired")
		return false, nil
	}

	if f.Status != db.FlightBoarding {
		if err := s.repo.SetFlightStatus(ctx, f.ID, db.FlightBoarding); err != nil {
			if rerr := s.markers.Release(ctx, key); rerr != nil {
				log.Warn("failed to release marker", zap.Error(rerr))
			}
			return false, fmt.Errorf("mark flight boarding: %w", err)
		}
		f.Status = db.FlightBoarding
	}

	ev := db.NotificationEvent{
		Type:     db.TypeBoardingCall,
		FlightID: f.ID,
		Priority: t.priority,
		Attributes: map[string]any{
			"boarding_tier":   tierLabel(t.kind),
			"advance_minutes": t.advance,
		},
	}

	if t.name == TierLast {
		log.Warn("last call", zap.Int("passengers", len(t.recipients)))
	} else {
		log.Info("boarding tier fired", zap.Int("passengers", len(t.recipients)))
	}

	// The marker stays on dispatch errors: some passengers may already have
	// been called.
	if _, err := s.dispatcher.Dispatch(ctx, ev, f, t.recipients); err != nil {
		return true, fmt.Errorf("dispatch %s: %w", t.name, err)
	}

	metrics.RecordBoardingTier(t.kind)
	return true, nil
}

func tierLabel(kind string) string {
	if kind == "advance" {
		return "group"
	}
	return kind
}

// SendManualBoardingCall calls one passenger to the gate now. It returns false
// when the passenger is not on the flight or has boarding calls disabled.
func (s *Scheduler) SendManualBoardingCall(ctx context.Context, flightID, passengerID int64) (bool, error) {
	f, err := s.repo.GetFlight(ctx, flightID)
	if err != nil {
		return false, fmt.Errorf("load flight: %w", err)
	}

	p, err := s.repo.GetPassenger(ctx, passengerID)
	if err != nil {
		return false, fmt.Errorf("load passenger: %w", err)
	}

	if p.FlightID != f.ID || !preference.Effective(p).BoardingCalls {
		return false, nil
	}

	ev := db.NotificationEvent{
		Type:       db.TypeBoardingCall,
		FlightID:   f.ID,
		Priority:   db.PriorityHigh,
		Attributes: map[string]any{"boarding_tier": "manual"},
	}

	recs, err := s.dispatcher.Dispatch(ctx, ev, f, []*db.Passenger{p})
	if err != nil {
		return false, err
	}

	s.logger.Info("manual boarding call sent",
		zap.Int64("flight_id", flightID),
		zap.Int64("passenger_id", passengerID),
	)

	return len(recs) > 0 && recs[0].Status != db.StatusCancelled, nil
}

// RunCheckInReminders sends one check-in reminder per flight departing
// between 23 and 25 hours from now. It returns the number of flights reminded.
func (s *Scheduler) RunCheckInReminders(ctx context.Context, now time.Time) (int, error) {
	statuses := []string{db.FlightScheduled, db.FlightOnTime, db.FlightDelayed}
	flights, err := s.repo.FlightsDepartingBetween(ctx, now.Add(checkInFrom), now.Add(checkInTo), statuses, false)
	if err != nil {
		return 0, fmt.Errorf("load flights for check-in: %w", err)
	}

	reminded := 0
	for _, f := range flights {
		key := MarkerKey{f.ID, TierCheckIn}.String()

		ok, err := s.markers.Acquire(ctx, key, checkInTTL)
		if err != nil {
			return reminded, err
		}
		if !ok {
			continue
		}

		passengers, err := s.repo.PassengersForFlight(ctx, f.ID)
		if err != nil {
			if rerr := s.markers.Release(ctx, key); rerr != nil {
				s.logger.Warn("failed to release marker", zap.String("key", key), zap.Error(rerr))
			}
			return reminded, fmt.Errorf("load passengers for flight %d: %w", f.ID, err)
		}

		ev := db.NotificationEvent{Type: db.TypeCheckInReminder, FlightID: f.ID}
		if _, err := s.dispatcher.Dispatch(ctx, ev, f, passengers); err != nil {
			return reminded, fmt.Errorf("dispatch check-in reminder for flight %d: %w", f.ID, err)
		}

		metrics.RecordBoardingTier("checkin")
		reminded++
	}

	if reminded > 0 {
		s.logger.Info("check-in reminders sent", zap.Int("flights", reminded))
	}

	return reminded, nil
}

// CleanupMarkers deletes the markers of flights that reached a terminal
// status more than two hours after their scheduled departure.
func (s *Scheduler) CleanupMarkers(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.repo.TerminalFlightIDs(ctx, now.Add(-cleanupGrace))
	if err != nil {
		return 0, fmt.Errorf("load terminal flights: %w", err)
	}

	removed := 0
	for _, id := range ids {
		n, err := s.markers.DeleteByPrefix(ctx, FlightPrefix(id))
		if err != nil {
			return removed, err
		}
		removed += n
	}

	metrics.RecordMarkersCleaned(removed)
	if removed > 0 {
		s.logger.Info("boarding markers cleaned",
			zap.Int("flights", len(ids)),
			zap.Int("markers", removed),
		)
	}

	return removed, nil
}
