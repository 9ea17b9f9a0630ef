// Package dispatch fans a notification event out to passengers: it resolves
// channels per passenger, renders content, calls the channel transports and
// persists one delivery record per passenger.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/gatecall/internal/channel"
	"github.com/lalithlochan/gatecall/internal/db"
	"github.com/lalithlochan/gatecall/internal/delivery"
	"github.com/lalithlochan/gatecall/internal/metrics"
	"github.com/lalithlochan/gatecall/internal/preference"
	"github.com/lalithlochan/gatecall/internal/templates"
)

// ErrUnknownType is returned for events whose type the engine does not know.
var ErrUnknownType = errors.New("unknown notification type")

// Broadcast event names.
const (
	EventCreated = "notification.created"
	EventUpdated = "notification.updated"
)

// DeliveryStore persists delivery records.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, rec *db.DeliveryRecord) error
	UpdateDelivery(ctx context.Context, rec *db.DeliveryRecord) error
}

// Directory looks up flights and their passengers.
type Directory interface {
	GetFlight(ctx context.Context, id int64) (*db.Flight, error)
	PassengersForFlight(ctx context.Context, flightID int64) ([]*db.Passenger, error)
}

// TemplateSelector picks templates and tracks their usage.
type TemplateSelector interface {
	Select(ctx context.Context, typ db.NotificationType, ch db.Channel, language string) (*db.Template, error)
	RecordUsage(ctx context.Context, t *db.Template) error
	RecordOutcome(ctx context.Context, t *db.Template, success bool) error
}

// Broadcaster tells real-time subscribers about created or updated records.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, recs []*db.DeliveryRecord) error
}

// Deps are the collaborators of an Orchestrator. Broadcaster may be nil.
type Deps struct {
	Resolver    *preference.Resolver
	Templates   TemplateSelector
	Transport   channel.Transport
	Store       DeliveryStore
	Directory   Directory
	Broadcaster Broadcaster
}

type Config struct {
	// Parallelism bounds how many passengers are handled at once.
	Parallelism int
	// TransportTimeout bounds a single channel send.
	TransportTimeout time.Duration
}

// Orchestrator dispatches events. It is safe for concurrent use.
type Orchestrator struct {
	deps   Deps
	config Config
	logger *zap.Logger
	now    func() time.Time
}

func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.TransportTimeout <= 0 {
		cfg.TransportTimeout = 10 * time.Second
	}

	return &Orchestrator{
		deps:   deps,
		config: cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// DispatchEvent loads the event's flight and its passengers and dispatches to all of them.
func (o *Orchestrator) DispatchEvent(ctx context.Context, ev db.NotificationEvent) ([]*db.DeliveryRecord, error) {
	if !ev.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, ev.Type)
	}

	flight, err := o.deps.Directory.GetFlight(ctx, ev.FlightID)
	if err != nil {
		return nil, fmt.Errorf("load flight %d: %w", ev.FlightID, err)
	}

	passengers, err := o.deps.Directory.PassengersForFlight(ctx, ev.FlightID)
	if err != nil {
		return nil, fmt.Errorf("load passengers for flight %d: %w", ev.FlightID, err)
	}

	return o.Dispatch(ctx, ev, flight, passengers)
}

// Dispatch notifies every recipient about ev and returns the records written,
// in recipient order. Excluded recipients produce no record. A failing
// transport never aborts the batch; only persistence errors do.
func (o *Orchestrator) Dispatch(
	ctx context.Context,
	ev db.NotificationEvent,
	flight *db.Flight,
	recipients []*db.Passenger,
) ([]*db.DeliveryRecord, error) {
	if !ev.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, ev.Type)
	}
	if len(recipients) == 0 {
		return nil, nil
	}

	now := o.now()
	results := make([]*db.DeliveryRecord, len(recipients))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Parallelism)

	for i, p := range recipients {
		g.Go(func() error {
			rec, err := o.dispatchOne(gctx, ev, flight, p, now)
			if err != nil {
				return err
			}
			results[i] = rec
			return nil
		})
	}

	err := g.Wait()

	written := make([]*db.DeliveryRecord, 0, len(results))
	for _, rec := range results {
		if rec != nil {
			written = append(written, rec)
		}
	}

	metrics.RecordDispatchBatch(len(recipients))
	o.broadcast(ctx, EventCreated, written)

	if err != nil {
		return written, err
	}

	o.logger.Info("event dispatched",
		zap.String("type", string(ev.Type)),
		zap.Int64("flight_id", ev.FlightID),
		zap.Int("recipients", len(recipients)),
		zap.Int("records", len(written)),
	)

	return written, nil
}

func (o *Orchestrator) dispatchOne(
	ctx context.Context,
	ev db.NotificationEvent,
	flight *db.Flight,
	p *db.Passenger,
	now time.Time,
) (*db.DeliveryRecord, error) {
	// Once the batch is aborted nothing more is sent: a send without a
	// stored record would be repeated when the event is redelivered.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	decision := o.deps.Resolver.Resolve(p, ev, now)

	if decision.Excluded {
		metrics.RecordSuppressed(decision.Reason)
		o.logger.Debug("passenger excluded",
			zap.Int64("passenger_id", p.ID),
			zap.String("type", string(ev.Type)),
			zap.String("reason", decision.Reason),
		)
		return nil, nil
	}

	rec := newRecord(ev, flight, p)

	if decision.Suppressed() {
		delivery.MarkSuppressed(rec, decision.Reason)
		metrics.RecordSuppressed(decision.Reason)
		if err := o.deps.Store.CreateDelivery(ctx, rec); err != nil {
			return nil, fmt.Errorf("persist suppressed delivery for passenger %d: %w", p.ID, err)
		}
		return rec, nil
	}

	rec.Channels = decision.Channels
	o.attempt(ctx, rec, flight, p, decision.Channels)
	settle(rec, now)

	// The passenger has been contacted; the record must land even if a
	// sibling aborted the batch meanwhile.
	if err := o.deps.Store.CreateDelivery(context.WithoutCancel(ctx), rec); err != nil {
		return nil, fmt.Errorf("persist delivery for passenger %d: %w", p.ID, err)
	}

	return rec, nil
}

// Redeliver re-attempts a stored record for the sweeper. Preferences are
// resolved again at the time of the retry, so quiet hours and type toggles
// changed since the first attempt apply. Only channels whose last outcome
// failed and that the passenger still allows are sent again. A retry left
// with no channel is suppressed. The record is updated in place and saved.
func (o *Orchestrator) Redeliver(ctx context.Context, rec *db.DeliveryRecord, flight *db.Flight, p *db.Passenger) error {
	now := o.now()
	decision := o.deps.Resolver.Resolve(p, eventOf(rec), now)

	candidates := rec.FailedChannels()
	if len(candidates) == 0 {
		candidates = rec.Channels
	}
	if len(candidates) == 0 {
		candidates = decision.Channels
		rec.Channels = candidates
	}

	var channels []db.Channel
	if !decision.Excluded {
		channels = intersect(candidates, decision.Channels)
	}

	if len(channels) == 0 {
		reason := decision.Reason
		if reason == "" {
			reason = preference.ReasonNoChannels
			if decision.QuietHours {
				reason = preference.ReasonQuietHours
			}
		}
		delivery.MarkSuppressed(rec, reason)
		metrics.RecordSuppressed(reason)
		metrics.RecordRetry("suppressed")
		o.logger.Info("retry suppressed by preferences",
			zap.String("notification_id", rec.NotificationID.String()),
			zap.Int64("passenger_id", rec.PassengerID),
			zap.String("reason", reason),
		)
		return o.save(ctx, rec)
	}

	o.attempt(ctx, rec, flight, p, channels)
	settle(rec, now)

	switch {
	case rec.Status == db.StatusSent:
		metrics.RecordRetry("sent")
	case delivery.IsExhausted(rec):
		metrics.RecordRetry("exhausted")
		o.logger.Warn("delivery exhausted",
			zap.String("notification_id", rec.NotificationID.String()),
			zap.Int64("passenger_id", rec.PassengerID),
			zap.Int("retry_count", rec.RetryCount),
		)
	default:
		metrics.RecordRetry("failed")
	}

	return o.save(ctx, rec)
}

// Update saves a record changed outside the dispatch path and broadcasts it.
func (o *Orchestrator) Update(ctx context.Context, rec *db.DeliveryRecord) error {
	return o.save(ctx, rec)
}

func (o *Orchestrator) save(ctx context.Context, rec *db.DeliveryRecord) error {
	if err := o.deps.Store.UpdateDelivery(ctx, rec); err != nil {
		return fmt.Errorf("update delivery %s: %w", rec.NotificationID, err)
	}
	o.broadcast(ctx, EventUpdated, []*db.DeliveryRecord{rec})
	return nil
}

func (o *Orchestrator) broadcast(ctx context.Context, event string, recs []*db.DeliveryRecord) {
	if o.deps.Broadcaster == nil || len(recs) == 0 {
		return
	}
	if err := o.deps.Broadcaster.Broadcast(context.WithoutCancel(ctx), event, recs); err != nil {
		o.logger.Warn("broadcast failed",
			zap.String("event", event),
			zap.Int("records", len(recs)),
			zap.Error(err),
		)
	}
}

// attempt sends rec over each channel and stores the outcomes in its metadata.
func (o *Orchestrator) attempt(ctx context.Context, rec *db.DeliveryRecord, flight *db.Flight, p *db.Passenger, channels []db.Channel) {
	ev := eventOf(rec)
	vars := templates.Variables(flight, p, ev)
	language := preference.Effective(p).Language

	if rec.Metadata == nil {
		rec.Metadata = make(map[db.Channel]db.ChannelOutcome, len(channels))
	}

	for _, ch := range channels {
		rec.Metadata[ch] = o.send(ctx, rec, p, ch, language, vars)
	}
}

func (o *Orchestrator) send(
	ctx context.Context,
	rec *db.DeliveryRecord,
	p *db.Passenger,
	ch db.Channel,
	language string,
	vars map[string]any,
) db.ChannelOutcome {
	log := o.logger.With(
		zap.String("notification_id", rec.NotificationID.String()),
		zap.Int64("passenger_id", p.ID),
		zap.String("channel", string(ch)),
	)

	tmpl, err := o.deps.Templates.Select(ctx, rec.Type, ch, language)
	if err != nil {
		log.Warn("template lookup failed, using default content", zap.Error(err))
		tmpl = nil
	}

	var content templates.Rendered
	if tmpl != nil {
		content = templates.Render(tmpl, vars)
		if err := o.deps.Templates.RecordUsage(ctx, tmpl); err != nil {
			log.Warn("failed to record template usage", zap.Int64("template_id", tmpl.ID), zap.Error(err))
		}
		if rec.TemplateName == nil {
			name := tmpl.Name
			rec.TemplateName = &name
		}
	} else {
		content = templates.Default(rec.Type, ch, vars)
	}

	if len(content.Unresolved) > 0 {
		log.Warn("unresolved template placeholders", zap.Strings("placeholders", content.Unresolved))
	}
	if rec.Message == "" {
		rec.Message = content.Body
	}

	msg := &channel.Message{
		NotificationID: rec.NotificationID,
		FlightID:       rec.FlightID,
		Channel:        ch,
		Type:           rec.Type,
		Priority:       rec.Priority,
		Recipient:      channel.RecipientOf(p),
		Subject:        content.Subject,
		Body:           content.Body,
		HTMLBody:       content.HTMLBody,
	}

	start := time.Now()
	res, err := o.deliver(ctx, msg)
	metrics.RecordDeliveryLatency(string(ch), time.Since(start))

	if tmpl != nil {
		if rerr := o.deps.Templates.RecordOutcome(ctx, tmpl, err == nil); rerr != nil {
			log.Warn("failed to record template outcome", zap.Int64("template_id", tmpl.ID), zap.Error(rerr))
		}
	}

	if err != nil {
		metrics.RecordNotificationProcessed(db.StatusFailed, string(ch))
		log.Error("channel delivery failed", zap.Error(err))
		return db.ChannelOutcome{Status: db.StatusFailed, Error: err.Error()}
	}

	metrics.RecordNotificationProcessed(db.StatusSent, string(ch))
	log.Debug("channel delivery succeeded", zap.String("provider_ref", res.ProviderRef))
	return db.ChannelOutcome{Status: db.StatusSent, ProviderRef: res.ProviderRef}
}

// deliver calls the transport with its own deadline. A send already handed
// to a transport is not cancelled with the batch. Panics become errors.
func (o *Orchestrator) deliver(ctx context.Context, msg *channel.Message) (res channel.Result, err error) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.TransportTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()

	return o.deps.Transport.Deliver(sendCtx, msg)
}

// settle derives the record status from its channel outcomes: any success
// means sent, otherwise failed with backoff.
func settle(rec *db.DeliveryRecord, now time.Time) {
	var failures []string
	for _, ch := range rec.Channels {
		outcome, ok := rec.Metadata[ch]
		if !ok {
			continue
		}
		if outcome.Status == db.StatusSent {
			delivery.MarkSent(rec, now)
			return
		}
		failures = append(failures, fmt.Sprintf("%s: %s", ch, outcome.Error))
	}
	delivery.MarkFailed(rec, strings.Join(failures, "; "), now)
}

func newRecord(ev db.NotificationEvent, flight *db.Flight, p *db.Passenger) *db.DeliveryRecord {
	priority := ev.Priority
	if priority == "" {
		priority = templates.DefaultPriority(ev.Type)
	}

	return &db.DeliveryRecord{
		ID:             uuid.New(),
		NotificationID: uuid.New(),
		PassengerID:    p.ID,
		FlightID:       flight.ID,
		Type:           ev.Type,
		Status:         db.StatusPending,
		Priority:       priority,
		TemplateData:   ev.Attributes,
	}
}

// intersect returns the channels of want that allowed also contains, in want's order.
func intersect(want, allowed []db.Channel) []db.Channel {
	var out []db.Channel
	for _, ch := range want {
		for _, a := range allowed {
			if ch == a {
				out = append(out, ch)
				break
			}
		}
	}
	return out
}

// eventOf rebuilds the event a record was created for.
func eventOf(rec *db.DeliveryRecord) db.NotificationEvent {
	return db.NotificationEvent{
		Type:       rec.Type,
		FlightID:   rec.FlightID,
		Attributes: rec.TemplateData,
		Priority:   rec.Priority,
	}
}
