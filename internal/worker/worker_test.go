package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/db"
	"github.com/lalithlochan/gatecall/internal/delivery"
	"github.com/lalithlochan/gatecall/internal/dispatch"
	"github.com/lalithlochan/gatecall/internal/sqs"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeRepo struct {
	mu         sync.Mutex
	records    []*db.DeliveryRecord
	flights    map[int64]*db.Flight
	passengers map[int64]*db.Passenger
	listErr    error
}

// ClaimRetryableDeliveries mirrors the repository query through the state
// machine predicate and leases what it returns.
func (f *fakeRepo) ClaimRetryableDeliveries(_ context.Context, at time.Time, lease time.Duration, limit int) ([]*db.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*db.DeliveryRecord
	for _, r := range f.records {
		if delivery.IsRetryable(r, at) && len(out) < limit {
			until := at.Add(lease)
			r.RetryAt = &until
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetFlight(_ context.Context, id int64) (*db.Flight, error) {
	if fl, ok := f.flights[id]; ok {
		return fl, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeRepo) GetPassenger(_ context.Context, id int64) (*db.Passenger, error) {
	if p, ok := f.passengers[id]; ok {
		return p, nil
	}
	return nil, db.ErrNotFound
}

type fakeRedeliverer struct {
	mu          sync.Mutex
	redelivered []*db.DeliveryRecord
	updated     []*db.DeliveryRecord
	failFor     map[int64]bool

	// store, when set, is held while records are changed so sweeps that
	// share a fakeRepo see consistent records.
	store *sync.Mutex
}

func (f *fakeRedeliverer) lock() func() {
	f.mu.Lock()
	if f.store != nil {
		f.store.Lock()
	}
	return func() {
		if f.store != nil {
			f.store.Unlock()
		}
		f.mu.Unlock()
	}
}

func (f *fakeRedeliverer) Redeliver(_ context.Context, rec *db.DeliveryRecord, _ *db.Flight, _ *db.Passenger) error {
	defer f.lock()()
	if f.failFor[rec.PassengerID] {
		return errors.New("update delivery: connection reset")
	}
	f.redelivered = append(f.redelivered, rec)
	delivery.MarkSent(rec, now)
	return nil
}

func (f *fakeRedeliverer) Update(_ context.Context, rec *db.DeliveryRecord) error {
	defer f.lock()()
	f.updated = append(f.updated, rec)
	return nil
}

func failedRecord(passengerID, flightID int64, retries int, retryAt time.Time) *db.DeliveryRecord {
	return &db.DeliveryRecord{
		ID:             uuid.New(),
		NotificationID: uuid.New(),
		PassengerID:    passengerID,
		FlightID:       flightID,
		Type:           db.TypeGateChange,
		Status:         db.StatusFailed,
		RetryCount:     retries,
		RetryAt:        &retryAt,
	}
}

func newWorker(repo *fakeRepo, rd *fakeRedeliverer) *Worker {
	w := New(repo, rd, Config{BatchSize: 100}, zap.NewNop())
	w.now = func() time.Time { return now }
	return w
}

func TestSweep_RedeliversDueRecords(t *testing.T) {
	exhausted := failedRecord(1, 42, 5, now)
	exhausted.RetryAt = nil

	repo := &fakeRepo{
		records: []*db.DeliveryRecord{
			failedRecord(1, 42, 1, now.Add(-time.Minute)),
			failedRecord(2, 42, 2, now.Add(time.Minute)),
			exhausted,
			{NotificationID: uuid.New(), PassengerID: 3, FlightID: 42, Status: db.StatusSent},
		},
		flights:    map[int64]*db.Flight{42: {ID: 42}},
		passengers: map[int64]*db.Passenger{1: {ID: 1}, 2: {ID: 2}, 3: {ID: 3}},
	}
	rd := &fakeRedeliverer{}

	n, err := newWorker(repo, rd).Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 || len(rd.redelivered) != 1 {
		t.Fatalf("processed = %d, redelivered = %d, want 1", n, len(rd.redelivered))
	}
	if rd.redelivered[0].PassengerID != 1 {
		t.Errorf("redelivered passenger %d, want 1", rd.redelivered[0].PassengerID)
	}

	// The record is sent now, so a second sweep has nothing to do.
	n, err = newWorker(repo, rd).Sweep(context.Background())
	if err != nil || n != 0 {
		t.Errorf("second sweep: n=%d err=%v", n, err)
	}
}

func TestSweep_MissingPassengerAdvancesBackoff(t *testing.T) {
	rec := failedRecord(9, 42, 1, now.Add(-time.Minute))
	repo := &fakeRepo{
		records:    []*db.DeliveryRecord{rec, failedRecord(1, 42, 1, now.Add(-time.Minute))},
		flights:    map[int64]*db.Flight{42: {ID: 42}},
		passengers: map[int64]*db.Passenger{1: {ID: 1}},
	}
	rd := &fakeRedeliverer{}

	n, err := newWorker(repo, rd).Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("processed = %d, want 2", n)
	}

	if len(rd.updated) != 1 || rd.updated[0] != rec {
		t.Fatalf("expected the broken record to be updated, got %d updates", len(rd.updated))
	}
	if rec.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", rec.RetryCount)
	}
	if rec.RetryAt == nil || !rec.RetryAt.Equal(now.Add(4*time.Minute)) {
		t.Errorf("retry_at = %v, want now+4m", rec.RetryAt)
	}
	if rec.FailureReason == nil || *rec.FailureReason != "load passenger: not found" {
		t.Errorf("reason = %v", rec.FailureReason)
	}
}

func TestSweep_RecordErrorsDoNotAbort(t *testing.T) {
	repo := &fakeRepo{
		records: []*db.DeliveryRecord{
			failedRecord(1, 42, 1, now.Add(-time.Minute)),
			failedRecord(2, 42, 1, now.Add(-time.Minute)),
			failedRecord(3, 42, 1, now.Add(-time.Minute)),
		},
		flights:    map[int64]*db.Flight{42: {ID: 42}},
		passengers: map[int64]*db.Passenger{1: {ID: 1}, 2: {ID: 2}, 3: {ID: 3}},
	}
	rd := &fakeRedeliverer{failFor: map[int64]bool{2: true}}

	n, err := newWorker(repo, rd).Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("processed = %d, want 2", n)
	}
}

func TestSweep_ConcurrentSweepsClaimOnce(t *testing.T) {
	repo := &fakeRepo{
		records:    []*db.DeliveryRecord{failedRecord(1, 42, 1, now.Add(-time.Minute))},
		flights:    map[int64]*db.Flight{42: {ID: 42}},
		passengers: map[int64]*db.Passenger{1: {ID: 1}},
	}
	rd := &fakeRedeliverer{store: &repo.mu}
	a, b := newWorker(repo, rd), newWorker(repo, rd)

	var wg sync.WaitGroup
	counts := make([]int, 2)
	for i, w := range []*Worker{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := w.Sweep(context.Background())
			if err != nil {
				t.Errorf("sweep %d: %v", i, err)
			}
			counts[i] = n
		}()
	}
	wg.Wait()

	if len(rd.redelivered) != 1 {
		t.Fatalf("redelivered = %d, want 1", len(rd.redelivered))
	}
	if counts[0]+counts[1] != 1 {
		t.Errorf("processed = %v, want exactly one sweep to handle the record", counts)
	}
}

func TestSweep_UnfinishedClaimReturnsAfterLease(t *testing.T) {
	rec := failedRecord(1, 42, 1, now.Add(-time.Minute))
	repo := &fakeRepo{
		records:    []*db.DeliveryRecord{rec},
		flights:    map[int64]*db.Flight{42: {ID: 42}},
		passengers: map[int64]*db.Passenger{1: {ID: 1}},
	}
	rd := &fakeRedeliverer{failFor: map[int64]bool{1: true}}
	w := New(repo, rd, Config{BatchSize: 10, BatchTimeout: time.Minute, ClaimLease: 3 * time.Minute}, zap.NewNop())
	w.now = func() time.Time { return now }

	if _, err := w.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rec.RetryAt == nil || !rec.RetryAt.Equal(now.Add(3*time.Minute)) {
		t.Fatalf("retry_at = %v, want the lease end", rec.RetryAt)
	}

	if n, _ := w.Sweep(context.Background()); n != 0 {
		t.Errorf("record claimed again inside its lease")
	}

	delete(rd.failFor, 1)
	w.now = func() time.Time { return now.Add(3 * time.Minute) }
	if n, _ := w.Sweep(context.Background()); n != 1 {
		t.Errorf("processed = %d after lease expiry, want 1", n)
	}
}

func TestNew_LeaseOutlastsBatchTimeout(t *testing.T) {
	w := New(&fakeRepo{}, &fakeRedeliverer{}, Config{BatchTimeout: time.Minute, ClaimLease: 30 * time.Second}, zap.NewNop())
	if w.config.ClaimLease != 2*time.Minute {
		t.Errorf("lease = %v, want 2m", w.config.ClaimLease)
	}
}

func TestSweep_LoadErrorSurfaces(t *testing.T) {
	repo := &fakeRepo{listErr: errors.New("pool closed")}

	if _, err := newWorker(repo, &fakeRedeliverer{}).Sweep(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestSweep_BatchSize(t *testing.T) {
	repo := &fakeRepo{
		flights:    map[int64]*db.Flight{42: {ID: 42}},
		passengers: map[int64]*db.Passenger{1: {ID: 1}},
	}
	for i := 0; i < 5; i++ {
		repo.records = append(repo.records, failedRecord(1, 42, 1, now.Add(-time.Minute)))
	}
	rd := &fakeRedeliverer{}
	w := New(repo, rd, Config{BatchSize: 3}, zap.NewNop())
	w.now = func() time.Time { return now }

	n, err := w.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("processed = %d, want 3", n)
	}
}

type fakeSource struct {
	msgs       []sqs.Received
	deleted    []string
	visibility map[string]int32
}

func (f *fakeSource) ReceiveMessages(context.Context, int32) ([]sqs.Received, error) {
	return f.msgs, nil
}

func (f *fakeSource) DeleteMessage(_ context.Context, h string) error {
	f.deleted = append(f.deleted, h)
	return nil
}

func (f *fakeSource) ChangeVisibility(_ context.Context, h string, s int32) error {
	if f.visibility == nil {
		f.visibility = map[string]int32{}
	}
	f.visibility[h] = s
	return nil
}

type fakeDispatcher struct {
	errs   map[int64]error
	events []db.NotificationEvent
}

func (f *fakeDispatcher) DispatchEvent(_ context.Context, ev db.NotificationEvent) ([]*db.DeliveryRecord, error) {
	f.events = append(f.events, ev)
	return nil, f.errs[ev.FlightID]
}

func TestEventConsumer_Poll(t *testing.T) {
	src := &fakeSource{msgs: []sqs.Received{
		{Message: &sqs.Message{EventID: "e1", Type: db.TypeGateChange, FlightID: 1}, ReceiptHandle: "h1"},
		{Message: &sqs.Message{EventID: "e2", Type: db.TypeDelay, FlightID: 2}, ReceiptHandle: "h2"},
		{Message: &sqs.Message{EventID: "e3", Type: "bogus", FlightID: 3}, ReceiptHandle: "h3"},
		{Message: &sqs.Message{EventID: "e4", Type: db.TypeCancellation, FlightID: 4}, ReceiptHandle: "h4"},
	}}
	disp := &fakeDispatcher{errs: map[int64]error{
		2: errors.New("persist delivery: connection refused"),
		3: dispatch.ErrUnknownType,
		4: db.ErrNotFound,
	}}

	c := NewEventConsumer(src, disp, zap.NewNop())
	n, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n != 3 {
		t.Errorf("consumed = %d, want 3", n)
	}
	if len(disp.events) != 4 {
		t.Errorf("dispatched = %d, want 4", len(disp.events))
	}

	want := map[string]bool{"h1": true, "h3": true, "h4": true}
	if len(src.deleted) != len(want) {
		t.Fatalf("deleted = %v", src.deleted)
	}
	for _, h := range src.deleted {
		if !want[h] {
			t.Errorf("unexpected delete of %s", h)
		}
	}
	if src.visibility["h2"] != 30 {
		t.Errorf("failed message visibility = %v, want 30", src.visibility)
	}
}
