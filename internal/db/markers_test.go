package db

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// fakeMarkerDB evaluates the marker statements against an in-memory table
// with a settable database clock.
type fakeMarkerDB struct {
	now  time.Time
	rows map[string]time.Time
	err  error
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch d := d.(type) {
		case *string:
			*d = r.vals[i].(string)
		case *bool:
			*d = r.vals[i].(bool)
		}
	}
	return nil
}

func (f *fakeMarkerDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if f.err != nil {
		return fakeRow{err: f.err}
	}
	key := args[0].(string)
	switch sql {
	case acquireMarkerQuery:
		if exp, ok := f.rows[key]; ok && exp.After(f.now) {
			return fakeRow{err: pgx.ErrNoRows}
		}
		f.rows[key] = f.now.Add(args[1].(time.Duration))
		return fakeRow{vals: []any{key}}
	case hasMarkerQuery:
		exp, ok := f.rows[key]
		return fakeRow{vals: []any{ok && exp.After(f.now)}}
	}
	return fakeRow{err: errors.New("unexpected query")}
}

func (f *fakeMarkerDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	key := args[0].(string)
	switch sql {
	case releaseMarkerQuery:
		delete(f.rows, key)
		return pgconn.NewCommandTag("DELETE 1"), nil
	case deleteMarkersQuery:
		n := 0
		for k, exp := range f.rows {
			if strings.HasPrefix(k, key) || !exp.After(f.now) {
				delete(f.rows, k)
				n++
			}
		}
		return pgconn.NewCommandTag("DELETE " + strconv.Itoa(n)), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected statement")
}

func TestMarkerTable(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	fake := &fakeMarkerDB{now: start, rows: map[string]time.Time{}}
	m := &MarkerTable{q: fake}

	ok, err := m.Acquire(ctx, "boarding:42:final_call", time.Hour)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v; want true", ok, err)
	}

	ok, err = m.Acquire(ctx, "boarding:42:final_call", time.Hour)
	if err != nil || ok {
		t.Fatalf("second acquire = %v, %v; want false while the marker lives", ok, err)
	}

	has, err := m.Has(ctx, "boarding:42:final_call")
	if err != nil || !has {
		t.Errorf("has = %v, %v; want true", has, err)
	}

	// Past the ttl the expired row is taken over.
	fake.now = start.Add(time.Hour)
	ok, err = m.Acquire(ctx, "boarding:42:final_call", time.Hour)
	if err != nil || !ok {
		t.Fatalf("acquire after expiry = %v, %v; want true", ok, err)
	}

	if err := m.Release(ctx, "boarding:42:final_call"); err != nil {
		t.Fatal(err)
	}
	if has, _ := m.Has(ctx, "boarding:42:final_call"); has {
		t.Error("marker still present after release")
	}
}

func TestMarkerTable_DeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	fake := &fakeMarkerDB{now: start, rows: map[string]time.Time{
		"boarding:42:first_call": start.Add(time.Hour),
		"boarding:42:final_call": start.Add(time.Hour),
		"boarding:7:first_call":  start.Add(time.Hour),
		"boarding:9:first_call":  start.Add(-time.Minute),
	}}
	m := &MarkerTable{q: fake}

	n, err := m.DeleteByPrefix(ctx, "boarding:42:")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3 (two for flight 42 plus one expired)", n)
	}
	if _, ok := fake.rows["boarding:7:first_call"]; !ok {
		t.Error("marker of another flight was deleted")
	}
}

func TestMarkerTable_Errors(t *testing.T) {
	ctx := context.Background()
	m := &MarkerTable{q: &fakeMarkerDB{err: errors.New("connection refused")}}

	if _, err := m.Acquire(ctx, "boarding:1:first_call", time.Hour); err == nil || !strings.Contains(err.Error(), "boarding:1:first_call") {
		t.Errorf("acquire error = %v", err)
	}
	if _, err := m.Has(ctx, "boarding:1:first_call"); err == nil {
		t.Error("expected has error")
	}
	if err := m.Release(ctx, "boarding:1:first_call"); err == nil {
		t.Error("expected release error")
	}
	if _, err := m.DeleteByPrefix(ctx, "boarding:1:"); err == nil {
		t.Error("expected delete error")
	}
}

// TestMarkerTable_Postgres runs the statements against a real server when
// GATECALL_TEST_DATABASE_URL is set.
func TestMarkerTable_Postgres(t *testing.T) {
	dsn := os.Getenv("GATECALL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("GATECALL_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	ddl, err := os.ReadFile("../../migrations/0005_boarding_markers.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Exec(ctx, string(ddl)); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	m := &MarkerTable{q: pool}
	key := "boarding:test:" + time.Now().Format("150405.000000")
	t.Cleanup(func() { _ = m.Release(context.Background(), key) })

	if ok, err := m.Acquire(ctx, key, -time.Second); err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}
	// The first marker was born expired, so it is taken over.
	if ok, err := m.Acquire(ctx, key, time.Hour); err != nil || !ok {
		t.Fatalf("takeover = %v, %v", ok, err)
	}
	if ok, err := m.Acquire(ctx, key, time.Hour); err != nil || ok {
		t.Fatalf("acquire of live marker = %v, %v; want false", ok, err)
	}
}
