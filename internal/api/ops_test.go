package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/lalithlochan/gatecall/internal/circuitbreaker"
)

type fakeBreakers struct {
	stats []circuitbreaker.Stats
	reset []string
}

func (f *fakeBreakers) Stats() []circuitbreaker.Stats { return f.stats }

func (f *fakeBreakers) Reset(provider string) bool {
	for _, s := range f.stats {
		if s.Provider == provider {
			f.reset = append(f.reset, provider)
			return true
		}
	}
	return false
}

func TestReady(t *testing.T) {
	tests := []struct {
		name           string
		redisErr       error
		expectedStatus int
		expectedRedis  string
	}{
		{"all dependencies up", nil, http.StatusOK, "ok"},
		{"redis down", errors.New("dial tcp: connection refused"), http.StatusServiceUnavailable, "dial tcp: connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.handler.
				WithReadinessCheck("postgres", func(ctx context.Context) error { return nil }).
				WithReadinessCheck("redis", func(ctx context.Context) error { return tt.redisErr })

			rec := env.do(http.MethodGet, "/ready", nil)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected %d, got %d", tt.expectedStatus, rec.Code)
			}

			var resp struct {
				Ready  bool              `json:"ready"`
				Checks map[string]string `json:"checks"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Ready != (tt.expectedStatus == http.StatusOK) {
				t.Errorf("unexpected ready flag %v", resp.Ready)
			}
			if resp.Checks["postgres"] != "ok" || resp.Checks["redis"] != tt.expectedRedis {
				t.Errorf("unexpected checks: %v", resp.Checks)
			}
		})
	}
}

func TestListTransports(t *testing.T) {
	env := newTestEnv()

	rec := env.do(http.MethodGet, "/v1/transports", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without breakers, got %d", rec.Code)
	}

	env.handler.WithBreakers(&fakeBreakers{stats: []circuitbreaker.Stats{
		{Provider: "ses", State: "closed"},
		{Provider: "sns", State: "open", Failures: 5},
	}})

	rec = env.do(http.MethodGet, "/v1/transports", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Data  []circuitbreaker.Stats `json:"data"`
		Count int                    `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 2 || resp.Data[1].State != "open" || resp.Data[1].Failures != 5 {
		t.Errorf("unexpected transports: %+v", resp)
	}
}

func TestResetTransport(t *testing.T) {
	env := newTestEnv()
	breakers := &fakeBreakers{stats: []circuitbreaker.Stats{{Provider: "sns", State: "open"}}}
	env.handler.WithBreakers(breakers)

	rec := env.do(http.MethodPost, "/v1/transports/sns/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(breakers.reset) != 1 || breakers.reset[0] != "sns" {
		t.Errorf("unexpected resets: %v", breakers.reset)
	}

	rec = env.do(http.MethodPost, "/v1/transports/fcm/reset", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	decodeError(t, rec)
}
