package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.RetryBatchSize != 100 {
		t.Errorf("retry batch = %d", cfg.RetryBatchSize)
	}
	if cfg.MarkerTTL != time.Hour {
		t.Errorf("marker ttl = %v", cfg.MarkerTTL)
	}
	if cfg.SNSRegion != cfg.AWSRegion || cfg.SQSRegion != cfg.AWSRegion {
		t.Errorf("regions should default to AWS_REGION: sns=%s sqs=%s", cfg.SNSRegion, cfg.SQSRegion)
	}
	if cfg.IsProduction() {
		t.Error("default env must not be production")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("SNS_REGION", "eu-central-1")
	t.Setenv("TRANSPORT_TIMEOUT", "2s")
	t.Setenv("RETRY_INTERVAL", "30")
	t.Setenv("RETRY_CLAIM_LEASE", "15m")
	t.Setenv("DEV_TRANSPORTS", "true")
	t.Setenv("MARKER_BACKEND", "postgres")
	t.Setenv("TEMPLATE_SELECTION", "ab")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.SNSRegion != "eu-central-1" || cfg.SQSRegion != "eu-west-1" {
		t.Errorf("sns=%s sqs=%s", cfg.SNSRegion, cfg.SQSRegion)
	}
	if cfg.TransportTimeout != 2*time.Second {
		t.Errorf("transport timeout = %v", cfg.TransportTimeout)
	}
	if cfg.RetryInterval != 30*time.Second {
		t.Errorf("retry interval = %v", cfg.RetryInterval)
	}
	if cfg.RetryClaimLease != 15*time.Minute {
		t.Errorf("retry claim lease = %v", cfg.RetryClaimLease)
	}
	if !cfg.DevTransports || cfg.MarkerBackend != "postgres" || cfg.TemplateSelection != "ab" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"port", "PORT", "eighty"},
		{"duration", "BOARDING_INTERVAL", "soon"},
		{"bool", "DEV_TRANSPORTS", "maybe"},
		{"backend", "MARKER_BACKEND", "memcached"},
		{"parallelism", "DISPATCH_PARALLELISM", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}
