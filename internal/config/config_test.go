package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LeaseDuration != 30*time.Minute {
		t.Errorf("expected 30m lease, got %s", cfg.LeaseDuration)
	}
	if cfg.SweepInterval != 5*time.Minute {
		t.Errorf("expected 5m sweep interval, got %s", cfg.SweepInterval)
	}
	if cfg.BackoffBase != time.Minute || cfg.BackoffMax != time.Hour {
		t.Errorf("unexpected backoff %s/%s", cfg.BackoffBase, cfg.BackoffMax)
	}
	if cfg.StallReclaimCap != 5 {
		t.Errorf("expected stall cap 5, got %d", cfg.StallReclaimCap)
	}
	if cfg.WorkerID == "" {
		t.Error("expected a default worker id")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("LEASE_DURATION", "10m")
	t.Setenv("RENEW_INTERVAL", "2m")
	t.Setenv("SWEEP_INTERVAL", "1m")
	t.Setenv("TENANT_RATE_REFILL", "2.5")
	t.Setenv("CLAIM_BATCH_SIZE", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LeaseDuration != 10*time.Minute || cfg.RenewInterval != 2*time.Minute {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.TenantRateRefill != 2.5 {
		t.Errorf("expected refill 2.5, got %v", cfg.TenantRateRefill)
	}
	if cfg.ClaimBatchSize != 10 {
		t.Errorf("expected malformed value to fall back to default, got %d", cfg.ClaimBatchSize)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			StoreDriver:     StoreDriverPostgres,
			DatabaseURL:     "postgres://localhost/notifyq",
			LeaseDuration:   30 * time.Minute,
			RenewInterval:   10 * time.Minute,
			SweepInterval:   5 * time.Minute,
			StallReclaimCap: 5,
			BackoffBase:     time.Minute,
			BackoffMax:      time.Hour,
			ClaimBatchSize:  10,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"postgres without url", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"unknown driver", func(c *Config) { c.StoreDriver = "sqlite" }, "STORE_DRIVER"},
		{"sweep not shorter than lease", func(c *Config) { c.SweepInterval = 30 * time.Minute }, "SWEEP_INTERVAL"},
		{"renew not shorter than lease", func(c *Config) { c.RenewInterval = 45 * time.Minute }, "RENEW_INTERVAL"},
		{"backoff max below base", func(c *Config) { c.BackoffMax = time.Second }, "BACKOFF_BASE"},
		{"zero claim batch", func(c *Config) { c.ClaimBatchSize = 0 }, "CLAIM_BATCH_SIZE"},
		{"claim batch above claim limit", func(c *Config) { c.ClaimBatchSize = MaxClaimBatchSize + 1 }, "CLAIM_BATCH_SIZE"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			err := c.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error mentioning %s, got %v", tc.wantErr, err)
			}
		})
	}
}
