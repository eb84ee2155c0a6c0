package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PayloadFetchTimeout != 30*time.Second {
		t.Fatalf("expected 30s payload timeout, got %s", cfg.PayloadFetchTimeout)
	}
	if cfg.StoreLoaderSoftLimit != 500 || cfg.PayloadLoaderSoftLimit != 50 {
		t.Fatalf("unexpected soft limits: %d/%d", cfg.StoreLoaderSoftLimit, cfg.PayloadLoaderSoftLimit)
	}
	if cfg.AckPolicy != AckPolicyIdempotent {
		t.Fatalf("expected idempotent ack policy, got %q", cfg.AckPolicy)
	}
	if cfg.BreakerThreshold != 5 || cfg.BreakerCooldown != 30*time.Second {
		t.Fatalf("unexpected breaker defaults: %d/%s", cfg.BreakerThreshold, cfg.BreakerCooldown)
	}
}

func TestLoadEnvAndFileOverlay(t *testing.T) {
	t.Setenv("RETRY_DISPATCH_TIMEOUT", "12s")
	t.Setenv("OVERLAY_BUCKET", "archive")

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "ack_policy: strict\npayload_source: s3\npayload_s3_bucket: ${OVERLAY_BUCKET}\nmax_bulk_size: 7\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RetryDispatchTimeout != 12*time.Second {
		t.Fatalf("env override lost: %s", cfg.RetryDispatchTimeout)
	}
	if cfg.AckPolicy != AckPolicyStrict || cfg.PayloadS3Bucket != "archive" || cfg.MaxBulkSize != 7 {
		t.Fatalf("overlay not applied: %+v", cfg)
	}
}

func TestValidateRejectsUnknownPolicy(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("ACK_POLICY", "sometimes")
	if _, err := Load(); err == nil {
		t.Fatalf("expected invalid ack policy error")
	}
}
