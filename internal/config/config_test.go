package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.HTTP.Addr != ":8080" || c.GRPC.Addr != ":9090" {
		t.Fatalf("unexpected addrs: %q %q", c.HTTP.Addr, c.GRPC.Addr)
	}
	if c.Download.URLTTL != time.Hour || c.Auth.SessionTTL != 7*24*time.Hour {
		t.Fatalf("unexpected durations: %v %v", c.Download.URLTTL, c.Auth.SessionTTL)
	}
	if c.UsesSupabase() {
		t.Fatal("expected local storage by default")
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
http:
  addr: ":8081"
stripe:
  secret_key: sk_test_file
  webhook_secret: whsec_file
  timeout: 5s
storage:
  url: https://proj.supabase.co
  service_key: service
download:
  url_ttl: 30m
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POSTERSTORE_AUTH_SECRET", "env-secret")
	t.Setenv("POSTERSTORE_STRIPE_SECRET_KEY", "sk_test_env")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.HTTP.Addr != ":8081" || c.Stripe.Timeout != 5*time.Second || c.Download.URLTTL != 30*time.Minute {
		t.Fatalf("file values not applied: %+v", c)
	}
	if c.Stripe.SecretKey != "sk_test_env" || c.Auth.Secret != "env-secret" {
		t.Fatalf("env overrides not applied: %+v", c.Stripe)
	}
	if !c.UsesSupabase() || c.Storage.Bucket != "posters" {
		t.Fatalf("unexpected storage config %+v", c.Storage)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	c := &Config{Storage: StorageConfig{URL: "https://proj.supabase.co"}}
	err := c.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"auth.secret", "stripe.secret_key", "stripe.webhook_secret", "storage.service_key", "download.url_ttl", "rate.per_sec"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}
