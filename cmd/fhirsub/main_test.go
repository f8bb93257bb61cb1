package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirsub/fhirsub/internal/config"
)

func TestDedupe(t *testing.T) {
	got := dedupe([]string{"sub-1", "", "sub-2", "sub-1", "sub-3", "sub-2"})
	want := []string{"sub-1", "sub-2", "sub-3"}
	if len(got) != len(want) {
		t.Fatalf("expected %d ids, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %s at position %d, got %s", want[i], i, got[i])
		}
	}
}

func TestLoadFileStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub.json")
	resource := `{
		"resourceType": "Subscription",
		"id": "sub-local",
		"status": "active",
		"criteria": "http://example.org/topics/admissions",
		"channel": {"type": "websocket", "endpoint": "wss://fhir.example.com/ws"}
	}`
	if err := os.WriteFile(path, []byte(resource), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	store, ids, err := loadFileStore([]string{path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "sub-local" {
		t.Fatalf("expected [sub-local], got %v", ids)
	}

	sub, err := store.Fetch(context.Background(), "sub-local")
	if err != nil {
		t.Fatalf("fetch after load failed: %v", err)
	}
	if sub.Endpoint != "wss://fhir.example.com/ws" {
		t.Errorf("expected the endpoint to survive the load, got %s", sub.Endpoint)
	}
}

func TestLoadFileStore_MissingFile(t *testing.T) {
	_, _, err := loadFileStore([]string{filepath.Join(t.TempDir(), "absent.json")})
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadFileStore_RejectsResourceWithoutID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "no-id.json")
	resource := `{"resourceType": "Subscription", "status": "active", "channel": {"type": "websocket"}}`
	if err := os.WriteFile(path, []byte(resource), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	_, _, err := loadFileStore([]string{path})
	if err == nil {
		t.Fatal("expected an error for a subscription without an id")
	}
}

func TestTransportConfig(t *testing.T) {
	cfg := &config.Config{
		StreamBuffer:          128,
		ReconnectMaxAttempts:  3,
		ReconnectInitialDelay: 2 * time.Second,
		ReconnectMaxDelay:     time.Minute,
		ReconnectMultiplier:   1.5,
		ReconnectJitter:       true,
		DialTimeout:           5 * time.Second,
		ReadIdleTimeout:       90 * time.Second,
	}

	got := transportConfig(cfg)
	if got.Backoff.MaxAttempts != 3 {
		t.Errorf("expected 3 max attempts, got %d", got.Backoff.MaxAttempts)
	}
	if got.Backoff.InitialDelay != 2*time.Second {
		t.Errorf("expected 2s initial delay, got %v", got.Backoff.InitialDelay)
	}
	if !got.Backoff.Jitter {
		t.Error("expected jitter to carry over")
	}
	if got.DialTimeout != 5*time.Second {
		t.Errorf("expected 5s dial timeout, got %v", got.DialTimeout)
	}
	if got.ReadIdleTimeout != 90*time.Second {
		t.Errorf("expected 90s read idle timeout, got %v", got.ReadIdleTimeout)
	}
	if got.StreamBuffer != 128 {
		t.Errorf("expected stream buffer 128, got %d", got.StreamBuffer)
	}
}

func TestNewRESTStore_RequiresBaseURL(t *testing.T) {
	_, err := newRESTStore(&config.Config{}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected an error when FHIR_BASE_URL is empty")
	}
}
