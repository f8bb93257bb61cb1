package fhir

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseSubscriptionStatus_BareResource(t *testing.T) {
	payload := `{
		"resourceType": "SubscriptionStatus",
		"status": "active",
		"type": "query-status",
		"topic": "http://fhir.example.org/SubscriptionTopic/new-lab-result",
		"subscription": {"reference": "Subscription/lab-1"},
		"eventsSinceSubscriptionStart": 31
	}`

	status, err := ParseSubscriptionStatus([]byte(payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if status.SubscriptionID != "lab-1" {
		t.Fatalf("expected lab-1, got %q", status.SubscriptionID)
	}
	if status.Status != "active" {
		t.Fatalf("expected active, got %q", status.Status)
	}
	if status.Type != NotificationTypeQueryStatus {
		t.Fatalf("expected query-status, got %s", status.Type)
	}
	if status.EventsSinceSubscriptionStart != 31 {
		t.Fatalf("expected 31, got %d", status.EventsSinceSubscriptionStart)
	}
}

func TestParseSubscriptionStatus_Bundle(t *testing.T) {
	payload := `{
		"resourceType": "Bundle",
		"type": "searchset",
		"entry": [
			{"resource": {"resourceType": "SubscriptionStatus", "status": "error",
				"type": "query-status", "subscription": {"reference": "Subscription/x"}}}
		]
	}`

	status, err := ParseSubscriptionStatus([]byte(payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if status.SubscriptionID != "x" {
		t.Fatalf("expected x, got %q", status.SubscriptionID)
	}
	if status.Status != "error" {
		t.Fatalf("expected error status, got %q", status.Status)
	}
}

func TestParseSubscriptionStatus_NoStatusResource(t *testing.T) {
	for _, payload := range []string{
		`{"resourceType":"Bundle","type":"searchset","entry":[]}`,
		`{"resourceType":"Patient","id":"p"}`,
		`{broken`,
	} {
		_, err := ParseSubscriptionStatus([]byte(payload))
		if !errors.Is(err, ErrMalformedNotification) {
			t.Fatalf("payload %q: expected ErrMalformedNotification, got %v", payload, err)
		}
	}
}

func TestParseBindingToken(t *testing.T) {
	payload := `{
		"resourceType": "Parameters",
		"parameter": [
			{"name": "token", "valueString": "eyJhbGciOi.fake.token"},
			{"name": "expiration", "valueDateTime": "2026-03-01T12:00:00Z"},
			{"name": "websocket-url", "valueUrl": "wss://fhir.example.org/ws"}
		]
	}`

	token, err := ParseBindingToken([]byte(payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if token.Token != "eyJhbGciOi.fake.token" {
		t.Fatalf("unexpected token %q", token.Token)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !token.Expiration.Equal(want) {
		t.Fatalf("expected expiration %v, got %v", want, token.Expiration)
	}
	if token.WebSocketURL != "wss://fhir.example.org/ws" {
		t.Fatalf("unexpected websocket url %q", token.WebSocketURL)
	}
}

func TestParseBindingToken_MissingToken(t *testing.T) {
	payload := `{"resourceType":"Parameters","parameter":[{"name":"expiration","valueDateTime":"2026-03-01T12:00:00Z"}]}`

	_, err := ParseBindingToken([]byte(payload))
	if !errors.Is(err, ErrMalformedNotification) {
		t.Fatalf("expected ErrMalformedNotification, got %v", err)
	}
}

func TestNewBindMessage(t *testing.T) {
	data, err := json.Marshal(NewBindMessage("tok-123"))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"type":"bind-with-token","payload":{"token":"tok-123"}}`
	if string(data) != want {
		t.Fatalf("expected %s, got %s", want, data)
	}
}

func TestOperationOutcomeMessage(t *testing.T) {
	withDiagnostics := `{"resourceType":"OperationOutcome","issue":[{"severity":"error","diagnostics":"Subscription not found"}]}`
	if got := OperationOutcomeMessage([]byte(withDiagnostics)); got != "Subscription not found" {
		t.Fatalf("expected diagnostics text, got %q", got)
	}

	withDetails := `{"resourceType":"OperationOutcome","issue":[{"details":{"text":"no such topic"}}]}`
	if got := OperationOutcomeMessage([]byte(withDetails)); got != "no such topic" {
		t.Fatalf("expected details text, got %q", got)
	}

	if got := OperationOutcomeMessage([]byte(`{"resourceType":"Patient"}`)); got != "" {
		t.Fatalf("expected empty message for non-outcome, got %q", got)
	}
	if got := OperationOutcomeMessage([]byte(`{bad`)); got != "" {
		t.Fatalf("expected empty message for bad payload, got %q", got)
	}
}
