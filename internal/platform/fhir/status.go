package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// SubscriptionStatus is the live state a server reports for one
// subscription, as returned by the $status operation.
type SubscriptionStatus struct {
	SubscriptionID               string
	Status                       string
	Type                         NotificationType
	Topic                        string
	EventsSinceSubscriptionStart int64
}

// ParseSubscriptionStatus decodes a $status response. Servers answer with
// either a bare SubscriptionStatus resource or a bundle containing one.
func ParseSubscriptionStatus(data []byte) (*SubscriptionStatus, error) {
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}

	switch probe.ResourceType {
	case "SubscriptionStatus":
		var status wireStatus
		if err := json.Unmarshal(data, &status); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
		}
		return statusFromWire(status), nil
	case "Bundle":
		var bundle wireBundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
		}
		for _, entry := range bundle.Entry {
			if len(entry.Resource) == 0 {
				continue
			}
			var status wireStatus
			if err := json.Unmarshal(entry.Resource, &status); err != nil {
				continue
			}
			if status.ResourceType == "SubscriptionStatus" {
				return statusFromWire(status), nil
			}
		}
		return nil, fmt.Errorf("%w: bundle carries no SubscriptionStatus", ErrMalformedNotification)
	default:
		return nil, fmt.Errorf("%w: unexpected resource type %q", ErrMalformedNotification, probe.ResourceType)
	}
}

func statusFromWire(status wireStatus) *SubscriptionStatus {
	return &SubscriptionStatus{
		SubscriptionID:               lastPathSegment(status.Subscription.Reference),
		Status:                       status.Status,
		Type:                         normalizeType(status.Type),
		Topic:                        status.Topic,
		EventsSinceSubscriptionStart: int64(status.Events),
	}
}

// ---------------------------------------------------------------------------
// $get-ws-binding-token
// ---------------------------------------------------------------------------

// BindingToken attaches a WebSocket to a subscription, as returned by the
// $get-ws-binding-token operation.
type BindingToken struct {
	Token        string
	Expiration   time.Time
	WebSocketURL string
}

// BindMessage is the first frame a client sends after connecting a
// subscription WebSocket.
type BindMessage struct {
	Type    string             `json:"type"`
	Payload BindMessagePayload `json:"payload"`
}

// BindMessagePayload carries the binding token.
type BindMessagePayload struct {
	Token string `json:"token"`
}

// NewBindMessage builds the bind-with-token frame for a binding token.
func NewBindMessage(token string) BindMessage {
	return BindMessage{
		Type:    "bind-with-token",
		Payload: BindMessagePayload{Token: token},
	}
}

// ParseBindingToken decodes the Parameters resource returned by
// $get-ws-binding-token.
func ParseBindingToken(data []byte) (*BindingToken, error) {
	var params struct {
		ResourceType string `json:"resourceType"`
		Parameter    []struct {
			Name          string `json:"name"`
			ValueString   string `json:"valueString"`
			ValueURL      string `json:"valueUrl"`
			ValueURI      string `json:"valueUri"`
			ValueDateTime string `json:"valueDateTime"`
		} `json:"parameter"`
	}
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if params.ResourceType != "Parameters" {
		return nil, fmt.Errorf("%w: unexpected resource type %q", ErrMalformedNotification, params.ResourceType)
	}

	var token BindingToken
	for _, p := range params.Parameter {
		switch p.Name {
		case "token":
			token.Token = p.ValueString
		case "expiration":
			if p.ValueDateTime != "" {
				if ts, err := time.Parse(time.RFC3339, p.ValueDateTime); err == nil {
					token.Expiration = ts
				}
			}
		case "websocket-url":
			switch {
			case p.ValueURL != "":
				token.WebSocketURL = p.ValueURL
			case p.ValueURI != "":
				token.WebSocketURL = p.ValueURI
			case p.ValueString != "":
				token.WebSocketURL = p.ValueString
			}
		}
	}
	if token.Token == "" {
		return nil, fmt.Errorf("%w: binding token response carries no token", ErrMalformedNotification)
	}
	return &token, nil
}

// OperationOutcomeMessage extracts a human-readable message from an
// OperationOutcome payload, or returns "" when there is none.
func OperationOutcomeMessage(data []byte) string {
	var outcome struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Diagnostics string `json:"diagnostics"`
			Details     struct {
				Text string `json:"text"`
			} `json:"details"`
		} `json:"issue"`
	}
	if err := json.Unmarshal(data, &outcome); err != nil {
		return ""
	}
	if outcome.ResourceType != "OperationOutcome" {
		return ""
	}
	for _, issue := range outcome.Issue {
		if issue.Diagnostics != "" {
			return issue.Diagnostics
		}
		if issue.Details.Text != "" {
			return issue.Details.Text
		}
	}
	return ""
}
