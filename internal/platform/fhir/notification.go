// Package fhir models the wire payloads of FHIR topic-based subscription
// notifications (the R4 backport of R5 subscriptions) and decodes them into
// values the rest of the engine works with.
package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedNotification reports a payload that cannot be decoded as a
// notification bundle.
var ErrMalformedNotification = errors.New("fhir: malformed notification")

// NotificationType classifies a notification bundle.
type NotificationType string

const (
	NotificationTypeHandshake   NotificationType = "handshake"
	NotificationTypeHeartbeat   NotificationType = "heartbeat"
	NotificationTypeEvent       NotificationType = "event-notification"
	NotificationTypeQueryStatus NotificationType = "query-status"
	NotificationTypeQueryEvent  NotificationType = "query-event"
)

// knownNotificationTypes guards the enum; anything else decodes as
// event-notification.
var knownNotificationTypes = map[NotificationType]bool{
	NotificationTypeHandshake:   true,
	NotificationTypeHeartbeat:   true,
	NotificationTypeEvent:       true,
	NotificationTypeQueryStatus: true,
	NotificationTypeQueryEvent:  true,
}

// Notification is one decoded notification bundle. Values are ephemeral:
// produced per inbound payload and owned by whoever reads them off a stream.
type Notification struct {
	SubscriptionID string
	Topic          string
	Type           NotificationType
	// EventsSinceSubscriptionStart is the monotonically increasing counter
	// reported by the server; there is no replay cursor.
	EventsSinceSubscriptionStart int64
	// Focus holds the focal entries in bundle order.
	Focus []NotificationEntry
}

// EventsInNotification reports how many focal entries this notification
// carries. It is always len(Focus).
func (n *Notification) EventsInNotification() int {
	return len(n.Focus)
}

// NotificationEntry is one focal resource delivered with a notification.
type NotificationEntry struct {
	FullURL  string
	Resource json.RawMessage
	Method   string
}

// ---------------------------------------------------------------------------
// Wire decoding
// ---------------------------------------------------------------------------

type wireBundle struct {
	ResourceType   string      `json:"resourceType"`
	Type           string      `json:"type"`
	Entry          []wireEntry `json:"entry"`
	SubscriptionID string      `json:"subscriptionId"`
	Topic          string      `json:"topic"`
	Events         flexInt64   `json:"eventsSinceSubscriptionStart"`
}

type wireEntry struct {
	FullURL  string          `json:"fullUrl"`
	Resource json.RawMessage `json:"resource"`
	Request  *wireRequest    `json:"request"`
}

type wireRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type wireStatus struct {
	ResourceType string        `json:"resourceType"`
	Status       string        `json:"status"`
	Type         string        `json:"type"`
	Topic        string        `json:"topic"`
	Subscription wireReference `json:"subscription"`
	Events       flexInt64     `json:"eventsSinceSubscriptionStart"`
}

type wireReference struct {
	Reference string `json:"reference"`
}

// flexInt64 accepts the integer64 encodings seen in the wild: a JSON number
// or a quoted decimal string (R5 serializes integer64 as a string).
// Unparseable values decode as zero rather than failing the bundle.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt64(v)
	return nil
}

// ParseNotification decodes a notification bundle payload.
//
// The entries are scanned for a SubscriptionStatus resource, which supplies
// the subscription id (last path segment of its subscription reference), the
// notification type, the topic, and the event counter. Every other entry
// becomes a focus entry, in bundle order. Payloads without a
// SubscriptionStatus entry fall back to top-level properties of the same
// names, then to defaults: subscription id "unknown", type
// event-notification.
func ParseNotification(data []byte) (*Notification, error) {
	var bundle wireBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}

	statusIdx := -1
	var status wireStatus
	for i, entry := range bundle.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		var probe struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(entry.Resource, &probe); err != nil {
			continue
		}
		if probe.ResourceType != "SubscriptionStatus" {
			continue
		}
		if err := json.Unmarshal(entry.Resource, &status); err != nil {
			return nil, fmt.Errorf("%w: decoding SubscriptionStatus: %v", ErrMalformedNotification, err)
		}
		statusIdx = i
		break
	}

	n := &Notification{
		SubscriptionID: "unknown",
		Type:           NotificationTypeEvent,
	}

	if statusIdx >= 0 {
		if id := lastPathSegment(status.Subscription.Reference); id != "" {
			n.SubscriptionID = id
		} else if bundle.SubscriptionID != "" {
			n.SubscriptionID = bundle.SubscriptionID
		}
		n.Type = normalizeType(status.Type)
		n.Topic = status.Topic
		n.EventsSinceSubscriptionStart = int64(status.Events)
	} else {
		if bundle.SubscriptionID != "" {
			n.SubscriptionID = bundle.SubscriptionID
		}
		n.Type = normalizeType(bundle.Type)
		n.Topic = bundle.Topic
		n.EventsSinceSubscriptionStart = int64(bundle.Events)
	}

	n.Focus = make([]NotificationEntry, 0, len(bundle.Entry))
	for i, entry := range bundle.Entry {
		if i == statusIdx {
			continue
		}
		focus := NotificationEntry{
			FullURL:  entry.FullURL,
			Resource: entry.Resource,
		}
		if entry.Request != nil {
			focus.Method = entry.Request.Method
		}
		n.Focus = append(n.Focus, focus)
	}

	return n, nil
}

// normalizeType maps a wire type to the closed NotificationType enum;
// unknown or absent values become event-notification.
func normalizeType(raw string) NotificationType {
	t := NotificationType(raw)
	if knownNotificationTypes[t] {
		return t
	}
	return NotificationTypeEvent
}

// lastPathSegment returns the text after the final slash, so both
// "Subscription/42" and "https://fhir.example.org/Subscription/42"
// yield "42".
func lastPathSegment(reference string) string {
	if reference == "" {
		return ""
	}
	if idx := strings.LastIndex(reference, "/"); idx >= 0 {
		return reference[idx+1:]
	}
	return reference
}
