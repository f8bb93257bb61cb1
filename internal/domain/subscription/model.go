package subscription

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// ChannelType identifies a subscription's delivery channel.
type ChannelType string

const (
	ChannelWebSocket ChannelType = "websocket"
	ChannelRestHook  ChannelType = "rest-hook"
	ChannelEmail     ChannelType = "email"
	ChannelMessage   ChannelType = "message"
)

// NormalizeChannelType maps a raw channel code to a ChannelType. "webhook"
// is accepted as an alias for rest-hook. Unknown codes pass through
// lowercased so the session can report them.
func NormalizeChannelType(raw string) ChannelType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "websocket":
		return ChannelWebSocket
	case "rest-hook", "webhook":
		return ChannelRestHook
	case "email":
		return ChannelEmail
	case "message":
		return ChannelMessage
	default:
		return ChannelType(strings.ToLower(strings.TrimSpace(raw)))
	}
}

// Payload content levels a subscription may request.
const (
	ContentEmpty        = "empty"
	ContentIDOnly       = "id-only"
	ContentFullResource = "full-resource"
)

// FilterCriterion narrows a topic subscription. Criteria are evaluated by
// the server at subscribe time; the client carries them for display and
// diagnostics only.
type FilterCriterion struct {
	ResourceType string `json:"resource_type,omitempty"`
	Parameter    string `json:"parameter,omitempty"`
	Modifier     string `json:"modifier,omitempty"`
	Value        string `json:"value,omitempty"`
}

// Subscription is an immutable snapshot of a server-side Subscription
// resource. The session caches one per id and never mutates it.
type Subscription struct {
	ID              string            `json:"id"`
	Status          string            `json:"status"`
	Topic           string            `json:"topic,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	FilterBy        []FilterCriterion `json:"filter_by,omitempty"`
	ChannelType     ChannelType       `json:"channel_type"`
	Endpoint        string            `json:"endpoint,omitempty"`
	Headers         []string          `json:"headers,omitempty"`
	HeartbeatPeriod int               `json:"heartbeat_period,omitempty"`
	Timeout         int               `json:"timeout,omitempty"`
	ContentType     string            `json:"content_type,omitempty"`
	Content         string            `json:"content,omitempty"`
}

// Backport extension URLs carried by R4 servers that implement topic-based
// subscriptions.
const (
	extHeartbeatPeriod = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-heartbeat-period"
	extTimeout         = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-timeout"
	extPayloadContent  = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-payload-content"
	extFilterCriteria  = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-filter-criteria"
)

type wireExtension struct {
	URL              string `json:"url"`
	ValueString      string `json:"valueString"`
	ValueCode        string `json:"valueCode"`
	ValueUnsignedInt *int   `json:"valueUnsignedInt"`
	ValuePositiveInt *int   `json:"valuePositiveInt"`
}

func (e wireExtension) intValue() int {
	if e.ValueUnsignedInt != nil {
		return *e.ValueUnsignedInt
	}
	if e.ValuePositiveInt != nil {
		return *e.ValuePositiveInt
	}
	return 0
}

// wireElement is the underscore-prefixed companion of a primitive field,
// carrying its extensions.
type wireElement struct {
	Extension []wireExtension `json:"extension"`
}

type wireChannel struct {
	Type           string          `json:"type"`
	Endpoint       string          `json:"endpoint"`
	Payload        string          `json:"payload"`
	Header         []string        `json:"header"`
	Extension      []wireExtension `json:"extension"`
	PayloadElement wireElement     `json:"_payload"`
}

type wireCoding struct {
	System string `json:"system"`
	Code   string `json:"code"`
}

type wireFilterBy struct {
	ResourceType    string `json:"resourceType"`
	FilterParameter string `json:"filterParameter"`
	Comparator      string `json:"comparator"`
	Modifier        string `json:"modifier"`
	Value           string `json:"value"`
}

// wireSubscription accepts both the R4 backport shape (nested channel,
// extensions on criteria and payload) and the flat R5 shape.
type wireSubscription struct {
	ResourceType    string      `json:"resourceType"`
	ID              string      `json:"id"`
	Status          string      `json:"status"`
	Reason          string      `json:"reason"`
	Criteria        string      `json:"criteria"`
	CriteriaElement wireElement `json:"_criteria"`
	Channel         wireChannel `json:"channel"`

	// R5 fields.
	Topic           string         `json:"topic"`
	ChannelTypeCode wireCoding     `json:"channelType"`
	Endpoint        string         `json:"endpoint"`
	Header          []string       `json:"header"`
	HeartbeatPeriod int            `json:"heartbeatPeriod"`
	Timeout         int            `json:"timeout"`
	ContentType     string         `json:"contentType"`
	Content         string         `json:"content"`
	FilterBy        []wireFilterBy `json:"filterBy"`
}

// ParseSubscription decodes a FHIR Subscription resource into the domain
// model. R4 backport servers put the topic in criteria and tuning values in
// extensions; R5 servers use flat fields. Both are handled here so the rest
// of the package never sees the wire shape.
func ParseSubscription(data []byte) (*Subscription, error) {
	var wire wireSubscription
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decoding subscription resource: %w", err)
	}
	if wire.ResourceType != "Subscription" {
		return nil, fmt.Errorf("resource is %q, want Subscription", wire.ResourceType)
	}

	sub := &Subscription{
		ID:              wire.ID,
		Status:          wire.Status,
		Reason:          wire.Reason,
		Topic:           wire.Topic,
		HeartbeatPeriod: wire.HeartbeatPeriod,
		Timeout:         wire.Timeout,
		Content:         wire.Content,
	}
	if sub.Topic == "" {
		sub.Topic = wire.Criteria
	}

	rawType := wire.Channel.Type
	if rawType == "" {
		rawType = wire.ChannelTypeCode.Code
	}
	sub.ChannelType = NormalizeChannelType(rawType)

	sub.Endpoint = wire.Channel.Endpoint
	if sub.Endpoint == "" {
		sub.Endpoint = wire.Endpoint
	}

	sub.ContentType = wire.Channel.Payload
	if sub.ContentType == "" {
		sub.ContentType = wire.ContentType
	}

	sub.Headers = wire.Channel.Header
	if len(sub.Headers) == 0 {
		sub.Headers = wire.Header
	}

	for _, ext := range wire.Channel.Extension {
		switch ext.URL {
		case extHeartbeatPeriod:
			if v := ext.intValue(); v > 0 {
				sub.HeartbeatPeriod = v
			}
		case extTimeout:
			if v := ext.intValue(); v > 0 {
				sub.Timeout = v
			}
		}
	}
	for _, ext := range wire.Channel.PayloadElement.Extension {
		if ext.URL == extPayloadContent && ext.ValueCode != "" {
			sub.Content = ext.ValueCode
		}
	}

	sub.FilterBy = make([]FilterCriterion, 0, len(wire.FilterBy))
	for _, f := range wire.FilterBy {
		modifier := f.Modifier
		if modifier == "" {
			modifier = f.Comparator
		}
		sub.FilterBy = append(sub.FilterBy, FilterCriterion{
			ResourceType: f.ResourceType,
			Parameter:    f.FilterParameter,
			Modifier:     modifier,
			Value:        f.Value,
		})
	}
	for _, ext := range wire.CriteriaElement.Extension {
		if ext.URL == extFilterCriteria && ext.ValueString != "" {
			sub.FilterBy = append(sub.FilterBy, parseCriteriaString(ext.ValueString)...)
		}
	}

	return sub, nil
}

// parseCriteriaString expands a backport criteria string such as
// "Encounter?patient=Patient/123&status=finished" into criteria entries,
// preserving parameter order.
func parseCriteriaString(criteria string) []FilterCriterion {
	resource, query, found := strings.Cut(criteria, "?")
	if !found || query == "" {
		if resource == "" {
			return nil
		}
		return []FilterCriterion{{ResourceType: resource}}
	}

	var out []FilterCriterion
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		param, modifier, _ := strings.Cut(key, ":")
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		out = append(out, FilterCriterion{
			ResourceType: resource,
			Parameter:    param,
			Modifier:     modifier,
			Value:        value,
		})
	}
	return out
}
