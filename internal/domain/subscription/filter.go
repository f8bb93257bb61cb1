package subscription

import (
	"strings"

	"github.com/fhirsub/fhirsub/internal/platform/fhir"
)

// EventFilter selects which notifications a listener receives. The zero
// value matches everything. Builder methods return new values; a filter is
// never mutated after construction, so one filter may serve any number of
// listeners concurrently.
type EventFilter struct {
	resourceTypes []string
	criteria      []string
}

// NewEventFilter returns a filter that matches every notification.
func NewEventFilter() EventFilter {
	return EventFilter{}
}

func (f EventFilter) clone() EventFilter {
	next := EventFilter{}
	if len(f.resourceTypes) > 0 {
		next.resourceTypes = append([]string(nil), f.resourceTypes...)
	}
	if len(f.criteria) > 0 {
		next.criteria = append([]string(nil), f.criteria...)
	}
	return next
}

// ForResourceType returns a copy of the filter that also accepts the given
// resource type names.
func (f EventFilter) ForResourceType(types ...string) EventFilter {
	next := f.clone()
	next.resourceTypes = append(next.resourceTypes, types...)
	return next
}

// WithCriteria returns a copy of the filter carrying additional criteria
// strings. Criteria are applied by the server at subscribe time and are not
// evaluated by Matches.
func (f EventFilter) WithCriteria(criteria ...string) EventFilter {
	next := f.clone()
	next.criteria = append(next.criteria, criteria...)
	return next
}

// ResourceTypes returns the configured resource type names.
func (f EventFilter) ResourceTypes() []string {
	return append([]string(nil), f.resourceTypes...)
}

// Criteria returns the configured criteria strings.
func (f EventFilter) Criteria() []string {
	return append([]string(nil), f.criteria...)
}

// Matches reports whether the notification passes the filter. Heartbeats
// and handshakes always pass so connection liveness is never filtered away.
// When resource types are configured and the notification carries focus
// entries, at least one focus fullUrl must contain one of the type names;
// a notification without focus entries is not rejected on that ground.
func (f EventFilter) Matches(n *fhir.Notification) bool {
	if n == nil {
		return false
	}
	if n.Type == fhir.NotificationTypeHeartbeat || n.Type == fhir.NotificationTypeHandshake {
		return true
	}
	if len(f.resourceTypes) == 0 && len(f.criteria) == 0 {
		return true
	}
	if len(f.resourceTypes) > 0 && len(n.Focus) > 0 {
		for _, entry := range n.Focus {
			for _, typeName := range f.resourceTypes {
				if strings.Contains(entry.FullURL, typeName) {
					return true
				}
			}
		}
		return false
	}
	return true
}
