// Package webhook receives REST-hook notification deliveries. A Router maps
// each subscription id to at most one handler; a Receiver exposes the
// inbound HTTP endpoint that feeds POSTed notification bundles into the
// router.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fhirsub/fhirsub/internal/platform/fhir"
)

// ErrNoHandler reports a dispatch for a subscription id with no registered
// handler.
var ErrNoHandler = errors.New("webhook: no handler registered")

// Handler consumes one parsed notification. Handlers run on the
// dispatcher's goroutine and own their own error handling.
type Handler func(ctx context.Context, notification *fhir.Notification)

// Router is the registry of per-subscription notification handlers.
// All operations are safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]Handler),
	}
}

// Register installs the handler for a subscription id, replacing any prior
// registration for that id.
func (r *Router) Register(subscriptionID string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[subscriptionID] = handler
}

// Unregister removes the handler for a subscription id. It is a no-op when
// none is registered.
func (r *Router) Unregister(subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, subscriptionID)
}

// Registered reports whether a handler exists for the subscription id.
func (r *Router) Registered(subscriptionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[subscriptionID]
	return ok
}

// HandlerCount returns the number of registered handlers.
func (r *Router) HandlerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Dispatch routes one raw notification payload to the handler registered
// for the subscription id. It fails with ErrNoHandler when the id has no
// handler, and with the codec's error when the payload is malformed; in
// both cases no handler runs.
func (r *Router) Dispatch(ctx context.Context, subscriptionID string, payload []byte) error {
	r.mu.RLock()
	handler, ok := r.handlers[subscriptionID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: subscription %s", ErrNoHandler, subscriptionID)
	}

	notification, err := fhir.ParseNotification(payload)
	if err != nil {
		return err
	}

	handler(ctx, notification)
	return nil
}
