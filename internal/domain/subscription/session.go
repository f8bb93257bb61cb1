package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirsub/fhirsub/internal/platform/channel"
	"github.com/fhirsub/fhirsub/internal/platform/fhir"
	"github.com/fhirsub/fhirsub/internal/platform/webhook"
)

var (
	// ErrInvalidConfiguration reports a subscription that cannot be
	// listened to: missing websocket endpoint, or a channel type with no
	// real-time delivery path.
	ErrInvalidConfiguration = errors.New("subscription: invalid configuration")
	// ErrAlreadyListening reports a StartListening for an id that already
	// has a live listener. Stop it first to restart.
	ErrAlreadyListening = errors.New("subscription: already listening")
)

// TransportConfig carries the websocket tuning the session applies to every
// transport it creates.
type TransportConfig struct {
	Backoff         channel.BackoffPolicy
	DialTimeout     time.Duration
	ReadIdleTimeout time.Duration
	StreamBuffer    int
}

// DefaultTransportConfig returns the tuning used when the caller supplies
// none.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Backoff:      channel.DefaultBackoffPolicy(),
		DialTimeout:  10 * time.Second,
		StreamBuffer: 64,
	}
}

// ListenerStats are per-listener delivery counters. After a listener ends,
// LastState tells a deliberate stop (disconnected) from reconnect
// exhaustion (failed).
type ListenerStats struct {
	Delivered     uint64
	Dropped       uint64
	ParseFailures uint64
	LastState     channel.State
}

// listenSettings collects per-listen options.
type listenSettings struct {
	filter EventFilter
}

// ListenOption configures one StartListening call.
type ListenOption func(*listenSettings)

// WithFilter delivers only notifications the filter matches. Heartbeats and
// handshakes always pass.
func WithFilter(filter EventFilter) ListenOption {
	return func(ls *listenSettings) {
		ls.filter = filter
	}
}

// Session owns the listeners for a set of subscriptions: one websocket
// transport or webhook registration per id, each feeding a bounded output
// stream of parsed notifications.
//
// One mutex serializes the session's bookkeeping, so concurrent
// StartListening and StopListening calls need no caller-side coordination.
// Slow work (store fetches, websocket dials) runs outside the mutex
// against a reserved id; a stalled endpoint never blocks calls for other
// subscriptions.
type Session struct {
	store  Store
	router *webhook.Router
	logger zerolog.Logger
	cfg    TransportConfig

	mu        sync.Mutex
	subs      map[string]*Subscription
	listeners map[string]*listener
	finished  map[string]ListenerStats
}

// NewSession creates a session reading subscriptions from the store. The
// router receives webhook registrations for rest-hook subscriptions; a nil
// router makes those fail with ErrInvalidConfiguration.
func NewSession(store Store, router *webhook.Router, logger zerolog.Logger, cfg TransportConfig) *Session {
	if cfg.StreamBuffer < 1 {
		cfg.StreamBuffer = 64
	}
	return &Session{
		store:     store,
		router:    router,
		logger:    logger.With().Str("component", "session").Logger(),
		cfg:       cfg,
		subs:      make(map[string]*Subscription),
		listeners: make(map[string]*listener),
		finished:  make(map[string]ListenerStats),
	}
}

// StartListening begins real-time delivery for one subscription and returns
// its output stream. The subscription is fetched from the store on first
// use and cached for the session's lifetime. The stream completes on
// StopListening, StopAll, or reconnect exhaustion; in the last case the
// listener's final LastState is failed and no error is delivered. A stop
// that lands while the start is still dialing wins: the start discards its
// transport and returns the already completed stream.
func (s *Session) StartListening(ctx context.Context, id string, opts ...ListenOption) (<-chan *fhir.Notification, error) {
	settings := listenSettings{}
	for _, opt := range opts {
		opt(&settings)
	}

	s.mu.Lock()
	if _, ok := s.listeners[id]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyListening, id)
	}
	// Reserve the id before the slow work so concurrent starts collide
	// here instead of dialing twice.
	l := newListener(id, settings.filter, s.cfg.StreamBuffer)
	s.listeners[id] = l
	sub, cached := s.subs[id]
	s.mu.Unlock()

	if !cached {
		fetched, err := s.store.Fetch(ctx, id)
		if err != nil {
			s.release(l)
			return nil, fmt.Errorf("fetching subscription %s: %w", id, err)
		}
		sub = fetched
		s.mu.Lock()
		s.subs[id] = sub
		s.mu.Unlock()
	}

	switch sub.ChannelType {
	case ChannelWebSocket:
		if sub.Endpoint == "" {
			s.release(l)
			return nil, fmt.Errorf("%w: subscription %s has no websocket endpoint", ErrInvalidConfiguration, id)
		}
		transport := s.newTransport(sub)
		// The dial runs outside the session mutex; only this id waits on
		// a slow endpoint.
		if err := transport.Connect(ctx); err != nil {
			s.release(l)
			return nil, err
		}
		s.bindSocket(ctx, id, transport)

		s.mu.Lock()
		if s.listeners[id] != l {
			// A stop won the race and already completed the stream.
			s.mu.Unlock()
			transport.Disconnect()
			s.logger.Debug().Str("subscription_id", id).Msg("stopped during dial, transport discarded")
			return l.out, nil
		}
		l.channel = ChannelWebSocket
		l.transport = transport
		l.setLastState(transport.State())
		l.tasks.Add(1)
		s.mu.Unlock()
		go s.forward(l, transport)

	case ChannelRestHook:
		if s.router == nil {
			s.release(l)
			return nil, fmt.Errorf("%w: no webhook router configured", ErrInvalidConfiguration)
		}
		s.mu.Lock()
		if s.listeners[id] != l {
			s.mu.Unlock()
			return l.out, nil
		}
		l.channel = ChannelRestHook
		s.router.Register(id, func(ctx context.Context, n *fhir.Notification) {
			if !l.filter.Matches(n) {
				return
			}
			l.push(n, s.logger)
		})
		s.mu.Unlock()

	case ChannelEmail, ChannelMessage:
		s.release(l)
		return nil, fmt.Errorf("%w: channel type %q is not supported for real-time listening", ErrInvalidConfiguration, sub.ChannelType)

	default:
		s.release(l)
		return nil, fmt.Errorf("%w: unknown channel type %q", ErrInvalidConfiguration, sub.ChannelType)
	}

	s.logger.Info().
		Str("subscription_id", id).
		Str("channel_type", string(sub.ChannelType)).
		Msg("listening")
	return l.out, nil
}

// release drops a failed start's reservation and completes its unused
// stream. A reservation a concurrent stop already claimed is left alone.
func (s *Session) release(l *listener) {
	s.mu.Lock()
	if s.listeners[l.id] == l {
		delete(s.listeners, l.id)
	}
	s.mu.Unlock()
	l.complete()
}

// StopListening tears one listener down: the stream is completed, the
// transport disconnected with its receive task joined, the webhook handler
// unregistered, and the forwarding task joined. All of it happens before
// the call returns. Stopping an id that is not active is a no-op.
func (s *Session) StopListening(id string) {
	s.mu.Lock()
	l, ok := s.listeners[id]
	if ok {
		delete(s.listeners, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if l.channel == ChannelRestHook && s.router != nil {
		s.router.Unregister(id)
	}
	if l.transport != nil {
		l.transport.Disconnect()
		l.setLastState(l.transport.State())
	}
	l.complete()
	// Join the forwarding task with no locks held; it takes the session
	// mutex on its way out.
	l.tasks.Wait()

	s.mu.Lock()
	s.finished[id] = l.stats()
	s.mu.Unlock()

	s.logger.Info().Str("subscription_id", id).Msg("stopped listening")
}

// StopAll stops every active listener and clears the subscription cache.
// Afterwards ActiveIDs is empty and no background work remains.
func (s *Session) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.StopListening(id)
	}

	s.mu.Lock()
	s.subs = make(map[string]*Subscription)
	s.mu.Unlock()
}

// ActiveIDs returns the ids of all cached subscriptions, sorted.
func (s *Session) ActiveIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListeningIDs returns the ids with a live or starting listener, sorted.
func (s *Session) ListeningIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats reports a listener's counters. Live listeners are reported as they
// run; for ended ones the final counters are returned. The second return is
// false for ids this session never listened to.
func (s *Session) Stats(id string) (ListenerStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.listeners[id]; ok {
		return l.stats(), true
	}
	if st, ok := s.finished[id]; ok {
		return st, true
	}
	return ListenerStats{}, false
}

// newTransport builds a websocket transport for one subscription, carrying
// the subscription's channel headers as dial headers.
func (s *Session) newTransport(sub *Subscription) *channel.WebSocketTransport {
	opts := []channel.TransportOption{
		channel.WithBackoff(s.cfg.Backoff),
		channel.WithStreamBuffer(s.cfg.StreamBuffer),
		channel.WithLogger(s.logger),
	}
	if s.cfg.DialTimeout > 0 {
		opts = append(opts, channel.WithDialTimeout(s.cfg.DialTimeout))
	}
	if s.cfg.ReadIdleTimeout > 0 {
		opts = append(opts, channel.WithReadIdleTimeout(s.cfg.ReadIdleTimeout))
	}
	if h := dialHeader(sub.Headers); h != nil {
		opts = append(opts, channel.WithDialHeader(h))
	}
	return channel.NewWebSocketTransport(sub.Endpoint, opts...)
}

// bindSocket attaches a freshly connected socket to its subscription using
// a binding token, when the store can mint one. Servers that don't require
// binding work with the bare connection, so failures only log.
func (s *Session) bindSocket(ctx context.Context, id string, transport channel.Transport) {
	binder, ok := s.store.(WebSocketBinder)
	if !ok {
		return
	}
	token, err := binder.BindingToken(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("subscription_id", id).Msg("binding token unavailable, socket left unbound")
		return
	}
	msg, err := json.Marshal(fhir.NewBindMessage(token.Token))
	if err != nil {
		s.logger.Warn().Err(err).Str("subscription_id", id).Msg("failed to encode bind message")
		return
	}
	if err := transport.Send(msg); err != nil {
		s.logger.Warn().Err(err).Str("subscription_id", id).Msg("failed to bind socket")
	}
}

// forward drains the transport's stream into the listener: parse, filter,
// push. Malformed frames are counted and logged, never delivered, and never
// kill the stream. When the transport's stream completes the listener is
// torn down. It runs as a task registered in l.tasks; stops join it.
func (s *Session) forward(l *listener, transport channel.Transport) {
	defer l.tasks.Done()
	for frame := range transport.Receive() {
		n, err := fhir.ParseNotification(frame)
		if err != nil {
			l.recordParseFailure()
			s.logger.Warn().
				Err(err).
				Str("subscription_id", l.id).
				Msg("dropping malformed notification frame")
			continue
		}
		if !l.filter.Matches(n) {
			continue
		}
		l.push(n, s.logger)
	}
	s.finishListener(l, transport.State())
}

// finishListener completes a listener whose transport stream ended. When
// the end was not caused by StopListening the listener is deregistered here
// and the final state logged; consumers read it from Stats.
func (s *Session) finishListener(l *listener, state channel.State) {
	l.setLastState(state)
	l.complete()

	s.mu.Lock()
	current, ok := s.listeners[l.id]
	stillRegistered := ok && current == l
	if stillRegistered {
		delete(s.listeners, l.id)
	}
	s.finished[l.id] = l.stats()
	s.mu.Unlock()

	if stillRegistered {
		s.logger.Warn().
			Str("subscription_id", l.id).
			Str("state", state.String()).
			Msg("listener stream ended without a stop")
	}
}

// dialHeader converts R4 channel header lines ("Name: value") into an HTTP
// header for the websocket dial.
func dialHeader(lines []string) http.Header {
	if len(lines) == 0 {
		return nil
	}
	h := http.Header{}
	for _, line := range lines {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if len(h) == 0 {
		return nil
	}
	return h
}

// ---------------------------------------------------------------------------
// Listener
// ---------------------------------------------------------------------------

// listener is the producer side of one subscription's output stream.
// channel and transport are written under the session mutex when the
// listener is installed; a fresh reservation has neither.
type listener struct {
	id        string
	channel   ChannelType
	filter    EventFilter
	transport channel.Transport

	// tasks counts the forwarding goroutine so stops can join it.
	tasks sync.WaitGroup

	mu            sync.Mutex
	out           chan *fhir.Notification
	closed        bool
	delivered     uint64
	dropped       uint64
	parseFailures uint64
	lastState     channel.State
}

func newListener(id string, filter EventFilter, buffer int) *listener {
	if buffer < 1 {
		buffer = 1
	}
	return &listener{
		id:     id,
		filter: filter,
		out:    make(chan *fhir.Notification, buffer),
	}
}

// push delivers one notification, discarding the oldest queued one when the
// stream is full.
func (l *listener) push(n *fhir.Notification, logger zerolog.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	select {
	case l.out <- n:
		l.delivered++
		return
	default:
	}

	select {
	case <-l.out:
		l.dropped++
		logger.Warn().
			Str("subscription_id", l.id).
			Msg("stream full, dropped oldest notification")
	default:
	}

	select {
	case l.out <- n:
		l.delivered++
	default:
		// Never block the producer, whatever happened to the slot.
		l.dropped++
	}
}

// complete closes the stream exactly once.
func (l *listener) complete() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.out)
}

func (l *listener) recordParseFailure() {
	l.mu.Lock()
	l.parseFailures++
	l.mu.Unlock()
}

func (l *listener) setLastState(state channel.State) {
	l.mu.Lock()
	l.lastState = state
	l.mu.Unlock()
}

func (l *listener) stats() ListenerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ListenerStats{
		Delivered:     l.delivered,
		Dropped:       l.dropped,
		ParseFailures: l.parseFailures,
		LastState:     l.lastState,
	}
}
