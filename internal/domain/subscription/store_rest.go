package subscription

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirsub/fhirsub/internal/platform/auth"
	"github.com/fhirsub/fhirsub/internal/platform/fhir"
)

// maxResponseBytes caps how much of a FHIR response body is read.
const maxResponseBytes = 4 << 20

// RESTStore fetches subscriptions from a FHIR server's REST API. It also
// exposes the backport operations the subscription exports: $status and
// $get-ws-binding-token.
type RESTStore struct {
	baseURL    string
	httpClient *http.Client
	tokens     auth.TokenSource
	logger     zerolog.Logger
}

var (
	_ Store           = (*RESTStore)(nil)
	_ WebSocketBinder = (*RESTStore)(nil)
)

// StoreOption configures a RESTStore.
type StoreOption func(*RESTStore)

// WithHTTPClient overrides the HTTP client used for FHIR requests.
func WithHTTPClient(client *http.Client) StoreOption {
	return func(s *RESTStore) {
		s.httpClient = client
	}
}

// WithTokenSource attaches bearer tokens from the source to every request.
func WithTokenSource(tokens auth.TokenSource) StoreOption {
	return func(s *RESTStore) {
		s.tokens = tokens
	}
}

// WithStoreLogger sets the store's logger. The default discards everything.
func WithStoreLogger(logger zerolog.Logger) StoreOption {
	return func(s *RESTStore) {
		s.logger = logger.With().Str("component", "store").Logger()
	}
}

// NewRESTStore creates a store reading from the FHIR server at baseURL.
func NewRESTStore(baseURL string, opts ...StoreOption) *RESTStore {
	s := &RESTStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch reads Subscription/{id} and decodes it into the domain model.
func (s *RESTStore) Fetch(ctx context.Context, id string) (*Subscription, error) {
	body, err := s.get(ctx, fmt.Sprintf("%s/Subscription/%s", s.baseURL, url.PathEscape(id)))
	if err != nil {
		return nil, err
	}
	sub, err := ParseSubscription(body)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str("subscription_id", sub.ID).
		Str("channel_type", string(sub.ChannelType)).
		Msg("fetched subscription")
	return sub, nil
}

// Status invokes the $status operation for one subscription.
func (s *RESTStore) Status(ctx context.Context, id string) (*fhir.SubscriptionStatus, error) {
	body, err := s.get(ctx, fmt.Sprintf("%s/Subscription/%s/$status", s.baseURL, url.PathEscape(id)))
	if err != nil {
		return nil, err
	}
	return fhir.ParseSubscriptionStatus(body)
}

// BindingToken invokes $get-ws-binding-token, which mints a short-lived
// token for attaching a websocket to the subscription.
func (s *RESTStore) BindingToken(ctx context.Context, id string) (*fhir.BindingToken, error) {
	body, err := s.get(ctx, fmt.Sprintf("%s/Subscription/%s/$get-ws-binding-token", s.baseURL, url.PathEscape(id)))
	if err != nil {
		return nil, err
	}
	return fhir.ParseBindingToken(body)
}

func (s *RESTStore) get(ctx context.Context, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	if s.tokens != nil {
		token, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtaining access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", requestURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if msg := fhir.OperationOutcomeMessage(body); msg != "" {
			return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return body, nil
}
