// Package auth obtains access tokens for FHIR servers that protect their
// subscription APIs with SMART Backend Services (RFC 7523 client
// credentials). A TokenSource hands out a bearer token on demand; callers
// attach it to their own requests.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// assertionLifetime bounds the exp claim of a client assertion.
	// Authorization servers reject assertions that expire more than five
	// minutes out.
	assertionLifetime = 5 * time.Minute

	// refreshSkew renews a cached token slightly before it expires so a
	// token handed to a caller is never already stale.
	refreshSkew = 30 * time.Second

	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// TokenSource supplies a bearer token for outbound FHIR requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// staticSource returns a fixed, pre-issued token.
type staticSource string

func (s staticSource) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// StaticTokenSource returns a TokenSource that always yields the given
// token. Useful for servers that issue long-lived API keys.
func StaticTokenSource(token string) TokenSource {
	return staticSource(token)
}

// OAuthError is an OAuth 2.0 error response from the token endpoint.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// tokenResponse is the token endpoint's success payload.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// BackendServicesSource implements the SMART Backend Services flow: it
// signs a short-lived RS384 client assertion with the client's registered
// private key, exchanges it for an access token, and caches the token
// until shortly before expiry. Safe for concurrent use.
type BackendServicesSource struct {
	tokenURL   string
	clientID   string
	privateKey *rsa.PrivateKey
	keyID      string
	scopes     []string
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time

	mu     sync.Mutex
	cached string
	expiry time.Time
}

var _ TokenSource = (*BackendServicesSource)(nil)

// Option configures a BackendServicesSource.
type Option func(*BackendServicesSource)

// WithScopes sets the scopes requested from the token endpoint.
// Unset, the server grants the client's full registered scope.
func WithScopes(scopes ...string) Option {
	return func(s *BackendServicesSource) {
		s.scopes = scopes
	}
}

// WithKeyID sets the kid header on client assertions so servers holding
// several registered keys can pick the right one.
func WithKeyID(kid string) Option {
	return func(s *BackendServicesSource) {
		s.keyID = kid
	}
}

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(client *http.Client) Option {
	return func(s *BackendServicesSource) {
		s.httpClient = client
	}
}

// WithLogger sets the source's logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *BackendServicesSource) {
		s.logger = logger.With().Str("component", "auth").Logger()
	}
}

// NewBackendServicesSource creates a token source for the given token
// endpoint and registered client.
func NewBackendServicesSource(tokenURL, clientID string, privateKey *rsa.PrivateKey, opts ...Option) *BackendServicesSource {
	s := &BackendServicesSource{
		tokenURL:   tokenURL,
		clientID:   clientID,
		privateKey: privateKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Token returns a valid access token, fetching a fresh one when the cache
// is empty or about to expire.
func (s *BackendServicesSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" && s.now().Before(s.expiry.Add(-refreshSkew)) {
		return s.cached, nil
	}

	token, expiresIn, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}

	s.cached = token
	s.expiry = s.now().Add(time.Duration(expiresIn) * time.Second)
	s.logger.Debug().
		Str("client_id", s.clientID).
		Int("expires_in", expiresIn).
		Msg("obtained access token")
	return token, nil
}

// Invalidate drops the cached token so the next Token call fetches a new
// one. Callers use it after a 401 from the FHIR server.
func (s *BackendServicesSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = ""
	s.expiry = time.Time{}
}

func (s *BackendServicesSource) fetch(ctx context.Context) (string, int, error) {
	assertion, err := s.buildAssertion()
	if err != nil {
		return "", 0, fmt.Errorf("building client assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)
	if len(s.scopes) > 0 {
		form.Set("scope", strings.Join(s.scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr OAuthError
		if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Code != "" {
			return "", 0, fmt.Errorf("token endpoint returned %d: %w", resp.StatusCode, &oauthErr)
		}
		return "", 0, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("token response missing access_token")
	}
	return tr.AccessToken, tr.ExpiresIn, nil
}

// buildAssertion signs the authentication JWT: iss and sub are the client
// id, aud is the token endpoint, jti is unique per assertion.
func (s *BackendServicesSource) buildAssertion() (string, error) {
	if s.privateKey == nil {
		return "", fmt.Errorf("no private key configured")
	}

	now := s.now()
	claims := jwt.MapClaims{
		"iss": s.clientID,
		"sub": s.clientID,
		"aud": s.tokenURL,
		"jti": uuid.NewString(),
		"exp": jwt.NewNumericDate(now.Add(assertionLifetime)),
		"iat": jwt.NewNumericDate(now),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	return token.SignedString(s.privateKey)
}

// LoadPrivateKey reads an RSA private key from a PEM file. Both PKCS#1 and
// PKCS#8 encodings are accepted.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key in %s is %T, want RSA", path, parsed)
	}
	return rsaKey, nil
}
