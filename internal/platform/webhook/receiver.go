package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirsub/fhirsub/internal/platform/fhir"
)

// maxPayloadBytes caps the size of an inbound delivery body.
const maxPayloadBytes = 1 << 20

// Receiver is the HTTP surface for REST-hook deliveries. FHIR servers POST
// notification bundles to /:id, where id is the subscription the delivery
// belongs to.
type Receiver struct {
	router *Router
	secret string
	logger zerolog.Logger
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithSecret enables HMAC verification of inbound deliveries. When set,
// requests must carry a valid signature in the X-Webhook-Signature header.
func WithSecret(secret string) ReceiverOption {
	return func(rc *Receiver) {
		rc.secret = secret
	}
}

// WithLogger sets the receiver's logger. The default discards everything.
func WithLogger(logger zerolog.Logger) ReceiverOption {
	return func(rc *Receiver) {
		rc.logger = logger.With().Str("component", "webhook").Logger()
	}
}

// NewReceiver creates a receiver that feeds deliveries into the router.
func NewReceiver(router *Router, opts ...ReceiverOption) *Receiver {
	rc := &Receiver{
		router: router,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// RegisterRoutes registers the delivery endpoint on an Echo group.
func (rc *Receiver) RegisterRoutes(g *echo.Group) {
	g.POST("/:id", rc.HandleDelivery)
}

// HandleDelivery accepts one notification bundle and dispatches it to the
// handler registered for the subscription in the path.
func (rc *Receiver) HandleDelivery(c echo.Context) error {
	subscriptionID := c.Param("id")

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPayloadBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) > maxPayloadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload exceeds 1 MiB")
	}

	if rc.secret != "" {
		signature := c.Request().Header.Get(SignatureHeader)
		if !VerifySignature(body, rc.secret, signature) {
			rc.logger.Warn().
				Str("subscription_id", subscriptionID).
				Msg("rejected delivery with invalid signature")
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
		}
	}

	if err := rc.router.Dispatch(c.Request().Context(), subscriptionID, body); err != nil {
		switch {
		case errors.Is(err, ErrNoHandler):
			return echo.NewHTTPError(http.StatusNotFound, "no listener for subscription")
		case errors.Is(err, fhir.ErrMalformedNotification):
			rc.logger.Warn().
				Err(err).
				Str("subscription_id", subscriptionID).
				Msg("rejected malformed delivery")
			return echo.NewHTTPError(http.StatusBadRequest, "malformed notification bundle")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}
