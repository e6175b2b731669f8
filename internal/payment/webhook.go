package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/carewizard/internal/observability"
	"github.com/pitabwire/carewizard/model"
)

// Webhook event types sent by the provider.
const (
	EventSucceeded = "payment.succeeded"
	EventCancelled = "payment.cancelled"
	EventFailed    = "payment.failed"
)

const maxWebhookBytes = 64 << 10

// WebhookClaims is the payload of a provider webhook, delivered as an HS256
// signed JWT.
type WebhookClaims struct {
	jwt.RegisteredClaims
	Event         string `json:"event"`
	Reference     string `json:"reference"`
	TransactionID string `json:"transaction_id,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// SignWebhook signs claims with secret the way the provider does.
func SignWebhook(secret []byte, claims WebhookClaims) (string, error) {
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(time.Now())
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseWebhook verifies token against secret and returns its claims.
func ParseWebhook(secret []byte, token string) (*WebhookClaims, error) {
	claims := &WebhookClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("payment: invalid webhook: %w", err)
	}
	if claims.Reference == "" {
		return nil, errors.New("payment: webhook has no reference")
	}
	return claims, nil
}

// ErrUnknownEvent is returned by Resolve for an event type it does not
// handle.
var ErrUnknownEvent = errors.New("unknown webhook event")

// Resolve applies a verified webhook to its pending payment. It reports
// whether the outcome was acted on; duplicates and unknown references
// return false without error. A success for a payment that timed out or
// was abandoned is handed to the receipt holder.
func (g *HostedGateway) Resolve(ctx context.Context, c *WebhookClaims) (bool, error) {
	g.settle.Lock()
	defer g.settle.Unlock()

	switch c.Event {
	case EventSucceeded:
		paidAt := time.Now().UTC()
		if c.IssuedAt != nil {
			paidAt = c.IssuedAt.UTC()
		}
		receipt := model.Receipt{
			Reference:     c.Reference,
			TransactionID: c.TransactionID,
			Amount:        c.Amount,
			Currency:      c.Currency,
			Provider:      providerName,
			PaidAt:        paidAt,
		}
		if req, ok := g.takeLapsed(c.Reference); ok {
			return g.holdLate(ctx, req, receipt)
		}
		if req, ok := g.request(c.Reference); ok && (req.Amount != c.Amount || !strings.EqualFold(req.Currency, c.Currency)) {
			return g.Fail(c.Reference, model.NewPaymentFailedError("payment amount does not match",
				fmt.Errorf("expected %d %s, provider reported %d %s", req.Amount, req.Currency, c.Amount, c.Currency))), nil
		}
		return g.Succeed(c.Reference, receipt), nil
	case EventCancelled:
		g.takeLapsed(c.Reference)
		return g.Cancel(c.Reference), nil
	case EventFailed:
		g.takeLapsed(c.Reference)
		reason := c.Reason
		if reason == "" {
			reason = "payment declined"
		}
		return g.Fail(c.Reference, model.NewPaymentFailedError(reason, nil)), nil
	}
	return false, fmt.Errorf("payment: %w %q", ErrUnknownEvent, c.Event)
}

// holdLate keeps the receipt of a lapsed checkout for its session. A store
// failure puts the checkout back so the provider's redelivery can retry.
// Must be called with settle held.
func (g *HostedGateway) holdLate(ctx context.Context, req model.PaymentRequest, r model.Receipt) (bool, error) {
	sessionID := req.Metadata["session_id"]
	logger := observability.RequestLogger(ctx, g.logger).With(
		zap.String("reference", r.Reference),
		zap.String("session_id", sessionID),
		zap.String("transaction_id", r.TransactionID),
	)
	g.metrics.RecordPaymentCallback("late_succeeded")
	if req.Amount != r.Amount || !strings.EqualFold(req.Currency, r.Currency) {
		logger.Error("late payment amount does not match its checkout",
			zap.Int64("expected", req.Amount),
			zap.Int64("amount", r.Amount),
			zap.String("currency", r.Currency),
		)
	}
	if g.holder == nil {
		logger.Error("late payment received with nowhere to keep it")
		return true, nil
	}

	err := g.holder.HoldReceipt(ctx, sessionID, req.Metadata["wizard_id"], r)
	var env *model.ErrorEnvelope
	switch {
	case errors.As(err, &env) && env.Code == model.ErrConflict:
		logger.Error("late payment for a session that already paid", zap.Error(err))
		return true, nil
	case err != nil:
		g.lapse(r.Reference, req)
		return false, fmt.Errorf("payment: keep late receipt: %w", err)
	}
	logger.Warn("late payment kept for the session's next attempt")
	return true, nil
}

// ServeHTTP handles the provider webhook. The body is the signed token.
// Duplicates are acknowledged so the provider stops redelivering them.
func (g *HostedGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	claims, err := ParseWebhook(g.secret, strings.TrimSpace(string(body)))
	if err != nil {
		g.logger.Warn("payment webhook rejected", zap.Error(err))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	acted, err := g.Resolve(r.Context(), claims)
	if err != nil {
		g.logger.Warn("payment webhook not applied",
			zap.String("reference", claims.Reference),
			zap.Error(err),
		)
		status := http.StatusServiceUnavailable
		if errors.Is(err, ErrUnknownEvent) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	if acted {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusOK)
}
