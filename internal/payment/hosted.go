package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/carewizard/internal/breaker"
	"github.com/pitabwire/carewizard/internal/config"
	"github.com/pitabwire/carewizard/internal/observability"
	"github.com/pitabwire/carewizard/model"
)

const (
	boundaryName = "payment"
	providerName = "hosted"
)

// checkoutRequest is the body sent to the provider's checkout endpoint.
type checkoutRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Reference      string            `json:"reference"`
	RecipientEmail string            `json:"recipient_email,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type checkoutResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// checkout is a payment created at the provider and not yet resolved.
type checkout struct {
	req   model.PaymentRequest
	url   string
	timer *time.Timer
}

type lapsedCheckout struct {
	req model.PaymentRequest
	at  time.Time
}

// HostedGateway creates checkout sessions at a hosted payment provider and
// resolves them from the provider's signed webhook.
type HostedGateway struct {
	*Dispatcher

	baseURL string
	apiKey  string
	secret  []byte
	timeout time.Duration
	client  *http.Client
	breaker *breaker.Breaker

	mu        sync.Mutex
	checkouts map[string]*checkout
	// lapsed holds checkouts that timed out or were abandoned while still
	// payable at the provider.
	lapsed map[string]lapsedCheckout

	// settle orders timeouts, abandonment and webhooks of one gateway so a
	// reference is resolved or lapsed, never both.
	settle sync.Mutex
	holder ReceiptHolder

	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewHostedGateway creates a gateway for the provider at cfg.BaseURL.
// secret verifies webhook signatures; apiKey authenticates checkout calls.
func NewHostedGateway(cfg config.PaymentConfig, apiKey string, secret []byte, logger *zap.Logger, metrics *observability.Metrics) *HostedGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	br := breaker.New(boundaryName, config.CircuitBreakerConfig{})
	br.OnStateChange = func(name string, from, to breaker.State) {
		metrics.SetBoundaryCircuitBreakerState(name, float64(to))
		logger.Warn("circuit breaker state changed",
			zap.String("boundary", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return &HostedGateway{
		Dispatcher: NewDispatcher(logger, metrics),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     apiKey,
		secret:     secret,
		timeout:    cfg.Timeout,
		client:     &http.Client{Timeout: requestTimeout},
		breaker:    br,
		checkouts:  make(map[string]*checkout),
		lapsed:     make(map[string]lapsedCheckout),
		logger:     logger,
		metrics:    metrics,
	}
}

// Initiate implements Gateway. The callbacks are registered before the
// provider is called so an early webhook is never lost.
func (g *HostedGateway) Initiate(ctx context.Context, req model.PaymentRequest, cb Callbacks) error {
	ref := req.Reference
	if err := g.Register(ref, g.wrap(ref, cb)); err != nil {
		return model.NewPaymentFailedError("payment could not be started", err)
	}

	url, err := g.createCheckout(ctx, req)
	if err != nil {
		g.Dispatcher.Abandon(ref)
		return model.NewPaymentFailedError("payment could not be started", err)
	}

	co := &checkout{req: req, url: url}
	if g.timeout > 0 {
		co.timer = time.AfterFunc(g.timeout, func() { g.expire(ref) })
	}
	g.mu.Lock()
	g.checkouts[ref] = co
	g.mu.Unlock()

	observability.RequestLogger(ctx, g.logger).Info("checkout created",
		zap.String("reference", ref),
		zap.Int64("amount", req.Amount),
		zap.String("currency", req.Currency),
	)
	return nil
}

// CheckoutURL returns the provider page the payer completes reference on.
func (g *HostedGateway) CheckoutURL(reference string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	co, ok := g.checkouts[reference]
	if !ok {
		return "", false
	}
	return co.url, true
}

// HoldLateReceipts sets where payments that succeed after their attempt
// stopped waiting are kept. Without a holder they are only logged.
func (g *HostedGateway) HoldLateReceipts(h ReceiptHolder) {
	g.settle.Lock()
	defer g.settle.Unlock()
	g.holder = h
}

// Abandon drops a pending payment and stops its timeout. The checkout stays
// payable at the provider, so a later success is still kept.
func (g *HostedGateway) Abandon(reference string) {
	g.settle.Lock()
	defer g.settle.Unlock()
	req, ok := g.request(reference)
	if g.abandon(reference) && ok {
		g.lapse(reference, req)
	}
	g.forget(reference)
}

// expire fails a payment still pending after the gateway timeout.
func (g *HostedGateway) expire(ref string) {
	g.settle.Lock()
	defer g.settle.Unlock()
	req, ok := g.request(ref)
	if !ok {
		return
	}
	if g.Fail(ref, model.NewTimeoutError(model.StatusAwaitingPayment)) {
		g.lapse(ref, req)
		g.logger.Warn("pending payment timed out", zap.String("reference", ref))
	}
}

// lapse must be called with settle held.
func (g *HostedGateway) lapse(ref string, req model.PaymentRequest) {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for r, l := range g.lapsed {
		if now.Sub(l.at) > resolvedRetention {
			delete(g.lapsed, r)
		}
	}
	g.lapsed[ref] = lapsedCheckout{req: req, at: now}
}

// takeLapsed must be called with settle held.
func (g *HostedGateway) takeLapsed(ref string) (model.PaymentRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.lapsed[ref]
	delete(g.lapsed, ref)
	return l.req, ok
}

// wrap releases the checkout state whichever outcome arrives first.
func (g *HostedGateway) wrap(ref string, cb Callbacks) Callbacks {
	return Callbacks{
		OnSuccess: func(r model.Receipt) {
			g.forget(ref)
			if cb.OnSuccess != nil {
				cb.OnSuccess(r)
			}
		},
		OnCancel: func() {
			g.forget(ref)
			if cb.OnCancel != nil {
				cb.OnCancel()
			}
		},
		OnFailure: func(err error) {
			g.forget(ref)
			if cb.OnFailure != nil {
				cb.OnFailure(err)
			}
		},
	}
}

func (g *HostedGateway) forget(ref string) {
	g.mu.Lock()
	co, ok := g.checkouts[ref]
	delete(g.checkouts, ref)
	g.mu.Unlock()
	if ok && co.timer != nil {
		co.timer.Stop()
	}
}

func (g *HostedGateway) request(ref string) (model.PaymentRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	co, ok := g.checkouts[ref]
	if !ok {
		return model.PaymentRequest{}, false
	}
	return co.req, true
}

func (g *HostedGateway) createCheckout(ctx context.Context, req model.PaymentRequest) (string, error) {
	ctx, span := observability.StartSpan(ctx, "payment.checkout",
		observability.AttrBoundary.String(boundaryName),
		observability.AttrReference.String(req.Reference),
	)
	start := time.Now()

	var url string
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		url, err = g.postCheckout(ctx, req)
		return err
	})

	status := "ok"
	switch {
	case errors.Is(err, breaker.ErrOpen):
		status = "circuit_open"
	case err != nil:
		status = "error"
	}
	g.metrics.RecordBoundaryRequest(boundaryName, status, time.Since(start))
	observability.EndSpanWithError(span, err)
	return url, err
}

func (g *HostedGateway) postCheckout(ctx context.Context, req model.PaymentRequest) (string, error) {
	body, err := json.Marshal(checkoutRequest{
		Amount:         req.Amount,
		Currency:       req.Currency,
		Reference:      req.Reference,
		RecipientEmail: req.RecipientEmail,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("payment: encode checkout: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/checkout/sessions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("payment: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.Reference)
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	observability.InjectTraceHeaders(ctx, httpReq.Header)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("payment: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("payment: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("payment: provider returned status %d", resp.StatusCode)
	}

	var out checkoutResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("payment: parse response: %w", err)
	}
	if out.URL == "" {
		return "", errors.New("payment: provider returned no checkout url")
	}
	return out.URL, nil
}
