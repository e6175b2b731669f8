package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/carewizard/internal/config"
	"github.com/pitabwire/carewizard/internal/definition"
	"github.com/pitabwire/carewizard/internal/observability"
	"github.com/pitabwire/carewizard/internal/schema"
	"github.com/pitabwire/carewizard/internal/wizard"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config   *config.Config
	Engine   *wizard.Engine
	Registry *definition.Registry
	Resolver *schema.Resolver

	// Webhook receives payment provider callbacks. It is mounted outside
	// the authenticated group; the provider signs its own requests.
	Webhook http.Handler

	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks

	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the payment webhook
// bypass the authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = schema.NewResolver()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil {
		r.Handle("/metrics", observability.HandlerFor(deps.Gatherer))
	} else {
		r.Handle("/metrics", observability.Handler())
	}
	if deps.Webhook != nil {
		r.Group(func(r chi.Router) {
			r.Use(observability.TracingMiddleware)
			r.Use(deps.Metrics.MetricsMiddleware)
			r.Method(http.MethodPost, "/payments/webhook", deps.Webhook)
		})
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	engine, registry := deps.Engine, deps.Registry
	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(auth)
		r.Use(BuildRequestContext(logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)
		r.Use(deps.Metrics.MetricsMiddleware)

		r.Get("/wizards", handleListWizards(registry))
		r.Post("/wizards/{wizardId}/sessions", handleStartSession(engine, registry))

		r.Route("/sessions/{sessionId}", func(r chi.Router) {
			r.Get("/", handleGetSession(engine, registry))
			r.Delete("/", handleCancelSession(engine))
			r.Get("/schema", handleStepSchema(engine, registry, resolver))
			r.Patch("/fields", handleSetFields(engine, registry))
			r.Put("/variant", handleSetVariant(engine, registry))
			r.Post("/advance", handleAdvance(engine, registry))
			r.Post("/retreat", handleRetreat(engine, registry))
			r.Post("/resources/{slot}", handleAttachResource(engine, registry,
				deps.Config.Upload.MaxBytes, deps.Config.Server.MaxUploadMemory))
			r.Post("/submit", handleSubmit(engine, registry))
			r.Post("/resume", handleResume(engine, registry))
		})
	})

	return r
}
