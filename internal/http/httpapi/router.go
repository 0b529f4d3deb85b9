package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aipjn/character-creation-platform-sub000/internal/http/handlers"
	"github.com/aipjn/character-creation-platform-sub000/internal/middleware"
)

// Options configures the router middleware stack.
type Options struct {
	JWTSecret          string
	CORSAllowedOrigins []string
	RateLimitPerMin    int
	Clock              clockwork.Clock
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
		middleware.CORS(opts.CORSAllowedOrigins),
	)

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	auth := chi.Chain(
		middleware.AuthJWT(opts.JWTSecret),
		middleware.RateLimit(opts.RateLimitPerMin, time.Minute, opts.Clock),
	)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", app.Healthz)
		r.Get("/health", app.Health)
		r.Get("/queue/health", app.QueueHealth)

		r.Group(func(r chi.Router) {
			r.Use(auth...)
			r.Post("/characters/generate", app.GenerateCharacter)
			r.Get("/queue/metrics", app.QueueMetrics)
			r.Get("/breakers", app.BreakerHealth)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Use(auth...)
			r.Get("/", app.ListJobs)
			r.Post("/", app.CreateJob)
			r.Get("/{id}", app.GetJob)
			r.Delete("/{id}", app.CancelJob)
		})

		r.Route("/webhooks", func(r chi.Router) {
			// Inbound callbacks authenticate with their HMAC signature.
			r.Method(http.MethodPost, "/inbound", app.Webhooks)

			r.Group(func(r chi.Router) {
				r.Use(auth...)
				r.Get("/", app.ListWebhooks)
				r.Post("/", app.RegisterWebhook)
				r.Delete("/{id}", app.DeleteWebhook)
				r.Get("/deliveries", app.ListDeliveries)
				r.Get("/deliveries/{id}", app.GetDelivery)
			})
		})
	})

	return r
}
