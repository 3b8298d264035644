package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/propwatch-backend/api/controllers"
	"github.com/angelmondragon/propwatch-backend/api/middleware"
	"github.com/angelmondragon/propwatch-backend/internal/consent"
	"github.com/angelmondragon/propwatch-backend/internal/enrichment"
	"github.com/angelmondragon/propwatch-backend/internal/ingestion"
	"github.com/angelmondragon/propwatch-backend/internal/jobevents"
	"github.com/angelmondragon/propwatch-backend/internal/ledger"
	"github.com/angelmondragon/propwatch-backend/internal/progress"
	"github.com/angelmondragon/propwatch-backend/internal/properties"
	"github.com/angelmondragon/propwatch-backend/pkg/config"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
	"github.com/angelmondragon/propwatch-backend/pkg/metrics"
	"github.com/angelmondragon/propwatch-backend/pkg/redis"
)

// Dependencies is everything the HTTP surface dispatches to.
type Dependencies struct {
	Ingestion    ingestion.Service
	Orchestrator *ingestion.Orchestrator
	Aggregator   *ingestion.Aggregator
	Observer     *progress.Observer
	Enrichment   *enrichment.Manager
	Events       jobevents.Service
	Consent      consent.Service
	Ledger       ledger.Service
	Properties   properties.Service

	Redis *redis.Client
	// Ready lists the dependencies probed by /health/ready.
	Ready map[string]controllers.Pinger
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// HTTPMetrics is optional; nil disables request metrics.
	HTTPMetrics *metrics.HTTPMetrics
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, deps.HTTPMetrics),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	maxUpload := int64(cfg.Ingestion.MaxUploadMB) << 20
	uploadPolicy := middleware.NewRateLimitPolicy("upload", cfg.RateLimit.UploadWindow, cfg.RateLimit.UploadLimit)
	enrichPolicy := middleware.NewRateLimitPolicy("enrichment", cfg.RateLimit.EnrichmentWindow, cfg.RateLimit.EnrichmentLimit)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg.App.Env))
		r.Get("/ready", controllers.HealthReady(cfg.App.Env, logg, deps.Ready))
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(deps.Redis, logg))

		r.Route("/v1", func(r chi.Router) {
			r.Route("/ingestion", func(r chi.Router) {
				r.Group(func(r chi.Router) {
					r.Use(middleware.RateLimit(uploadPolicy, deps.Redis, logg))
					r.Post("/jobs", controllers.CreateIngestionJob(deps.Ingestion, maxUpload, logg))
					r.Post("/uploads", controllers.SubmitIngestionUpload(deps.Orchestrator, maxUpload, logg))
					r.Post("/split-preview", controllers.SplitPreview(deps.Orchestrator, maxUpload, logg))
				})
				r.Get("/jobs/{jobId}", controllers.GetIngestionJob(deps.Ingestion, logg))
				r.Get("/progress", controllers.IngestionProgress(deps.Aggregator, logg))
				r.Get("/progress/stream", controllers.IngestionProgressStream(deps.Observer, logg))
			})

			r.Route("/enrichment/runs", func(r chi.Router) {
				r.With(middleware.RateLimit(enrichPolicy, deps.Redis, logg)).
					Post("/", controllers.StartEnrichmentRun(deps.Enrichment, logg))
				r.Get("/{runId}", controllers.GetEnrichmentRun(deps.Enrichment, logg))
				r.Post("/{runId}/cancel", controllers.CancelEnrichmentRun(deps.Enrichment, logg))
			})

			r.Get("/jobs/{id}/events", controllers.ListJobEvents(deps.Events, logg))

			r.Post("/consent", controllers.RecordConsent(deps.Consent, logg))
			r.Get("/consent", controllers.GetConsent(deps.Consent, logg))

			r.Get("/credits", controllers.GetCreditBalance(deps.Ledger, logg))
			r.Get("/credits/entries", controllers.ListCreditEntries(deps.Ledger, logg))

			r.Get("/properties", controllers.ListProperties(deps.Properties, logg))
		})

		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(middleware.RequireRole(logg, enums.UserRoleAdmin))
			r.Post("/credits/grants", controllers.AdminGrantCredits(deps.Ledger, logg))
		})
	})

	return r
}
