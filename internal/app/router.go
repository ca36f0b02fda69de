package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/optica-commerce/optica-catalog/internal/migration"
	"github.com/optica-commerce/optica-catalog/internal/observability"
	"github.com/optica-commerce/optica-catalog/internal/query"
	syncsvc "github.com/optica-commerce/optica-catalog/internal/sync"
	"github.com/optica-commerce/optica-catalog/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	QueryHandler     *query.Handler
	SyncHandler      *syncsvc.Handler
	MigrationHandler *migration.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router for the catalog API.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.QueryHandler != nil {
		r.Route("/api/v1", params.QueryHandler.Mount)
	}

	if params.SyncHandler != nil {
		rateLimit := 0
		if params.Config != nil {
			rateLimit = params.Config.WebhookRateLimit
		}
		r.Route("/webhooks", func(r chi.Router) {
			r.Use(WebhookRateLimit(rateLimit))
			params.SyncHandler.MountWebhook(r)
		})
	}

	r.Route("/admin", func(r chi.Router) {
		if params.SyncHandler != nil {
			r.Route("/sync", params.SyncHandler.MountAdmin)
		}
		if params.MigrationHandler != nil {
			r.Route("/migrations", params.MigrationHandler.Mount)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
