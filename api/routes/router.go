package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/stockflow/api/controllers"
	"github.com/angelmondragon/stockflow/api/middleware"
	"github.com/angelmondragon/stockflow/pkg/db/models"
	"github.com/angelmondragon/stockflow/pkg/logger"
	"github.com/angelmondragon/stockflow/pkg/pagination"
)

type deadLetterLister interface {
	List(ctx context.Context, params pagination.Params) ([]models.TxMessageDLQ, string, error)
}

type stockLogReader interface {
	Get(ctx context.Context, id string) (*models.StockLog, error)
}

// OpsParams wire the operator surface served by the long-running binaries.
// DeadLetters and StockLogs are optional; their routes are skipped when nil.
type OpsParams struct {
	Env          string
	Logger       *logger.Logger
	Gatherer     prometheus.Gatherer
	Dependencies map[string]controllers.Pinger
	DeadLetters  deadLetterLister
	StockLogs    stockLogReader
}

func NewOpsRouter(params OpsParams) http.Handler {
	logg := params.Logger
	gatherer := params.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(params.Env))
		r.Get("/ready", controllers.HealthReady(params.Env, logg, params.Dependencies))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if params.DeadLetters != nil {
		r.Get("/ops/dead-letters", controllers.DeadLetters(logg, params.DeadLetters))
	}
	if params.StockLogs != nil {
		r.Get("/ops/stock-logs/{stockLogID}", controllers.StockLog(logg, params.StockLogs))
	}

	return r
}
