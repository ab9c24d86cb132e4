package services

import (
	"log"
	"net/http"
	"os"

	"fair_platform/core/auth"
	"fair_platform/core/feedback"
	"fair_platform/core/lifecycle"
	"fair_platform/core/storage"
	"fair_platform/core/store"
	"fair_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Variables struct {
	// How many times a failed training may be requeued.
	RequeueBudget int
}

type Fair struct {
	entities    EntityService
	training    TrainingService
	transitions TransitionService
	jobs        JobService
	users       UserService

	storage  storage.Storage
	userAuth *auth.Authenticator
	audit    auth.AuditLogger
}

func NewFair(
	store *store.Store, engine *lifecycle.Engine, aggregator *feedback.Aggregator, storage storage.Storage,
	userAuth *auth.Authenticator, jobAuth *auth.JwtManager, audit auth.AuditLogger, variables Variables,
) *Fair {
	return &Fair{
		entities: EntityService{store: store, engine: engine, storage: storage},
		training: TrainingService{
			store:      store,
			engine:     engine,
			aggregator: aggregator,
			storage:    storage,
			variables:  variables,
		},
		transitions: TransitionService{engine: engine},
		jobs:        JobService{engine: engine, jobAuth: jobAuth},
		users:       UserService{store: store, userAuth: userAuth},
		storage:     storage,
		userAuth:    userAuth,
		audit:       audit,
	}
}

func (f *Fair) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.New(os.Stderr, "", log.LstdFlags), NoColor: true,
	}))

	r.Group(func(r chi.Router) {
		r.Use(f.userAuth.Optional(), f.audit.Middleware)

		r.Mount("/dataset", f.entities.DatasetRoutes())
		r.Mount("/aoi", f.entities.AOIRoutes())
		r.Mount("/model", f.entities.ModelRoutes())
		r.Mount("/feedback", f.entities.FeedbackRoutes())
		r.Mount("/feedback-aoi", f.entities.FeedbackAOIRoutes())
		r.Mount("/feedback-label", f.entities.FeedbackLabelRoutes())
		r.Mount("/training", f.training.Routes())
		r.Mount("/correction", f.training.CorrectionRoutes())
		r.Mount("/transition", f.transitions.Routes())
		r.Mount("/user", f.users.Routes())
	})

	r.Mount("/job", f.jobs.Routes())

	r.Get("/health", f.Health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

type healthResponse struct {
	Status         string `json:"status"`
	DiskTotalBytes uint64 `json:"disk_total_bytes"`
	DiskFreeBytes  uint64 `json:"disk_free_bytes"`
}

// Health reports the service as unhealthy when the shared volume jobs write to
// cannot be read.
func (f *Fair) Health(w http.ResponseWriter, r *http.Request) {
	usage, err := f.storage.Usage()
	if err != nil {
		http.Error(w, "shared storage unavailable", http.StatusServiceUnavailable)
		return
	}
	utils.WriteJsonResponse(w, healthResponse{
		Status:         "ok",
		DiskTotalBytes: usage.TotalBytes,
		DiskFreeBytes:  usage.FreeBytes,
	})
}
