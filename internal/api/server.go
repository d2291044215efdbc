package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"strategy-pipeline/internal/apperr"
	"strategy-pipeline/internal/config"
	"strategy-pipeline/internal/dedup"
	"strategy-pipeline/internal/models"
	"strategy-pipeline/internal/notify"
	"strategy-pipeline/internal/ratelimit"
	"strategy-pipeline/internal/telemetry"
)

// Store is the persistence the HTTP surface reads and writes.
type Store interface {
	GetSnapshot(ctx context.Context, id string) (models.Snapshot, error)
	CreateJob(ctx context.Context, snapshotID, kind string) (models.Job, bool, error)
	EnsureJob(ctx context.Context, snapshotID, kind string) (models.Job, bool, error)
	LatestJob(ctx context.Context, snapshotID, kind string) (models.Job, error)
	GetStrategy(ctx context.Context, snapshotID string) (models.Strategy, error)
	ListRankedVenues(ctx context.Context, jobID string) ([]models.RankedVenue, error)
	StageStats(ctx context.Context, since time.Time) ([]models.StageStats, error)
}

// Enqueuer hands new jobs to the workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) (bool, error)
}

// Waiter delivers terminal job notifications per snapshot.
type Waiter interface {
	Wait(snapshotID string) (<-chan notify.Event, func())
}

// Server wires HTTP handlers for the client delivery protocol.
type Server struct {
	cfg      config.Config
	store    Store
	queue    Enqueuer
	hub      Waiter
	upserter *dedup.Upserter
	limiter  *ratelimit.TokenBucket
	validate *validator.Validate
}

// New constructs the API server. limiter may be nil to disable poll limiting.
func New(cfg config.Config, st Store, q Enqueuer, hub Waiter, upserter *dedup.Upserter, limiter *ratelimit.TokenBucket) *Server {
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = 60 * time.Second
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		hub:      hub,
		upserter: upserter,
		limiter:  limiter,
		validate: v,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware("status", ratelimit.SnapshotOrClient))
		}
		r.Get("/status", s.handleStatus)
		r.Get("/status/stream", s.handleStream)
	})
	r.Post("/strategy", s.handleStrategy)
	r.Post("/events", s.handleUpsertEvent)
	r.Get("/performance", s.handlePerformance)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type errorResponse struct {
	Error  string   `json:"error"`
	Reason string   `json:"reason,omitempty"`
	Issues []string `json:"issues,omitempty"`
}

// writeError maps err to its HTTP status. Internal details are logged, never returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	body := errorResponse{Error: apperr.Code(err), Reason: apperr.Reason(err)}
	var ve *apperr.ValidationError
	if errors.As(err, &ve) {
		body.Issues = ve.Issues
	}
	var nf *apperr.NotFoundError
	if (errors.As(err, &nf) && nf.Resource == "snapshot") || apperr.Code(err) == apperr.CodeRetention {
		body.Error = "snapshot_not_found"
	}
	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
