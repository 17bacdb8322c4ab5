// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/okian/formlab/internal/domain/artifact"
	"github.com/okian/formlab/internal/domain/model"
	"github.com/okian/formlab/internal/domain/realtime"
	"github.com/okian/formlab/internal/domain/types"
	"github.com/okian/formlab/pkg/logger"
)

// Trainer accepts training requests and tracks their tasks.
type Trainer interface {
	// SubmitTraining validates cfg and queues a run. It never blocks on training.
	SubmitTraining(ctx context.Context, cfg model.TrainingConfig) (*model.Task, error)
	TrainingTask(ctx context.Context, id string) (*model.Task, error)
	CancelTraining(ctx context.Context, id string) (*model.Task, error)
}

// Classifier scores whole videos with the active model.
type Classifier interface {
	ScoreVideo(ctx context.Context, path string) (types.Prediction, error)
	// ActiveModel returns the serving bundle's manifest, or nil.
	ActiveModel() *artifact.Manifest
}

// LiveSessions runs realtime classification sessions.
type LiveSessions interface {
	Start(ctx context.Context, id string, emit realtime.EmitFunc) (*realtime.Session, error)
	Stop(id string) error
	List() []realtime.Info
}

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	Trainer
	Classifier
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler  *HealthHandler
	statsHandler   *StatsHandler
	trainHandler   *TrainHandler
	predictHandler *PredictHandler
	liveHandler    *LiveHandler
	consoleHandler *consoleHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, live LiveSessions, statsProvider StatsProvider) *Server {
	return &Server{
		healthHandler:  NewHealthHandler(),
		statsHandler:   NewStatsHandler(statsProvider),
		trainHandler:   NewTrainHandler(deps),
		predictHandler: NewPredictHandler(deps),
		liveHandler:    NewLiveHandler(live, logger.Get().Named("live")),
		consoleHandler: newConsoleHandler(),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("POST /train", MetricsMiddleware(s.trainHandler.HandleSubmit, "train"))
	mux.HandleFunc("GET /train/status/{id}", MetricsMiddleware(s.trainHandler.HandleStatus, "train_status"))
	mux.HandleFunc("DELETE /train/{id}", MetricsMiddleware(s.trainHandler.HandleCancel, "train_cancel"))
	mux.HandleFunc("POST /predict", MetricsMiddleware(s.predictHandler.HandlePredict, "predict"))
	mux.HandleFunc("GET /model", MetricsMiddleware(s.predictHandler.HandleModel, "model"))
	mux.HandleFunc("GET /live/sessions", MetricsMiddleware(s.liveHandler.HandleSessions, "live_sessions"))
	mux.HandleFunc("GET /live/console", s.consoleHandler.HandleConsole)
	// The websocket upgrade needs the raw ResponseWriter, so /live is not
	// wrapped in the metrics middleware.
	mux.HandleFunc("GET /live", s.liveHandler.HandleLive)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
