package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/okian/formlab/internal/domain/model"
)

// statusLogLines is the number of recent log lines returned with a task.
const statusLogLines = 10

// TrainHandler handles training task requests.
type TrainHandler struct {
	deps Trainer
}

// NewTrainHandler creates a new train handler.
func NewTrainHandler(deps Trainer) *TrainHandler {
	return &TrainHandler{deps: deps}
}

type trainAccepted struct {
	TaskID  string           `json:"task_id"`
	Status  model.TaskStatus `json:"status"`
	Message string           `json:"message"`
}

// HandleSubmit handles POST /train requests.
func (h *TrainHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	const op = "api.submit_training"
	var cfg model.TrainingConfig
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		fail(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	task, err := h.deps.SubmitTraining(r.Context(), cfg)
	if err != nil {
		fail(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusAccepted, trainAccepted{
		TaskID:  task.ID,
		Status:  task.Status,
		Message: "training queued",
	})
}

// HandleStatus handles GET /train/status/{id} requests.
func (h *TrainHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	const op = "api.training_status"
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		fail(w, NewKind(op, ErrBadRequest))
		return
	}
	task, err := h.deps.TrainingTask(r.Context(), id)
	if err != nil {
		fail(w, Wrap(op, err))
		return
	}
	task.Logs = task.RecentLogs(statusLogLines)
	writeJSON(w, http.StatusOK, task)
}

// HandleCancel handles DELETE /train/{id} requests.
func (h *TrainHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	const op = "api.cancel_training"
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		fail(w, NewKind(op, ErrBadRequest))
		return
	}
	task, err := h.deps.CancelTraining(r.Context(), id)
	if err != nil {
		fail(w, Wrap(op, err))
		return
	}
	task.Logs = task.RecentLogs(statusLogLines)
	writeJSON(w, http.StatusOK, task)
}
