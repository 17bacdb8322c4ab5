package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/okian/formlab/internal/domain/scoring"
	"github.com/okian/formlab/internal/domain/types"
)

// PredictHandler handles video classification and model info requests.
type PredictHandler struct {
	deps Classifier
}

// NewPredictHandler creates a new predict handler.
func NewPredictHandler(deps Classifier) *PredictHandler {
	return &PredictHandler{deps: deps}
}

type predictRequest struct {
	VideoPath string `json:"video_path"`
}

type predictResponse struct {
	types.Prediction
	VideoPath string `json:"video_path"`
	ModelID   string `json:"model_id"`
}

// HandlePredict handles POST /predict requests.
func (h *PredictHandler) HandlePredict(w http.ResponseWriter, r *http.Request) {
	const op = "api.predict"
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	path := strings.TrimSpace(req.VideoPath)
	if path == "" {
		fail(w, WrapKind(op, ErrBadRequest, errors.New("missing video_path")))
		return
	}
	if _, err := os.Stat(path); err != nil {
		fail(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	m := h.deps.ActiveModel()
	if m == nil {
		fail(w, Wrap(op, scoring.ErrNoModel))
		return
	}
	pred, err := h.deps.ScoreVideo(r.Context(), path)
	if err != nil {
		fail(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, predictResponse{Prediction: pred, VideoPath: path, ModelID: m.ID})
}

// HandleModel handles GET /model requests.
func (h *PredictHandler) HandleModel(w http.ResponseWriter, _ *http.Request) {
	m := h.deps.ActiveModel()
	if m == nil {
		fail(w, NewKind("api.model", scoring.ErrNoModel))
		return
	}
	writeJSON(w, http.StatusOK, m)
}
