package http

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"islrecognizer/camera"
	"islrecognizer/db"
	"islrecognizer/display"
	"islrecognizer/ml"
	"islrecognizer/monitoring"
	"islrecognizer/recognizer"
	"islrecognizer/tutorial"
)

// Services are the components the handlers drive. Push is set only when the
// configured camera is the push device.
type Services struct {
	Recognizer  *recognizer.Recognizer
	Device      camera.Device
	Push        *camera.PushDevice
	Constraints camera.Constraints
	Coach       *tutorial.Coach
	Metrics     *monitoring.MetricsCollector
	Recognition *monitoring.RecognitionMetrics
	Monitor     *monitoring.RealtimeMonitor
	Alerts      *monitoring.AlertSystem
	Replay      *monitoring.ReplayEngine
	Logger      *zap.Logger
}

type handlers struct {
	*Services
}

func RegisterHandlers(mux *http.ServeMux, svc *Services) {
	if svc.Logger == nil {
		svc.Logger = zap.NewNop()
	}
	h := handlers{svc}

	mux.HandleFunc("GET /api/health", handleHealth)

	mux.HandleFunc("GET /api/recognizer", h.handleRecognizerState)
	mux.HandleFunc("POST /api/recognizer/model", h.handleLoadModel)
	mux.HandleFunc("POST /api/camera/start", h.handleCameraStart)
	mux.HandleFunc("POST /api/camera/stop", h.handleCameraStop)
	mux.HandleFunc("POST /api/camera/frame", h.handleCameraFrame)
	mux.HandleFunc("POST /api/predict", h.handlePredict)

	mux.HandleFunc("GET /api/sessions/{id}/detections", h.handleDetections)
	mux.HandleFunc("POST /api/sessions/{id}/replay", h.handleStartReplay)
	mux.HandleFunc("GET /api/replays", h.handleReplays)
	mux.HandleFunc("GET /api/replays/{id}", h.handleReplay)
	mux.HandleFunc("POST /api/replays/{id}/{action}", h.handleReplayControl)
	mux.HandleFunc("DELETE /api/replays/{id}", h.handleDeleteReplay)

	mux.HandleFunc("GET /api/tutorial/levels", h.handleLevels)
	mux.HandleFunc("GET /api/tutorial/levels/{level}", h.handleLevel)
	mux.HandleFunc("POST /api/tutorial/items/{id}/attempt", h.handleAttempt)

	mux.HandleFunc("GET /api/metrics", h.handleMetrics)
	mux.HandleFunc("GET /api/alerts", h.handleAlerts)
	if svc.Monitor != nil {
		mux.HandleFunc("GET /api/ws/predictions", svc.Monitor.GetWebSocketHub().HandleWebSocket)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stateResponse struct {
	State       recognizer.State `json:"state"`
	View        display.View     `json:"view"`
	LoadError   string           `json:"load_error,omitempty"`
	CameraError string           `json:"camera_error,omitempty"`
}

func newStateResponse(s recognizer.State) stateResponse {
	resp := stateResponse{State: s, View: display.Render(s)}
	if s.LoadErr != nil {
		resp.LoadError = s.LoadErr.Error()
	}
	if s.CameraErr != nil {
		resp.CameraError = s.CameraErr.Error()
	}
	return resp
}

func (h handlers) handleRecognizerState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, newStateResponse(h.Recognizer.State()))
}

func (h handlers) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	if req.Path == "" {
		respondError(w, r, http.StatusBadRequest, errors.New("path is required"))
		return
	}
	if err := h.Recognizer.LoadModel(r.Context(), req.Path); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ml.ErrMalformedModel) {
			status = http.StatusUnprocessableEntity
		}
		h.Logger.Warn("load model failed", zap.String("path", req.Path), zap.String("request_id", GetRequestID(r.Context())), zap.Error(err))
		respondError(w, r, status, err)
		return
	}
	respondJSON(w, http.StatusOK, newStateResponse(h.Recognizer.State()))
}

func (h handlers) handleCameraStart(w http.ResponseWriter, r *http.Request) {
	err := h.Recognizer.AttachCamera(r.Context(), h.Device, h.Constraints)
	switch {
	case errors.Is(err, camera.ErrPermissionDenied):
		respondError(w, r, http.StatusForbidden, err)
		return
	case errors.Is(err, camera.ErrNoDevice):
		respondError(w, r, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, newStateResponse(h.Recognizer.State()))
}

func (h handlers) handleCameraStop(w http.ResponseWriter, r *http.Request) {
	h.Recognizer.DetachCamera()
	respondJSON(w, http.StatusOK, newStateResponse(h.Recognizer.State()))
}

// handleCameraFrame feeds an uploaded frame to the push camera.
func (h handlers) handleCameraFrame(w http.ResponseWriter, r *http.Request) {
	if h.Push == nil {
		respondError(w, r, http.StatusConflict, errors.New("camera does not accept pushed frames"))
		return
	}
	img, err := ml.DecodeImage(r.Body)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, err)
		return
	}
	h.Push.Push(img)
	w.WriteHeader(http.StatusAccepted)
}

func (h handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	img, err := ml.DecodeImage(r.Body)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, err)
		return
	}
	preds, best, err := h.Recognizer.Classify(r.Context(), img)
	if errors.Is(err, recognizer.ErrNoClassifier) {
		respondError(w, r, http.StatusConflict, err)
		return
	}
	if err != nil {
		respondError(w, r, http.StatusBadGateway, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"predictions": preds,
		"best":        best,
		"view":        display.Render(recognizer.State{Phase: recognizer.PhaseSampling, Best: best}),
	})
}

func (h handlers) handleDetections(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := db.GetSession(id)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, r, http.StatusNotFound, errors.New("session not found"))
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err)
		return
	}

	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	detections, err := db.QueryDetections(id, limit)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session":    session,
		"detections": detections,
	})
}

func (h handlers) handleStartReplay(w http.ResponseWriter, r *http.Request) {
	if h.Replay == nil {
		respondError(w, r, http.StatusServiceUnavailable, errors.New("replay not configured"))
		return
	}
	req := struct {
		Speed float64 `json:"speed"`
	}{Speed: 1}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, r, http.StatusBadRequest, errors.New("invalid JSON body"))
			return
		}
	}

	id := r.PathValue("id")
	if _, err := db.GetSession(id); errors.Is(err, sql.ErrNoRows) {
		respondError(w, r, http.StatusNotFound, errors.New("session not found"))
		return
	} else if err != nil {
		respondError(w, r, http.StatusInternalServerError, err)
		return
	}

	session, err := h.Replay.StartSession(id, req.Speed)
	switch {
	case errors.Is(err, monitoring.ErrNoDetections):
		respondError(w, r, http.StatusNotFound, err)
		return
	case err != nil:
		respondError(w, r, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusAccepted, session)
}

func (h handlers) handleReplays(w http.ResponseWriter, r *http.Request) {
	if h.Replay == nil {
		respondError(w, r, http.StatusServiceUnavailable, errors.New("replay not configured"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"replays": h.Replay.GetAllSessions()})
}

func (h handlers) handleReplay(w http.ResponseWriter, r *http.Request) {
	if h.Replay == nil {
		respondError(w, r, http.StatusServiceUnavailable, errors.New("replay not configured"))
		return
	}
	session, err := h.Replay.GetSession(r.PathValue("id"))
	if err != nil {
		respondError(w, r, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// handleReplayControl serves pause, resume, stop and speed.
func (h handlers) handleReplayControl(w http.ResponseWriter, r *http.Request) {
	if h.Replay == nil {
		respondError(w, r, http.StatusServiceUnavailable, errors.New("replay not configured"))
		return
	}
	id := r.PathValue("id")
	var err error
	switch r.PathValue("action") {
	case "pause":
		err = h.Replay.PauseSession(id)
	case "resume":
		err = h.Replay.ResumeSession(id)
	case "stop":
		err = h.Replay.StopSession(id)
	case "speed":
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, r, http.StatusBadRequest, errors.New("invalid JSON body"))
			return
		}
		err = h.Replay.SetSpeed(id, req.Speed)
	default:
		respondError(w, r, http.StatusNotFound, errors.New("unknown replay action"))
		return
	}
	switch {
	case errors.Is(err, monitoring.ErrReplayNotFound):
		respondError(w, r, http.StatusNotFound, err)
		return
	case err != nil:
		respondError(w, r, http.StatusConflict, err)
		return
	}
	h.handleReplay(w, r)
}

func (h handlers) handleDeleteReplay(w http.ResponseWriter, r *http.Request) {
	if h.Replay == nil {
		respondError(w, r, http.StatusServiceUnavailable, errors.New("replay not configured"))
		return
	}
	if err := h.Replay.DeleteSession(r.PathValue("id")); err != nil {
		respondError(w, r, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type levelSummary struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Categories  []string               `json:"categories"`
	Progress    tutorial.LevelProgress `json:"progress"`
}

func (h handlers) handleLevels(w http.ResponseWriter, r *http.Request) {
	if h.Coach == nil {
		respondError(w, r, http.StatusServiceUnavailable, errors.New("tutorial not configured"))
		return
	}
	levels := h.Coach.Catalog().Levels()
	out := make([]levelSummary, 0, len(levels))
	for _, l := range levels {
		progress, err := h.Coach.Progress(l.ID)
		if err != nil {
			respondError(w, r, http.StatusInternalServerError, err)
			return
		}
		out = append(out, levelSummary{
			ID:          l.ID,
			Name:        l.Name,
			Description: l.Description,
			Categories:  l.Categories,
			Progress:    progress,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"levels": out})
}

func (h handlers) handleLevel(w http.ResponseWriter, r *http.Request) {
	if h.Coach == nil {
		respondError(w, r, http.StatusServiceUnavailable, errors.New("tutorial not configured"))
		return
	}
	level, ok := h.Coach.Catalog().Level(r.PathValue("level"))
	if !ok {
		respondError(w, r, http.StatusNotFound, errors.New("level not found"))
		return
	}
	progress, err := h.Coach.Progress(level.ID)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"level":    level,
		"progress": progress,
	})
}

func (h handlers) handleAttempt(w http.ResponseWriter, r *http.Request) {
	if h.Coach == nil {
		respondError(w, r, http.StatusServiceUnavailable, errors.New("tutorial not configured"))
		return
	}
	res, err := h.Coach.Attempt(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, tutorial.ErrUnknownItem):
		respondError(w, r, http.StatusNotFound, err)
		return
	case errors.Is(err, tutorial.ErrNotSampling), errors.Is(err, tutorial.ErrAttemptInProgress):
		respondError(w, r, http.StatusConflict, err)
		return
	case err != nil:
		respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.Metrics == nil {
		respondError(w, r, http.StatusServiceUnavailable, errors.New("metrics not configured"))
		return
	}
	if r.URL.Query().Get("format") == "prometheus" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(h.Metrics.ExportPrometheus()))
		return
	}

	resp := map[string]interface{}{
		"system":    h.Metrics.GetSystemStats(),
		"timestamp": time.Now(),
	}
	if h.Recognition != nil {
		resp["recognition"] = h.Recognition.Stats()
	}
	if h.Monitor != nil {
		resp["realtime"] = h.Monitor.GetStats()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h handlers) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if h.Alerts == nil {
		respondError(w, r, http.StatusServiceUnavailable, errors.New("alerts not configured"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"active":  h.Alerts.GetActiveAlerts(),
		"history": h.Alerts.History(),
		"stats":   h.Alerts.GetStats(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, err error) {
	body := map[string]string{"error": err.Error()}
	if id := GetRequestID(r.Context()); id != "" {
		body["request_id"] = id
	}
	respondJSON(w, status, body)
}
