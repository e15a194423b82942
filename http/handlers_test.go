package http

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"islrecognizer/camera"
	"islrecognizer/db"
	"islrecognizer/display"
	"islrecognizer/ml"
	"islrecognizer/monitoring"
	"islrecognizer/recognizer"
	"islrecognizer/tutorial"
)

type staticClassifier struct {
	preds []ml.Prediction
}

func (c staticClassifier) Labels() []string {
	labels := make([]string, len(c.preds))
	for i, p := range c.preds {
		labels[i] = p.Label
	}
	return labels
}

func (c staticClassifier) Predict(ctx context.Context, frame image.Image) ([]ml.Prediction, error) {
	return c.preds, nil
}

type mapLoader map[string]ml.Classifier

func (l mapLoader) Load(ctx context.Context, basePath string) (ml.Classifier, error) {
	c, ok := l[basePath]
	if !ok {
		return nil, ml.ErrFetch
	}
	return c, nil
}

type testEnv struct {
	svc     *Services
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	loader := mapLoader{
		"model/alphabets": staticClassifier{preds: []ml.Prediction{
			{Label: "A", Probability: 0.92},
			{Label: "B", Probability: 0.08},
		}},
	}
	rec := recognizer.New(recognizer.DefaultConfig(), loader, nil, nil)
	t.Cleanup(rec.Close)

	metrics := monitoring.NewMetricsCollector()
	recognition := monitoring.NewRecognitionMetrics(metrics)
	monitor := monitoring.NewRealtimeMonitor(nil)
	require.NoError(t, monitor.Start(0))
	t.Cleanup(func() { monitor.Stop() })
	alerts := monitoring.NewAlertSystem(monitoring.AlertConfig{}, monitor, nil)
	rec.Subscribe(recognition.Observe)
	rec.Subscribe(monitor.Observe)
	rec.Subscribe(alerts.Observe)
	replay := monitoring.NewReplayEngine(monitoring.StoredDetections{}, monitor, nil, nil)
	t.Cleanup(replay.Close)

	push := camera.NewPushDevice()
	svc := &Services{
		Recognizer:  rec,
		Device:      push,
		Push:        push,
		Constraints: camera.Constraints{Width: 224, Height: 224, FrameRate: 30},
		Coach:       tutorial.NewCoach(tutorial.DefaultCatalog(), rec, nil, tutorial.DefaultCoachConfig(), recognition, nil),
		Metrics:     metrics,
		Recognition: recognition,
		Monitor:     monitor,
		Alerts:      alerts,
		Replay:      replay,
	}
	cfg := DefaultServerConfig()
	cfg.Timeout = 5 * time.Second
	return &testEnv{svc: svc, handler: NewHandler(cfg, svc, nil)}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func pngBody(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

func TestHealthHandler(t *testing.T) {
	req, err := http.NewRequest("GET", "/api/health", nil)
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	handler := http.HandlerFunc(handleHealth)

	handler.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	expected := `{"status":"ok"}`
	if rr.Body.String() != expected+"\n" && rr.Body.String() != expected {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), expected)
	}
}

func TestRecognizerLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/api/recognizer", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	view := decode(t, rr)["view"].(map[string]interface{})
	assert.Equal(t, string(display.StatusLoading), view["status"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	rr = env.do(t, "POST", "/api/recognizer/model", []byte(`{"path":""}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, "POST", "/api/recognizer/model", []byte(`{"path":"model/missing"}`))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, decode(t, rr)["error"], "fetch")

	rr = env.do(t, "POST", "/api/recognizer/model", []byte(`{"path":"model/alphabets"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	state := decode(t, rr)["state"].(map[string]interface{})
	assert.Equal(t, string(recognizer.PhaseReady), state["phase"])

	rr = env.do(t, "POST", "/api/camera/start", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	state = decode(t, rr)["state"].(map[string]interface{})
	assert.Equal(t, string(recognizer.PhaseSampling), state["phase"])
	assert.NotEmpty(t, state["session_id"])

	rr = env.do(t, "POST", "/api/camera/frame", pngBody(t))
	assert.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		best := env.svc.Recognizer.State().Best
		return best != nil && best.Label == "A"
	}, 2*time.Second, 10*time.Millisecond)

	rr = env.do(t, "POST", "/api/camera/stop", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	state = decode(t, rr)["state"].(map[string]interface{})
	assert.Equal(t, string(recognizer.PhaseReady), state["phase"])
}

func TestPredictHandler(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/predict", pngBody(t))
	assert.Equal(t, http.StatusConflict, rr.Code)

	require.NoError(t, env.svc.Recognizer.LoadModel(context.Background(), "model/alphabets"))

	rr = env.do(t, "POST", "/api/predict", []byte("not an image"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, "POST", "/api/predict", pngBody(t))
	require.Equal(t, http.StatusOK, rr.Code)
	payload := decode(t, rr)
	assert.Len(t, payload["predictions"], 2)
	best := payload["best"].(map[string]interface{})
	assert.Equal(t, "A", best["label"])
	assert.Equal(t, "Detected: A", payload["view"].(map[string]interface{})["message"])
}

func TestCameraFrameRequiresPushDevice(t *testing.T) {
	env := newTestEnv(t)
	env.svc.Push = nil

	rr := env.do(t, "POST", "/api/camera/frame", pngBody(t))
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestDetectionsHandler(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/api/sessions/unknown/detections", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	start := time.Now()
	require.NoError(t, db.SaveSession("http-s1", "model/alphabets", start))
	require.NoError(t, db.SaveDetection(db.Detection{SessionID: "http-s1", Label: "A", Probability: 0.9, DetectedAt: start}))

	rr = env.do(t, "GET", "/api/sessions/http-s1/detections?limit=5", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["detections"], 1)
}

func TestTutorialHandlers(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/api/tutorial/levels", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["levels"], 3)

	rr = env.do(t, "GET", "/api/tutorial/levels/intermediate", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	level := decode(t, rr)["level"].(map[string]interface{})
	assert.Len(t, level["items"], 32)

	rr = env.do(t, "GET", "/api/tutorial/levels/expert", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, "POST", "/api/tutorial/items/nope/attempt", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, "POST", "/api/tutorial/items/alphabets-a/attempt", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestMetricsHandler(t *testing.T) {
	env := newTestEnv(t)
	env.svc.Metrics.IncrCounter("detections_total", 1, nil)

	rr := env.do(t, "GET", "/api/metrics?format=prometheus", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "detections_total 1")

	rr = env.do(t, "GET", "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	payload := decode(t, rr)
	assert.Contains(t, payload, "system")
	assert.Contains(t, payload, "recognition")
}

func TestWebSocketThroughMiddleware(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws/predictions", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.svc.Monitor.GetWebSocketHub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, env.svc.Recognizer.LoadModel(context.Background(), "model/alphabets"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg monitoring.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, monitoring.StatusChange, msg.Type)
}

func TestAlertsHandler(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/recognizer/model", []byte(`{"path":"model/missing"}`))
	require.Equal(t, http.StatusBadGateway, rr.Code)

	rr = env.do(t, "GET", "/api/alerts", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	active := decode(t, rr)["active"].([]interface{})
	require.Len(t, active, 1)
	assert.Equal(t, monitoring.SourceModel, active[0].(map[string]interface{})["source"])

	rr = env.do(t, "POST", "/api/recognizer/model", []byte(`{"path":"model/alphabets"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(t, "GET", "/api/alerts", nil)
	assert.Empty(t, decode(t, rr)["active"])
}

func TestReplayHandlers(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/sessions/unknown/replay", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	start := time.Now()
	require.NoError(t, db.SaveSession("replay-s1", "model/alphabets", start))
	require.NoError(t, db.SaveDetection(db.Detection{SessionID: "replay-s1", Label: "A", Probability: 0.9, DetectedAt: start}))
	require.NoError(t, db.SaveDetection(db.Detection{SessionID: "replay-s1", Label: "B", Probability: 0.7, DetectedAt: start.Add(50 * time.Millisecond)}))

	rr = env.do(t, "POST", "/api/sessions/replay-s1/replay", []byte(`{"speed":500}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, "POST", "/api/sessions/replay-s1/replay", []byte(`{"speed":10}`))
	require.Equal(t, http.StatusAccepted, rr.Code)
	replay := decode(t, rr)
	id := replay["id"].(string)
	assert.Equal(t, 2.0, replay["total"])

	require.Eventually(t, func() bool {
		rr := env.do(t, "GET", "/api/replays/"+id, nil)
		return rr.Code == http.StatusOK && decode(t, rr)["status"] == string(monitoring.ReplayCompleted)
	}, 2*time.Second, 10*time.Millisecond)

	rr = env.do(t, "POST", "/api/replays/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	rr = env.do(t, "POST", "/api/replays/"+id+"/rewind", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = env.do(t, "POST", "/api/replays/missing/stop", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, "GET", "/api/replays", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["replays"], 1)

	rr = env.do(t, "DELETE", "/api/replays/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = env.do(t, "GET", "/api/replays/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestCORSPreflight(t *testing.T) {
	handler := CORSMiddleware([]string{"http://localhost:3000"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight reached the handler")
	}))
	req := httptest.NewRequest(http.MethodOptions, "/api/predict", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "islrecognizer-http")
	if err != nil {
		panic(err)
	}
	if err := db.InitDB(filepath.Join(dir, "test.db")); err != nil {
		panic(err)
	}

	code := m.Run()

	db.Close()
	os.RemoveAll(dir)
	os.Exit(code)
}
