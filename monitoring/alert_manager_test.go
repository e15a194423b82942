package monitoring

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"islrecognizer/recognizer"
)

func TestModelAlertRaisedOnceAndResolved(t *testing.T) {
	m := NewRealtimeMonitor(nil)
	require.NoError(t, m.Start(0))
	defer m.Stop()

	srv := httptest.NewServer(http.HandlerFunc(m.GetWebSocketHub().HandleWebSocket))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"?topic=alert", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return m.GetWebSocketHub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	as := NewAlertSystem(AlertConfig{}, m, nil)
	failed := recognizer.State{Phase: recognizer.PhaseIdle, ModelPath: "model/level-1/alphabets", LoadErr: errors.New("fetch model: 404")}
	as.Observe(failed)
	as.Observe(failed)

	active := as.GetActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, SourceModel, active[0].Source)
	assert.Equal(t, Error, active[0].Level)
	assert.Contains(t, active[0].Message, "model/level-1/alphabets")

	msg := readMessage(t, conn)
	require.Equal(t, AlertMessage, msg.Type)
	var pushed Alert
	require.NoError(t, json.Unmarshal(msg.Data, &pushed))
	assert.Equal(t, active[0].ID, pushed.ID)
	assert.False(t, pushed.Resolved)

	as.Observe(recognizer.State{Phase: recognizer.PhaseReady, ModelPath: "model/level-1/alphabets"})
	assert.Empty(t, as.GetActiveAlerts())

	msg = readMessage(t, conn)
	require.NoError(t, json.Unmarshal(msg.Data, &pushed))
	assert.True(t, pushed.Resolved)

	stats := as.GetStats()
	assert.Equal(t, int64(1), stats.TotalAlerts)
	assert.Equal(t, int64(1), stats.ResolvedAlerts)
	assert.Equal(t, int64(0), stats.ActiveAlerts)
	assert.Len(t, as.History(), 1)
}

func TestConsecutiveFailureAlert(t *testing.T) {
	as := NewAlertSystem(AlertConfig{FailureThreshold: 3}, nil, nil)
	sampling := func(inferences, failures uint64) recognizer.State {
		return recognizer.State{Phase: recognizer.PhaseSampling, Inferences: inferences, Failures: failures}
	}

	as.Observe(sampling(1, 0))
	as.Observe(sampling(2, 1))
	as.Observe(sampling(3, 2))
	assert.Empty(t, as.GetActiveAlerts())

	// a success in between resets the run
	as.Observe(sampling(4, 2))
	as.Observe(sampling(5, 3))
	as.Observe(sampling(6, 4))
	assert.Empty(t, as.GetActiveAlerts())

	as.Observe(sampling(7, 5))
	active := as.GetActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, SourceInference, active[0].Source)
	assert.Equal(t, 3.0, active[0].Value)
	assert.Equal(t, 3.0, active[0].Threshold)

	as.Observe(sampling(8, 5))
	assert.Empty(t, as.GetActiveAlerts())
}

func TestCameraAlertWebhookCooldown(t *testing.T) {
	var posts int32
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err == nil {
			body.Store(payload)
		}
		atomic.AddInt32(&posts, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	as := NewAlertSystem(AlertConfig{Webhook: srv.URL, MinLevel: Warning, Cooldown: time.Minute}, nil, nil)
	lost := recognizer.State{Phase: recognizer.PhaseReady, CameraErr: errors.New("camera permission denied")}

	as.Observe(lost)
	require.Eventually(t, func() bool { return as.GetStats().WebhookSent == 1 }, 2*time.Second, 10*time.Millisecond)
	payload := body.Load().(map[string]interface{})
	assert.Contains(t, payload["text"], "[warning] Camera unavailable")

	as.Observe(recognizer.State{Phase: recognizer.PhaseSampling})
	as.Observe(lost)
	assert.Equal(t, int64(2), as.GetStats().TotalAlerts)
	assert.Never(t, func() bool { return atomic.LoadInt32(&posts) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestWebhookBelowMinLevelSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected webhook post")
	}))
	defer srv.Close()

	as := NewAlertSystem(AlertConfig{Webhook: srv.URL}, nil, nil)
	as.Observe(recognizer.State{Phase: recognizer.PhaseReady, CameraErr: errors.New("no camera")})
	require.Len(t, as.GetActiveAlerts(), 1)
	assert.Never(t, func() bool { return as.GetStats().WebhookSent > 0 }, 50*time.Millisecond, 10*time.Millisecond)
}
