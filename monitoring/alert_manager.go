package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"islrecognizer/recognizer"
)

type AlertLevel string

const (
	Info     AlertLevel = "info"
	Warning  AlertLevel = "warning"
	Error    AlertLevel = "error"
	Critical AlertLevel = "critical"
)

var levelRank = map[AlertLevel]int{Info: 0, Warning: 1, Error: 2, Critical: 3}

// Alert sources. At most one alert per source is active at a time.
const (
	SourceModel     = "model"
	SourceCamera    = "camera"
	SourceInference = "inference"
)

type Alert struct {
	ID         string     `json:"id"`
	Level      AlertLevel `json:"level"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Source     string     `json:"source"`
	Value      float64    `json:"value,omitempty"`
	Threshold  float64    `json:"threshold,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// AlertConfig controls when alerts are raised and where they are sent.
// Webhook is optional; alerts at or above MinLevel are posted to it as JSON,
// no more than once per Cooldown.
type AlertConfig struct {
	FailureThreshold int
	Webhook          string
	MinLevel         AlertLevel
	Cooldown         time.Duration
}

type AlertStats struct {
	TotalAlerts    int64                `json:"total_alerts"`
	ActiveAlerts   int64                `json:"active_alerts"`
	ResolvedAlerts int64                `json:"resolved_alerts"`
	WebhookSent    int64                `json:"webhook_sent"`
	WebhookFailed  int64                `json:"webhook_failed"`
	ByLevel        map[AlertLevel]int64 `json:"by_level"`
	LastAlert      time.Time            `json:"last_alert"`
}

const maxAlertHistory = 200

var webhookTemplate = template.Must(template.New("webhook").Parse(
	`[{{.Level}}] {{.Title}}
{{.Message}}
{{.Timestamp.Format "2006-01-02 15:04:05"}}`))

// AlertSystem watches recognizer state for conditions that need an
// operator: a failed model load, a lost camera and runs of failed
// inferences. It resolves an alert once its condition clears.
type AlertSystem struct {
	cfg        AlertConfig
	monitor    *RealtimeMonitor
	httpClient *http.Client
	logger     *zap.Logger

	mu          sync.RWMutex
	active      map[string]*Alert
	history     []*Alert
	stats       AlertStats
	lastWebhook time.Time

	// inference failure tracking
	inferences  uint64
	failures    uint64
	consecutive uint64
}

func NewAlertSystem(cfg AlertConfig, monitor *RealtimeMonitor, logger *zap.Logger) *AlertSystem {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.MinLevel == "" {
		cfg.MinLevel = Error
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertSystem{
		cfg:        cfg,
		monitor:    monitor,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.Named("alerts"),
		active:     make(map[string]*Alert),
		stats:      AlertStats{ByLevel: make(map[AlertLevel]int64)},
	}
}

// Observe is a recognizer observer.
func (a *AlertSystem) Observe(s recognizer.State) {
	if s.LoadErr != nil && !s.Loading {
		a.raise(&Alert{
			Level:   Error,
			Source:  SourceModel,
			Title:   "Model failed to load",
			Message: fmt.Sprintf("%s: %v", s.ModelPath, s.LoadErr),
		})
	} else if s.Phase != recognizer.PhaseIdle {
		a.resolve(SourceModel)
	}

	if s.CameraErr != nil {
		a.raise(&Alert{
			Level:   Warning,
			Source:  SourceCamera,
			Title:   "Camera unavailable",
			Message: s.CameraErr.Error(),
		})
	} else if s.Phase == recognizer.PhaseSampling {
		a.resolve(SourceCamera)
	}

	a.mu.Lock()
	newFailures := s.Failures > a.failures
	newSuccess := s.Inferences > a.inferences && !newFailures
	if newFailures {
		a.consecutive += s.Failures - a.failures
	} else if newSuccess {
		a.consecutive = 0
	}
	a.inferences, a.failures = s.Inferences, s.Failures
	consecutive := a.consecutive
	a.mu.Unlock()

	threshold := uint64(a.cfg.FailureThreshold)
	switch {
	case consecutive >= threshold:
		a.raise(&Alert{
			Level:     Error,
			Source:    SourceInference,
			Title:     "Inference failing",
			Message:   fmt.Sprintf("%d consecutive inferences failed", consecutive),
			Value:     float64(consecutive),
			Threshold: float64(threshold),
		})
	case consecutive == 0:
		a.resolve(SourceInference)
	}
}

// raise records alert unless an alert for the same source is already
// active.
func (a *AlertSystem) raise(alert *Alert) {
	a.mu.Lock()
	if _, exists := a.active[alert.Source]; exists {
		a.mu.Unlock()
		return
	}
	alert.ID = uuid.NewString()
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	a.active[alert.Source] = alert
	a.history = append(a.history, alert)
	if len(a.history) > maxAlertHistory {
		a.history = a.history[len(a.history)-maxAlertHistory:]
	}
	a.stats.TotalAlerts++
	a.stats.ByLevel[alert.Level]++
	a.stats.LastAlert = alert.Timestamp
	sendWebhook := a.cfg.Webhook != "" &&
		levelRank[alert.Level] >= levelRank[a.cfg.MinLevel] &&
		(a.cfg.Cooldown <= 0 || alert.Timestamp.Sub(a.lastWebhook) >= a.cfg.Cooldown)
	if sendWebhook {
		a.lastWebhook = alert.Timestamp
	}
	snapshot := *alert
	a.mu.Unlock()

	a.logger.Warn("alert raised",
		zap.String("source", snapshot.Source),
		zap.String("level", string(snapshot.Level)),
		zap.String("message", snapshot.Message))
	a.publish(snapshot)
	if sendWebhook {
		// observers must not block the recognizer
		go a.postWebhook(snapshot)
	}
}

func (a *AlertSystem) resolve(source string) {
	a.mu.Lock()
	alert, exists := a.active[source]
	if !exists {
		a.mu.Unlock()
		return
	}
	delete(a.active, source)
	now := time.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	a.stats.ResolvedAlerts++
	snapshot := *alert
	a.mu.Unlock()

	a.logger.Info("alert resolved", zap.String("source", source))
	a.publish(snapshot)
}

func (a *AlertSystem) publish(alert Alert) {
	if a.monitor == nil {
		return
	}
	if err := a.monitor.SendAlert(alert); err != nil {
		a.logger.Debug("alert not pushed", zap.Error(err))
	}
}

func (a *AlertSystem) postWebhook(alert Alert) {
	var text bytes.Buffer
	if err := webhookTemplate.Execute(&text, alert); err != nil {
		a.logger.Error("render alert", zap.Error(err))
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"text":  text.String(),
		"alert": alert,
	})
	if err != nil {
		a.logger.Error("marshal alert", zap.Error(err))
		return
	}

	err = a.sendWebhookRequest(payload)
	a.mu.Lock()
	if err != nil {
		a.stats.WebhookFailed++
	} else {
		a.stats.WebhookSent++
	}
	a.mu.Unlock()
	if err != nil {
		a.logger.Warn("alert webhook failed", zap.String("alert", alert.ID), zap.Error(err))
	}
}

func (a *AlertSystem) sendWebhookRequest(payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, a.cfg.Webhook, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// GetActiveAlerts returns the unresolved alerts ordered by source.
func (a *AlertSystem) GetActiveAlerts() []Alert {
	a.mu.RLock()
	defer a.mu.RUnlock()
	active := make([]Alert, 0, len(a.active))
	for _, alert := range a.active {
		active = append(active, *alert)
	}
	sort.Slice(active, func(i, j int) bool {
		return strings.Compare(active[i].Source, active[j].Source) < 0
	})
	return active
}

// History returns raised alerts, oldest first.
func (a *AlertSystem) History() []Alert {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Alert, len(a.history))
	for i, alert := range a.history {
		out[i] = *alert
	}
	return out
}

func (a *AlertSystem) GetStats() AlertStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	stats := a.stats
	stats.ByLevel = make(map[AlertLevel]int64, len(a.stats.ByLevel))
	for k, v := range a.stats.ByLevel {
		stats.ByLevel[k] = v
	}
	stats.ActiveAlerts = int64(len(a.active))
	return stats
}
