package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/chatcore/internal/metrics"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	Scope      string
	Level      AlertLevel
	Quota      float64
	Used       float64
	Percentage float64
	OverageUSD float64
	Timestamp  time.Time
}

type AlertHandler func(alert Alert)

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// Monitor raises one alert per threshold crossing. Repeated checks at the
// same level are suppressed by the deduplicator until usage drops below the
// warning threshold again.
type Monitor struct {
	mu            sync.RWMutex
	dedup         AlertDeduplicator
	thresholds    Thresholds
	alertHandlers []AlertHandler
}

func NewMonitor(dedup AlertDeduplicator, thresholds Thresholds) *Monitor {
	if dedup == nil {
		dedup = NewInMemoryDeduplicator()
	}
	return &Monitor{
		dedup:         dedup,
		thresholds:    thresholds,
		alertHandlers: make([]AlertHandler, 0),
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, handler)
}

// Check evaluates a snapshot for scope. Unknown and unlimited quotas never
// alert.
func (m *Monitor) Check(ctx context.Context, scope string, snap *Snapshot) *Alert {
	if snap == nil || snap.Unlimited || snap.Record == nil {
		return nil
	}

	ratio, ok := snap.Record.Ratio()
	if !ok {
		return nil
	}
	metrics.SetQuotaUsage(ratio)

	var level AlertLevel
	switch {
	case ratio >= 1.0:
		level = AlertLevelExceeded
	case ratio >= m.thresholds.Critical:
		level = AlertLevelCritical
	case ratio >= m.thresholds.Warning:
		level = AlertLevelWarning
	default:
		m.dedup.ClearAlert(ctx, scope)
		return nil
	}

	if !m.dedup.ShouldAlert(ctx, scope, level) {
		return nil
	}

	alert := &Alert{
		Scope:      scope,
		Level:      level,
		Quota:      *snap.Record.Quota,
		Used:       *snap.Record.Used,
		Percentage: ratio * 100,
		OverageUSD: snap.Record.OverageUSD,
		Timestamp:  time.Now(),
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.alertHandlers))
	copy(handlers, m.alertHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(*alert)
	}

	return alert
}

func LogAlertHandler(alert Alert) {
	slog.Warn("premium quota alert",
		"scope", alert.Scope,
		"level", alert.Level,
		"quota", alert.Quota,
		"used", alert.Used,
		"percentage", alert.Percentage,
		"overage_usd", alert.OverageUSD,
	)
}
