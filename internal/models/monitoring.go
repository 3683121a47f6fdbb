package models

import "time"

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is the latest probe of one provider. It is overwritten on every probe.
type HealthCheck struct {
	Provider       string       `json:"provider"`
	Status         HealthStatus `json:"status"`
	ResponseTimeMs *int64       `json:"response_time_ms,omitempty"`
	LastChecked    time.Time    `json:"last_checked"`
	Error          string       `json:"error,omitempty"`
}

type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

type MonitoringAlert struct {
	ID        string            `json:"id"`
	Level     AlertLevel        `json:"level"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Provider  string            `json:"provider,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ProviderMetrics holds running counters. AvgLatencyMs is an online mean over
// every recorded operation.
type ProviderMetrics struct {
	Requests            int64      `json:"requests"`
	Successes           int64      `json:"successes"`
	Failures            int64      `json:"failures"`
	AvgLatencyMs        float64    `json:"avg_latency_ms"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

func (m ProviderMetrics) FailureRate() float64 {
	if m.Requests == 0 {
		return 0
	}
	return float64(m.Failures) / float64(m.Requests)
}

type MetricsReport struct {
	GeneratedAt   time.Time                  `json:"generated_at"`
	Global        ProviderMetrics            `json:"global"`
	Providers     map[string]ProviderMetrics `json:"providers"`
	Enqueue       ProviderMetrics            `json:"enqueue"`
	SuccessRate   float64                    `json:"success_rate"`
	AlertsByLevel map[AlertLevel]int         `json:"alerts_by_level"`
	MetricsSince  time.Time                  `json:"metrics_since"`
}

type SystemHealthSummary struct {
	Overall             HealthStatus           `json:"overall"`
	Providers           map[string]HealthCheck `json:"providers"`
	OutstandingCritical int                    `json:"outstanding_critical"`
	RecentAlerts        []MonitoringAlert      `json:"recent_alerts"`
	CheckedAt           time.Time              `json:"checked_at"`
}
