package monitor

import (
	"fmt"
	"time"

	"github.com/shohag/calrelay/internal/config"
	"github.com/shohag/calrelay/internal/models"
)

type Thresholds struct {
	MinRequestsWarning  int
	FailureRateWarning  float64
	MinRequestsCritical int
	FailureRateCritical float64
	SlowResponse        time.Duration
	ConsecutiveFailures int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinRequestsWarning:  10,
		FailureRateWarning:  0.30,
		MinRequestsCritical: 5,
		FailureRateCritical: 0.80,
		SlowResponse:        10 * time.Second,
		ConsecutiveFailures: 3,
	}
}

// ThresholdsFromConfig fills unset fields from the defaults.
func ThresholdsFromConfig(c config.ThresholdsConfig) Thresholds {
	t := DefaultThresholds()
	if c.MinRequestsWarning > 0 {
		t.MinRequestsWarning = c.MinRequestsWarning
	}
	if c.FailureRateWarning > 0 {
		t.FailureRateWarning = c.FailureRateWarning
	}
	if c.MinRequestsCritical > 0 {
		t.MinRequestsCritical = c.MinRequestsCritical
	}
	if c.FailureRateCritical > 0 {
		t.FailureRateCritical = c.FailureRateCritical
	}
	if c.SlowResponse > 0 {
		t.SlowResponse = c.SlowResponse
	}
	if c.ConsecutiveFailures > 0 {
		t.ConsecutiveFailures = c.ConsecutiveFailures
	}
	return t
}

type Condition string

const (
	CondHighFailureRate     Condition = "high_failure_rate"
	CondCriticalFailureRate Condition = "critical_failure_rate"
	CondSlowResponses       Condition = "slow_responses"
	CondConsecutiveFailures Condition = "consecutive_failures"
	CondUnhealthy           Condition = "unhealthy"
)

// Firing is one alert condition that holds for a set of counters.
type Firing struct {
	Condition Condition
	Level     models.AlertLevel
	Title     string
	Message   string
}

// Evaluate returns every condition that currently holds for m. It depends on
// nothing but its arguments.
func Evaluate(name string, m models.ProviderMetrics, t Thresholds) []Firing {
	var out []Firing
	rate := m.FailureRate()

	if m.Requests >= int64(t.MinRequestsWarning) && rate > t.FailureRateWarning {
		out = append(out, Firing{
			Condition: CondHighFailureRate,
			Level:     models.AlertWarning,
			Title:     "High Failure Rate",
			Message:   fmt.Sprintf("%s failure rate is %.1f%% over %d requests", name, rate*100, m.Requests),
		})
	}
	if m.Requests >= int64(t.MinRequestsCritical) && rate > t.FailureRateCritical {
		out = append(out, Firing{
			Condition: CondCriticalFailureRate,
			Level:     models.AlertCritical,
			Title:     "Critical Failure Rate",
			Message:   fmt.Sprintf("%s failure rate is %.1f%% over %d requests", name, rate*100, m.Requests),
		})
	}
	if t.SlowResponse > 0 && m.Requests > 0 && m.AvgLatencyMs > float64(t.SlowResponse.Milliseconds()) {
		out = append(out, Firing{
			Condition: CondSlowResponses,
			Level:     models.AlertWarning,
			Title:     "Slow Responses",
			Message:   fmt.Sprintf("%s average response time is %.0fms", name, m.AvgLatencyMs),
		})
	}
	if t.ConsecutiveFailures > 0 && m.ConsecutiveFailures >= t.ConsecutiveFailures {
		out = append(out, Firing{
			Condition: CondConsecutiveFailures,
			Level:     models.AlertError,
			Title:     "Consecutive Failures",
			Message:   fmt.Sprintf("%s failed %d times in a row: %s", name, m.ConsecutiveFailures, m.LastError),
		})
	}
	return out
}

var levelRank = map[models.AlertLevel]int{
	models.AlertInfo:     0,
	models.AlertWarning:  1,
	models.AlertError:    2,
	models.AlertCritical: 3,
}

// AtLeast reports whether level is as severe as floor. Unknown levels rank as info.
func AtLeast(level, floor models.AlertLevel) bool {
	return levelRank[level] >= levelRank[floor]
}
