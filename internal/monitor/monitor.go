// Package monitor observes adapter calls, raises threshold alerts and probes
// providers on a fixed interval.
package monitor

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/calrelay/internal/config"
	"github.com/shohag/calrelay/internal/models"
	"github.com/shohag/calrelay/internal/provider"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
)

const (
	recentAlertCount = 10
	probeConcurrency = 4
)

// Providers is the set of adapters the monitor probes.
type Providers interface {
	Get(name string) (provider.Adapter, error)
	Names() []string
}

type Monitor struct {
	providers Providers
	notifier  Notifier
	metrics   *Metrics
	log       zerolog.Logger
	now       func() time.Time

	mu               sync.Mutex
	thresholds       Thresholds
	healthyThreshold time.Duration
	probeTimeout     time.Duration
	interval         time.Duration
	retention        int
	maxAge           time.Duration
	global           models.ProviderMetrics
	perProvider      map[string]*models.ProviderMetrics
	enqueue          models.ProviderMetrics
	active           map[string]map[Condition]bool
	alerts           []models.MonitoringAlert
	health           map[string]models.HealthCheck
	since            time.Time
	acknowledgedAt   time.Time

	notifications conc.WaitGroup
	loop          sync.WaitGroup
	stop          chan struct{}
	stopOnce      sync.Once
}

func New(cfg config.MonitorConfig, providers Providers, notifier Notifier, metrics *Metrics, log zerolog.Logger) *Monitor {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	m := &Monitor{
		providers:   providers,
		notifier:    notifier,
		metrics:     metrics,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		perProvider: make(map[string]*models.ProviderMetrics),
		active:      make(map[string]map[Condition]bool),
		health:      make(map[string]models.HealthCheck),
		stop:        make(chan struct{}),
	}
	m.since = m.now()
	m.applyConfig(cfg)
	return m
}

func (m *Monitor) Metrics() *Metrics { return m.metrics }

// SetThresholds swaps the alert settings while the monitor runs.
func (m *Monitor) SetThresholds(cfg config.MonitorConfig) {
	m.mu.Lock()
	m.applyConfig(cfg)
	m.mu.Unlock()
	m.log.Info().Msg("monitor thresholds updated")
}

func (m *Monitor) applyConfig(cfg config.MonitorConfig) {
	m.thresholds = ThresholdsFromConfig(cfg.Thresholds)
	m.healthyThreshold = orDefault(cfg.HealthyThreshold, 5*time.Second)
	m.probeTimeout = orDefault(cfg.ProbeTimeout, 30*time.Second)
	m.interval = orDefault(cfg.HealthCheckInterval, 5*time.Minute)
	m.retention = cfg.AlertRetention
	if m.retention <= 0 {
		m.retention = 100
	}
	m.maxAge = orDefault(cfg.AlertMaxAge, 7*24*time.Hour)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// RecordOperation folds one adapter call into the counters and raises any
// alert whose condition has just become true.
func (m *Monitor) RecordOperation(providerName, operation string, success bool, duration time.Duration, errMsg string) {
	m.metrics.observeOperation(providerName, operation, success, duration)

	m.mu.Lock()
	now := m.now()
	fold(&m.global, success, duration, errMsg, now)
	pm, ok := m.perProvider[providerName]
	if !ok {
		pm = &models.ProviderMetrics{}
		m.perProvider[providerName] = pm
	}
	fold(pm, success, duration, errMsg, now)
	raised := m.evaluateLocked(providerName, *pm, now)
	m.mu.Unlock()

	m.dispatch(raised)
}

// RecordEnqueue counts a job hand-off to the queue. Enqueue counters are kept
// apart from provider traffic but alert on the same thresholds.
func (m *Monitor) RecordEnqueue(kind string, success bool, duration time.Duration, errMsg string) {
	m.metrics.observeEnqueue(kind, success)

	m.mu.Lock()
	now := m.now()
	fold(&m.enqueue, success, duration, errMsg, now)
	raised := m.evaluateLocked("queue", m.enqueue, now)
	m.mu.Unlock()

	m.dispatch(raised)
}

func fold(pm *models.ProviderMetrics, success bool, d time.Duration, errMsg string, now time.Time) {
	pm.Requests++
	ms := float64(d.Microseconds()) / 1000
	pm.AvgLatencyMs += (ms - pm.AvgLatencyMs) / float64(pm.Requests)
	if success {
		pm.Successes++
		pm.ConsecutiveFailures = 0
		return
	}
	pm.Failures++
	pm.ConsecutiveFailures++
	t := now
	pm.LastFailureAt = &t
	pm.LastError = errMsg
}

// evaluateLocked raises alerts for conditions that were not already active
// and re-arms those that no longer hold. Caller holds m.mu.
func (m *Monitor) evaluateLocked(name string, pm models.ProviderMetrics, now time.Time) []models.MonitoringAlert {
	firing := Evaluate(name, pm, m.thresholds)
	active := m.active[name]
	if active == nil {
		active = make(map[Condition]bool)
		m.active[name] = active
	}

	holding := make(map[Condition]bool, len(firing))
	var raised []models.MonitoringAlert
	for _, f := range firing {
		holding[f.Condition] = true
		if active[f.Condition] {
			continue
		}
		active[f.Condition] = true
		raised = append(raised, m.appendAlertLocked(f, name, now, map[string]string{
			"condition":    string(f.Condition),
			"requests":     itoa(pm.Requests),
			"failures":     itoa(pm.Failures),
			"failure_rate": ftoa(pm.FailureRate()),
		}))
	}
	for c := range active {
		if c != CondUnhealthy && !holding[c] {
			delete(active, c)
		}
	}
	return raised
}

func (m *Monitor) appendAlertLocked(f Firing, providerName string, now time.Time, meta map[string]string) models.MonitoringAlert {
	alert := models.MonitoringAlert{
		ID:        models.NewID("alt"),
		Level:     f.Level,
		Title:     f.Title,
		Message:   f.Message,
		Timestamp: now,
		Provider:  providerName,
		Metadata:  meta,
	}
	m.alerts = append(m.alerts, alert)
	m.pruneLocked(now)
	return alert
}

// pruneLocked drops alerts older than maxAge, then the oldest beyond retention.
func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.maxAge)
	i := 0
	for i < len(m.alerts) && m.alerts[i].Timestamp.Before(cutoff) {
		i++
	}
	if over := len(m.alerts) - i - m.retention; over > 0 {
		i += over
	}
	if i > 0 {
		m.alerts = append([]models.MonitoringAlert(nil), m.alerts[i:]...)
	}
}

// dispatch logs raised alerts and hands them to the notifier off the caller's path.
func (m *Monitor) dispatch(alerts []models.MonitoringAlert) {
	for _, a := range alerts {
		m.metrics.observeAlert(a.Level)
		m.logAlert(a)

		alert := a
		m.notifications.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := m.notifier.Notify(ctx, alert); err != nil {
				m.log.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to deliver alert notification")
			}
		})
	}
}

func (m *Monitor) logAlert(a models.MonitoringAlert) {
	var ev *zerolog.Event
	switch a.Level {
	case models.AlertCritical, models.AlertError:
		ev = m.log.Error()
	case models.AlertWarning:
		ev = m.log.Warn()
	default:
		ev = m.log.Info()
	}
	ev.Str("alert_id", a.ID).
		Str("level", string(a.Level)).
		Str("provider", a.Provider).
		Str("title", a.Title).
		Msg(a.Message)
}

// PerformHealthCheck probes one provider with TestConnection and stores the result.
func (m *Monitor) PerformHealthCheck(ctx context.Context, name string) models.HealthCheck {
	m.mu.Lock()
	timeout, healthyThreshold := m.probeTimeout, m.healthyThreshold
	m.mu.Unlock()

	check := models.HealthCheck{Provider: name}
	adapter, err := m.providers.Get(name)
	if err != nil {
		check.Status = models.HealthUnhealthy
		check.Error = err.Error()
	} else {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		res := adapter.TestConnection(probeCtx)
		elapsed := time.Since(start)
		cancel()

		ms := elapsed.Milliseconds()
		check.ResponseTimeMs = &ms
		switch {
		case !res.Success:
			check.Status = models.HealthUnhealthy
			check.Error = res.ErrorMessage
			if check.Error == "" {
				check.Error = string(res.ErrorCode)
			}
		case elapsed < healthyThreshold:
			check.Status = models.HealthHealthy
		default:
			check.Status = models.HealthDegraded
		}
	}

	m.mu.Lock()
	now := m.now()
	check.LastChecked = now
	m.health[name] = check
	var raised []models.MonitoringAlert
	active := m.active[name]
	if active == nil {
		active = make(map[Condition]bool)
		m.active[name] = active
	}
	if check.Status == models.HealthUnhealthy {
		if !active[CondUnhealthy] {
			active[CondUnhealthy] = true
			raised = append(raised, m.appendAlertLocked(Firing{
				Condition: CondUnhealthy,
				Level:     models.AlertError,
				Title:     "Provider Unhealthy",
				Message:   name + " health check failed: " + check.Error,
			}, name, now, map[string]string{"condition": string(CondUnhealthy)}))
		}
	} else {
		delete(active, CondUnhealthy)
	}
	m.mu.Unlock()

	m.metrics.observeHealth(name, check.Status)
	m.log.Debug().Str("provider", name).Str("status", string(check.Status)).Msg("health check finished")
	m.dispatch(raised)
	return check
}

// CheckAll probes every registered provider concurrently.
func (m *Monitor) CheckAll(ctx context.Context) map[string]models.HealthCheck {
	names := m.providers.Names()
	results := make([]models.HealthCheck, len(names))

	p := pool.New().WithMaxGoroutines(probeConcurrency)
	for i, name := range names {
		i, name := i, name
		p.Go(func() {
			results[i] = m.PerformHealthCheck(ctx, name)
		})
	}
	p.Wait()

	out := make(map[string]models.HealthCheck, len(results))
	for _, c := range results {
		out[c.Provider] = c
	}
	return out
}

// Start probes every provider now and then on each health check interval.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	interval := m.interval
	m.mu.Unlock()

	m.log.Info().Dur("interval", interval).Msg("starting provider health checks")
	m.loop.Add(1)
	go func() {
		defer m.loop.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.CheckAll(ctx)
		for {
			select {
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckAll(ctx)
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.loop.Wait()
		m.notifications.Wait()
		m.log.Info().Msg("monitor stopped")
	})
}

func (m *Monitor) MetricsReport() models.MetricsReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := models.MetricsReport{
		GeneratedAt:   m.now(),
		Global:        m.global,
		Providers:     make(map[string]models.ProviderMetrics, len(m.perProvider)),
		Enqueue:       m.enqueue,
		AlertsByLevel: make(map[models.AlertLevel]int),
		MetricsSince:  m.since,
	}
	for name, pm := range m.perProvider {
		report.Providers[name] = *pm
	}
	if m.global.Requests > 0 {
		report.SuccessRate = float64(m.global.Successes) / float64(m.global.Requests)
	}
	for _, a := range m.alerts {
		report.AlertsByLevel[a.Level]++
	}
	return report
}

// SystemHealth is unhealthy when a provider is unhealthy or a critical alert
// is outstanding, degraded when a provider is degraded, and healthy otherwise.
func (m *Monitor) SystemHealth() models.SystemHealthSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := models.SystemHealthSummary{
		Overall:      models.HealthHealthy,
		Providers:    make(map[string]models.HealthCheck, len(m.health)),
		RecentAlerts: m.recentLocked(recentAlertCount),
		CheckedAt:    m.now(),
	}
	degraded, unhealthy := false, false
	for name, c := range m.health {
		summary.Providers[name] = c
		switch c.Status {
		case models.HealthUnhealthy:
			unhealthy = true
		case models.HealthDegraded:
			degraded = true
		}
	}
	for _, a := range m.alerts {
		if a.Level == models.AlertCritical && a.Timestamp.After(m.acknowledgedAt) {
			summary.OutstandingCritical++
		}
	}

	switch {
	case unhealthy || summary.OutstandingCritical > 0:
		summary.Overall = models.HealthUnhealthy
	case degraded:
		summary.Overall = models.HealthDegraded
	}
	return summary
}

// Alerts returns up to limit alerts, newest first. limit <= 0 returns all.
func (m *Monitor) Alerts(limit int) []models.MonitoringAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.now())
	return m.recentLocked(limit)
}

func (m *Monitor) recentLocked(limit int) []models.MonitoringAlert {
	n := len(m.alerts)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.MonitoringAlert, 0, n)
	for i := len(m.alerts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.alerts[i])
	}
	return out
}

// ResetMetrics clears every counter. Alerts and health results are kept.
func (m *Monitor) ResetMetrics() {
	m.mu.Lock()
	m.global = models.ProviderMetrics{}
	m.enqueue = models.ProviderMetrics{}
	m.perProvider = make(map[string]*models.ProviderMetrics)
	for name, active := range m.active {
		unhealthy := active[CondUnhealthy]
		m.active[name] = map[Condition]bool{}
		if unhealthy {
			m.active[name][CondUnhealthy] = true
		}
	}
	m.since = m.now()
	m.mu.Unlock()
	m.log.Info().Msg("monitor metrics reset")
}

// AcknowledgeAlerts marks every critical alert raised so far as handled.
func (m *Monitor) AcknowledgeAlerts() {
	m.mu.Lock()
	m.acknowledgedAt = m.now()
	m.mu.Unlock()
	m.log.Info().Msg("alerts acknowledged")
}

// HealthChecks returns the latest probe per provider, sorted by name.
func (m *Monitor) HealthChecks() []models.HealthCheck {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.HealthCheck, 0, len(m.health))
	for _, c := range m.health {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', 3, 64) }
