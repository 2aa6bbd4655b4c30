// Package metrics provides Prometheus metrics for backups, offsite transfers
// and recovery executions.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "keldris_recovery"

// PrometheusMetrics holds the registered collectors. A nil *PrometheusMetrics
// is valid and records nothing.
type PrometheusMetrics struct {
	BackupCounter       *prometheus.CounterVec
	BackupDuration      *prometheus.HistogramVec
	BackupSizeBytes     *prometheus.GaugeVec
	VerificationCounter *prometheus.CounterVec
	AlertCounter        *prometheus.CounterVec
	OffsiteTransfers    *prometheus.CounterVec
	OffsiteBytes        *prometheus.CounterVec
	ReplicationHealth   *prometheus.GaugeVec
	ExecutionCounter    *prometheus.CounterVec
	ExecutionRTO        *prometheus.HistogramVec
	StepCounter         *prometheus.CounterVec
	TestCounter         *prometheus.CounterVec
	SweepCounter        *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		BackupCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Backups finished, by type and terminal status.",
		}, []string{"type", "status"}),
		BackupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backup_duration_seconds",
			Help:      "Wall-clock duration of backup creation.",
			Buckets:   []float64{1, 5, 30, 60, 300, 600, 1800, 3600, 7200},
		}, []string{"type"}),
		BackupSizeBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_last_size_bytes",
			Help:      "Stored size of the most recent backup per type.",
		}, []string{"type"}),
		VerificationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Backup verifications, by result.",
		}, []string{"result"}),
		AlertCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Backup alerts raised, by type and severity.",
		}, []string{"type", "severity"}),
		OffsiteTransfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offsite_operations_total",
			Help:      "Offsite provider operations, by provider, operation and result.",
		}, []string{"provider", "operation", "result"}),
		OffsiteBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offsite_bytes_total",
			Help:      "Bytes moved to or from offsite providers.",
		}, []string{"provider", "operation"}),
		ReplicationHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replication_backups",
			Help:      "Backups with offsite replicas, by replication health.",
		}, []string{"health"}),
		ExecutionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_executions_total",
			Help:      "Recovery plan executions, by terminal status.",
		}, []string{"status"}),
		ExecutionRTO: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_rto_minutes",
			Help:      "Realized recovery time per execution.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 240, 480},
		}, []string{"priority"}),
		StepCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_steps_total",
			Help:      "Recovery steps, by outcome.",
		}, []string{"outcome"}),
		TestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_tests_total",
			Help:      "Recovery plan rehearsals, by overall status.",
		}, []string{"status"}),
		SweepCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Periodic sweep runs, by job and result.",
		}, []string{"job", "result"}),
	}

	collectors := []prometheus.Collector{
		m.BackupCounter, m.BackupDuration, m.BackupSizeBytes, m.VerificationCounter,
		m.AlertCounter, m.OffsiteTransfers, m.OffsiteBytes, m.ReplicationHealth,
		m.ExecutionCounter, m.ExecutionRTO, m.StepCounter, m.TestCounter, m.SweepCounter,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// RecordBackup counts a finished backup and observes its duration and size.
func (m *PrometheusMetrics) RecordBackup(backupType, status string, seconds float64, sizeBytes int64) {
	if m == nil {
		return
	}
	m.BackupCounter.WithLabelValues(backupType, status).Inc()
	m.BackupDuration.WithLabelValues(backupType).Observe(seconds)
	if sizeBytes > 0 {
		m.BackupSizeBytes.WithLabelValues(backupType).Set(float64(sizeBytes))
	}
}

// RecordVerification counts a verification result.
func (m *PrometheusMetrics) RecordVerification(valid bool) {
	if m == nil {
		return
	}
	m.VerificationCounter.WithLabelValues(resultLabel(valid)).Inc()
}

// RecordAlert counts a raised alert.
func (m *PrometheusMetrics) RecordAlert(alertType, severity string) {
	if m == nil {
		return
	}
	m.AlertCounter.WithLabelValues(alertType, severity).Inc()
}

// RecordOffsite counts a provider operation and the bytes it moved.
func (m *PrometheusMetrics) RecordOffsite(provider, operation string, ok bool, bytes int64) {
	if m == nil {
		return
	}
	m.OffsiteTransfers.WithLabelValues(provider, operation, resultLabel(ok)).Inc()
	if ok && bytes > 0 {
		m.OffsiteBytes.WithLabelValues(provider, operation).Add(float64(bytes))
	}
}

// SetReplicationHealth replaces the per-health backup counts.
func (m *PrometheusMetrics) SetReplicationHealth(counts map[string]int) {
	if m == nil {
		return
	}
	m.ReplicationHealth.Reset()
	for health, n := range counts {
		m.ReplicationHealth.WithLabelValues(health).Set(float64(n))
	}
}

// RecordExecution counts a finished execution and observes its RTO.
func (m *PrometheusMetrics) RecordExecution(status, priority string, rtoMinutes float64) {
	if m == nil {
		return
	}
	m.ExecutionCounter.WithLabelValues(status).Inc()
	m.ExecutionRTO.WithLabelValues(priority).Observe(rtoMinutes)
}

// RecordStep counts a step outcome (completed, failed, skipped).
func (m *PrometheusMetrics) RecordStep(outcome string) {
	if m == nil {
		return
	}
	m.StepCounter.WithLabelValues(outcome).Inc()
}

// RecordTest counts a rehearsal result.
func (m *PrometheusMetrics) RecordTest(status string) {
	if m == nil {
		return
	}
	m.TestCounter.WithLabelValues(status).Inc()
}

// RecordSweep counts a sweep run.
func (m *PrometheusMetrics) RecordSweep(job string, ok bool) {
	if m == nil {
		return
	}
	m.SweepCounter.WithLabelValues(job, resultLabel(ok)).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
