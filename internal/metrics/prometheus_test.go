package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheus_BackupCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	t.Run("counts by type and status", func(t *testing.T) {
		m.RecordBackup("database", "verified", 2.5, 1024)
		m.RecordBackup("database", "verified", 1.5, 2048)
		m.RecordBackup("database", "failed", 0.1, 0)

		if v := testutil.ToFloat64(m.BackupCounter.WithLabelValues("database", "verified")); v != 2 {
			t.Errorf("expected 2 verified, got %f", v)
		}
		if v := testutil.ToFloat64(m.BackupCounter.WithLabelValues("database", "failed")); v != 1 {
			t.Errorf("expected 1 failed, got %f", v)
		}
	})

	t.Run("keeps last size and ignores zero", func(t *testing.T) {
		if v := testutil.ToFloat64(m.BackupSizeBytes.WithLabelValues("database")); v != 2048 {
			t.Errorf("expected last size 2048, got %f", v)
		}
	})

	t.Run("observes duration", func(t *testing.T) {
		count, sum := getHistogramValues(t, m.BackupDuration, "database")
		if count != 3 {
			t.Errorf("expected count 3, got %d", count)
		}
		if sum < 4.09 || sum > 4.11 {
			t.Errorf("expected sum 4.1, got %f", sum)
		}
	})
}

func TestPrometheus_Offsite(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordOffsite("s3", "upload", true, 500)
	m.RecordOffsite("s3", "upload", false, 500)

	if v := testutil.ToFloat64(m.OffsiteTransfers.WithLabelValues("s3", "upload", "success")); v != 1 {
		t.Errorf("expected 1 success, got %f", v)
	}
	if v := testutil.ToFloat64(m.OffsiteBytes.WithLabelValues("s3", "upload")); v != 500 {
		t.Errorf("failed transfers must not count bytes, got %f", v)
	}
}

func TestPrometheus_ReplicationHealthReset(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.SetReplicationHealth(map[string]int{"healthy": 3, "degraded": 1})
	m.SetReplicationHealth(map[string]int{"healthy": 4})

	if n := testutil.CollectAndCount(m.ReplicationHealth); n != 1 {
		t.Errorf("expected stale health labels to be dropped, got %d series", n)
	}
}

func TestPrometheus_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	m.RecordExecution("completed", "critical", 12)
	m.RecordSweep("backup_health", true)

	expected := `
# HELP keldris_recovery_recovery_executions_total Recovery plan executions, by terminal status.
# TYPE keldris_recovery_recovery_executions_total counter
keldris_recovery_recovery_executions_total{status="completed"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "keldris_recovery_recovery_executions_total"); err != nil {
		t.Error(err)
	}

	if _, err := NewPrometheusMetrics(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestPrometheus_NilSafe(t *testing.T) {
	var m *PrometheusMetrics
	m.RecordBackup("files", "completed", 1, 1)
	m.RecordVerification(true)
	m.RecordAlert("storage_full", "warning")
	m.RecordOffsite("sftp", "download", true, 1)
	m.SetReplicationHealth(nil)
	m.RecordExecution("failed", "low", 1)
	m.RecordStep("completed")
	m.RecordTest("passed")
	m.RecordSweep("cleanup", false)
}

func getHistogramValues(t *testing.T, hist *prometheus.HistogramVec, label string) (uint64, float64) {
	t.Helper()
	observer := hist.WithLabelValues(label)
	var m dto.Metric
	if err := observer.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}
