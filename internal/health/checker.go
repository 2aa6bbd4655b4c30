package health

import (
	"fmt"
	"time"
)

// HealthStatus is the verdict of a host evaluation.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
	StatusUnknown  HealthStatus = "unknown"
)

// Thresholds are usage percentages at which the verify_system step warns or
// fails. A zero value disables that level.
type Thresholds struct {
	DiskWarning    float64 `koanf:"disk_warning" validate:"gte=0,lte=100"`
	DiskCritical   float64 `koanf:"disk_critical" validate:"gte=0,lte=100"`
	MemoryWarning  float64 `koanf:"memory_warning" validate:"gte=0,lte=100"`
	MemoryCritical float64 `koanf:"memory_critical" validate:"gte=0,lte=100"`
	CPUWarning     float64 `koanf:"cpu_warning" validate:"gte=0,lte=100"`
	CPUCritical    float64 `koanf:"cpu_critical" validate:"gte=0,lte=100"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DiskWarning:    80,
		DiskCritical:   90,
		MemoryWarning:  85,
		MemoryCritical: 95,
		CPUWarning:     80,
		CPUCritical:    95,
	}
}

// CheckResult is the outcome of EvaluateMetrics.
type CheckResult struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message"`
	Issues    []Issue      `json:"issues,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// Issue is one threshold crossed by one resource.
type Issue struct {
	Component string       `json:"component"`
	Severity  HealthStatus `json:"severity"`
	Message   string       `json:"message"`
	Value     float64      `json:"value,omitempty"`
	Threshold float64      `json:"threshold,omitempty"`
}

func (i Issue) String() string {
	if i.Threshold == 0 {
		return fmt.Sprintf("%s: %s", i.Component, i.Message)
	}
	return fmt.Sprintf("%s: %s (%.1f%% >= %.1f%%)", i.Component, i.Message, i.Value, i.Threshold)
}

// usageProbe reads one percentage out of Metrics and names its limits.
type usageProbe struct {
	component string
	value     func(*Metrics) float64
	warning   float64
	critical  float64
	noun      string
}

// Checker turns host metrics into a CheckResult.
type Checker struct {
	probes []usageProbe
	now    func() time.Time
}

func NewChecker(t Thresholds) *Checker {
	return &Checker{
		probes: []usageProbe{
			{"disk", func(m *Metrics) float64 { return m.DiskUsage }, t.DiskWarning, t.DiskCritical, "Disk space"},
			{"memory", func(m *Metrics) float64 { return m.MemoryUsage }, t.MemoryWarning, t.MemoryCritical, "Memory usage"},
			{"cpu", func(m *Metrics) float64 { return m.CPUUsage }, t.CPUWarning, t.CPUCritical, "CPU usage"},
		},
		now: time.Now,
	}
}

func NewCheckerWithDefaults() *Checker {
	return NewChecker(DefaultThresholds())
}

// EvaluateMetrics checks m against the thresholds. A nil m is unknown, not
// healthy.
func (c *Checker) EvaluateMetrics(m *Metrics) *CheckResult {
	result := &CheckResult{CheckedAt: c.now(), Issues: []Issue{}}
	if m == nil {
		result.Status = StatusUnknown
		result.Message = "No metrics available"
		return result
	}

	for _, p := range c.probes {
		v := p.value(m)
		switch {
		case p.critical > 0 && v >= p.critical:
			result.Issues = append(result.Issues, Issue{p.component, StatusCritical, p.noun + " critical", v, p.critical})
		case p.warning > 0 && v >= p.warning:
			result.Issues = append(result.Issues, Issue{p.component, StatusWarning, p.noun + " high", v, p.warning})
		}
	}
	if !m.DataDirOK {
		result.Issues = append(result.Issues, Issue{
			Component: "data_dir",
			Severity:  StatusCritical,
			Message:   "Data directory is not writable",
		})
	}

	result.Status = determineOverallStatus(result.Issues)
	result.Message = statusMessage(result.Status)
	return result
}

// Blocking returns the critical issues; these fail verify_system.
func (r *CheckResult) Blocking() []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == StatusCritical {
			out = append(out, i)
		}
	}
	return out
}

func determineOverallStatus(issues []Issue) HealthStatus {
	status := StatusHealthy
	for _, issue := range issues {
		switch issue.Severity {
		case StatusCritical:
			return StatusCritical
		case StatusWarning:
			status = StatusWarning
		}
	}
	return status
}

func statusMessage(status HealthStatus) string {
	switch status {
	case StatusHealthy:
		return "All systems operational"
	case StatusWarning:
		return "Some metrics require attention"
	case StatusCritical:
		return "Critical issues detected"
	default:
		return "Health status unknown"
	}
}
