// Package health probes the host and the application database. It backs the
// verify_database, restart_services and verify_system recovery steps.
package health

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics contains system metrics collected from the host.
type Metrics struct {
	CPUUsage       float64 `json:"cpu_usage"`
	MemoryUsage    float64 `json:"memory_usage"`
	DiskUsage      float64 `json:"disk_usage"`
	DiskFreeBytes  int64   `json:"disk_free_bytes"`
	DiskTotalBytes int64   `json:"disk_total_bytes"`
	DataDirOK      bool    `json:"data_dir_ok"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
}

// Collector collects system metrics.
type Collector struct {
	startTime time.Time
	dataDir   string
	cpuSample time.Duration
}

// NewCollector creates a collector measuring the filesystem holding dataDir.
func NewCollector(dataDir string) *Collector {
	return &Collector{
		startTime: time.Now(),
		dataDir:   dataDir,
		cpuSample: 200 * time.Millisecond,
	}
}

// Collect gathers all system metrics. Probes that fail leave their fields
// zero.
func (c *Collector) Collect(ctx context.Context) (*Metrics, error) {
	m := &Metrics{
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	cpuPercent, err := cpu.PercentWithContext(ctx, c.cpuSample, false)
	if err == nil && len(cpuPercent) > 0 {
		m.CPUUsage = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		m.MemoryUsage = memStat.UsedPercent
	}

	diskPath := c.dataDir
	if diskPath == "" {
		diskPath = "/"
		if runtime.GOOS == "windows" {
			diskPath = "C:\\"
		}
	}
	diskStat, err := disk.UsageWithContext(ctx, diskPath)
	if err == nil {
		m.DiskUsage = diskStat.UsedPercent
		m.DiskFreeBytes = int64(diskStat.Free)
		m.DiskTotalBytes = int64(diskStat.Total)
	}

	m.DataDirOK = c.dataDirWritable()
	return m, nil
}

// dataDirWritable creates and removes a probe file in the data directory.
func (c *Collector) dataDirWritable() bool {
	if c.dataDir == "" {
		return true
	}
	f, err := os.CreateTemp(c.dataDir, ".health-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	return os.Remove(name) == nil
}
