// Package health samples host resource usage and publishes it to shared
// state, so the API and any bus subscriber see the same service-health
// view.
package health

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/state"
)

// Snapshot is one host health sample. Percentages are 0–100.
type Snapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	DiskPercent   float64 `json:"disk_percent"`
	DiskFreeGB    uint64  `json:"disk_free_gb"`
	Goroutines    int     `json:"goroutines"`
}

// Monitor samples the host and writes snapshots under "service:health".
type Monitor struct {
	store    *state.Store
	diskPath string
	logger   *zap.Logger
}

// NewMonitor creates a Monitor sampling disk usage at diskPath ("/" when
// empty).
func NewMonitor(store *state.Store, diskPath string, logger *zap.Logger) *Monitor {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Monitor{
		store:    store,
		diskPath: diskPath,
		logger:   logger.Named("health"),
	}
}

// Sample takes one snapshot. Individual probe failures are logged and
// leave the field zero rather than failing the whole sample.
func (m *Monitor) Sample(ctx context.Context) Snapshot {
	snap := Snapshot{Goroutines: runtime.NumGoroutine()}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		m.logger.Warn("cpu sample failed", zap.Error(err))
	} else if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		m.logger.Warn("memory sample failed", zap.Error(err))
	} else {
		snap.MemoryPercent = vm.UsedPercent
		snap.MemoryUsedMB = vm.Used / (1 << 20)
	}

	if du, err := disk.UsageWithContext(ctx, m.diskPath); err != nil {
		m.logger.Warn("disk sample failed", zap.Error(err))
	} else {
		snap.DiskPercent = du.UsedPercent
		snap.DiskFreeGB = du.Free / (1 << 30)
	}

	return snap
}

// Publish samples the host and stores the snapshot under
// "service:health", which also emits the health-changed event. Wired as a
// periodic background job.
func (m *Monitor) Publish(ctx context.Context) {
	m.store.Set("service:health", m.Sample(ctx), "")
}
