package strategy

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/namelens/symscan/internal/core"
)

// LoadProbe reports current host load.
type LoadProbe interface {
	Load(ctx context.Context) (core.LoadInfo, error)
}

// LoadProbeFunc adapts a function to LoadProbe.
type LoadProbeFunc func(ctx context.Context) (core.LoadInfo, error)

// Load calls f.
func (f LoadProbeFunc) Load(ctx context.Context) (core.LoadInfo, error) { return f(ctx) }

// HostLoadProbe samples system CPU and memory usage and the resident
// memory of the current process.
type HostLoadProbe struct {
	// Interval is the CPU sampling window.
	Interval time.Duration
}

// NewHostLoadProbe samples CPU over 100ms.
func NewHostLoadProbe() *HostLoadProbe {
	return &HostLoadProbe{Interval: 100 * time.Millisecond}
}

// Load blocks for Interval while sampling CPU. Process memory is best
// effort and left at zero when it cannot be read.
func (p *HostLoadProbe) Load(ctx context.Context) (core.LoadInfo, error) {
	percents, err := cpu.PercentWithContext(ctx, p.Interval, false)
	if err != nil {
		return core.LoadInfo{}, fmt.Errorf("sample cpu: %w", err)
	}
	if len(percents) == 0 {
		return core.LoadInfo{}, fmt.Errorf("sample cpu: no data")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return core.LoadInfo{}, fmt.Errorf("read memory: %w", err)
	}

	info := core.LoadInfo{CPUPercent: percents[0], MemoryPercent: vm.UsedPercent}
	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if rss, err := proc.MemoryInfoWithContext(ctx); err == nil && rss != nil {
			info.ProcessMemoryMB = float64(rss.RSS) / (1 << 20)
		}
	}
	return info, nil
}
