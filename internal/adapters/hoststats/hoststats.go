// Package hoststats samples CPU, memory and uptime of the edge device.
package hoststats

import (
	"context"
	"fmt"
	"math"

	"github.com/edgecam/edgecam/internal/core"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

type Probe struct{}

func (Probe) Sample(ctx context.Context) (core.HostHealth, error) {
	var h core.HostHealth

	// Zero interval compares against the previous call instead of sleeping.
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return h, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pct) > 0 {
		h.CPUPercent = round2(pct[0])
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return h, fmt.Errorf("virtual memory: %w", err)
	}
	h.MemoryPercent = round2(vm.UsedPercent)

	up, err := host.UptimeWithContext(ctx)
	if err != nil {
		return h, fmt.Errorf("uptime: %w", err)
	}
	h.UptimeSeconds = up
	return h, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
