package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// PublishSelfHealth samples host-wide CPU and memory every interval and
// pushes them into c as gauges, so an operator correlating an availability
// burst with host load doesn't need a separate agent. Runs until ctx is
// canceled.
func PublishSelfHealth(ctx context.Context, c Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sampleSelfHealth(ctx, c)
		}
	}
}

func sampleSelfHealth(ctx context.Context, c Collector) {
	sampleCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if pct, err := cpu.PercentWithContext(sampleCtx, 0, false); err == nil && len(pct) > 0 {
		c.SetGauge("replicore_host_cpu_percent", nil, pct[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(sampleCtx); err == nil {
		c.SetGauge("replicore_host_memory_used_bytes", nil, float64(vm.Used))
	}
}
