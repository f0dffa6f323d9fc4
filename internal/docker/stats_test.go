package docker

import (
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
)

func testTime() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestComputeStats(t *testing.T) {
	var raw container.StatsResponse
	raw.CPUStats.CPUUsage.TotalUsage = 400_000_000
	raw.CPUStats.SystemUsage = 2_000_000_000
	raw.CPUStats.OnlineCPUs = 4
	raw.PreCPUStats.CPUUsage.TotalUsage = 200_000_000
	raw.PreCPUStats.SystemUsage = 1_000_000_000
	raw.MemoryStats.Usage = 128 * 1024 * 1024
	raw.MemoryStats.Limit = 512 * 1024 * 1024
	raw.Networks = map[string]container.NetworkStats{
		"eth0": {RxBytes: 1000, TxBytes: 500},
		"eth1": {RxBytes: 200, TxBytes: 100},
	}

	s := computeStats(raw, testTime())
	if s.CPUPercent != 80 {
		t.Fatalf("expected cpu percent 80 got %v", s.CPUPercent)
	}
	if s.MemoryUsage != 128*1024*1024 || s.MemoryLimit != 512*1024*1024 {
		t.Fatalf("unexpected memory figures %d/%d", s.MemoryUsage, s.MemoryLimit)
	}
	if s.MemoryPercent != 25 {
		t.Fatalf("expected memory percent 25 got %v", s.MemoryPercent)
	}
	if s.NetworkRx != 1200 || s.NetworkTx != 600 {
		t.Fatalf("unexpected network totals rx=%d tx=%d", s.NetworkRx, s.NetworkTx)
	}
	if !s.SampledAt.Equal(testTime()) {
		t.Fatalf("unexpected sample time %v", s.SampledAt)
	}
}

func TestComputeStatsGuards(t *testing.T) {
	t.Run("zero deltas", func(t *testing.T) {
		var raw container.StatsResponse
		raw.CPUStats.CPUUsage.TotalUsage = 100
		raw.PreCPUStats.CPUUsage.TotalUsage = 100
		s := computeStats(raw, testTime())
		if s.CPUPercent != 0 {
			t.Fatalf("expected zero cpu percent got %v", s.CPUPercent)
		}
	})

	t.Run("percpu fallback", func(t *testing.T) {
		var raw container.StatsResponse
		raw.CPUStats.CPUUsage.TotalUsage = 200
		raw.CPUStats.CPUUsage.PercpuUsage = []uint64{1, 1}
		raw.CPUStats.SystemUsage = 1000
		raw.PreCPUStats.CPUUsage.TotalUsage = 100
		raw.PreCPUStats.SystemUsage = 500
		s := computeStats(raw, testTime())
		if s.CPUPercent != 40 {
			t.Fatalf("expected cpu percent 40 via percpu fallback got %v", s.CPUPercent)
		}
	})

	t.Run("zero memory limit", func(t *testing.T) {
		var raw container.StatsResponse
		raw.MemoryStats.Usage = 100
		s := computeStats(raw, testTime())
		if s.MemoryPercent != 0 {
			t.Fatalf("expected zero memory percent got %v", s.MemoryPercent)
		}
	})
}
