package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Stats is a point-in-time resource snapshot for a running container.
type Stats struct {
	CPUPercent    float64
	MemoryUsage   uint64
	MemoryLimit   uint64
	MemoryPercent float64
	NetworkRx     uint64
	NetworkTx     uint64
	SampledAt     time.Time
}

// Stats takes a one-shot sample of a container's resource usage.
func (c *Client) Stats(ctx context.Context, containerID string) (Stats, error) {
	if containerID == "" {
		return Stats{}, fmt.Errorf("container id cannot be empty")
	}
	resp, err := c.inner.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Stats{}, fmt.Errorf("container stats: %w", ErrNotFound)
		}
		return Stats{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stats{}, fmt.Errorf("decode container stats: %w", err)
	}
	return computeStats(raw, time.Now().UTC()), nil
}

func computeStats(raw container.StatsResponse, sampledAt time.Time) Stats {
	s := Stats{SampledAt: sampledAt}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	cores := float64(raw.CPUStats.OnlineCPUs)
	if cores == 0 {
		cores = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuDelta > 0 && systemDelta > 0 && cores > 0 {
		s.CPUPercent = cpuDelta / systemDelta * cores * 100
	}

	s.MemoryUsage = raw.MemoryStats.Usage
	s.MemoryLimit = raw.MemoryStats.Limit
	if s.MemoryLimit > 0 {
		s.MemoryPercent = float64(s.MemoryUsage) / float64(s.MemoryLimit) * 100
	}

	for _, iface := range raw.Networks {
		s.NetworkRx += iface.RxBytes
		s.NetworkTx += iface.TxBytes
	}
	return s
}
