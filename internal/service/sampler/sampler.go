// Package sampler streams live container resource metrics to realtime
// subscribers. It samples only services somebody is watching: every tick it
// asks the hub which service topics have subscribers and takes a one-shot
// docker stats reading for each.
package sampler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/Donniedarko45/RenderLite/internal/docker"
	"github.com/Donniedarko45/RenderLite/internal/domain"
	"github.com/Donniedarko45/RenderLite/internal/repository"
)

const (
	topicPrefix   = "service:"
	sampleTimeout = 3 * time.Second
)

// Engine is the subset of the docker client the sampler needs.
type Engine interface {
	Stats(ctx context.Context, containerID string) (docker.Stats, error)
}

// TopicLister reports which realtime topics currently have subscribers.
type TopicLister interface {
	Topics(prefix string) []string
}

// Publisher fans events out to realtime subscribers across API replicas.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload any) error
}

// Sampler periodically publishes resource metrics for watched services.
type Sampler struct {
	hub      TopicLister
	services repository.ServiceRepository
	engine   Engine
	events   Publisher
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func New(hub TopicLister, services repository.ServiceRepository, engine Engine, events Publisher, interval time.Duration, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{
		hub:      hub,
		services: services,
		engine:   engine,
		events:   events,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run samples on a fixed interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sampler) sweep(ctx context.Context) {
	for _, topic := range s.hub.Topics(topicPrefix) {
		serviceID := strings.TrimPrefix(topic, topicPrefix)
		if serviceID == "" || serviceID == topic {
			continue
		}
		s.sample(ctx, serviceID)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Sampler) sample(ctx context.Context, serviceID string) {
	opCtx, cancel := context.WithTimeout(ctx, sampleTimeout)
	defer cancel()

	svc, err := s.services.GetServiceByID(opCtx, serviceID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("load service for metrics", "service_id", serviceID, "error", err)
		}
		return
	}
	if svc.ContainerID == nil || *svc.ContainerID == "" {
		return
	}

	stats, err := s.engine.Stats(opCtx, *svc.ContainerID)
	if err != nil {
		if docker.IsNotFound(err) {
			s.markStopped(opCtx, svc)
			return
		}
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("container metrics sample failed", "service_id", serviceID, "container_id", *svc.ContainerID, "error", err)
		}
		return
	}

	event := domain.ServiceMetricsEvent{
		ServiceID: serviceID,
		Metrics: domain.ContainerMetrics{
			CPUPercent:    math.Round(stats.CPUPercent*100) / 100,
			MemoryUsage:   stats.MemoryUsage,
			MemoryLimit:   stats.MemoryLimit,
			MemoryPercent: math.Round(stats.MemoryPercent*100) / 100,
			NetworkRx:     stats.NetworkRx,
			NetworkTx:     stats.NetworkTx,
			Timestamp:     stats.SampledAt,
		},
		Timestamp: s.now(),
	}
	if err := s.events.Publish(opCtx, domain.ServiceTopic(serviceID), domain.EventServiceMetrics, event); err != nil {
		s.logger.Warn("publish service metrics", "service_id", serviceID, "error", err)
	}
}

// markStopped records that a watched container disappeared out from under us.
// The next sweep skips the service because its containerId is cleared.
func (s *Sampler) markStopped(ctx context.Context, svc *domain.Service) {
	s.logger.Info("watched container is gone, marking service stopped", "service_id", svc.ID, "container_id", *svc.ContainerID)
	if err := s.services.UpdateServiceRuntimeState(ctx, svc.ID, domain.ServiceStatusStopped, nil); err != nil {
		s.logger.Error("clear stopped service container", "service_id", svc.ID, "error", err)
		return
	}
	event := domain.ServiceStatusEvent{
		ServiceID: svc.ID,
		Status:    domain.ServiceStatusStopped,
		Timestamp: s.now(),
	}
	if err := s.events.Publish(ctx, domain.ServiceTopic(svc.ID), domain.EventServiceStatus, event); err != nil {
		s.logger.Warn("publish service status", "service_id", svc.ID, "error", err)
	}
}
