// Package reconcile keeps the database and the container runtime from
// drifting apart. A periodic sweep stops-out services whose containers died
// behind our back, reaps exited managed containers, adopts or removes
// containers a crashed worker left behind, trims per-service deployment
// history, and ages out containers left behind by failed deploys.
//
// The sweeps never race an active pipeline: container names are owned
// deterministically by the pipeline, and reconciliation skips services with a
// deploy in flight.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/Donniedarko45/RenderLite/internal/docker"
	"github.com/Donniedarko45/RenderLite/internal/domain"
	"github.com/Donniedarko45/RenderLite/internal/repository"
)

const opTimeout = 30 * time.Second

// Engine is the subset of the docker client the reconciler needs.
type Engine interface {
	IsRunning(ctx context.Context, containerID string) (bool, error)
	Remove(ctx context.Context, ref string) error
	Rename(ctx context.Context, containerID, name string) error
	ReapExited(ctx context.Context) (int, error)
	ListManaged(ctx context.Context) ([]docker.ManagedContainer, error)
}

// Publisher fans events out to realtime subscribers across API replicas.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload any) error
}

// Config tunes sweep cadence and retention. Zero values fall back to the
// defaults below.
type Config struct {
	Interval     time.Duration
	StartupDelay time.Duration
	HistoryKeep  int
	FailedTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.StartupDelay <= 0 {
		c.StartupDelay = 10 * time.Second
	}
	if c.HistoryKeep <= 0 {
		c.HistoryKeep = 10
	}
	if c.FailedTTL <= 0 {
		c.FailedTTL = 24 * time.Hour
	}
	return c
}

// Reconciler runs the periodic drift, trim, and reap sweeps.
type Reconciler struct {
	services repository.ServiceRepository
	deploys  repository.DeploymentRepository
	engine   Engine
	events   Publisher
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(services repository.ServiceRepository, deploys repository.DeploymentRepository, engine Engine, events Publisher, cfg Config, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		services: services,
		deploys:  deploys,
		engine:   engine,
		events:   events,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps once shortly after startup and then on the configured interval
// until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(r.cfg.StartupDelay):
	}
	r.Sweep(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs all passes once. Each pass is idempotent, so a crashed or
// cancelled sweep is simply redone next time.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.sweepDrift(ctx)
	r.sweepOrphans(ctx)
	r.trimHistory(ctx)
	r.reapFailed(ctx)
}

// sweepDrift stops-out services whose recorded container is no longer running
// and removes exited managed containers.
func (r *Reconciler) sweepDrift(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	services, err := r.services.ListServicesWithContainers(opCtx)
	if err != nil {
		r.logger.Error("list services for drift sweep", "error", err)
		return
	}
	for _, svc := range services {
		if svc.ContainerID == nil || *svc.ContainerID == "" {
			continue
		}
		running, err := r.engine.IsRunning(opCtx, *svc.ContainerID)
		if err != nil {
			r.logger.Warn("inspect container for drift sweep", "service_id", svc.ID, "container_id", *svc.ContainerID, "error", err)
			continue
		}
		if running || svc.Status != domain.ServiceStatusRunning {
			continue
		}
		r.logger.Info("runtime drift detected, stopping service", "service_id", svc.ID, "container_id", *svc.ContainerID)
		if err := r.services.UpdateServiceRuntimeState(opCtx, svc.ID, domain.ServiceStatusStopped, nil); err != nil {
			r.logger.Error("mark drifted service stopped", "service_id", svc.ID, "error", err)
			continue
		}
		event := domain.ServiceStatusEvent{
			ServiceID: svc.ID,
			Status:    domain.ServiceStatusStopped,
			Timestamp: r.now(),
		}
		if err := r.events.Publish(opCtx, domain.ServiceTopic(svc.ID), domain.EventServiceStatus, event); err != nil {
			r.logger.Warn("publish service status", "service_id", svc.ID, "error", err)
		}
	}

	removed, err := r.engine.ReapExited(opCtx)
	if err != nil {
		r.logger.Warn("reap exited containers", "error", err)
		return
	}
	if removed > 0 {
		r.logger.Info("reaped exited containers", "count", removed)
	}
}

// sweepOrphans settles managed containers that no service row accounts for,
// typically after a worker crash mid-deploy. A container holding a service's
// canonical name is adopted onto the row; stale staging containers and
// containers with no owning service are removed.
func (r *Reconciler) sweepOrphans(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	containers, err := r.engine.ListManaged(opCtx)
	if err != nil {
		r.logger.Warn("list managed containers", "error", err)
		return
	}
	if len(containers) == 0 {
		return
	}
	services, err := r.services.ListServices(opCtx, "")
	if err != nil {
		r.logger.Error("list services for orphan sweep", "error", err)
		return
	}
	owners := make(map[string]domain.Service, len(services))
	for _, svc := range services {
		owners[svc.Subdomain] = svc
	}

	for _, ctr := range containers {
		svc, owned := owners[ctr.Subdomain]
		if !owned {
			if err := r.engine.Remove(opCtx, ctr.ID); err != nil {
				r.logger.Warn("remove unowned container", "container", ctr.Name, "error", err)
				continue
			}
			r.logger.Info("removed unowned container", "container", ctr.Name)
			continue
		}
		// The pipeline owns its service's containers while a deploy runs.
		if svc.Status == domain.ServiceStatusDeploying {
			continue
		}
		switch ctr.Name {
		case docker.StagingName(svc.Subdomain):
			// The service's recorded container can wear the staging name when
			// a swap's rename failed. It is live; reclaim the canonical name
			// rather than remove it.
			if svc.ContainerID != nil && *svc.ContainerID == ctr.ID {
				if err := r.engine.Rename(opCtx, ctr.ID, docker.ContainerName(svc.Subdomain)); err != nil {
					r.logger.Warn("rename recorded staging container", "service_id", svc.ID, "container_id", ctr.ID, "error", err)
					continue
				}
				r.logger.Info("reclaimed canonical container name", "service_id", svc.ID, "container_id", ctr.ID)
				continue
			}
			// A staging container outliving its deploy means the worker died
			// between start and swap.
			if err := r.engine.Remove(opCtx, ctr.ID); err != nil {
				r.logger.Warn("remove stale staging container", "service_id", svc.ID, "container", ctr.Name, "error", err)
				continue
			}
			r.logger.Info("removed stale staging container", "service_id", svc.ID, "container", ctr.Name)
		case docker.ContainerName(svc.Subdomain):
			if svc.ContainerID != nil && *svc.ContainerID == ctr.ID {
				continue
			}
			id := ctr.ID
			if err := r.services.UpdateServiceRuntimeState(opCtx, svc.ID, svc.Status, &id); err != nil {
				r.logger.Error("adopt orphaned container", "service_id", svc.ID, "container_id", ctr.ID, "error", err)
				continue
			}
			r.logger.Info("adopted orphaned container", "service_id", svc.ID, "container_id", ctr.ID)
		}
	}
}

// trimHistory keeps the most recent deployments per service. Image tags stay
// in the runtime; image garbage collection is a separate concern.
func (r *Reconciler) trimHistory(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	deleted, err := r.deploys.TrimDeployments(opCtx, r.cfg.HistoryKeep)
	if err != nil {
		r.logger.Error("trim deployment history", "error", err)
		return
	}
	if deleted > 0 {
		r.logger.Info("trimmed deployment history", "deleted", deleted, "keep", r.cfg.HistoryKeep)
	}
}

// reapFailed removes containers of services that have sat FAILED for longer
// than the configured TTL. The service stays FAILED; only the container goes.
func (r *Reconciler) reapFailed(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cutoff := r.now().Add(-r.cfg.FailedTTL)
	services, err := r.services.ListFailedServicesBefore(opCtx, cutoff)
	if err != nil {
		r.logger.Error("list failed services for reaping", "error", err)
		return
	}
	for _, svc := range services {
		if svc.ContainerID == nil || *svc.ContainerID == "" {
			continue
		}
		if err := r.engine.Remove(opCtx, *svc.ContainerID); err != nil {
			r.logger.Warn("remove failed service container", "service_id", svc.ID, "container_id", *svc.ContainerID, "error", err)
			continue
		}
		if err := r.services.UpdateServiceRuntimeState(opCtx, svc.ID, domain.ServiceStatusFailed, nil); err != nil {
			r.logger.Error("clear reaped service container", "service_id", svc.ID, "error", err)
			continue
		}
		r.logger.Info("reaped failed service container", "service_id", svc.ID, "container_id", *svc.ContainerID)
	}
}
