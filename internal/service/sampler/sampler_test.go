package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/Donniedarko45/RenderLite/internal/docker"
	"github.com/Donniedarko45/RenderLite/internal/domain"
	"github.com/Donniedarko45/RenderLite/internal/repository"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type stubTopics struct {
	topics []string
}

func (s stubTopics) Topics(prefix string) []string {
	var out []string
	for _, t := range s.topics {
		if strings.HasPrefix(t, prefix) {
			out = append(out, t)
		}
	}
	return out
}

type runtimeState struct {
	id          string
	status      string
	containerID *string
}

type stubServiceRepo struct {
	services      map[string]*domain.Service
	runtimeStates []runtimeState
}

func (r *stubServiceRepo) CreateService(ctx context.Context, svc *domain.Service) error { return nil }

func (r *stubServiceRepo) GetServiceByID(ctx context.Context, id string) (*domain.Service, error) {
	svc, ok := r.services[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return svc, nil
}

func (r *stubServiceRepo) ListServices(ctx context.Context, projectID string) ([]domain.Service, error) {
	return nil, nil
}

func (r *stubServiceRepo) UpdateServiceStatus(ctx context.Context, id, status string) error {
	return nil
}

func (r *stubServiceRepo) UpdateServiceRuntimeState(ctx context.Context, id, status string, containerID *string) error {
	r.runtimeStates = append(r.runtimeStates, runtimeState{id: id, status: status, containerID: containerID})
	return nil
}

func (r *stubServiceRepo) UpdateServiceRuntime(ctx context.Context, id, runtime string) error {
	return nil
}

func (r *stubServiceRepo) MergeServiceEnvVars(ctx context.Context, id string, envVars map[string]string) error {
	return nil
}

func (r *stubServiceRepo) ListServicesWithContainers(ctx context.Context) ([]domain.Service, error) {
	return nil, nil
}

func (r *stubServiceRepo) ListFailedServicesBefore(ctx context.Context, cutoff time.Time) ([]domain.Service, error) {
	return nil, nil
}

type stubEngine struct {
	stats   docker.Stats
	err     error
	sampled []string
}

func (e *stubEngine) Stats(ctx context.Context, containerID string) (docker.Stats, error) {
	e.sampled = append(e.sampled, containerID)
	if e.err != nil {
		return docker.Stats{}, e.err
	}
	return e.stats, nil
}

type publishedEvent struct {
	topic   string
	event   string
	payload any
}

type stubPublisher struct {
	events []publishedEvent
}

func (p *stubPublisher) Publish(ctx context.Context, topic, event string, payload any) error {
	p.events = append(p.events, publishedEvent{topic: topic, event: event, payload: payload})
	return nil
}

type samplerFixture struct {
	sampler  *Sampler
	services *stubServiceRepo
	engine   *stubEngine
	events   *stubPublisher
	topics   *stubTopics
}

func newSamplerFixture(t *testing.T, topics ...string) *samplerFixture {
	t.Helper()
	f := &samplerFixture{
		services: &stubServiceRepo{services: map[string]*domain.Service{}},
		engine:   &stubEngine{},
		events:   &stubPublisher{},
		topics:   &stubTopics{topics: topics},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.sampler = New(f.topics, f.services, f.engine, f.events, time.Second, logger)
	f.sampler.now = func() time.Time { return testTime }
	return f
}

func (f *samplerFixture) addService(t *testing.T, id string, containerID *string) *domain.Service {
	t.Helper()
	svc := &domain.Service{ID: id, Status: domain.ServiceStatusRunning, ContainerID: containerID}
	f.services.services[id] = svc
	return svc
}

func TestSweepPublishesMetricsForWatchedService(t *testing.T) {
	f := newSamplerFixture(t, "service:svc-1")
	container := "ctr-1"
	f.addService(t, "svc-1", &container)
	f.engine.stats = docker.Stats{
		CPUPercent:    12.3456,
		MemoryUsage:   64 << 20,
		MemoryLimit:   512 << 20,
		MemoryPercent: 12.5,
		NetworkRx:     1024,
		NetworkTx:     2048,
		SampledAt:     testTime,
	}

	f.sampler.sweep(context.Background())

	if len(f.engine.sampled) != 1 || f.engine.sampled[0] != "ctr-1" {
		t.Fatalf("sampled = %v", f.engine.sampled)
	}
	if len(f.events.events) != 1 {
		t.Fatalf("events = %+v", f.events.events)
	}
	ev := f.events.events[0]
	if ev.topic != "service:svc-1" || ev.event != domain.EventServiceMetrics {
		t.Fatalf("event = %s on %s", ev.event, ev.topic)
	}
	payload, ok := ev.payload.(domain.ServiceMetricsEvent)
	if !ok {
		t.Fatalf("payload = %T", ev.payload)
	}
	if payload.Metrics.CPUPercent != 12.35 {
		t.Fatalf("cpu = %v, want 12.35", payload.Metrics.CPUPercent)
	}
	if payload.Metrics.MemoryUsage != 64<<20 || payload.Metrics.NetworkTx != 2048 {
		t.Fatalf("metrics = %+v", payload.Metrics)
	}
}

func TestSweepSkipsServiceWithoutContainer(t *testing.T) {
	f := newSamplerFixture(t, "service:svc-1", "service:")
	f.addService(t, "svc-1", nil)

	f.sampler.sweep(context.Background())

	if len(f.engine.sampled) != 0 {
		t.Fatalf("sampled = %v, want none", f.engine.sampled)
	}
	if len(f.events.events) != 0 {
		t.Fatalf("events = %+v, want none", f.events.events)
	}
}

func TestSweepMarksServiceStoppedWhenContainerGone(t *testing.T) {
	f := newSamplerFixture(t, "service:svc-1")
	container := "ctr-1"
	f.addService(t, "svc-1", &container)
	f.engine.err = fmt.Errorf("container stats: %w", docker.ErrNotFound)

	f.sampler.sweep(context.Background())

	if len(f.services.runtimeStates) != 1 {
		t.Fatalf("runtime states = %+v", f.services.runtimeStates)
	}
	state := f.services.runtimeStates[0]
	if state.id != "svc-1" || state.status != domain.ServiceStatusStopped || state.containerID != nil {
		t.Fatalf("runtime state = %+v", state)
	}
	if len(f.events.events) != 1 {
		t.Fatalf("events = %+v", f.events.events)
	}
	payload, ok := f.events.events[0].payload.(domain.ServiceStatusEvent)
	if !ok || payload.Status != domain.ServiceStatusStopped {
		t.Fatalf("event payload = %+v", f.events.events[0].payload)
	}
}

func TestSweepToleratesTransientEngineErrors(t *testing.T) {
	f := newSamplerFixture(t, "service:svc-1")
	container := "ctr-1"
	f.addService(t, "svc-1", &container)
	f.engine.err = errors.New("engine unavailable")

	f.sampler.sweep(context.Background())

	if len(f.services.runtimeStates) != 0 {
		t.Fatalf("runtime states = %+v, want untouched", f.services.runtimeStates)
	}
	if len(f.events.events) != 0 {
		t.Fatalf("events = %+v, want none", f.events.events)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newSamplerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		f.sampler.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancelled context")
	}
}
