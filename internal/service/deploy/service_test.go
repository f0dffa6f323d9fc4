package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Donniedarko45/RenderLite/internal/domain"
	"github.com/Donniedarko45/RenderLite/internal/queue"
	"github.com/Donniedarko45/RenderLite/internal/repository"
	"github.com/Donniedarko45/RenderLite/pkg/crypto"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

type statusUpdate struct {
	id     string
	status string
}

type stubServiceRepo struct {
	services      map[string]*domain.Service
	statusUpdates []statusUpdate
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
	r.statusUpdates = append(r.statusUpdates, statusUpdate{id: id, status: status})
	return nil
}

func (r *stubServiceRepo) UpdateServiceRuntimeState(ctx context.Context, id, status string, containerID *string) error {
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

type finishedDeployment struct {
	id     string
	status string
	logs   string
}

type stubDeploymentRepo struct {
	deployments map[string]*domain.Deployment
	created     []*domain.Deployment
	finished    []finishedDeployment
}

func (r *stubDeploymentRepo) CreateDeployment(ctx context.Context, dep *domain.Deployment) error {
	r.created = append(r.created, dep)
	return nil
}

func (r *stubDeploymentRepo) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	dep, ok := r.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *dep
	return &copied, nil
}

func (r *stubDeploymentRepo) ListDeploymentsByService(ctx context.Context, serviceID string, limit, offset int) ([]domain.Deployment, error) {
	return nil, nil
}

func (r *stubDeploymentRepo) MarkDeploymentBuilding(ctx context.Context, id string, startedAt time.Time) error {
	return nil
}

func (r *stubDeploymentRepo) SetDeploymentCommit(ctx context.Context, id, commitSHA string) error {
	return nil
}

func (r *stubDeploymentRepo) SetDeploymentImageTag(ctx context.Context, id, imageTag string) error {
	return nil
}

func (r *stubDeploymentRepo) FinishDeployment(ctx context.Context, id, status, logs string, finishedAt time.Time) error {
	r.finished = append(r.finished, finishedDeployment{id: id, status: status, logs: logs})
	return nil
}

func (r *stubDeploymentRepo) TrimDeployments(ctx context.Context, keep int) (int64, error) {
	return 0, nil
}

type enqueuedJob struct {
	id      string
	payload any
}

type stubQueue struct {
	enqueued   []enqueuedJob
	enqueueErr error
	removed    []string
	removeErr  error
}

func (q *stubQueue) Enqueue(ctx context.Context, id string, payload any) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.enqueued = append(q.enqueued, enqueuedJob{id: id, payload: payload})
	return nil
}

func (q *stubQueue) Remove(ctx context.Context, id string) error {
	if q.removeErr != nil {
		return q.removeErr
	}
	q.removed = append(q.removed, id)
	return nil
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

type deployFixture struct {
	svc       Service
	services  *stubServiceRepo
	deploys   *stubDeploymentRepo
	builds    *stubQueue
	rollbacks *stubQueue
	events    *stubPublisher
	keyring   *crypto.Keyring
}

func newDeployFixture(t *testing.T) *deployFixture {
	t.Helper()
	keyring, err := crypto.NewKeyring(testKey)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	f := &deployFixture{
		services:  &stubServiceRepo{services: map[string]*domain.Service{}},
		deploys:   &stubDeploymentRepo{deployments: map[string]*domain.Deployment{}},
		builds:    &stubQueue{},
		rollbacks: &stubQueue{},
		events:    &stubPublisher{},
		keyring:   keyring,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = New(f.services, f.deploys, f.builds, f.rollbacks, f.events, keyring, logger)
	f.svc.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func (f *deployFixture) addService(t *testing.T, id string) *domain.Service {
	t.Helper()
	token := "encrypted-token"
	svc := &domain.Service{
		ID:        id,
		ProjectID: "proj-1",
		Name:      "blog",
		RepoURL:   "https://github.com/acme/blog",
		Branch:    "main",
		Subdomain: "blog-x7k2p9",
		Status:    domain.ServiceStatusRunning,
		EnvVars:   map[string]string{"DATABASE_URL": "encrypted-dsn"},
		RepoToken: &token,
	}
	f.services.services[id] = svc
	return svc
}

func TestTriggerQueuesDeployment(t *testing.T) {
	f := newDeployFixture(t)
	f.addService(t, "svc-1")

	dep, err := f.svc.Trigger(context.Background(), "svc-1")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if dep.Status != domain.DeploymentStatusQueued {
		t.Fatalf("status = %q, want QUEUED", dep.Status)
	}
	if dep.ServiceID != "svc-1" {
		t.Fatalf("service id = %q", dep.ServiceID)
	}
	if len(f.deploys.created) != 1 {
		t.Fatalf("created %d deployments, want 1", len(f.deploys.created))
	}

	if len(f.builds.enqueued) != 1 {
		t.Fatalf("enqueued %d build jobs, want 1", len(f.builds.enqueued))
	}
	job := f.builds.enqueued[0]
	if job.id != dep.ID {
		t.Fatalf("job id = %q, want deployment id %q", job.id, dep.ID)
	}
	payload, ok := job.payload.(domain.JobPayload)
	if !ok {
		t.Fatalf("payload type %T", job.payload)
	}
	if payload.Kind != domain.JobKindDeploy {
		t.Fatalf("kind = %q", payload.Kind)
	}
	if payload.RepoURL != "https://github.com/acme/blog" || payload.Branch != "main" {
		t.Fatalf("payload repo = %q branch = %q", payload.RepoURL, payload.Branch)
	}
	if payload.Subdomain != "blog-x7k2p9" {
		t.Fatalf("payload subdomain = %q", payload.Subdomain)
	}
	if payload.EnvVars["DATABASE_URL"] != "encrypted-dsn" {
		t.Fatalf("payload env = %v", payload.EnvVars)
	}
	if payload.RepoToken != "encrypted-token" {
		t.Fatalf("payload token = %q", payload.RepoToken)
	}

	if len(f.services.statusUpdates) != 1 || f.services.statusUpdates[0].status != domain.ServiceStatusDeploying {
		t.Fatalf("status updates = %v", f.services.statusUpdates)
	}
	if len(f.events.events) != 0 {
		t.Fatalf("trigger published %d events, want none", len(f.events.events))
	}
}

func TestTriggerUnknownService(t *testing.T) {
	f := newDeployFixture(t)

	_, err := f.svc.Trigger(context.Background(), "missing")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(f.deploys.created) != 0 {
		t.Fatalf("deployment created for missing service")
	}
}

func TestTriggerEnqueueFailureMarksDeploymentFailed(t *testing.T) {
	f := newDeployFixture(t)
	f.addService(t, "svc-1")
	f.builds.enqueueErr = errors.New("connection refused")

	_, err := f.svc.Trigger(context.Background(), "svc-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(f.deploys.finished) != 1 {
		t.Fatalf("finished %d deployments, want 1", len(f.deploys.finished))
	}
	fin := f.deploys.finished[0]
	if fin.status != domain.DeploymentStatusFailed {
		t.Fatalf("finish status = %q", fin.status)
	}
	if fin.logs != "failed to enqueue deployment job" {
		t.Fatalf("finish logs = %q", fin.logs)
	}
	if len(f.services.statusUpdates) != 0 {
		t.Fatalf("service marked deploying despite enqueue failure")
	}
}

func TestTriggerDuplicateJobConflicts(t *testing.T) {
	f := newDeployFixture(t)
	f.addService(t, "svc-1")
	f.builds.enqueueErr = queue.ErrJobExists

	_, err := f.svc.Trigger(context.Background(), "svc-1")
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestRollbackQueuesImageJob(t *testing.T) {
	f := newDeployFixture(t)
	f.addService(t, "svc-1")
	sha := "4f2a91bc00ddeeff00112233445566778899aabb"
	tag := "renderlite-blog-x7k2p9:4f2a91b"
	f.deploys.deployments["dep-old"] = &domain.Deployment{
		ID:        "dep-old",
		ServiceID: "svc-1",
		Status:    domain.DeploymentStatusSuccess,
		CommitSHA: &sha,
		ImageTag:  &tag,
	}

	dep, err := f.svc.Rollback(context.Background(), "dep-old")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if dep.ID == "dep-old" {
		t.Fatal("rollback reused the target deployment row")
	}
	if dep.Status != domain.DeploymentStatusQueued {
		t.Fatalf("status = %q", dep.Status)
	}
	if dep.ImageTag == nil || *dep.ImageTag != tag {
		t.Fatalf("image tag = %v", dep.ImageTag)
	}
	if dep.CommitSHA == nil || *dep.CommitSHA != sha {
		t.Fatalf("commit sha = %v", dep.CommitSHA)
	}

	if len(f.builds.enqueued) != 0 {
		t.Fatal("rollback enqueued on the build queue")
	}
	if len(f.rollbacks.enqueued) != 1 {
		t.Fatalf("enqueued %d rollback jobs, want 1", len(f.rollbacks.enqueued))
	}
	payload := f.rollbacks.enqueued[0].payload.(domain.JobPayload)
	if payload.Kind != domain.JobKindRollback {
		t.Fatalf("kind = %q", payload.Kind)
	}
	if payload.ImageTag != tag || payload.CommitSHA != sha {
		t.Fatalf("payload image = %q sha = %q", payload.ImageTag, payload.CommitSHA)
	}
}

func TestRollbackRequiresRetainedImage(t *testing.T) {
	f := newDeployFixture(t)
	f.addService(t, "svc-1")
	tag := "renderlite-blog-x7k2p9:4f2a91b"
	f.deploys.deployments["dep-failed"] = &domain.Deployment{
		ID:        "dep-failed",
		ServiceID: "svc-1",
		Status:    domain.DeploymentStatusFailed,
		ImageTag:  &tag,
	}
	f.deploys.deployments["dep-no-image"] = &domain.Deployment{
		ID:        "dep-no-image",
		ServiceID: "svc-1",
		Status:    domain.DeploymentStatusSuccess,
	}

	for _, id := range []string{"dep-failed", "dep-no-image"} {
		if _, err := f.svc.Rollback(context.Background(), id); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("Rollback(%s) err = %v, want ErrValidation", id, err)
		}
	}
	if len(f.rollbacks.enqueued) != 0 {
		t.Fatal("invalid target was enqueued")
	}
}

func TestCancelQueuedDeployment(t *testing.T) {
	f := newDeployFixture(t)
	f.addService(t, "svc-1")
	f.deploys.deployments["dep-1"] = &domain.Deployment{
		ID:        "dep-1",
		ServiceID: "svc-1",
		Status:    domain.DeploymentStatusQueued,
	}

	dep, err := f.svc.Cancel(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if dep.Status != domain.DeploymentStatusFailed {
		t.Fatalf("status = %q", dep.Status)
	}
	if dep.Logs != "cancelled by user" {
		t.Fatalf("logs = %q", dep.Logs)
	}
	if dep.FinishedAt == nil {
		t.Fatal("finishedAt not set")
	}

	if len(f.builds.removed) != 1 || f.builds.removed[0] != "dep-1" {
		t.Fatalf("removed = %v", f.builds.removed)
	}
	if len(f.deploys.finished) != 1 || f.deploys.finished[0].status != domain.DeploymentStatusFailed {
		t.Fatalf("finished = %v", f.deploys.finished)
	}
	if len(f.services.statusUpdates) != 1 || f.services.statusUpdates[0].status != domain.ServiceStatusFailed {
		t.Fatalf("status updates = %v", f.services.statusUpdates)
	}

	if len(f.events.events) != 2 {
		t.Fatalf("published %d events, want 2", len(f.events.events))
	}
	first, second := f.events.events[0], f.events.events[1]
	if first.topic != "deployment:dep-1" || first.event != domain.EventDeploymentStatus {
		t.Fatalf("first event = %s %s", first.topic, first.event)
	}
	if second.topic != "service:svc-1" || second.event != domain.EventServiceStatus {
		t.Fatalf("second event = %s %s", second.topic, second.event)
	}
}

func TestCancelAppendsToExistingLogs(t *testing.T) {
	f := newDeployFixture(t)
	f.addService(t, "svc-1")
	f.deploys.deployments["dep-1"] = &domain.Deployment{
		ID:        "dep-1",
		ServiceID: "svc-1",
		Status:    domain.DeploymentStatusQueued,
		Logs:      "queued",
	}

	dep, err := f.svc.Cancel(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if dep.Logs != "queued\ncancelled by user" {
		t.Fatalf("logs = %q", dep.Logs)
	}
}

func TestCancelRejectsStartedDeployment(t *testing.T) {
	f := newDeployFixture(t)
	f.addService(t, "svc-1")
	f.deploys.deployments["dep-building"] = &domain.Deployment{
		ID:        "dep-building",
		ServiceID: "svc-1",
		Status:    domain.DeploymentStatusBuilding,
	}
	f.deploys.deployments["dep-leased"] = &domain.Deployment{
		ID:        "dep-leased",
		ServiceID: "svc-1",
		Status:    domain.DeploymentStatusQueued,
	}

	t.Run("already building", func(t *testing.T) {
		_, err := f.svc.Cancel(context.Background(), "dep-building")
		if !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("err = %v, want ErrInvalidState", err)
		}
		if len(f.builds.removed) != 0 {
			t.Fatal("queue touched for a building deployment")
		}
	})

	t.Run("leased by worker", func(t *testing.T) {
		f.builds.removeErr = queue.ErrJobActive
		_, err := f.svc.Cancel(context.Background(), "dep-leased")
		if !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("err = %v, want ErrInvalidState", err)
		}
		if len(f.deploys.finished) != 0 {
			t.Fatal("leased deployment was finished")
		}
	})
}

func TestCancelChecksRollbackQueue(t *testing.T) {
	f := newDeployFixture(t)
	f.addService(t, "svc-1")
	f.deploys.deployments["dep-1"] = &domain.Deployment{
		ID:        "dep-1",
		ServiceID: "svc-1",
		Status:    domain.DeploymentStatusQueued,
	}
	f.builds.removeErr = queue.ErrJobNotFound

	if _, err := f.svc.Cancel(context.Background(), "dep-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(f.rollbacks.removed) != 1 || f.rollbacks.removed[0] != "dep-1" {
		t.Fatalf("rollback queue removed = %v", f.rollbacks.removed)
	}
}

func TestHandleWebhook(t *testing.T) {
	f := newDeployFixture(t)
	svc := f.addService(t, "svc-1")
	secret := "wh-secret-value"
	encrypted, err := f.keyring.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	svc.WebhookSecret = encrypted

	sign := func(body string) string {
		return "sha256=" + crypto.SignBody(secret, []byte(body))
	}

	t.Run("matching branch triggers", func(t *testing.T) {
		body := `{"ref":"refs/heads/main"}`
		dep, err := f.svc.HandleWebhook(context.Background(), "svc-1", []byte(body), sign(body))
		if err != nil {
			t.Fatalf("HandleWebhook: %v", err)
		}
		if dep == nil {
			t.Fatal("no deployment triggered")
		}
		if len(f.builds.enqueued) != 1 {
			t.Fatalf("enqueued %d jobs, want 1", len(f.builds.enqueued))
		}
	})

	t.Run("other branch is a no-op", func(t *testing.T) {
		before := len(f.builds.enqueued)
		body := `{"ref":"refs/heads/feature"}`
		dep, err := f.svc.HandleWebhook(context.Background(), "svc-1", []byte(body), sign(body))
		if err != nil {
			t.Fatalf("HandleWebhook: %v", err)
		}
		if dep != nil {
			t.Fatal("mismatched branch still triggered")
		}
		if len(f.builds.enqueued) != before {
			t.Fatal("mismatched branch enqueued a job")
		}
	})

	t.Run("bad signature rejected", func(t *testing.T) {
		body := `{"ref":"refs/heads/main"}`
		_, err := f.svc.HandleWebhook(context.Background(), "svc-1", []byte(body), "sha256="+fmt.Sprintf("%064d", 0))
		if !errors.Is(err, ErrBadSignature) {
			t.Fatalf("err = %v, want ErrBadSignature", err)
		}
	})

	t.Run("invalid body rejected", func(t *testing.T) {
		body := `not-json`
		_, err := f.svc.HandleWebhook(context.Background(), "svc-1", []byte(body), sign(body))
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("err = %v, want ErrValidation", err)
		}
	})
}
