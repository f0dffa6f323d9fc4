package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Donniedarko45/RenderLite/internal/domain"
	"github.com/Donniedarko45/RenderLite/internal/queue"
	"github.com/Donniedarko45/RenderLite/internal/repository"
	"github.com/Donniedarko45/RenderLite/pkg/crypto"
)

const cancelledLogLine = "cancelled by user"

// ErrBadSignature indicates a webhook body failed HMAC verification.
var ErrBadSignature = errors.New("webhook signature mismatch")

// JobQueue is the queue surface the ingress side needs.
type JobQueue interface {
	Enqueue(ctx context.Context, id string, payload any) error
	Remove(ctx context.Context, id string) error
}

// Publisher sends realtime events.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload any) error
}

// Service accepts deployment actions, records intent in the store, and hands
// the work to the queues. Building and running happen in the worker process.
type Service struct {
	services  repository.ServiceRepository
	deploys   repository.DeploymentRepository
	builds    JobQueue
	rollbacks JobQueue
	events    Publisher
	keyring   *crypto.Keyring
	logger    *slog.Logger
	now       func() time.Time
}

// New returns a deployment ingress service.
func New(services repository.ServiceRepository, deploys repository.DeploymentRepository, builds, rollbacks JobQueue, events Publisher, keyring *crypto.Keyring, logger *slog.Logger) Service {
	return Service{
		services:  services,
		deploys:   deploys,
		builds:    builds,
		rollbacks: rollbacks,
		events:    events,
		keyring:   keyring,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Trigger creates a QUEUED deployment for a service and enqueues its build
// job. The job carries encrypted secrets; only the worker decrypts them.
func (s Service) Trigger(ctx context.Context, serviceID string) (*domain.Deployment, error) {
	svc, err := s.services.GetServiceByID(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	dep := &domain.Deployment{
		ID:        uuid.NewString(),
		ServiceID: svc.ID,
		Status:    domain.DeploymentStatusQueued,
		CreatedAt: s.now(),
	}
	if err := s.deploys.CreateDeployment(ctx, dep); err != nil {
		return nil, err
	}

	payload := domain.JobPayload{
		DeploymentID: dep.ID,
		ServiceID:    svc.ID,
		Kind:         domain.JobKindDeploy,
		Subdomain:    svc.Subdomain,
		RepoURL:      svc.RepoURL,
		Branch:       svc.Branch,
		EnvVars:      svc.EnvVars,
	}
	if svc.RepoToken != nil {
		payload.RepoToken = *svc.RepoToken
	}
	if err := s.enqueue(ctx, s.builds, dep, payload); err != nil {
		return nil, err
	}
	if err := s.services.UpdateServiceStatus(ctx, svc.ID, domain.ServiceStatusDeploying); err != nil {
		s.logger.Error("mark service deploying", "service_id", svc.ID, "error", err)
	}
	s.logger.Info("deployment queued", "deployment_id", dep.ID, "service_id", svc.ID)
	return dep, nil
}

// Rollback re-deploys the image of an earlier successful deployment without
// cloning or building.
func (s Service) Rollback(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	target, err := s.deploys.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if target.Status != domain.DeploymentStatusSuccess || target.ImageTag == nil || *target.ImageTag == "" {
		return nil, fmt.Errorf("%w: only successful deployments with a retained image can be rolled back", domain.ErrValidation)
	}
	svc, err := s.services.GetServiceByID(ctx, target.ServiceID)
	if err != nil {
		return nil, err
	}

	dep := &domain.Deployment{
		ID:        uuid.NewString(),
		ServiceID: svc.ID,
		Status:    domain.DeploymentStatusQueued,
		CommitSHA: target.CommitSHA,
		ImageTag:  target.ImageTag,
		CreatedAt: s.now(),
	}
	if err := s.deploys.CreateDeployment(ctx, dep); err != nil {
		return nil, err
	}

	payload := domain.JobPayload{
		DeploymentID: dep.ID,
		ServiceID:    svc.ID,
		Kind:         domain.JobKindRollback,
		Subdomain:    svc.Subdomain,
		EnvVars:      svc.EnvVars,
		ImageTag:     *target.ImageTag,
	}
	if target.CommitSHA != nil {
		payload.CommitSHA = *target.CommitSHA
	}
	if err := s.enqueue(ctx, s.rollbacks, dep, payload); err != nil {
		return nil, err
	}
	if err := s.services.UpdateServiceStatus(ctx, svc.ID, domain.ServiceStatusDeploying); err != nil {
		s.logger.Error("mark service deploying", "service_id", svc.ID, "error", err)
	}
	s.logger.Info("rollback queued", "deployment_id", dep.ID, "service_id", svc.ID, "image_tag", *target.ImageTag)
	return dep, nil
}

// Cancel aborts a deployment that has not been leased by a worker yet. Jobs
// already building cannot be cancelled.
func (s Service) Cancel(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	dep, err := s.deploys.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if dep.Status != domain.DeploymentStatusQueued {
		return nil, fmt.Errorf("%w: deployment is %s", domain.ErrInvalidState, dep.Status)
	}
	if err := s.removeJob(ctx, dep.ID); err != nil {
		return nil, err
	}

	finishedAt := s.now()
	logs := cancelledLogLine
	if dep.Logs != "" {
		logs = dep.Logs + "\n" + cancelledLogLine
	}
	if err := s.deploys.FinishDeployment(ctx, dep.ID, domain.DeploymentStatusFailed, logs, finishedAt); err != nil {
		return nil, err
	}
	if err := s.services.UpdateServiceStatus(ctx, dep.ServiceID, domain.ServiceStatusFailed); err != nil {
		s.logger.Error("mark service failed", "service_id", dep.ServiceID, "error", err)
	}

	s.emit(ctx, domain.DeploymentTopic(dep.ID), domain.EventDeploymentStatus, domain.DeploymentStatusEvent{
		DeploymentID: dep.ID,
		Status:       domain.DeploymentStatusFailed,
		Timestamp:    finishedAt,
	})
	s.emit(ctx, domain.ServiceTopic(dep.ServiceID), domain.EventServiceStatus, domain.ServiceStatusEvent{
		ServiceID: dep.ServiceID,
		Status:    domain.ServiceStatusFailed,
		Timestamp: finishedAt,
	})

	dep.Status = domain.DeploymentStatusFailed
	dep.Logs = logs
	dep.FinishedAt = &finishedAt
	s.logger.Info("deployment cancelled", "deployment_id", dep.ID)
	return dep, nil
}

// HandleWebhook verifies a git-push notification and triggers a deployment
// when the pushed branch matches the service's branch. A mismatched branch
// is accepted as a no-op.
func (s Service) HandleWebhook(ctx context.Context, serviceID string, body []byte, signature string) (*domain.Deployment, error) {
	svc, err := s.services.GetServiceByID(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	secret, err := s.keyring.Decrypt(svc.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("decrypt webhook secret: %w", err)
	}
	if !crypto.VerifySignature(secret, body, signature) {
		return nil, ErrBadSignature
	}

	var push struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(body, &push); err != nil {
		return nil, fmt.Errorf("%w: webhook body is not valid JSON", domain.ErrValidation)
	}
	branch := strings.TrimPrefix(push.Ref, "refs/heads/")
	if branch == "" || branch != svc.Branch {
		s.logger.Info("webhook ignored", "service_id", serviceID, "ref", push.Ref)
		return nil, nil
	}
	return s.Trigger(ctx, serviceID)
}

// Deployment returns one deployment row, logs included.
func (s Service) Deployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return s.deploys.GetDeploymentByID(ctx, id)
}

// History lists a service's deployments, newest first.
func (s Service) History(ctx context.Context, serviceID string, limit, offset int) ([]domain.Deployment, error) {
	if _, err := s.services.GetServiceByID(ctx, serviceID); err != nil {
		return nil, err
	}
	return s.deploys.ListDeploymentsByService(ctx, serviceID, limit, offset)
}

func (s Service) enqueue(ctx context.Context, q JobQueue, dep *domain.Deployment, payload domain.JobPayload) error {
	err := q.Enqueue(ctx, dep.ID, payload)
	if err == nil {
		return nil
	}
	if errors.Is(err, queue.ErrJobExists) {
		return fmt.Errorf("%w: deployment already enqueued", domain.ErrInvalidState)
	}
	// The row would otherwise sit QUEUED forever with no job behind it.
	finishErr := s.deploys.FinishDeployment(ctx, dep.ID, domain.DeploymentStatusFailed, "failed to enqueue deployment job", s.now())
	if finishErr != nil {
		s.logger.Error("mark unqueued deployment failed", "deployment_id", dep.ID, "error", finishErr)
	}
	return fmt.Errorf("enqueue deployment job: %w", err)
}

func (s Service) removeJob(ctx context.Context, id string) error {
	err := s.builds.Remove(ctx, id)
	if errors.Is(err, queue.ErrJobNotFound) {
		err = s.rollbacks.Remove(ctx, id)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, queue.ErrJobActive) {
		return fmt.Errorf("%w: deployment already started", domain.ErrInvalidState)
	}
	if errors.Is(err, queue.ErrJobNotFound) {
		// No job behind a QUEUED row: tolerate and let the cancel settle it.
		return nil
	}
	return fmt.Errorf("remove queued job: %w", err)
}

func (s Service) emit(ctx context.Context, topic, event string, payload any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, topic, event, payload); err != nil {
		s.logger.Warn("publish event", "topic", topic, "event", event, "error", err)
	}
}
