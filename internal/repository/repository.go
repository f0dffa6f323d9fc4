package repository

import (
	"context"
	"time"

	"github.com/Donniedarko45/RenderLite/internal/domain"
)

// ServiceRepository persists services and their runtime state.
type ServiceRepository interface {
	CreateService(ctx context.Context, service *domain.Service) error
	GetServiceByID(ctx context.Context, id string) (*domain.Service, error)
	ListServices(ctx context.Context, projectID string) ([]domain.Service, error)
	UpdateServiceStatus(ctx context.Context, id, status string) error
	UpdateServiceRuntimeState(ctx context.Context, id, status string, containerID *string) error
	UpdateServiceRuntime(ctx context.Context, id, runtime string) error
	MergeServiceEnvVars(ctx context.Context, id string, envVars map[string]string) error
	ListServicesWithContainers(ctx context.Context) ([]domain.Service, error)
	ListFailedServicesBefore(ctx context.Context, cutoff time.Time) ([]domain.Service, error)
}

// DeploymentRepository stores deployment attempts and their history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
	ListDeploymentsByService(ctx context.Context, serviceID string, limit, offset int) ([]domain.Deployment, error)
	MarkDeploymentBuilding(ctx context.Context, id string, startedAt time.Time) error
	SetDeploymentCommit(ctx context.Context, id, commitSHA string) error
	SetDeploymentImageTag(ctx context.Context, id, imageTag string) error
	FinishDeployment(ctx context.Context, id, status, logs string, finishedAt time.Time) error
	TrimDeployments(ctx context.Context, keep int) (int64, error)
}

// DomainRepository persists custom domains and their verification state.
type DomainRepository interface {
	CreateDomain(ctx context.Context, d *domain.CustomDomain) error
	GetDomainByID(ctx context.Context, id string) (*domain.CustomDomain, error)
	ListDomainsByService(ctx context.Context, serviceID string) ([]domain.CustomDomain, error)
	ListVerifiedDomainsByService(ctx context.Context, serviceID string) ([]domain.CustomDomain, error)
	MarkDomainVerified(ctx context.Context, id string) error
}
