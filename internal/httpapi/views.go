package httpapi

import (
	"time"

	"github.com/Donniedarko45/RenderLite/internal/domain"
	"github.com/Donniedarko45/RenderLite/internal/service/registry"
)

// serviceView is the REST shape of a service. Env values are always masked
// and the webhook secret and repository token are never included.
type serviceView struct {
	ID                     string            `json:"id"`
	ProjectID              string            `json:"projectId,omitempty"`
	Name                   string            `json:"name"`
	RepoURL                string            `json:"repoUrl"`
	Branch                 string            `json:"branch"`
	Runtime                *string           `json:"runtime,omitempty"`
	Subdomain              string            `json:"subdomain"`
	Status                 string            `json:"status"`
	ContainerID            *string           `json:"containerId,omitempty"`
	EnvVars                map[string]string `json:"envVars"`
	HealthCheckPath        *string           `json:"healthCheckPath,omitempty"`
	HealthCheckIntervalSec *int              `json:"healthCheckIntervalSec,omitempty"`
	HealthCheckTimeoutSec  *int              `json:"healthCheckTimeoutSec,omitempty"`
	CreatedAt              time.Time         `json:"createdAt"`
	UpdatedAt              time.Time         `json:"updatedAt"`
}

func newServiceView(svc *domain.Service) serviceView {
	masked := registry.Masked(svc)
	return serviceView{
		ID:                     masked.ID,
		ProjectID:              masked.ProjectID,
		Name:                   masked.Name,
		RepoURL:                masked.RepoURL,
		Branch:                 masked.Branch,
		Runtime:                masked.Runtime,
		Subdomain:              masked.Subdomain,
		Status:                 masked.Status,
		ContainerID:            masked.ContainerID,
		EnvVars:                masked.EnvVars,
		HealthCheckPath:        masked.HealthCheckPath,
		HealthCheckIntervalSec: masked.HealthCheckIntervalSec,
		HealthCheckTimeoutSec:  masked.HealthCheckTimeoutSec,
		CreatedAt:              masked.CreatedAt,
		UpdatedAt:              masked.UpdatedAt,
	}
}

func newServiceViews(services []domain.Service) []serviceView {
	views := make([]serviceView, 0, len(services))
	for i := range services {
		views = append(views, newServiceView(&services[i]))
	}
	return views
}

type deploymentView struct {
	ID         string     `json:"id"`
	ServiceID  string     `json:"serviceId"`
	Status     string     `json:"status"`
	CommitSHA  *string    `json:"commitSha,omitempty"`
	ImageTag   *string    `json:"imageTag,omitempty"`
	Logs       string     `json:"logs,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// newDeploymentView renders a deployment; withLogs controls whether the
// accumulated log text rides along (detail yes, history listings no).
func newDeploymentView(dep *domain.Deployment, withLogs bool) deploymentView {
	view := deploymentView{
		ID:         dep.ID,
		ServiceID:  dep.ServiceID,
		Status:     dep.Status,
		CommitSHA:  dep.CommitSHA,
		ImageTag:   dep.ImageTag,
		StartedAt:  dep.StartedAt,
		FinishedAt: dep.FinishedAt,
		CreatedAt:  dep.CreatedAt,
	}
	if withLogs {
		view.Logs = dep.Logs
	}
	return view
}

func newDeploymentViews(deployments []domain.Deployment) []deploymentView {
	views := make([]deploymentView, 0, len(deployments))
	for i := range deployments {
		views = append(views, newDeploymentView(&deployments[i], false))
	}
	return views
}

type domainView struct {
	ID                string    `json:"id"`
	ServiceID         string    `json:"serviceId"`
	Hostname          string    `json:"hostname"`
	Verified          bool      `json:"verified"`
	VerificationToken string    `json:"verificationToken,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

func newDomainView(d *domain.CustomDomain) domainView {
	return domainView{
		ID:                d.ID,
		ServiceID:         d.ServiceID,
		Hostname:          d.Hostname,
		Verified:          d.Verified,
		VerificationToken: d.VerificationToken,
		CreatedAt:         d.CreatedAt,
	}
}

func newDomainViews(domains []domain.CustomDomain) []domainView {
	views := make([]domainView, 0, len(domains))
	for i := range domains {
		views = append(views, newDomainView(&domains[i]))
	}
	return views
}
