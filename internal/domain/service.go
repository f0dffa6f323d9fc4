package domain

import "time"

// ServiceStatus values cover the service lifecycle.
const (
	ServiceStatusCreated   = "CREATED"
	ServiceStatusDeploying = "DEPLOYING"
	ServiceStatusRunning   = "RUNNING"
	ServiceStatusStopped   = "STOPPED"
	ServiceStatusFailed    = "FAILED"
)

// Service describes a deployable application bound to a git repository.
// EnvVars values and the webhook secret are stored as encrypted envelopes.
type Service struct {
	ID                     string
	ProjectID              string
	Name                   string
	RepoURL                string
	Branch                 string
	Runtime                *string
	Subdomain              string
	Status                 string
	ContainerID            *string
	EnvVars                map[string]string
	HealthCheckPath        *string
	HealthCheckIntervalSec *int
	HealthCheckTimeoutSec  *int
	RepoToken              *string
	WebhookSecret          string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// HasHealthCheck reports whether deployments of this service are health-gated.
func (s Service) HasHealthCheck() bool {
	return s.HealthCheckPath != nil && *s.HealthCheckPath != ""
}
