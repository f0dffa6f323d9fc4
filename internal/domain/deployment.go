package domain

import "time"

// DeploymentStatus values cover a deployment attempt from queue to terminal state.
const (
	DeploymentStatusQueued   = "QUEUED"
	DeploymentStatusBuilding = "BUILDING"
	DeploymentStatusSuccess  = "SUCCESS"
	DeploymentStatusFailed   = "FAILED"
)

// Deployment captures a single deployment attempt for a service.
type Deployment struct {
	ID         string
	ServiceID  string
	Status     string
	CommitSHA  *string
	ImageTag   *string
	Logs       string
	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
}

// Terminal reports whether the deployment reached a final state.
func (d Deployment) Terminal() bool {
	return d.Status == DeploymentStatusSuccess || d.Status == DeploymentStatusFailed
}
