package domain

// JobKind values distinguish fresh deployments from rollbacks.
const (
	JobKindDeploy   = "deploy"
	JobKindRollback = "rollback"
)

// JobPayload is the queue wire format for deployment work. It snapshots the
// build inputs at trigger time; env values and the repo token stay encrypted
// until the worker constructs its execution plan.
type JobPayload struct {
	DeploymentID string            `json:"deploymentId"`
	ServiceID    string            `json:"serviceId"`
	Kind         string            `json:"kind"`
	Subdomain    string            `json:"subdomain"`
	RepoURL      string            `json:"repoUrl"`
	Branch       string            `json:"branch"`
	RepoToken    string            `json:"repoToken,omitempty"`
	EnvVars      map[string]string `json:"envVars,omitempty"`
	ImageTag     string            `json:"imageTag,omitempty"`
	CommitSHA    string            `json:"commitSha,omitempty"`
}
