package domain

import "time"

// Event names published on the realtime bus.
const (
	EventDeploymentStatus = "deployment:status"
	EventDeploymentLog    = "deployment:log"
	EventServiceStatus    = "service:status"
	EventServiceMetrics   = "service:metrics"
)

// DeploymentTopic names the bus topic carrying one deployment's events.
func DeploymentTopic(deploymentID string) string { return "deployment:" + deploymentID }

// ServiceTopic names the bus topic carrying one service's events.
func ServiceTopic(serviceID string) string { return "service:" + serviceID }

// DeploymentStatusEvent announces a deployment status transition.
type DeploymentStatusEvent struct {
	DeploymentID string    `json:"deploymentId"`
	Status       string    `json:"status"`
	ContainerID  string    `json:"containerId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// DeploymentLogEvent carries one build or pipeline log line.
type DeploymentLogEvent struct {
	DeploymentID string    `json:"deploymentId"`
	Log          string    `json:"log"`
	Timestamp    time.Time `json:"timestamp"`
}

// ServiceStatusEvent announces a service status transition.
type ServiceStatusEvent struct {
	ServiceID string    `json:"serviceId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ContainerMetrics is one resource sample for a running container.
type ContainerMetrics struct {
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryUsage   uint64    `json:"memoryUsage"`
	MemoryLimit   uint64    `json:"memoryLimit"`
	MemoryPercent float64   `json:"memoryPercent"`
	NetworkRx     uint64    `json:"networkRx"`
	NetworkTx     uint64    `json:"networkTx"`
	Timestamp     time.Time `json:"timestamp"`
}

// ServiceMetricsEvent carries one live resource sample for a service.
type ServiceMetricsEvent struct {
	ServiceID string           `json:"serviceId"`
	Metrics   ContainerMetrics `json:"metrics"`
	Timestamp time.Time        `json:"timestamp"`
}
