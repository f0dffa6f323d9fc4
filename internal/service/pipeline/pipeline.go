package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Donniedarko45/RenderLite/internal/buildpack"
	"github.com/Donniedarko45/RenderLite/internal/docker"
	"github.com/Donniedarko45/RenderLite/internal/domain"
	"github.com/Donniedarko45/RenderLite/internal/git"
	"github.com/Donniedarko45/RenderLite/internal/queue"
	"github.com/Donniedarko45/RenderLite/internal/repository"
	"github.com/Donniedarko45/RenderLite/internal/runtime"
	"github.com/Donniedarko45/RenderLite/internal/workspace"
	"github.com/Donniedarko45/RenderLite/pkg/config"
	"github.com/Donniedarko45/RenderLite/pkg/crypto"
)

// errAlreadySettled short-circuits a job whose deployment row reached a
// terminal status before the worker picked it up (cancelled while queued).
var errAlreadySettled = errors.New("deployment already settled")

// errStagingUnhealthy marks the one failure mode that leaves the service
// running: the staging container never passed its health checks, so the
// previous container keeps serving traffic.
var errStagingUnhealthy = errors.New("staging container failed health checks")

// Engine is the container-runtime surface the pipeline drives.
type Engine interface {
	BuildImage(ctx context.Context, dir, tag string, onOutput docker.BuildOutputCallback) error
	ImageExists(ctx context.Context, tag string) (bool, error)
	Run(ctx context.Context, opts docker.RunOptions) (string, error)
	Remove(ctx context.Context, ref string) error
	Rename(ctx context.Context, containerID, name string) error
	IP(ctx context.Context, containerID string) (string, error)
	IsRunning(ctx context.Context, containerID string) (bool, error)
}

// Publisher sends realtime events.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload any) error
}

// Service executes deployment and rollback jobs leased from the queues. Each
// job is driven to a terminal deployment status; business failures are
// recorded on the deployment row and acked, only infrastructure errors
// propagate to the queue for retry.
type Service struct {
	services  repository.ServiceRepository
	deploys   repository.DeploymentRepository
	domains   repository.DomainRepository
	engine    Engine
	workspace *workspace.Manager
	events    Publisher
	keyring   *crypto.Keyring
	cfg       config.WorkerConfig
	logger    *slog.Logger
	now       func() time.Time

	clone       func(ctx context.Context, req git.CloneRequest) error
	headCommit  func(ctx context.Context, dir string) (string, error)
	packBuild   func(ctx context.Context, dir, tag string, onOutput func(string)) error
	checkHealth func(ctx context.Context, url string, hc healthConfig) error
}

// New creates a pipeline service.
func New(services repository.ServiceRepository, deploys repository.DeploymentRepository, domains repository.DomainRepository, engine Engine, ws *workspace.Manager, pack *buildpack.Builder, events Publisher, keyring *crypto.Keyring, cfg config.WorkerConfig, logger *slog.Logger) Service {
	probeClient := &http.Client{}
	return Service{
		services:   services,
		deploys:    deploys,
		domains:    domains,
		engine:     engine,
		workspace:  ws,
		events:     events,
		keyring:    keyring,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		clone:      git.Clone,
		headCommit: git.HeadCommit,
		packBuild:  pack.Build,
		checkHealth: func(ctx context.Context, url string, hc healthConfig) error {
			return waitHealthy(ctx, probeClient, url, hc)
		},
	}
}

type execution struct {
	payload domain.JobPayload
	service *domain.Service
	logs    *LogBuffer
}

// Handle is the queue handler for both the build and rollback queues.
func (s Service) Handle(ctx context.Context, job queue.Job) error {
	var payload domain.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		s.logger.Error("discarding malformed job", "job_id", job.ID, "error", err)
		return nil
	}
	if payload.DeploymentID == "" || payload.ServiceID == "" {
		s.logger.Error("discarding incomplete job", "job_id", job.ID)
		return nil
	}
	switch payload.Kind {
	case domain.JobKindRollback:
		return s.executeRollback(ctx, payload)
	default:
		return s.executeDeploy(ctx, payload)
	}
}

// HandleFailure settles a deployment whose job exhausted its queue retries,
// so no row stays BUILDING forever. Wire it as the worker's failure hook.
func (s Service) HandleFailure(jobID string, jobErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dep, err := s.deploys.GetDeploymentByID(ctx, jobID)
	if err != nil {
		s.logger.Error("load deployment for failure hook", "deployment_id", jobID, "error", err)
		return
	}
	if dep.Terminal() {
		return
	}
	logs := dep.Logs
	if logs != "" {
		logs += "\n"
	}
	logs += "deployment aborted: " + jobErr.Error()
	finishedAt := s.now()
	if err := s.services.UpdateServiceStatus(ctx, dep.ServiceID, domain.ServiceStatusFailed); err != nil {
		s.logger.Error("mark service failed", "service_id", dep.ServiceID, "error", err)
	}
	if err := s.deploys.FinishDeployment(ctx, dep.ID, domain.DeploymentStatusFailed, logs, finishedAt); err != nil {
		s.logger.Error("finish aborted deployment", "deployment_id", dep.ID, "error", err)
		return
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
}

func (s Service) executeDeploy(ctx context.Context, payload domain.JobPayload) error {
	ex, err := s.begin(ctx, payload)
	if err != nil {
		if errors.Is(err, errAlreadySettled) {
			return nil
		}
		return err
	}

	workdir, err := s.workspace.Prepare(payload.DeploymentID)
	if err != nil {
		return s.finalizeFailure(ctx, ex, fmt.Errorf("prepare workspace: %w", err))
	}
	defer func() {
		if err := s.workspace.Cleanup(workdir); err != nil {
			s.logger.Error("workspace cleanup failed", "deployment_id", payload.DeploymentID, "error", err)
		}
	}()

	commitSHA, err := s.cloneSource(ctx, ex, workdir)
	if err != nil {
		return s.finalizeFailure(ctx, ex, err)
	}
	imageTag, err := s.buildImage(ctx, ex, workdir, commitSHA)
	if err != nil {
		return s.finalizeFailure(ctx, ex, err)
	}
	containerID, err := s.launch(ctx, ex, imageTag)
	if err != nil {
		return s.finalizeFailure(ctx, ex, err)
	}
	return s.finalizeSuccess(ctx, ex, containerID)
}

func (s Service) executeRollback(ctx context.Context, payload domain.JobPayload) error {
	ex, err := s.begin(ctx, payload)
	if err != nil {
		if errors.Is(err, errAlreadySettled) {
			return nil
		}
		return err
	}

	ex.logs.Add("rolling back to image " + payload.ImageTag)
	exists, err := s.engine.ImageExists(ctx, payload.ImageTag)
	if err != nil {
		return s.finalizeFailure(ctx, ex, fmt.Errorf("check image: %w", err))
	}
	if !exists {
		return s.finalizeFailure(ctx, ex, fmt.Errorf("image %s is no longer available", payload.ImageTag))
	}

	containerID, err := s.launch(ctx, ex, payload.ImageTag)
	if err != nil {
		return s.finalizeFailure(ctx, ex, err)
	}
	return s.finalizeSuccess(ctx, ex, containerID)
}

// begin transitions the deployment into BUILDING and assembles the execution
// state. A row already terminal (cancelled while queued) yields
// errAlreadySettled; a row already BUILDING belongs to a retried attempt and
// continues.
func (s Service) begin(ctx context.Context, payload domain.JobPayload) (*execution, error) {
	startedAt := s.now()
	err := s.deploys.MarkDeploymentBuilding(ctx, payload.DeploymentID, startedAt)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		dep, getErr := s.deploys.GetDeploymentByID(ctx, payload.DeploymentID)
		if getErr != nil {
			if errors.Is(getErr, repository.ErrNotFound) {
				s.logger.Warn("job references missing deployment", "deployment_id", payload.DeploymentID)
				return nil, errAlreadySettled
			}
			return nil, getErr
		}
		if dep.Terminal() {
			s.logger.Info("skipping settled deployment", "deployment_id", dep.ID, "status", dep.Status)
			return nil, errAlreadySettled
		}
	}

	svc, err := s.services.GetServiceByID(ctx, payload.ServiceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			finishedAt := s.now()
			if finishErr := s.deploys.FinishDeployment(ctx, payload.DeploymentID, domain.DeploymentStatusFailed, "service no longer exists", finishedAt); finishErr != nil {
				return nil, finishErr
			}
			s.emit(ctx, domain.DeploymentTopic(payload.DeploymentID), domain.EventDeploymentStatus, domain.DeploymentStatusEvent{
				DeploymentID: payload.DeploymentID,
				Status:       domain.DeploymentStatusFailed,
				Timestamp:    finishedAt,
			})
			return nil, errAlreadySettled
		}
		return nil, err
	}

	ex := &execution{
		payload: payload,
		service: svc,
		logs: NewLogBuffer(func(line string) {
			s.logger.Debug("deployment log", "deployment_id", payload.DeploymentID, "line", line)
			s.emitLog(ctx, payload.DeploymentID, line)
		}),
	}

	s.logger.Info("deployment started", "deployment_id", payload.DeploymentID, "service_id", svc.ID, "kind", payload.Kind)
	s.emit(ctx, domain.DeploymentTopic(payload.DeploymentID), domain.EventDeploymentStatus, domain.DeploymentStatusEvent{
		DeploymentID: payload.DeploymentID,
		Status:       domain.DeploymentStatusBuilding,
		Timestamp:    startedAt,
	})
	s.emit(ctx, domain.ServiceTopic(svc.ID), domain.EventServiceStatus, domain.ServiceStatusEvent{
		ServiceID: svc.ID,
		Status:    domain.ServiceStatusDeploying,
		Timestamp: startedAt,
	})
	return ex, nil
}

func (s Service) cloneSource(ctx context.Context, ex *execution, workdir string) (string, error) {
	token := ""
	if ex.payload.RepoToken != "" {
		decrypted, err := s.keyring.Decrypt(ex.payload.RepoToken)
		if err != nil {
			return "", fmt.Errorf("decrypt repository token: %w", err)
		}
		token = decrypted
	}

	ex.logs.Add(fmt.Sprintf("cloning %s (branch %s)", git.RedactURL(ex.payload.RepoURL), ex.payload.Branch))
	cloneCtx, cancel := context.WithTimeout(ctx, s.cfg.CloneTimeout)
	defer cancel()
	req := git.CloneRequest{
		RepoURL:        ex.payload.RepoURL,
		Branch:         ex.payload.Branch,
		Token:          token,
		Dest:           workdir,
		SizeLimitBytes: int64(s.cfg.CloneSizeLimitMB) << 20,
	}
	if err := s.clone(cloneCtx, req); err != nil {
		if errors.Is(cloneCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("clone timed out after %s", s.cfg.CloneTimeout)
		}
		return "", fmt.Errorf("clone repository: %w", err)
	}

	commitSHA, err := s.headCommit(ctx, workdir)
	if err != nil {
		return "", fmt.Errorf("read head commit: %w", err)
	}
	ex.logs.Add("checked out commit " + docker.ShortSHA(commitSHA))
	if err := s.deploys.SetDeploymentCommit(ctx, ex.payload.DeploymentID, commitSHA); err != nil {
		return "", fmt.Errorf("record commit: %w", err)
	}
	return commitSHA, nil
}

func (s Service) buildImage(ctx context.Context, ex *execution, workdir, commitSHA string) (string, error) {
	tag := docker.ImageTag(ex.payload.Subdomain, commitSHA)
	onLine := func(line string) { ex.logs.Add(line) }

	hasDockerfile, err := runtime.HasDockerfile(workdir)
	if err != nil {
		return "", fmt.Errorf("inspect repository: %w", err)
	}

	buildCtx, cancel := context.WithTimeout(ctx, s.cfg.BuildTimeout)
	defer cancel()
	if hasDockerfile {
		ex.logs.Add("building image from repository Dockerfile")
		err = s.engine.BuildImage(buildCtx, workdir, tag, onLine)
	} else {
		if detected := runtime.Detect(workdir); detected != "" {
			ex.logs.Add("detected runtime: " + detected)
			if updateErr := s.services.UpdateServiceRuntime(ctx, ex.service.ID, detected); updateErr != nil {
				s.logger.Warn("record detected runtime", "service_id", ex.service.ID, "error", updateErr)
			}
		} else {
			ex.logs.Add("no runtime fingerprint matched, deferring to the buildpack")
		}
		ex.logs.Add("building image with cloud native buildpacks")
		err = s.packBuild(buildCtx, workdir, tag, onLine)
	}
	if err != nil {
		if errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("build timed out after %s", s.cfg.BuildTimeout)
		}
		return "", fmt.Errorf("build image: %w", err)
	}

	ex.logs.Add("built image " + tag)
	if err := s.deploys.SetDeploymentImageTag(ctx, ex.payload.DeploymentID, tag); err != nil {
		return "", fmt.Errorf("record image tag: %w", err)
	}
	return tag, nil
}

// launch starts the new revision. With a live container and a configured
// health check the swap is blue/green: the replacement runs under a staging
// name until it passes health checks, then the old container is removed and
// the staging container renamed into its place. Otherwise the old container
// is stopped first and the replacement starts under the canonical name.
func (s Service) launch(ctx context.Context, ex *execution, imageTag string) (string, error) {
	env, err := s.decryptEnv(ex.payload.EnvVars)
	if err != nil {
		return "", err
	}
	verified, err := s.domains.ListVerifiedDomainsByService(ctx, ex.service.ID)
	if err != nil {
		return "", fmt.Errorf("list verified domains: %w", err)
	}
	hostnames := make([]string, 0, len(verified))
	for _, d := range verified {
		hostnames = append(hostnames, d.Hostname)
	}

	svc := ex.service
	opts := docker.RunOptions{
		Image:         imageTag,
		Subdomain:     ex.payload.Subdomain,
		Env:           env,
		ContainerPort: s.cfg.ContainerPort,
		CustomDomains: hostnames,
	}

	oldContainer := ""
	if svc.ContainerID != nil && *svc.ContainerID != "" && svc.HasHealthCheck() {
		running, err := s.engine.IsRunning(ctx, *svc.ContainerID)
		if err != nil {
			return "", fmt.Errorf("inspect current container: %w", err)
		}
		if running {
			oldContainer = *svc.ContainerID
		}
	}
	if oldContainer != "" {
		return s.blueGreenSwap(ctx, ex, opts, oldContainer)
	}

	ex.logs.Add("starting container " + docker.ContainerName(ex.payload.Subdomain))
	containerID, err := s.engine.Run(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	if svc.HasHealthCheck() {
		if err := s.gateOnHealth(ctx, ex, containerID); err != nil {
			s.discard(ctx, containerID)
			return "", fmt.Errorf("health check failed: %w", err)
		}
	}
	return containerID, nil
}

func (s Service) blueGreenSwap(ctx context.Context, ex *execution, opts docker.RunOptions, oldContainer string) (string, error) {
	stagingName := docker.StagingName(ex.payload.Subdomain)
	opts.Name = stagingName
	ex.logs.Add("starting staging container " + stagingName)
	stagingID, err := s.engine.Run(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("start staging container: %w", err)
	}

	if err := s.gateOnHealth(ctx, ex, stagingID); err != nil {
		s.discard(ctx, stagingID)
		return "", fmt.Errorf("%w: %v", errStagingUnhealthy, err)
	}

	if err := s.engine.Remove(ctx, oldContainer); err != nil {
		s.discard(ctx, stagingID)
		return "", fmt.Errorf("remove previous container: %w", err)
	}
	// The replacement must not outlive the swap under its staging name: the
	// reconciler removes staging-named containers once no deploy is running.
	if err := s.engine.Rename(ctx, stagingID, docker.ContainerName(ex.payload.Subdomain)); err != nil {
		s.discard(ctx, stagingID)
		return "", fmt.Errorf("claim canonical container name: %w", err)
	}
	ex.logs.Add("swapped traffic to new container")
	return stagingID, nil
}

func (s Service) gateOnHealth(ctx context.Context, ex *execution, containerID string) error {
	ip, err := s.engine.IP(ctx, containerID)
	if err != nil {
		return fmt.Errorf("resolve container address: %w", err)
	}
	timeout := s.cfg.HealthTimeout
	if ex.service.HealthCheckTimeoutSec != nil && *ex.service.HealthCheckTimeoutSec > 0 {
		timeout = time.Duration(*ex.service.HealthCheckTimeoutSec) * time.Second
	}
	hc := healthConfig{
		startDelay:  s.cfg.HealthStartDelay,
		timeout:     timeout,
		retries:     s.cfg.HealthRetries,
		backoffBase: time.Second,
		backoffCap:  10 * time.Second,
	}
	url := fmt.Sprintf("http://%s:%d%s", ip, s.cfg.ContainerPort, *ex.service.HealthCheckPath)
	ex.logs.Add("health checking " + url)
	if err := s.checkHealth(ctx, url, hc); err != nil {
		return err
	}
	ex.logs.Add("health check passed")
	return nil
}

func (s Service) finalizeSuccess(ctx context.Context, ex *execution, containerID string) error {
	ex.logs.Add("deployment complete")
	ex.logs.Flush()
	finishedAt := s.now()

	if err := s.services.UpdateServiceRuntimeState(ctx, ex.service.ID, domain.ServiceStatusRunning, &containerID); err != nil {
		return fmt.Errorf("update service state: %w", err)
	}
	if err := s.deploys.FinishDeployment(ctx, ex.payload.DeploymentID, domain.DeploymentStatusSuccess, ex.logs.String(), finishedAt); err != nil {
		return fmt.Errorf("finish deployment: %w", err)
	}

	s.logger.Info("deployment succeeded", "deployment_id", ex.payload.DeploymentID, "service_id", ex.service.ID, "container_id", containerID)
	s.emit(ctx, domain.DeploymentTopic(ex.payload.DeploymentID), domain.EventDeploymentStatus, domain.DeploymentStatusEvent{
		DeploymentID: ex.payload.DeploymentID,
		Status:       domain.DeploymentStatusSuccess,
		ContainerID:  containerID,
		Timestamp:    finishedAt,
	})
	s.emit(ctx, domain.ServiceTopic(ex.service.ID), domain.EventServiceStatus, domain.ServiceStatusEvent{
		ServiceID: ex.service.ID,
		Status:    domain.ServiceStatusRunning,
		Timestamp: finishedAt,
	})
	return nil
}

func (s Service) finalizeFailure(ctx context.Context, ex *execution, stageErr error) error {
	s.logger.Error("deployment failed", "deployment_id", ex.payload.DeploymentID, "service_id", ex.service.ID, "error", stageErr)
	ex.logs.Add(stageErr.Error())
	ex.logs.Flush()
	finishedAt := s.now()

	serviceStatus := domain.ServiceStatusFailed
	if errors.Is(stageErr, errStagingUnhealthy) {
		serviceStatus = domain.ServiceStatusRunning
	}
	if err := s.services.UpdateServiceStatus(ctx, ex.service.ID, serviceStatus); err != nil {
		return fmt.Errorf("update service status: %w", err)
	}
	if err := s.deploys.FinishDeployment(ctx, ex.payload.DeploymentID, domain.DeploymentStatusFailed, ex.logs.String(), finishedAt); err != nil {
		return fmt.Errorf("finish deployment: %w", err)
	}

	s.emit(ctx, domain.DeploymentTopic(ex.payload.DeploymentID), domain.EventDeploymentStatus, domain.DeploymentStatusEvent{
		DeploymentID: ex.payload.DeploymentID,
		Status:       domain.DeploymentStatusFailed,
		Timestamp:    finishedAt,
	})
	s.emit(ctx, domain.ServiceTopic(ex.service.ID), domain.EventServiceStatus, domain.ServiceStatusEvent{
		ServiceID: ex.service.ID,
		Status:    serviceStatus,
		Timestamp: finishedAt,
	})
	return nil
}

func (s Service) decryptEnv(env map[string]string) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	plain := make(map[string]string, len(env))
	for key, value := range env {
		decrypted, err := s.keyring.Decrypt(value)
		if err != nil {
			return nil, fmt.Errorf("decrypt env %s: %w", key, err)
		}
		plain[key] = decrypted
	}
	return plain, nil
}

func (s Service) discard(ctx context.Context, ref string) {
	if err := s.engine.Remove(ctx, ref); err != nil {
		s.logger.Warn("remove container", "container_id", ref, "error", err)
	}
}

func (s Service) emit(ctx context.Context, topic, event string, payload any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, topic, event, payload); err != nil {
		s.logger.Warn("publish event", "topic", topic, "event", event, "error", err)
	}
}

func (s Service) emitLog(ctx context.Context, deploymentID, line string) {
	s.emit(ctx, domain.DeploymentTopic(deploymentID), domain.EventDeploymentLog, domain.DeploymentLogEvent{
		DeploymentID: deploymentID,
		Log:          line,
		Timestamp:    s.now(),
	})
}
