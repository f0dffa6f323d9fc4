package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Donniedarko45/RenderLite/internal/domain"
	"github.com/Donniedarko45/RenderLite/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ServiceRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.DomainRepository     = (*Repository)(nil)
)

const serviceColumns = `id, project_id, name, repo_url, branch, runtime, subdomain, status,
	container_id, env_vars, health_check_path, health_check_interval_sec,
	health_check_timeout_sec, repo_token, webhook_secret, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (*domain.Service, error) {
	var s domain.Service
	err := row.Scan(
		&s.ID,
		&s.ProjectID,
		&s.Name,
		&s.RepoURL,
		&s.Branch,
		&s.Runtime,
		&s.Subdomain,
		&s.Status,
		&s.ContainerID,
		&s.EnvVars,
		&s.HealthCheckPath,
		&s.HealthCheckIntervalSec,
		&s.HealthCheckTimeoutSec,
		&s.RepoToken,
		&s.WebhookSecret,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if s.EnvVars == nil {
		s.EnvVars = map[string]string{}
	}
	return &s, nil
}

// CreateService inserts a service row.
func (r *Repository) CreateService(ctx context.Context, service *domain.Service) error {
	if service == nil {
		return fmt.Errorf("service required")
	}
	const query = `INSERT INTO services (id, project_id, name, repo_url, branch, runtime, subdomain,
			status, container_id, env_vars, health_check_path, health_check_interval_sec,
			health_check_timeout_sec, repo_token, webhook_secret)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`
	var createdAt, updatedAt time.Time
	err := r.pool.QueryRow(ctx, query,
		service.ID,
		service.ProjectID,
		service.Name,
		service.RepoURL,
		service.Branch,
		service.Runtime,
		service.Subdomain,
		service.Status,
		service.ContainerID,
		service.EnvVars,
		service.HealthCheckPath,
		service.HealthCheckIntervalSec,
		service.HealthCheckTimeoutSec,
		service.RepoToken,
		service.WebhookSecret,
	).Scan(&createdAt, &updatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return repository.ErrConflict
			case "23503":
				return repository.ErrNotFound
			case "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	service.CreatedAt = createdAt
	service.UpdatedAt = updatedAt
	return nil
}

// GetServiceByID fetches a service by identifier.
func (r *Repository) GetServiceByID(ctx context.Context, id string) (*domain.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE id = $1`
	s, err := scanService(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// ListServices returns services, optionally scoped to a project.
func (r *Repository) ListServices(ctx context.Context, projectID string) ([]domain.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services ORDER BY created_at DESC`
	args := []any{}
	if projectID != "" {
		query = `SELECT ` + serviceColumns + ` FROM services WHERE project_id = $1 ORDER BY created_at DESC`
		args = append(args, projectID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var services []domain.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, *s)
	}
	return services, rows.Err()
}

// UpdateServiceStatus sets the lifecycle status only.
func (r *Repository) UpdateServiceStatus(ctx context.Context, id, status string) error {
	const query = `UPDATE services SET status = $2, updated_at = NOW() WHERE id = $1 RETURNING id`
	var returned string
	if err := r.pool.QueryRow(ctx, query, id, status).Scan(&returned); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// UpdateServiceRuntimeState sets status and container binding together.
func (r *Repository) UpdateServiceRuntimeState(ctx context.Context, id, status string, containerID *string) error {
	const query = `UPDATE services SET status = $2, container_id = $3, updated_at = NOW()
		WHERE id = $1 RETURNING id`
	var returned string
	if err := r.pool.QueryRow(ctx, query, id, status, containerID).Scan(&returned); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// UpdateServiceRuntime records the detected runtime fingerprint.
func (r *Repository) UpdateServiceRuntime(ctx context.Context, id, runtime string) error {
	const query = `UPDATE services SET runtime = $2, updated_at = NOW() WHERE id = $1 RETURNING id`
	var returned string
	if err := r.pool.QueryRow(ctx, query, id, runtime).Scan(&returned); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// MergeServiceEnvVars merges encrypted env entries into the stored map.
func (r *Repository) MergeServiceEnvVars(ctx context.Context, id string, envVars map[string]string) error {
	const query = `UPDATE services SET env_vars = env_vars || $2, updated_at = NOW()
		WHERE id = $1 RETURNING id`
	var returned string
	if err := r.pool.QueryRow(ctx, query, id, envVars).Scan(&returned); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// ListServicesWithContainers returns services that claim a live container.
func (r *Repository) ListServicesWithContainers(ctx context.Context) ([]domain.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE container_id IS NOT NULL`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var services []domain.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, *s)
	}
	return services, rows.Err()
}

// ListFailedServicesBefore returns failed services still holding a container
// whose last update is older than cutoff.
func (r *Repository) ListFailedServicesBefore(ctx context.Context, cutoff time.Time) ([]domain.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services
		WHERE status = $1 AND container_id IS NOT NULL AND updated_at < $2`
	rows, err := r.pool.Query(ctx, query, domain.ServiceStatusFailed, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var services []domain.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, *s)
	}
	return services, rows.Err()
}

// CreateDeployment inserts a deployment row.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	if deployment == nil {
		return fmt.Errorf("deployment required")
	}
	const query = `INSERT INTO deployments (id, service_id, status, commit_sha, image_tag, logs, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`
	var createdAt time.Time
	err := r.pool.QueryRow(ctx, query,
		deployment.ID,
		deployment.ServiceID,
		deployment.Status,
		deployment.CommitSHA,
		deployment.ImageTag,
		deployment.Logs,
		deployment.StartedAt,
		deployment.FinishedAt,
	).Scan(&createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23503":
				return repository.ErrNotFound
			case "23505":
				return repository.ErrConflict
			case "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	deployment.CreatedAt = createdAt
	return nil
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	const query = `SELECT id, service_id, status, commit_sha, image_tag, logs, started_at, finished_at, created_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.ServiceID, &d.Status, &d.CommitSHA, &d.ImageTag, &d.Logs, &d.StartedAt, &d.FinishedAt, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDeploymentsByService returns deployment history newest first.
func (r *Repository) ListDeploymentsByService(ctx context.Context, serviceID string, limit, offset int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, service_id, status, commit_sha, image_tag, logs, started_at, finished_at, created_at
		FROM deployments WHERE service_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, serviceID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deployments []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.ServiceID, &d.Status, &d.CommitSHA, &d.ImageTag, &d.Logs, &d.StartedAt, &d.FinishedAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// MarkDeploymentBuilding transitions a queued deployment into BUILDING.
func (r *Repository) MarkDeploymentBuilding(ctx context.Context, id string, startedAt time.Time) error {
	const query = `UPDATE deployments SET status = $2, started_at = $3
		WHERE id = $1 AND status = $4 RETURNING id`
	var returned string
	err := r.pool.QueryRow(ctx, query, id, domain.DeploymentStatusBuilding, startedAt, domain.DeploymentStatusQueued).Scan(&returned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// SetDeploymentCommit records the cloned commit.
func (r *Repository) SetDeploymentCommit(ctx context.Context, id, commitSHA string) error {
	const query = `UPDATE deployments SET commit_sha = $2 WHERE id = $1 RETURNING id`
	var returned string
	if err := r.pool.QueryRow(ctx, query, id, commitSHA).Scan(&returned); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// SetDeploymentImageTag records the built image tag.
func (r *Repository) SetDeploymentImageTag(ctx context.Context, id, imageTag string) error {
	const query = `UPDATE deployments SET image_tag = $2 WHERE id = $1 RETURNING id`
	var returned string
	if err := r.pool.QueryRow(ctx, query, id, imageTag).Scan(&returned); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// FinishDeployment writes the terminal status with the accumulated log.
func (r *Repository) FinishDeployment(ctx context.Context, id, status, logs string, finishedAt time.Time) error {
	const query = `UPDATE deployments SET status = $2, logs = $3, finished_at = $4
		WHERE id = $1 RETURNING id`
	var returned string
	if err := r.pool.QueryRow(ctx, query, id, status, logs, finishedAt).Scan(&returned); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// TrimDeployments keeps the newest rows per service and deletes the rest.
func (r *Repository) TrimDeployments(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		keep = 10
	}
	const query = `DELETE FROM deployments WHERE id IN (
		SELECT id FROM (
			SELECT id, ROW_NUMBER() OVER (PARTITION BY service_id ORDER BY created_at DESC) AS rank
			FROM deployments
		) ranked WHERE rank > $1
	)`
	tag, err := r.pool.Exec(ctx, query, keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateDomain inserts a custom domain with its verification token.
func (r *Repository) CreateDomain(ctx context.Context, d *domain.CustomDomain) error {
	if d == nil {
		return fmt.Errorf("domain required")
	}
	const query = `INSERT INTO domains (id, service_id, hostname, verified, verification_token)
		VALUES ($1, $2, $3, $4, $5) RETURNING created_at`
	var createdAt time.Time
	err := r.pool.QueryRow(ctx, query, d.ID, d.ServiceID, d.Hostname, d.Verified, d.VerificationToken).Scan(&createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return repository.ErrConflict
			case "23503":
				return repository.ErrNotFound
			case "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	d.CreatedAt = createdAt
	return nil
}

// GetDomainByID fetches a custom domain by identifier.
func (r *Repository) GetDomainByID(ctx context.Context, id string) (*domain.CustomDomain, error) {
	const query = `SELECT id, service_id, hostname, verified, verification_token, created_at
		FROM domains WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var d domain.CustomDomain
	if err := row.Scan(&d.ID, &d.ServiceID, &d.Hostname, &d.Verified, &d.VerificationToken, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDomainsByService returns all domains attached to a service.
func (r *Repository) ListDomainsByService(ctx context.Context, serviceID string) ([]domain.CustomDomain, error) {
	const query = `SELECT id, service_id, hostname, verified, verification_token, created_at
		FROM domains WHERE service_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var domains []domain.CustomDomain
	for rows.Next() {
		var d domain.CustomDomain
		if err := rows.Scan(&d.ID, &d.ServiceID, &d.Hostname, &d.Verified, &d.VerificationToken, &d.CreatedAt); err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// ListVerifiedDomainsByService returns only domains eligible for routing.
func (r *Repository) ListVerifiedDomainsByService(ctx context.Context, serviceID string) ([]domain.CustomDomain, error) {
	const query = `SELECT id, service_id, hostname, verified, verification_token, created_at
		FROM domains WHERE service_id = $1 AND verified ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var domains []domain.CustomDomain
	for rows.Next() {
		var d domain.CustomDomain
		if err := rows.Scan(&d.ID, &d.ServiceID, &d.Hostname, &d.Verified, &d.VerificationToken, &d.CreatedAt); err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// MarkDomainVerified flips the verification flag.
func (r *Repository) MarkDomainVerified(ctx context.Context, id string) error {
	const query = `UPDATE domains SET verified = TRUE WHERE id = $1 RETURNING id`
	var returned string
	if err := r.pool.QueryRow(ctx, query, id).Scan(&returned); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}
