package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Donniedarko45/RenderLite/internal/domain"
	"github.com/Donniedarko45/RenderLite/internal/repository"
	"github.com/Donniedarko45/RenderLite/pkg/crypto"
)

const (
	maskedValue       = "********"
	subdomainAttempts = 10
	slugMaxLen        = 20
)

var (
	errInvalidName    = fmt.Errorf("%w: service name is required", domain.ErrValidation)
	errInvalidRepoURL = fmt.Errorf("%w: repository URL must be a valid http(s) URL", domain.ErrValidation)
	errInvalidEnvKey  = fmt.Errorf("%w: environment variable keys must be non-empty and free of '=' or spaces", domain.ErrValidation)
	errNoSubdomain    = errors.New("could not allocate a unique subdomain")
)

// CreateInput carries service registration attributes.
type CreateInput struct {
	ProjectID              string
	Name                   string
	RepoURL                string
	Branch                 string
	EnvVars                map[string]string
	HealthCheckPath        string
	HealthCheckIntervalSec int
	HealthCheckTimeoutSec  int
	RepoToken              string
}

// Service manages the service catalog and custom domains.
type Service struct {
	services repository.ServiceRepository
	domains  repository.DomainRepository
	keyring  *crypto.Keyring
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a registry service.
func New(services repository.ServiceRepository, domains repository.DomainRepository, keyring *crypto.Keyring, logger *slog.Logger) Service {
	return Service{
		services: services,
		domains:  domains,
		keyring:  keyring,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a service, allocating its immutable subdomain and
// encrypting every secret before it reaches the store. The returned webhook
// secret is plaintext and shown exactly once.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Service, string, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, "", errInvalidName
	}
	repoURL, err := NormalizeRepoURL(input.RepoURL)
	if err != nil {
		return nil, "", err
	}
	branch := strings.TrimSpace(input.Branch)
	if branch == "" {
		branch = "main"
	}
	encryptedEnv, err := s.encryptEnv(input.EnvVars)
	if err != nil {
		return nil, "", err
	}

	webhookSecret, err := crypto.RandomHex(32)
	if err != nil {
		return nil, "", fmt.Errorf("generate webhook secret: %w", err)
	}
	encryptedSecret, err := s.keyring.Encrypt(webhookSecret)
	if err != nil {
		return nil, "", fmt.Errorf("encrypt webhook secret: %w", err)
	}

	var repoToken *string
	if token := strings.TrimSpace(input.RepoToken); token != "" {
		encrypted, err := s.keyring.Encrypt(token)
		if err != nil {
			return nil, "", fmt.Errorf("encrypt repository token: %w", err)
		}
		repoToken = &encrypted
	}

	svc := &domain.Service{
		ProjectID:     input.ProjectID,
		Name:          name,
		RepoURL:       repoURL,
		Branch:        branch,
		Status:        domain.ServiceStatusCreated,
		EnvVars:       encryptedEnv,
		RepoToken:     repoToken,
		WebhookSecret: encryptedSecret,
	}
	if path := strings.TrimSpace(input.HealthCheckPath); path != "" {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		svc.HealthCheckPath = &path
		if input.HealthCheckIntervalSec > 0 {
			interval := input.HealthCheckIntervalSec
			svc.HealthCheckIntervalSec = &interval
		}
		if input.HealthCheckTimeoutSec > 0 {
			timeout := input.HealthCheckTimeoutSec
			svc.HealthCheckTimeoutSec = &timeout
		}
	}

	slug := Slugify(name)
	for attempt := 0; attempt < subdomainAttempts; attempt++ {
		svc.ID = uuid.NewString()
		svc.Subdomain = fmt.Sprintf("%s-%s", slug, randomSuffix())
		svc.CreatedAt = s.now()
		svc.UpdatedAt = svc.CreatedAt
		err := s.services.CreateService(ctx, svc)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		s.logger.Info("service created", "service_id", svc.ID, "subdomain", svc.Subdomain)
		return Masked(svc), webhookSecret, nil
	}
	return nil, "", errNoSubdomain
}

// Get returns a service with its secrets masked.
func (s Service) Get(ctx context.Context, id string) (*domain.Service, error) {
	svc, err := s.services.GetServiceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return Masked(svc), nil
}

// List returns services, optionally scoped to one project, secrets masked.
func (s Service) List(ctx context.Context, projectID string) ([]domain.Service, error) {
	services, err := s.services.ListServices(ctx, projectID)
	if err != nil {
		return nil, err
	}
	masked := make([]domain.Service, 0, len(services))
	for i := range services {
		masked = append(masked, *Masked(&services[i]))
	}
	return masked, nil
}

// MergeEnv encrypts and merges environment variables into a service.
func (s Service) MergeEnv(ctx context.Context, serviceID string, env map[string]string) error {
	if len(env) == 0 {
		return fmt.Errorf("%w: no environment variables provided", domain.ErrValidation)
	}
	encrypted, err := s.encryptEnv(env)
	if err != nil {
		return err
	}
	if err := s.services.MergeServiceEnvVars(ctx, serviceID, encrypted); err != nil {
		return err
	}
	s.logger.Info("service env updated", "service_id", serviceID, "keys", len(env))
	return nil
}

func (s Service) encryptEnv(env map[string]string) (map[string]string, error) {
	encrypted := make(map[string]string, len(env))
	for key, value := range env {
		if strings.TrimSpace(key) == "" || strings.ContainsAny(key, "= ") {
			return nil, errInvalidEnvKey
		}
		ciphertext, err := s.keyring.Encrypt(value)
		if err != nil {
			return nil, fmt.Errorf("encrypt env %s: %w", key, err)
		}
		encrypted[key] = ciphertext
	}
	return encrypted, nil
}

// Masked returns a copy of the service safe for API responses: env values
// replaced with a fixed mask, webhook secret and repository token withheld.
func Masked(svc *domain.Service) *domain.Service {
	out := *svc
	out.EnvVars = make(map[string]string, len(svc.EnvVars))
	for key := range svc.EnvVars {
		out.EnvVars[key] = maskedValue
	}
	out.WebhookSecret = ""
	out.RepoToken = nil
	return &out
}

// NormalizeRepoURL canonicalizes a repository URL: https scheme kept,
// trailing slashes and the .git suffix dropped.
func NormalizeRepoURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errInvalidRepoURL
	}
	u, err := url.Parse(trimmed)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errInvalidRepoURL
	}
	u.Path = strings.TrimSuffix(strings.TrimRight(u.Path, "/"), ".git")
	u.Fragment = ""
	u.RawQuery = ""
	return u.String(), nil
}

// Slugify lowers a name into subdomain-safe characters.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= slugMaxLen {
			break
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "service"
	}
	return slug
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}
