package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/Donniedarko45/RenderLite/internal/domain"
	"github.com/Donniedarko45/RenderLite/internal/repository"
	"github.com/Donniedarko45/RenderLite/pkg/crypto"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

type stubServiceRepository struct {
	created      []*domain.Service
	conflicts    int
	services     map[string]*domain.Service
	mergedEnv    map[string]string
	mergedTarget string
}

func (s *stubServiceRepository) CreateService(ctx context.Context, svc *domain.Service) error {
	if s.conflicts > 0 {
		s.conflicts--
		return repository.ErrConflict
	}
	copied := *svc
	s.created = append(s.created, &copied)
	return nil
}

func (s *stubServiceRepository) GetServiceByID(ctx context.Context, id string) (*domain.Service, error) {
	if svc, ok := s.services[id]; ok {
		copied := *svc
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubServiceRepository) ListServices(ctx context.Context, projectID string) ([]domain.Service, error) {
	var out []domain.Service
	for _, svc := range s.services {
		if projectID == "" || svc.ProjectID == projectID {
			out = append(out, *svc)
		}
	}
	return out, nil
}

func (s *stubServiceRepository) UpdateServiceStatus(ctx context.Context, id, status string) error {
	return nil
}

func (s *stubServiceRepository) UpdateServiceRuntimeState(ctx context.Context, id, status string, containerID *string) error {
	return nil
}

func (s *stubServiceRepository) UpdateServiceRuntime(ctx context.Context, id, runtime string) error {
	return nil
}

func (s *stubServiceRepository) MergeServiceEnvVars(ctx context.Context, id string, env map[string]string) error {
	s.mergedTarget = id
	s.mergedEnv = env
	return nil
}

func (s *stubServiceRepository) ListServicesWithContainers(ctx context.Context) ([]domain.Service, error) {
	return nil, nil
}

func (s *stubServiceRepository) ListFailedServicesBefore(ctx context.Context, cutoff time.Time) ([]domain.Service, error) {
	return nil, nil
}

type stubDomainRepository struct {
	created  []*domain.CustomDomain
	domains  map[string]*domain.CustomDomain
	verified []string
}

func (s *stubDomainRepository) CreateDomain(ctx context.Context, cd *domain.CustomDomain) error {
	copied := *cd
	s.created = append(s.created, &copied)
	return nil
}

func (s *stubDomainRepository) GetDomainByID(ctx context.Context, id string) (*domain.CustomDomain, error) {
	if cd, ok := s.domains[id]; ok {
		copied := *cd
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubDomainRepository) ListDomainsByService(ctx context.Context, serviceID string) ([]domain.CustomDomain, error) {
	var out []domain.CustomDomain
	for _, cd := range s.domains {
		if cd.ServiceID == serviceID {
			out = append(out, *cd)
		}
	}
	return out, nil
}

func (s *stubDomainRepository) ListVerifiedDomainsByService(ctx context.Context, serviceID string) ([]domain.CustomDomain, error) {
	var out []domain.CustomDomain
	for _, cd := range s.domains {
		if cd.ServiceID == serviceID && cd.Verified {
			out = append(out, *cd)
		}
	}
	return out, nil
}

func (s *stubDomainRepository) MarkDomainVerified(ctx context.Context, id string) error {
	s.verified = append(s.verified, id)
	return nil
}

func newTestService(t *testing.T, repo *stubServiceRepository, domains *stubDomainRepository) Service {
	t.Helper()
	keyring, err := crypto.NewKeyring(testKey)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	if repo.services == nil {
		repo.services = map[string]*domain.Service{}
	}
	if domains != nil && domains.domains == nil {
		domains.domains = map[string]*domain.CustomDomain{}
	}
	return Service{
		services: repo,
		domains:  domains,
		keyring:  keyring,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func TestCreateEncryptsSecretsAndMasksResponse(t *testing.T) {
	repo := &stubServiceRepository{}
	svc := newTestService(t, repo, &stubDomainRepository{})

	created, webhookSecret, err := svc.Create(context.Background(), CreateInput{
		ProjectID: "proj-1",
		Name:      "My Blog",
		RepoURL:   "https://github.com/acme/blog.git/",
		EnvVars:   map[string]string{"API_KEY": "plain-value"},
		RepoToken: "ghp_token",
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if len(repo.created) != 1 {
		t.Fatalf("expected one stored service, got %d", len(repo.created))
	}
	stored := repo.created[0]

	if stored.RepoURL != "https://github.com/acme/blog" {
		t.Fatalf("repo url not normalized: %q", stored.RepoURL)
	}
	if stored.Branch != "main" {
		t.Fatalf("expected default branch main, got %q", stored.Branch)
	}
	if stored.Status != domain.ServiceStatusCreated {
		t.Fatalf("expected CREATED status, got %s", stored.Status)
	}
	if !strings.HasPrefix(stored.Subdomain, "my-blog-") {
		t.Fatalf("unexpected subdomain %q", stored.Subdomain)
	}

	if stored.EnvVars["API_KEY"] == "plain-value" {
		t.Fatalf("env value stored in plaintext")
	}
	keyring, _ := crypto.NewKeyring(testKey)
	decrypted, err := keyring.Decrypt(stored.EnvVars["API_KEY"])
	if err != nil || decrypted != "plain-value" {
		t.Fatalf("stored env not a valid envelope: %v %q", err, decrypted)
	}

	if webhookSecret == "" {
		t.Fatalf("expected plaintext webhook secret in create result")
	}
	storedSecret, err := keyring.Decrypt(stored.WebhookSecret)
	if err != nil || storedSecret != webhookSecret {
		t.Fatalf("stored webhook secret mismatch: %v", err)
	}
	if stored.RepoToken == nil {
		t.Fatalf("expected encrypted repo token")
	}
	if token, err := keyring.Decrypt(*stored.RepoToken); err != nil || token != "ghp_token" {
		t.Fatalf("stored repo token mismatch: %v %q", err, token)
	}

	// The API response masks every secret.
	if created.EnvVars["API_KEY"] != "********" {
		t.Fatalf("expected masked env, got %q", created.EnvVars["API_KEY"])
	}
	if created.WebhookSecret != "" || created.RepoToken != nil {
		t.Fatalf("response must not carry stored secrets")
	}
}

func TestCreateRetriesSubdomainOnConflict(t *testing.T) {
	repo := &stubServiceRepository{conflicts: 2}
	svc := newTestService(t, repo, &stubDomainRepository{})

	created, _, err := svc.Create(context.Background(), CreateInput{
		Name:    "api",
		RepoURL: "https://github.com/acme/api",
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if created == nil || created.Subdomain == "" {
		t.Fatalf("expected allocated subdomain after retries")
	}
}

func TestCreateValidation(t *testing.T) {
	svc := newTestService(t, &stubServiceRepository{}, &stubDomainRepository{})
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateInput
	}{
		{name: "missing name", input: CreateInput{RepoURL: "https://github.com/a/b"}},
		{name: "missing repo", input: CreateInput{Name: "x"}},
		{name: "ssh repo", input: CreateInput{Name: "x", RepoURL: "git@github.com:a/b.git"}},
		{name: "env key with equals", input: CreateInput{Name: "x", RepoURL: "https://github.com/a/b", EnvVars: map[string]string{"BAD=KEY": "v"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := svc.Create(ctx, tc.input); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateHealthCheckNormalization(t *testing.T) {
	repo := &stubServiceRepository{}
	svc := newTestService(t, repo, &stubDomainRepository{})

	_, _, err := svc.Create(context.Background(), CreateInput{
		Name:                  "api",
		RepoURL:               "https://github.com/acme/api",
		HealthCheckPath:       "health",
		HealthCheckTimeoutSec: 3,
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	stored := repo.created[0]
	if stored.HealthCheckPath == nil || *stored.HealthCheckPath != "/health" {
		t.Fatalf("expected leading slash on health path, got %v", stored.HealthCheckPath)
	}
	if stored.HealthCheckTimeoutSec == nil || *stored.HealthCheckTimeoutSec != 3 {
		t.Fatalf("expected timeout persisted, got %v", stored.HealthCheckTimeoutSec)
	}
}

func TestMergeEnvEncryptsValues(t *testing.T) {
	repo := &stubServiceRepository{}
	svc := newTestService(t, repo, &stubDomainRepository{})

	err := svc.MergeEnv(context.Background(), "svc-1", map[string]string{"TOKEN": "secret"})
	if err != nil {
		t.Fatalf("MergeEnv error: %v", err)
	}
	if repo.mergedTarget != "svc-1" {
		t.Fatalf("unexpected merge target %q", repo.mergedTarget)
	}
	keyring, _ := crypto.NewKeyring(testKey)
	if value, err := keyring.Decrypt(repo.mergedEnv["TOKEN"]); err != nil || value != "secret" {
		t.Fatalf("merged env not encrypted properly: %v %q", err, value)
	}

	if err := svc.MergeEnv(context.Background(), "svc-1", nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty env, got %v", err)
	}
}

func TestNormalizeRepoURL(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "strips git suffix", in: "https://github.com/a/b.git", want: "https://github.com/a/b"},
		{name: "strips trailing slash", in: "https://github.com/a/b/", want: "https://github.com/a/b"},
		{name: "keeps plain url", in: "https://github.com/a/b", want: "https://github.com/a/b"},
		{name: "rejects ssh", in: "git@github.com:a/b.git", wantErr: true},
		{name: "rejects empty", in: "  ", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeRepoURL(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q got %q", tc.want, got)
			}
		})
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "My Blog", want: "my-blog"},
		{in: "  API -- v2  ", want: "api-v2"},
		{in: "@@@@", want: "service"},
		{in: "averyveryverylongservicename", want: "averyveryverylongser"},
	}
	for _, tc := range cases {
		if got := Slugify(tc.in); got != tc.want {
			t.Fatalf("Slugify(%q): expected %q got %q", tc.in, tc.want, got)
		}
	}
}
