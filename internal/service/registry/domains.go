package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Donniedarko45/RenderLite/internal/domain"
	"github.com/Donniedarko45/RenderLite/pkg/crypto"
)

var errInvalidHostname = fmt.Errorf("%w: hostname is not a valid DNS name", domain.ErrValidation)

// AddDomain registers an unverified hostname for a service and issues its
// verification token.
func (s Service) AddDomain(ctx context.Context, serviceID, hostname string) (*domain.CustomDomain, error) {
	if _, err := s.services.GetServiceByID(ctx, serviceID); err != nil {
		return nil, err
	}
	normalized := strings.ToLower(strings.TrimSpace(hostname))
	if !validHostname(normalized) {
		return nil, errInvalidHostname
	}
	token, err := crypto.RandomHex(16)
	if err != nil {
		return nil, fmt.Errorf("generate verification token: %w", err)
	}
	cd := &domain.CustomDomain{
		ID:                uuid.NewString(),
		ServiceID:         serviceID,
		Hostname:          normalized,
		Verified:          false,
		VerificationToken: token,
		CreatedAt:         s.now(),
	}
	if err := s.domains.CreateDomain(ctx, cd); err != nil {
		return nil, err
	}
	s.logger.Info("custom domain added", "service_id", serviceID, "hostname", normalized)
	return cd, nil
}

// VerifyDomain marks a domain verified when the presented token matches.
// Verified domains join the routing label set on the next deployment.
func (s Service) VerifyDomain(ctx context.Context, serviceID, domainID, token string) (*domain.CustomDomain, error) {
	cd, err := s.domains.GetDomainByID(ctx, domainID)
	if err != nil {
		return nil, err
	}
	if cd.ServiceID != serviceID {
		return nil, fmt.Errorf("%w: domain does not belong to service", domain.ErrValidation)
	}
	if cd.Verified {
		return cd, nil
	}
	if !crypto.SecureCompare(cd.VerificationToken, strings.TrimSpace(token)) {
		return nil, fmt.Errorf("%w: verification token mismatch", domain.ErrValidation)
	}
	if err := s.domains.MarkDomainVerified(ctx, domainID); err != nil {
		return nil, err
	}
	cd.Verified = true
	s.logger.Info("custom domain verified", "service_id", serviceID, "hostname", cd.Hostname)
	return cd, nil
}

// ListDomains returns every domain bound to a service.
func (s Service) ListDomains(ctx context.Context, serviceID string) ([]domain.CustomDomain, error) {
	return s.domains.ListDomainsByService(ctx, serviceID)
}

func validHostname(hostname string) bool {
	if hostname == "" || len(hostname) > 253 || strings.Contains(hostname, "://") {
		return false
	}
	labels := strings.Split(hostname, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return false
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		for _, r := range label {
			if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
				return false
			}
		}
	}
	return true
}
