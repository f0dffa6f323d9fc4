package domain

import "time"

// CustomDomain maps an external hostname onto a service. Only verified
// domains participate in routing.
type CustomDomain struct {
	ID                string
	ServiceID         string
	Hostname          string
	Verified          bool
	VerificationToken string
	CreatedAt         time.Time
}
