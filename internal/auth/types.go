package auth

import (
	"sort"
	"strings"
	"time"
)

// Principal is a stable identity. It is created and administered by an
// external user-management collaborator; this core only reads it, except for
// recording last_authenticated_at on successful verification.
type Principal struct {
	ID                  string
	Identifier          string
	SecretHash          string
	Email               string
	IsVerified          bool
	Active              bool
	Assignments         []RoleAssignment
	LastAuthenticatedAt time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RoleNames returns the principal's role names, deduplicated, lower-cased
// and sorted. Scope qualifiers are not part of the name.
func (p *Principal) RoleNames() []string {
	if p == nil || len(p.Assignments) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(p.Assignments))
	var names []string
	for _, a := range p.Assignments {
		name := strings.TrimSpace(strings.ToLower(a.Role))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RoleAssignment grants a principal a role in an optional scope
// (for example an organization id). Read-only for this core.
type RoleAssignment struct {
	PrincipalID string
	Role        string
	Scope       string
	CreatedAt   time.Time
}

// TokenFamily identifies one continuous chain of refresh-token rotations
// issued to one principal on one logical session (device/browser).
type TokenFamily struct {
	ID               string
	PrincipalID      string
	Generation       int
	CurrentJTI       string
	CurrentExpiresAt time.Time
	Revoked          bool
	CreatedAt        time.Time
}

// Reason records why a jti was placed in the ledger.
type Reason string

const (
	ReasonRotated Reason = "rotated"
	ReasonRevoked Reason = "revoked"
	ReasonLogout  Reason = "logout"
)

// LedgerEntry blocks a token id before its natural expiry. Entries are
// garbage-collectable once now > ExpiresAt.
type LedgerEntry struct {
	JTI        string
	FamilyID   string
	Reason     Reason
	RecordedAt time.Time
	ExpiresAt  time.Time
}

// TokenPair carries a freshly issued access and refresh token.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	FamilyID         string    `json:"-"`
}
