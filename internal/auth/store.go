package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth core.
// Implementations must translate backend timeouts and connectivity failures
// into ErrStoreUnavailable so callers can fail closed.
type Store interface {
	Principals(ctx context.Context) PrincipalStore
	Families(ctx context.Context) FamilyStore
	Ledger(ctx context.Context) Ledger

	// RotateFamily advances a family to its next generation and, when
	// rot.Entry is set, inserts the ledger entry for the consumed jti.
	// The two effects are indivisible: concurrent calls presenting the same
	// FromJTI result in exactly one success; the rest get ErrTokenBlacklisted.
	RotateFamily(ctx context.Context, rot FamilyRotation) error

	// RevokeFamily marks one family revoked and ledgers its current
	// generation in a single consistent snapshot.
	RevokeFamily(ctx context.Context, principalID, familyID string) error

	// RevokeAllFamilies revokes every live family of the principal
	// atomically and returns the families that were revoked, so callers can
	// fan the revocation out to a secondary deny-list.
	RevokeAllFamilies(ctx context.Context, principalID string) ([]TokenFamily, error)
}

// PrincipalStore reads principals and their role assignments.
type PrincipalStore interface {
	Find(ctx context.Context, id string) (*Principal, error)
	FindByIdentifier(ctx context.Context, identifier string) (*Principal, error)
	Assignments(ctx context.Context, principalID string) ([]RoleAssignment, error)
	TouchAuthenticated(ctx context.Context, principalID string, at time.Time) error
}

// FamilyStore manages token family records.
type FamilyStore interface {
	Create(ctx context.Context, family *TokenFamily) error
	Find(ctx context.Context, id string) (*TokenFamily, error)
	ListByPrincipal(ctx context.Context, principalID string) ([]TokenFamily, error)
}

// Ledger is the blacklist of token ids rejected before natural expiry.
// The backing store must support an atomic check-then-insert primitive;
// independent read-then-write is insufficient under concurrent refreshes.
type Ledger interface {
	// CheckAndInsert inserts the entry unless its jti is already present.
	// Returns false when the jti was already ledgered.
	CheckAndInsert(ctx context.Context, entry LedgerEntry) (bool, error)

	// Insert records the entry unconditionally (idempotent on jti).
	Insert(ctx context.Context, entry LedgerEntry) error

	// Contains reports whether the jti is currently ledgered.
	Contains(ctx context.Context, jti string) (bool, error)

	// ContainsFamily reports whether the whole family is ledgered.
	ContainsFamily(ctx context.Context, familyID string) (bool, error)

	// RevokeFamily rejects all past and future generations of the family
	// until each naturally expires.
	RevokeFamily(ctx context.Context, familyID string, until time.Time) error

	// PurgeExpired removes entries whose blocked tokens have expired.
	PurgeExpired(ctx context.Context) (int64, error)
}

// FamilyRotation is the atomic advance-and-ledger-insert performed on
// refresh. Entry is nil when blacklist-after-rotation is disabled.
type FamilyRotation struct {
	FamilyID      string
	FromJTI       string
	ToJTI         string
	NewGeneration int
	NewExpiresAt  time.Time
	Entry         *LedgerEntry
}
