package auth

import "errors"

var (
	// ErrInvalidCredentials covers both unknown identifier and wrong secret.
	// Callers must not distinguish the two in user-facing output.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrUserInactive means the principal exists but is deactivated.
	ErrUserInactive = errors.New("auth: principal inactive")

	// ErrTokenMalformed means the token failed signature or format checks.
	ErrTokenMalformed = errors.New("auth: token malformed")

	// ErrTokenExpired means the token is past its exp claim.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenBlacklisted means the token was rejected by the ledger despite
	// a valid signature and expiry: rotated, revoked, or replayed.
	ErrTokenBlacklisted = errors.New("auth: token blacklisted")

	// ErrInsufficientPermission is an authorization failure, distinct from
	// the authentication failures above.
	ErrInsufficientPermission = errors.New("auth: insufficient permission")

	// ErrStoreUnavailable means the ledger or registry backend was
	// unreachable or timed out. Never treated as an implicit allow.
	ErrStoreUnavailable = errors.New("auth: store unavailable")

	// ErrNotFound is returned by stores for missing principals or families.
	ErrNotFound = errors.New("auth: not found")
)
