package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kilit.org/internal/obs"
)

// Verifier checks a presented identifier/secret pair against stored hashed
// credentials. It is a leaf component: no token machinery involved.
type Verifier struct {
	store Store
	now   func() time.Time

	// dummyHash is compared against the presented secret when the
	// identifier is unknown, so the unknown-identifier path takes the same
	// time as a real mismatch.
	dummyHash string
}

// NewVerifier constructs a Verifier. The dummy hash is generated once per
// process from random material.
func NewVerifier(store Store) (*Verifier, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	dummy, err := HashSecret("kilit-dummy-" + time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return &Verifier{store: store, now: time.Now, dummyHash: dummy}, nil
}

// Verify authenticates the identifier/secret pair and returns the principal
// with resolved role assignments. It fails with ErrInvalidCredentials on
// unknown identifier or secret mismatch, and with ErrUserInactive when the
// principal exists but is deactivated. The secret and hash are never logged
// or returned.
func (v *Verifier) Verify(ctx context.Context, identifier, secret string) (*Principal, error) {
	identifier = strings.TrimSpace(strings.ToLower(identifier))
	if identifier == "" || secret == "" {
		obs.IncAuthAttempt("invalid_credentials")
		return nil, ErrInvalidCredentials
	}

	principals := v.store.Principals(ctx)
	p, err := principals.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Burn a comparison so lookup misses are indistinguishable
			// from hash mismatches by timing.
			_, _ = VerifySecret(v.dummyHash, secret)
			obs.IncAuthAttempt("invalid_credentials")
			return nil, ErrInvalidCredentials
		}
		obs.IncAuthAttempt("error")
		return nil, storeErr(err)
	}

	ok, err := VerifySecret(p.SecretHash, secret)
	if err != nil || !ok {
		obs.IncAuthAttempt("invalid_credentials")
		return nil, ErrInvalidCredentials
	}

	// Active flag is checked after the hash comparison on every path, so
	// deactivated accounts do not create a timing difference.
	if !p.Active {
		obs.IncAuthAttempt("inactive")
		return nil, ErrUserInactive
	}

	assignments, err := principals.Assignments(ctx, p.ID)
	if err != nil {
		obs.IncAuthAttempt("error")
		return nil, storeErr(err)
	}
	p.Assignments = assignments

	now := v.now().UTC()
	if err := principals.TouchAuthenticated(ctx, p.ID, now); err == nil {
		p.LastAuthenticatedAt = now
	}

	obs.IncAuthAttempt("ok")
	return p, nil
}

// storeErr keeps ErrNotFound and already-classified errors intact and maps
// everything else (timeouts, connectivity) onto ErrStoreUnavailable.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrTokenBlacklisted),
		errors.Is(err, ErrStoreUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}
