package auth

import (
	"context"
	"errors"
	"time"

	"kilit.org/internal/obs"
)

// Registry tracks the set of live token families per principal (one per
// logged-in device) and drives revocation fan-out to the ledger.
type Registry struct {
	store    Store
	denylist Ledger
	cfg      Config
	now      func() time.Time
}

// NewRegistry constructs a Registry sharing the issuer's store, deny-list
// and config.
func NewRegistry(store Store, denylist Ledger, cfg Config) (*Registry, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if denylist == nil {
		denylist = store.Ledger(context.Background())
	}
	return &Registry{store: store, denylist: denylist, cfg: cfg, now: time.Now}, nil
}

// ListSessions returns the principal's token families, live ones first.
func (r *Registry) ListSessions(ctx context.Context, principalID string) ([]TokenFamily, error) {
	families, err := r.store.Families(ctx).ListByPrincipal(ctx, principalID)
	if err != nil {
		return nil, storeErr(err)
	}
	return families, nil
}

// Revoke terminates one family: future rotations fail and, when access-token
// checking is enabled, outstanding access tokens of the family are rejected
// immediately.
func (r *Registry) Revoke(ctx context.Context, principalID, familyID string) error {
	family, err := r.store.Families(ctx).Find(ctx, familyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return storeErr(err)
	}
	if family.PrincipalID != principalID {
		return ErrNotFound
	}
	if err := r.store.RevokeFamily(ctx, principalID, familyID); err != nil {
		return storeErr(err)
	}
	r.fanOut(ctx, *family)
	obs.IncRevocation("family")
	return nil
}

// RevokeAll is the atomic logout-everywhere primitive. After it returns,
// every outstanding refresh token of the principal fails rotation, and every
// family is placed in the deny-list for the access-token check.
func (r *Registry) RevokeAll(ctx context.Context, principalID string) (int, error) {
	revoked, err := r.store.RevokeAllFamilies(ctx, principalID)
	if err != nil {
		return 0, storeErr(err)
	}
	for _, family := range revoked {
		r.fanOut(ctx, family)
	}
	obs.IncRevocation("all")
	return len(revoked), nil
}

// fanOut mirrors the revocation into the deny-list. The store transaction is
// the source of truth and already blocks rotation; a failed mirror write
// means outstanding access tokens of the family keep passing the access-token
// check until natural expiry, so the failure is logged and counted.
func (r *Registry) fanOut(ctx context.Context, family TokenFamily) {
	until := family.CurrentExpiresAt
	if accessUntil := r.now().UTC().Add(r.cfg.AccessTTL); accessUntil.After(until) {
		until = accessUntil
	}
	if err := r.denylist.RevokeFamily(ctx, family.ID, until); err != nil {
		obs.IncFanOutFailure()
		obs.LogError("denylist fan-out failed", err, map[string]any{
			"family_id":    family.ID,
			"principal_id": family.PrincipalID,
		})
	}
}
