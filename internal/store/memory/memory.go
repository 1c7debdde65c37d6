// Package memory provides an in-process Store used in tests and in dev mode
// when no Postgres DSN is configured. A single mutex makes every primitive
// trivially linearizable, which the rotation property tests rely on.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"kilit.org/internal/auth"
)

// Store implements auth.Store entirely in memory.
type Store struct {
	mu sync.Mutex

	principals  map[string]auth.Principal        // by id
	identifiers map[string]string                // identifier -> principal id
	assignments map[string][]auth.RoleAssignment // by principal id
	families    map[string]auth.TokenFamily      // by family id
	ledger      map[string]auth.LedgerEntry      // by jti
	ledgerFams  map[string]time.Time             // family id -> blocked until

	now func() time.Time
}

var _ auth.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		principals:  make(map[string]auth.Principal),
		identifiers: make(map[string]string),
		assignments: make(map[string][]auth.RoleAssignment),
		families:    make(map[string]auth.TokenFamily),
		ledger:      make(map[string]auth.LedgerEntry),
		ledgerFams:  make(map[string]time.Time),
		now:         time.Now,
	}
}

// SetClock overrides the time source (tests).
func (s *Store) SetClock(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.now = fn
	}
}

// SeedPrincipal installs a principal and its assignments. Principals are
// administered by an external collaborator in production; seeding stands in
// for that collaborator here.
func (s *Store) SeedPrincipal(p auth.Principal, assignments ...auth.RoleAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principals[p.ID] = p
	s.identifiers[strings.ToLower(p.Identifier)] = p.ID
	s.assignments[p.ID] = append([]auth.RoleAssignment(nil), assignments...)
}

func (s *Store) Principals(ctx context.Context) auth.PrincipalStore { return (*principalStore)(s) }
func (s *Store) Families(ctx context.Context) auth.FamilyStore      { return (*familyStore)(s) }
func (s *Store) Ledger(ctx context.Context) auth.Ledger             { return (*ledgerStore)(s) }

// RotateFamily performs the conditional advance and the ledger insert under
// one lock: exactly one of N concurrent rotations with the same FromJTI
// succeeds.
func (s *Store) RotateFamily(ctx context.Context, rot auth.FamilyRotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	family, ok := s.families[rot.FamilyID]
	if !ok {
		return auth.ErrNotFound
	}
	if family.Revoked || family.CurrentJTI != rot.FromJTI {
		return auth.ErrTokenBlacklisted
	}

	family.CurrentJTI = rot.ToJTI
	family.Generation = rot.NewGeneration
	family.CurrentExpiresAt = rot.NewExpiresAt
	s.families[rot.FamilyID] = family

	if rot.Entry != nil {
		if _, exists := s.ledger[rot.Entry.JTI]; !exists {
			s.ledger[rot.Entry.JTI] = *rot.Entry
		}
	}
	return nil
}

// RevokeFamily marks the family revoked and ledgers its current generation
// in the same critical section.
func (s *Store) RevokeFamily(ctx context.Context, principalID, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeLocked(principalID, familyID)
}

// RevokeAllFamilies revokes every live family for the principal atomically.
func (s *Store) RevokeAllFamilies(ctx context.Context, principalID string) ([]auth.TokenFamily, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked []auth.TokenFamily
	for id, family := range s.families {
		if family.PrincipalID != principalID || family.Revoked {
			continue
		}
		if err := s.revokeLocked(principalID, id); err != nil {
			return nil, err
		}
		revoked = append(revoked, s.families[id])
	}
	sort.Slice(revoked, func(i, j int) bool { return revoked[i].ID < revoked[j].ID })
	return revoked, nil
}

func (s *Store) revokeLocked(principalID, familyID string) error {
	family, ok := s.families[familyID]
	if !ok || family.PrincipalID != principalID {
		return auth.ErrNotFound
	}
	family.Revoked = true
	s.families[familyID] = family

	if _, exists := s.ledger[family.CurrentJTI]; !exists {
		s.ledger[family.CurrentJTI] = auth.LedgerEntry{
			JTI:        family.CurrentJTI,
			FamilyID:   family.ID,
			Reason:     auth.ReasonRevoked,
			RecordedAt: s.now().UTC(),
			ExpiresAt:  family.CurrentExpiresAt,
		}
	}
	if until, ok := s.ledgerFams[familyID]; !ok || family.CurrentExpiresAt.After(until) {
		s.ledgerFams[familyID] = family.CurrentExpiresAt
	}
	return nil
}

// principal store ----------------------------------------------------------

type principalStore Store

func (s *principalStore) Find(ctx context.Context, id string) (*auth.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	out := p
	return &out, nil
}

func (s *principalStore) FindByIdentifier(ctx context.Context, identifier string) (*auth.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identifiers[strings.ToLower(identifier)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	p := s.principals[id]
	out := p
	return &out, nil
}

func (s *principalStore) Assignments(ctx context.Context, principalID string) ([]auth.RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]auth.RoleAssignment(nil), s.assignments[principalID]...), nil
}

func (s *principalStore) TouchAuthenticated(ctx context.Context, principalID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[principalID]
	if !ok {
		return auth.ErrNotFound
	}
	p.LastAuthenticatedAt = at
	s.principals[principalID] = p
	return nil
}

// family store -------------------------------------------------------------

type familyStore Store

func (s *familyStore) Create(ctx context.Context, family *auth.TokenFamily) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.families[family.ID] = *family
	return nil
}

func (s *familyStore) Find(ctx context.Context, id string) (*auth.TokenFamily, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	family, ok := s.families[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	out := family
	return &out, nil
}

func (s *familyStore) ListByPrincipal(ctx context.Context, principalID string) ([]auth.TokenFamily, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.TokenFamily
	for _, family := range s.families {
		if family.PrincipalID == principalID {
			out = append(out, family)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Revoked != out[j].Revoked {
			return !out[i].Revoked
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ledger -------------------------------------------------------------------

type ledgerStore Store

func (s *ledgerStore) CheckAndInsert(ctx context.Context, entry auth.LedgerEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, exists := s.ledger[entry.JTI]; exists && e.ExpiresAt.After(s.now()) {
		return false, nil
	}
	s.ledger[entry.JTI] = entry
	return true, nil
}

func (s *ledgerStore) Insert(ctx context.Context, entry auth.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger[entry.JTI] = entry
	return nil
}

func (s *ledgerStore) Contains(ctx context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.ledger[jti]
	return ok && entry.ExpiresAt.After(s.now()), nil
}

func (s *ledgerStore) ContainsFamily(ctx context.Context, familyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.ledgerFams[familyID]
	return ok && until.After(s.now()), nil
}

func (s *ledgerStore) RevokeFamily(ctx context.Context, familyID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.ledgerFams[familyID]; !ok || until.After(existing) {
		s.ledgerFams[familyID] = until
	}
	return nil
}

func (s *ledgerStore) PurgeExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var purged int64
	for jti, entry := range s.ledger {
		if !entry.ExpiresAt.After(now) {
			delete(s.ledger, jti)
			purged++
		}
	}
	for familyID, until := range s.ledgerFams {
		if !until.After(now) {
			delete(s.ledgerFams, familyID)
			purged++
		}
	}
	return purged, nil
}
