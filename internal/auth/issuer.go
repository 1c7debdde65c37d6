package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"kilit.org/internal/ids"
	"kilit.org/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
)

// Config holds the recognized token issuance options. It is passed into the
// Issuer at construction time; the Issuer never reads ambient settings.
type Config struct {
	// Issuer is the iss claim stamped on every token.
	Issuer string

	// SigningAlgorithm is HS256 or RS256. Unknown algorithms are rejected
	// at construction; "none" is never accepted at verification.
	SigningAlgorithm string

	// AccessTTL is the access token lifetime (minutes scale).
	AccessTTL time.Duration

	// RefreshTTL is the refresh token lifetime (days scale).
	RefreshTTL time.Duration

	// RotateOnRefresh controls whether Rotate advances the family and
	// returns a new refresh token. When false the presented refresh token
	// stays current and only a fresh access token is issued.
	RotateOnRefresh bool

	// BlacklistAfterRotation controls whether the consumed jti is inserted
	// into the ledger on rotation. The generation check alone already
	// rejects stale tokens; the ledger entry additionally blocks them for
	// the optional access-token check.
	BlacklistAfterRotation bool

	// CheckAccessTokens enables the family-level ledger check on access
	// tokens, trading a store read per request for immediate
	// logout-everywhere. When false, access tokens are valid until natural
	// expiry regardless of revocation.
	CheckAccessTokens bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Issuer:                 "kilit",
		SigningAlgorithm:       "HS256",
		AccessTTL:              defaultAccessTTL,
		RefreshTTL:             defaultRefreshTTL,
		RotateOnRefresh:        true,
		BlacklistAfterRotation: true,
		CheckAccessTokens:      true,
	}
}

// Issuer mints signed access and refresh tokens for verified principals and
// validates presented tokens against the ledger.
type Issuer struct {
	store    Store
	denylist Ledger
	signer   *signer
	cfg      Config
	now      func() time.Time

	// key material collected by options, consumed at construction
	hsSecret      string
	rsaPrivatePEM string
	rsaPublicPEM  string
}

// IssuerOption configures Issuer behavior.
type IssuerOption func(*Issuer) error

// WithTokenSecret sets the HS256 signing secret.
func WithTokenSecret(secret string) IssuerOption {
	return func(i *Issuer) error {
		i.hsSecret = secret
		return nil
	}
}

// WithRS256Keys configures the RSA key pair used for signing and verification.
func WithRS256Keys(privatePEM, publicPEM string) IssuerOption {
	return func(i *Issuer) error {
		i.rsaPrivatePEM = privatePEM
		i.rsaPublicPEM = publicPEM
		return nil
	}
}

// WithDenylist overrides the ledger consulted on token validation and used
// for revocation fan-out. Defaults to the store's own ledger.
func WithDenylist(l Ledger) IssuerOption {
	return func(i *Issuer) error {
		if l != nil {
			i.denylist = l
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) error {
		if fn != nil {
			i.now = fn
		}
		return nil
	}
}

// NewIssuer constructs an Issuer with the given config and options.
func NewIssuer(store Store, cfg Config, opts ...IssuerOption) (*Issuer, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	iss := &Issuer{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
	for _, opt := range opts {
		if err := opt(iss); err != nil {
			return nil, err
		}
	}
	s, err := newSigner(cfg.SigningAlgorithm, iss.hsSecret, iss.rsaPrivatePEM, iss.rsaPublicPEM, cfg.Issuer)
	if err != nil {
		return nil, err
	}
	s.now = func() time.Time { return iss.now() }
	iss.signer = s
	if iss.denylist == nil {
		iss.denylist = store.Ledger(context.Background())
	}
	return iss, nil
}

// IssueInitial creates a new token family at generation 0 for the verified
// principal and signs the first access/refresh pair.
func (i *Issuer) IssueInitial(ctx context.Context, principal *Principal) (TokenPair, error) {
	if principal == nil || principal.ID == "" {
		return TokenPair{}, errors.New("auth: principal is required")
	}
	if len(principal.Assignments) == 0 {
		// Role names go into the access claims; resolve them here so the
		// caller does not have to pre-load assignments.
		assignments, err := i.store.Principals(ctx).Assignments(ctx, principal.ID)
		if err != nil {
			return TokenPair{}, storeErr(err)
		}
		p := *principal
		p.Assignments = assignments
		principal = &p
	}
	now := i.now().UTC()
	family := &TokenFamily{
		ID:               ids.New(),
		PrincipalID:      principal.ID,
		Generation:       0,
		CurrentJTI:       uuid.NewString(),
		CurrentExpiresAt: now.Add(i.cfg.RefreshTTL),
		CreatedAt:        now,
	}
	if err := i.store.Families(ctx).Create(ctx, family); err != nil {
		return TokenPair{}, storeErr(err)
	}
	return i.signPair(principal, family, now)
}

// Rotate validates the refresh token, advances its family one generation
// and issues a fresh pair. Rotation is one-shot per presented token: a
// second attempt with the same token fails with ErrTokenBlacklisted even if
// it has not naturally expired.
func (i *Issuer) Rotate(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := i.signer.parse(refreshToken, TokenTypeRefresh)
	if err != nil {
		obs.IncRotation(rotationOutcome(err))
		return TokenPair{}, err
	}

	family, err := i.store.Families(ctx).Find(ctx, claims.FamilyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.IncRotation("blacklisted")
			return TokenPair{}, ErrTokenBlacklisted
		}
		obs.IncRotation("error")
		return TokenPair{}, storeErr(err)
	}
	if family.Revoked {
		obs.IncRotation("blacklisted")
		return TokenPair{}, ErrTokenBlacklisted
	}
	if family.CurrentJTI != claims.ID {
		// Replay of an already-rotated token. Treat the family as stolen
		// and revoke the whole chain before rejecting.
		if err := i.store.RevokeFamily(ctx, family.PrincipalID, family.ID); err == nil {
			i.fanOutFamily(ctx, family)
		}
		obs.IncRotation("blacklisted")
		return TokenPair{}, ErrTokenBlacklisted
	}

	principal, err := i.principal(ctx, family.PrincipalID)
	if err != nil {
		obs.IncRotation("error")
		return TokenPair{}, err
	}

	now := i.now().UTC()
	if !i.cfg.RotateOnRefresh {
		// Keep the presented refresh token current; only mint an access token.
		access, accessExp, err := i.signAccess(principal, family.ID, now)
		if err != nil {
			obs.IncRotation("error")
			return TokenPair{}, err
		}
		obs.IncRotation("ok")
		return TokenPair{
			AccessToken:      access,
			RefreshToken:     refreshToken,
			AccessExpiresAt:  accessExp,
			RefreshExpiresAt: claims.ExpiresAt.Time,
			FamilyID:         family.ID,
		}, nil
	}

	rot := FamilyRotation{
		FamilyID:      family.ID,
		FromJTI:       claims.ID,
		ToJTI:         uuid.NewString(),
		NewGeneration: family.Generation + 1,
		NewExpiresAt:  now.Add(i.cfg.RefreshTTL),
	}
	if i.cfg.BlacklistAfterRotation {
		rot.Entry = &LedgerEntry{
			JTI:        claims.ID,
			FamilyID:   family.ID,
			Reason:     ReasonRotated,
			RecordedAt: now,
			ExpiresAt:  claims.ExpiresAt.Time,
		}
	}
	if err := i.store.RotateFamily(ctx, rot); err != nil {
		if errors.Is(err, ErrTokenBlacklisted) {
			obs.IncRotation("blacklisted")
			return TokenPair{}, ErrTokenBlacklisted
		}
		obs.IncRotation("error")
		return TokenPair{}, storeErr(err)
	}

	family.Generation = rot.NewGeneration
	family.CurrentJTI = rot.ToJTI
	family.CurrentExpiresAt = rot.NewExpiresAt

	pair, err := i.signPair(principal, family, now)
	if err != nil {
		obs.IncRotation("error")
		return TokenPair{}, err
	}
	obs.IncRotation("ok")
	return pair, nil
}

// Authenticate verifies an access token. The token is stateless and
// accepted by signature+expiry alone unless CheckAccessTokens is on, in
// which case jtis and families present in the ledger are rejected. Ledger
// errors deny the token rather than letting it through.
func (i *Issuer) Authenticate(ctx context.Context, accessToken string) (*Claims, error) {
	claims, err := i.signer.parse(accessToken, TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	if !i.cfg.CheckAccessTokens {
		return claims, nil
	}
	if hit, err := i.denylist.Contains(ctx, claims.ID); err != nil {
		return nil, storeErr(err)
	} else if hit {
		obs.IncLedgerRejection()
		return nil, ErrTokenBlacklisted
	}
	if hit, err := i.denylist.ContainsFamily(ctx, claims.FamilyID); err != nil {
		return nil, storeErr(err)
	} else if hit {
		obs.IncLedgerRejection()
		return nil, ErrTokenBlacklisted
	}
	return claims, nil
}

// Denylist exposes the ledger used for validation, so the session registry
// can fan revocations out to the same deny-list.
func (i *Issuer) Denylist() Ledger { return i.denylist }

func (i *Issuer) principal(ctx context.Context, principalID string) (*Principal, error) {
	principals := i.store.Principals(ctx)
	p, err := principals.Find(ctx, principalID)
	if err != nil {
		return nil, storeErr(err)
	}
	assignments, err := principals.Assignments(ctx, p.ID)
	if err != nil {
		return nil, storeErr(err)
	}
	p.Assignments = assignments
	return p, nil
}

func (i *Issuer) signPair(principal *Principal, family *TokenFamily, now time.Time) (TokenPair, error) {
	access, accessExp, err := i.signAccess(principal, family.ID, now)
	if err != nil {
		return TokenPair{}, err
	}
	refreshClaims := Claims{
		TokenType:  TokenTypeRefresh,
		FamilyID:   family.ID,
		Generation: family.Generation,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   principal.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(family.CurrentExpiresAt),
			ID:        family.CurrentJTI,
		},
	}
	refresh, err := i.signer.sign(refreshClaims)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: family.CurrentExpiresAt,
		FamilyID:         family.ID,
	}, nil
}

func (i *Issuer) signAccess(principal *Principal, familyID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(i.cfg.AccessTTL)
	claims := Claims{
		TokenType:  TokenTypeAccess,
		FamilyID:   familyID,
		Roles:      principal.RoleNames(),
		Email:      principal.Email,
		IsVerified: principal.IsVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   principal.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token, err := i.signer.sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// fanOutFamily mirrors a family revocation into the deny-list so access
// tokens are rejected immediately, not only at the next refresh. A failed
// mirror write leaves them valid until natural expiry; log and count it.
func (i *Issuer) fanOutFamily(ctx context.Context, family *TokenFamily) {
	until := family.CurrentExpiresAt
	if accessUntil := i.now().UTC().Add(i.cfg.AccessTTL); accessUntil.After(until) {
		until = accessUntil
	}
	if err := i.denylist.RevokeFamily(ctx, family.ID, until); err != nil {
		obs.IncFanOutFailure()
		obs.LogError("denylist fan-out failed", err, map[string]any{
			"family_id":    family.ID,
			"principal_id": family.PrincipalID,
		})
	}
}

func rotationOutcome(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenBlacklisted):
		return "blacklisted"
	case errors.Is(err, ErrTokenMalformed):
		return "malformed"
	default:
		return "error"
	}
}
