// Package pg implements the auth store on PostgreSQL. The rotation and
// revocation primitives rely on single conditional statements inside one
// transaction, which gives the per-family linearizability the core needs.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"kilit.org/internal/auth"
)

// Store implements auth.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// Open connects to Postgres via the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle (tests use sqlmock here).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Principals(ctx context.Context) auth.PrincipalStore { return &principalStore{db: s.db} }
func (s *Store) Families(ctx context.Context) auth.FamilyStore      { return &familyStore{db: s.db} }
func (s *Store) Ledger(ctx context.Context) auth.Ledger             { return &ledgerStore{db: s.db} }

// RotateFamily advances the family generation and ledgers the consumed jti
// in one transaction. The conditional update matches zero rows when a
// concurrent rotation already consumed the token or the family is revoked;
// that loser gets ErrTokenBlacklisted.
func (s *Store) RotateFamily(ctx context.Context, rot auth.FamilyRotation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update token_families
		set current_jti=$1, generation=$2, current_expires_at=$3
		where id=$4 and current_jti=$5 and revoked=false
	`, rot.ToJTI, rot.NewGeneration, rot.NewExpiresAt, rot.FamilyID, rot.FromJTI)
	if err != nil {
		return fmt.Errorf("advance family: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return auth.ErrTokenBlacklisted
	}

	if rot.Entry != nil {
		if _, err := tx.ExecContext(ctx, `
			insert into token_ledger(jti, family_id, reason, recorded_at, expires_at)
			values($1,$2,$3,$4,$5)
			on conflict (jti) do nothing
		`, rot.Entry.JTI, rot.Entry.FamilyID, string(rot.Entry.Reason), rot.Entry.RecordedAt, rot.Entry.ExpiresAt); err != nil {
			return fmt.Errorf("ledger consumed jti: %w", err)
		}
	}
	return tx.Commit()
}

// RevokeFamily marks one family revoked and ledgers its current generation
// on a single snapshot.
func (s *Store) RevokeFamily(ctx context.Context, principalID, familyID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revoke: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var jti string
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx, `
		update token_families set revoked=true
		where id=$1 and principal_id=$2
		returning current_jti, current_expires_at
	`, familyID, principalID).Scan(&jti, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("revoke family: %w", err)
	}

	if err := ledgerFamilyTx(ctx, tx, familyID, jti, expiresAt, auth.ReasonLogout); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeAllFamilies revokes every live family of the principal and ledgers
// each current generation, all inside one transaction so no rotation can
// observe a half-revoked state.
func (s *Store) RevokeAllFamilies(ctx context.Context, principalID string) ([]auth.TokenFamily, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin revoke all: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		update token_families set revoked=true
		where principal_id=$1 and revoked=false
		returning id, principal_id, generation, current_jti, current_expires_at, created_at
	`, principalID)
	if err != nil {
		return nil, fmt.Errorf("revoke families: %w", err)
	}

	var revoked []auth.TokenFamily
	for rows.Next() {
		var f auth.TokenFamily
		if err := rows.Scan(&f.ID, &f.PrincipalID, &f.Generation, &f.CurrentJTI, &f.CurrentExpiresAt, &f.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		f.Revoked = true
		revoked = append(revoked, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, f := range revoked {
		if err := ledgerFamilyTx(ctx, tx, f.ID, f.CurrentJTI, f.CurrentExpiresAt, auth.ReasonLogout); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return revoked, nil
}

// ledgerFamilyTx inserts both the current-jti entry and the family-wide
// marker consulted by the access-token check.
func ledgerFamilyTx(ctx context.Context, tx *sql.Tx, familyID, jti string, expiresAt time.Time, reason auth.Reason) error {
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		insert into token_ledger(jti, family_id, reason, recorded_at, expires_at)
		values($1,$2,$3,$4,$5)
		on conflict (jti) do nothing
	`, jti, familyID, string(reason), now, expiresAt); err != nil {
		return fmt.Errorf("ledger current jti: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into token_ledger(jti, family_id, reason, recorded_at, expires_at)
		values($1,$2,$3,$4,$5)
		on conflict (jti) do update
		set expires_at = greatest(token_ledger.expires_at, excluded.expires_at)
	`, familyKey(familyID), familyID, string(reason), now, expiresAt); err != nil {
		return fmt.Errorf("ledger family marker: %w", err)
	}
	return nil
}

// familyKey is the synthetic jti under which a family-wide revocation is
// stored, distinct from any real token id.
func familyKey(familyID string) string { return "family:" + familyID }

// principal store ----------------------------------------------------------

type principalStore struct{ db *sql.DB }

const principalColumns = `id, identifier, secret_hash, email, is_verified, active,
	coalesce(last_authenticated_at, 'epoch'::timestamptz), created_at, updated_at`

func (s *principalStore) Find(ctx context.Context, id string) (*auth.Principal, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where id=$1`, id)
	return scanPrincipal(row)
}

func (s *principalStore) FindByIdentifier(ctx context.Context, identifier string) (*auth.Principal, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where identifier=$1`, identifier)
	return scanPrincipal(row)
}

func scanPrincipal(row *sql.Row) (*auth.Principal, error) {
	var p auth.Principal
	err := row.Scan(&p.ID, &p.Identifier, &p.SecretHash, &p.Email, &p.IsVerified, &p.Active,
		&p.LastAuthenticatedAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *principalStore) Assignments(ctx context.Context, principalID string) ([]auth.RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select principal_id, role, coalesce(scope,''), created_at
		from role_assignments where principal_id=$1 order by created_at
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.RoleAssignment
	for rows.Next() {
		var a auth.RoleAssignment
		if err := rows.Scan(&a.PrincipalID, &a.Role, &a.Scope, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *principalStore) TouchAuthenticated(ctx context.Context, principalID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update principals set last_authenticated_at=$1 where id=$2`, at, principalID)
	return err
}

// family store -------------------------------------------------------------

type familyStore struct{ db *sql.DB }

func (s *familyStore) Create(ctx context.Context, family *auth.TokenFamily) error {
	_, err := s.db.ExecContext(ctx, `
		insert into token_families(id, principal_id, generation, current_jti, current_expires_at, revoked, created_at)
		values($1,$2,$3,$4,$5,$6,$7)
	`, family.ID, family.PrincipalID, family.Generation, family.CurrentJTI,
		family.CurrentExpiresAt, family.Revoked, family.CreatedAt)
	return err
}

func (s *familyStore) Find(ctx context.Context, id string) (*auth.TokenFamily, error) {
	var f auth.TokenFamily
	err := s.db.QueryRowContext(ctx, `
		select id, principal_id, generation, current_jti, current_expires_at, revoked, created_at
		from token_families where id=$1
	`, id).Scan(&f.ID, &f.PrincipalID, &f.Generation, &f.CurrentJTI, &f.CurrentExpiresAt, &f.Revoked, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *familyStore) ListByPrincipal(ctx context.Context, principalID string) ([]auth.TokenFamily, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, principal_id, generation, current_jti, current_expires_at, revoked, created_at
		from token_families where principal_id=$1
		order by revoked asc, created_at desc
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var families []auth.TokenFamily
	for rows.Next() {
		var f auth.TokenFamily
		if err := rows.Scan(&f.ID, &f.PrincipalID, &f.Generation, &f.CurrentJTI, &f.CurrentExpiresAt, &f.Revoked, &f.CreatedAt); err != nil {
			return nil, err
		}
		families = append(families, f)
	}
	return families, rows.Err()
}

// ledger -------------------------------------------------------------------

type ledgerStore struct{ db *sql.DB }

func (s *ledgerStore) CheckAndInsert(ctx context.Context, entry auth.LedgerEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		insert into token_ledger(jti, family_id, reason, recorded_at, expires_at)
		values($1,$2,$3,$4,$5)
		on conflict (jti) do nothing
	`, entry.JTI, entry.FamilyID, string(entry.Reason), entry.RecordedAt, entry.ExpiresAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *ledgerStore) Insert(ctx context.Context, entry auth.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into token_ledger(jti, family_id, reason, recorded_at, expires_at)
		values($1,$2,$3,$4,$5)
		on conflict (jti) do nothing
	`, entry.JTI, entry.FamilyID, string(entry.Reason), entry.RecordedAt, entry.ExpiresAt)
	return err
}

func (s *ledgerStore) Contains(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from token_ledger where jti=$1 and expires_at > now())`, jti,
	).Scan(&exists)
	return exists, err
}

func (s *ledgerStore) ContainsFamily(ctx context.Context, familyID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from token_ledger where jti=$1 and expires_at > now())`, familyKey(familyID),
	).Scan(&exists)
	return exists, err
}

func (s *ledgerStore) RevokeFamily(ctx context.Context, familyID string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into token_ledger(jti, family_id, reason, recorded_at, expires_at)
		values($1,$2,$3,$4,$5)
		on conflict (jti) do update
		set expires_at = greatest(token_ledger.expires_at, excluded.expires_at)
	`, familyKey(familyID), familyID, string(auth.ReasonRevoked), time.Now().UTC(), until)
	return err
}

func (s *ledgerStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from token_ledger where expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
