package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sunkingbms/backend-main/internal/auth"
	"github.com/sunkingbms/backend-main/internal/ids"
)

const identityColumns = `id, email, password_hash, first_name, last_name,
	is_active, is_staff, is_verified, failed_logins, locked_until,
	password_changed_at, google_subject, created_at, updated_at`

type identityStore struct{ db *sql.DB }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*auth.Identity, error) {
	var (
		rec           auth.Identity
		passwordHash  sql.NullString
		lockedUntil   sql.NullTime
		passwordAt    sql.NullTime
		googleSubject sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.Email, &passwordHash, &rec.FirstName, &rec.LastName,
		&rec.IsActive, &rec.IsStaff, &rec.IsVerified, &rec.FailedLogins, &lockedUntil,
		&passwordAt, &googleSubject, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.PasswordHash = passwordHash.String
	rec.LockedUntil = timePtr(lockedUntil)
	if passwordAt.Valid {
		rec.PasswordChangedAt = passwordAt.Time
	}
	rec.GoogleSubject = googleSubject.String
	return &rec, nil
}

func (s identityStore) Create(ctx context.Context, identity *auth.Identity) error {
	if identity.ID == "" {
		identity.ID = ids.New()
	}
	identity.Email = auth.NormalizeEmail(identity.Email)
	row := s.db.QueryRowContext(ctx, `
		insert into identities (id, email, password_hash, first_name, last_name,
			is_active, is_staff, is_verified, password_changed_at, google_subject)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		returning `+identityColumns,
		identity.ID, identity.Email, nullIfEmpty(identity.PasswordHash),
		identity.FirstName, identity.LastName,
		identity.IsActive, identity.IsStaff, identity.IsVerified,
		nullTime(nonZeroTime(identity.PasswordChangedAt)), nullIfEmpty(identity.GoogleSubject),
	)
	created, err := scanIdentity(row)
	if err != nil {
		return mapConstraintError(err)
	}
	*identity = *created
	return nil
}

func (s identityStore) Find(ctx context.Context, id string) (*auth.Identity, error) {
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where id = $1`, id)
	return scanIdentity(row)
}

func (s identityStore) FindByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where email = $1`,
		auth.NormalizeEmail(email))
	return scanIdentity(row)
}

func (s identityStore) List(ctx context.Context) ([]auth.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `select `+identityColumns+` from identities order by email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var identities []auth.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, *identity)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return identities, nil
}

// GetOrCreateByEmail attempts the insert first; on a concurrent duplicate
// the conflict clause yields no row and the existing identity is read
// under a row lock. This avoids the naive check-then-insert race.
func (s identityStore) GetOrCreateByEmail(ctx context.Context, identity *auth.Identity) (*auth.Identity, bool, error) {
	if identity.ID == "" {
		identity.ID = ids.New()
	}
	email := auth.NormalizeEmail(identity.Email)
	row := s.db.QueryRowContext(ctx, `
		insert into identities (id, email, password_hash, first_name, last_name,
			is_active, is_staff, is_verified, google_subject)
		values ($1, $2, null, $3, $4, $5, false, $6, $7)
		on conflict (email) do nothing
		returning `+identityColumns,
		identity.ID, email, identity.FirstName, identity.LastName,
		identity.IsActive, identity.IsVerified, nullIfEmpty(identity.GoogleSubject),
	)
	created, err := scanIdentity(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, auth.ErrNotFound) {
		return nil, false, mapConstraintError(err)
	}
	existing, err := scanIdentity(s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where email = $1 for update`, email))
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s identityStore) Update(ctx context.Context, id string, upd auth.IdentityUpdate) (*auth.Identity, error) {
	var (
		sets []string
		args []any
		idx  = 1
	)
	appendSet := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}
	if upd.FirstName != nil {
		appendSet("first_name", *upd.FirstName)
	}
	if upd.LastName != nil {
		appendSet("last_name", *upd.LastName)
	}
	if upd.IsActive != nil {
		appendSet("is_active", *upd.IsActive)
	}
	if upd.IsStaff != nil {
		appendSet("is_staff", *upd.IsStaff)
	}
	if upd.IsVerified != nil {
		appendSet("is_verified", *upd.IsVerified)
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update identities set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, mapConstraintError(err)
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if aff == 0 {
			return nil, auth.ErrNotFound
		}
	}
	return s.Find(ctx, id)
}

func (s identityStore) SetPassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update identities
		set password_hash = $2, password_changed_at = $3, updated_at = now()
		where id = $1`, id, passwordHash, changedAt)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// RecordLoginFailure is a single UPDATE so concurrent failures on the same
// identity never lose a count. The lock expiry is set only when the
// incremented counter reaches the threshold; the counter itself is left
// intact.
func (s identityStore) RecordLoginFailure(ctx context.Context, id string, threshold int, window time.Duration) (*auth.Identity, error) {
	until := time.Now().UTC().Add(window)
	row := s.db.QueryRowContext(ctx, `
		update identities
		set failed_logins = failed_logins + 1,
		    locked_until = case when failed_logins + 1 >= $2 then $3 else locked_until end,
		    updated_at = now()
		where id = $1
		returning `+identityColumns, id, threshold, until)
	return scanIdentity(row)
}

func (s identityStore) RecordLoginSuccess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update identities
		set failed_logins = 0, locked_until = null, updated_at = now()
		where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s identityStore) SetLockout(ctx context.Context, id string, failed int, until *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update identities
		set failed_logins = $2, locked_until = $3, updated_at = now()
		where id = $1`, id, failed, nullTime(until))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func nonZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
