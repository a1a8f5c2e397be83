package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sunkingbms/backend-main/internal/auth"
)

var identityCols = []string{
	"id", "email", "password_hash", "first_name", "last_name",
	"is_active", "is_staff", "is_verified", "failed_logins", "locked_until",
	"password_changed_at", "google_subject", "created_at", "updated_at",
}

func identityRow(id, email string, failed int, lockedUntil any) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(identityCols).AddRow(
		id, email, "$argon2id$hash", "Ada", "Lovelace",
		true, false, false, failed, lockedUntil,
		now, nil, now, now,
	)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestIdentityCreateConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("insert into identities").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "identities_email_key"})

	err := store.Identities(context.Background()).Create(context.Background(), &auth.Identity{
		Email: "dup@example.com",
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIdentityFindByEmailNormalizes(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select .* from identities where email").
		WithArgs("ada@example.com").
		WillReturnRows(identityRow("id-1", "ada@example.com", 0, nil))

	identity, err := store.Identities(context.Background()).FindByEmail(context.Background(), "  Ada@Example.COM ")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if identity.ID != "id-1" || identity.PasswordHash != "$argon2id$hash" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIdentityFindNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select .* from identities where id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(identityCols))

	_, err := store.Identities(context.Background()).Find(context.Background(), "missing")
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordLoginFailureSingleUpdate(t *testing.T) {
	store, mock := newMockStore(t)

	lockedAt := time.Now().UTC().Add(15 * time.Minute)
	mock.ExpectQuery("update identities").
		WithArgs("id-1", 5, sqlmock.AnyArg()).
		WillReturnRows(identityRow("id-1", "ada@example.com", 5, lockedAt))

	identity, err := store.Identities(context.Background()).RecordLoginFailure(context.Background(), "id-1", 5, 15*time.Minute)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if identity.FailedLogins != 5 || identity.LockedUntil == nil {
		t.Fatalf("expected counted, locked identity: %+v", identity)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetOrCreateByEmailExisting(t *testing.T) {
	store, mock := newMockStore(t)

	// Conflict clause yields no row, then the locked read returns the
	// existing identity.
	mock.ExpectQuery("insert into identities").
		WillReturnRows(sqlmock.NewRows(identityCols))
	mock.ExpectQuery("select .* from identities where email = .* for update").
		WithArgs("fed@example.com").
		WillReturnRows(identityRow("existing-1", "fed@example.com", 0, nil))

	identity, created, err := store.Identities(context.Background()).GetOrCreateByEmail(context.Background(), &auth.Identity{
		Email: "Fed@Example.com",
	})
	if err != nil {
		t.Fatalf("GetOrCreateByEmail: %v", err)
	}
	if created {
		t.Fatalf("expected existing identity, got created")
	}
	if identity.ID != "existing-1" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRoleCreateKeepsEmptyOptionalColumns(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	// description and category are not-null columns; an omitted value is
	// bound as the empty string rather than null.
	mock.ExpectQuery("insert into roles").
		WithArgs(sqlmock.AnyArg(), "Auditor", "auditor", "", "", true).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "code", "description", "category", "is_active", "created_at", "updated_at",
		}).AddRow("role-1", "Auditor", "auditor", "", "", true, now, now))

	role := &auth.Role{Name: "Auditor", Code: "auditor", IsActive: true}
	if err := store.Roles(context.Background()).Create(context.Background(), role); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if role.ID != "role-1" || role.Description != "" {
		t.Fatalf("unexpected role: %+v", role)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRoleSetGrantsTransactional(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from roles").
		WithArgs("role-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec("delete from role_permissions").
		WithArgs("role-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("insert into role_permissions").
		WithArgs("role-1", "perm-1", "global", false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Roles(context.Background()).SetGrants(context.Background(), "role-1", []auth.RolePermission{
		{RoleID: "role-1", PermissionID: "perm-1", Scope: "global", GrantedAt: now},
	})
	if err != nil {
		t.Fatalf("SetGrants: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRoleSetGrantsUnknownRole(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from roles").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectRollback()

	err := store.Roles(context.Background()).SetGrants(context.Background(), "missing", nil)
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReplaceAssignmentsAtomic(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("delete from user_roles").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// assigned_by is a nullable fk, so empty maps to null; notes is a
	// not-null column and must stay the empty string.
	mock.ExpectExec("insert into user_roles").
		WithArgs("user-1", "role-1", nil, now, nil, true, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Roles(context.Background()).ReplaceAssignments(context.Background(), "user-1", []auth.UserRole{
		{UserID: "user-1", RoleID: "role-1", AssignedAt: now, IsActive: true},
	})
	if err != nil {
		t.Fatalf("ReplaceAssignments: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReplaceAssignmentsForeignKey(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("delete from user_roles").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into user_roles").
		WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "user_roles_role_id_fkey"})
	mock.ExpectRollback()

	err := store.Roles(context.Background()).ReplaceAssignments(context.Background(), "user-1", []auth.UserRole{
		{UserID: "user-1", RoleID: "ghost-role", AssignedAt: time.Now(), IsActive: true},
	})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from fk violation, got %v", err)
	}
}

func TestRefreshTokenMarkRevoked(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update refresh_tokens set revoked = true where id = .* and not revoked").
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("update refresh_tokens set revoked = true where id = .* and not revoked").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select revoked from refresh_tokens").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"revoked"}))

	tokens := store.RefreshTokens(context.Background())
	if err := tokens.MarkRevoked(context.Background(), "tok-1"); err != nil {
		t.Fatalf("MarkRevoked: %v", err)
	}
	if err := tokens.MarkRevoked(context.Background(), "ghost"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRefreshTokenMarkRevokedLosesRace(t *testing.T) {
	store, mock := newMockStore(t)

	// The guarded update touches zero rows when another caller already
	// flipped the flag; the follow-up read distinguishes that from a
	// missing token.
	mock.ExpectExec("update refresh_tokens set revoked = true where id = .* and not revoked").
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select revoked from refresh_tokens").
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"revoked"}).AddRow(true))

	err := store.RefreshTokens(context.Background()).MarkRevoked(context.Background(), "tok-1")
	if !errors.Is(err, auth.ErrTokenBlacklisted) {
		t.Fatalf("expected ErrTokenBlacklisted, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditAppendEncodesMetadata(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	// user_agent is not-null with an empty default; an absent value must
	// be bound as the empty string, never null.
	mock.ExpectExec("insert into audit_events").
		WithArgs(sqlmock.AnyArg(), "login", "id-1", "10.0.0.9", "", []byte(`{"outcome":"success"}`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Audit(context.Background()).Append(context.Background(), &auth.AuditEvent{
		Kind:       auth.EventLogin,
		IdentityID: "id-1",
		SourceAddr: "10.0.0.9",
		Metadata:   map[string]string{"outcome": "success"},
		OccurredAt: now,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPermissionEnsureIdempotent(t *testing.T) {
	store, mock := newMockStore(t)

	for range auth.BuiltinPermissions {
		mock.ExpectExec("insert into permissions").
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	if err := store.Permissions(context.Background()).Ensure(context.Background(), auth.BuiltinPermissions); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
