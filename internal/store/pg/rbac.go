package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sunkingbms/backend-main/internal/auth"
	"github.com/sunkingbms/backend-main/internal/ids"
)

type roleStore struct{ db *sql.DB }

const roleColumns = `id, name, code, description, category, is_active, created_at, updated_at`

func scanRole(row rowScanner) (*auth.Role, error) {
	var rec auth.Role
	err := row.Scan(&rec.ID, &rec.Name, &rec.Code, &rec.Description, &rec.Category,
		&rec.IsActive, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s roleStore) Create(ctx context.Context, role *auth.Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, code, description, category, is_active)
		values ($1, $2, $3, $4, $5, $6)
		returning `+roleColumns,
		role.ID, role.Name, role.Code, role.Description, role.Category, role.IsActive)
	created, err := scanRole(row)
	if err != nil {
		return mapConstraintError(err)
	}
	*role = *created
	return nil
}

func (s roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, id))
}

func (s roleStore) FindByCode(ctx context.Context, code string) (*auth.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where code = $1`, code))
}

func (s roleStore) List(ctx context.Context) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `select `+roleColumns+` from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []auth.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s roleStore) Update(ctx context.Context, id string, upd auth.RoleUpdate) (*auth.Role, error) {
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
	if upd.Name != nil {
		appendSet("name", *upd.Name)
	}
	if upd.Description != nil {
		appendSet("description", *upd.Description)
	}
	if upd.Category != nil {
		appendSet("category", *upd.Category)
	}
	if upd.IsActive != nil {
		appendSet("is_active", *upd.IsActive)
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update roles set %s where id = $%d`, strings.Join(sets, ", "), idx)
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

// SetGrants replaces the role's grant rows in one transaction, keeping the
// (role, permission) uniqueness invariant.
func (s roleStore) SetGrants(ctx context.Context, roleID string, grants []auth.RolePermission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, g := range grants {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id, scope, can_grant, granted_by, granted_at)
			values ($1, $2, $3, $4, $5, $6)`,
			roleID, g.PermissionID, g.Scope, g.CanGrant, nullIfEmpty(g.GrantedBy), g.GrantedAt); err != nil {
			return mapConstraintError(err)
		}
	}
	return tx.Commit()
}

func (s roleStore) GrantsForRole(ctx context.Context, roleID string) ([]auth.RolePermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select rp.role_id, rp.permission_id, p.codename, rp.scope, rp.can_grant, rp.granted_by, rp.granted_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.codename`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []auth.RolePermission
	for rows.Next() {
		var (
			g         auth.RolePermission
			grantedBy sql.NullString
		)
		if err := rows.Scan(&g.RoleID, &g.PermissionID, &g.Codename, &g.Scope, &g.CanGrant, &grantedBy, &g.GrantedAt); err != nil {
			return nil, err
		}
		g.GrantedBy = grantedBy.String
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}

// ReplaceAssignments runs the delete-then-insert as one atomic unit so a
// concurrent permission check never observes the user with zero roles
// mid-update.
func (s roleStore) ReplaceAssignments(ctx context.Context, userID string, assignments []auth.UserRole) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, userID); err != nil {
		return err
	}
	for _, a := range assignments {
		if _, err := tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_id, assigned_by, assigned_at, expires_at, is_active, notes)
			values ($1, $2, $3, $4, $5, $6, $7)`,
			a.UserID, a.RoleID, nullIfEmpty(a.AssignedBy), a.AssignedAt,
			nullTime(a.ExpiresAt), a.IsActive, a.Notes); err != nil {
			return mapConstraintError(err)
		}
	}
	return tx.Commit()
}

func (s roleStore) AssignmentsForUser(ctx context.Context, userID string) ([]auth.UserRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role_id, assigned_by, assigned_at, expires_at, is_active, notes
		from user_roles
		where user_id = $1
		order by assigned_at desc`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []auth.UserRole
	for rows.Next() {
		var (
			a          auth.UserRole
			assignedBy sql.NullString
			expiresAt  sql.NullTime
		)
		if err := rows.Scan(&a.UserID, &a.RoleID, &assignedBy, &a.AssignedAt, &expiresAt, &a.IsActive, &a.Notes); err != nil {
			return nil, err
		}
		a.AssignedBy = assignedBy.String
		a.ExpiresAt = timePtr(expiresAt)
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assignments, nil
}

// Permission store ----------------------------------------------------------

type permissionStore struct{ db *sql.DB }

func (s permissionStore) Ensure(ctx context.Context, perms []auth.Permission) error {
	for _, p := range perms {
		if p.ID == "" {
			p.ID = ids.New()
		}
		if _, err := s.db.ExecContext(ctx, `
			insert into permissions (id, name, codename, resource)
			values ($1, $2, $3, $4)
			on conflict (codename) do nothing`,
			p.ID, p.Name, p.Codename, p.Resource); err != nil {
			return err
		}
	}
	return nil
}

func (s permissionStore) List(ctx context.Context) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, name, codename, resource, created_at from permissions order by codename`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Codename, &p.Resource, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func (s permissionStore) FindByCodename(ctx context.Context, codename string) (*auth.Permission, error) {
	var p auth.Permission
	err := s.db.QueryRowContext(ctx,
		`select id, name, codename, resource, created_at from permissions where codename = $1`,
		codename).Scan(&p.ID, &p.Name, &p.Codename, &p.Resource, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
