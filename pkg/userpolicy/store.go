package userpolicy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/meshguard/internal/store"
)

// Store provides database operations for users, groups, memberships, and
// user access policies.
type Store struct{}

// NewStore creates a userpolicy Store.
func NewStore() *Store {
	return &Store{}
}

// --- Users ---

const userColumns = `id, user_id, email, display_name, department, job_title,
	status, attributes, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.UserID, &u.Email, &u.DisplayName, &u.Department, &u.JobTitle,
		&u.Status, &u.Attributes, &u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

// GetUser returns a user by external user_id, or ErrUserNotFound.
func (s *Store) GetUser(ctx context.Context, db store.DBTX, userID string) (User, error) {
	u, err := scanUser(db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID))
	if err != nil {
		if store.IsNoRows(err) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("getting user %q: %w", userID, err)
	}
	return u, nil
}

// InsertUser creates a user row.
func (s *Store) InsertUser(ctx context.Context, db store.DBTX, u User) (User, error) {
	created, err := scanUser(db.QueryRow(ctx,
		`INSERT INTO users (user_id, email, display_name, department, job_title, status, attributes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+userColumns,
		u.UserID, u.Email, u.DisplayName, u.Department, u.JobTitle, u.Status, u.Attributes,
	))
	if err != nil {
		if store.IsUniqueViolation(err) {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("inserting user: %w", err)
	}
	return created, nil
}

// UserUpdate holds the patchable user fields; nil means unchanged.
type UserUpdate struct {
	Email       *string
	DisplayName *string
	Department  *string
	JobTitle    *string
	Status      *string
	Attributes  json.RawMessage
}

// UpdateUser patches a user row.
func (s *Store) UpdateUser(ctx context.Context, db store.DBTX, userID string, up UserUpdate) (User, error) {
	u, err := scanUser(db.QueryRow(ctx,
		`UPDATE users SET
			email = COALESCE($2, email),
			display_name = COALESCE($3, display_name),
			department = COALESCE($4, department),
			job_title = COALESCE($5, job_title),
			status = COALESCE($6, status),
			attributes = COALESCE($7, attributes),
			updated_at = now()
		 WHERE user_id = $1
		 RETURNING `+userColumns,
		userID, up.Email, up.DisplayName, up.Department, up.JobTitle, up.Status, up.Attributes,
	))
	if err != nil {
		if store.IsNoRows(err) {
			return User{}, ErrUserNotFound
		}
		if store.IsUniqueViolation(err) {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("updating user %q: %w", userID, err)
	}
	return u, nil
}

// DeleteUser removes a user; memberships cascade.
func (s *Store) DeleteUser(ctx context.Context, db store.DBTX, userID string) error {
	tag, err := db.Exec(ctx, `DELETE FROM users WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("deleting user %q: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListUsers returns users with optional status/department filters.
func (s *Store) ListUsers(ctx context.Context, db store.DBTX, status, department string, limit, offset int) ([]User, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, status)
		argIdx++
	}
	if department != "" {
		conditions = append(conditions, fmt.Sprintf("department = $%d", argIdx))
		args = append(args, department)
		argIdx++
	}

	query := `SELECT ` + userColumns + ` FROM users`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY user_id LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Groups ---

const groupColumns = `id, name, display_name, description, group_type, parent_group_id, status, created_at`

func scanGroup(row pgx.Row) (Group, error) {
	var g Group
	err := row.Scan(
		&g.ID, &g.Name, &g.DisplayName, &g.Description, &g.GroupType,
		&g.ParentGroupID, &g.Status, &g.CreatedAt,
	)
	return g, err
}

// GetGroup returns a group by name, or ErrGroupNotFound.
func (s *Store) GetGroup(ctx context.Context, db store.DBTX, name string) (Group, error) {
	g, err := scanGroup(db.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM groups WHERE name = $1`, name))
	if err != nil {
		if store.IsNoRows(err) {
			return Group{}, ErrGroupNotFound
		}
		return Group{}, fmt.Errorf("getting group %q: %w", name, err)
	}
	return g, nil
}

// GetGroupByID returns a group by id, or ErrGroupNotFound.
func (s *Store) GetGroupByID(ctx context.Context, db store.DBTX, id int64) (Group, error) {
	g, err := scanGroup(db.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM groups WHERE id = $1`, id))
	if err != nil {
		if store.IsNoRows(err) {
			return Group{}, ErrGroupNotFound
		}
		return Group{}, fmt.Errorf("getting group %d: %w", id, err)
	}
	return g, nil
}

// InsertGroup creates a group row.
func (s *Store) InsertGroup(ctx context.Context, db store.DBTX, g Group) (Group, error) {
	created, err := scanGroup(db.QueryRow(ctx,
		`INSERT INTO groups (name, display_name, description, group_type, parent_group_id, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+groupColumns,
		g.Name, g.DisplayName, g.Description, g.GroupType, g.ParentGroupID, g.Status,
	))
	if err != nil {
		if store.IsUniqueViolation(err) {
			return Group{}, ErrGroupExists
		}
		return Group{}, fmt.Errorf("inserting group: %w", err)
	}
	return created, nil
}

// ListGroups returns active groups ordered by name.
func (s *Store) ListGroups(ctx context.Context, db store.DBTX, groupType string) ([]Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups WHERE status = 'active'`
	var args []any
	if groupType != "" {
		query += ` AND group_type = $1`
		args = append(args, groupType)
	}
	query += ` ORDER BY name`

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	defer rows.Close()

	groups := []Group{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning group row: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// --- Memberships ---

// UpsertMembership adds a user to a group or updates the membership role.
func (s *Store) UpsertMembership(ctx context.Context, db store.DBTX, userDBID, groupID int64, role string) error {
	_, err := db.Exec(ctx,
		`INSERT INTO user_group_memberships (user_id, group_id, role)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, group_id) DO UPDATE SET role = EXCLUDED.role`,
		userDBID, groupID, role,
	)
	if err != nil {
		return fmt.Errorf("upserting membership: %w", err)
	}
	return nil
}

// DeleteMembership removes a user from a group. Returns whether a row
// was removed.
func (s *Store) DeleteMembership(ctx context.Context, db store.DBTX, userDBID, groupID int64) (bool, error) {
	tag, err := db.Exec(ctx,
		`DELETE FROM user_group_memberships WHERE user_id = $1 AND group_id = $2`,
		userDBID, groupID,
	)
	if err != nil {
		return false, fmt.Errorf("deleting membership: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GroupIDsForUser returns the ids of the groups the user directly
// belongs to.
func (s *Store) GroupIDsForUser(ctx context.Context, db store.DBTX, userDBID int64) ([]int64, error) {
	rows, err := db.Query(ctx,
		`SELECT group_id FROM user_group_memberships WHERE user_id = $1`, userDBID)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning membership row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GroupsForUser returns the groups the user directly belongs to.
func (s *Store) GroupsForUser(ctx context.Context, db store.DBTX, userDBID int64) ([]Group, error) {
	rows, err := db.Query(ctx,
		`SELECT `+prefixedGroupColumns("g")+`
		 FROM groups g
		 JOIN user_group_memberships m ON m.group_id = g.id
		 WHERE m.user_id = $1
		 ORDER BY g.name`, userDBID)
	if err != nil {
		return nil, fmt.Errorf("listing user groups: %w", err)
	}
	defer rows.Close()

	groups := []Group{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning group row: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// MembersOfGroup returns the users directly in a group.
func (s *Store) MembersOfGroup(ctx context.Context, db store.DBTX, groupID int64) ([]User, error) {
	rows, err := db.Query(ctx,
		`SELECT `+prefixedUserColumns("u")+`
		 FROM users u
		 JOIN user_group_memberships m ON m.user_id = u.id
		 WHERE m.group_id = $1
		 ORDER BY u.user_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("listing group members: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func prefixedGroupColumns(alias string) string {
	cols := strings.Split(groupColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func prefixedUserColumns(alias string) string {
	cols := strings.Split(userColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// --- Policies ---

const policyColumns = `id, name, description, subject_type, subject_id, resource_type,
	resource_value, action, conditions, priority, enabled, valid_from, valid_until,
	created_by, created_at, updated_at`

func scanPolicy(row pgx.Row) (UserAccessPolicy, error) {
	var p UserAccessPolicy
	var conditions []byte
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.SubjectType, &p.SubjectID,
		&p.ResourceType, &p.ResourceValue, &p.Action, &conditions,
		&p.Priority, &p.Enabled, &p.ValidFrom, &p.ValidUntil,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	if len(conditions) > 0 {
		var c Conditions
		if err := json.Unmarshal(conditions, &c); err != nil {
			return p, fmt.Errorf("decoding policy conditions: %w", err)
		}
		p.Conditions = &c
	}
	return p, nil
}

// GetPolicy returns a policy by id, or ErrPolicyNotFound.
func (s *Store) GetPolicy(ctx context.Context, db store.DBTX, id int64) (UserAccessPolicy, error) {
	p, err := scanPolicy(db.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM user_access_policies WHERE id = $1`, id))
	if err != nil {
		if store.IsNoRows(err) {
			return UserAccessPolicy{}, ErrPolicyNotFound
		}
		return UserAccessPolicy{}, fmt.Errorf("getting user policy %d: %w", id, err)
	}
	return p, nil
}

// InsertPolicy creates a policy row.
func (s *Store) InsertPolicy(ctx context.Context, db store.DBTX, p UserAccessPolicy) (UserAccessPolicy, error) {
	conditions, err := marshalConditions(p.Conditions)
	if err != nil {
		return UserAccessPolicy{}, err
	}

	created, err := scanPolicy(db.QueryRow(ctx,
		`INSERT INTO user_access_policies
			(name, description, subject_type, subject_id, resource_type, resource_value,
			 action, conditions, priority, enabled, valid_from, valid_until, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING `+policyColumns,
		p.Name, p.Description, p.SubjectType, p.SubjectID, p.ResourceType, p.ResourceValue,
		p.Action, conditions, p.Priority, p.Enabled, p.ValidFrom, p.ValidUntil, p.CreatedBy,
	))
	if err != nil {
		return UserAccessPolicy{}, fmt.Errorf("inserting user policy: %w", err)
	}
	return created, nil
}

// UpdatePolicy replaces the mutable fields of a policy.
func (s *Store) UpdatePolicy(ctx context.Context, db store.DBTX, p UserAccessPolicy) (UserAccessPolicy, error) {
	conditions, err := marshalConditions(p.Conditions)
	if err != nil {
		return UserAccessPolicy{}, err
	}

	updated, err := scanPolicy(db.QueryRow(ctx,
		`UPDATE user_access_policies SET
			name = $2, description = $3, resource_value = $4, action = $5,
			conditions = $6, priority = $7, enabled = $8, valid_from = $9,
			valid_until = $10, updated_at = now()
		 WHERE id = $1
		 RETURNING `+policyColumns,
		p.ID, p.Name, p.Description, p.ResourceValue, p.Action,
		conditions, p.Priority, p.Enabled, p.ValidFrom, p.ValidUntil,
	))
	if err != nil {
		if store.IsNoRows(err) {
			return UserAccessPolicy{}, ErrPolicyNotFound
		}
		return UserAccessPolicy{}, fmt.Errorf("updating user policy %d: %w", p.ID, err)
	}
	return updated, nil
}

// DeletePolicy removes a policy row.
func (s *Store) DeletePolicy(ctx context.Context, db store.DBTX, id int64) error {
	tag, err := db.Exec(ctx, `DELETE FROM user_access_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting user policy %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// ListPolicies returns policies, optionally filtered, ordered by priority.
func (s *Store) ListPolicies(ctx context.Context, db store.DBTX, resourceType string, enabledOnly bool) ([]UserAccessPolicy, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if enabledOnly {
		conditions = append(conditions, "enabled = true")
	}
	if resourceType != "" {
		conditions = append(conditions, fmt.Sprintf("resource_type = $%d", argIdx))
		args = append(args, resourceType)
		argIdx++
	}

	query := `SELECT ` + policyColumns + ` FROM user_access_policies`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY priority, id"

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing user policies: %w", err)
	}
	defer rows.Close()

	policies := []UserAccessPolicy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user policy row: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// ListValidPolicies returns enabled policies for a resource type that are
// valid at the given instant (NULL bounds are open), ordered by priority.
func (s *Store) ListValidPolicies(ctx context.Context, db store.DBTX, resourceType string, now time.Time) ([]UserAccessPolicy, error) {
	rows, err := db.Query(ctx,
		`SELECT `+policyColumns+` FROM user_access_policies
		 WHERE enabled = true
		   AND resource_type = $1
		   AND (valid_from IS NULL OR valid_from <= $2)
		   AND (valid_until IS NULL OR valid_until >= $2)
		 ORDER BY priority, id`,
		resourceType, now,
	)
	if err != nil {
		return nil, fmt.Errorf("listing valid policies: %w", err)
	}
	defer rows.Close()

	policies := []UserAccessPolicy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user policy row: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func marshalConditions(c *Conditions) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding policy conditions: %w", err)
	}
	return raw, nil
}
