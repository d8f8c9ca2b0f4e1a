package policy

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/meshguard/internal/store"
)

// Store provides database operations for access policies and the
// process-wide config version.
type Store struct{}

// NewStore creates a policy Store.
func NewStore() *Store {
	return &Store{}
}

const policyColumns = `id, name, description, src_role, dst_role, port, protocol,
	action, priority, enabled, created_at, updated_at`

func scanPolicy(row pgx.Row) (AccessPolicy, error) {
	var p AccessPolicy
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.SrcRole, &p.DstRole, &p.Port,
		&p.Protocol, &p.Action, &p.Priority, &p.Enabled, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

// ListEnabled returns enabled policies ordered by priority ascending.
func (s *Store) ListEnabled(ctx context.Context, db store.DBTX) ([]AccessPolicy, error) {
	rows, err := db.Query(ctx,
		`SELECT `+policyColumns+` FROM access_policies WHERE enabled = true ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("listing enabled policies: %w", err)
	}
	defer rows.Close()
	return collectPolicies(rows)
}

// List returns all policies ordered by priority ascending.
func (s *Store) List(ctx context.Context, db store.DBTX) ([]AccessPolicy, error) {
	rows, err := db.Query(ctx,
		`SELECT `+policyColumns+` FROM access_policies ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}
	defer rows.Close()
	return collectPolicies(rows)
}

func collectPolicies(rows pgx.Rows) ([]AccessPolicy, error) {
	policies := []AccessPolicy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning policy row: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// GetByID returns the policy with the given id, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, db store.DBTX, id int64) (AccessPolicy, error) {
	p, err := scanPolicy(db.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM access_policies WHERE id = $1`, id))
	if err != nil {
		if store.IsNoRows(err) {
			return AccessPolicy{}, ErrNotFound
		}
		return AccessPolicy{}, fmt.Errorf("getting policy %d: %w", id, err)
	}
	return p, nil
}

// Insert creates a policy row.
func (s *Store) Insert(ctx context.Context, db store.DBTX, p AccessPolicy) (AccessPolicy, error) {
	created, err := scanPolicy(db.QueryRow(ctx,
		`INSERT INTO access_policies
			(name, description, src_role, dst_role, port, protocol, action, priority, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+policyColumns,
		p.Name, p.Description, p.SrcRole, p.DstRole, p.Port, p.Protocol,
		p.Action, p.Priority, p.Enabled,
	))
	if err != nil {
		if store.IsUniqueViolation(err) {
			return AccessPolicy{}, ErrPolicyExists
		}
		return AccessPolicy{}, fmt.Errorf("inserting policy: %w", err)
	}
	return created, nil
}

// Update replaces the mutable fields of a policy.
func (s *Store) Update(ctx context.Context, db store.DBTX, p AccessPolicy) (AccessPolicy, error) {
	updated, err := scanPolicy(db.QueryRow(ctx,
		`UPDATE access_policies SET
			name = $2, description = $3, src_role = $4, dst_role = $5, port = $6,
			protocol = $7, action = $8, priority = $9, enabled = $10, updated_at = now()
		 WHERE id = $1
		 RETURNING `+policyColumns,
		p.ID, p.Name, p.Description, p.SrcRole, p.DstRole, p.Port, p.Protocol,
		p.Action, p.Priority, p.Enabled,
	))
	if err != nil {
		if store.IsNoRows(err) {
			return AccessPolicy{}, ErrNotFound
		}
		if store.IsUniqueViolation(err) {
			return AccessPolicy{}, ErrPolicyExists
		}
		return AccessPolicy{}, fmt.Errorf("updating policy %d: %w", p.ID, err)
	}
	return updated, nil
}

// Delete removes a policy row.
func (s *Store) Delete(ctx context.Context, db store.DBTX, id int64) error {
	tag, err := db.Exec(ctx, `DELETE FROM access_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting policy %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ConfigVersion reads the current process-wide config version from its
// single authoritative row.
func (s *Store) ConfigVersion(ctx context.Context, db store.DBTX) (int64, error) {
	var v int64
	if err := db.QueryRow(ctx,
		`SELECT config_version FROM config_meta WHERE id = 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("reading config version: %w", err)
	}
	return v, nil
}

// BumpConfigVersion atomically increments the config version and returns
// the new value. Called inside the same transaction as the policy
// mutation so the bump is exactly one per mutation.
func (s *Store) BumpConfigVersion(ctx context.Context, db store.DBTX) (int64, error) {
	var v int64
	err := db.QueryRow(ctx,
		`UPDATE config_meta SET config_version = config_version + 1, updated_at = now()
		 WHERE id = 1 RETURNING config_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("bumping config version: %w", err)
	}
	return v, nil
}
