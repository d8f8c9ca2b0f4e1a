// Package seed loads development data: a baseline policy set, a demo
// user in a demo group, and a sample user access policy. It is idempotent.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Run provisions the development data set. If baseline policies already
// exist it logs a message and returns nil.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	var count int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM access_policies`).Scan(&count); err != nil {
		return fmt.Errorf("checking existing policies: %w", err)
	}
	if count > 0 {
		logger.Info("seed: access policies already present, skipping")
		return nil
	}

	policies := []struct {
		name, src, dst, proto string
		port, priority        int
	}{
		{"ops-ssh-everywhere", "ops", "*", "tcp", 22, 10},
		{"ops-node-exporter", "ops", "*", "tcp", 9100, 20},
		{"app-to-db-postgres", "app", "db", "tcp", 5432, 30},
		{"all-to-hub-tunnel", "*", "hub", "udp", 51820, 40},
		{"monitor-scrape-all", "monitor", "*", "tcp", 9100, 50},
	}
	for _, p := range policies {
		_, err := pool.Exec(ctx,
			`INSERT INTO access_policies (name, src_role, dst_role, port, protocol, action, priority, enabled)
			 VALUES ($1, $2, $3, $4, $5, 'ACCEPT', $6, true)
			 ON CONFLICT (name) DO NOTHING`,
			p.name, p.src, p.dst, p.port, p.proto, p.priority,
		)
		if err != nil {
			return fmt.Errorf("seeding policy %s: %w", p.name, err)
		}
	}
	logger.Info("seed: baseline access policies created", "count", len(policies))

	// Demo user and group.
	var userDBID int64
	err := pool.QueryRow(ctx,
		`INSERT INTO users (user_id, email, display_name, department, status)
		 VALUES ('demo', 'demo@example.com', 'Demo User', 'engineering', 'active')
		 ON CONFLICT (user_id) DO UPDATE SET updated_at = now()
		 RETURNING id`,
	).Scan(&userDBID)
	if err != nil {
		return fmt.Errorf("seeding demo user: %w", err)
	}

	var groupID int64
	err = pool.QueryRow(ctx,
		`INSERT INTO groups (name, display_name, group_type, status)
		 VALUES ('engineering', 'Engineering', 'department', 'active')
		 ON CONFLICT (name) DO UPDATE SET display_name = EXCLUDED.display_name
		 RETURNING id`,
	).Scan(&groupID)
	if err != nil {
		return fmt.Errorf("seeding demo group: %w", err)
	}

	if _, err := pool.Exec(ctx,
		`INSERT INTO user_group_memberships (user_id, group_id, role)
		 VALUES ($1, $2, 'member')
		 ON CONFLICT (user_id, group_id) DO NOTHING`,
		userDBID, groupID,
	); err != nil {
		return fmt.Errorf("seeding demo membership: %w", err)
	}

	if _, err := pool.Exec(ctx,
		`INSERT INTO user_access_policies
			(name, subject_type, subject_id, resource_type, resource_value, action, priority, enabled)
		 VALUES ('engineering-internal-domains', 'group', $1, 'domain', '*.internal.example.com', 'allow', 100, true)`,
		groupID,
	); err != nil {
		return fmt.Errorf("seeding demo user policy: %w", err)
	}

	logger.Info("seed: demo user, group, and access policy created")
	return nil
}
