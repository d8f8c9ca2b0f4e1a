package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/meshguard/internal/store"
)

// Store provides database operations for nodes. It is stateless: every
// method takes the DBTX to run on, so callers choose pool vs. transaction.
type Store struct{}

// NewStore creates a node Store.
func NewStore() *Store {
	return &Store{}
}

const nodeColumns = `id, hostname, role, description, public_key, preshared_key,
	overlay_ip, real_ip, listen_port, status, is_approved, agent_version, os_info,
	trust_score, trust_factors, last_trust_update, risk_level, config_version,
	created_at, updated_at, last_seen`

func scanNode(row pgx.Row) (Node, error) {
	var n Node
	err := row.Scan(
		&n.ID, &n.Hostname, &n.Role, &n.Description, &n.PublicKey, &n.PresharedKey,
		&n.OverlayIP, &n.RealIP, &n.ListenPort, &n.Status, &n.IsApproved,
		&n.AgentVersion, &n.OSInfo,
		&n.TrustScore, &n.TrustFactors, &n.LastTrustUpdate, &n.RiskLevel,
		&n.ConfigVersion, &n.CreatedAt, &n.UpdatedAt, &n.LastSeen,
	)
	return n, err
}

// GetByID returns the node with the given id, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, db store.DBTX, id int64) (Node, error) {
	n, err := scanNode(db.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
	if err != nil {
		if store.IsNoRows(err) {
			return Node{}, ErrNotFound
		}
		return Node{}, fmt.Errorf("getting node %d: %w", id, err)
	}
	return n, nil
}

// GetByHostname returns the node with the given hostname, or ErrNotFound.
func (s *Store) GetByHostname(ctx context.Context, db store.DBTX, hostname string) (Node, error) {
	n, err := scanNode(db.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE hostname = $1`, hostname))
	if err != nil {
		if store.IsNoRows(err) {
			return Node{}, ErrNotFound
		}
		return Node{}, fmt.Errorf("getting node %q: %w", hostname, err)
	}
	return n, nil
}

// GetByPublicKey returns the node with the given public key, or ErrNotFound.
func (s *Store) GetByPublicKey(ctx context.Context, db store.DBTX, publicKey string) (Node, error) {
	n, err := scanNode(db.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE public_key = $1`, publicKey))
	if err != nil {
		if store.IsNoRows(err) {
			return Node{}, ErrNotFound
		}
		return Node{}, fmt.Errorf("getting node by key: %w", err)
	}
	return n, nil
}

// GetByIDForUpdate locks the node row for the duration of the transaction.
func (s *Store) GetByIDForUpdate(ctx context.Context, db store.DBTX, id int64) (Node, error) {
	n, err := scanNode(db.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if store.IsNoRows(err) {
			return Node{}, ErrNotFound
		}
		return Node{}, fmt.Errorf("locking node %d: %w", id, err)
	}
	return n, nil
}

// InsertParams holds the fields of a new node row.
type InsertParams struct {
	Hostname     string
	Role         string
	Description  *string
	PublicKey    string
	OverlayIP    string
	RealIP       *string
	ListenPort   int
	Status       string
	IsApproved   bool
	AgentVersion *string
	OSInfo       *string
}

// Insert creates a new node with config_version 1, trust 1.0, low risk,
// and last_seen now.
func (s *Store) Insert(ctx context.Context, db store.DBTX, p InsertParams) (Node, error) {
	n, err := scanNode(db.QueryRow(ctx,
		`INSERT INTO nodes
			(hostname, role, description, public_key, overlay_ip, real_ip,
			 listen_port, status, is_approved, agent_version, os_info, last_seen)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		 RETURNING `+nodeColumns,
		p.Hostname, p.Role, p.Description, p.PublicKey, p.OverlayIP, p.RealIP,
		p.ListenPort, p.Status, p.IsApproved, p.AgentVersion, p.OSInfo,
	))
	if err != nil {
		return Node{}, fmt.Errorf("inserting node: %w", err)
	}
	return n, nil
}

// TouchHeartbeat updates last_seen and, when non-nil, real_ip and
// agent_version. Returns the updated node.
func (s *Store) TouchHeartbeat(ctx context.Context, db store.DBTX, id int64, realIP, agentVersion *string) (Node, error) {
	n, err := scanNode(db.QueryRow(ctx,
		`UPDATE nodes SET
			last_seen = now(),
			real_ip = COALESCE($2, real_ip),
			agent_version = COALESCE($3, agent_version),
			updated_at = now()
		 WHERE id = $1
		 RETURNING `+nodeColumns,
		id, realIP, agentVersion,
	))
	if err != nil {
		if store.IsNoRows(err) {
			return Node{}, ErrNotFound
		}
		return Node{}, fmt.Errorf("updating heartbeat for node %d: %w", id, err)
	}
	return n, nil
}

// SetStatus updates status and is_approved. Returns the updated node.
func (s *Store) SetStatus(ctx context.Context, db store.DBTX, id int64, status string, isApproved bool) (Node, error) {
	n, err := scanNode(db.QueryRow(ctx,
		`UPDATE nodes SET status = $2, is_approved = $3, updated_at = now()
		 WHERE id = $1
		 RETURNING `+nodeColumns,
		id, status, isApproved,
	))
	if err != nil {
		if store.IsNoRows(err) {
			return Node{}, ErrNotFound
		}
		return Node{}, fmt.Errorf("setting status for node %d: %w", id, err)
	}
	return n, nil
}

// UpdateTrust writes the trust fields computed on a heartbeat.
func (s *Store) UpdateTrust(ctx context.Context, db store.DBTX, id int64, score float64, factors []byte, riskLevel string) error {
	_, err := db.Exec(ctx,
		`UPDATE nodes SET trust_score = $2, trust_factors = $3, risk_level = $4,
			last_trust_update = now(), updated_at = now()
		 WHERE id = $1`,
		id, score, factors, riskLevel,
	)
	if err != nil {
		return fmt.Errorf("updating trust for node %d: %w", id, err)
	}
	return nil
}

// UpdateMeta patches the admin-editable fields; nil means unchanged.
func (s *Store) UpdateMeta(ctx context.Context, db store.DBTX, id int64, description *string, listenPort *int) (Node, error) {
	n, err := scanNode(db.QueryRow(ctx,
		`UPDATE nodes SET
			description = COALESCE($2, description),
			listen_port = COALESCE($3, listen_port),
			updated_at = now()
		 WHERE id = $1
		 RETURNING `+nodeColumns,
		id, description, listenPort,
	))
	if err != nil {
		if store.IsNoRows(err) {
			return Node{}, ErrNotFound
		}
		return Node{}, fmt.Errorf("updating node %d: %w", id, err)
	}
	return n, nil
}

// Delete removes a node row.
func (s *Store) Delete(ctx context.Context, db store.DBTX, id int64) error {
	tag, err := db.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting node %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFilters narrows List results.
type ListFilters struct {
	Status string
	Role   string
}

// List returns nodes ordered by creation time descending.
func (s *Store) List(ctx context.Context, db store.DBTX, f ListFilters) ([]Node, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, f.Status)
		argIdx++
	}
	if f.Role != "" {
		conditions = append(conditions, fmt.Sprintf("role = $%d", argIdx))
		args = append(args, f.Role)
		argIdx++
	}

	query := `SELECT ` + nodeColumns + ` FROM nodes`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

// ListActiveWithIP returns all active nodes holding an overlay address,
// ordered by id — the source candidates for policy compilation.
func (s *Store) ListActiveWithIP(ctx context.Context, db store.DBTX) ([]Node, error) {
	rows, err := db.Query(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE status = $1 AND overlay_ip IS NOT NULL
		 ORDER BY id`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("listing active nodes: %w", err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

func collectNodes(rows pgx.Rows) ([]Node, error) {
	nodes := []Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// AppendHistory records a lifecycle transition in the append-only
// node_history table.
func (s *Store) AppendHistory(ctx context.Context, db store.DBTX, n Node, event, oldStatus, newStatus, detail string) error {
	_, err := db.Exec(ctx,
		`INSERT INTO node_history (node_id, hostname, event, old_status, new_status, detail)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''))`,
		n.ID, n.Hostname, event, oldStatus, newStatus, detail,
	)
	if err != nil {
		return fmt.Errorf("appending node history: %w", err)
	}
	return nil
}

// CountStale returns the number of active nodes whose last_seen is older
// than the cutoff.
func (s *Store) CountStale(ctx context.Context, db store.DBTX, cutoff time.Time) (int, error) {
	var count int
	err := db.QueryRow(ctx,
		`SELECT count(*) FROM nodes WHERE status = $1 AND (last_seen IS NULL OR last_seen < $2)`,
		StatusActive, cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting stale nodes: %w", err)
	}
	return count, nil
}
