package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/meshguard/internal/audit"
	"github.com/wisbric/meshguard/internal/events"
	"github.com/wisbric/meshguard/internal/store"
	"github.com/wisbric/meshguard/internal/telemetry"
	"github.com/wisbric/meshguard/pkg/ipam"
	"github.com/wisbric/meshguard/pkg/overlay"
)

// AutoApprover decides whether a registering role starts out active.
type AutoApprover interface {
	AutoApproved(role string) bool
}

// Manager implements the node lifecycle.
type Manager struct {
	pool     *pgxpool.Pool
	store    *Store
	alloc    *ipam.Allocator
	driver   overlay.Driver
	bus      *events.Bus
	audit    *audit.Writer
	approver AutoApprover
	logger   *slog.Logger
}

// NewManager wires the node lifecycle manager.
func NewManager(pool *pgxpool.Pool, alloc *ipam.Allocator, driver overlay.Driver, bus *events.Bus, auditW *audit.Writer, approver AutoApprover, logger *slog.Logger) *Manager {
	return &Manager{
		pool:     pool,
		store:    NewStore(),
		alloc:    alloc,
		driver:   driver,
		bus:      bus,
		audit:    auditW,
		approver: approver,
		logger:   logger,
	}
}

// Store exposes the node store for read-side collaborators.
func (m *Manager) Store() *Store { return m.store }

// Pool exposes the database pool for read-side collaborators.
func (m *Manager) Pool() *pgxpool.Pool { return m.pool }

// RegisterParams are the inputs to Register.
type RegisterParams struct {
	Hostname     string
	Role         string
	PublicKey    string
	Description  *string
	AgentVersion *string
	OSInfo       *string
	ClientIP     *string
}

// Register registers a new node or heals an existing one. Returns the node
// and whether it was newly created.
//
// Re-registration (same public key) refreshes last_seen/real_ip and, when
// the node is active but missing from the hub's peer table, re-programs
// the peer. A known hostname under a different key fails with
// ErrHostnameConflict.
func (m *Manager) Register(ctx context.Context, p RegisterParams) (Node, bool, error) {
	existing, err := m.store.GetByPublicKey(ctx, m.pool, p.PublicKey)
	if err == nil {
		return m.reregister(ctx, existing, p)
	}
	if !errors.Is(err, ErrNotFound) {
		return Node{}, false, err
	}

	// Hostnames are stable identifiers bound to a single key.
	if _, err := m.store.GetByHostname(ctx, m.pool, p.Hostname); err == nil {
		telemetry.NodesRegisteredTotal.WithLabelValues("conflict").Inc()
		return Node{}, false, ErrHostnameConflict
	} else if !errors.Is(err, ErrNotFound) {
		return Node{}, false, err
	}

	status := StatusPending
	if m.approver.AutoApproved(p.Role) {
		status = StatusActive
	}

	var created Node
	err = store.WithTx(ctx, m.pool, func(tx pgx.Tx) error {
		overlayIP, err := m.alloc.AllocateCIDR(ctx, tx, ipam.PoolNode)
		if err != nil {
			return err
		}

		created, err = m.store.Insert(ctx, tx, InsertParams{
			Hostname:     p.Hostname,
			Role:         p.Role,
			Description:  p.Description,
			PublicKey:    p.PublicKey,
			OverlayIP:    overlayIP,
			RealIP:       p.ClientIP,
			ListenPort:   51820,
			Status:       status,
			IsApproved:   status == StatusActive,
			AgentVersion: p.AgentVersion,
			OSInfo:       p.OSInfo,
		})
		if err != nil {
			if store.IsUniqueViolation(err) {
				return ErrHostnameConflict
			}
			return err
		}

		if err := m.alloc.BindNode(ctx, tx, overlayIP, created.ID); err != nil {
			return err
		}

		return m.store.AppendHistory(ctx, tx, created, "registered", "", status, "")
	})
	if err != nil {
		switch {
		case errors.Is(err, ipam.ErrPoolExhausted):
			telemetry.NodesRegisteredTotal.WithLabelValues("pool_exhausted").Inc()
		case errors.Is(err, ErrHostnameConflict):
			telemetry.NodesRegisteredTotal.WithLabelValues("conflict").Inc()
		}
		return Node{}, false, err
	}

	m.logger.Info("node registered",
		"hostname", created.Hostname, "role", created.Role,
		"overlay_ip", derefStr(created.OverlayIP), "status", created.Status)
	telemetry.NodesRegisteredTotal.WithLabelValues("new").Inc()

	// Peer programming is best-effort: a failure here heals on the next
	// registration or reconciliation pass.
	if created.IsActive() {
		m.addPeer(ctx, created)
	}

	m.audit.Log(audit.Entry{
		EventType:   "registration",
		EventAction: "create",
		ActorType:   "node",
		ActorID:     created.Hostname,
		ActorIP:     derefStr(p.ClientIP),
		TargetType:  "node",
		TargetID:    fmt.Sprintf("%d", created.ID),
	})
	m.bus.Publish(events.NodeRegistered{
		NodeID:    created.ID,
		Hostname:  created.Hostname,
		Role:      created.Role,
		OverlayIP: derefStr(created.OverlayIP),
		Status:    created.Status,
		RealIP:    derefStr(p.ClientIP),
	})

	return created, true, nil
}

// reregister handles the same-key path of Register.
func (m *Manager) reregister(ctx context.Context, existing Node, p RegisterParams) (Node, bool, error) {
	n, err := m.store.TouchHeartbeat(ctx, m.pool, existing.ID, p.ClientIP, p.AgentVersion)
	if err != nil {
		return Node{}, false, err
	}

	// Heal the hub's peer table after a hub restart.
	if n.IsActive() && n.OverlayIP != nil {
		exists, err := m.driver.PeerExists(ctx, n.PublicKey)
		if err != nil {
			m.logger.Warn("checking peer during re-registration", "hostname", n.Hostname, "error", err)
		} else if !exists {
			m.addPeer(ctx, n)
		}
	}

	m.logger.Info("node re-registered", "hostname", n.Hostname)
	telemetry.NodesRegisteredTotal.WithLabelValues("reregistered").Inc()
	return n, false, nil
}

// Approve transitions a node to active and programs its peer. The current
// status is not checked: a suspended or revoked node is moved to active as
// well. Approving an already-active node is a no-op.
func (m *Manager) Approve(ctx context.Context, id int64, actor string) (Node, error) {
	n, oldStatus, changed, err := m.transition(ctx, id, StatusActive, true, "approved")
	if err != nil {
		return Node{}, err
	}
	if !changed {
		return n, nil
	}

	m.addPeer(ctx, n)
	m.recordTransition(n, oldStatus, "approval", actor)
	return n, nil
}

// Suspend transitions a node to suspended and removes its peer.
func (m *Manager) Suspend(ctx context.Context, id int64, actor string) (Node, error) {
	n, oldStatus, changed, err := m.transition(ctx, id, StatusSuspended, false, "suspended")
	if err != nil {
		return Node{}, err
	}
	if !changed {
		return n, nil
	}

	m.removePeer(ctx, n)
	m.recordTransition(n, oldStatus, "suspension", actor)
	return n, nil
}

// Revoke transitions a node to revoked and removes its peer. Revoked is
// terminal for the trust engine; the admin approve and suspend actions do
// not check for it and move a revoked node like any other.
func (m *Manager) Revoke(ctx context.Context, id int64, actor string) (Node, error) {
	n, oldStatus, changed, err := m.transition(ctx, id, StatusRevoked, false, "revoked")
	if err != nil {
		return Node{}, err
	}
	if !changed {
		return n, nil
	}

	m.removePeer(ctx, n)
	m.recordTransition(n, oldStatus, "revocation", actor)
	return n, nil
}

// transition updates status under a row lock. Returns the updated node,
// the previous status, and whether anything changed.
func (m *Manager) transition(ctx context.Context, id int64, newStatus string, isApproved bool, event string) (Node, string, bool, error) {
	var out Node
	var oldStatus string
	err := store.WithTx(ctx, m.pool, func(tx pgx.Tx) error {
		n, err := m.store.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		oldStatus = n.Status
		if n.Status == newStatus {
			out = n
			return nil
		}

		out, err = m.store.SetStatus(ctx, tx, id, newStatus, isApproved)
		if err != nil {
			return err
		}
		return m.store.AppendHistory(ctx, tx, out, event, oldStatus, newStatus, "")
	})
	if err != nil {
		return Node{}, "", false, err
	}
	return out, oldStatus, oldStatus != newStatus, nil
}

// recordTransition writes the audit entry and publishes the event for a
// completed lifecycle transition.
func (m *Manager) recordTransition(n Node, oldStatus, eventType, actor string) {
	m.audit.Log(audit.Entry{
		EventType:   eventType,
		EventAction: "update",
		ActorType:   actor,
		TargetType:  "node",
		TargetID:    fmt.Sprintf("%d", n.ID),
	})
	m.bus.Publish(events.NodeLifecycleChanged{
		NodeID:    n.ID,
		Hostname:  n.Hostname,
		PublicKey: n.PublicKey,
		OldStatus: oldStatus,
		NewStatus: n.Status,
		Actor:     actor,
	})
	m.logger.Info("node lifecycle transition",
		"hostname", n.Hostname, "status", n.Status, "actor", actor)
}

// Delete removes a node and releases its overlay address.
func (m *Manager) Delete(ctx context.Context, id int64, actor string) error {
	var deleted Node
	err := store.WithTx(ctx, m.pool, func(tx pgx.Tx) error {
		n, err := m.store.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		deleted = n

		if err := m.store.Delete(ctx, tx, id); err != nil {
			return err
		}
		if n.OverlayIP != nil {
			if err := m.alloc.Release(ctx, tx, *n.OverlayIP); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.removePeer(ctx, deleted)

	m.audit.Log(audit.Entry{
		EventType:   "deletion",
		EventAction: "delete",
		ActorType:   actor,
		TargetType:  "node",
		TargetID:    fmt.Sprintf("%d", id),
	})
	m.bus.Publish(events.NodeDeleted{
		NodeID:    deleted.ID,
		Hostname:  deleted.Hostname,
		PublicKey: deleted.PublicKey,
		OverlayIP: derefStr(deleted.OverlayIP),
	})
	m.logger.Info("node deleted", "hostname", deleted.Hostname)
	return nil
}

// UpdateHeartbeat refreshes last_seen and optional fields, returning the
// updated node.
func (m *Manager) UpdateHeartbeat(ctx context.Context, id int64, realIP, agentVersion *string) (Node, error) {
	n, err := m.store.TouchHeartbeat(ctx, m.pool, id, realIP, agentVersion)
	if err != nil {
		return Node{}, err
	}
	telemetry.HeartbeatsTotal.Inc()
	return n, nil
}

// GetByID, GetByHostname, GetByPublicKey and List delegate to the store on
// the pool.

func (m *Manager) GetByID(ctx context.Context, id int64) (Node, error) {
	return m.store.GetByID(ctx, m.pool, id)
}

func (m *Manager) GetByHostname(ctx context.Context, hostname string) (Node, error) {
	return m.store.GetByHostname(ctx, m.pool, hostname)
}

func (m *Manager) GetByPublicKey(ctx context.Context, publicKey string) (Node, error) {
	return m.store.GetByPublicKey(ctx, m.pool, publicKey)
}

func (m *Manager) List(ctx context.Context, f ListFilters) ([]Node, error) {
	return m.store.List(ctx, m.pool, f)
}

// addPeer programs the node's /32 on the hub. Failures are logged only.
func (m *Manager) addPeer(ctx context.Context, n Node) {
	host := n.OverlayHost()
	if host == "" {
		return
	}
	if err := m.driver.AddPeer(ctx, n.PublicKey, host+"/32"); err != nil {
		telemetry.PeersProgrammedTotal.WithLabelValues("add", "error").Inc()
		m.logger.Warn("programming overlay peer", "hostname", n.Hostname, "error", err)
		return
	}
	telemetry.PeersProgrammedTotal.WithLabelValues("add", "ok").Inc()
}

// removePeer removes the node's peer from the hub. Failures are logged only.
func (m *Manager) removePeer(ctx context.Context, n Node) {
	if err := m.driver.RemovePeer(ctx, n.PublicKey); err != nil {
		telemetry.PeersProgrammedTotal.WithLabelValues("remove", "error").Inc()
		m.logger.Warn("removing overlay peer", "hostname", n.Hostname, "error", err)
		return
	}
	telemetry.PeersProgrammedTotal.WithLabelValues("remove", "ok").Inc()
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
