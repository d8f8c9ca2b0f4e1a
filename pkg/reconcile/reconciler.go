// Package reconcile repairs drift between the controller's authoritative
// state and the hub's peer table. It runs in worker mode on a timer and
// reacts immediately to config-change notifications.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/meshguard/internal/store"
	"github.com/wisbric/meshguard/internal/telemetry"
	"github.com/wisbric/meshguard/pkg/client"
	"github.com/wisbric/meshguard/pkg/node"
	"github.com/wisbric/meshguard/pkg/overlay"
	"github.com/wisbric/meshguard/pkg/policy"
)

// Reconciler converges the hub's peer table on the desired set: one /32
// peer per active non-hub node and per effective client device.
type Reconciler struct {
	pool     *pgxpool.Pool
	nodes    *node.Store
	clients  *client.Store
	driver   overlay.Driver
	rdb         *redis.Client
	logger      *slog.Logger
	interval    time.Duration
	nodeTimeout time.Duration
	now         func() time.Time
}

// New creates a Reconciler. nodeTimeout is the heartbeat age beyond which
// an active node counts as stale.
func New(pool *pgxpool.Pool, driver overlay.Driver, rdb *redis.Client, interval, nodeTimeout time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		pool:        pool,
		nodes:       node.NewStore(),
		clients:     client.NewStore(),
		driver:      driver,
		rdb:         rdb,
		logger:      logger,
		interval:    interval,
		nodeTimeout: nodeTimeout,
		now:         time.Now,
	}
}

// Run blocks until ctx is cancelled, reconciling every interval and on
// each config-change notification.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started", "interval", r.interval)

	var changeCh <-chan *redis.Message
	if r.rdb != nil {
		pubsub := r.rdb.Subscribe(ctx, policy.ConfigChangedChannel)
		defer pubsub.Close()
		changeCh = pubsub.Channel()
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Converge once at startup.
	if err := r.Tick(ctx); err != nil {
		r.logger.Error("initial reconciliation", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return nil
		case msg := <-changeCh:
			r.logger.Debug("config change notification", "payload", msg.Payload)
			if err := r.Tick(ctx); err != nil {
				r.logger.Error("reconciliation after config change", "error", err)
			}
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.logger.Error("periodic reconciliation", "error", err)
			}
		}
	}
}

// Tick performs one reconciliation pass.
func (r *Reconciler) Tick(ctx context.Context) error {
	if stale, err := r.nodes.CountStale(ctx, r.pool, r.now().UTC().Add(-r.nodeTimeout)); err != nil {
		r.logger.Warn("counting stale nodes", "error", err)
	} else {
		telemetry.StaleNodes.Set(float64(stale))
		if stale > 0 {
			r.logger.Info("stale active nodes", "count", stale, "timeout", r.nodeTimeout)
		}
	}

	if !r.driver.IsInterfaceUp(ctx) {
		r.logger.Warn("overlay interface down, skipping reconciliation")
		return nil
	}

	desired, nodeIDs, err := r.desiredPeers(ctx)
	if err != nil {
		return err
	}

	actual, err := r.driver.ListPeers(ctx)
	if err != nil {
		return fmt.Errorf("listing hub peers: %w", err)
	}
	present := make(map[string]bool, len(actual))
	for _, p := range actual {
		present[p.PublicKey] = true
	}

	// Add missing peers. Node peers are added under the node's row lock
	// so we never race a concurrent registration or lifecycle change.
	for publicKey, allowedIPs := range desired {
		if present[publicKey] {
			continue
		}
		if nodeID, isNode := nodeIDs[publicKey]; isNode {
			if err := r.addNodePeerLocked(ctx, nodeID, publicKey, allowedIPs); err != nil {
				r.logger.Warn("re-adding node peer", "public_key", truncate(publicKey), "error", err)
			}
			continue
		}
		if err := r.driver.AddPeer(ctx, publicKey, allowedIPs); err != nil {
			telemetry.PeersProgrammedTotal.WithLabelValues("add", "error").Inc()
			r.logger.Warn("re-adding client peer", "error", err)
			continue
		}
		telemetry.PeersProgrammedTotal.WithLabelValues("add", "ok").Inc()
	}

	// Remove peers that no longer belong: revoked/suspended nodes,
	// revoked or expired clients, deleted entries. The controller owns
	// the peer table, so anything unknown goes.
	for _, p := range actual {
		if _, ok := desired[p.PublicKey]; ok {
			continue
		}
		if err := r.driver.RemovePeer(ctx, p.PublicKey); err != nil {
			telemetry.PeersProgrammedTotal.WithLabelValues("remove", "error").Inc()
			r.logger.Warn("removing stale peer", "error", err)
			continue
		}
		telemetry.PeersProgrammedTotal.WithLabelValues("remove", "ok").Inc()
		r.logger.Info("removed stale peer", "public_key", truncate(p.PublicKey))
	}

	return nil
}

// desiredPeers computes the authoritative peer set: public key →
// allowed-ips, plus the node id per node key for locking.
func (r *Reconciler) desiredPeers(ctx context.Context) (map[string]string, map[string]int64, error) {
	desired := make(map[string]string)
	nodeIDs := make(map[string]int64)

	nodes, err := r.nodes.ListActiveWithIP(ctx, r.pool)
	if err != nil {
		return nil, nil, err
	}
	for _, n := range nodes {
		if n.Role == "hub" {
			continue
		}
		desired[n.PublicKey] = n.OverlayHost() + "/32"
		nodeIDs[n.PublicKey] = n.ID
	}

	devices, err := r.clients.ListEffective(ctx, r.pool)
	if err != nil {
		return nil, nil, err
	}
	now := r.now().UTC()
	for _, d := range devices {
		if !d.Effective(now) || d.OverlayIP == nil {
			continue
		}
		desired[d.PublicKey] = d.OverlayHost() + "/32"
	}

	return desired, nodeIDs, nil
}

// addNodePeerLocked re-checks the node under its row lock before
// programming the peer, so a concurrent suspension wins.
func (r *Reconciler) addNodePeerLocked(ctx context.Context, nodeID int64, publicKey, allowedIPs string) error {
	return store.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		n, err := r.nodes.GetByIDForUpdate(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		if !n.IsActive() || n.PublicKey != publicKey {
			return nil
		}
		if err := r.driver.AddPeer(ctx, publicKey, allowedIPs); err != nil {
			telemetry.PeersProgrammedTotal.WithLabelValues("add", "error").Inc()
			return err
		}
		telemetry.PeersProgrammedTotal.WithLabelValues("add", "ok").Inc()
		r.logger.Info("re-added node peer", "hostname", n.Hostname)
		return nil
	})
}

func truncate(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:12] + "…"
}
