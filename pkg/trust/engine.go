package trust

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/meshguard/internal/events"
	"github.com/wisbric/meshguard/internal/telemetry"
	"github.com/wisbric/meshguard/pkg/node"
)

// Engine evaluates heartbeats and drives threshold actions through the
// node lifecycle manager.
type Engine struct {
	pool   *pgxpool.Pool
	nodes  *node.Manager
	store  *Store
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a trust Engine.
func NewEngine(pool *pgxpool.Pool, nodes *node.Manager, bus *events.Bus, logger *slog.Logger) *Engine {
	return &Engine{
		pool:   pool,
		nodes:  nodes,
		store:  NewStore(),
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// Store exposes the trust store for the trend API.
func (e *Engine) Store() *Store { return e.store }

// Evaluate scores a heartbeat, persists the node's trust fields, appends
// one history row, and executes the resulting action. It never fails the
// caller: if the node's trust fields cannot be persisted, the error is
// logged and the previous score is returned unchanged with no action. A
// failed history append is only logged.
func (e *Engine) Evaluate(ctx context.Context, n node.Node, m Metrics) (float64, string) {
	previous := n.TrustScore
	if previous == 0 {
		previous = 1.0
	}

	score, factors := CalculateScore(n.Role, n.LastSeen, m, e.now().UTC())
	action := DetermineAction(previous, score)

	factorsJSON, err := json.Marshal(factors)
	if err != nil {
		e.logger.Error("marshalling trust factors", "hostname", n.Hostname, "error", err)
		return previous, ActionNone
	}

	if err := e.nodes.Store().UpdateTrust(ctx, e.pool, n.ID, score, factorsJSON, factors.RiskLevel); err != nil {
		e.logger.Error("persisting trust score", "hostname", n.Hostname, "error", err)
		return previous, ActionNone
	}

	e.recordHistory(ctx, n, score, previous, factors, m, action)
	e.executeAction(ctx, n, action)

	telemetry.TrustScore.WithLabelValues(n.Hostname).Set(score)
	telemetry.TrustActionsTotal.WithLabelValues(action).Inc()

	if action != ActionNone {
		e.bus.Publish(events.TrustActionTaken{
			NodeID:        n.ID,
			Hostname:      n.Hostname,
			PublicKey:     n.PublicKey,
			Action:        action,
			Score:         score,
			PreviousScore: previous,
			RiskLevel:     factors.RiskLevel,
		})
	}

	e.logger.Info("trust evaluated",
		"hostname", n.Hostname,
		"previous", previous,
		"score", score,
		"risk", factors.RiskLevel,
		"action", action,
	)

	return score, action
}

// recordHistory appends one trust history row. Failure is logged; the
// evaluation result stands.
func (e *Engine) recordHistory(ctx context.Context, n node.Node, score, previous float64, f Factors, m Metrics, action string) {
	snapshot, err := json.Marshal(map[string]any{
		"cpu":              m.CPUPercent,
		"memory":           m.MemoryPercent,
		"disk":             m.DiskPercent,
		"security_summary": m.SecurityEvents.Summary,
	})
	if err != nil {
		e.logger.Warn("marshalling metrics snapshot", "error", err)
	}

	rec := HistoryRecord{
		NodeID:            n.ID,
		Hostname:          n.Hostname,
		TrustScore:        score,
		PreviousScore:     previous,
		RiskLevel:         f.RiskLevel,
		RiskFactors:       f.RiskFactors,
		DeviceHealthScore: f.DeviceHealthScore,
		SecurityScore:     f.SecurityScore,
		BehaviorScore:     f.BehaviorScore,
		RoleScore:         f.RoleScore,
		MetricsSnapshot:   snapshot,
		ActionTaken:       action,
	}
	if err := e.store.AppendHistory(ctx, e.pool, rec); err != nil {
		e.logger.Error("recording trust history", "hostname", n.Hostname, "error", err)
	}
}

// executeAction performs the lifecycle side effect for an action. A node
// already in the target status is left untouched; revoked nodes never
// transition again from here.
func (e *Engine) executeAction(ctx context.Context, n node.Node, action string) {
	switch action {
	case ActionNone, ActionWarning:
		return
	case ActionRateLimit:
		// Recorded in history and metrics; no lifecycle transition.
		e.logger.Info("rate limiting node", "hostname", n.Hostname)
		return
	case ActionSuspend:
		if n.Status == node.StatusSuspended || n.Status == node.StatusRevoked {
			return
		}
		e.logger.Warn("suspending node on low trust score", "hostname", n.Hostname)
		if _, err := e.nodes.Suspend(ctx, n.ID, "trust_engine"); err != nil {
			e.logger.Error("suspending node", "hostname", n.Hostname, "error", err)
		}
	case ActionRevoke:
		if n.Status == node.StatusRevoked {
			return
		}
		e.logger.Error("revoking node on critical trust score", "hostname", n.Hostname)
		if _, err := e.nodes.Revoke(ctx, n.ID, "trust_engine"); err != nil {
			e.logger.Error("revoking node", "hostname", n.Hostname, "error", err)
		}
	}
}
