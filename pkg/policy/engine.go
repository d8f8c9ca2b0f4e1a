package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/meshguard/internal/store"
	"github.com/wisbric/meshguard/internal/telemetry"
	"github.com/wisbric/meshguard/pkg/node"
)

// HubConfig carries the hub identity compiled into every spoke's peer list.
type HubConfig struct {
	PublicKey      string
	Endpoint       string
	OverlayNetwork string
	DNSServers     []string
}

// Engine compiles policies and topology into per-node configuration.
type Engine struct {
	policies *Store
	nodes    *node.Store
	hub      HubConfig
	rdb      *redis.Client
	logger   *slog.Logger
}

// cacheTTL bounds staleness of cached bundles between version bumps that
// this process did not observe.
const cacheTTL = 60 * time.Second

// NewEngine creates a policy Engine. rdb may be nil to disable the
// compiled-config cache.
func NewEngine(hub HubConfig, rdb *redis.Client, logger *slog.Logger) *Engine {
	return &Engine{
		policies: NewStore(),
		nodes:    node.NewStore(),
		hub:      hub,
		rdb:      rdb,
		logger:   logger,
	}
}

// GenerateACL compiles the firewall rules the agent on target must install.
func (e *Engine) GenerateACL(ctx context.Context, db store.DBTX, target node.Node) ([]Rule, error) {
	policies, err := e.policies.ListEnabled(ctx, db)
	if err != nil {
		return nil, err
	}
	if len(policies) == 0 {
		e.logger.Warn("no access policies configured, using built-in defaults")
		policies = defaultPolicies
	}

	sources, err := e.nodes.ListActiveWithIP(ctx, db)
	if err != nil {
		return nil, err
	}

	return CompileACL(policies, sources, target), nil
}

// CompileACL expands role→role policies against the active source nodes
// into concrete rules for target. Policy priority order is preserved in
// the output; deduplication is left to the agent's firewall layer.
func CompileACL(policies []AccessPolicy, sources []node.Node, target node.Node) []Rule {
	rules := []Rule{}
	for _, p := range policies {
		if p.DstRole != target.Role && p.DstRole != "*" {
			continue
		}
		for _, src := range sources {
			if src.ID == target.ID {
				continue
			}
			if p.SrcRole != src.Role && p.SrcRole != "*" {
				continue
			}
			srcIP := src.OverlayHost()
			if srcIP == "" {
				continue
			}

			comment := p.Name
			if comment == "" {
				comment = fmt.Sprintf("%s->%s", src.Role, target.Role)
			}
			rules = append(rules, Rule{
				SrcIP:   srcIP,
				Port:    p.Port,
				Proto:   p.Protocol,
				Action:  p.Action,
				Comment: comment,
			})
		}
	}
	return rules
}

// GeneratePeers compiles the peer list for target: the hub gets one peer
// per other active node; spokes get a single peer, the hub.
func (e *Engine) GeneratePeers(ctx context.Context, db store.DBTX, target node.Node) ([]Peer, error) {
	if target.Role != "hub" {
		return []Peer{{
			PublicKey:           e.hub.PublicKey,
			AllowedIPs:          e.hub.OverlayNetwork,
			Endpoint:            e.hub.Endpoint,
			PersistentKeepalive: persistentKeepalive,
		}}, nil
	}

	actives, err := e.nodes.ListActiveWithIP(ctx, db)
	if err != nil {
		return nil, err
	}
	return CompileHubPeers(actives, target), nil
}

// CompileHubPeers builds the hub's peer list from the active nodes.
func CompileHubPeers(actives []node.Node, hub node.Node) []Peer {
	peers := []Peer{}
	for _, n := range actives {
		if n.ID == hub.ID {
			continue
		}
		host := n.OverlayHost()
		if host == "" {
			continue
		}
		p := Peer{
			PublicKey:           n.PublicKey,
			AllowedIPs:          host + "/32",
			PersistentKeepalive: persistentKeepalive,
		}
		if n.RealIP != nil && *n.RealIP != "" {
			p.Endpoint = fmt.Sprintf("%s:%d", *n.RealIP, n.ListenPort)
		}
		peers = append(peers, p)
	}
	return peers
}

// BuildConfig bundles peers, ACL rules, and the current config version for
// target. Bundles are cached in Redis keyed by hostname and version.
func (e *Engine) BuildConfig(ctx context.Context, db store.DBTX, target node.Node) (Bundle, error) {
	version, err := e.policies.ConfigVersion(ctx, db)
	if err != nil {
		return Bundle{}, err
	}

	if cached, ok := e.cacheGet(ctx, target.Hostname, version); ok {
		return cached, nil
	}

	peers, err := e.GeneratePeers(ctx, db, target)
	if err != nil {
		return Bundle{}, err
	}
	rules, err := e.GenerateACL(ctx, db, target)
	if err != nil {
		return Bundle{}, err
	}

	b := Bundle{
		Interface: InterfaceConfig{
			Address: derefStr(target.OverlayIP),
			DNS:     e.hub.DNSServers,
		},
		Peers:         peers,
		ACLRules:      rules,
		ConfigVersion: version,
		GeneratedAt:   time.Now().UTC(),
	}

	telemetry.ConfigBuildsTotal.Inc()
	e.cacheSet(ctx, target.Hostname, version, b)
	return b, nil
}

func (e *Engine) cacheKey(hostname string, version int64) string {
	return fmt.Sprintf("meshguard:config:%s:%d", hostname, version)
}

func (e *Engine) cacheGet(ctx context.Context, hostname string, version int64) (Bundle, bool) {
	if e.rdb == nil {
		return Bundle{}, false
	}
	raw, err := e.rdb.Get(ctx, e.cacheKey(hostname, version)).Bytes()
	if err != nil {
		return Bundle{}, false
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		e.logger.Warn("invalid cached config bundle", "hostname", hostname, "error", err)
		return Bundle{}, false
	}
	return b, true
}

func (e *Engine) cacheSet(ctx context.Context, hostname string, version int64, b Bundle) {
	if e.rdb == nil {
		return
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := e.rdb.Set(ctx, e.cacheKey(hostname, version), raw, cacheTTL).Err(); err != nil {
		e.logger.Warn("caching config bundle", "hostname", hostname, "error", err)
	}
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
