// Package app wires configuration, infrastructure, domain managers, and
// the HTTP surface together, and runs the selected mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/meshguard/internal/audit"
	"github.com/wisbric/meshguard/internal/auth"
	"github.com/wisbric/meshguard/internal/config"
	"github.com/wisbric/meshguard/internal/events"
	"github.com/wisbric/meshguard/internal/httpserver"
	"github.com/wisbric/meshguard/internal/platform"
	"github.com/wisbric/meshguard/internal/seed"
	"github.com/wisbric/meshguard/internal/telemetry"
	"github.com/wisbric/meshguard/pkg/agentapi"
	"github.com/wisbric/meshguard/pkg/client"
	"github.com/wisbric/meshguard/pkg/ipam"
	"github.com/wisbric/meshguard/pkg/node"
	"github.com/wisbric/meshguard/pkg/overlay"
	"github.com/wisbric/meshguard/pkg/policy"
	"github.com/wisbric/meshguard/pkg/reconcile"
	meshguardslack "github.com/wisbric/meshguard/pkg/slack"
	"github.com/wisbric/meshguard/pkg/trust"
	"github.com/wisbric/meshguard/pkg/userpolicy"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api, worker, or seed).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting meshguard",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
		"overlay_network", cfg.OverlayNetwork,
	)

	// Database
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	// Redis
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	// Migrations
	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	// IPAM
	alloc, err := ipam.New(cfg.OverlayNetwork, cfg.OverlayGateway,
		cfg.ClientIPPoolStart, cfg.ClientIPPoolEnd, logger)
	if err != nil {
		return fmt.Errorf("initializing IPAM: %w", err)
	}
	if err := alloc.EnsureNetwork(ctx, db); err != nil {
		return err
	}

	// Overlay driver
	var driver overlay.Driver
	switch cfg.OverlayDriver {
	case "memory":
		driver = overlay.NewMemoryDriver()
		logger.Info("using in-memory overlay driver")
	default:
		driver = overlay.NewWireGuardDriver(cfg.WGInterface, logger)
	}

	// Metrics
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, driver, alloc, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb, driver)
	case "seed":
		return seed.Run(ctx, db, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, driver overlay.Driver, alloc *ipam.Allocator, metricsReg *prometheus.Registry) error {
	// Audit log writer (async, buffered).
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	// Slack security notifications (noop when unconfigured).
	notifier := meshguardslack.NewNotifier(cfg.SlackBotToken, cfg.SlackSecurityChannel, logger)
	if notifier.IsEnabled() {
		logger.Info("slack security notifications enabled", "channel", cfg.SlackSecurityChannel)
	} else {
		logger.Info("slack security notifications disabled (SLACK_BOT_TOKEN not set)")
	}

	// Event bus: overlay sync for client devices, event-store append,
	// slack notifications. Handlers register at construction.
	bus := events.NewBus(logger,
		overlaySyncHandler(driver, logger),
		events.NewStoreHandler(db, logger),
		slackHandler(notifier, logger),
	)
	bus.Start(ctx)
	defer bus.Close()

	// Domain managers.
	nodeManager := node.NewManager(db, alloc, driver, bus, auditWriter, cfg, logger)
	policyService := policy.NewService(db, bus, rdb, logger)
	policyEngine := policy.NewEngine(policy.HubConfig{
		PublicKey:      cfg.HubPublicKey,
		Endpoint:       cfg.HubEndpoint,
		OverlayNetwork: cfg.OverlayNetwork,
		DNSServers:     cfg.DNSServers,
	}, rdb, logger)
	trustEngine := trust.NewEngine(db, nodeManager, bus, logger)
	userPolicyManager := userpolicy.NewManager(db, bus, logger)
	clientManager := client.NewManager(db, alloc, client.NewSealer(cfg.AdminSecret), client.Config{
		MaxDevicesPerUser:    cfg.ClientMaxDevicesPerUser,
		DefaultExpiresDays:   cfg.ClientDefaultExpiresDays,
		RequireAdminApproval: cfg.ClientRequireAdminApprove,
		HubPublicKey:         cfg.HubPublicKey,
		HubEndpoint:          cfg.HubEndpoint,
		OverlayNetwork:       cfg.OverlayNetwork,
		DNSServers:           cfg.DNSServers,
	}, bus, auditWriter, userPolicyManager, logger)

	// Registration rate limiter: 30 failed attempts per IP per 5 minutes.
	registerLimiter := auth.NewRateLimiter(rdb, "register_ratelimit", 30, 5*time.Minute)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		AdminSecret:        cfg.AdminSecret,
	}, logger, db, rdb, metricsReg)

	// --- Agent surface ---
	agentHandler := agentapi.NewHandler(nodeManager, policyEngine, policyService, trustEngine, registerLimiter, agentapi.Hints{
		HubPublicKey:       cfg.HubPublicKey,
		HubEndpoint:        cfg.HubEndpoint,
		OverlayNetwork:     cfg.OverlayNetwork,
		DNSServers:         cfg.DNSServers,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		ConfigSyncInterval: cfg.ConfigSyncInterval,
		NodeTimeoutMinutes: cfg.NodeTimeoutMinutes,
	}, logger)
	srv.APIRouter.Mount("/agent", agentHandler.Routes())

	// --- Client device surface ---
	// Device management requires the admin token; config download is
	// public by capability token.
	clientHandler := client.NewHandler(clientManager, logger)
	srv.APIRouter.Route("/client/devices", func(r chi.Router) {
		r.Use(auth.AdminToken(cfg.AdminSecret, logger))
		r.Mount("/", clientHandler.DeviceRoutes())
	})
	srv.APIRouter.Mount("/client/config", clientHandler.ConfigRoutes())

	// --- Admin surface ---
	nodesRouter := node.NewAdminHandler(nodeManager, logger).Routes()
	trustHandler := trust.NewHandler(db, logger)
	nodesRouter.Mount("/{id}/trust", trustHandler.Routes())
	srv.AdminRouter.Mount("/nodes", nodesRouter)

	policyHandler := policy.NewHandler(policyService, logger, auditWriter)
	srv.AdminRouter.Mount("/policies", policyHandler.Routes())

	ipamHandler := ipam.NewHandler(alloc, db, logger)
	srv.AdminRouter.Mount("/network", ipamHandler.Routes())

	auditHandler := audit.NewHandler(logger, db)
	srv.AdminRouter.Mount("/audit-log", auditHandler.Routes())

	userPolicyHandler := userpolicy.NewHandler(userPolicyManager, logger, auditWriter)
	srv.AdminRouter.Mount("/users", userPolicyHandler.UserRoutes())
	srv.AdminRouter.Mount("/groups", userPolicyHandler.GroupRoutes())
	srv.AdminRouter.Mount("/user-policies", userPolicyHandler.PolicyRoutes())
	srv.AdminRouter.Mount("/access", userPolicyHandler.AccessRoutes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, driver overlay.Driver) error {
	logger.Info("worker started")

	nodeTimeout := time.Duration(cfg.NodeTimeoutMinutes) * time.Minute
	reconciler := reconcile.New(db, driver, rdb, cfg.ReconcileInterval, nodeTimeout, logger)
	return reconciler.Run(ctx)
}

// overlaySyncHandler mirrors client-device lifecycle events into the hub's
// peer table. Node peers are programmed inline by the lifecycle manager;
// client devices go through the bus.
func overlaySyncHandler(driver overlay.Driver, logger *slog.Logger) events.Handler {
	return func(ctx context.Context, env events.Envelope) {
		switch e := env.Event.(type) {
		case events.ClientDeviceCreated:
			if e.Status != "active" || e.OverlayIP == "" {
				return
			}
			if err := driver.AddPeer(ctx, e.PublicKey, ipam.Host(e.OverlayIP)+"/32"); err != nil {
				telemetry.PeersProgrammedTotal.WithLabelValues("add", "error").Inc()
				logger.Warn("adding client peer", "device", e.DeviceName, "error", err)
				return
			}
			telemetry.PeersProgrammedTotal.WithLabelValues("add", "ok").Inc()
		case events.ClientDeviceRevoked:
			if err := driver.RemovePeer(ctx, e.PublicKey); err != nil {
				telemetry.PeersProgrammedTotal.WithLabelValues("remove", "error").Inc()
				logger.Warn("removing client peer", "device", e.DeviceName, "error", err)
				return
			}
			telemetry.PeersProgrammedTotal.WithLabelValues("remove", "ok").Inc()
		}
	}
}

// slackHandler posts security-relevant events to the configured channel.
func slackHandler(notifier *meshguardslack.Notifier, logger *slog.Logger) events.Handler {
	return func(ctx context.Context, env events.Envelope) {
		switch e := env.Event.(type) {
		case events.TrustActionTaken:
			if e.Action == trust.ActionWarning {
				return
			}
			if err := notifier.PostTrustAction(ctx, meshguardslack.TrustAction{
				Hostname:      e.Hostname,
				Action:        e.Action,
				Score:         e.Score,
				PreviousScore: e.PreviousScore,
				RiskLevel:     e.RiskLevel,
			}); err != nil {
				logger.Warn("posting trust action to slack", "error", err)
			}
		case events.NodeRegistered:
			if e.Status != node.StatusPending {
				return
			}
			if err := notifier.PostPendingNode(ctx, e.Hostname, e.Role, e.OverlayIP); err != nil {
				logger.Warn("posting pending node to slack", "error", err)
			}
		}
	}
}
