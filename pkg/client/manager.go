package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/meshguard/internal/audit"
	"github.com/wisbric/meshguard/internal/events"
	"github.com/wisbric/meshguard/internal/store"
	"github.com/wisbric/meshguard/pkg/ipam"
	"github.com/wisbric/meshguard/pkg/userpolicy"
)

// Config carries the client-pool policy and hub identity the manager
// needs.
type Config struct {
	MaxDevicesPerUser    int
	DefaultExpiresDays   int
	RequireAdminApproval bool
	HubPublicKey         string
	HubEndpoint          string
	OverlayNetwork       string
	DNSServers           []string
}

// Manager implements the client device lifecycle.
type Manager struct {
	pool     *pgxpool.Pool
	store    *Store
	alloc    *ipam.Allocator
	sealer   *Sealer
	cfg      Config
	bus      *events.Bus
	audit    *audit.Writer
	policies *userpolicy.Manager
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager wires the client device manager. policies may be nil; the
// rendered config then carries no policy summary.
func NewManager(pool *pgxpool.Pool, alloc *ipam.Allocator, sealer *Sealer, cfg Config, bus *events.Bus, auditW *audit.Writer, policies *userpolicy.Manager, logger *slog.Logger) *Manager {
	return &Manager{
		pool:     pool,
		store:    NewStore(),
		alloc:    alloc,
		sealer:   sealer,
		cfg:      cfg,
		bus:      bus,
		audit:    auditW,
		policies: policies,
		logger:   logger,
		now:      time.Now,
	}
}

// Store exposes the device store for read-side collaborators.
func (m *Manager) Store() *Store { return m.store }

// CreateParams are the inputs to CreateDevice.
type CreateParams struct {
	DeviceName  string
	DeviceType  string
	UserID      *string
	Description *string
	TunnelMode  string
	ExpiresDays int
}

// CreateDevice provisions a new client device: generates the keypair and
// preshared key, seals the private key, allocates a client-pool address,
// and issues the one-time config token.
func (m *Manager) CreateDevice(ctx context.Context, p CreateParams) (Device, error) {
	if p.DeviceType == "" {
		p.DeviceType = DeviceMobile
	}
	if !validDeviceType(p.DeviceType) {
		return Device{}, fmt.Errorf("invalid device type %q", p.DeviceType)
	}
	if p.TunnelMode == "" {
		p.TunnelMode = TunnelFull
	}
	if !validTunnelMode(p.TunnelMode) {
		return Device{}, fmt.Errorf("invalid tunnel mode %q", p.TunnelMode)
	}

	if p.UserID != nil {
		count, err := m.store.CountLiveForUser(ctx, m.pool, *p.UserID)
		if err != nil {
			return Device{}, err
		}
		if count >= m.cfg.MaxDevicesPerUser {
			return Device{}, fmt.Errorf("%w (%d)", ErrDeviceLimit, m.cfg.MaxDevicesPerUser)
		}
	}

	exists, err := m.store.LiveNameExists(ctx, m.pool, p.DeviceName, p.UserID)
	if err != nil {
		return Device{}, err
	}
	if exists {
		return Device{}, ErrDeviceNameExists
	}

	privateKey, publicKey, err := GenerateKeypair()
	if err != nil {
		return Device{}, err
	}
	sealed, err := m.sealer.Seal(privateKey)
	if err != nil {
		return Device{}, err
	}
	psk, err := GeneratePresharedKey()
	if err != nil {
		return Device{}, err
	}
	token, err := GenerateConfigToken()
	if err != nil {
		return Device{}, err
	}

	expiresDays := p.ExpiresDays
	if expiresDays <= 0 {
		expiresDays = m.cfg.DefaultExpiresDays
	}
	expiresAt := m.now().UTC().Add(time.Duration(expiresDays) * 24 * time.Hour)

	status := "active"
	if m.cfg.RequireAdminApproval {
		status = "pending"
	}

	var created Device
	err = store.WithTx(ctx, m.pool, func(tx pgx.Tx) error {
		overlayIP, err := m.alloc.AllocateCIDR(ctx, tx, ipam.PoolClient)
		if err != nil {
			return err
		}

		created, err = m.store.Insert(ctx, tx, InsertParams{
			DeviceName:       p.DeviceName,
			DeviceType:       p.DeviceType,
			UserID:           p.UserID,
			Description:      p.Description,
			PublicKey:        publicKey,
			PrivateKeySealed: sealed,
			PresharedKey:     psk,
			OverlayIP:        overlayIP,
			TunnelMode:       p.TunnelMode,
			Status:           status,
			ConfigToken:      token,
			ExpiresAt:        expiresAt,
		})
		return err
	})
	if err != nil {
		return Device{}, err
	}

	m.logger.Info("client device created",
		"device", created.DeviceName,
		"type", created.DeviceType,
		"user_id", derefStr(created.UserID),
		"overlay_ip", derefStr(created.OverlayIP),
		"status", created.Status,
	)

	m.audit.Log(audit.Entry{
		EventType:   "client_device",
		EventAction: "create",
		ActorType:   "admin",
		TargetType:  "client_device",
		TargetID:    fmt.Sprintf("%d", created.ID),
	})
	// The overlay sync handler adds the peer for effective devices.
	m.bus.Publish(events.ClientDeviceCreated{
		DeviceID:   created.ID,
		DeviceName: created.DeviceName,
		DeviceType: created.DeviceType,
		UserID:     derefStr(created.UserID),
		OverlayIP:  derefStr(created.OverlayIP),
		PublicKey:  created.PublicKey,
		Status:     created.Status,
		ExpiresAt:  created.ExpiresAt,
	})

	return created, nil
}

// GetDevice returns a device by id.
func (m *Manager) GetDevice(ctx context.Context, id int64) (Device, error) {
	return m.store.GetByID(ctx, m.pool, id)
}

// ListDevices returns devices with optional filters.
func (m *Manager) ListDevices(ctx context.Context, f ListFilters) ([]Device, error) {
	return m.store.List(ctx, m.pool, f)
}

// RevokeDevice revokes a device, invalidating its token. The overlay sync
// handler removes the peer.
func (m *Manager) RevokeDevice(ctx context.Context, id int64, reason string) error {
	d, err := m.store.GetByID(ctx, m.pool, id)
	if err != nil {
		return err
	}
	if d.Status == "revoked" {
		return nil
	}

	revoked, err := m.store.SetRevoked(ctx, m.pool, id)
	if err != nil {
		return err
	}

	m.logger.Info("client device revoked", "device", revoked.DeviceName, "id", id)
	m.audit.Log(audit.Entry{
		EventType:   "client_device",
		EventAction: "update",
		ActorType:   "admin",
		TargetType:  "client_device",
		TargetID:    fmt.Sprintf("%d", id),
	})
	m.bus.Publish(events.ClientDeviceRevoked{
		DeviceID:   revoked.ID,
		DeviceName: revoked.DeviceName,
		UserID:     derefStr(revoked.UserID),
		PublicKey:  revoked.PublicKey,
		Reason:     reason,
	})
	return nil
}

// ApproveDevice transitions a pending device to active.
func (m *Manager) ApproveDevice(ctx context.Context, id int64) (Device, error) {
	d, err := m.store.SetApproved(ctx, m.pool, id)
	if err != nil {
		return Device{}, err
	}

	m.bus.Publish(events.ClientDeviceCreated{
		DeviceID:   d.ID,
		DeviceName: d.DeviceName,
		DeviceType: d.DeviceType,
		UserID:     derefStr(d.UserID),
		OverlayIP:  derefStr(d.OverlayIP),
		PublicKey:  d.PublicKey,
		Status:     d.Status,
		ExpiresAt:  d.ExpiresAt,
	})
	return d, nil
}

// DeleteDevice removes a device and releases its overlay address.
func (m *Manager) DeleteDevice(ctx context.Context, id int64) error {
	var deleted Device
	err := store.WithTx(ctx, m.pool, func(tx pgx.Tx) error {
		d, err := m.store.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		deleted = d

		if err := m.store.Delete(ctx, tx, id); err != nil {
			return err
		}
		if d.OverlayIP != nil {
			return m.alloc.Release(ctx, tx, *d.OverlayIP)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info("client device deleted", "device", deleted.DeviceName, "id", id)
	m.bus.Publish(events.ClientDeviceRevoked{
		DeviceID:   deleted.ID,
		DeviceName: deleted.DeviceName,
		UserID:     derefStr(deleted.UserID),
		PublicKey:  deleted.PublicKey,
		Reason:     "deleted",
	})
	return nil
}

// ConfigByToken resolves a config token to the rendered tunnel config.
// Expired devices fail with ErrExpired; unknown or revoked tokens with
// ErrNotFound. Retrieval marks the config downloaded.
type ConfigResult struct {
	Device          Device
	WireGuardConfig string
	QRCodeBase64    string
}

func (m *Manager) ConfigByToken(ctx context.Context, token string) (ConfigResult, error) {
	d, err := m.store.GetByToken(ctx, m.pool, token)
	if err != nil {
		return ConfigResult{}, err
	}

	if d.Status != "active" {
		return ConfigResult{}, ErrNotFound
	}
	if !m.now().UTC().Before(d.ExpiresAt) {
		return ConfigResult{}, ErrExpired
	}

	privateKey, err := m.sealer.Open(d.PrivateKeySealed)
	if err != nil {
		return ConfigResult{}, fmt.Errorf("unsealing private key: %w", err)
	}

	config := RenderConfig(RenderParams{
		PrivateKey:     privateKey,
		Address:        derefStr(d.OverlayIP),
		DNSServers:     m.cfg.DNSServers,
		HubPublicKey:   m.cfg.HubPublicKey,
		HubEndpoint:    m.cfg.HubEndpoint,
		OverlayNetwork: m.cfg.OverlayNetwork,
		TunnelMode:     d.TunnelMode,
		PresharedKey:   derefStr(d.PresharedKey),
		PolicySummary:  m.policySummary(ctx, d.UserID),
	})

	qr, err := GenerateQRCode(config)
	if err != nil {
		m.logger.Warn("generating QR code", "device", d.DeviceName, "error", err)
		qr = ""
	}

	if err := m.store.MarkDownloaded(ctx, m.pool, d.ID); err != nil {
		m.logger.Warn("marking config downloaded", "device", d.DeviceName, "error", err)
	}

	m.audit.Log(audit.Entry{
		EventType:   "client_device",
		EventAction: "access",
		ActorType:   "client",
		ActorID:     derefStr(d.UserID),
		TargetType:  "client_device",
		TargetID:    fmt.Sprintf("%d", d.ID),
	})

	return ConfigResult{Device: d, WireGuardConfig: config, QRCodeBase64: qr}, nil
}

// policySummary renders the comment block of the user's effective
// policies: at most five policy lines, followed by one overflow line when
// there are more.
func (m *Manager) policySummary(ctx context.Context, userID *string) []string {
	if m.policies == nil || userID == nil {
		return nil
	}

	policies, err := m.policies.EffectivePolicies(ctx, *userID, "")
	if err != nil || len(policies) == 0 {
		return nil
	}

	const maxLines = 5
	lines := make([]string, 0, maxLines+1)
	for i, p := range policies {
		if i == maxLines {
			lines = append(lines, fmt.Sprintf("… and %d more policies", len(policies)-maxLines))
			break
		}
		mark := "deny"
		if p.Action == "allow" || p.Action == "require_mfa" {
			mark = "allow"
		}
		lines = append(lines, fmt.Sprintf("%s %s: %s", mark, p.ResourceType, p.ResourceValue))
	}
	return lines
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
