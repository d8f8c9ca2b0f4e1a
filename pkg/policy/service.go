package policy

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/meshguard/internal/events"
	"github.com/wisbric/meshguard/internal/store"
)

// ConfigChangedChannel is the Redis pub/sub channel notified on every
// config version bump. The worker reconciler subscribes to it.
const ConfigChangedChannel = "meshguard:config:changed"

// Service encapsulates access-policy CRUD. Every mutation atomically bumps
// the config version and notifies subscribers.
type Service struct {
	pool   *pgxpool.Pool
	store  *Store
	bus    *events.Bus
	rdb    *redis.Client
	logger *slog.Logger
}

// NewService creates a policy Service.
func NewService(pool *pgxpool.Pool, bus *events.Bus, rdb *redis.Client, logger *slog.Logger) *Service {
	return &Service{
		pool:   pool,
		store:  NewStore(),
		bus:    bus,
		rdb:    rdb,
		logger: logger,
	}
}

// Store exposes the policy store for read-side collaborators.
func (s *Service) Store() *Store { return s.store }

// List returns all policies.
func (s *Service) List(ctx context.Context) ([]AccessPolicy, error) {
	return s.store.List(ctx, s.pool)
}

// Get returns one policy.
func (s *Service) Get(ctx context.Context, id int64) (AccessPolicy, error) {
	return s.store.GetByID(ctx, s.pool, id)
}

// Create validates and inserts a policy, bumping the config version.
func (s *Service) Create(ctx context.Context, p AccessPolicy) (AccessPolicy, error) {
	if err := Validate(p); err != nil {
		return AccessPolicy{}, err
	}

	var created AccessPolicy
	var version int64
	err := store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		created, err = s.store.Insert(ctx, tx, p)
		if err != nil {
			return err
		}
		version, err = s.store.BumpConfigVersion(ctx, tx)
		return err
	})
	if err != nil {
		return AccessPolicy{}, err
	}

	s.notifyChange(ctx, created, "created", version)
	return created, nil
}

// Update validates and replaces a policy, bumping the config version.
func (s *Service) Update(ctx context.Context, p AccessPolicy) (AccessPolicy, error) {
	if err := Validate(p); err != nil {
		return AccessPolicy{}, err
	}

	var updated AccessPolicy
	var version int64
	err := store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		updated, err = s.store.Update(ctx, tx, p)
		if err != nil {
			return err
		}
		version, err = s.store.BumpConfigVersion(ctx, tx)
		return err
	})
	if err != nil {
		return AccessPolicy{}, err
	}

	s.notifyChange(ctx, updated, "updated", version)
	return updated, nil
}

// Delete removes a policy, bumping the config version.
func (s *Service) Delete(ctx context.Context, id int64) error {
	var deleted AccessPolicy
	var version int64
	err := store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := s.store.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		deleted = p

		if err := s.store.Delete(ctx, tx, id); err != nil {
			return err
		}
		version, err = s.store.BumpConfigVersion(ctx, tx)
		return err
	})
	if err != nil {
		return err
	}

	s.notifyChange(ctx, deleted, "deleted", version)
	return nil
}

// ConfigVersion returns the current config version.
func (s *Service) ConfigVersion(ctx context.Context) (int64, error) {
	return s.store.ConfigVersion(ctx, s.pool)
}

func (s *Service) notifyChange(ctx context.Context, p AccessPolicy, change string, version int64) {
	s.logger.Info("access policy changed",
		"name", p.Name, "change", change, "config_version", version)

	s.bus.Publish(events.PolicyChanged{
		PolicyID:      p.ID,
		Name:          p.Name,
		Change:        change,
		ConfigVersion: version,
	})

	if s.rdb != nil {
		if err := s.rdb.Publish(ctx, ConfigChangedChannel, version).Err(); err != nil {
			s.logger.Warn("publishing config change notification", "error", err)
		}
	}
}
