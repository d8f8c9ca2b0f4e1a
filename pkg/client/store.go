package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/meshguard/internal/store"
)

// Store provides database operations for client devices.
type Store struct{}

// NewStore creates a client device Store.
func NewStore() *Store {
	return &Store{}
}

const deviceColumns = `id, device_name, device_type, user_id, description,
	public_key, private_key_sealed, preshared_key, overlay_ip, tunnel_mode,
	status, config_token, config_downloaded, expires_at, created_at, updated_at`

func scanDevice(row pgx.Row) (Device, error) {
	var d Device
	err := row.Scan(
		&d.ID, &d.DeviceName, &d.DeviceType, &d.UserID, &d.Description,
		&d.PublicKey, &d.PrivateKeySealed, &d.PresharedKey, &d.OverlayIP,
		&d.TunnelMode, &d.Status, &d.ConfigToken, &d.ConfigDownloaded,
		&d.ExpiresAt, &d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

// GetByID returns a device by id, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, db store.DBTX, id int64) (Device, error) {
	d, err := scanDevice(db.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM client_devices WHERE id = $1`, id))
	if err != nil {
		if store.IsNoRows(err) {
			return Device{}, ErrNotFound
		}
		return Device{}, fmt.Errorf("getting device %d: %w", id, err)
	}
	return d, nil
}

// GetByToken returns the device holding a config token, or ErrNotFound.
func (s *Store) GetByToken(ctx context.Context, db store.DBTX, token string) (Device, error) {
	d, err := scanDevice(db.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM client_devices WHERE config_token = $1`, token))
	if err != nil {
		if store.IsNoRows(err) {
			return Device{}, ErrNotFound
		}
		return Device{}, fmt.Errorf("getting device by token: %w", err)
	}
	return d, nil
}

// CountLiveForUser counts a user's non-revoked devices.
func (s *Store) CountLiveForUser(ctx context.Context, db store.DBTX, userID string) (int, error) {
	var count int
	err := db.QueryRow(ctx,
		`SELECT count(*) FROM client_devices WHERE user_id = $1 AND status <> 'revoked'`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting devices for user %q: %w", userID, err)
	}
	return count, nil
}

// LiveNameExists reports whether the user already has a non-revoked device
// with this name.
func (s *Store) LiveNameExists(ctx context.Context, db store.DBTX, deviceName string, userID *string) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM client_devices
			WHERE device_name = $1 AND user_id IS NOT DISTINCT FROM $2 AND status <> 'revoked'
		)`,
		deviceName, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking device name: %w", err)
	}
	return exists, nil
}

// InsertParams holds the fields of a new device row.
type InsertParams struct {
	DeviceName       string
	DeviceType       string
	UserID           *string
	Description      *string
	PublicKey        string
	PrivateKeySealed string
	PresharedKey     string
	OverlayIP        string
	TunnelMode       string
	Status           string
	ConfigToken      string
	ExpiresAt        time.Time
}

// Insert creates a device row.
func (s *Store) Insert(ctx context.Context, db store.DBTX, p InsertParams) (Device, error) {
	d, err := scanDevice(db.QueryRow(ctx,
		`INSERT INTO client_devices
			(device_name, device_type, user_id, description, public_key,
			 private_key_sealed, preshared_key, overlay_ip, tunnel_mode,
			 status, config_token, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+deviceColumns,
		p.DeviceName, p.DeviceType, p.UserID, p.Description, p.PublicKey,
		p.PrivateKeySealed, p.PresharedKey, p.OverlayIP, p.TunnelMode,
		p.Status, p.ConfigToken, p.ExpiresAt,
	))
	if err != nil {
		if store.IsUniqueViolation(err) {
			return Device{}, ErrDeviceNameExists
		}
		return Device{}, fmt.Errorf("inserting device: %w", err)
	}
	return d, nil
}

// ListFilters narrows List results.
type ListFilters struct {
	UserID         string
	Status         string
	IncludeExpired bool
}

// List returns devices ordered by creation time descending.
func (s *Store) List(ctx context.Context, db store.DBTX, f ListFilters) ([]Device, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if f.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
		args = append(args, f.UserID)
		argIdx++
	}
	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, f.Status)
		argIdx++
	}
	if !f.IncludeExpired {
		conditions = append(conditions, "expires_at > now()")
	}

	query := `SELECT ` + deviceColumns + ` FROM client_devices`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ListEffective returns active, unexpired devices.
func (s *Store) ListEffective(ctx context.Context, db store.DBTX) ([]Device, error) {
	return s.List(ctx, db, ListFilters{Status: "active"})
}

// SetRevoked marks a device revoked and clears its config token.
func (s *Store) SetRevoked(ctx context.Context, db store.DBTX, id int64) (Device, error) {
	d, err := scanDevice(db.QueryRow(ctx,
		`UPDATE client_devices
		 SET status = 'revoked', config_token = NULL, updated_at = now()
		 WHERE id = $1
		 RETURNING `+deviceColumns, id))
	if err != nil {
		if store.IsNoRows(err) {
			return Device{}, ErrNotFound
		}
		return Device{}, fmt.Errorf("revoking device %d: %w", id, err)
	}
	return d, nil
}

// SetApproved transitions a pending device to active.
func (s *Store) SetApproved(ctx context.Context, db store.DBTX, id int64) (Device, error) {
	d, err := scanDevice(db.QueryRow(ctx,
		`UPDATE client_devices SET status = 'active', updated_at = now()
		 WHERE id = $1
		 RETURNING `+deviceColumns, id))
	if err != nil {
		if store.IsNoRows(err) {
			return Device{}, ErrNotFound
		}
		return Device{}, fmt.Errorf("approving device %d: %w", id, err)
	}
	return d, nil
}

// MarkDownloaded records that the config was retrieved.
func (s *Store) MarkDownloaded(ctx context.Context, db store.DBTX, id int64) error {
	_, err := db.Exec(ctx,
		`UPDATE client_devices SET config_downloaded = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking device %d downloaded: %w", id, err)
	}
	return nil
}

// Delete removes a device row.
func (s *Store) Delete(ctx context.Context, db store.DBTX, id int64) error {
	tag, err := db.Exec(ctx, `DELETE FROM client_devices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting device %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
