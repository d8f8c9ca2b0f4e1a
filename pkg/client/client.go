// Package client manages end-user VPN client devices: server-side key
// provisioning, client-pool addressing, config rendering with QR codes,
// expiry, and revocation.
package client

import (
	"errors"
	"time"
)

// Device types.
const (
	DeviceMobile  = "mobile"
	DeviceLaptop  = "laptop"
	DeviceDesktop = "desktop"
	DeviceOther   = "other"
)

// Tunnel modes.
const (
	TunnelFull  = "full"  // route all traffic through the overlay
	TunnelSplit = "split" // route only the overlay network
)

// Sentinel errors surfaced by the manager.
var (
	// ErrNotFound is returned when a referenced device (or token) does
	// not exist.
	ErrNotFound = errors.New("client device not found")

	// ErrDeviceLimit is returned when a user is at their device cap.
	ErrDeviceLimit = errors.New("device limit reached for user")

	// ErrDeviceNameExists is returned when the user already has a
	// non-revoked device with this name.
	ErrDeviceNameExists = errors.New("device name already exists for this user")

	// ErrExpired is returned when a device's config is requested after
	// expires_at.
	ErrExpired = errors.New("client device configuration expired")
)

// Device is one end-user VPN peer.
type Device struct {
	ID          int64   `json:"id"`
	DeviceName  string  `json:"device_name"`
	DeviceType  string  `json:"device_type"`
	UserID      *string `json:"user_id,omitempty"`
	Description *string `json:"description,omitempty"`

	PublicKey        string  `json:"public_key"`
	PrivateKeySealed string  `json:"-"`
	PresharedKey     *string `json:"-"`

	OverlayIP  *string `json:"overlay_ip"`
	TunnelMode string  `json:"tunnel_mode"`
	Status     string  `json:"status"`

	ConfigToken      *string   `json:"config_token,omitempty"`
	ConfigDownloaded bool      `json:"config_downloaded"`
	ExpiresAt        time.Time `json:"expires_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Effective reports whether the device may currently connect: active and
// not yet expired.
func (d *Device) Effective(now time.Time) bool {
	return d.Status == "active" && now.Before(d.ExpiresAt)
}

// OverlayHost returns the device's overlay address without prefix, or "".
func (d *Device) OverlayHost() string {
	if d.OverlayIP == nil {
		return ""
	}
	ip := *d.OverlayIP
	for i := 0; i < len(ip); i++ {
		if ip[i] == '/' {
			return ip[:i]
		}
	}
	return ip
}

func validDeviceType(t string) bool {
	switch t {
	case DeviceMobile, DeviceLaptop, DeviceDesktop, DeviceOther:
		return true
	}
	return false
}

func validTunnelMode(m string) bool {
	return m == TunnelFull || m == TunnelSplit
}
