// Package events provides the in-process domain event bus. Managers publish
// typed events; handlers (overlay peer sync, event-store append,
// notifications) are registered at construction. Audit log entries are not
// written through the bus; managers write them directly.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is the sum type for all domain events.
type Event interface {
	// Kind returns the stable event kind string, e.g. "node.registered".
	Kind() string
}

// NodeRegistered is published when a new node completes registration.
type NodeRegistered struct {
	NodeID    int64  `json:"node_id"`
	Hostname  string `json:"hostname"`
	Role      string `json:"role"`
	OverlayIP string `json:"overlay_ip"`
	Status    string `json:"status"`
	RealIP    string `json:"real_ip,omitempty"`
}

func (NodeRegistered) Kind() string { return "node.registered" }

// NodeLifecycleChanged is published on approve/suspend/revoke transitions.
type NodeLifecycleChanged struct {
	NodeID    int64  `json:"node_id"`
	Hostname  string `json:"hostname"`
	PublicKey string `json:"public_key"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Actor     string `json:"actor"` // admin, trust_engine
}

func (NodeLifecycleChanged) Kind() string { return "node.lifecycle_changed" }

// NodeDeleted is published when an admin deletes a node.
type NodeDeleted struct {
	NodeID    int64  `json:"node_id"`
	Hostname  string `json:"hostname"`
	PublicKey string `json:"public_key"`
	OverlayIP string `json:"overlay_ip,omitempty"`
}

func (NodeDeleted) Kind() string { return "node.deleted" }

// PolicyChanged is published on any access-policy mutation.
type PolicyChanged struct {
	PolicyID      int64  `json:"policy_id"`
	Name          string `json:"name"`
	Change        string `json:"change"` // created, updated, deleted
	ConfigVersion int64  `json:"config_version"`
}

func (PolicyChanged) Kind() string { return "policy.changed" }

// TrustActionTaken is published after each trust evaluation that results
// in an action other than "none".
type TrustActionTaken struct {
	NodeID        int64   `json:"node_id"`
	Hostname      string  `json:"hostname"`
	PublicKey     string  `json:"public_key"`
	Action        string  `json:"action"`
	Score         float64 `json:"score"`
	PreviousScore float64 `json:"previous_score"`
	RiskLevel     string  `json:"risk_level"`
}

func (TrustActionTaken) Kind() string { return "trust.action_taken" }

// ClientDeviceCreated is published when a client device is provisioned.
type ClientDeviceCreated struct {
	DeviceID   int64     `json:"device_id"`
	DeviceName string    `json:"device_name"`
	DeviceType string    `json:"device_type"`
	UserID     string    `json:"user_id,omitempty"`
	OverlayIP  string    `json:"overlay_ip"`
	PublicKey  string    `json:"public_key"`
	Status     string    `json:"status"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (ClientDeviceCreated) Kind() string { return "client.device_created" }

// ClientDeviceRevoked is published when a client device is revoked.
type ClientDeviceRevoked struct {
	DeviceID   int64  `json:"device_id"`
	DeviceName string `json:"device_name"`
	UserID     string `json:"user_id,omitempty"`
	PublicKey  string `json:"public_key"`
	Reason     string `json:"reason"`
}

func (ClientDeviceRevoked) Kind() string { return "client.device_revoked" }

// UserCreated is published when a user is created.
type UserCreated struct {
	UserID     int64  `json:"user_db_id"`
	ExternalID string `json:"user_id"`
	Email      string `json:"email,omitempty"`
}

func (UserCreated) Kind() string { return "user.created" }

// MembershipChanged is published when a user joins or leaves a group.
type MembershipChanged struct {
	UserExternalID string `json:"user_id"`
	GroupName      string `json:"group_name"`
	Role           string `json:"role,omitempty"`
	Change         string `json:"change"` // added, removed
}

func (MembershipChanged) Kind() string { return "user.membership_changed" }

// Envelope wraps a published event with its identity and timestamp.
type Envelope struct {
	ID         uuid.UUID
	OccurredAt time.Time
	Event      Event
}

// Handler processes a published event. Handlers run on the bus goroutine
// and should hand off long work to their own machinery.
type Handler func(ctx context.Context, env Envelope)

// Bus is a buffered in-process event bus.
type Bus struct {
	logger   *slog.Logger
	handlers []Handler
	ch       chan Envelope
	wg       sync.WaitGroup
	now      func() time.Time
}

const busBuffer = 256

// NewBus creates a Bus with the given handlers. Call Start to begin
// dispatching.
func NewBus(logger *slog.Logger, handlers ...Handler) *Bus {
	return &Bus{
		logger:   logger,
		handlers: handlers,
		ch:       make(chan Envelope, busBuffer),
		now:      time.Now,
	}
}

// Start launches the dispatch goroutine. It drains remaining events when
// the context is cancelled.
func (b *Bus) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case env, ok := <-b.ch:
				if !ok {
					return
				}
				b.dispatch(ctx, env)
			case <-ctx.Done():
				for {
					select {
					case env, ok := <-b.ch:
						if !ok {
							return
						}
						b.dispatch(context.Background(), env)
					default:
						return
					}
				}
			}
		}
	}()
}

// Close stops accepting events and waits for the dispatcher to finish.
func (b *Bus) Close() {
	close(b.ch)
	b.wg.Wait()
}

// Publish enqueues an event. It never blocks the caller; if the buffer is
// full the event is dropped and a warning is logged.
func (b *Bus) Publish(e Event) {
	env := Envelope{
		ID:         uuid.New(),
		OccurredAt: b.now().UTC(),
		Event:      e,
	}
	select {
	case b.ch <- env:
	default:
		b.logger.Warn("event bus buffer full, dropping event", "kind", e.Kind())
	}
}

func (b *Bus) dispatch(ctx context.Context, env Envelope) {
	for _, h := range b.handlers {
		h(ctx, env)
	}
}
