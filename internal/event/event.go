// Package event defines the identity event log: an append-only, partitioned
// stream with consumer-group offset tracking and at-least-once delivery.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"authmesh.org/internal/identity"
	"authmesh.org/internal/ids"
)

// TypeIdentityCreated marks an event recording a new principal.
const TypeIdentityCreated = "identity.created"

// Event is an immutable fact appended to the log. Key selects the partition,
// so all events for one identity share a partition and arrive in order.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is an event together with its position in the log.
type Record struct {
	Partition int   `json:"partition"`
	Offset    int64 `json:"offset"`
	Event     Event `json:"event"`
}

// Publisher appends events to the log.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Source is the consume side of the log. Poll returns the earliest record
// past the group's committed offset and blocks until one exists; an
// uncommitted record is returned again on the next call, which is what gives
// consumers at-least-once redelivery.
type Source interface {
	Partitions(ctx context.Context) (int, error)
	Poll(ctx context.Context, group string, partition int) (Record, error)
	Commit(ctx context.Context, group string, partition int, offset int64) error
}

// IdentityCreated is the wire payload of an identity.created event.
type IdentityCreated struct {
	UserID    int64     `json:"user_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

// NewIdentityCreated builds the event for a freshly persisted user. The
// partition key is the identity id, preserving per-identity ordering.
func NewIdentityCreated(user *identity.User, now time.Time) (Event, error) {
	role := identity.RoleUser
	if len(user.Roles) > 0 {
		role = user.Roles[0]
	}
	payload, err := json.Marshal(IdentityCreated{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      role.Wire(),
		Timestamp: now.UTC(),
	})
	if err != nil {
		return Event{}, fmt.Errorf("encode identity.created: %w", err)
	}
	return Event{
		ID:        ids.New(),
		Type:      TypeIdentityCreated,
		Key:       strconv.FormatInt(user.ID, 10),
		Payload:   payload,
		Timestamp: now.UTC(),
	}, nil
}

// DecodeIdentityCreated parses the payload of an identity.created event.
func DecodeIdentityCreated(evt Event) (IdentityCreated, error) {
	if evt.Type != TypeIdentityCreated {
		return IdentityCreated{}, fmt.Errorf("unexpected event type %q", evt.Type)
	}
	var out IdentityCreated
	if err := json.Unmarshal(evt.Payload, &out); err != nil {
		return IdentityCreated{}, fmt.Errorf("decode identity.created: %w", err)
	}
	if out.UserID == 0 {
		return IdentityCreated{}, fmt.Errorf("identity.created missing user id")
	}
	return out, nil
}
