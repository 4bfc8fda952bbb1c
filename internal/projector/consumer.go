package projector

import (
	"context"
	"errors"
	"sync"
	"time"

	"authmesh.org/internal/event"
	"authmesh.org/internal/obs"
)

const (
	defaultRetryDelay  = time.Second
	conflictRetryLimit = 3
)

// Consumer subscribes to the identity event log under a named group and
// applies each event to the local projection. The offset is committed only
// after the projection write succeeds; a failed apply is redelivered.
type Consumer struct {
	source event.Source
	store  Store
	group  string

	retryDelay time.Duration
}

// ConsumerOption configures Consumer behavior.
type ConsumerOption func(*Consumer)

// WithRetryDelay overrides the pause after transient failures (tests).
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// NewConsumer constructs a Consumer for the given group.
func NewConsumer(source event.Source, store Store, group string, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		source:     source,
		store:      store,
		group:      group,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run discovers the partition count and processes every partition until the
// context ends. Records within one partition are handled sequentially to
// preserve per-identity order; partitions run concurrently.
func (c *Consumer) Run(ctx context.Context) error {
	partitions, err := c.source.Partitions(ctx)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	for p := 0; p < partitions; p++ {
		wg.Add(1)
		go func(partition int) {
			defer wg.Done()
			c.runPartition(ctx, partition)
		}(p)
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) runPartition(ctx context.Context, partition int) {
	for {
		rec, err := c.source.Poll(ctx, c.group, partition)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			obs.Error("event poll failed", err, map[string]any{"partition": partition})
			if !c.pause(ctx) {
				return
			}
			continue
		}
		if err := c.Handle(ctx, rec); err != nil {
			// Not committed: the broker side redelivers on the next poll.
			obs.Error("event apply failed", err, map[string]any{
				"partition": partition,
				"offset":    rec.Offset,
				"event":     rec.Event.ID,
			})
			if !c.pause(ctx) {
				return
			}
		}
	}
}

// Handle processes one record: decode, apply, commit. Undecodable records
// are poison and committed past without application, because redelivering a
// record that can never decode would wedge the partition. Apply failures
// leave the offset uncommitted so the record is delivered again.
func (c *Consumer) Handle(ctx context.Context, rec event.Record) error {
	payload, err := event.DecodeIdentityCreated(rec.Event)
	if err != nil {
		obs.PoisonMessages.Inc()
		obs.Error("poison event skipped", err, map[string]any{
			"partition": rec.Partition,
			"offset":    rec.Offset,
			"event":     rec.Event.ID,
		})
		return c.source.Commit(ctx, c.group, rec.Partition, rec.Offset)
	}

	if err := c.apply(ctx, payload); err != nil {
		return err
	}
	if err := c.source.Commit(ctx, c.group, rec.Partition, rec.Offset); err != nil {
		return err
	}
	obs.EventsConsumed.Inc()
	return nil
}

// apply upserts the projection. Applying the same event twice yields the
// same state; concurrent administrative edits lose or win through the
// version check and are retried a bounded number of times.
func (c *Consumer) apply(ctx context.Context, payload event.IdentityCreated) error {
	var lastErr error
	for attempt := 0; attempt < conflictRetryLimit; attempt++ {
		existing, err := c.store.Get(ctx, payload.UserID)
		switch {
		case errors.Is(err, ErrNotFound):
			p := &Projection{ID: payload.UserID, Email: payload.Email, Role: payload.Role}
			lastErr = c.store.Upsert(ctx, p)
		case err != nil:
			return err
		default:
			if existing.Email == payload.Email && existing.Role == payload.Role {
				return nil
			}
			existing.Email = payload.Email
			existing.Role = payload.Role
			lastErr = c.store.Upsert(ctx, existing)
		}
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrVersionConflict) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Consumer) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.retryDelay):
		return true
	}
}
