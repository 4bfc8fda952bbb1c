package event

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"authmesh.org/internal/identity"
)

func createdEvent(t *testing.T, id int64, email string) Event {
	t.Helper()
	evt, err := NewIdentityCreated(&identity.User{
		ID:    id,
		Email: email,
		Roles: []identity.Role{identity.RoleUser},
	}, time.Now())
	if err != nil {
		t.Fatalf("NewIdentityCreated: %v", err)
	}
	return evt
}

func TestPublishPollCommit(t *testing.T) {
	log := NewLog(4)
	ctx := context.Background()

	evt := createdEvent(t, 42, "x@y.com")
	if err := log.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	part := log.PartitionFor(evt.Key)
	rec, err := log.Poll(ctx, "g1", part)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if rec.Offset != 1 || rec.Event.ID != evt.ID {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// Without a commit the same record is delivered again.
	again, err := log.Poll(ctx, "g1", part)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if again.Offset != rec.Offset || again.Event.ID != rec.Event.ID {
		t.Fatalf("expected redelivery of offset %d, got %+v", rec.Offset, again)
	}

	if err := log.Commit(ctx, "g1", part, rec.Offset); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := log.Committed("g1", part); got != 1 {
		t.Fatalf("committed = %d, want 1", got)
	}

	// Polling past the committed offset blocks until the context ends.
	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := log.Poll(shortCtx, "g1", part); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPerKeyOrdering(t *testing.T) {
	log := NewLog(4)
	ctx := context.Background()

	first := createdEvent(t, 7, "first@example.com")
	second := createdEvent(t, 7, "second@example.com")
	if err := log.Publish(ctx, first); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := log.Publish(ctx, second); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	part := log.PartitionFor(first.Key)
	if log.PartitionFor(second.Key) != part {
		t.Fatal("same key must map to the same partition")
	}

	rec1, err := log.Poll(ctx, "g", part)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if err := log.Commit(ctx, "g", part, rec1.Offset); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	rec2, err := log.Poll(ctx, "g", part)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if rec1.Event.ID != first.ID || rec2.Event.ID != second.ID {
		t.Fatalf("events delivered out of order: %s then %s", rec1.Event.ID, rec2.Event.ID)
	}
}

func TestIndependentGroups(t *testing.T) {
	log := NewLog(2)
	ctx := context.Background()

	evt := createdEvent(t, 1, "a@example.com")
	if err := log.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	part := log.PartitionFor(evt.Key)

	rec, err := log.Poll(ctx, "alpha", part)
	if err != nil {
		t.Fatalf("Poll alpha: %v", err)
	}
	if err := log.Commit(ctx, "alpha", part, rec.Offset); err != nil {
		t.Fatalf("Commit alpha: %v", err)
	}

	// A second group replays from the beginning.
	rec2, err := log.Poll(ctx, "beta", part)
	if err != nil {
		t.Fatalf("Poll beta: %v", err)
	}
	if rec2.Event.ID != evt.ID {
		t.Fatalf("group beta missed the event: %+v", rec2)
	}
}

func TestPollWakesOnPublish(t *testing.T) {
	log := NewLog(1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type result struct {
		rec Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := log.Poll(ctx, "g", 0)
		done <- result{rec, err}
	}()

	time.Sleep(10 * time.Millisecond)
	evt := createdEvent(t, 9, "late@example.com")
	if err := log.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Poll: %v", res.err)
	}
	if res.rec.Event.ID != evt.ID {
		t.Fatalf("unexpected record: %+v", res.rec)
	}
}

func TestDecodeIdentityCreated(t *testing.T) {
	evt := createdEvent(t, 42, "x@y.com")
	payload, err := DecodeIdentityCreated(evt)
	if err != nil {
		t.Fatalf("DecodeIdentityCreated: %v", err)
	}
	if payload.UserID != 42 || payload.Email != "x@y.com" || payload.Role != "ROLE_USER" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if evt.Key != strconv.FormatInt(42, 10) {
		t.Fatalf("partition key should be the identity id, got %q", evt.Key)
	}

	evt.Payload = []byte("{not json")
	if _, err := DecodeIdentityCreated(evt); err == nil {
		t.Fatal("expected decode error for corrupt payload")
	}
}
