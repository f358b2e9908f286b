package bus

import (
	"context"
	"testing"
	"time"
)

func TestMemQueue_FIFOAndAck(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "work", "first"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, "work", "second"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d1, err := q.Reserve(ctx, "work", "w1", time.Minute)
	if err != nil || d1 == nil {
		t.Fatalf("Reserve: %v %v", d1, err)
	}
	if d1.Payload != "first" {
		t.Fatalf("got %q, want FIFO order", d1.Payload)
	}

	if err := q.Ack(ctx, "work", d1.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	d2, _ := q.Reserve(ctx, "work", "w1", time.Minute)
	if d2 == nil || d2.Payload != "second" {
		t.Fatalf("second Reserve: %+v", d2)
	}
}

func TestMemQueue_ReserveEmptyReturnsNil(t *testing.T) {
	q := NewMemQueue()
	d, err := q.Reserve(context.Background(), "work", "w1", time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if d != nil {
		t.Fatalf("expected nil delivery on empty queue, got %+v", d)
	}
}

func TestMemQueue_NackRequeuesAtHead(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "work", "a")
	_, _ = q.Enqueue(ctx, "work", "b")

	d, _ := q.Reserve(ctx, "work", "w1", time.Minute)
	if err := q.Nack(ctx, "work", d.ID, true); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	again, _ := q.Reserve(ctx, "work", "w1", time.Minute)
	if again == nil || again.Payload != "a" {
		t.Fatalf("nacked delivery should return to the head: %+v", again)
	}
}

func TestMemQueue_ReclaimExpired_DoesNotRequeue(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	now := time.Now()
	q.SetClock(func() time.Time { return now })

	_, _ = q.Enqueue(ctx, "work", "payload")
	d, _ := q.Reserve(ctx, "work", "w1", time.Minute)

	// Lease still live: nothing to reclaim.
	expired, err := q.ReclaimExpired(ctx, "work")
	if err != nil || len(expired) != 0 {
		t.Fatalf("ReclaimExpired before expiry: %v %v", expired, err)
	}

	q.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	expired, err = q.ReclaimExpired(ctx, "work")
	if err != nil || len(expired) != 1 || expired[0].ID != d.ID {
		t.Fatalf("ReclaimExpired after expiry: %v %v", expired, err)
	}

	// The expired delivery must NOT reappear on the queue: reruns are an
	// operator action, not an automatic redelivery.
	if again, _ := q.Reserve(ctx, "work", "w2", time.Minute); again != nil {
		t.Fatalf("expired delivery was requeued: %+v", again)
	}
}

func TestMemQueue_ExtendLeasePreventsReclaim(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	now := time.Now()
	q.SetClock(func() time.Time { return now })

	_, _ = q.Enqueue(ctx, "work", "payload")
	d, _ := q.Reserve(ctx, "work", "w1", time.Minute)

	q.SetClock(func() time.Time { return now.Add(50 * time.Second) })
	if err := q.ExtendLease(ctx, "work", d.ID, time.Minute); err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}

	q.SetClock(func() time.Time { return now.Add(100 * time.Second) })
	expired, _ := q.ReclaimExpired(ctx, "work")
	if len(expired) != 0 {
		t.Fatalf("heartbeated lease was reclaimed: %v", expired)
	}
}

func TestMemQueue_DepthAndPurge(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "work", "a")
	_, _ = q.Enqueue(ctx, "work", "b")
	if n, _ := q.Depth(ctx, "work"); n != 2 {
		t.Fatalf("Depth: got %d, want 2", n)
	}

	if err := q.Purge(ctx, "work"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n, _ := q.Depth(ctx, "work"); n != 0 {
		t.Fatalf("Depth after purge: got %d, want 0", n)
	}
	if d, _ := q.Reserve(ctx, "work", "w1", time.Minute); d != nil {
		t.Fatalf("Reserve after purge: %+v", d)
	}
}
