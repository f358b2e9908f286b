package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Delivery is one reserved queue message. ID is the exclusive lease handle;
// Payload carries the task_id envelope the Controller enqueued.
type Delivery struct {
	ID      string
	Payload string
}

// Queue is the durable half of the Message Bus: FIFO,
// at-least-once, with visibility-timeout leases. Two implementations exist:
// MemQueue for tests and single-process deployments, and RedisQueue for
// multi-process worker fleets.
type Queue interface {
	// Enqueue appends payload to the named queue, returning once it is
	// durably accepted.
	Enqueue(ctx context.Context, queue, payload string) (deliveryID string, err error)

	// Reserve takes an exclusive lease on the oldest pending message, or
	// returns nil when the queue is empty. The lease lapses after
	// visibility unless extended or acked.
	Reserve(ctx context.Context, queue, workerID string, visibility time.Duration) (*Delivery, error)

	// Ack removes a reserved delivery permanently.
	Ack(ctx context.Context, queue, deliveryID string) error

	// Nack releases a reserved delivery, optionally returning it to the
	// head of the queue for redelivery.
	Nack(ctx context.Context, queue, deliveryID string, requeue bool) error

	// ExtendLease pushes a reserved delivery's visibility deadline out by
	// visibility from now. Workers call this from their heartbeat tick.
	ExtendLease(ctx context.Context, queue, deliveryID string, visibility time.Duration) error

	// ReclaimExpired removes every lease-lapsed delivery from the in-flight
	// set and returns them WITHOUT requeueing. Orchestrator tasks are never
	// automatically redelivered; the Reaper fails the associated task and a
	// rerun is an explicit operator action.
	ReclaimExpired(ctx context.Context, queue string) ([]Delivery, error)

	// Depth reports the number of pending (unreserved) messages.
	Depth(ctx context.Context, queue string) (int64, error)

	// Purge drops all pending and in-flight messages for the named queue.
	// Used only by the Reaper's comprehensive reset.
	Purge(ctx context.Context, queue string) error
}

type memDelivery struct {
	id       string
	payload  string
	workerID string
	deadline time.Time
}

// MemQueue is the in-process Queue used by tests and deployments without
// Redis configured. It survives nothing (the durable store of record for
// task state is the Task Store; the queue only carries in-flight work).
type MemQueue struct {
	mu       sync.Mutex
	pending  map[string][]memDelivery // queue -> FIFO
	inflight map[string]map[string]memDelivery
	now      func() time.Time
}

// NewMemQueue creates an empty MemQueue.
func NewMemQueue() *MemQueue {
	return &MemQueue{
		pending:  map[string][]memDelivery{},
		inflight: map[string]map[string]memDelivery{},
		now:      time.Now,
	}
}

// SetClock overrides the queue's clock, for lease-expiry tests.
func (q *MemQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

func (q *MemQueue) Enqueue(_ context.Context, queue, payload string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := memDelivery{id: uuid.NewString(), payload: payload}
	q.pending[queue] = append(q.pending[queue], d)
	return d.id, nil
}

func (q *MemQueue) Reserve(_ context.Context, queue, workerID string, visibility time.Duration) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.pending[queue]
	if len(list) == 0 {
		return nil, nil
	}
	d := list[0]
	q.pending[queue] = list[1:]
	d.workerID = workerID
	d.deadline = q.now().Add(visibility)
	if q.inflight[queue] == nil {
		q.inflight[queue] = map[string]memDelivery{}
	}
	q.inflight[queue][d.id] = d
	return &Delivery{ID: d.id, Payload: d.payload}, nil
}

func (q *MemQueue) Ack(_ context.Context, queue, deliveryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight[queue], deliveryID)
	return nil
}

func (q *MemQueue) Nack(_ context.Context, queue, deliveryID string, requeue bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.inflight[queue][deliveryID]
	if !ok {
		return nil
	}
	delete(q.inflight[queue], deliveryID)
	if requeue {
		q.pending[queue] = append([]memDelivery{{id: d.id, payload: d.payload}}, q.pending[queue]...)
	}
	return nil
}

func (q *MemQueue) ExtendLease(_ context.Context, queue, deliveryID string, visibility time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.inflight[queue][deliveryID]
	if !ok {
		return nil
	}
	d.deadline = q.now().Add(visibility)
	q.inflight[queue][deliveryID] = d
	return nil
}

func (q *MemQueue) ReclaimExpired(_ context.Context, queue string) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var out []Delivery
	for id, d := range q.inflight[queue] {
		if d.deadline.Before(now) {
			out = append(out, Delivery{ID: d.id, Payload: d.payload})
			delete(q.inflight[queue], id)
		}
	}
	return out, nil
}

func (q *MemQueue) Depth(_ context.Context, queue string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending[queue])), nil
}

func (q *MemQueue) Purge(_ context.Context, queue string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, queue)
	delete(q.inflight, queue)
	return nil
}
