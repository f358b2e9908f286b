// Package progress is the Progress Bus: a thin, typed layer over
// the in-process bus.Bus (or, when wired to Redis, its pub/sub channel)
// that also retains a bounded per-task ring buffer so a subscriber that
// connects mid-task can replay recent events instead of missing them
// entirely.
package progress

import (
	"sync"
	"time"

	"github.com/basket/orchestrator/internal/bus"
)

// defaultReplayBufferSize bounds how many recent events per task are kept
// for late subscribers.
const defaultReplayBufferSize = 200

// Event is the normalized wire shape of a progress event. Sequence
// is monotonic per task, so a subscriber can order events and detect gaps;
// Timestamp is assigned at publish time.
type Event struct {
	Topic     string      `json:"topic"`
	TaskID    string      `json:"task_id"`
	Sequence  int64       `json:"sequence"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// RemotePublisher mirrors locally-published events onto an external pub/sub
// transport (the Redis relay) for multi-process deployments. Best-effort.
type RemotePublisher func(topic string, payload interface{})

// Bus is the Progress Bus: a task-scoped fan-out over bus.Bus with replay.
type Bus struct {
	inner  *bus.Bus
	remote RemotePublisher

	mu      sync.Mutex
	buffers map[string][]Event // task_id -> ring buffer, oldest first
	seqs    map[string]int64   // task_id -> next sequence
	cap     int
}

// New creates a Progress Bus backed by inner. Pass bus.New() for the
// in-process fallback, or a Bus wired to Redis pub/sub for multi-process
// deployments.
func New(inner *bus.Bus) *Bus {
	return &Bus{inner: inner, buffers: map[string][]Event{}, seqs: map[string]int64{}, cap: defaultReplayBufferSize}
}

// SetRingSize overrides the per-task replay ring capacity
// (the bus.event_ring_size setting).
func (b *Bus) SetRingSize(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	b.cap = n
	b.mu.Unlock()
}

// SetRemotePublisher wires an external mirror for published events.
func (b *Bus) SetRemotePublisher(r RemotePublisher) {
	b.mu.Lock()
	b.remote = r
	b.mu.Unlock()
}

// Subscription mirrors bus.Subscription but yields normalized Events.
type Subscription struct {
	inner *bus.Subscription
	ch    chan Event
	done  chan struct{}
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// SubscribeTask subscribes to all progress events for taskID, first
// replaying whatever is currently buffered,
// then streaming live events.
func (b *Bus) SubscribeTask(taskID string) *Subscription {
	inner := b.inner.Subscribe("")
	sub := &Subscription{inner: inner, ch: make(chan Event, defaultReplayBufferSize), done: make(chan struct{})}

	b.mu.Lock()
	replay := append([]Event(nil), b.buffers[taskID]...)
	b.mu.Unlock()

	go func() {
		defer close(sub.ch)
		for _, e := range replay {
			select {
			case sub.ch <- e:
			case <-sub.done:
				return
			}
		}
		for {
			select {
			case raw, ok := <-inner.Ch():
				if !ok {
					return
				}
				e, matches := normalize(raw)
				if !matches || e.TaskID != taskID {
					continue
				}
				select {
				case sub.ch <- e:
				case <-sub.done:
					return
				}
			case <-sub.done:
				return
			}
		}
	}()

	return sub
}

// Unsubscribe tears down a Subscription and its underlying bus subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	close(sub.done)
	b.inner.Unsubscribe(sub.inner)
}

// publish allocates the task's next sequence, appends to the per-task
// replay buffer, and publishes on the underlying bus (and remote mirror,
// when wired).
func (b *Bus) publish(taskID, topic string, payload interface{}) {
	b.mu.Lock()
	seq := b.seqs[taskID]
	b.seqs[taskID] = seq + 1
	e := Event{Topic: topic, TaskID: taskID, Sequence: seq, Timestamp: time.Now().UTC(), Payload: payload}
	buf := append(b.buffers[taskID], e)
	if len(buf) > b.cap {
		buf = buf[len(buf)-b.cap:]
	}
	b.buffers[taskID] = buf
	remote := b.remote
	b.mu.Unlock()

	b.inner.Publish(topic, taggedPayload{taskID: taskID, payload: payload})
	if remote != nil {
		remote(topic, e)
	}
}

// InjectRemote replays an event that originated on another process's
// Progress Bus into the local ring and fan-out, preserving its original
// sequence. Payloads arrive as decoded JSON rather than the typed event
// structs, which is what the WebSocket mirror re-serializes anyway.
func (b *Bus) InjectRemote(e Event) {
	b.mu.Lock()
	buf := append(b.buffers[e.TaskID], e)
	if len(buf) > b.cap {
		buf = buf[len(buf)-b.cap:]
	}
	b.buffers[e.TaskID] = buf
	b.mu.Unlock()

	b.inner.Publish(e.Topic, taggedPayload{taskID: e.TaskID, payload: e.Payload})
}

// RecentEvents returns up to limit buffered events for taskID, oldest
// first, optionally filtered to the given topics. kinds nil or empty means all kinds.
func (b *Bus) RecentEvents(taskID string, kinds []string, limit int) []Event {
	want := map[string]bool{}
	for _, k := range kinds {
		want[k] = true
	}

	b.mu.Lock()
	buf := append([]Event(nil), b.buffers[taskID]...)
	b.mu.Unlock()

	var out []Event
	for _, e := range buf {
		if len(want) > 0 && !want[e.Topic] {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// DropAllReplayBuffers clears every task's ring, the Progress Bus half of
// the Reaper's comprehensive reset.
func (b *Bus) DropAllReplayBuffers() {
	b.mu.Lock()
	b.buffers = map[string][]Event{}
	b.mu.Unlock()
}

// taggedPayload lets normalize() recover the task_id without requiring
// every bus.Event payload type to carry its own TaskID field redundantly
// for routing purposes (each payload still carries TaskID for consumers
// that read it directly off the decoded struct).
type taggedPayload struct {
	taskID  string
	payload interface{}
}

func normalize(raw bus.Event) (Event, bool) {
	tp, ok := raw.Payload.(taggedPayload)
	if !ok {
		return Event{}, false
	}
	return Event{Topic: raw.Topic, TaskID: tp.taskID, Payload: tp.payload}, true
}

// PublishTaskStatus publishes a task status transition.
func (b *Bus) PublishTaskStatus(taskID string, e bus.TaskStatusEvent) {
	b.publish(taskID, bus.TopicTaskStatus, e)
}

// PublishPhaseUpdate publishes incremental per-stage progress.
func (b *Bus) PublishPhaseUpdate(taskID string, e bus.PhaseUpdateEvent) {
	b.publish(taskID, bus.TopicPhaseUpdate, e)
}

// PublishPhaseComplete publishes a stage completion.
func (b *Bus) PublishPhaseComplete(taskID string, e bus.PhaseCompleteEvent) {
	b.publish(taskID, bus.TopicPhaseComplete, e)
}

// PublishLog mirrors an appended log line.
func (b *Bus) PublishLog(taskID string, e bus.LogEvent) {
	b.publish(taskID, bus.TopicLog, e)
}

// PublishTaskCompleted publishes the terminal success notification.
func (b *Bus) PublishTaskCompleted(taskID string, e bus.TaskCompletedEvent) {
	b.publish(taskID, bus.TopicTaskCompleted, e)
}

// PublishTaskError publishes the terminal failure notification.
func (b *Bus) PublishTaskError(taskID string, e bus.TaskErrorEvent) {
	b.publish(taskID, bus.TopicTaskError, e)
}

// DropReplayBuffer discards the replay buffer for taskID, called by the
// Task Controller once a task transitions terminal and its recovery
// snapshot becomes the durable source of truth instead.
func (b *Bus) DropReplayBuffer(taskID string) {
	b.mu.Lock()
	delete(b.buffers, taskID)
	b.mu.Unlock()
}
