package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key layout for the reliable-queue pattern: pending messages live in
// a list, reserved payloads in a hash, and lease deadlines in a sorted set
// scored by unix milliseconds.
func pendingKey(queue string) string  { return "queue:" + queue }
func payloadKey(queue string) string  { return "processing:" + queue + ":payloads" }
func deadlineKey(queue string) string { return "processing:" + queue + ":deadlines" }

// reserveScript atomically pops the oldest pending message and records its
// lease, so a crash between the pop and the bookkeeping cannot lose it.
var reserveScript = redis.NewScript(`
local payload = redis.call('LPOP', KEYS[1])
if not payload then
  return false
end
redis.call('HSET', KEYS[2], ARGV[1], payload)
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return payload
`)

// RedisQueue is the Redis-backed Queue for multi-process worker fleets.
type RedisQueue struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisQueue connects to addr and verifies the connection.
func NewRedisQueue(ctx context.Context, addr string, logger *slog.Logger) (*RedisQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &RedisQueue{client: client, logger: logger}, nil
}

// Client exposes the underlying connection for the pub/sub relay.
func (q *RedisQueue) Client() *redis.Client { return q.client }

func (q *RedisQueue) Close() error { return q.client.Close() }

func (q *RedisQueue) Enqueue(ctx context.Context, queue, payload string) (string, error) {
	if err := q.client.RPush(ctx, pendingKey(queue), payload).Err(); err != nil {
		return "", fmt.Errorf("enqueue on %s: %w", queue, err)
	}
	return uuid.NewString(), nil
}

func (q *RedisQueue) Reserve(ctx context.Context, queue, workerID string, visibility time.Duration) (*Delivery, error) {
	deliveryID := workerID + ":" + uuid.NewString()
	deadline := time.Now().Add(visibility).UnixMilli()
	res, err := reserveScript.Run(ctx, q.client,
		[]string{pendingKey(queue), payloadKey(queue), deadlineKey(queue)},
		deliveryID, deadline,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve from %s: %w", queue, err)
	}
	payload, ok := res.(string)
	if !ok {
		return nil, nil
	}
	return &Delivery{ID: deliveryID, Payload: payload}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, queue, deliveryID string) error {
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, payloadKey(queue), deliveryID)
	pipe.ZRem(ctx, deadlineKey(queue), deliveryID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Nack(ctx context.Context, queue, deliveryID string, requeue bool) error {
	payload, err := q.client.HGet(ctx, payloadKey(queue), deliveryID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, payloadKey(queue), deliveryID)
	pipe.ZRem(ctx, deadlineKey(queue), deliveryID)
	if requeue {
		pipe.LPush(ctx, pendingKey(queue), payload)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) ExtendLease(ctx context.Context, queue, deliveryID string, visibility time.Duration) error {
	deadline := float64(time.Now().Add(visibility).UnixMilli())
	return q.client.ZAddXX(ctx, deadlineKey(queue), redis.Z{Score: deadline, Member: deliveryID}).Err()
}

func (q *RedisQueue) ReclaimExpired(ctx context.Context, queue string) ([]Delivery, error) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, deadlineKey(queue), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return nil, err
	}
	var out []Delivery
	for _, id := range ids {
		payload, err := q.client.HGet(ctx, payloadKey(queue), id).Result()
		if err == redis.Nil {
			_ = q.client.ZRem(ctx, deadlineKey(queue), id).Err()
			continue
		}
		if err != nil {
			return out, err
		}
		pipe := q.client.TxPipeline()
		pipe.HDel(ctx, payloadKey(queue), id)
		pipe.ZRem(ctx, deadlineKey(queue), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return out, err
		}
		out = append(out, Delivery{ID: id, Payload: payload})
	}
	return out, nil
}

func (q *RedisQueue) Depth(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, pendingKey(queue)).Result()
}

func (q *RedisQueue) Purge(ctx context.Context, queue string) error {
	return q.client.Del(ctx, pendingKey(queue), payloadKey(queue), deadlineKey(queue)).Err()
}

// relayEnvelope is the wire form of a bus event on a Redis channel. Origin
// identifies the publishing process so a relay can skip its own echoes.
type relayEnvelope struct {
	Origin  string          `json:"origin"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// RemoteEventFunc receives a decoded remote event. The Progress Bus wires
// this to its own injection path so subscribers in any process observe the
// same per-task stream. Delivery over the relay is best-effort, ordered
// per publisher; the Task Store remains authoritative.
type RemoteEventFunc func(topic string, payload json.RawMessage)

// Relay mirrors locally-published events onto a Redis Pub/Sub channel and
// hands remote publications to an injection callback.
type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	onEvent RemoteEventFunc
	logger  *slog.Logger
}

// NewRelay creates a Relay over channel; Start must be called to begin
// receiving remote events.
func NewRelay(client *redis.Client, channel string, onEvent RemoteEventFunc, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		onEvent: onEvent,
		logger:  logger,
	}
}

// PublishRemote pushes a locally-originated event to the Redis channel.
// Payload must be JSON-marshalable; failures are logged, never fatal.
func (r *Relay) PublishRemote(ctx context.Context, topic string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("relay marshal failed", "topic", topic, "error", err)
		return
	}
	env, err := json.Marshal(relayEnvelope{Origin: r.origin, Topic: topic, Payload: raw})
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, r.channel, env).Err(); err != nil {
		r.logger.Warn("relay publish failed", "topic", topic, "error", err)
	}
}

// Start consumes the Redis channel until ctx is cancelled, handing each
// remote envelope to the injection callback. Envelopes this process
// published are skipped, since their events were already fanned out
// locally at publish time.
func (r *Relay) Start(ctx context.Context) {
	sub := r.client.Subscribe(ctx, r.channel)
	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env relayEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("relay decode failed", "error", err)
					continue
				}
				if env.Origin == r.origin {
					continue
				}
				if r.onEvent != nil {
					r.onEvent(env.Topic, env.Payload)
				}
			}
		}
	}()
}
