// queue.go
//
// Redis-backed async event queue. QueuedPublisher implements Publisher and
// enqueues events instead of publishing synchronously; StartWorker drains the
// queue in a background goroutine and hands each event to the inner Publisher
// (AMQPPublisher), so a slow broker never holds up a request.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueKey is the Redis list used as the outbound event queue.
const QueueKey = "portcullis:events:queue"

// DefaultMaxQueueSize caps the queue when the broker is down. 0 = unlimited.
const DefaultMaxQueueSize int64 = 1000

// ErrQueueFull is returned by Publish when the queue has reached its size cap.
var ErrQueueFull = errors.New("event queue full")

// QueuedPublisher enqueues events to Redis; StartWorker delivers them.
type QueuedPublisher struct {
	inner        Publisher
	rdb          *redis.Client
	maxQueueSize int64 // 0 = unlimited
}

// NewQueuedPublisher wraps inner with a Redis-backed async queue.
// maxSize caps the queue length (0 = unlimited); use DefaultMaxQueueSize for production.
func NewQueuedPublisher(inner Publisher, rdb *redis.Client, maxSize int64) *QueuedPublisher {
	return &QueuedPublisher{inner: inner, rdb: rdb, maxQueueSize: maxSize}
}

// enqueueScript atomically checks the queue length and pushes the event only if
// under the cap. Returns 1 if enqueued, 0 if rejected (queue full).
// KEYS[1] = queue key, ARGV[1] = max size (0 = skip check), ARGV[2] = payload.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// Publish serializes e to JSON and appends it to the Redis queue.
// Returns ErrQueueFull if the queue has reached maxQueueSize.
func (q *QueuedPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{QueueKey}, q.maxQueueSize, data).Int64()
	if err != nil {
		return fmt.Errorf("enqueuing event: %w", err)
	}
	if ok == 0 {
		return ErrQueueFull
	}
	return nil
}

// StartWorker drains the queue in a loop, delivering each event through inner.
// Blocks until ctx is cancelled (server shutdown). Call in a goroutine.
func (q *QueuedPublisher) StartWorker(ctx context.Context) {
	for {
		// BLPop blocks up to 2s then returns redis.Nil -- keeps the loop
		// responsive to ctx cancellation without busy-spinning.
		res, err := q.rdb.BLPop(ctx, 2*time.Second, QueueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			slog.Error("event worker: queue pop failed", "error", err)
			// Back off so a Redis outage does not spin the loop
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// res[0] = key name, res[1] = payload
		q.deliver(ctx, res[1])
	}
}

// deliver decodes one queued payload and hands it to inner.
// Errors are logged and dropped -- no retry.
func (q *QueuedPublisher) deliver(ctx context.Context, payload string) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		slog.Error("event worker: bad event payload", "error", err)
		return
	}
	if err := q.inner.Publish(ctx, e); err != nil {
		slog.Error("event worker: publish failed", "type", e.Type, "user_id", e.UserID, "error", err)
	}
}
