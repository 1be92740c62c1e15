package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisQueue is a Redis list-backed Queue. One list per queue name under
// a key prefix; messages are JSON envelopes with a transport-assigned id
// and delivery counter. Receive polls with RPOP so it works against
// servers and test doubles that lack blocking list operations.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// RedisQueueOptions tunes a RedisQueue.
type RedisQueueOptions struct {
	// Prefix namespaces the queue lists. Defaults to "batchq:queue:".
	Prefix string
	// PollInterval is the sleep between empty polls. Defaults to 100ms.
	PollInterval time.Duration
}

// NewRedisQueue creates a RedisQueue over an existing client.
func NewRedisQueue(client *redis.Client, opts RedisQueueOptions) *RedisQueue {
	if opts.Prefix == "" {
		opts.Prefix = "batchq:queue:"
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &RedisQueue{client: client, prefix: opts.Prefix, pollInterval: opts.PollInterval}
}

type redisEnvelope struct {
	ID         string         `json:"id"`
	Class      string         `json:"class"`
	Args       map[string]any `json:"args"`
	Deliveries int            `json:"deliveries"`
}

func (q *RedisQueue) key(queueName string) string {
	return q.prefix + queueName
}

func (q *RedisQueue) Push(ctx context.Context, queueName string, msg Message, opts PushOptions) error {
	env := redisEnvelope{ID: uuid.New().String(), Class: msg.Class, Args: msg.Args}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key(queueName), raw).Err()
}

func (q *RedisQueue) Receive(ctx context.Context, queueName string) (*Delivery, error) {
	for {
		raw, err := q.client.RPop(ctx, q.key(queueName)).Result()
		if err == nil {
			var env redisEnvelope
			if uerr := json.Unmarshal([]byte(raw), &env); uerr != nil {
				// Undecodable message: drop it rather than wedge the queue.
				continue
			}
			env.Deliveries++
			return &Delivery{
				Message:    Message{Class: env.Class, Args: env.Args},
				MessageID:  env.ID,
				QueueName:  queueName,
				Deliveries: env.Deliveries,
			}, nil
		}
		if err != redis.Nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *RedisQueue) Settle(ctx context.Context, d *Delivery, resp Response) error {
	if resp != Requeue {
		return nil
	}
	env := redisEnvelope{ID: d.MessageID, Class: d.Class, Args: d.Args, Deliveries: d.Deliveries}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key(d.QueueName), raw).Err()
}

// Pending reports how many messages wait on the named queue.
func (q *RedisQueue) Pending(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, q.key(queueName)).Result()
}
