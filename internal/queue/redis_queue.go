package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	queueSetKey  = "onefuzz:queues"
	queueZSuffix = ":z"
	queueDSuffix = ":data"
	queueSSuffix = ":seq"
)

// receiveAndDeleteScript atomically finds the oldest visible member of the
// sorted set, removes it from both the sorted set and the data hash, and
// returns its payload in one round trip.
var receiveAndDeleteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
    return nil
end
local id = ids[1]
local body = redis.call('HGET', KEYS[2], id)
redis.call('ZREM', KEYS[1], id)
redis.call('HDEL', KEYS[2], id)
return body
`)

// RedisQueue is the Service implementation backed by a Redis sorted set (for
// visibility ordering) plus a hash (for payload storage), grounded on the
// client setup and Lua-script/pipeline conventions in store/redis.go.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func zkey(name string) string { return "onefuzz:queue:" + name + queueZSuffix }
func dkey(name string) string { return "onefuzz:queue:" + name + queueDSuffix }
func skey(name string) string { return "onefuzz:queue:" + name + queueSSuffix }

func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }
func (q *RedisQueue) Close() error                   { return q.client.Close() }

func (q *RedisQueue) Create(ctx context.Context, name string) error {
	return q.client.SAdd(ctx, queueSetKey, name).Err()
}

func (q *RedisQueue) Delete(ctx context.Context, name string) error {
	pipe := q.client.Pipeline()
	pipe.SRem(ctx, queueSetKey, name)
	pipe.Del(ctx, zkey(name), dkey(name), skey(name))
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Clear(ctx context.Context, name string) error {
	pipe := q.client.Pipeline()
	pipe.Del(ctx, zkey(name), dkey(name))
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Send(ctx context.Context, name string, body []byte, visibleAfter time.Duration) error {
	seq, err := q.client.Incr(ctx, skey(name)).Result()
	if err != nil {
		return fmt.Errorf("queue: allocate sequence for %s: %w", name, err)
	}

	now := time.Now().UTC()
	visibleAt := now.Add(visibleAfter)
	// The sequence prefix breaks score ties in strict FIFO order: Redis
	// sorts equal-score ZSET members lexicographically, not by insertion.
	id := fmt.Sprintf("%020d-%s", seq, uuid.New().String())

	msg := Message{ID: id, Body: body, EnqueuedAt: now}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	pipe := q.client.Pipeline()
	pipe.HSet(ctx, dkey(name), id, data)
	pipe.ZAdd(ctx, zkey(name), &redis.Z{Score: float64(visibleAt.UnixMilli()), Member: id})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) SendObject(ctx context.Context, name string, v any, visibleAfter time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	encoded := []byte(base64.StdEncoding.EncodeToString(raw))
	return q.Send(ctx, name, encoded, visibleAfter)
}

func (q *RedisQueue) Peek(ctx context.Context, name string, max int) ([]Message, error) {
	if max <= 0 || max > MaxPeek {
		max = MaxPeek
	}
	now := float64(time.Now().UTC().UnixMilli())

	ids, err := q.client.ZRangeByScore(ctx, zkey(name), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", now),
		Count: int64(max),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	raws, err := q.client.HMGet(ctx, dkey(name), ids...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(raws))
	for _, r := range raws {
		s, ok := r.(string)
		if !ok {
			continue // evicted between ZRANGEBYSCORE and HMGET; skip
		}
		var msg Message
		if err := json.Unmarshal([]byte(s), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (q *RedisQueue) ReceiveAndDeleteOne(ctx context.Context, name string) (Message, bool, error) {
	now := fmt.Sprintf("%d", time.Now().UTC().UnixMilli())
	result, err := receiveAndDeleteScript.Run(ctx, q.client, []string{zkey(name), dkey(name)}, now).Result()
	if err == redis.Nil || result == nil {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}

	s, ok := result.(string)
	if !ok {
		return Message{}, false, fmt.Errorf("queue: unexpected lua result type for %s", name)
	}
	var msg Message
	if err := json.Unmarshal([]byte(s), &msg); err != nil {
		return Message{}, false, err
	}
	return msg, true, nil
}
