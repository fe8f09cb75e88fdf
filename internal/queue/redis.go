package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Dan9191/loans-finder/internal/metrics"
	"github.com/Dan9191/loans-finder/internal/utils"
	"github.com/redis/go-redis/v9"
)

// KEYS: dedup, ready, msgs. ARGV: window ms, id, message, visibleAt ms.
var sendScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[2], 'NX', 'PX', ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[3], ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
return 1
`)

// KEYS: ready, msgs, inflight. ARGV: now ms, max, visibility ms.
var receiveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local hidden = now + tonumber(ARGV[3])
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)
local out = {}
local taken = {}
for _, id in ipairs(ids) do
	if #out >= max then
		break
	end
	local raw = redis.call('HGET', KEYS[2], id)
	if not raw then
		redis.call('ZREM', KEYS[1], id)
	else
		local msg = cjson.decode(raw)
		local holder = redis.call('HGET', KEYS[3], msg.groupId)
		if not taken[msg.groupId] and (not holder or holder == id) then
			taken[msg.groupId] = true
			msg.receiveCount = (msg.receiveCount or 0) + 1
			raw = cjson.encode(msg)
			redis.call('HSET', KEYS[2], id, raw)
			redis.call('HSET', KEYS[3], msg.groupId, id)
			redis.call('ZADD', KEYS[1], hidden, id)
			table.insert(out, raw)
		end
	end
end
return out
`)

// KEYS: ready, msgs, inflight. ARGV: id.
var deleteScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[2], ARGV[1])
if not raw then
	return 0
end
local msg = cjson.decode(raw)
if redis.call('HGET', KEYS[3], msg.groupId) == ARGV[1] then
	redis.call('HDEL', KEYS[3], msg.groupId)
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

// RedisQueue keeps messages in a sorted set scored by visibility time.
type RedisQueue struct {
	client  *redis.Client
	name    string
	opts    Options
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRedisQueue(client *redis.Client, name string, opts Options, m *metrics.Metrics) *RedisQueue {
	return &RedisQueue{client: client, name: name, opts: opts, metrics: m, now: time.Now}
}

// Keys share a hash tag so the scripts stay on one cluster slot.
func (q *RedisQueue) key(part string) string {
	return fmt.Sprintf("loansfinder:{%s}:%s", q.name, part)
}

func (q *RedisQueue) Send(ctx context.Context, groupID, body string) (bool, error) {
	now := q.now()
	msg := Message{
		ID:      utils.NewID(),
		GroupID: groupID,
		Body:    body,
		DedupID: DedupID(body),
		SentAt:  now.UTC(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("failed to marshal message: %w", err)
	}
	res, err := sendScript.Run(ctx, q.client,
		[]string{q.key("dedup:" + msg.DedupID), q.key("ready"), q.key("msgs")},
		q.opts.DedupWindow.Milliseconds(), msg.ID, raw, now.Add(q.opts.DeliveryDelay).UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to send message: %w", err)
	}
	if res == 0 {
		q.metrics.QueueMessagesSentTotal.WithLabelValues(q.name, "deduplicated").Inc()
		return false, nil
	}
	q.metrics.QueueMessagesSentTotal.WithLabelValues(q.name, "sent").Inc()
	return true, nil
}

func (q *RedisQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	raws, err := receiveScript.Run(ctx, q.client,
		[]string{q.key("ready"), q.key("msgs"), q.key("inflight")},
		q.now().UnixMilli(), max, q.opts.VisibilityTimeout.Milliseconds(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}
	msgs := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	q.metrics.QueueMessagesReceivedTotal.WithLabelValues(q.name).Add(float64(len(msgs)))
	return msgs, nil
}

func (q *RedisQueue) Delete(ctx context.Context, id string) error {
	err := deleteScript.Run(ctx, q.client,
		[]string{q.key("ready"), q.key("msgs"), q.key("inflight")}, id,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}
