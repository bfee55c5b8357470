package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each binding is a hash {node, created, last, uses} whose key TTL is the
// inactivity window; every touch pushes the TTL out again.

var touchScript = redis.NewScript(`
local node = redis.call('HGET', KEYS[1], 'node')
if not node then
  return false
end
local uses = redis.call('HINCRBY', KEYS[1], 'uses', 1)
redis.call('HSET', KEYS[1], 'last', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {node, redis.call('HGET', KEYS[1], 'created'), ARGV[1], uses}
`)

var bindScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'node')
if cur and (ARGV[2] == '' or cur ~= ARGV[2]) then
  return {cur, redis.call('HGET', KEYS[1], 'created'), redis.call('HGET', KEYS[1], 'last'), tonumber(redis.call('HGET', KEYS[1], 'uses'))}
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'node', ARGV[1], 'created', ARGV[3], 'last', ARGV[3], 'uses', 1)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {ARGV[1], ARGV[3], ARGV[3], 1}
`)

var deleteScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'node') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore shares bindings between gateway replicas.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "resi:session:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisStore) Touch(ctx context.Context, sessionID string) (Binding, bool, error) {
	now := s.now().UnixMilli()
	res, err := touchScript.Run(ctx, s.client, []string{s.key(sessionID)}, now, s.ttl.Milliseconds()).Result()
	if errors.Is(err, redis.Nil) {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, fmt.Errorf("session touch: %w", err)
	}
	b, err := toBinding(sessionID, res)
	if err != nil {
		return Binding{}, false, err
	}
	return b, true, nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (Binding, bool, error) {
	vals, err := s.client.HMGet(ctx, s.key(sessionID), "node", "created", "last", "uses").Result()
	if err != nil {
		return Binding{}, false, fmt.Errorf("session get: %w", err)
	}
	if node, _ := vals[0].(string); node == "" {
		return Binding{}, false, nil
	}
	b, err := toBinding(sessionID, vals)
	if err != nil {
		return Binding{}, false, err
	}
	return b, true, nil
}

func (s *RedisStore) Bind(ctx context.Context, sessionID, nodeID, replaceNodeID string) (Binding, error) {
	now := s.now().UnixMilli()
	res, err := bindScript.Run(ctx, s.client, []string{s.key(sessionID)},
		nodeID, replaceNodeID, now, s.ttl.Milliseconds()).Result()
	if err != nil {
		return Binding{}, fmt.Errorf("session bind: %w", err)
	}
	return toBinding(sessionID, res)
}

func (s *RedisStore) Delete(ctx context.Context, sessionID, nodeID string) error {
	if err := deleteScript.Run(ctx, s.client, []string{s.key(sessionID)}, nodeID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("session delete: %w", err)
	}
	return nil
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("session len: %w", err)
	}
	return n, nil
}

func toBinding(sessionID string, res interface{}) (Binding, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 4 {
		return Binding{}, fmt.Errorf("session: unexpected script reply %T", res)
	}
	node, _ := vals[0].(string)
	if node == "" {
		return Binding{}, fmt.Errorf("session: binding without node")
	}
	return Binding{
		SessionID:  sessionID,
		NodeID:     node,
		CreatedAt:  time.UnixMilli(toInt64(vals[1])),
		LastUsedAt: time.UnixMilli(toInt64(vals[2])),
		Uses:       int(toInt64(vals[3])),
	}, nil
}

func toInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}
