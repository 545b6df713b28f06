package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	id "consentgrid/pkg/domain"
	"consentgrid/pkg/platform/sentinel"
)

const (
	// Redis key prefix for status projections
	statusKeyPrefix = "consentgrid:status:"

	defaultStatusTTL = 30 * 24 * time.Hour
)

// putIfNewer writes the message only when its seq is above the stored one.
var putIfNewer = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'seq')
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'message', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// RedisView is a Redis-backed View shared by every instance.
type RedisView struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisViewOption configures a RedisView.
type RedisViewOption func(*RedisView)

// WithStatusTTL sets how long an untouched status is kept.
func WithStatusTTL(ttl time.Duration) RedisViewOption {
	return func(v *RedisView) {
		if ttl > 0 {
			v.ttl = ttl
		}
	}
}

// NewRedisView constructs a Redis-backed status view.
func NewRedisView(client *redis.Client, opts ...RedisViewOption) *RedisView {
	v := &RedisView{client: client, ttl: defaultStatusTTL}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *RedisView) Put(ctx context.Context, msg Message) (bool, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("marshal status message: %w", err)
	}
	res, err := putIfNewer.Run(ctx, v.client, []string{statusKeyPrefix + string(msg.PermissionID)},
		msg.Seq, body, v.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("put status: %w", err)
	}
	return res == 1, nil
}

func (v *RedisView) Get(ctx context.Context, permissionID id.PermissionID) (Message, error) {
	vals, err := v.client.HMGet(ctx, statusKeyPrefix+string(permissionID), "seq", "message").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Message{}, fmt.Errorf("get status: %w", err)
	}
	if len(vals) != 2 || vals[1] == nil {
		return Message{}, sentinel.ErrNotFound
	}
	raw, ok := vals[1].(string)
	if !ok {
		return Message{}, fmt.Errorf("get status: unexpected value type %T", vals[1])
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal status message: %w", err)
	}
	if s, ok := vals[0].(string); ok {
		_, _ = fmt.Sscan(s, &msg.Seq)
	}
	return msg, nil
}
