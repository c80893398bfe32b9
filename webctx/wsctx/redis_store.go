package wsctx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	routeTTL       = 24 * time.Hour
	pendingOpenTTL = time.Hour
)

// RedisStore backs the hub with Redis so routes, dedupe marks and pending
// opens survive hub restarts and can be shared between hub replicas.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func (r *RedisStore) SetRoute(ctx context.Context, contextID string, route Route) error {
	b, err := json.Marshal(route)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, "route:"+contextID, b, routeTTL).Err()
}

func (r *RedisStore) GetRoute(ctx context.Context, contextID string) (Route, bool, error) {
	raw, err := r.client.Get(ctx, "route:"+contextID).Result()
	if err == redis.Nil {
		return Route{}, false, nil
	}
	if err != nil {
		return Route{}, false, err
	}
	var route Route
	if err := json.Unmarshal([]byte(raw), &route); err != nil {
		return Route{}, false, err
	}
	return route, true, nil
}

func (r *RedisStore) Seen(ctx context.Context, msgID string, ttl time.Duration) (bool, error) {
	fresh, err := r.client.SetNX(ctx, "seen:"+msgID, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return !fresh, nil
}

func (r *RedisStore) PutPendingOpen(ctx context.Context, po PendingOpen) error {
	b, err := json.Marshal(po)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, "open:"+po.ID, b, pendingOpenTTL).Err()
}

func (r *RedisStore) TakePendingOpen(ctx context.Context, id string) (PendingOpen, bool, error) {
	raw, err := r.client.GetDel(ctx, "open:"+id).Result()
	if err == redis.Nil {
		return PendingOpen{}, false, nil
	}
	if err != nil {
		return PendingOpen{}, false, err
	}
	var po PendingOpen
	if err := json.Unmarshal([]byte(raw), &po); err != nil {
		return PendingOpen{}, false, err
	}
	return po, true, nil
}
