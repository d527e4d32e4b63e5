package roster

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisMirror maintains one Redis set per bus mirroring roster membership.
// The consumer keeps it current from the event stream; it serves dashboards
// and quick membership checks, never boarding authorization (the bus
// document is the source of truth).
type RedisMirror struct {
	client *redis.Client
	prefix string
}

func NewRedisMirror(addr, password, prefix string) *RedisMirror {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisMirror{client: c, prefix: prefix}
}

func (r *RedisMirror) Add(ctx context.Context, busID, userID string) error {
	return r.client.SAdd(ctx, r.key(busID), userID).Err()
}

func (r *RedisMirror) Remove(ctx context.Context, busID, userID string) error {
	return r.client.SRem(ctx, r.key(busID), userID).Err()
}

func (r *RedisMirror) Contains(ctx context.Context, busID, userID string) (bool, error) {
	return r.client.SIsMember(ctx, r.key(busID), userID).Result()
}

func (r *RedisMirror) Members(ctx context.Context, busID string) ([]string, error) {
	return r.client.SMembers(ctx, r.key(busID)).Result()
}

func (r *RedisMirror) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisMirror) Close() error {
	return r.client.Close()
}

func (r *RedisMirror) key(busID string) string { return r.prefix + busID }
