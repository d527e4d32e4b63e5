package stops

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/brahimakil/buscollege-mobile-sub001/internal/models"
)

// RedisStops keeps each bus's stops in a Redis GEO index so nearest-stop
// queries avoid loading the bus document.
type RedisStops struct {
	client *redis.Client
	prefix string
}

func NewRedisStops(addr, password, prefix string) *RedisStops {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStops{client: c, prefix: prefix}
}

// Index rewrites the GEO set for a bus from its document.
func (r *RedisStops) Index(ctx context.Context, b *models.Bus) error {
	key := r.prefix + b.ID
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return err
	}
	if len(b.Stops) == 0 {
		return nil
	}
	locs := make([]*redis.GeoLocation, 0, len(b.Stops))
	for _, s := range b.Stops {
		locs = append(locs, &redis.GeoLocation{Name: s.ID, Latitude: s.Lat, Longitude: s.Lon})
	}
	return r.client.GeoAdd(ctx, key, locs...).Err()
}

// NearbyIDs returns stop ids ordered by distance from the given point.
func (r *RedisStops) NearbyIDs(ctx context.Context, busID string, lat, lon float64, limit int) ([]string, error) {
	res, err := r.client.GeoRadius(ctx, r.prefix+busID, lon, lat, &redis.GeoRadiusQuery{
		Radius: 10000, Unit: "m", Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res))
	for _, g := range res {
		out = append(out, g.Name)
	}
	return out, nil
}

func (r *RedisStops) Close() error { return r.client.Close() }
