package repository

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/charliepank/blockchain-relay-utility/internal/config"
	"github.com/redis/go-redis/v9"
)

type RedisClient struct {
	Client *redis.Client
}

func NewRedisClient(cfg *config.Config) (*RedisClient, error) {
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{Client: rdb}, nil
}

// Implement service.UsageRepo backed by Redis. Funded totals are stored
// as decimal strings since wei amounts overflow int64.
func (r *RedisClient) GetDailyUsage(ctx context.Context, keyName string) (int, *big.Int, error) {
	today := time.Now().UTC().Format("2006-01-02")
	keyCount := fmt.Sprintf("usage:%s:%s:relays", keyName, today)
	keyFunded := fmt.Sprintf("usage:%s:%s:funded_wei", keyName, today)

	pipe := r.Client.Pipeline()
	countCmd := pipe.Get(ctx, keyCount)
	fundedCmd := pipe.Get(ctx, keyFunded)
	_, err := pipe.Exec(ctx)

	if err != nil && err != redis.Nil {
		return 0, nil, err
	}

	count, _ := countCmd.Int()
	funded := big.NewInt(0)
	if raw, err := fundedCmd.Result(); err == nil {
		if parsed, ok := new(big.Int).SetString(raw, 10); ok {
			funded = parsed
		}
	}

	return count, funded, nil
}

func (r *RedisClient) AddDailyUsage(ctx context.Context, keyName string, relays int, fundedWei *big.Int) error {
	today := time.Now().UTC().Format("2006-01-02")
	keyCount := fmt.Sprintf("usage:%s:%s:relays", keyName, today)
	keyFunded := fmt.Sprintf("usage:%s:%s:funded_wei", keyName, today)

	// Funded total needs read-modify-write under big.Int; counts stay
	// atomic. Concurrent funded updates are last-write-wins plus delta,
	// acceptable for operational reporting.
	_, current, err := r.GetDailyUsage(ctx, keyName)
	if err != nil {
		return err
	}
	if fundedWei != nil && fundedWei.Sign() > 0 {
		current = new(big.Int).Add(current, fundedWei)
	}

	pipe := r.Client.Pipeline()
	pipe.IncrBy(ctx, keyCount, int64(relays))
	pipe.Set(ctx, keyFunded, current.String(), 48*time.Hour)
	pipe.Expire(ctx, keyCount, 48*time.Hour)

	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}
