package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "vigil:session:"

// redisSessionStore keeps session risk state in Redis so multiple scorer
// replicas observe the same lock and streak counters.
type redisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisSessionStore(addr string, ttl time.Duration) (*redisSessionStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &redisSessionStore{client: client, ttl: ttl}, nil
}

func (r *redisSessionStore) Get(ctx context.Context, id string) (SessionState, error) {
	raw, err := r.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionState{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionState{}, err
	}
	var s SessionState
	if err := json.Unmarshal(raw, &s); err != nil {
		return SessionState{}, fmt.Errorf("corrupt session record %s: %w", id, err)
	}
	return s, nil
}

func (r *redisSessionStore) Put(ctx context.Context, s SessionState) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, sessionKeyPrefix+s.ID, raw, r.ttl).Err()
}

func (r *redisSessionStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, sessionKeyPrefix+id).Err()
}

func (r *redisSessionStore) Close() error {
	return r.client.Close()
}
