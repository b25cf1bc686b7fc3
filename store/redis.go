package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/waypointhq/waypoint/core"
	"github.com/waypointhq/waypoint/logging"
)

const (
	graphKeyPrefix     = "waypoint:behaviour:"
	knowledgeKeyPrefix = "waypoint:knowledge:"
)

// RedisStore loads graphs pushed into a Redis object store by the deployment
// pipeline. Graphs live under waypoint:behaviour:<name> and knowledge under
// waypoint:knowledge:<name>.
type RedisStore struct {
	client *redis.Client
	logger logging.Logger
}

// NewRedisStore connects a store to the given Redis instance.
func NewRedisStore(addr, password string, db int, logger logging.Logger) *RedisStore {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: client, logger: logger}
}

// Ping verifies the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// LoadGraph fetches and parses the named graph.
func (s *RedisStore) LoadGraph(ctx context.Context, name string) (*core.BehaviourGraph, error) {
	name = trimGraphName(name, s.logger)
	data, err := s.client.Get(ctx, graphKeyPrefix+name).Bytes()
	if err != nil {
		return nil, fmt.Errorf("store: behaviour %s: %w", name, err)
	}

	graph, err := core.ParseBehaviourGraph(data)
	if err != nil {
		return nil, fmt.Errorf("store: behaviour %s: %w", name, err)
	}
	s.logger.Info("behaviour graph loaded", "key", graphKeyPrefix+name)
	return graph, nil
}

// LoadKnowledge fetches the companion knowledge; an absent key yields an
// empty map.
func (s *RedisStore) LoadKnowledge(ctx context.Context, name string) (map[string]any, error) {
	name = trimGraphName(name, s.logger)
	data, err := s.client.Get(ctx, knowledgeKeyPrefix+name).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("store: knowledge %s: %w", name, err)
	}
	return parseKnowledge(data)
}

// Close releases the connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
