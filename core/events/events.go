package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StatusChanged is published after a status transition commits.
type StatusChanged struct {
	Kind  string    `json:"kind"`
	Id    uuid.UUID `json:"id"`
	From  string    `json:"from"`
	To    string    `json:"to"`
	Actor int64     `json:"actor"`
	At    time.Time `json:"at"`
}

// Publisher fans committed status changes out to other services. Publishing
// is best effort and never undoes the committed change.
type Publisher interface {
	Publish(ctx context.Context, event StatusChanged) error
	Close() error
}

type noopPublisher struct{}

func NewNoopPublisher() Publisher {
	return noopPublisher{}
}

func (noopPublisher) Publish(ctx context.Context, event StatusChanged) error { return nil }

func (noopPublisher) Close() error { return nil }

type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisPublisher(addr, channel string) (*RedisPublisher, error) {
	if channel == "" {
		channel = "fair:status"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("publishing status events to redis", "addr", addr, "channel", channel)
	return &RedisPublisher{rdb: rdb, channel: channel}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, event StatusChanged) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("error encoding status event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("error publishing status event: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []StatusChanged
}

func (r *Recorder) Publish(ctx context.Context, event StatusChanged) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []StatusChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusChanged(nil), r.events...)
}
