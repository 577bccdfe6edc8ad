package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"collabtext/journalsync/internal/logging"
)

// Fanout relays room updates between server instances.
type Fanout interface {
	Publish(ctx context.Context, room string, update []byte) error
	// Subscribe delivers updates published for room by other instances.
	Subscribe(ctx context.Context, room string, fn func(update []byte)) (func(), error)
	Close() error
}

type envelope struct {
	Source string `json:"src"`
	Update []byte `json:"u"`
}

// RedisFanout publishes every room update to a per-room Redis channel.
type RedisFanout struct {
	client   *redis.Client
	instance string
	logger   *log.Logger
}

// NewRedisFanout connects to redisURL.
func NewRedisFanout(redisURL string, logger *log.Logger) (*RedisFanout, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisFanout{client: client, instance: uuid.NewString(), logger: logging.OrNop(logger)}, nil
}

func channel(room string) string {
	return "journalsync:room:" + room
}

func (f *RedisFanout) Publish(ctx context.Context, room string, update []byte) error {
	payload, err := json.Marshal(envelope{Source: f.instance, Update: update})
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, channel(room), payload).Err(); err != nil {
		return fmt.Errorf("publish room %s: %w", room, err)
	}
	return nil
}

func (f *RedisFanout) Subscribe(ctx context.Context, room string, fn func(update []byte)) (func(), error) {
	pubsub := f.client.Subscribe(ctx, channel(room))
	// Wait for the confirmation so nothing published after Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe room %s: %w", room, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range pubsub.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				f.logger.Warn("dropping malformed fanout message", "room", room, "err", err)
				continue
			}
			if env.Source == f.instance {
				continue
			}
			fn(env.Update)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			pubsub.Close()
			wg.Wait()
		})
	}, nil
}

func (f *RedisFanout) Close() error {
	return f.client.Close()
}
