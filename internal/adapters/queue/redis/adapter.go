package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"surface.scanners/internal/core/domain"
	"surface.scanners/internal/core/ports"
)

const (
	RunChannel = "scanners:runs"
)

// RunEvent is published on every reconciled scan log.
type RunEvent struct {
	Name     string          `json:"name"`
	State    domain.RunState `json:"state"`
	ExitCode *int            `json:"exit_code"`
	Rootbox  string          `json:"rootbox"`
	SeenAt   time.Time       `json:"seen_at"`
}

type RedisAdapter struct {
	client *redis.Client
}

var _ ports.RunEventPublisher = (*RedisAdapter)(nil)

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

// NewClient parses a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func newRunEvent(run *domain.JobRun, rootbox string) RunEvent {
	return RunEvent{
		Name:     run.Name,
		State:    run.State,
		ExitCode: run.ExitCode,
		Rootbox:  rootbox,
		SeenAt:   run.LastSeen,
	}
}

func (r *RedisAdapter) PublishRunUpdate(ctx context.Context, run *domain.JobRun, rootbox string) error {
	data, err := json.Marshal(newRunEvent(run, rootbox))
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, RunChannel, data).Err()
}

// Subscribe streams run events, optionally only for one rootbox, until ctx is done.
func (r *RedisAdapter) Subscribe(ctx context.Context, rootbox string) (<-chan RunEvent, error) {
	pubsub := r.client.Subscribe(ctx, RunChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	ch := make(chan RunEvent)

	go func() {
		defer pubsub.Close()
		defer close(ch)

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev RunEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				if rootbox != "" && ev.Rootbox != rootbox {
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
