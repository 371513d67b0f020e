package progress

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const channelPrefix = "validation:events:"

type envelope struct {
	Origin string `json:"origin"`
	RunID  string `json:"run_id"`
	Event  Event  `json:"event"`
}

// RedisBridge mirrors locally published events to Redis pub/sub and relays
// events published by other processes into the local hub, so any API node
// can serve a run's stream regardless of which worker executes it.
type RedisBridge struct {
	hub    *Hub
	client *redis.Client
	origin string
	logger zerolog.Logger
}

// NewRedisBridge wraps the hub with Redis fan-out.
func NewRedisBridge(hub *Hub, client *redis.Client, logger zerolog.Logger) *RedisBridge {
	return &RedisBridge{
		hub:    hub,
		client: client,
		origin: uuid.New().String(),
		logger: logger,
	}
}

// Publish delivers locally and broadcasts to other processes.
func (b *RedisBridge) Publish(ctx context.Context, runID string, event Event) error {
	if err := b.hub.Publish(ctx, runID, event); err != nil {
		return err
	}

	data, err := json.Marshal(envelope{Origin: b.origin, RunID: runID, Event: event})
	if err != nil {
		return err
	}
	// Pub/sub delivery is best-effort; a Redis hiccup must not fail the run.
	if err := b.client.Publish(ctx, channelPrefix+runID, data).Err(); err != nil {
		b.logger.Warn().Err(err).Str("run_id", runID).Msg("progress publish to redis failed")
	}
	return nil
}

// Run subscribes to remote events and relays them into the local hub until
// ctx is cancelled. It blocks.
func (b *RedisBridge) Run(ctx context.Context) {
	sub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn().Err(err).Msg("malformed progress envelope")
				continue
			}
			if env.Origin == b.origin {
				continue // already delivered locally
			}
			runID := env.RunID
			if runID == "" {
				runID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			_ = b.hub.Publish(ctx, runID, env.Event)
		}
	}
}
