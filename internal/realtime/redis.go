package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"duel/internal/match"
)

// DefaultChannelPrefix namespaces match channels; a match publishes on prefix+id
const DefaultChannelPrefix = "duel:match:"

// RedisBroker publishes through Redis pub/sub so every process sharing the
// Redis instance delivers to its own local Hub
type RedisBroker struct {
	client *redis.Client
	hub    *Hub
	prefix string
	log    zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBroker bridges hub over client
func NewRedisBroker(client *redis.Client, hub *Hub, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisBroker{
		client: client,
		hub:    hub,
		prefix: prefix,
		log:    zlog.With().Str("component", "realtime").Logger(),
	}
}

// Start subscribes to all match channels and relays messages to the hub.
// It returns once the subscription is confirmed.
func (b *RedisBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return nil
	}

	ps := b.client.PSubscribe(ctx, b.prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("redis psubscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.pubsub = ps
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.relay(ctx, ps, b.done)
	b.log.Info().Str("pattern", b.prefix+"*").Msg("redis relay started")
	return nil
}

// Stop ends the relay
func (b *RedisBroker) Stop() {
	b.mu.Lock()
	ps, cancel, done := b.pubsub, b.cancel, b.done
	b.pubsub = nil
	b.mu.Unlock()

	if ps == nil {
		return
	}
	cancel()
	ps.Close()
	<-done
}

func (b *RedisBroker) relay(ctx context.Context, ps *redis.PubSub, done chan struct{}) {
	defer close(done)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m match.Match
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed match update")
				continue
			}
			if id := strings.TrimPrefix(msg.Channel, b.prefix); id != m.ID {
				b.log.Warn().Str("channel", msg.Channel).Str("match_id", m.ID).Msg("match id does not match channel")
				continue
			}
			b.hub.Deliver(&m)
		}
	}
}

// Publish sends m to every process. If Redis is unreachable the update is
// still delivered locally and the error returned.
func (b *RedisBroker) Publish(ctx context.Context, m *match.Match) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.prefix+m.ID, data).Err(); err != nil {
		b.hub.Deliver(m)
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe opens a local subscription; remote publishes reach it via the relay
func (b *RedisBroker) Subscribe(matchID string) match.Subscription {
	return b.hub.Subscribe(matchID)
}

// Ping checks Redis is reachable
func (b *RedisBroker) Ping(ctx context.Context) error {
	if b.client == nil {
		return errors.New("no redis client")
	}
	return b.client.Ping(ctx).Err()
}
