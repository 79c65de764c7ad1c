// internal/broadcast/broadcaster.go
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/acarlier/rebound/internal/models"
	"github.com/acarlier/rebound/internal/registry"
)

// Wildcard is the reserved handler type that receives every message on a
// channel regardless of its declared type.
const Wildcard = "*"

const (
	// DefaultGlobalChannel is the well-known fan-out channel every instance
	// subscribes to at startup.
	DefaultGlobalChannel = "rebound:global"

	keepaliveInterval = 30 * time.Second
	maxBackoff        = 3 * time.Second
	maxConnectRetries = 10
)

// Handler processes one message received from a named broker channel.
type Handler func(ctx context.Context, msg models.Message)

// channelSub tracks one named-channel subscription: the live broker
// subscription plus the type -> handler table for that channel.
type channelSub struct {
	pubsub   *redis.PubSub
	handlers map[string]Handler
	cancel   context.CancelFunc
}

// Broadcaster maintains two independent broker connections, one dedicated to
// publishing and one to subscribing, since a Redis connection in subscriber
// mode cannot issue regular commands. Each side carries its own
// reconnect-with-backoff policy and keepalive pings.
type Broadcaster struct {
	pub *redis.Client
	sub *redis.Client

	registry      *registry.Registry
	logger        *logrus.Logger
	globalChannel string

	pubReady atomic.Bool

	mu       sync.Mutex
	channels map[string]*channelSub

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Broadcaster against the broker configured by environment:
//   - REDIS_ADDR (default "localhost:6379")
//   - REDIS_DB (optional, default 0)
//   - REBOUND_GLOBAL_CHANNEL (default "rebound:global")
func New(reg *registry.Registry, logger *logrus.Logger) *Broadcaster {
	addr := getEnv("REDIS_ADDR", "localhost:6379")
	dbIdx := getEnvInt("REDIS_DB", 0)

	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		pub:           redis.NewClient(&redis.Options{Addr: addr, DB: dbIdx}),
		sub:           redis.NewClient(&redis.Options{Addr: addr, DB: dbIdx}),
		registry:      reg,
		logger:        logger,
		globalChannel: getEnv("REBOUND_GLOBAL_CHANNEL", DefaultGlobalChannel),
		channels:      make(map[string]*channelSub),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Connect establishes both broker connections, subscribes to the global
// fan-out channel, and starts the keepalive loops. Each side retries with
// capped exponential backoff before giving up. Publish readiness tracks the
// publish connection alone: a failed subscribe side returns an error but
// leaves a healthy publish side usable.
func (b *Broadcaster) Connect() error {
	if err := b.connectWithBackoff(b.pub, "publish"); err != nil {
		return err
	}
	b.pubReady.Store(true)
	go b.keepalive(b.pub, "publish")

	if err := b.connectWithBackoff(b.sub, "subscribe"); err != nil {
		return err
	}

	pubsub := b.sub.Subscribe(b.ctx, b.globalChannel)
	go b.globalLoop(pubsub)
	go b.keepalive(b.sub, "subscribe")
	return nil
}

// Close tears down all subscriptions and both broker connections.
func (b *Broadcaster) Close() {
	b.cancel()
	b.mu.Lock()
	for name, cs := range b.channels {
		cs.cancel()
		cs.pubsub.Close()
		delete(b.channels, name)
	}
	b.mu.Unlock()
	b.pubReady.Store(false)
	b.pub.Close()
	b.sub.Close()
}

func (b *Broadcaster) connectWithBackoff(client *redis.Client, side string) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = maxBackoff

	attempt := 0
	op := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(b.ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			b.logger.Warnf("broker %s connection attempt %d failed: %v", side, attempt, err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(policy, b.ctx), maxConnectRetries)); err != nil {
		return fmt.Errorf("broker %s connection failed after %d attempts: %w", side, attempt, err)
	}
	return nil
}

// keepalive pings a broker connection independently of message traffic so a
// silently dead link is detected and re-established.
func (b *Broadcaster) keepalive(client *redis.Client, side string) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(b.ctx, 2*time.Second)
			err := client.Ping(ctx).Err()
			cancel()
			if err == nil {
				if side == "publish" {
					b.pubReady.Store(true)
				}
				continue
			}
			b.logger.Warnf("broker %s keepalive failed: %v", side, err)
			if side == "publish" {
				b.pubReady.Store(false)
			}
			if rerr := b.connectWithBackoff(client, side); rerr != nil {
				b.logger.Errorf("broker %s reconnect abandoned: %v", side, rerr)
			} else if side == "publish" {
				b.pubReady.Store(true)
			}
		}
	}
}

// PublishGlobal sends a message on the global fan-out channel. A nil target
// means every connection on every instance; otherwise only the target user's
// connections receive it. Best-effort: if the publish side is not ready the
// message is dropped with a warning, never queued.
func (b *Broadcaster) PublishGlobal(ctx context.Context, msg models.Message, target *uuid.UUID) {
	b.publish(ctx, b.globalChannel, models.BroadcastMessage{Message: msg, TargetUserID: target})
}

// Publish sends a message on an arbitrary named channel.
func (b *Broadcaster) Publish(ctx context.Context, channel string, msg models.Message) {
	b.publish(ctx, channel, models.BroadcastMessage{Message: msg})
}

func (b *Broadcaster) publish(ctx context.Context, channel string, env models.BroadcastMessage) {
	if !b.pubReady.Load() {
		b.logger.WithField("channel", channel).Warnf("broker publish connection not ready, dropping %s", env.Type)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Errorf("failed to marshal broadcast envelope (%s): %v", env.Type, err)
		return
	}
	if err := b.pub.Publish(ctx, channel, data).Err(); err != nil {
		b.logger.WithField("channel", channel).Warnf("broker publish failed, dropping %s: %v", env.Type, err)
	}
}

// Subscribe registers a handler for one message type on a named channel,
// subscribing to the broker on first use. At most one handler exists per
// (channel, type) pair; registering again replaces it. Subscribing twice to
// the same channel reuses the existing broker subscription.
func (b *Broadcaster) Subscribe(channel, msgType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.channels[channel]
	if !ok {
		ctx, cancel := context.WithCancel(b.ctx)
		cs = &channelSub{
			pubsub:   b.sub.Subscribe(ctx, channel),
			handlers: make(map[string]Handler),
			cancel:   cancel,
		}
		b.channels[channel] = cs
		go b.channelLoop(ctx, channel, cs.pubsub)
	}
	cs.handlers[msgType] = h
}

// Unsubscribe removes the handler for one message type on a channel. Removing
// the last handler unsubscribes from the broker entirely so idle channels do
// not accumulate.
func (b *Broadcaster) Unsubscribe(channel, msgType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.channels[channel]
	if !ok {
		return
	}
	delete(cs.handlers, msgType)
	if len(cs.handlers) == 0 {
		cs.cancel()
		cs.pubsub.Close()
		delete(b.channels, channel)
	}
}

// handlersFor resolves the specific and wildcard handlers for a channel
// message under the lock, so dispatch itself runs without it.
func (b *Broadcaster) handlersFor(channel, msgType string) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.channels[channel]
	if !ok {
		return nil
	}
	var out []Handler
	if h, ok := cs.handlers[msgType]; ok {
		out = append(out, h)
	}
	if h, ok := cs.handlers[Wildcard]; ok {
		out = append(out, h)
	}
	return out
}

// globalLoop consumes the global fan-out channel and delivers each envelope
// to the local registry: targeted envelopes to that user's local connections,
// untargeted ones to every local connection. Malformed payloads are dropped;
// one poisoned message never stops fan-out.
func (b *Broadcaster) globalLoop(pubsub *redis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			env, err := decodeEnvelope([]byte(m.Payload))
			if err != nil {
				b.logger.Warnf("discarding malformed global broadcast: %v", err)
				continue
			}
			b.deliverLocal(env)
		}
	}
}

func (b *Broadcaster) deliverLocal(env models.BroadcastMessage) {
	if env.TargetUserID != nil {
		b.registry.SendToUser(*env.TargetUserID, env.Message)
		return
	}
	b.registry.Broadcast(env.Message)
}

// channelLoop consumes one named channel and dispatches each message to its
// registered handlers. Handler panics are recovered so the loop survives.
func (b *Broadcaster) channelLoop(ctx context.Context, channel string, pubsub *redis.PubSub) {
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			env, err := decodeEnvelope([]byte(m.Payload))
			if err != nil {
				b.logger.WithField("channel", channel).Warnf("discarding malformed channel message: %v", err)
				continue
			}
			for _, h := range b.handlersFor(channel, env.Type) {
				b.dispatch(ctx, channel, env.Message, h)
			}
		}
	}
}

func (b *Broadcaster) dispatch(ctx context.Context, channel string, msg models.Message, h Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.WithFields(logrus.Fields{
				"channel": channel,
				"type":    msg.Type,
			}).Errorf("channel handler panic: %v", rec)
		}
	}()
	h(ctx, msg)
}

func decodeEnvelope(data []byte) (models.BroadcastMessage, error) {
	var env models.BroadcastMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return models.BroadcastMessage{}, err
	}
	if env.Type == "" {
		return models.BroadcastMessage{}, fmt.Errorf("envelope missing type tag")
	}
	return env, nil
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
