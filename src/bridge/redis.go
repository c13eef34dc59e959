package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tabmirror/mirror/config"
	"github.com/tabmirror/mirror/src/types"
)

// Envelope kinds.
const (
	kindFrame = "frame"
	kindClick = "click"
)

// envelope wraps relayed traffic with the originating instance ID so that
// a node can skip its own messages. Frames travel as raw bytes, which CBOR
// carries without the base64 inflation JSON would add.
type envelope struct {
	InstanceID string            `cbor:"instance_id"`
	Kind       string            `cbor:"kind"`
	Payload    []byte            `cbor:"payload,omitempty"`
	Click      *types.ClickEvent `cbor:"click,omitempty"`
}

// RedisBridge relays frames and clicks between instances via Redis pub/sub.
type RedisBridge struct {
	client     *redis.Client
	prefix     string
	mode       string
	instanceID string
	frames     FrameTarget
	clicks     ClickTarget
	logger     zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.RWMutex
	active   bool
	stopOnce sync.Once
	stopErr  error
}

// NewRedisBridge creates a bridge for the given mode (config.BridgeSource
// or config.BridgeRelay). frames receives relayed frames on relay
// instances; clicks receives relayed clicks on source instances.
func NewRedisBridge(cfg config.BridgeConfig, frames FrameTarget, clicks ClickTarget, logger zerolog.Logger) *RedisBridge {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())

	return &RedisBridge{
		client:     client,
		prefix:     cfg.Prefix,
		mode:       cfg.Mode,
		instanceID: uuid.New().String(),
		frames:     frames,
		clicks:     clicks,
		logger:     logger.With().Str("component", "redis-bridge").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (b *RedisBridge) framesChannel() string { return b.prefix + "frames" }
func (b *RedisBridge) clicksChannel() string { return b.prefix + "clicks" }

// subscription returns the channel this instance listens on.
func (b *RedisBridge) subscription() (string, error) {
	switch b.mode {
	case config.BridgeSource:
		return b.clicksChannel(), nil
	case config.BridgeRelay:
		return b.framesChannel(), nil
	default:
		return "", fmt.Errorf("bridge mode %q cannot be started", b.mode)
	}
}

// Start subscribes to the Redis channel for this instance's mode and
// begins relaying messages.
func (b *RedisBridge) Start() error {
	channel, err := b.subscription()
	if err != nil {
		return err
	}
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return err
	}

	sub := b.client.Subscribe(b.ctx, channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(b.ctx); err != nil {
		sub.Close()
		return err
	}

	b.mu.Lock()
	b.active = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(sub)

	b.logger.Info().
		Str("instance_id", b.instanceID).
		Str("mode", b.mode).
		Str("channel", channel).
		Msg("redis bridge started")
	return nil
}

// PublishFrame sends a captured payload to relay instances.
func (b *RedisBridge) PublishFrame(payload []byte) error {
	return b.publish(b.framesChannel(), envelope{
		InstanceID: b.instanceID,
		Kind:       kindFrame,
		Payload:    payload,
	})
}

// PublishClick sends a click to the source instance.
func (b *RedisBridge) PublishClick(ev types.ClickEvent) error {
	return b.publish(b.clicksChannel(), envelope{
		InstanceID: b.instanceID,
		Kind:       kindClick,
		Click:      &ev,
	})
}

func (b *RedisBridge) publish(channel string, env envelope) error {
	data, err := cbor.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(b.ctx, channel, data).Err()
}

// Stop unsubscribes and closes the Redis connection.
func (b *RedisBridge) Stop() error {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.active = false
		b.mu.Unlock()

		b.cancel()
		b.wg.Wait()
		if err := b.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			b.stopErr = err
		}
	})
	return b.stopErr
}

// Available reports whether the bridge is connected.
func (b *RedisBridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// listen reads messages from the Redis subscription and forwards them locally.
func (b *RedisBridge) listen(sub *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleEnvelope([]byte(msg.Payload))
		case <-b.ctx.Done():
			return
		}
	}
}

// handleEnvelope decodes an envelope and forwards non-self traffic.
func (b *RedisBridge) handleEnvelope(data []byte) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		b.logger.Error().Err(err).Msg("failed to decode redis message")
		return
	}

	// Skip messages that originated from this instance.
	if env.InstanceID == b.instanceID {
		return
	}

	switch env.Kind {
	case kindFrame:
		if b.frames == nil {
			return
		}
		n := b.frames.Deliver(env.Payload)
		b.logger.Trace().
			Str("from_instance", env.InstanceID).
			Int("bytes", len(env.Payload)).
			Int("clients", n).
			Msg("relayed frame")
	case kindClick:
		if b.clicks == nil || env.Click == nil {
			return
		}
		b.logger.Debug().Str("from_instance", env.InstanceID).Msg("relaying click from redis")
		b.clicks.HandleClick("bridge:"+env.InstanceID, *env.Click)
	default:
		b.logger.Warn().Str("kind", env.Kind).Msg("unknown envelope kind")
	}
}
