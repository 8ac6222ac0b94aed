package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// SignalSource waits for the start broadcast on a Redis pub/sub channel.
type SignalSource struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// NewSignalSource creates a source listening on channel.
func NewSignalSource(client redis.UniversalClient, channel string, logger *slog.Logger) *SignalSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalSource{client: client, channel: channel, logger: logger}
}

// Receive subscribes and returns the first message payload with its
// receipt time. The subscription is dropped afterwards; the start
// protocol is one-shot. Cancelling ctx unblocks the wait.
func (s *SignalSource) Receive(ctx context.Context) ([]byte, time.Time, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	// pubsub reads only honour deadlines, so close it on cancel.
	stop := context.AfterFunc(ctx, func() { pubsub.Close() })
	defer stop()

	// Wait for the subscription confirmation so nothing published after
	// this point is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, time.Time{}, ctx.Err()
		}
		return nil, time.Time{}, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.logger.Info("start_signal_waiting", "channel", s.channel)

	select {
	case <-ctx.Done():
		return nil, time.Time{}, ctx.Err()
	case msg, ok := <-pubsub.Channel():
		if !ok {
			if ctx.Err() != nil {
				return nil, time.Time{}, ctx.Err()
			}
			return nil, time.Time{}, errors.New("receive start signal: subscription closed")
		}
		return []byte(msg.Payload), time.Now(), nil
	}
}

// Await receives and normalizes the start signal.
func (s *SignalSource) Await(ctx context.Context, strict bool) (StartSignal, error) {
	raw, receivedAt, err := s.Receive(ctx)
	if err != nil {
		return StartSignal{}, err
	}
	sig, err := NormalizeStartSignal(raw, receivedAt, strict, s.logger)
	if err != nil {
		return StartSignal{}, err
	}
	s.logger.Info("start_signal_received",
		"shape", sig.Shape,
		"base_slot", sig.BaseSlot,
		"origin", sig.Origin.Format(time.RFC3339Nano),
	)
	return sig, nil
}

// Broadcaster publishes start signals to every listening worker.
type Broadcaster struct {
	client  redis.UniversalClient
	channel string
}

// NewBroadcaster creates a broadcaster publishing on channel.
func NewBroadcaster(client redis.UniversalClient, channel string) *Broadcaster {
	return &Broadcaster{client: client, channel: channel}
}

// Broadcast publishes sig in the structured encoding and returns the
// number of subscribers that received it.
func (b *Broadcaster) Broadcast(ctx context.Context, sig StartSignal) (int64, error) {
	payload, err := EncodeStartSignal(sig)
	if err != nil {
		return 0, fmt.Errorf("encode start signal: %w", err)
	}
	n, err := b.client.Publish(ctx, b.channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", b.channel, err)
	}
	return n, nil
}
