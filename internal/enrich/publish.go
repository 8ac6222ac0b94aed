package enrich

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/slotwatch/engine/internal/store"
	"github.com/sugawarayuuta/sonnet"
)

// Registry keys shared with the downstream balance tagger.
const (
	KeyBaseVaults       = "BASE_VAULTS"
	KeyQuoteVaults      = "QUOTE_VAULTS"
	KeyBaseMints        = "BASE_MINTS"
	KeyQuoteMints       = "QUOTE_MINTS"
	KeyPairAddresses    = "PAIR_ADDRESSES"
	KeyPairToBaseVault  = "PAIR_TO_BASE_VAULT"
	KeyPairToQuoteVault = "PAIR_TO_QUOTE_VAULT"
)

// Publisher delivers a detection event to one sink.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event store.DetectionEvent, workerID int) error
}

// RedisPublisher adds the event to the watch-list registries and announces
// it on a pub/sub channel, in one pipeline.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher creates a publisher announcing on channel.
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Name implements Publisher.
func (p *RedisPublisher) Name() string { return "redis" }

// Publish implements Publisher. Absent fields are not added to the sets.
func (p *RedisPublisher) Publish(ctx context.Context, event store.DetectionEvent, _ int) error {
	payload, err := sonnet.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	pipe := p.client.Pipeline()
	sadd := func(key string, v *string) {
		if v != nil && *v != "" {
			pipe.SAdd(ctx, key, *v)
		}
	}
	sadd(KeyBaseVaults, event.BaseVault)
	sadd(KeyQuoteVaults, event.QuoteVault)
	sadd(KeyBaseMints, event.BaseMint)
	sadd(KeyQuoteMints, event.QuoteMint)
	sadd(KeyPairAddresses, event.PoolAddress)

	if pool := store.Deref(event.PoolAddress); pool != "" {
		if v := store.Deref(event.BaseVault); v != "" {
			pipe.HSet(ctx, KeyPairToBaseVault, pool, v)
		}
		if v := store.Deref(event.QuoteVault); v != "" {
			pipe.HSet(ctx, KeyPairToQuoteVault, pool, v)
		}
	}
	pipe.Publish(ctx, p.channel, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// PoolServerPublisher posts the event to the pool server, identifying the
// worker with the X-Machine-Name header.
type PoolServerPublisher struct {
	url    string
	client *http.Client
}

// NewPoolServerPublisher creates a publisher posting to url.
func NewPoolServerPublisher(url string, timeout time.Duration) *PoolServerPublisher {
	return &PoolServerPublisher{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Name implements Publisher.
func (p *PoolServerPublisher) Name() string { return "pool_server" }

// MachineName is the header value for workerID.
func MachineName(workerID int) string {
	return fmt.Sprintf("proxy%d", workerID)
}

// Publish implements Publisher. Anything but 200 is an error.
func (p *PoolServerPublisher) Publish(ctx context.Context, event store.DetectionEvent, workerID int) error {
	body, err := sonnet.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Machine-Name", MachineName(workerID))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post pool update: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pool server returned status %d", resp.StatusCode)
	}
	return nil
}
