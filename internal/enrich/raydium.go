// Package enrich resolves the account keys of a pool-creation transaction
// into pool metadata and publishes it.
package enrich

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/slotwatch/engine/internal/store"
	"github.com/sugawarayuuta/sonnet"
)

// DefaultDedupWindow is how long a published pool is remembered.
const DefaultDedupWindow = 10 * time.Minute

// Accounts that appear in nearly every pool-creation transaction and are
// never pools.
var wellKnownAccounts = map[solana.PublicKey]bool{
	solana.MustPublicKeyFromBase58("11111111111111111111111111111111"):             true,
	solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"):  true,
	solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"):  true,
	solana.MustPublicKeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"): true,
	solana.MustPublicKeyFromBase58("SysvarRent111111111111111111111111111111111"):  true,
	solana.MustPublicKeyFromBase58("SysvarC1ock11111111111111111111111111111111"):  true,
	solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111"):  true,
}

// FilterAccountKeys drops invalid keys, well-known program and sysvar
// accounts, and duplicates, keeping the original order.
func FilterAccountKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[solana.PublicKey]bool, len(keys))
	for _, k := range keys {
		pk, err := solana.PublicKeyFromBase58(k)
		if err != nil || wellKnownAccounts[pk] || seen[pk] {
			continue
		}
		seen[pk] = true
		out = append(out, k)
	}
	return out
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(bytes.TrimSpace(data), `"`))
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", s)
	}
	*f = flexInt(v)
	return nil
}

type raydiumMint struct {
	Address string `json:"address"`
}

// raydiumPool is the subset of a pools/key/ids entry we use.
type raydiumPool struct {
	ID    string       `json:"id"`
	MintA *raydiumMint `json:"mintA"`
	MintB *raydiumMint `json:"mintB"`
	Vault struct {
		A string `json:"A"`
		B string `json:"B"`
	} `json:"vault"`
	OpenTime flexInt `json:"openTime"`
}

type raydiumResponse struct {
	Success bool           `json:"success"`
	Data    []*raydiumPool `json:"data"`
}

func (p *raydiumPool) event() store.DetectionEvent {
	var base, quote string
	if p.MintA != nil {
		base = p.MintA.Address
	}
	if p.MintB != nil {
		quote = p.MintB.Address
	}
	return store.DetectionEvent{
		PoolAddress: store.StringOrNil(p.ID),
		BaseMint:    store.StringOrNil(base),
		QuoteMint:   store.StringOrNil(quote),
		BaseVault:   store.StringOrNil(p.Vault.A),
		QuoteVault:  store.StringOrNil(p.Vault.B),
	}
}

// RaydiumConfig tunes the enricher.
type RaydiumConfig struct {
	APIURL      string
	Timeout     time.Duration
	MaxPoolAge  time.Duration
	DedupWindow time.Duration
}

// RaydiumEnricher looks the account keys up in the Raydium pool API and
// publishes every fresh pool it finds.
type RaydiumEnricher struct {
	cfg        RaydiumConfig
	client     *http.Client
	publishers []Publisher
	recent     *RecentSet
	logger     *slog.Logger
	now        func() time.Time

	onEvent func(store.DetectionEvent)
}

// NewRaydiumEnricher creates an enricher publishing to publishers.
func NewRaydiumEnricher(cfg RaydiumConfig, publishers []Publisher, logger *slog.Logger) *RaydiumEnricher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RaydiumEnricher{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		publishers: publishers,
		recent:     NewRecentSet(cfg.DedupWindow),
		logger:     logger,
		now:        time.Now,
	}
}

// OnEvent registers a callback for every event handed to the publishers.
func (e *RaydiumEnricher) OnEvent(fn func(store.DetectionEvent)) {
	e.onEvent = fn
}

// Recent exposes the dedup set so the caller can schedule Cleanup.
func (e *RaydiumEnricher) Recent() *RecentSet {
	return e.recent
}

// Enrich implements the detector's Enricher.
func (e *RaydiumEnricher) Enrich(ctx context.Context, accountKeys []string, workerID int) error {
	keys := FilterAccountKeys(accountKeys)
	if len(keys) == 0 {
		return nil
	}

	pools, err := e.lookup(ctx, keys)
	if err != nil {
		return err
	}

	var errs []error
	for _, pool := range pools {
		if pool == nil {
			continue
		}

		age := e.now().Sub(time.Unix(int64(pool.OpenTime), 0))
		if e.cfg.MaxPoolAge > 0 && age > e.cfg.MaxPoolAge {
			e.logger.Debug("pool_too_old", "pool", pool.ID, "age", age.Round(time.Second))
			continue
		}
		if pool.ID != "" && e.recent.Seen(pool.ID) {
			e.logger.Debug("pool_already_published", "pool", pool.ID)
			continue
		}

		event := pool.event()
		delivered, err := e.publish(ctx, event, workerID)
		if err != nil {
			errs = append(errs, err)
		}
		if delivered == 0 && len(e.publishers) > 0 {
			// No sink has it; let a later detection retry this pool.
			e.recent.Forget(pool.ID)
		}
	}
	return errors.Join(errs...)
}

func (e *RaydiumEnricher) lookup(ctx context.Context, keys []string) ([]*raydiumPool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	// Keys are validated base58, which needs no escaping.
	endpoint := e.cfg.APIURL + "?ids=" + strings.Join(keys, ",")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build raydium request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("raydium request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("raydium returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read raydium response: %w", err)
	}

	var out raydiumResponse
	if err := sonnet.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode raydium response: %w", err)
	}
	return out.Data, nil
}

// publish hands event to every publisher and returns how many accepted it;
// one failing sink does not stop the others.
func (e *RaydiumEnricher) publish(ctx context.Context, event store.DetectionEvent, workerID int) (int, error) {
	e.logger.Info("pool_detected",
		"pool", store.Deref(event.PoolAddress),
		"base_mint", store.Deref(event.BaseMint),
		"quote_mint", store.Deref(event.QuoteMint),
	)
	if e.onEvent != nil {
		e.onEvent(event)
	}

	var errs []error
	delivered := 0
	for _, p := range e.publishers {
		if err := p.Publish(ctx, event, workerID); err != nil {
			e.logger.Warn("publish_failed", "sink", p.Name(), "pool", store.Deref(event.PoolAddress), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		delivered++
		e.logger.Debug("published", "sink", p.Name(), "pool", store.Deref(event.PoolAddress))
	}
	return delivered, errors.Join(errs...)
}
