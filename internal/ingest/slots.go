package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/slotwatch/engine/internal/store"
	"github.com/sugawarayuuta/sonnet"
)

// Reconnection constants
const (
	InitialBackoff = 1 * time.Second
	MaxBackoff     = 60 * time.Second
	BackoffFactor  = 2.0
	JitterPercent  = 0.2

	// Slots arrive every ~400ms, so a quiet minute means a dead stream
	HeartbeatTimeout = 60 * time.Second
	PongTimeout      = 10 * time.Second

	WriteTimeout = 10 * time.Second
)

// slotNotification is the payload of a slotSubscribe notification.
type slotNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Parent uint64 `json:"parent"`
			Root   uint64 `json:"root"`
			Slot   uint64 `json:"slot"`
		} `json:"result"`
		Subscription uint64 `json:"subscription"`
	} `json:"params"`
	// Set on the subscription confirmation
	Result *uint64   `json:"result"`
	Error  *RPCError `json:"error"`
}

// SlotWatcher follows the chain tip over the RPC websocket (slotSubscribe)
// with automatic reconnection.
type SlotWatcher struct {
	url     string
	logger  *slog.Logger
	conn    *websocket.Conn
	connMu  sync.Mutex
	backoff time.Duration

	lastMsg   time.Time
	lastMsgMu sync.RWMutex

	tip       atomic.Uint64
	connected atomic.Bool

	onSlot   func(store.Slot)
	tipReady chan struct{}
	tipOnce  sync.Once

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSlotWatcher creates a watcher for the websocket endpoint url.
func NewSlotWatcher(url string, logger *slog.Logger) *SlotWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlotWatcher{
		url:      url,
		logger:   logger,
		backoff:  InitialBackoff,
		tipReady: make(chan struct{}),
		stopChan: make(chan struct{}),
	}
}

// OnSlot registers a callback for every tip update. Set it before Start.
func (w *SlotWatcher) OnSlot(fn func(store.Slot)) {
	w.onSlot = fn
}

// Start begins watching in the background.
func (w *SlotWatcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.runLoop(ctx)

	w.wg.Add(1)
	go w.heartbeatMonitor(ctx)
}

// Stop shuts the watcher down and waits for its goroutines.
func (w *SlotWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.closeConnection()
	w.wg.Wait()
}

// Tip returns the latest observed slot, false until the first update.
func (w *SlotWatcher) Tip() (store.Slot, bool) {
	tip := w.tip.Load()
	return tip, tip != 0
}

// Connected reports whether the websocket is currently up.
func (w *SlotWatcher) Connected() bool {
	return w.connected.Load()
}

// WaitForTip blocks until the first tip update or ctx ends.
func (w *SlotWatcher) WaitForTip(ctx context.Context) (store.Slot, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-w.tipReady:
		tip, _ := w.Tip()
		return tip, nil
	}
}

func (w *SlotWatcher) runLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("ws_loop_stopping", "reason", "context cancelled")
			return
		case <-w.stopChan:
			w.logger.Info("ws_loop_stopping", "reason", "stop signal")
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			w.logger.Error("ws_connect_failed", "error", err, "backoff", w.backoff)
			w.waitBackoff(ctx)
			continue
		}

		if err := w.readLoop(ctx); err != nil {
			w.logger.Warn("ws_read_error", "error", err)
		}

		w.closeConnection()

		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		default:
			w.waitBackoff(ctx)
		}
	}
}

func (w *SlotWatcher) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	return w.attach(conn)
}

// attach adopts a dialed connection and subscribes on it. The connection
// is dropped again if the subscription cannot be sent.
func (w *SlotWatcher) attach(conn *websocket.Conn) error {
	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()

	w.backoff = InitialBackoff
	w.connected.Store(true)
	w.logger.Info("ws_connected", "endpoint", w.url)

	if err := w.subscribe(); err != nil {
		w.closeConnection()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	w.updateLastMsg()
	return nil
}

func (w *SlotWatcher) subscribe() error {
	msg := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "slotSubscribe"}

	w.connMu.Lock()
	defer w.connMu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("connection is nil")
	}

	w.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := w.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send subscribe message: %w", err)
	}

	w.logger.Info("ws_subscribed", "method", "slotSubscribe")
	return nil
}

func (w *SlotWatcher) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopChan:
			return nil
		default:
		}

		w.connMu.Lock()
		conn := w.conn
		w.connMu.Unlock()

		if conn == nil {
			return fmt.Errorf("connection is nil")
		}

		conn.SetReadDeadline(time.Now().Add(HeartbeatTimeout + PongTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		w.updateLastMsg()
		if err := w.handleMessage(message); err != nil {
			return err
		}
	}
}

// handleMessage records tip updates. A subscription error ends the
// connection so the loop reconnects.
func (w *SlotWatcher) handleMessage(data []byte) error {
	var msg slotNotification
	if err := sonnet.Unmarshal(data, &msg); err != nil {
		w.logger.Debug("ws_parse_error", "error", err, "raw", truncate(string(data), 200))
		return nil
	}

	switch {
	case msg.Error != nil:
		return fmt.Errorf("subscription rejected: %w", msg.Error)
	case msg.Result != nil:
		w.logger.Debug("ws_subscription_confirmed", "subscription", *msg.Result)
	case msg.Method == "slotNotification":
		w.observe(msg.Params.Result.Slot)
	}
	return nil
}

func (w *SlotWatcher) observe(slot store.Slot) {
	for {
		cur := w.tip.Load()
		if slot <= cur {
			return
		}
		if w.tip.CompareAndSwap(cur, slot) {
			break
		}
	}
	w.tipOnce.Do(func() { close(w.tipReady) })
	if w.onSlot != nil {
		w.onSlot(slot)
	}
}

func (w *SlotWatcher) heartbeatMonitor(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.checkHeartbeat()
		}
	}
}

func (w *SlotWatcher) checkHeartbeat() {
	w.lastMsgMu.RLock()
	lastMsg := w.lastMsg
	w.lastMsgMu.RUnlock()

	if lastMsg.IsZero() {
		return
	}

	elapsed := time.Since(lastMsg)
	if elapsed > HeartbeatTimeout {
		w.logger.Warn("ws_heartbeat_timeout", "elapsed", elapsed)

		w.connMu.Lock()
		conn := w.conn
		w.connMu.Unlock()

		if conn != nil {
			conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.logger.Warn("ws_ping_failed", "error", err)
				w.closeConnection()
			}
		}
	}
}

func (w *SlotWatcher) updateLastMsg() {
	w.lastMsgMu.Lock()
	w.lastMsg = time.Now()
	w.lastMsgMu.Unlock()
}

func (w *SlotWatcher) closeConnection() {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
		w.connected.Store(false)
		w.logger.Info("ws_disconnected")
	}
}

// waitBackoff waits for the backoff duration with jitter.
func (w *SlotWatcher) waitBackoff(ctx context.Context) {
	jitter := time.Duration(float64(w.backoff) * JitterPercent * (rand.Float64()*2 - 1))
	wait := w.backoff + jitter

	w.logger.Debug("ws_waiting_backoff", "duration", wait)

	select {
	case <-ctx.Done():
	case <-w.stopChan:
	case <-time.After(wait):
	}

	w.backoff = time.Duration(float64(w.backoff) * BackoffFactor)
	if w.backoff > MaxBackoff {
		w.backoff = MaxBackoff
	}
}

// truncate shortens a string for logging.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
