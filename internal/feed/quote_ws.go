// Package feed streams market quotes over WebSocket into the price cache.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/tradewatch/poolengine/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// tickerMessage is the JSON shape of one quote from the upstream feed.
type tickerMessage struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// subscribeCommand is sent to the upstream feed to select symbols.
type subscribeCommand struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// QuoteFeed connects to the upstream quote WebSocket, subscribes to the
// configured symbols, and writes every tick into the price cache. The engine
// reads marks from the cache only; a feed outage therefore degrades to stale
// quotes, which the reprice cycle skips on its own.
type QuoteFeed struct {
	wsURL          string
	reconnectDelay time.Duration
	cache          domain.PriceCache
	logger         *slog.Logger

	mu      sync.Mutex
	symbols map[string]bool
	conn    *websocket.Conn
}

// NewQuoteFeed creates a QuoteFeed subscribed to the given symbols.
func NewQuoteFeed(wsURL string, symbols []string, reconnectDelay time.Duration, cache domain.PriceCache, logger *slog.Logger) *QuoteFeed {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = true
		}
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 2 * time.Second
	}
	return &QuoteFeed{
		wsURL:          wsURL,
		reconnectDelay: reconnectDelay,
		cache:          cache,
		logger:         logger.With(slog.String("component", "quote_feed")),
		symbols:        set,
	}
}

// AddSymbols extends the subscription set. When a connection is live, the
// subscribe command is re-sent immediately; otherwise the next (re)connect
// picks the new symbols up.
func (f *QuoteFeed) AddSymbols(symbols ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	added := false
	for _, s := range symbols {
		if s = strings.TrimSpace(s); s != "" && !f.symbols[s] {
			f.symbols[s] = true
			added = true
		}
	}
	if added && f.conn != nil {
		_ = f.sendSubscribe(f.conn)
	}
}

// Run connects and streams until the context is cancelled, reconnecting with
// exponential backoff on disconnect.
func (f *QuoteFeed) Run(ctx context.Context) error {
	delay := f.reconnectDelay
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.WarnContext(ctx, "quote feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// runConnection dials, subscribes, and pumps messages until the connection
// drops or the context is cancelled.
func (f *QuoteFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	f.mu.Lock()
	f.conn = conn
	err = f.sendSubscribe(conn)
	count := len(f.symbols)
	f.mu.Unlock()
	if err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.InfoContext(ctx, "quote feed subscribed", slog.Int("symbols", count))

	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
	}()

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(ctx, raw)
	}
}

// sendSubscribe sends the current symbol set. Caller must hold f.mu.
func (f *QuoteFeed) sendSubscribe(conn *websocket.Conn) error {
	symbols := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		symbols = append(symbols, s)
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	data, err := json.Marshal(subscribeCommand{Type: "subscribe", Symbols: symbols})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// handleMessage parses one quote and writes it to the cache. Unparseable
// messages are dropped; a bad tick must never become a mark.
func (f *QuoteFeed) handleMessage(ctx context.Context, raw []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Type != "" && msg.Type != "ticker" {
		return
	}
	symbol := strings.TrimSpace(msg.Symbol)
	if symbol == "" {
		return
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil || !price.IsPositive() {
		f.logger.DebugContext(ctx, "dropping bad tick",
			slog.String("symbol", symbol),
			slog.String("price", msg.Price),
		)
		return
	}

	ts := time.Now()
	if msg.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err == nil {
			ts = t
		}
	}

	if err := f.cache.SetPrice(ctx, symbol, price, ts); err != nil {
		f.logger.WarnContext(ctx, "cache quote failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}
}
