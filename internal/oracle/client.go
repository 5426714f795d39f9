// Package oracle keeps the latest price of a fixed set of symbols from a
// streaming price feed.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"duel/internal/match"
	"duel/internal/metrics"
)

var (
	// ErrPriceUnavailable means no price was ever received for the symbol. Retriable.
	ErrPriceUnavailable = match.ErrPriceUnavailable
	ErrUnknownSymbol    = errors.New("unknown symbol")
)

// Feed maps a ticker symbol to the feed id it is streamed under
type Feed struct {
	Symbol string `yaml:"symbol" json:"symbol"`
	ID     string `yaml:"id" json:"id"`
}

// Snapshot is the latest known price of a symbol
type Snapshot struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"` // Feed publish time
	ReceivedAt time.Time       `json:"received_at"`
}

// Config configures a Client
type Config struct {
	URL          string
	Feeds        []Feed
	ReadTimeout  time.Duration
	PingInterval time.Duration
	Backoff      Backoff
}

// Client subscribes once to the feed and serves the latest price per symbol.
// The stream is the only writer; any number of goroutines may read.
type Client struct {
	url      string
	ids      []string
	symbols  []string
	bySymbol map[string]string // symbol -> feed id
	byID     map[string]string // feed id -> symbol

	mu     sync.RWMutex
	prices map[string]Snapshot

	stream *Stream
	now    func() time.Time
	log    zerolog.Logger
}

// NewClient validates the feed list and builds a client. Call Start to connect.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Feeds) == 0 {
		return nil, errors.New("oracle: at least one feed required")
	}

	c := &Client{
		url:      cfg.URL,
		bySymbol: make(map[string]string, len(cfg.Feeds)),
		byID:     make(map[string]string, len(cfg.Feeds)),
		prices:   make(map[string]Snapshot, len(cfg.Feeds)),
		now:      time.Now,
		log:      zlog.With().Str("component", "oracle").Logger(),
	}

	for _, f := range cfg.Feeds {
		sym := match.NormalizeSymbol(f.Symbol)
		id := NormalizeFeedID(f.ID)
		if sym == "" || id == "" {
			return nil, fmt.Errorf("oracle: feed %q/%q needs both symbol and id", f.Symbol, f.ID)
		}
		if _, dup := c.bySymbol[sym]; dup {
			return nil, fmt.Errorf("oracle: duplicate symbol %s", sym)
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("oracle: duplicate feed id %s", id)
		}
		c.bySymbol[sym] = id
		c.byID[id] = sym
		c.ids = append(c.ids, id)
		c.symbols = append(c.symbols, sym)
	}
	sort.Strings(c.symbols)

	c.stream = NewStream(c, c.log)
	if cfg.ReadTimeout > 0 {
		c.stream.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.PingInterval > 0 {
		c.stream.PingInterval = cfg.PingInterval
	}
	if cfg.Backoff.Base > 0 {
		c.stream.Backoff = cfg.Backoff
	}

	return c, nil
}

// Start connects to the feed in the background
func (c *Client) Start(ctx context.Context) {
	if c.url == "" {
		c.log.Warn().Msg("no feed url configured, prices only from Record")
		return
	}
	c.stream.Start(ctx)
}

// Stop disconnects from the feed
func (c *Client) Stop() {
	c.stream.Stop()
}

// Connected reports whether the feed stream is currently up
func (c *Client) Connected() bool {
	return c.stream.Connected()
}

// Symbols returns the subscribed symbols in sorted order
func (c *Client) Symbols() []string {
	out := make([]string, len(c.symbols))
	copy(out, c.symbols)
	return out
}

// Latest returns the most recent snapshot for symbol. While the feed is down
// the last known value is returned.
func (c *Client) Latest(symbol string) (Snapshot, error) {
	sym := match.NormalizeSymbol(symbol)
	if _, ok := c.bySymbol[sym]; !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	c.mu.RLock()
	snap, ok := c.prices[sym]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: no price received for %s", ErrPriceUnavailable, sym)
	}
	return snap, nil
}

// Quote returns the latest price for symbol
func (c *Client) Quote(symbol string) (decimal.Decimal, error) {
	snap, err := c.Latest(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.Price, nil
}

// PercentChange returns the change of symbol's latest price from reference, in percent
func (c *Client) PercentChange(symbol string, reference decimal.Decimal) (decimal.Decimal, error) {
	current, err := c.Quote(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return PercentChange(reference, current), nil
}

// PercentChange is (current - reference) / reference * 100, or zero for a zero reference
func PercentChange(reference, current decimal.Decimal) decimal.Decimal {
	return match.PercentChange(reference, current)
}

// Record stores a price observed at observedAt. Non-positive prices and
// observations older than the stored one are dropped. Reports whether the
// price was kept.
func (c *Client) Record(symbol string, price decimal.Decimal, observedAt time.Time) bool {
	sym := match.NormalizeSymbol(symbol)
	if _, ok := c.bySymbol[sym]; !ok {
		return false
	}
	if !price.IsPositive() {
		c.log.Debug().Str("symbol", sym).Str("price", price.String()).Msg("ignoring non-positive price")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.prices[sym]; ok && observedAt.Before(prev.ObservedAt) {
		return false
	}
	c.prices[sym] = Snapshot{
		Symbol:     sym,
		Price:      price,
		ObservedAt: observedAt.UTC(),
		ReceivedAt: c.now().UTC(),
	}
	metrics.OracleUpdates.WithLabelValues(sym).Inc()
	return true
}

// URL implements StreamHandler
func (c *Client) URL() string {
	return c.url
}

// Name implements StreamHandler
func (c *Client) Name() string {
	return "price-feed"
}

// OnConnect sends the same subscription on every (re)connect
func (c *Client) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(SubscribeMessage{Type: TypeSubscribe, IDs: c.ids})
}

// OnMessage applies price updates and logs rejected subscriptions
func (c *Client) OnMessage(ctx context.Context, msg []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		c.log.Debug().Err(err).Msg("ignoring malformed feed message")
		return
	}

	switch envelope.Type {
	case TypePriceUpdate:
		var update PriceUpdateMessage
		if err := json.Unmarshal(msg, &update); err != nil {
			c.log.Debug().Err(err).Msg("ignoring malformed price update")
			return
		}
		c.apply(update.PriceFeed)

	case TypeResponse:
		var resp ResponseMessage
		if err := json.Unmarshal(msg, &resp); err == nil && resp.Status == "error" {
			c.log.Error().Str("error", resp.Error).Msg("feed rejected subscription")
		}
	}
}

func (c *Client) apply(feed PriceFeed) {
	sym, ok := c.byID[NormalizeFeedID(feed.ID)]
	if !ok {
		return
	}
	price, err := feed.Price.Decimal()
	if err != nil {
		c.log.Debug().Err(err).Str("symbol", sym).Msg("ignoring unparseable price")
		return
	}
	c.Record(sym, price, feed.Price.Time())
}
