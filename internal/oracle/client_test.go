package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duel/internal/match"
)

var testFeeds = []Feed{
	{Symbol: "BTC", ID: "0xAAAA"},
	{Symbol: "eth", ID: "bbbb"},
}

// feedServer is a minimal Hermes-style server recording every subscription
type feedServer struct {
	*httptest.Server

	mu   sync.Mutex
	subs [][]string
	// onSubscribe runs after a subscription; returning closes the connection
	onSubscribe func(conn *websocket.Conn, n int)
}

func newFeedServer(t *testing.T, onSubscribe func(conn *websocket.Conn, n int)) *feedServer {
	t.Helper()
	fs := &feedServer{onSubscribe: onSubscribe}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		var sub SubscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		fs.mu.Lock()
		fs.subs = append(fs.subs, sub.IDs)
		n := len(fs.subs)
		fs.mu.Unlock()

		conn.WriteJSON(ResponseMessage{Type: TypeResponse, Status: "success"})
		fs.onSubscribe(conn, n)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) url() string {
	return strings.Replace(fs.URL, "http://", "ws://", 1)
}

func (fs *feedServer) subscriptions() [][]string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([][]string, len(fs.subs))
	copy(out, fs.subs)
	return out
}

func sendPrice(conn *websocket.Conn, id, mantissa string, publish int64) error {
	return conn.WriteJSON(PriceUpdateMessage{
		Type: TypePriceUpdate,
		PriceFeed: PriceFeed{
			ID:    id,
			Price: PriceData{Price: mantissa, Expo: -8, PublishTime: publish},
		},
	})
}

func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		URL:          url,
		Feeds:        testFeeds,
		ReadTimeout:  2 * time.Second,
		PingInterval: 100 * time.Millisecond,
		Backoff:      Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	})
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)

	_, err = NewClient(Config{Feeds: []Feed{{Symbol: "BTC"}}})
	assert.Error(t, err)

	_, err = NewClient(Config{Feeds: []Feed{{Symbol: "BTC", ID: "a"}, {Symbol: "btc", ID: "b"}}})
	assert.Error(t, err, "duplicate symbol")

	_, err = NewClient(Config{Feeds: []Feed{{Symbol: "BTC", ID: "0xA"}, {Symbol: "ETH", ID: "a"}}})
	assert.Error(t, err, "duplicate id after normalisation")
}

func TestLatestBeforeAnyPrice(t *testing.T) {
	c := newTestClient(t, "")

	_, err := c.Latest("BTC")
	assert.ErrorIs(t, err, ErrPriceUnavailable)
	assert.True(t, match.IsRetriable(err))

	_, err = c.Quote("DOGE")
	assert.ErrorIs(t, err, ErrUnknownSymbol)

	assert.Equal(t, []string{"BTC", "ETH"}, c.Symbols())
}

func TestRecordIgnoresOlderObservations(t *testing.T) {
	c := newTestClient(t, "")
	t0 := time.Unix(1700000000, 0)

	assert.True(t, c.Record("BTC", decimal.NewFromInt(100), t0))
	assert.False(t, c.Record("BTC", decimal.NewFromInt(90), t0.Add(-time.Second)))
	assert.True(t, c.Record("btc", decimal.NewFromInt(110), t0.Add(time.Second)))
	assert.False(t, c.Record("DOGE", decimal.NewFromInt(1), t0))

	p, err := c.Quote("BTC")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(110).Equal(p))

	pct, err := c.PercentChange("BTC", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(pct))
}

func TestRecordRejectsNonPositivePrices(t *testing.T) {
	c := newTestClient(t, "")
	t0 := time.Unix(1700000000, 0)

	assert.False(t, c.Record("BTC", decimal.Zero, t0))
	assert.False(t, c.Record("BTC", decimal.NewFromInt(-5), t0))
	_, err := c.Quote("BTC")
	assert.ErrorIs(t, err, ErrPriceUnavailable)

	require.True(t, c.Record("BTC", decimal.NewFromInt(100), t0))
	assert.False(t, c.Record("BTC", decimal.Zero, t0.Add(time.Second)))
	p, err := c.Quote("BTC")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(p))
}

func TestClientReceivesPrices(t *testing.T) {
	fs := newFeedServer(t, func(conn *websocket.Conn, n int) {
		sendPrice(conn, "0xaaaa", "6400000000000", 1700000000)
		sendPrice(conn, "BBBB", "300012345678", 1700000000)
		sendPrice(conn, "cccc", "1", 1700000000) // not subscribed
		holdOpen(conn)
	})

	c := newTestClient(t, fs.url())
	c.Start(context.Background())
	defer c.Stop()

	require.Eventually(t, func() bool {
		_, err1 := c.Latest("BTC")
		_, err2 := c.Latest("ETH")
		return err1 == nil && err2 == nil
	}, 2*time.Second, 10*time.Millisecond)

	btc, _ := c.Latest("BTC")
	assert.True(t, decimal.NewFromInt(64000).Equal(btc.Price))
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), btc.ObservedAt)

	eth, _ := c.Quote("ETH")
	assert.True(t, decimal.RequireFromString("3000.12345678").Equal(eth))

	assert.True(t, c.Connected())
	subs := fs.subscriptions()
	require.Len(t, subs, 1)
	assert.ElementsMatch(t, []string{"aaaa", "bbbb"}, subs[0])
}

func TestClientReconnectsAndResubscribes(t *testing.T) {
	fs := newFeedServer(t, func(conn *websocket.Conn, n int) {
		if n == 1 {
			sendPrice(conn, "aaaa", "10000000000", 1700000000)
			// Drop the connection to force a reconnect
			time.Sleep(50 * time.Millisecond)
			return
		}
		sendPrice(conn, "aaaa", "11000000000", 1700000005)
		holdOpen(conn)
	})

	c := newTestClient(t, fs.url())
	c.Start(context.Background())
	defer c.Stop()

	require.Eventually(t, func() bool {
		p, err := c.Quote("BTC")
		return err == nil && p.Equal(decimal.NewFromInt(110))
	}, 3*time.Second, 10*time.Millisecond)

	subs := fs.subscriptions()
	require.GreaterOrEqual(t, len(subs), 2)
	assert.Equal(t, subs[0], subs[1], "resubscribe must use the same id list")
}

func TestStaleValueServedWhileDisconnected(t *testing.T) {
	fs := newFeedServer(t, func(conn *websocket.Conn, n int) {
		if n == 1 {
			sendPrice(conn, "aaaa", "10000000000", 1700000000)
			time.Sleep(50 * time.Millisecond)
		}
		// Later connections close immediately without data
	})

	c := newTestClient(t, fs.url())
	c.Start(context.Background())
	defer c.Stop()

	require.Eventually(t, func() bool {
		return len(fs.subscriptions()) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	p, err := c.Quote("BTC")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(p))
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	c := newTestClient(t, "")
	t0 := time.Unix(1700000000, 0)
	c.Record("BTC", decimal.NewFromInt(1), t0)

	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if _, err := c.Quote("BTC"); err != nil {
					t.Errorf("Quote: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 500; i++ {
		c.Record("BTC", decimal.NewFromInt(int64(i)), t0.Add(time.Duration(i)*time.Millisecond))
	}
	wg.Wait()

	p, err := c.Quote("BTC")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(499).Equal(p))
}

func TestStopWithoutConnection(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/unreachable")
	c.Start(context.Background())
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, c.Connected())
}
