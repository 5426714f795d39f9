package feedsim

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duel/internal/oracle"
)

func startServer(t *testing.T) (*Generator, string) {
	t.Helper()
	g, err := NewGenerator(testAssets(), -8)
	require.NoError(t, err)
	srv := httptest.NewServer(NewServer(g))
	t.Cleanup(srv.Close)
	return g, strings.Replace(srv.URL, "http://", "ws://", 1)
}

func TestServerSubscribeSendsCurrentPrice(t *testing.T) {
	_, url := startServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(oracle.SubscribeMessage{Type: oracle.TypeSubscribe, IDs: []string{"0xaaaa"}}))

	var resp oracle.ResponseMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "success", resp.Status)

	var update oracle.PriceUpdateMessage
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, oracle.TypePriceUpdate, update.Type)
	assert.Equal(t, "aaaa", update.PriceFeed.ID)
	p, err := update.PriceFeed.Price.Decimal()
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(64000).Equal(p))
}

func TestServerUnknownID(t *testing.T) {
	_, url := startServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(oracle.SubscribeMessage{Type: oracle.TypeSubscribe, IDs: []string{"ffff"}}))

	var resp oracle.ResponseMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "ffff")
}

func TestServerFeedsOracleClient(t *testing.T) {
	g, url := startServer(t)

	c, err := oracle.NewClient(oracle.Config{
		URL:   url,
		Feeds: []oracle.Feed{{Symbol: "BTC", ID: "aaaa"}, {Symbol: "ETH", ID: "bbbb"}},
	})
	require.NoError(t, err)
	c.Start(context.Background())
	defer c.Stop()

	require.Eventually(t, func() bool {
		_, err := c.Quote("ETH")
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	g.Set("bbbb", decimal.NewFromInt(3300))
	require.Eventually(t, func() bool {
		p, err := c.Quote("ETH")
		return err == nil && p.Equal(decimal.NewFromInt(3300))
	}, 3*time.Second, 10*time.Millisecond)
}
