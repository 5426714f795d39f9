package oracle

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"duel/internal/metrics"
)

// StreamHandler supplies the feed-specific parts of a Stream
type StreamHandler interface {
	URL() string
	// OnConnect runs once per connection before any message is read;
	// it is where subscriptions are (re)sent
	OnConnect(ctx context.Context, conn *websocket.Conn) error
	OnMessage(ctx context.Context, msg []byte)
	Name() string
}

// Stream keeps one WebSocket connection alive: it reconnects with backoff,
// enforces a read deadline and pings the server.
type Stream struct {
	handler StreamHandler
	log     zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	connected atomic.Bool

	ReadTimeout      time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	Backoff          Backoff
}

// NewStream creates a stream with default timeouts
func NewStream(handler StreamHandler, log zerolog.Logger) *Stream {
	return &Stream{
		handler:          handler,
		log:              log,
		ReadTimeout:      60 * time.Second,
		PingInterval:     20 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		Backoff:          DefaultBackoff(),
	}
}

// Start runs the connection loop until ctx is done or Stop is called
func (s *Stream) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.runLoop(ctx)
}

// Stop terminates the stream and waits for it to exit
func (s *Stream) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.closeConn()
	s.wg.Wait()
}

// Connected reports whether a connection is currently open
func (s *Stream) Connected() bool {
	return s.connected.Load()
}

func (s *Stream) runLoop(ctx context.Context) {
	defer s.wg.Done()
	retry := 0

	for {
		conn, err := s.connect(ctx)
		if err == nil {
			retry = 0
			s.process(ctx, conn)
		} else if ctx.Err() == nil {
			s.log.Warn().Err(err).Str("feed", s.handler.Name()).Int("retry", retry).Msg("feed connect failed")
		}

		if ctx.Err() != nil {
			return
		}

		delay := s.Backoff.Delay(retry)
		retry++
		metrics.OracleReconnects.Inc()
		s.log.Info().Str("feed", s.handler.Name()).Dur("delay", delay).Msg("feed reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.HandshakeTimeout}
	header := make(http.Header)
	header.Set("User-Agent", "duel-oracle/1.0")

	conn, _, err := dialer.DialContext(ctx, s.handler.URL(), header)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.handler.OnConnect(ctx, conn); err != nil {
		s.closeConn()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	s.connected.Store(true)
	metrics.OracleConnected.Set(1)
	s.log.Info().Str("feed", s.handler.Name()).Msg("feed connected")
	return conn, nil
}

// process reads until the connection fails or ctx ends
func (s *Stream) process(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.connected.Store(false)
		metrics.OracleConnected.Set(0)
		s.closeConn()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	})

	go func() {
		<-connCtx.Done()
		conn.Close()
	}()
	if s.PingInterval > 0 {
		go s.pingLoop(connCtx, conn)
	}

	for {
		conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn().Err(err).Str("feed", s.handler.Name()).Msg("feed read failed")
			}
			return
		}
		s.handler.OnMessage(ctx, msg)
	}
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.Warn().Err(err).Str("feed", s.handler.Name()).Msg("feed ping failed")
				conn.Close()
				return
			}
		}
	}
}

func (s *Stream) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
