package feedsim

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"duel/internal/oracle"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Server streams a Generator's ticks to WebSocket clients
type Server struct {
	gen      *Generator
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewServer creates a feed server for gen
func NewServer(gen *Generator) *Server {
	return &Server{
		gen: gen,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: zlog.With().Str("component", "feedsim").Logger(),
	}
}

// session is one connected feed client
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu  sync.RWMutex
	ids map[string]bool
}

func (s *session) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *session) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *session) wants(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ids[id]
}

// ServeHTTP upgrades the request and streams until the client leaves
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	sess := &session{conn: conn, ids: make(map[string]bool)}
	ticks := srv.gen.Subscribe()
	defer srv.gen.Unsubscribe(ticks)

	srv.log.Debug().Str("remote", r.RemoteAddr).Msg("feed client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.readPump(sess)
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			if !sess.wants(t.ID) {
				continue
			}
			if err := sess.write(srv.update(t.ID, t)); err != nil {
				return
			}
		case <-ticker.C:
			if err := sess.ping(); err != nil {
				return
			}
		}
	}
}

// readPump handles subscribe and unsubscribe requests
func (srv *Server) readPump(sess *session) {
	conn := sess.conn
	conn.SetReadLimit(64 * 1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var req oracle.SubscribeMessage
		if err := json.Unmarshal(msg, &req); err != nil {
			sess.write(oracle.ResponseMessage{Type: oracle.TypeResponse, Status: "error", Error: "malformed request"})
			continue
		}

		switch req.Type {
		case oracle.TypeSubscribe:
			srv.subscribe(sess, req.IDs)
		case oracle.TypeUnsubscribe:
			sess.mu.Lock()
			for _, id := range req.IDs {
				delete(sess.ids, oracle.NormalizeFeedID(id))
			}
			sess.mu.Unlock()
			sess.write(oracle.ResponseMessage{Type: oracle.TypeResponse, Status: "success"})
		default:
			sess.write(oracle.ResponseMessage{Type: oracle.TypeResponse, Status: "error", Error: "unknown request type " + req.Type})
		}
	}
}

func (srv *Server) subscribe(sess *session, ids []string) {
	var unknown []string
	var added []string
	sess.mu.Lock()
	for _, raw := range ids {
		id := oracle.NormalizeFeedID(raw)
		if !srv.gen.Has(id) {
			unknown = append(unknown, raw)
			continue
		}
		sess.ids[id] = true
		added = append(added, id)
	}
	sess.mu.Unlock()

	if len(unknown) > 0 {
		sess.write(oracle.ResponseMessage{Type: oracle.TypeResponse, Status: "error", Error: "price ids not found: " + strings.Join(unknown, ", ")})
		return
	}
	sess.write(oracle.ResponseMessage{Type: oracle.TypeResponse, Status: "success"})

	// Send the current price right away so a fresh client is never empty-handed
	now := srv.gen.now().UTC()
	for _, id := range added {
		if p, ok := srv.gen.Price(id); ok {
			sess.write(srv.update(id, Tick{ID: id, Price: p, At: now}))
		}
	}
}

func (srv *Server) update(id string, t Tick) oracle.PriceUpdateMessage {
	return oracle.PriceUpdateMessage{
		Type: oracle.TypePriceUpdate,
		PriceFeed: oracle.PriceFeed{
			ID:    id,
			Price: oracle.NewPriceData(t.Price, srv.gen.Expo(), t.At),
		},
	}
}
