package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"duel/internal/match"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// SocketMessage is sent for the snapshot and every newer committed version
type SocketMessage struct {
	Type  string        `json:"type"`
	Match MatchResponse `json:"match"`
}

const TypeMatch = "match"

// matchClient streams one match to one WebSocket connection
type matchClient struct {
	server  *Server
	conn    *websocket.Conn
	sub     match.Subscription
	tracker *match.Tracker
	done    chan struct{}
}

func (s *Server) handleMatchSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before upgrading so an unknown id is a plain 404
	cur, sub, err := s.engine.Subscribe(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Cancel()
		return
	}

	c := &matchClient{
		server:  s,
		conn:    conn,
		sub:     sub,
		tracker: match.NewTracker(cur),
		done:    make(chan struct{}),
	}

	// An expired match nobody finished yet is settled now; the commit
	// reaches this client through the subscription
	if cur.Status == match.StatusInProgress && cur.Expired(s.now()) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := s.engine.Refresh(ctx, id); err != nil {
				s.log.Debug().Err(err).Str("match_id", id).Msg("refresh on subscribe failed")
			}
		}()
	}

	go c.writePump(cur)
	go c.readPump()
}

func (c *matchClient) writePump(snapshot *match.Match) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sub.Cancel()
		c.conn.Close()
	}()

	if !c.send(snapshot) {
		return
	}
	if snapshot.Status.Terminal() {
		c.close("match " + snapshot.Status.String())
		return
	}

	for {
		select {
		case m, ok := <-c.sub.Updates():
			if !ok {
				c.close("subscription ended")
				return
			}
			if !c.tracker.Observe(m) {
				continue
			}
			if !c.send(m) {
				return
			}
			if m.Status.Terminal() {
				c.close("match " + m.Status.String())
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump drains client frames so pongs and close frames are processed
func (c *matchClient) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *matchClient) send(m *match.Match) bool {
	data, err := json.Marshal(SocketMessage{Type: TypeMatch, Match: c.server.view(m)})
	if err != nil {
		c.server.log.Error().Err(err).Str("match_id", m.ID).Msg("encode match")
		return false
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

func (c *matchClient) close(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
