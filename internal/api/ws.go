package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/coder/websocket"

	"github.com/stellarlinkco/presencewatch/internal/bus"
)

// wsMessage is the live feed frame. Times are unix seconds, matching the
// query API.
type wsMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Platform int    `json:"platform,omitempty"`
	From     int64  `json:"from,omitempty"`
	To       int64  `json:"to,omitempty"`
	Forced   bool   `json:"forced,omitempty"`
	At       int64  `json:"at,omitempty"`
}

func encodeEvent(ev bus.Event) (wsMessage, bool) {
	switch e := ev.(type) {
	case bus.EntityCreated:
		return wsMessage{Type: "created", ID: e.Entity.ID, Name: e.Entity.Name, At: e.At.Unix()}, true
	case bus.SessionClosed:
		return wsMessage{
			Type:     "session",
			ID:       e.Session.EntityID,
			Name:     e.Name,
			Platform: e.Session.Platform,
			From:     e.Session.StartedAt.Unix(),
			To:       e.Session.EndedAt.Unix(),
			Forced:   e.Forced,
		}, true
	}
	return wsMessage{}, false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondError(w, http.StatusServiceUnavailable, fmt.Errorf("live feed unavailable"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[api] websocket accept error: %v", err)
		return
	}

	events, unsubscribe := s.events.Subscribe(wsBufSize)
	ctx, cancel := context.WithCancel(r.Context())
	clientID := fmt.Sprintf("ws-%d", s.nextID.Add(1))
	s.clients.Store(clientID, &wsClient{conn: conn, cancel: cancel})
	log.Printf("[api] client connected: %s", clientID)

	defer func() {
		unsubscribe()
		cancel()
		s.clients.Delete(clientID)
		conn.CloseNow()
		log.Printf("[api] client disconnected: %s", clientID)
	}()

	// The feed is one-way; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx = conn.CloseRead(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			msg, ok := encodeEvent(ev)
			if !ok {
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}

// ClientCount reports connected websocket clients.
func (s *Server) ClientCount() int {
	n := 0
	s.clients.Range(func(key, value any) bool {
		n++
		return true
	})
	return n
}
