package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds a single event frame write to a websocket client.
const writeTimeout = 5 * time.Second

// handleEvents upgrades to a websocket and streams hub events as JSON text
// frames until the client goes away. Client frames are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Debug("events: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.chat.Hub().Subscribe()
	defer cancel()

	// CloseRead discards client frames and cancels ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())
	s.logger.Debug("events: client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("events: client disconnected", "remote", r.RemoteAddr)
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("events: marshal", "type", ev.Type, "err", err)
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("events: write failed", "err", err)
				}
				return
			}
		}
	}
}
