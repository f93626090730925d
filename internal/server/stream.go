package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/fanpulse/fanpulse/pkg/audio"
)

// wsWriteTimeout bounds a single frame write to a subscriber.
const wsWriteTimeout = 5 * time.Second

// handleStream accepts the single binary PCM producer. A second producer
// is refused with 409 so two capture sources cannot interleave sequence
// numbers on one pipeline.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.streamMu.Lock()
	if s.streamActive {
		s.streamMu.Unlock()
		http.Error(w, "a producer is already streaming", http.StatusConflict)
		return
	}
	s.streamActive = true
	s.streamMu.Unlock()
	defer func() {
		s.streamMu.Lock()
		s.streamActive = false
		s.streamMu.Unlock()
	}()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("stream accept failed", "error", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "stream terminated")

	c.SetReadLimit(int64(audio.HeaderSize + s.maxPayload))

	// A new producer starts a fresh sequence.
	s.pipe.ResetSequence()
	s.log.Info("pcm producer connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.log.Info("pcm producer disconnected", "status", status)
			} else {
				s.log.Info("pcm producer connection lost", "error", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		frame, err := audio.DecodeFrame(data)
		if err != nil {
			s.met.AddIngest(ctx, 0, 1, 0, 0)
			s.log.Debug("malformed frame", "error", err)
			continue
		}
		if err := s.pipe.Ingest(frame); err != nil {
			s.log.Debug("frame rejected", "error", err)
		}
	}
}

// handleWS registers a dashboard subscriber and streams readings and
// events to it until it disconnects or falls too far behind.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("ws accept failed", "error", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "connection terminated")

	hello, err := json.Marshal(connectedMsg{
		Type:     "connected",
		DeviceID: s.device.DeviceID,
		MatchID:  s.device.MatchID,
	})
	if err != nil {
		return
	}

	sub := s.hub.add(c, hello)
	defer s.hub.remove(sub)

	// Subscribers never send application data; CloseRead surfaces the
	// disconnect while keeping control frames serviced.
	ctx := c.CloseRead(r.Context())

	for {
		select {
		case msg, ok := <-sub.ch:
			if !ok {
				c.Close(websocket.StatusNormalClosure, "dropped")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := c.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
