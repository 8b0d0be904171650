package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/chatr4661-cell/chatr-sub007/internal/metrics"
	"github.com/chatr4661-cell/chatr-sub007/internal/ratelimit"
	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
)

// handleSignals is the fallback channel's network form: envelopes in both
// directions over a WebSocket, history first, then the live tail.
func (s *Server) handleSignals(c *gin.Context) {
	conn, callID, user, ok := s.upgradeAuthed(c)
	if !ok {
		return
	}
	defer conn.Close()
	s.serveSignals(c.Request.Context(), conn, callID, user)
}

func (s *Server) serveSignals(ctx context.Context, conn *websocket.Conn, callID, user string) {
	log := s.log.With("call", callID, "user", user)
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	s.metrics.Inc(metrics.EventWSConnection)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	writeEnv := func(env signal.Envelope) error {
		data, err := signal.Encode(env)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	// Subscribe before replaying history so nothing appended in between is
	// missed; the client deduplicates by envelope id anyway.
	live, unsubscribe, err := s.store.Subscribe(ctx, callID, user)
	if err != nil {
		log.Error("subscribe failed", "err", err)
		writeClose(conn, websocket.CloseInternalServerErr, "store unavailable")
		return
	}
	defer unsubscribe()

	history, err := s.store.History(ctx, callID, user)
	if err != nil {
		log.Error("history fetch failed", "err", err)
		writeClose(conn, websocket.CloseInternalServerErr, "store unavailable")
		return
	}
	for _, env := range history {
		if err := writeEnv(env); err != nil {
			return
		}
	}

	go func() {
		for env := range live {
			if err := writeEnv(env); err != nil {
				_ = conn.Close()
				return
			}
		}
		// Channel closed: either shutdown or this subscriber was dropped as
		// too slow. Close so the client reconnects and replays history.
		_ = conn.Close()
	}()

	limiter := ratelimit.NewMessageLimiter(ratelimit.RealClock{}, s.cfg.MessagesPerSecond)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.EventSignalDroppedRate)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		env, err := signal.Decode(data)
		if err != nil {
			s.metrics.Inc(metrics.EventSignalDroppedInvalid)
			writeClose(conn, websocket.CloseUnsupportedData, "invalid envelope")
			return
		}
		if env.Heartbeat() {
			if ping, ok := env.Payload.(signal.Ping); ok {
				_ = writeEnv(signal.NewEnvelope(callID, "relay", user, signal.Pong{SentAt: ping.SentAt}))
			}
			continue
		}
		if env.CallID != callID || env.From != user {
			s.metrics.Inc(metrics.EventSignalDroppedInvalid)
			writeClose(conn, websocket.ClosePolicyViolation, "envelope not owned by sender")
			return
		}
		if _, err := s.store.Append(ctx, env); err != nil {
			log.Error("append failed", "err", err)
			writeClose(conn, websocket.CloseInternalServerErr, "store unavailable")
			return
		}
		s.metrics.Inc(metrics.EventSignalAppended)
	}
}
