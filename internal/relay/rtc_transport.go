package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/chatr4661-cell/chatr-sub007/internal/metrics"
	"github.com/chatr4661-cell/chatr-sub007/internal/ratelimit"
	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
	"github.com/chatr4661-cell/chatr-sub007/internal/store"
	"github.com/chatr4661-cell/chatr-sub007/internal/transport"
)

// handleRTCTransport is the low-latency endpoint: a WebSocket bootstrap
// (offer/answer plus trickle candidates) that stands up a WebRTC connection
// whose datachannels are bridged into the envelope store.
func (s *Server) handleRTCTransport(c *gin.Context) {
	conn, callID, user, ok := s.upgradeAuthed(c)
	if !ok {
		return
	}
	defer conn.Close()
	s.serveTransport(c.Request.Context(), conn, callID, user)
}

func (s *Server) serveTransport(ctx context.Context, conn *websocket.Conn, callID, user string) {
	log := s.log.With("call", callID, "user", user)
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	s.metrics.Inc(metrics.EventRTCConnection)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.cfg.ICEServers})
	if err != nil {
		log.Error("peer connection failed", "err", err)
		writeClose(conn, websocket.CloseInternalServerErr, "peer connection failed")
		return
	}

	sess := &rtcSession{
		callID:   callID,
		user:     user,
		log:      log,
		store:    s.store,
		hub:      s.hub,
		metrics:  s.metrics,
		limiter:  ratelimit.NewMessageLimiter(ratelimit.RealClock{}, s.cfg.MessagesPerSecond),
		maxBytes: s.cfg.MaxMessageBytes,
		ws:       conn,
		pc:       pc,
	}
	defer sess.close()

	s.hub.register(callID, user, sess)
	defer s.hub.unregister(callID, user, sess)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := signal.CandidateFromPion(c.ToJSON())
		_ = sess.writeBootstrap(transport.BootstrapMessage{
			Type:      transport.BootstrapCandidate,
			Candidate: &init,
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			// Break the bootstrap read loop; everything tears down from
			// there.
			_ = conn.Close()
		}
	})
	pc.OnDataChannel(sess.acceptChannel)

	// Bridge the store into the datachannels for the lifetime of the
	// connection.
	live, unsubscribe, err := s.store.Subscribe(ctx, callID, user)
	if err != nil {
		log.Error("subscribe failed", "err", err)
		writeClose(conn, websocket.CloseInternalServerErr, "store unavailable")
		return
	}
	defer unsubscribe()
	go func() {
		for env := range live {
			sess.deliver(env)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := transport.ParseBootstrapMessage(data)
		if err != nil {
			writeClose(conn, websocket.CloseUnsupportedData, "invalid bootstrap message")
			return
		}
		switch msg.Type {
		case transport.BootstrapOffer:
			if err := sess.acceptOffer(msg.SDP.SDP); err != nil {
				log.Warn("offer rejected", "err", err)
				writeClose(conn, websocket.ClosePolicyViolation, "invalid offer")
				return
			}
		case transport.BootstrapCandidate:
			if err := pc.AddICECandidate(msg.Candidate.ToPion()); err != nil {
				log.Debug("bootstrap candidate rejected", "err", err)
			}
		default:
			writeClose(conn, websocket.ClosePolicyViolation, "unexpected bootstrap message")
			return
		}
	}
}

// rtcSession is the server end of one low-latency connection.
type rtcSession struct {
	callID, user string
	log          *slog.Logger
	store        store.Store
	hub          *hub
	metrics      *metrics.Metrics
	limiter      *ratelimit.TokenBucket
	maxBytes     int64

	ws   *websocket.Conn
	wsMu sync.Mutex

	pc *webrtc.PeerConnection

	mu        sync.Mutex
	sig       *webrtc.DataChannel
	cand      *webrtc.DataChannel
	closeOnce sync.Once
}

func (r *rtcSession) acceptOffer(sdp string) error {
	if err := r.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return err
	}
	answer, err := r.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := r.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return r.writeBootstrap(transport.BootstrapMessage{
		Type: transport.BootstrapAnswer,
		SDP:  &transport.SDPBody{Type: "answer", SDP: answer.SDP},
	})
}

// acceptChannel validates the client's channel profiles. Anything outside
// the sig/cand pair, or a pair with the wrong reliability settings, kills
// the connection.
func (r *rtcSession) acceptChannel(dc *webrtc.DataChannel) {
	switch dc.Label() {
	case transport.DataChannelLabelControl:
		if err := transport.ValidateControlChannel(dc); err != nil {
			r.log.Warn("control channel rejected", "err", err)
			_ = r.ws.Close()
			return
		}
		r.mu.Lock()
		r.sig = dc
		r.mu.Unlock()
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			r.handleFrame(msg.Data, false)
		})
	case transport.DataChannelLabelLossy:
		if err := transport.ValidateLossyChannel(dc); err != nil {
			r.log.Warn("lossy channel rejected", "err", err)
			_ = r.ws.Close()
			return
		}
		r.mu.Lock()
		r.cand = dc
		r.mu.Unlock()
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			r.handleFrame(msg.Data, true)
		})
	default:
		r.log.Warn("unexpected datachannel rejected", "label", dc.Label())
		_ = r.ws.Close()
	}
}

func (r *rtcSession) handleFrame(data []byte, lossy bool) {
	if int64(len(data)) > r.maxBytes {
		r.log.Warn("oversized frame dropped", "bytes", len(data))
		return
	}
	if !r.limiter.Allow(1) {
		r.metrics.Inc(metrics.EventSignalDroppedRate)
		r.log.Warn("rate limit exceeded, dropping frame")
		return
	}
	if lossy {
		if digit, ok := transport.ParseToneFrame(data); ok {
			r.forwardToPeer(digit)
			return
		}
	}
	env, err := signal.Decode(data)
	if err != nil {
		r.metrics.Inc(metrics.EventSignalDroppedInvalid)
		r.log.Warn("undecodable frame dropped", "err", err)
		return
	}
	switch p := env.Payload.(type) {
	case signal.Ping:
		pong := signal.NewEnvelope(r.callID, "relay", r.user, signal.Pong{SentAt: p.SentAt})
		r.send(pong, true)
		return
	case signal.Pong:
		return
	}
	if env.CallID != r.callID || env.From != r.user {
		r.metrics.Inc(metrics.EventSignalDroppedInvalid)
		r.log.Warn("envelope not owned by sender dropped", "id", env.ID, "from", env.From)
		return
	}
	if _, err := r.store.Append(context.Background(), env); err != nil {
		r.log.Error("append failed", "err", err)
		return
	}
	r.metrics.Inc(metrics.EventSignalAppended)
}

func (r *rtcSession) forwardToPeer(digit rune) {
	peer := r.hub.peerSink(r.callID, r.user)
	if peer == nil {
		r.log.Debug("tone dropped, peer not on low-latency transport")
		return
	}
	if err := peer.forwardTone(digit); err != nil {
		r.log.Debug("tone forward failed", "err", err)
		return
	}
	r.metrics.Inc(metrics.EventToneForwarded)
}

// forwardTone implements toneSink: a tone from the peer rides this
// connection's lossy channel.
func (r *rtcSession) forwardTone(digit rune) error {
	r.mu.Lock()
	cand := r.cand
	r.mu.Unlock()
	if cand == nil {
		return fmt.Errorf("lossy channel not open")
	}
	data, err := transport.EncodeToneFrame(digit)
	if err != nil {
		return err
	}
	return cand.Send(data)
}

// send encodes an envelope and writes it straight to the client, on the
// lossy channel when asked for (and open), otherwise the reliable one.
func (r *rtcSession) send(env signal.Envelope, lossy bool) {
	data, err := signal.Encode(env)
	if err != nil {
		r.log.Error("envelope encode failed", "id", env.ID, "err", err)
		return
	}
	r.mu.Lock()
	dc := r.sig
	if lossy && r.cand != nil {
		dc = r.cand
	}
	r.mu.Unlock()
	if dc == nil {
		r.log.Debug("envelope dropped, channels not open", "id", env.ID)
		return
	}
	if err := dc.Send(data); err != nil {
		r.log.Debug("envelope send failed", "id", env.ID, "err", err)
	}
}

// deliver pushes a stored envelope down to the client, candidates on the
// lossy channel, control on the reliable one.
func (r *rtcSession) deliver(env signal.Envelope) {
	data, err := signal.Encode(env)
	if err != nil {
		r.log.Error("envelope encode failed", "id", env.ID, "err", err)
		return
	}
	r.mu.Lock()
	dc := r.sig
	if env.Kind() == signal.KindCandidate && r.cand != nil {
		dc = r.cand
	}
	r.mu.Unlock()
	if dc == nil {
		// Channels not open yet; the client picks the envelope up from
		// history on its fallback path.
		r.log.Debug("envelope dropped, channels not open", "id", env.ID)
		return
	}
	if err := dc.Send(data); err != nil {
		r.log.Debug("envelope delivery failed", "id", env.ID, "err", err)
	}
}

func (r *rtcSession) writeBootstrap(msg transport.BootstrapMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.wsMu.Lock()
	defer r.wsMu.Unlock()
	_ = r.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return r.ws.WriteMessage(websocket.TextMessage, data)
}

func (r *rtcSession) close() {
	r.closeOnce.Do(func() {
		_ = r.pc.Close()
	})
}
