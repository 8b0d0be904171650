package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
)

const (
	// DataChannelLabelControl carries offer/answer/hangup envelopes:
	// ordered, fully reliable.
	DataChannelLabelControl = "sig"

	// DataChannelLabelLossy carries candidates, tones and heartbeats:
	// unordered, maxRetransmits=0. A lost candidate is resent by normal
	// gathering; latency matters more than delivery here.
	DataChannelLabelLossy = "cand"

	wsWriteWait           = 1 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

// ValidateControlChannel enforces the reliability profile of the control
// channel. Used on both ends of the link.
func ValidateControlChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != DataChannelLabelControl {
		return fmt.Errorf("expected label %q (got %q)", DataChannelLabelControl, dc.Label())
	}
	if !dc.Ordered() {
		return fmt.Errorf("control channel must be ordered")
	}
	if dc.MaxPacketLifeTime() != nil || dc.MaxRetransmits() != nil {
		return fmt.Errorf("control channel must be fully reliable")
	}
	return nil
}

// ValidateLossyChannel enforces the datagram profile of the lossy channel.
func ValidateLossyChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != DataChannelLabelLossy {
		return fmt.Errorf("expected label %q (got %q)", DataChannelLabelLossy, dc.Label())
	}
	if dc.Ordered() {
		return fmt.Errorf("lossy channel must be unordered")
	}
	if dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("lossy channel must not set maxPacketLifeTime (use maxRetransmits=0)")
	}
	if r := dc.MaxRetransmits(); r == nil || *r != 0 {
		return fmt.Errorf("lossy channel must set maxRetransmits=0")
	}
	return nil
}

// DialConfig describes how to reach the relay's low-latency endpoint.
type DialConfig struct {
	// URL is the relay bootstrap endpoint (ws:// or wss://).
	URL string

	// Token is the bearer credential presented on the bootstrap request.
	Token string

	ICEServers     []webrtc.ICEServer
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

// DialDataChannelCarrier connects the low-latency carrier through the relay.
func DialDataChannelCarrier(ctx context.Context, dial DialConfig, cfg DataChannelConfig) (*DataChannelCarrier, error) {
	if dial.ConnectTimeout <= 0 {
		dial.ConnectTimeout = defaultConnectTimeout
	}
	if dial.Logger == nil {
		dial.Logger = slog.Default()
	}
	dialer := func(ctx context.Context, onFrame func([]byte, bool), onDown func(error)) (dcLink, error) {
		return dialPionLink(ctx, dial, cfg.CallID, onFrame, onDown)
	}
	return newDataChannelCarrier(ctx, cfg, dialer)
}

type pionLink struct {
	pc   *webrtc.PeerConnection
	ws   *websocket.Conn
	sig  *webrtc.DataChannel
	cand *webrtc.DataChannel

	wsMu sync.Mutex

	onDown   func(error)
	downOnce sync.Once

	closeOnce sync.Once
}

func dialPionLink(ctx context.Context, cfg DialConfig, callID string, onFrame func([]byte, bool), onDown func(error)) (link dcLink, err error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("%w: bootstrap dial: %v", ErrUnavailable, err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewPionLoggerFactory(cfg.Logger)}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	l := &pionLink{pc: pc, ws: ws, onDown: onDown}
	defer func() {
		if err != nil {
			_ = l.close()
		}
	}()

	sig, err := pc.CreateDataChannel(DataChannelLabelControl, nil)
	if err != nil {
		return nil, err
	}
	unordered := false
	zero := uint16(0)
	cand, err := pc.CreateDataChannel(DataChannelLabelLossy, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &zero,
	})
	if err != nil {
		return nil, err
	}
	l.sig = sig
	l.cand = cand

	opened := make(chan struct{}, 2)
	sig.OnOpen(func() { opened <- struct{}{} })
	cand.OnOpen(func() { opened <- struct{}{} })
	sig.OnMessage(func(msg webrtc.DataChannelMessage) {
		// Copy: pion reuses internal buffers.
		onFrame(append([]byte(nil), msg.Data...), false)
	})
	cand.OnMessage(func(msg webrtc.DataChannelMessage) {
		onFrame(append([]byte(nil), msg.Data...), true)
	})

	failed := make(chan error, 1)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			select {
			case failed <- fmt.Errorf("peer connection %s", state):
			default:
			}
			l.down(fmt.Errorf("peer connection %s", state))
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := signal.CandidateFromPion(c.ToJSON())
		_ = l.writeBootstrap(BootstrapMessage{Type: BootstrapCandidate, Candidate: &init})
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	if err := l.writeBootstrap(BootstrapMessage{
		Type: BootstrapOffer,
		SDP:  &SDPBody{Type: "offer", SDP: offer.SDP},
	}); err != nil {
		return nil, err
	}

	go l.readBootstrapLoop()

	for open := 0; open < 2; {
		select {
		case <-opened:
			open++
		case err := <-failed:
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: bootstrap timeout", ErrUnavailable)
		}
	}
	return l, nil
}

// readBootstrapLoop consumes answer/trickle-candidate messages for the
// lifetime of the WebSocket leg. The socket stays open so the relay can
// detect the participant going away.
func (l *pionLink) readBootstrapLoop() {
	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := ParseBootstrapMessage(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case BootstrapAnswer:
			_ = l.pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer,
				SDP:  msg.SDP.SDP,
			})
		case BootstrapCandidate:
			_ = l.pc.AddICECandidate(msg.Candidate.ToPion())
		}
	}
}

func (l *pionLink) writeBootstrap(msg BootstrapMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	l.wsMu.Lock()
	defer l.wsMu.Unlock()
	_ = l.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return l.ws.WriteMessage(websocket.TextMessage, data)
}

func (l *pionLink) sendControl(data []byte) error { return l.sig.Send(data) }
func (l *pionLink) sendLossy(data []byte) error   { return l.cand.Send(data) }

func (l *pionLink) down(err error) {
	l.downOnce.Do(func() {
		if l.onDown != nil {
			l.onDown(err)
		}
	})
}

func (l *pionLink) close() error {
	var err error
	l.closeOnce.Do(func() {
		// Suppress the state-change callback racing teardown.
		l.downOnce.Do(func() {})
		_ = l.ws.Close()
		err = l.pc.Close()
	})
	return err
}
