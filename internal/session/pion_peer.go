package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
	"github.com/chatr4661-cell/chatr-sub007/internal/transport"
)

// PionLinkConfig configures the production peer link.
type PionLinkConfig struct {
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger
}

// NewPionLinkFactory returns the factory the coordinator uses to build a pion
// peer connection per call attempt.
func NewPionLinkFactory(cfg PionLinkConfig) PeerLinkFactory {
	return func(ctx context.Context, cb PeerLinkCallbacks) (PeerLink, error) {
		return newPionPeerLink(cfg, cb)
	}
}

type pionPeerLink struct {
	pc *webrtc.PeerConnection
}

func newPionPeerLink(cfg PionLinkConfig, cb PeerLinkCallbacks) (*pionPeerLink, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	se := webrtc.SettingEngine{LoggerFactory: transport.NewPionLoggerFactory(log)}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l := &pionPeerLink{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cb.OnCandidate == nil {
			return
		}
		cb.OnCandidate(signal.CandidateFromPion(c.ToJSON()))
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if cb.OnStateChange == nil {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateConnected:
			cb.OnStateChange(LinkConnected)
		case webrtc.PeerConnectionStateDisconnected:
			cb.OnStateChange(LinkDisconnected)
		case webrtc.PeerConnectionStateFailed:
			cb.OnStateChange(LinkFailed)
		case webrtc.PeerConnectionStateClosed:
			cb.OnStateChange(LinkClosed)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if cb.OnRemoteTrack == nil {
			return
		}
		kind := signal.MediaAudio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = signal.MediaVideo
		}
		cb.OnRemoteTrack(RemoteTrack{Kind: kind, Track: track})
	})
	return l, nil
}

func (l *pionPeerLink) CreateOffer(iceRestart bool) (string, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (l *pionPeerLink) CreateAnswer() (string, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (l *pionPeerLink) SetRemoteOffer(sdp string) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

func (l *pionPeerLink) SetRemoteAnswer(sdp string) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (l *pionPeerLink) AddICECandidate(c signal.Candidate) error {
	return l.pc.AddICECandidate(c.ToPion())
}

func (l *pionPeerLink) HasRemoteDescription() bool {
	return l.pc.RemoteDescription() != nil
}

func (l *pionPeerLink) AwaitingAnswer() bool {
	return l.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

func (l *pionPeerLink) AttachMedia(m LocalMedia) error {
	provider, ok := m.(pionTrackProvider)
	if !ok {
		return fmt.Errorf("media %T does not expose pion tracks", m)
	}
	for _, track := range provider.LocalTracks() {
		if _, err := l.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add track %q: %w", track.ID(), err)
		}
	}
	if tm, ok := m.(*TrackMedia); ok {
		tm.bindAddVideo(func(track *webrtc.TrackLocalStaticSample) error {
			_, err := l.pc.AddTrack(track)
			return err
		})
	}
	return nil
}

func (l *pionPeerLink) Close() error {
	return l.pc.Close()
}
