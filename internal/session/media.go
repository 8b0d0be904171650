package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
)

// MediaSource acquires local capture for a call attempt. Acquisition may
// suspend (permission prompts, device warmup) and must respect ctx.
type MediaSource interface {
	Acquire(ctx context.Context, kind signal.MediaKind) (LocalMedia, error)
}

// LocalMedia is the captured audio (and optionally video) for one call.
// Toggles are mute semantics only; they never renegotiate.
type LocalMedia interface {
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	AudioEnabled() bool
	VideoEnabled() bool

	// AddVideo upgrades an audio-only capture with a video track. The
	// caller is responsible for renegotiating afterwards.
	AddVideo() error
	HasVideo() bool

	Close() error
}

// pionTrackProvider is implemented by media whose tracks can be attached to
// a pion peer connection.
type pionTrackProvider interface {
	LocalTracks() []webrtc.TrackLocal
}

// TrackMedia is the pion-backed LocalMedia: static sample tracks fed by the
// embedding application's capture pipeline (the core does not talk to
// devices itself). Samples written while a direction is muted are dropped.
type TrackMedia struct {
	mu           sync.Mutex
	audio        *webrtc.TrackLocalStaticSample
	video        *webrtc.TrackLocalStaticSample
	audioEnabled bool
	videoEnabled bool
	onAddVideo   func(*webrtc.TrackLocalStaticSample) error
	closed       bool
}

// TrackMediaSource builds TrackMedia per call.
type TrackMediaSource struct {
	// StreamID groups the tracks into one synchronized stream.
	StreamID string
}

func (s TrackMediaSource) Acquire(ctx context.Context, kind signal.MediaKind) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := s.StreamID
	if streamID == "" {
		streamID = "chatr-call"
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	m := &TrackMedia{audio: audio, audioEnabled: true}
	if kind == signal.MediaVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
		}
		m.video = video
		m.videoEnabled = true
	}
	return m, nil
}

func (m *TrackMedia) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	m.audioEnabled = enabled
	m.mu.Unlock()
}

func (m *TrackMedia) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	m.videoEnabled = enabled
	m.mu.Unlock()
}

func (m *TrackMedia) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

func (m *TrackMedia) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoEnabled
}

func (m *TrackMedia) HasVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.video != nil
}

func (m *TrackMedia) AddVideo() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.video != nil {
		return fmt.Errorf("call already has video")
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", m.audio.StreamID())
	if err != nil {
		return err
	}
	m.video = video
	m.videoEnabled = true
	if m.onAddVideo != nil {
		return m.onAddVideo(video)
	}
	return nil
}

// bindAddVideo installs the hook that hands a late-added video track to the
// peer link.
func (m *TrackMedia) bindAddVideo(fn func(*webrtc.TrackLocalStaticSample) error) {
	m.mu.Lock()
	m.onAddVideo = fn
	m.mu.Unlock()
}

// WriteAudioSample feeds one capture sample; dropped while muted.
func (m *TrackMedia) WriteAudioSample(sample media.Sample) error {
	m.mu.Lock()
	track := m.audio
	enabled := m.audioEnabled && !m.closed
	m.mu.Unlock()
	if !enabled {
		return nil
	}
	return track.WriteSample(sample)
}

// WriteVideoSample feeds one capture sample; dropped while muted or before
// AddVideo.
func (m *TrackMedia) WriteVideoSample(sample media.Sample) error {
	m.mu.Lock()
	track := m.video
	enabled := m.videoEnabled && !m.closed && track != nil
	m.mu.Unlock()
	if !enabled {
		return nil
	}
	return track.WriteSample(sample)
}

func (m *TrackMedia) LocalTracks() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracks := []webrtc.TrackLocal{m.audio}
	if m.video != nil {
		tracks = append(tracks, m.video)
	}
	return tracks
}

func (m *TrackMedia) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
