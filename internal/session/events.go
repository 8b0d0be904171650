package session

import (
	"errors"

	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
	"github.com/pion/webrtc/v4"
)

// State is the coordinator lifecycle phase.
type State string

const (
	StateIdle         State = "idle"
	StateNegotiating  State = "negotiating"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Role decides who originates the offer. It is assigned externally (caller
// = initiator), which is what resolves glare: an initiator ignores incoming
// offers instead of racing timestamps.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

var (
	// ErrMediaAcquisition is fatal to the call attempt: camera/microphone
	// denied or unavailable. Not retried automatically.
	ErrMediaAcquisition = errors.New("local media acquisition failed")

	// ErrConnectionFailed is the terminal connectivity failure, surfaced
	// after transport failure or exhausted recovery.
	ErrConnectionFailed = errors.New("call connection failed")

	// ErrNotStarted is returned by operations that require Start first.
	ErrNotStarted = errors.New("call session not started")
)

// RemoteTrack announces remote media becoming available. Track is nil when
// the underlying peer link does not expose pion tracks (tests).
type RemoteTrack struct {
	Kind  signal.MediaKind
	Track *webrtc.TrackRemote
}

// Events is the fixed set of observations the surrounding application can
// subscribe to. Nil fields are skipped. Handlers are invoked from the
// coordinator loop and must not block.
type Events struct {
	LocalMediaReady  func(media LocalMedia)
	RemoteMediaReady func(track RemoteTrack)
	StateChanged     func(state State)
	Error            func(err error)
}

func (e Events) emitState(s State) {
	if e.StateChanged != nil {
		e.StateChanged(s)
	}
}

func (e Events) emitError(err error) {
	if e.Error != nil {
		e.Error(err)
	}
}
