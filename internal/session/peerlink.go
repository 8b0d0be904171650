package session

import (
	"context"

	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
)

// LinkState is the connectivity of the underlying peer connection, reduced
// to the transitions the coordinator acts on.
type LinkState string

const (
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
	LinkClosed       LinkState = "closed"
)

// PeerLinkCallbacks are installed at link construction. They may be invoked
// from arbitrary goroutines; the coordinator reposts them onto its loop.
type PeerLinkCallbacks struct {
	OnCandidate   func(c signal.Candidate)
	OnStateChange func(s LinkState)
	OnRemoteTrack func(t RemoteTrack)
}

// PeerLink abstracts the peer connection the coordinator drives. The
// production implementation wraps a pion PeerConnection; tests substitute a
// fake so the state machine is exercised deterministically.
type PeerLink interface {
	// CreateOffer produces a local offer and installs it as the local
	// description. iceRestart re-runs connectivity negotiation without
	// tearing the session down.
	CreateOffer(iceRestart bool) (sdp string, err error)

	// CreateAnswer produces a local answer to the current remote offer and
	// installs it as the local description.
	CreateAnswer() (sdp string, err error)

	SetRemoteOffer(sdp string) error
	SetRemoteAnswer(sdp string) error

	AddICECandidate(c signal.Candidate) error

	// HasRemoteDescription gates candidate application: candidates must be
	// buffered until a remote description is set.
	HasRemoteDescription() bool

	// AwaitingAnswer reports whether a local offer is outstanding; answers
	// arriving at any other time are signaling noise.
	AwaitingAnswer() bool

	// AttachMedia hands local media to the link so its tracks are
	// negotiated.
	AttachMedia(m LocalMedia) error

	Close() error
}

// PeerLinkFactory builds the link for one call attempt.
type PeerLinkFactory func(ctx context.Context, cb PeerLinkCallbacks) (PeerLink, error)
