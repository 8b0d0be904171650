package signal

import (
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Kind discriminates the payload variants an envelope can carry.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindHangup    Kind = "hangup"
	KindPing      Kind = "ping"
	KindPong      Kind = "pong"
)

// Payload is the tagged union of signaling message bodies. The closed set of
// implementations lets the coordinator dispatch exhaustively on type instead
// of string-matching loose JSON.
type Payload interface {
	Kind() Kind
}

// Offer carries a session description proposing a negotiation round.
// Restart marks an ICE-restart re-offer issued during connection recovery.
type Offer struct {
	SDP     string `json:"sdp"`
	Round   int    `json:"round"`
	Restart bool   `json:"restart,omitempty"`
}

// Answer carries the session description accepting the offer of a round.
type Answer struct {
	SDP   string `json:"sdp"`
	Round int    `json:"round"`
}

// Candidate carries one trickled ICE candidate. The field shapes mirror the
// standard ICE candidate init dictionary so they convert losslessly to pion.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Hangup terminates the call. Reason is free-form ("declined", "timeout", ...).
type Hangup struct {
	Reason string `json:"reason,omitempty"`
}

// Ping and Pong are transport heartbeats. They ride the low-latency channel
// only and are never written to the envelope store.
type Ping struct {
	SentAt int64 `json:"sentAt"`
}

type Pong struct {
	SentAt int64 `json:"sentAt"`
}

func (Offer) Kind() Kind     { return KindOffer }
func (Answer) Kind() Kind    { return KindAnswer }
func (Candidate) Kind() Kind { return KindCandidate }
func (Hangup) Kind() Kind    { return KindHangup }
func (Ping) Kind() Kind      { return KindPing }
func (Pong) Kind() Kind      { return KindPong }

// Envelope is one signaling message addressed from one participant of a call
// to the other. ID is the deduplication key: the transports deliver
// at-least-once and receivers drop ids they have already processed.
type Envelope struct {
	ID        string
	CallID    string
	From      string
	To        string
	Payload   Payload
	CreatedAt time.Time
}

// NewEnvelope builds an envelope with a fresh id and timestamp.
func NewEnvelope(callID, from, to string, payload Payload) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		CallID:    callID,
		From:      from,
		To:        to,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

func (e Envelope) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Heartbeat reports whether the envelope is a transport-level ping/pong that
// must not be persisted.
func (e Envelope) Heartbeat() bool {
	k := e.Kind()
	return k == KindPing || k == KindPong
}

// CandidateFromPion converts a pion candidate init into the wire shape.
func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

// ToPion converts the candidate back into pion's representation.
func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
