package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
)

// Bootstrap messages run over the WebSocket leg that sets up the
// low-latency DataChannel connection between a participant and the relay.
// The exchange is plain trickle ICE: one offer, one answer, candidates in
// both directions.

type BootstrapType string

const (
	BootstrapOffer     BootstrapType = "offer"
	BootstrapAnswer    BootstrapType = "answer"
	BootstrapCandidate BootstrapType = "candidate"
)

type SDPBody struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type BootstrapMessage struct {
	Type      BootstrapType     `json:"type"`
	SDP       *SDPBody          `json:"sdp,omitempty"`
	Candidate *signal.Candidate `json:"candidate,omitempty"`
}

// ParseBootstrapMessage decodes and validates one bootstrap message.
func ParseBootstrapMessage(data []byte) (BootstrapMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg BootstrapMessage
	if err := dec.Decode(&msg); err != nil {
		return BootstrapMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return BootstrapMessage{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return BootstrapMessage{}, err
	}
	return msg, nil
}

func (m BootstrapMessage) Validate() error {
	switch m.Type {
	case BootstrapOffer:
		if m.SDP == nil || m.SDP.Type != "offer" || m.SDP.SDP == "" {
			return fmt.Errorf("offer bootstrap message missing offer sdp")
		}
		if m.Candidate != nil {
			return fmt.Errorf("offer bootstrap message has unexpected fields")
		}
	case BootstrapAnswer:
		if m.SDP == nil || m.SDP.Type != "answer" || m.SDP.SDP == "" {
			return fmt.Errorf("answer bootstrap message missing answer sdp")
		}
		if m.Candidate != nil {
			return fmt.Errorf("answer bootstrap message has unexpected fields")
		}
	case BootstrapCandidate:
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return fmt.Errorf("candidate bootstrap message missing candidate")
		}
		if m.SDP != nil {
			return fmt.Errorf("candidate bootstrap message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported bootstrap message type %q", m.Type)
	}
	return nil
}

// toneFrame is the out-of-band DTMF-style tone carried on the lossy channel.
// Tones are never envelopes and never persisted.
type toneFrame struct {
	Tone string `json:"tone"`
}

// EncodeToneFrame serializes a tone for the lossy channel. Shared by the
// client carrier and the relay's forwarding path.
func EncodeToneFrame(digit rune) ([]byte, error) {
	return json.Marshal(toneFrame{Tone: string(digit)})
}

// ParseToneFrame reports whether data is a tone frame and which digit.
func ParseToneFrame(data []byte) (rune, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var f toneFrame
	if err := dec.Decode(&f); err != nil {
		return 0, false
	}
	runes := []rune(f.Tone)
	if len(runes) != 1 {
		return 0, false
	}
	return runes[0], true
}
