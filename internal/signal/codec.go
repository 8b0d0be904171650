package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// wireVersion is the current envelope schema version.
const wireVersion = 1

type wireEnvelope struct {
	Version int    `json:"v"`
	ID      string `json:"id"`
	CallID  string `json:"call"`
	From    string `json:"from"`
	To      string `json:"to"`
	Kind    Kind   `json:"kind"`
	At      int64  `json:"at"` // unix milliseconds

	Offer     *Offer     `json:"offer,omitempty"`
	Answer    *Answer    `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
	Hangup    *Hangup    `json:"hangup,omitempty"`
	Ping      *Ping      `json:"ping,omitempty"`
	Pong      *Pong      `json:"pong,omitempty"`
}

// Encode serializes an envelope for transport or storage.
func Encode(e Envelope) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("envelope %s has no payload", e.ID)
	}
	w := wireEnvelope{
		Version: wireVersion,
		ID:      e.ID,
		CallID:  e.CallID,
		From:    e.From,
		To:      e.To,
		Kind:    e.Kind(),
		At:      e.CreatedAt.UnixMilli(),
	}
	switch p := e.Payload.(type) {
	case Offer:
		w.Offer = &p
	case Answer:
		w.Answer = &p
	case Candidate:
		w.Candidate = &p
	case Hangup:
		w.Hangup = &p
	case Ping:
		w.Ping = &p
	case Pong:
		w.Pong = &p
	default:
		return nil, fmt.Errorf("unsupported payload type %T", e.Payload)
	}
	return json.Marshal(w)
}

// Decode parses and validates a wire envelope. Unknown fields and trailing
// data are rejected so schema drift fails loudly instead of silently losing
// signal content.
func Decode(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w wireEnvelope
	if err := dec.Decode(&w); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := w.validate(); err != nil {
		return Envelope{}, err
	}

	e := Envelope{
		ID:        w.ID,
		CallID:    w.CallID,
		From:      w.From,
		To:        w.To,
		CreatedAt: time.UnixMilli(w.At).UTC(),
	}
	switch w.Kind {
	case KindOffer:
		e.Payload = *w.Offer
	case KindAnswer:
		e.Payload = *w.Answer
	case KindCandidate:
		e.Payload = *w.Candidate
	case KindHangup:
		e.Payload = *w.Hangup
	case KindPing:
		e.Payload = *w.Ping
	case KindPong:
		e.Payload = *w.Pong
	}
	return e, nil
}

func (w wireEnvelope) validate() error {
	if w.Version != wireVersion {
		return fmt.Errorf("unsupported envelope version %d", w.Version)
	}
	if w.ID == "" {
		return fmt.Errorf("envelope missing id")
	}
	if w.CallID == "" {
		return fmt.Errorf("envelope missing call id")
	}
	if w.From == "" || w.To == "" {
		return fmt.Errorf("envelope missing sender/recipient")
	}

	payloads := 0
	for _, set := range []bool{
		w.Offer != nil, w.Answer != nil, w.Candidate != nil,
		w.Hangup != nil, w.Ping != nil, w.Pong != nil,
	} {
		if set {
			payloads++
		}
	}
	if payloads != 1 {
		return fmt.Errorf("envelope must carry exactly one payload (got %d)", payloads)
	}

	switch w.Kind {
	case KindOffer:
		if w.Offer == nil {
			return fmt.Errorf("offer envelope missing offer payload")
		}
		if w.Offer.SDP == "" {
			return fmt.Errorf("offer envelope missing sdp")
		}
		if w.Offer.Round < 1 {
			return fmt.Errorf("offer envelope has round %d", w.Offer.Round)
		}
	case KindAnswer:
		if w.Answer == nil {
			return fmt.Errorf("answer envelope missing answer payload")
		}
		if w.Answer.SDP == "" {
			return fmt.Errorf("answer envelope missing sdp")
		}
		if w.Answer.Round < 1 {
			return fmt.Errorf("answer envelope has round %d", w.Answer.Round)
		}
	case KindCandidate:
		if w.Candidate == nil {
			return fmt.Errorf("candidate envelope missing candidate payload")
		}
		if w.Candidate.Candidate == "" {
			return fmt.Errorf("candidate envelope missing candidate data")
		}
	case KindHangup:
		if w.Hangup == nil {
			return fmt.Errorf("hangup envelope missing hangup payload")
		}
	case KindPing:
		if w.Ping == nil {
			return fmt.Errorf("ping envelope missing ping payload")
		}
	case KindPong:
		if w.Pong == nil {
			return fmt.Errorf("pong envelope missing pong payload")
		}
	default:
		return fmt.Errorf("unsupported envelope kind %q", w.Kind)
	}
	return nil
}
