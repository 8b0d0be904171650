package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
)

// fakeLink records sends and can bounce pings back as pongs through the
// carrier's frame callback.
type fakeLink struct {
	mu       sync.Mutex
	control  [][]byte
	lossy    [][]byte
	closed   bool
	autoPong bool
	onFrame  func([]byte, bool)
}

func (l *fakeLink) sendControl(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("link closed")
	}
	l.control = append(l.control, data)
	return nil
}

func (l *fakeLink) sendLossy(data []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("link closed")
	}
	l.lossy = append(l.lossy, data)
	autoPong := l.autoPong
	onFrame := l.onFrame
	l.mu.Unlock()

	if !autoPong {
		return nil
	}
	env, err := signal.Decode(data)
	if err != nil {
		return nil
	}
	if ping, ok := env.Payload.(signal.Ping); ok {
		pong := signal.NewEnvelope(env.CallID, "relay", env.From, signal.Pong{SentAt: ping.SentAt})
		if out, err := signal.Encode(pong); err == nil {
			go onFrame(out, true)
		}
	}
	return nil
}

func (l *fakeLink) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) controlCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.control)
}

// fakeDialer hands out fakeLinks according to a per-attempt plan.
type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	plan     []bool // true = succeed; exhausted plan repeats the last entry
	autoPong bool
	links    []*fakeLink
}

func (d *fakeDialer) dial(ctx context.Context, onFrame func([]byte, bool), onDown func(error)) (dcLink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.dials
	d.dials++
	ok := true
	if len(d.plan) > 0 {
		if idx < len(d.plan) {
			ok = d.plan[idx]
		} else {
			ok = d.plan[len(d.plan)-1]
		}
	}
	if !ok {
		return nil, errors.New("dial refused")
	}
	l := &fakeLink{autoPong: d.autoPong, onFrame: onFrame}
	d.links = append(d.links, l)
	return l, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testDCConfig() DataChannelConfig {
	return DataChannelConfig{
		CallID:               "c1",
		SelfID:               "alice",
		HeartbeatInterval:    10 * time.Millisecond,
		HeartbeatMisses:      2,
		BackoffBase:          5 * time.Millisecond,
		BackoffCap:           20 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestDataChannelCarrier_SendAndReceive(t *testing.T) {
	d := &fakeDialer{autoPong: true}
	c, err := newDataChannelCarrier(context.Background(), testDCConfig(), d.dial)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	env := signal.NewEnvelope("c1", "alice", "bob", signal.Offer{SDP: "s", Round: 1})
	if err := c.Send(context.Background(), env); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, time.Second, func() bool { return d.links[0].controlCount() == 1 })

	// Inbound envelope surfaces on Receive.
	in := signal.NewEnvelope("c1", "bob", "alice", signal.Answer{SDP: "a", Round: 1})
	data, _ := signal.Encode(in)
	d.links[0].onFrame(data, false)

	select {
	case got := <-c.Receive():
		if got.ID != in.ID {
			t.Fatalf("unexpected envelope %s", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for inbound envelope")
	}
}

func TestDataChannelCarrier_HeartbeatMeasuresRTT(t *testing.T) {
	d := &fakeDialer{autoPong: true}
	c, err := newDataChannelCarrier(context.Background(), testDCConfig(), d.dial)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	waitFor(t, time.Second, func() bool {
		_, ok := c.RTT()
		return ok
	})
}

func TestDataChannelCarrier_ReconnectsAfterMissedPongs(t *testing.T) {
	// First link never answers pings; reconnected links do.
	d := &fakeDialer{}
	c, err := newDataChannelCarrier(context.Background(), testDCConfig(), d.dial)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	d.mu.Lock()
	d.autoPong = true
	d.mu.Unlock()

	waitFor(t, 2*time.Second, func() bool { return d.dialCount() >= 2 })
	waitFor(t, 2*time.Second, func() bool {
		_, ok := c.RTT()
		return ok
	})
}

func TestDataChannelCarrier_FatalAfterExhaustedReconnects(t *testing.T) {
	d := &fakeDialer{plan: []bool{true, false}}
	c, err := newDataChannelCarrier(context.Background(), testDCConfig(), d.dial)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	select {
	case err := <-c.Fatal():
		if !errors.Is(err, ErrDown) {
			t.Fatalf("expected ErrDown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for permanent failure")
	}

	// 1 initial dial + MaxReconnectAttempts failed redials.
	if got := d.dialCount(); got != 1+testDCConfig().MaxReconnectAttempts {
		t.Fatalf("expected %d dials, got %d", 1+testDCConfig().MaxReconnectAttempts, got)
	}
}

func TestDataChannelCarrier_InitialDialFailure(t *testing.T) {
	d := &fakeDialer{plan: []bool{false}}
	if _, err := newDataChannelCarrier(context.Background(), testDCConfig(), d.dial); err == nil {
		t.Fatalf("expected initial dial error")
	}
}

func TestDataChannelCarrier_ToneRoundTrip(t *testing.T) {
	d := &fakeDialer{autoPong: true}
	c, err := newDataChannelCarrier(context.Background(), testDCConfig(), d.dial)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.SendTone('5'); err != nil {
		t.Fatalf("send tone: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		d.links[0].mu.Lock()
		defer d.links[0].mu.Unlock()
		for _, f := range d.links[0].lossy {
			if digit, ok := ParseToneFrame(f); ok && digit == '5' {
				return true
			}
		}
		return false
	})

	// Inbound tone surfaces on Tones.
	d.links[0].onFrame([]byte(`{"tone":"7"}`), true)
	select {
	case digit := <-c.Tones():
		if digit != '7' {
			t.Fatalf("unexpected tone %q", digit)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for tone")
	}
}

func TestDataChannelCarrier_CloseIdempotent(t *testing.T) {
	d := &fakeDialer{autoPong: true}
	c, err := newDataChannelCarrier(context.Background(), testDCConfig(), d.dial)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := c.Send(context.Background(), signal.NewEnvelope("c1", "a", "b", signal.Hangup{})); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, open := <-c.Receive(); open {
		t.Fatalf("receive channel should be closed")
	}
}
