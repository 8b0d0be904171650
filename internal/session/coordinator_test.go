package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakePeerLink struct {
	mu           sync.Mutex
	cb           PeerLinkCallbacks
	offerCalls   int
	restartCalls int
	remoteOffers []string
	remoteAnswer string
	awaiting     bool
	candidates   []signal.Candidate
	attached     LocalMedia
	closed       bool
	offerErr     error
}

func (l *fakePeerLink) setCallbacks(cb PeerLinkCallbacks) {
	l.mu.Lock()
	l.cb = cb
	l.mu.Unlock()
}

func (l *fakePeerLink) linkState(s LinkState) {
	l.mu.Lock()
	cb := l.cb
	l.mu.Unlock()
	cb.OnStateChange(s)
}

func (l *fakePeerLink) CreateOffer(iceRestart bool) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.offerErr != nil {
		return "", l.offerErr
	}
	l.offerCalls++
	if iceRestart {
		l.restartCalls++
	}
	l.awaiting = true
	return fmt.Sprintf("offer-sdp-%d", l.offerCalls), nil
}

func (l *fakePeerLink) CreateAnswer() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return "answer-sdp", nil
}

func (l *fakePeerLink) SetRemoteOffer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteOffers = append(l.remoteOffers, sdp)
	return nil
}

func (l *fakePeerLink) SetRemoteAnswer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteAnswer = sdp
	l.awaiting = false
	return nil
}

func (l *fakePeerLink) AddICECandidate(c signal.Candidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *fakePeerLink) HasRemoteDescription() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.remoteOffers) > 0 || l.remoteAnswer != ""
}

func (l *fakePeerLink) AwaitingAnswer() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.awaiting
}

func (l *fakePeerLink) AttachMedia(m LocalMedia) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attached = m
	return nil
}

func (l *fakePeerLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakePeerLink) appliedCandidates() []signal.Candidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]signal.Candidate(nil), l.candidates...)
}

func (l *fakePeerLink) remoteOfferCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.remoteOffers)
}

func (l *fakePeerLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeCarrier struct {
	mu     sync.Mutex
	sent   []signal.Envelope
	tones  []rune
	recv   chan signal.Envelope
	fatal  chan error
	closed bool

	// failSends makes Send fail that many times; -1 fails every send.
	failSends int
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{
		recv:  make(chan signal.Envelope, 64),
		fatal: make(chan error, 1),
	}
}

func (f *fakeCarrier) Send(_ context.Context, env signal.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends != 0 {
		if f.failSends > 0 {
			f.failSends--
		}
		return errors.New("carrier unavailable")
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeCarrier) SendTone(digit rune) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tones = append(f.tones, digit)
	return nil
}

func (f *fakeCarrier) Receive() <-chan signal.Envelope { return f.recv }
func (f *fakeCarrier) RTT() (time.Duration, bool)      { return 0, false }
func (f *fakeCarrier) Fatal() <-chan error             { return f.fatal }

func (f *fakeCarrier) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeCarrier) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeCarrier) deliver(env signal.Envelope) { f.recv <- env }

func (f *fakeCarrier) envelopes(kind signal.Kind) []signal.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signal.Envelope
	for _, env := range f.sent {
		if env.Kind() == kind {
			out = append(out, env)
		}
	}
	return out
}

type fakeMedia struct {
	mu       sync.Mutex
	audio    bool
	video    bool
	hasVideo bool
	closed   bool
}

func (m *fakeMedia) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	m.audio = enabled
	m.mu.Unlock()
}

func (m *fakeMedia) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	m.video = enabled
	m.mu.Unlock()
}

func (m *fakeMedia) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio
}

func (m *fakeMedia) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.video
}

func (m *fakeMedia) AddVideo() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasVideo {
		return errors.New("already has video")
	}
	m.hasVideo = true
	m.video = true
	return nil
}

func (m *fakeMedia) HasVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasVideo
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type fakeMediaSource struct {
	media *fakeMedia
	err   error
}

func (s *fakeMediaSource) Acquire(_ context.Context, kind signal.MediaKind) (LocalMedia, error) {
	if s.err != nil {
		return nil, s.err
	}
	if kind == signal.MediaVideo {
		s.media.hasVideo = true
		s.media.video = true
	}
	return s.media, nil
}

type historyFunc func(ctx context.Context, callID, to string) ([]signal.Envelope, error)

func (f historyFunc) History(ctx context.Context, callID, to string) ([]signal.Envelope, error) {
	return f(ctx, callID, to)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) add(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) has(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st == s {
			return true
		}
	}
	return false
}

type errRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errRecorder) add(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *errRecorder) hasIs(target error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range r.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type testRig struct {
	cfg     Config
	carrier *fakeCarrier
	link    *fakePeerLink
	media   *fakeMedia
	source  *fakeMediaSource
	states  *stateRecorder
	errs    *errRecorder
	history []signal.Envelope
	peerID  string
}

func newRig(role Role) *testRig {
	rig := &testRig{
		carrier: newFakeCarrier(),
		link:    &fakePeerLink{},
		media:   &fakeMedia{audio: true},
		states:  &stateRecorder{},
		errs:    &errRecorder{},
	}
	rig.source = &fakeMediaSource{media: rig.media}

	call := signal.Call{
		ID:        "call-1",
		CallerID:  "alice",
		CalleeID:  "bob",
		Media:     signal.MediaAudio,
		CreatedAt: time.Now(),
	}
	selfID := "alice"
	rig.peerID = "bob"
	if role == RoleResponder {
		selfID, rig.peerID = "bob", "alice"
	}

	rig.cfg = Config{
		Call:    call,
		SelfID:  selfID,
		Role:    role,
		Carrier: rig.carrier,
		History: historyFunc(func(context.Context, string, string) ([]signal.Envelope, error) {
			return rig.history, nil
		}),
		Media: rig.source,
		Link: func(_ context.Context, cb PeerLinkCallbacks) (PeerLink, error) {
			rig.link.setCallbacks(cb)
			return rig.link, nil
		},
		Events: Events{
			StateChanged: rig.states.add,
			Error:        rig.errs.add,
		},
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		GraceWindow:     40 * time.Millisecond,
		CandidateBuffer: 4,
		SendRetryBase:   2 * time.Millisecond,
		SendRetryLimit:  3,
	}
	return rig
}

func (r *testRig) start(t *testing.T) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(r.cfg)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.End("test cleanup") })
	return c
}

func (r *testRig) fromPeer(p signal.Payload) signal.Envelope {
	return signal.NewEnvelope(r.cfg.Call.ID, r.peerID, r.cfg.SelfID, p)
}

func TestInitiatorOffersOncePerRound(t *testing.T) {
	rig := newRig(RoleInitiator)
	rig.start(t)

	waitFor(t, "offer", func() bool { return len(rig.carrier.envelopes(signal.KindOffer)) == 1 })
	time.Sleep(30 * time.Millisecond)

	offers := rig.carrier.envelopes(signal.KindOffer)
	if len(offers) != 1 {
		t.Fatalf("got %d offers, want exactly 1", len(offers))
	}
	offer := offers[0].Payload.(signal.Offer)
	if offer.Round != 1 || offer.Restart {
		t.Fatalf("unexpected offer %+v", offer)
	}
}

func TestResponderAnswersOfferOnce(t *testing.T) {
	rig := newRig(RoleResponder)
	rig.start(t)

	env := rig.fromPeer(signal.Offer{SDP: "remote-offer", Round: 1})
	rig.carrier.deliver(env)
	waitFor(t, "answer", func() bool { return len(rig.carrier.envelopes(signal.KindAnswer)) == 1 })

	// Redelivery of the same envelope and a second offer for the same round
	// must both be ignored.
	rig.carrier.deliver(env)
	rig.carrier.deliver(rig.fromPeer(signal.Offer{SDP: "remote-offer-dup", Round: 1}))
	time.Sleep(30 * time.Millisecond)

	if got := len(rig.carrier.envelopes(signal.KindAnswer)); got != 1 {
		t.Fatalf("got %d answers, want 1", got)
	}
	if got := rig.link.remoteOfferCount(); got != 1 {
		t.Fatalf("remote offer applied %d times, want 1", got)
	}
	answer := rig.carrier.envelopes(signal.KindAnswer)[0].Payload.(signal.Answer)
	if answer.Round != 1 {
		t.Fatalf("answer round = %d, want 1", answer.Round)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	rig := newRig(RoleResponder)
	rig.start(t)

	var delivered []signal.Envelope
	for i := 1; i <= 3; i++ {
		env := rig.fromPeer(signal.Candidate{Candidate: fmt.Sprintf("cand-%d", i)})
		delivered = append(delivered, env)
		rig.carrier.deliver(env)
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(rig.link.appliedCandidates()); got != 0 {
		t.Fatalf("%d candidates applied before remote description", got)
	}

	rig.carrier.deliver(rig.fromPeer(signal.Offer{SDP: "remote-offer", Round: 1}))
	waitFor(t, "buffered candidates", func() bool { return len(rig.link.appliedCandidates()) == 3 })

	applied := rig.link.appliedCandidates()
	for i, cand := range applied {
		if want := fmt.Sprintf("cand-%d", i+1); cand.Candidate != want {
			t.Fatalf("candidate[%d] = %q, want %q", i, cand.Candidate, want)
		}
	}

	// Redelivered envelopes are deduplicated, not applied twice.
	for _, env := range delivered {
		rig.carrier.deliver(env)
	}
	time.Sleep(30 * time.Millisecond)
	if got := len(rig.link.appliedCandidates()); got != 3 {
		t.Fatalf("got %d applied candidates after redelivery, want 3", got)
	}
}

func TestCandidateBufferDropsOldest(t *testing.T) {
	rig := newRig(RoleResponder)
	rig.start(t)

	for i := 1; i <= 6; i++ {
		rig.carrier.deliver(rig.fromPeer(signal.Candidate{Candidate: fmt.Sprintf("cand-%d", i)}))
	}
	rig.carrier.deliver(rig.fromPeer(signal.Offer{SDP: "remote-offer", Round: 1}))
	waitFor(t, "candidates", func() bool { return len(rig.link.appliedCandidates()) == 4 })

	applied := rig.link.appliedCandidates()
	if applied[0].Candidate != "cand-3" || applied[3].Candidate != "cand-6" {
		t.Fatalf("buffer kept %q..%q, want cand-3..cand-6", applied[0].Candidate, applied[3].Candidate)
	}
}

func TestInitiatorIgnoresCompetingOffer(t *testing.T) {
	rig := newRig(RoleInitiator)
	rig.start(t)
	waitFor(t, "offer", func() bool { return len(rig.carrier.envelopes(signal.KindOffer)) == 1 })

	rig.carrier.deliver(rig.fromPeer(signal.Offer{SDP: "competing-offer", Round: 1}))
	time.Sleep(30 * time.Millisecond)

	if got := rig.link.remoteOfferCount(); got != 0 {
		t.Fatalf("competing offer applied %d times, want 0", got)
	}
	if got := len(rig.carrier.envelopes(signal.KindAnswer)); got != 0 {
		t.Fatalf("initiator sent %d answers, want 0", got)
	}
}

func TestAnswerCompletesNegotiation(t *testing.T) {
	rig := newRig(RoleInitiator)
	rig.start(t)
	waitFor(t, "offer", func() bool { return len(rig.carrier.envelopes(signal.KindOffer)) == 1 })

	rig.carrier.deliver(rig.fromPeer(signal.Answer{SDP: "remote-answer", Round: 1}))
	waitFor(t, "remote answer", func() bool {
		rig.link.mu.Lock()
		defer rig.link.mu.Unlock()
		return rig.link.remoteAnswer == "remote-answer"
	})

	// With the remote description in place, candidates apply directly.
	rig.carrier.deliver(rig.fromPeer(signal.Candidate{Candidate: "late-cand"}))
	waitFor(t, "direct candidate", func() bool { return len(rig.link.appliedCandidates()) == 1 })
}

func TestStaleAnswerIgnored(t *testing.T) {
	rig := newRig(RoleInitiator)
	rig.start(t)
	waitFor(t, "offer", func() bool { return len(rig.carrier.envelopes(signal.KindOffer)) == 1 })

	rig.carrier.deliver(rig.fromPeer(signal.Answer{SDP: "stale", Round: 7}))
	time.Sleep(30 * time.Millisecond)

	rig.link.mu.Lock()
	defer rig.link.mu.Unlock()
	if rig.link.remoteAnswer != "" {
		t.Fatalf("stale answer applied: %q", rig.link.remoteAnswer)
	}
}

func TestReconnectWithinGraceSkipsRestart(t *testing.T) {
	rig := newRig(RoleInitiator)
	c := rig.start(t)
	waitFor(t, "offer", func() bool { return len(rig.carrier.envelopes(signal.KindOffer)) == 1 })

	rig.link.linkState(LinkConnected)
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	rig.link.linkState(LinkDisconnected)
	waitFor(t, "reconnecting", func() bool { return c.State() == StateReconnecting })

	// Recover inside the grace window.
	time.Sleep(10 * time.Millisecond)
	rig.link.linkState(LinkConnected)
	waitFor(t, "reconnected", func() bool { return c.State() == StateConnected })

	// Wait past where the grace timer would have fired.
	time.Sleep(80 * time.Millisecond)
	if got := len(rig.carrier.envelopes(signal.KindOffer)); got != 1 {
		t.Fatalf("got %d offers after in-grace recovery, want 1", got)
	}
}

func TestGraceExpiryTriggersIceRestart(t *testing.T) {
	rig := newRig(RoleInitiator)
	c := rig.start(t)
	waitFor(t, "offer", func() bool { return len(rig.carrier.envelopes(signal.KindOffer)) == 1 })

	rig.link.linkState(LinkConnected)
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })
	rig.link.linkState(LinkDisconnected)

	waitFor(t, "restart offer", func() bool { return len(rig.carrier.envelopes(signal.KindOffer)) == 2 })
	offer := rig.carrier.envelopes(signal.KindOffer)[1].Payload.(signal.Offer)
	if !offer.Restart || offer.Round != 2 {
		t.Fatalf("restart offer = %+v, want restart round 2", offer)
	}
	if !rig.states.has(StateReconnecting) {
		t.Fatal("never observed reconnecting state")
	}
}

func TestResponderWaitsOutRestart(t *testing.T) {
	rig := newRig(RoleResponder)
	c := rig.start(t)

	rig.carrier.deliver(rig.fromPeer(signal.Offer{SDP: "remote-offer", Round: 1}))
	waitFor(t, "answer", func() bool { return len(rig.carrier.envelopes(signal.KindAnswer)) == 1 })

	rig.link.linkState(LinkConnected)
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })
	rig.link.linkState(LinkDisconnected)
	waitFor(t, "reconnecting", func() bool { return c.State() == StateReconnecting })

	// The responder does not originate a restart; it answers the one the
	// initiator sends after its own grace expiry.
	time.Sleep(80 * time.Millisecond)
	if got := len(rig.carrier.envelopes(signal.KindOffer)); got != 0 {
		t.Fatalf("responder sent %d offers, want 0", got)
	}
	rig.carrier.deliver(rig.fromPeer(signal.Offer{SDP: "restart-offer", Round: 2, Restart: true}))
	waitFor(t, "restart answer", func() bool { return len(rig.carrier.envelopes(signal.KindAnswer)) == 2 })
	answer := rig.carrier.envelopes(signal.KindAnswer)[1].Payload.(signal.Answer)
	if answer.Round != 2 {
		t.Fatalf("restart answer round = %d, want 2", answer.Round)
	}
}

func TestRemoteHangupClosesCall(t *testing.T) {
	rig := newRig(RoleInitiator)
	c := rig.start(t)
	waitFor(t, "offer", func() bool { return len(rig.carrier.envelopes(signal.KindOffer)) == 1 })

	rig.carrier.deliver(rig.fromPeer(signal.Hangup{Reason: "declined"}))
	waitFor(t, "closed", func() bool { return c.State() == StateClosed })

	if !rig.link.isClosed() || !rig.media.isClosed() || !rig.carrier.isClosed() {
		t.Fatal("resources not released after remote hangup")
	}
}

func TestEndSendsHangupOnce(t *testing.T) {
	rig := newRig(RoleInitiator)
	c := rig.start(t)
	waitFor(t, "offer", func() bool { return len(rig.carrier.envelopes(signal.KindOffer)) == 1 })

	if err := c.End("done"); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := c.End("done again"); err != nil {
		t.Fatalf("second End: %v", err)
	}

	hangups := rig.carrier.envelopes(signal.KindHangup)
	if len(hangups) != 1 {
		t.Fatalf("got %d hangups, want 1", len(hangups))
	}
	if reason := hangups[0].Payload.(signal.Hangup).Reason; reason != "done" {
		t.Fatalf("hangup reason = %q, want %q", reason, "done")
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s, want closed", c.State())
	}
	if !rig.link.isClosed() || !rig.media.isClosed() || !rig.carrier.isClosed() {
		t.Fatal("resources not released by End")
	}
}

func TestEndBeforeStart(t *testing.T) {
	rig := newRig(RoleInitiator)
	c, err := NewCoordinator(rig.cfg)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if err := c.End("early"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("End before Start = %v, want ErrNotStarted", err)
	}
}

func TestMediaAcquisitionFailureFailsStart(t *testing.T) {
	rig := newRig(RoleInitiator)
	rig.source.err = errors.New("camera busy")

	c, err := NewCoordinator(rig.cfg)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrMediaAcquisition) {
		t.Fatalf("Start = %v, want ErrMediaAcquisition", err)
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}
	if !rig.errs.hasIs(ErrMediaAcquisition) {
		t.Fatal("error event not emitted")
	}
}

func TestHistoryFetchErrorFailsStart(t *testing.T) {
	rig := newRig(RoleResponder)
	rig.cfg.History = historyFunc(func(context.Context, string, string) ([]signal.Envelope, error) {
		return nil, errors.New("store offline")
	})

	c, err := NewCoordinator(rig.cfg)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with broken history source")
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}
}

func TestHistoryReplayedBeforeLive(t *testing.T) {
	rig := newRig(RoleResponder)
	rig.history = []signal.Envelope{
		rig.fromPeer(signal.Candidate{Candidate: "hist-cand-1"}),
		rig.fromPeer(signal.Candidate{Candidate: "hist-cand-2"}),
		rig.fromPeer(signal.Offer{SDP: "hist-offer", Round: 1}),
	}
	rig.start(t)

	waitFor(t, "replayed answer", func() bool { return len(rig.carrier.envelopes(signal.KindAnswer)) == 1 })
	waitFor(t, "replayed candidates", func() bool { return len(rig.link.appliedCandidates()) == 2 })

	applied := rig.link.appliedCandidates()
	if applied[0].Candidate != "hist-cand-1" || applied[1].Candidate != "hist-cand-2" {
		t.Fatalf("history candidates out of order: %+v", applied)
	}
}

func TestOfferSendRetriedUntilDelivered(t *testing.T) {
	rig := newRig(RoleInitiator)
	rig.carrier.failSends = 2
	c := rig.start(t)

	waitFor(t, "retried offer", func() bool { return len(rig.carrier.envelopes(signal.KindOffer)) == 1 })
	if c.State() == StateFailed {
		t.Fatal("call failed despite transient send errors")
	}

	// The retry resends the same offer; the link is not asked for a new one.
	rig.link.mu.Lock()
	offerCalls := rig.link.offerCalls
	rig.link.mu.Unlock()
	if offerCalls != 1 {
		t.Fatalf("CreateOffer called %d times, want 1", offerCalls)
	}

	time.Sleep(30 * time.Millisecond)
	if got := len(rig.carrier.envelopes(signal.KindOffer)); got != 1 {
		t.Fatalf("got %d offers after retries settled, want 1", got)
	}
}

func TestOfferSendExhaustionFailsCall(t *testing.T) {
	rig := newRig(RoleInitiator)
	rig.carrier.failSends = -1
	c := rig.start(t)

	waitFor(t, "failed", func() bool { return c.State() == StateFailed })
	if !rig.errs.hasIs(ErrConnectionFailed) {
		t.Fatal("connection failure not emitted after retry exhaustion")
	}
	if got := len(rig.carrier.envelopes(signal.KindOffer)); got != 0 {
		t.Fatalf("carrier recorded %d offers, want 0", got)
	}
}

func TestAnswerSendRetriedUntilDelivered(t *testing.T) {
	rig := newRig(RoleResponder)
	rig.carrier.failSends = 2
	rig.start(t)

	rig.carrier.deliver(rig.fromPeer(signal.Offer{SDP: "remote-offer", Round: 1}))
	waitFor(t, "retried answer", func() bool { return len(rig.carrier.envelopes(signal.KindAnswer)) == 1 })

	// Once the retry lands, the round is marked answered: a duplicate offer
	// for it stays stale.
	rig.carrier.deliver(rig.fromPeer(signal.Offer{SDP: "remote-offer-dup", Round: 1}))
	time.Sleep(30 * time.Millisecond)
	if got := len(rig.carrier.envelopes(signal.KindAnswer)); got != 1 {
		t.Fatalf("got %d answers, want 1", got)
	}
}

func TestEndInterruptsHistoryReplay(t *testing.T) {
	rig := newRig(RoleResponder)
	rig.cfg.History = historyFunc(func(ctx context.Context, _, _ string) ([]signal.Envelope, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c, err := NewCoordinator(rig.cfg)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	startErr := make(chan error, 1)
	go func() { startErr <- c.Start(context.Background()) }()
	waitFor(t, "negotiating", func() bool { return c.State() == StateNegotiating })

	ended := make(chan error, 1)
	go func() { ended <- c.End("abandoned") }()
	select {
	case err := <-ended:
		if err != nil {
			t.Fatalf("End: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("End blocked on the history replay")
	}

	if err := <-startErr; err == nil {
		t.Fatal("Start succeeded after End cancelled the replay")
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s, want closed", c.State())
	}
	if !rig.carrier.isClosed() || !rig.media.isClosed() {
		t.Fatal("resources not released")
	}
}

func TestTransportFatalFailsCall(t *testing.T) {
	rig := newRig(RoleInitiator)
	c := rig.start(t)
	waitFor(t, "offer", func() bool { return len(rig.carrier.envelopes(signal.KindOffer)) == 1 })

	rig.carrier.fatal <- errors.New("relay unreachable")
	waitFor(t, "failed", func() bool { return c.State() == StateFailed })

	if !rig.errs.hasIs(ErrConnectionFailed) {
		t.Fatal("connection failure not emitted")
	}
}

func TestTogglesReachMedia(t *testing.T) {
	rig := newRig(RoleInitiator)
	c := rig.start(t)

	if err := c.ToggleAudio(false); err != nil {
		t.Fatalf("ToggleAudio: %v", err)
	}
	waitFor(t, "audio muted", func() bool { return !rig.media.AudioEnabled() })

	if err := c.ToggleAudio(true); err != nil {
		t.Fatalf("ToggleAudio: %v", err)
	}
	waitFor(t, "audio unmuted", func() bool { return rig.media.AudioEnabled() })
}

func TestAddVideoTrackRenegotiates(t *testing.T) {
	rig := newRig(RoleInitiator)
	c := rig.start(t)
	waitFor(t, "offer", func() bool { return len(rig.carrier.envelopes(signal.KindOffer)) == 1 })
	rig.carrier.deliver(rig.fromPeer(signal.Answer{SDP: "remote-answer", Round: 1}))
	waitFor(t, "remote answer", func() bool { return rig.link.HasRemoteDescription() })

	if err := c.AddVideoTrack(); err != nil {
		t.Fatalf("AddVideoTrack: %v", err)
	}
	waitFor(t, "renegotiation offer", func() bool { return len(rig.carrier.envelopes(signal.KindOffer)) == 2 })

	offer := rig.carrier.envelopes(signal.KindOffer)[1].Payload.(signal.Offer)
	if offer.Round != 2 || offer.Restart {
		t.Fatalf("renegotiation offer = %+v, want round 2 without restart", offer)
	}
	if !rig.media.HasVideo() {
		t.Fatal("video track not added to media")
	}
}

func TestAddVideoTrackAsResponder(t *testing.T) {
	rig := newRig(RoleResponder)
	c := rig.start(t)

	if err := c.AddVideoTrack(); err != nil {
		t.Fatalf("AddVideoTrack: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if got := len(rig.carrier.envelopes(signal.KindOffer)); got != 0 {
		t.Fatalf("responder sent %d offers, want 0", got)
	}
	if !rig.media.HasVideo() {
		t.Fatal("video track not added to media")
	}
}

func TestSendToneUsesCarrier(t *testing.T) {
	rig := newRig(RoleInitiator)
	c := rig.start(t)

	if err := c.SendTone('5'); err != nil {
		t.Fatalf("SendTone: %v", err)
	}
	rig.carrier.mu.Lock()
	defer rig.carrier.mu.Unlock()
	if len(rig.carrier.tones) != 1 || rig.carrier.tones[0] != '5' {
		t.Fatalf("tones = %q, want ['5']", string(rig.carrier.tones))
	}
}
