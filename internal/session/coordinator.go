package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
	"github.com/chatr4661-cell/chatr-sub007/internal/transport"
)

const (
	defaultGraceWindow     = 3 * time.Second
	defaultCandidateBuffer = 64

	defaultSendRetryBase  = 500 * time.Millisecond
	defaultSendRetryLimit = 6
	sendRetryCap          = 8 * time.Second

	// hangupSendTimeout bounds the best-effort hangup notification during
	// teardown.
	hangupSendTimeout = 1 * time.Second
)

// HistorySource replays the envelopes persisted before this participant
// attached to the call. The envelope store satisfies it.
type HistorySource interface {
	History(ctx context.Context, callID, to string) ([]signal.Envelope, error)
}

// Config wires one coordinator. Carrier, History, Media and Link are
// required.
type Config struct {
	Call   signal.Call
	SelfID string
	Role   Role

	Carrier transport.Carrier
	History HistorySource
	Media   MediaSource
	Link    PeerLinkFactory

	Events Events
	Logger *slog.Logger

	// GraceWindow is how long a disconnected peer connection may sit before
	// the initiator issues an ICE restart.
	GraceWindow time.Duration

	// CandidateBuffer caps candidates held before the remote description
	// arrives. Overflow drops the oldest entry.
	CandidateBuffer int

	// SendRetryBase is the initial delay before a failed offer or answer
	// send is retried. The delay doubles per attempt up to an 8s cap;
	// exhausting SendRetryLimit attempts fails the call.
	SendRetryBase  time.Duration
	SendRetryLimit int
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = defaultGraceWindow
	}
	if c.CandidateBuffer <= 0 {
		c.CandidateBuffer = defaultCandidateBuffer
	}
	if c.SendRetryBase <= 0 {
		c.SendRetryBase = defaultSendRetryBase
	}
	if c.SendRetryLimit <= 0 {
		c.SendRetryLimit = defaultSendRetryLimit
	}
	return c
}

// Coordinator drives the signaling state machine for one participant of one
// call. All state below the cmds channel is owned by the loop goroutine;
// external callers interact through posted commands only.
type Coordinator struct {
	cfg    Config
	log    *slog.Logger
	peerID string

	state atomic.Value // State

	cmds     chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	started      atomic.Bool
	endOnce      sync.Once
	endErr       error
	teardownOnce sync.Once
	teardownErr  error

	// Loop-owned negotiation state.
	link            PeerLink
	media           LocalMedia
	round           int
	offerSentRound  int
	answerSentRound int
	pending         []signal.Candidate
	processed       map[string]struct{}
	graceTimer      *time.Timer
	graceGen        int
	retryTimer      *time.Timer
	retryGen        int
}

// NewCoordinator validates the wiring and returns an idle coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if cfg.Carrier == nil || cfg.History == nil || cfg.Media == nil || cfg.Link == nil {
		return nil, fmt.Errorf("coordinator requires carrier, history, media and link")
	}
	if cfg.Role != RoleInitiator && cfg.Role != RoleResponder {
		return nil, fmt.Errorf("unsupported role %q", cfg.Role)
	}
	peerID := cfg.Call.Peer(cfg.SelfID)
	if peerID == "" {
		return nil, fmt.Errorf("user %q is not a participant of call %q", cfg.SelfID, cfg.Call.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		log:       cfg.Logger.With("call", cfg.Call.ID, "role", cfg.Role),
		peerID:    peerID,
		cmds:      make(chan func(), 128),
		ctx:       ctx,
		cancel:    cancel,
		loopDone:  make(chan struct{}),
		round:     1,
		processed: make(map[string]struct{}),
	}
	c.state.Store(StateIdle)
	return c, nil
}

// State reports the current lifecycle phase. Safe from any goroutine.
func (c *Coordinator) State() State {
	return c.state.Load().(State)
}

func (c *Coordinator) setState(s State) {
	if c.State() == s {
		return
	}
	c.state.Store(s)
	c.log.Info("call state", "state", s)
	c.cfg.Events.emitState(s)
}

// Start acquires local media, builds the peer link and begins processing
// signals. ctx bounds the acquisition and history replay only; the session
// itself lives until End.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("call session already started")
	}

	media, err := c.cfg.Media.Acquire(ctx, c.cfg.Call.Media)
	if err != nil {
		if !errors.Is(err, ErrMediaAcquisition) {
			err = fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
		}
		return c.abortStart(err)
	}
	c.media = media

	link, err := c.cfg.Link(c.ctx, PeerLinkCallbacks{
		OnCandidate: func(cand signal.Candidate) {
			c.post(func() { c.sendCandidate(cand) })
		},
		OnStateChange: func(s LinkState) {
			c.post(func() { c.handleLinkState(s) })
		},
		OnRemoteTrack: func(t RemoteTrack) {
			c.post(func() {
				if c.cfg.Events.RemoteMediaReady != nil {
					c.cfg.Events.RemoteMediaReady(t)
				}
			})
		},
	})
	if err != nil {
		return c.abortStart(fmt.Errorf("build peer link: %w", err))
	}
	c.link = link
	if err := link.AttachMedia(media); err != nil {
		return c.abortStart(fmt.Errorf("attach local media: %w", err))
	}

	if c.cfg.Events.LocalMediaReady != nil {
		c.cfg.Events.LocalMediaReady(media)
	}
	c.setState(StateNegotiating)

	// Replay what the peer signaled before we attached. The fetch honors
	// both the caller's deadline and End. A fetch error is a hard failure:
	// treating it as an empty backlog would desynchronize the negotiation.
	hctx, hcancel := context.WithCancel(ctx)
	defer hcancel()
	stop := context.AfterFunc(c.ctx, hcancel)
	defer stop()
	history, err := c.cfg.History.History(hctx, c.cfg.Call.ID, c.cfg.SelfID)
	if err != nil {
		if c.ctx.Err() != nil {
			// End raced the replay; it owns teardown once the loop channel
			// closes.
			close(c.loopDone)
			return c.ctx.Err()
		}
		return c.abortStart(fmt.Errorf("replay signal history: %w", err))
	}

	go c.loop(history)
	return nil
}

func (c *Coordinator) abortStart(err error) error {
	c.log.Error("call start failed", "err", err)
	if c.link != nil {
		_ = c.link.Close()
	}
	if c.media != nil {
		_ = c.media.Close()
	}
	c.setState(StateFailed)
	c.cfg.Events.emitError(err)
	c.cancel()
	close(c.loopDone)
	return err
}

// End hangs up and releases everything. Idempotent; safe to call
// concurrently. Blocks until the loop has drained.
func (c *Coordinator) End(reason string) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	c.endOnce.Do(func() {
		if s := c.State(); s != StateClosed && s != StateFailed {
			env := signal.NewEnvelope(c.cfg.Call.ID, c.cfg.SelfID, c.peerID, signal.Hangup{Reason: reason})
			sctx, cancel := context.WithTimeout(context.Background(), hangupSendTimeout)
			if err := c.cfg.Carrier.Send(sctx, env); err != nil {
				c.log.Warn("hangup send failed", "err", err)
			}
			cancel()
		}
		c.cancel()
		<-c.loopDone
		c.endErr = c.teardown()
		c.setState(StateClosed)
	})
	return c.endErr
}

// ToggleAudio flips the microphone mute. No renegotiation.
func (c *Coordinator) ToggleAudio(enabled bool) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	c.post(func() { c.media.SetAudioEnabled(enabled) })
	return nil
}

// ToggleVideo flips the camera mute. No renegotiation.
func (c *Coordinator) ToggleVideo(enabled bool) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	c.post(func() { c.media.SetVideoEnabled(enabled) })
	return nil
}

// AddVideoTrack upgrades an audio call with video. The initiator
// renegotiates immediately; a responder adds the track and waits for the
// peer to renegotiate.
func (c *Coordinator) AddVideoTrack() error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	done := make(chan error, 1)
	c.post(func() {
		if err := c.media.AddVideo(); err != nil {
			done <- err
			return
		}
		if c.cfg.Role == RoleInitiator {
			c.round++
			c.ensureOffer(false)
		} else {
			c.log.Warn("video track added as responder; renegotiation is initiator-driven")
		}
		done <- nil
	})
	select {
	case err := <-done:
		return err
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// SendTone transmits a DTMF digit out of band. Best effort.
func (c *Coordinator) SendTone(digit rune) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	return c.cfg.Carrier.SendTone(digit)
}

// post hands fn to the loop. Never blocks past session shutdown.
func (c *Coordinator) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.ctx.Done():
	}
}

func (c *Coordinator) loop(history []signal.Envelope) {
	defer close(c.loopDone)

	for _, env := range history {
		c.handleEnvelope(env)
	}
	if c.cfg.Role == RoleInitiator {
		c.ensureOffer(false)
	}

	recv := c.cfg.Carrier.Receive()
	fatal := c.cfg.Carrier.Fatal()
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case env, ok := <-recv:
			if !ok {
				recv = nil
				continue
			}
			c.handleEnvelope(env)
		case err := <-fatal:
			fatal = nil
			c.fail(fmt.Errorf("%w: %v", ErrConnectionFailed, err))
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) handleEnvelope(env signal.Envelope) {
	if s := c.State(); s == StateClosed || s == StateFailed {
		return
	}
	if env.CallID != c.cfg.Call.ID || env.To != c.cfg.SelfID {
		c.log.Debug("misaddressed envelope dropped", "id", env.ID, "to", env.To)
		return
	}
	if _, seen := c.processed[env.ID]; seen {
		return
	}
	c.processed[env.ID] = struct{}{}

	switch p := env.Payload.(type) {
	case signal.Offer:
		c.handleOffer(p)
	case signal.Answer:
		c.handleAnswer(p)
	case signal.Candidate:
		c.handleCandidate(p)
	case signal.Hangup:
		c.handleHangup(p)
	case signal.Ping, signal.Pong:
		// Transport heartbeats never reach this far in normal operation;
		// drop them if a carrier leaks one through.
	default:
		c.log.Warn("envelope with unknown payload dropped", "id", env.ID)
	}
}

func (c *Coordinator) handleOffer(o signal.Offer) {
	if c.cfg.Role == RoleInitiator {
		// Glare: roles are assigned externally, so a competing offer from
		// the peer is simply discarded. The peer answers ours.
		c.log.Warn("offer received as initiator, ignoring", "round", o.Round)
		return
	}
	if o.Round <= c.answerSentRound {
		c.log.Debug("stale offer dropped", "round", o.Round)
		return
	}
	if err := c.link.SetRemoteOffer(o.SDP); err != nil {
		c.fail(fmt.Errorf("apply remote offer: %w", err))
		return
	}
	c.round = o.Round
	c.flushCandidates()

	sdp, err := c.link.CreateAnswer()
	if err != nil {
		c.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	env := signal.NewEnvelope(c.cfg.Call.ID, c.cfg.SelfID, c.peerID, signal.Answer{SDP: sdp, Round: o.Round})
	if err := c.cfg.Carrier.Send(c.ctx, env); err != nil {
		c.log.Warn("answer send failed, retrying", "round", o.Round, "err", err)
		round, restart := o.Round, o.Restart
		c.scheduleResend(env, 1, func() { c.markAnswerSent(round, restart) })
		return
	}
	c.cancelResend()
	c.markAnswerSent(o.Round, o.Restart)
}

func (c *Coordinator) markAnswerSent(round int, restart bool) {
	if round > c.answerSentRound {
		c.answerSentRound = round
	}
	c.log.Info("answer sent", "round", round, "restart", restart)
}

func (c *Coordinator) handleAnswer(a signal.Answer) {
	if c.cfg.Role != RoleInitiator || !c.link.AwaitingAnswer() {
		c.log.Debug("unsolicited answer dropped", "round", a.Round)
		return
	}
	if a.Round != c.round {
		c.log.Debug("stale answer dropped", "round", a.Round, "current", c.round)
		return
	}
	if err := c.link.SetRemoteAnswer(a.SDP); err != nil {
		c.fail(fmt.Errorf("apply remote answer: %w", err))
		return
	}
	c.flushCandidates()
}

func (c *Coordinator) handleCandidate(cand signal.Candidate) {
	if c.link.HasRemoteDescription() {
		if err := c.link.AddICECandidate(cand); err != nil {
			c.log.Warn("candidate rejected", "err", err)
		}
		return
	}
	if len(c.pending) >= c.cfg.CandidateBuffer {
		c.log.Warn("candidate buffer full, dropping oldest", "cap", c.cfg.CandidateBuffer)
		c.pending = c.pending[1:]
	}
	c.pending = append(c.pending, cand)
}

// flushCandidates applies buffered candidates in arrival order once a remote
// description exists.
func (c *Coordinator) flushCandidates() {
	for _, cand := range c.pending {
		if err := c.link.AddICECandidate(cand); err != nil {
			c.log.Warn("buffered candidate rejected", "err", err)
		}
	}
	c.pending = nil
}

func (c *Coordinator) handleHangup(h signal.Hangup) {
	c.log.Info("peer hung up", "reason", h.Reason)
	c.stopGrace()
	if err := c.teardown(); err != nil {
		c.log.Warn("teardown after hangup", "err", err)
	}
	c.setState(StateClosed)
	c.cancel()
}

// ensureOffer sends at most one offer per negotiation round, regardless of
// how many triggers race in.
func (c *Coordinator) ensureOffer(restart bool) {
	if c.offerSentRound >= c.round {
		return
	}
	sdp, err := c.link.CreateOffer(restart)
	if err != nil {
		c.fail(fmt.Errorf("create offer: %w", err))
		return
	}
	env := signal.NewEnvelope(c.cfg.Call.ID, c.cfg.SelfID, c.peerID,
		signal.Offer{SDP: sdp, Round: c.round, Restart: restart})
	if err := c.cfg.Carrier.Send(c.ctx, env); err != nil {
		c.log.Warn("offer send failed, retrying", "round", c.round, "err", err)
		round := c.round
		c.scheduleResend(env, 1, func() { c.markOfferSent(round, restart) })
		return
	}
	c.cancelResend()
	c.markOfferSent(c.round, restart)
}

func (c *Coordinator) markOfferSent(round int, restart bool) {
	if round > c.offerSentRound {
		c.offerSentRound = round
	}
	c.log.Info("offer sent", "round", round, "restart", restart)
}

// scheduleResend arms a retry for a control envelope whose send failed. On
// the fallback carrier an offer or answer the peer never received has no
// other trigger to resend it, so retries back off exponentially and
// exhaustion fails the call. A newer control send supersedes any retry in
// flight.
func (c *Coordinator) scheduleResend(env signal.Envelope, attempt int, onSent func()) {
	if attempt > c.cfg.SendRetryLimit {
		c.fail(fmt.Errorf("%w: %s undeliverable after %d attempts",
			ErrConnectionFailed, env.Kind(), c.cfg.SendRetryLimit))
		return
	}
	delay := c.cfg.SendRetryBase
	for i := 1; i < attempt && delay < sendRetryCap; i++ {
		delay *= 2
	}
	if delay > sendRetryCap {
		delay = sendRetryCap
	}
	c.cancelResend()
	gen := c.retryGen
	c.retryTimer = time.AfterFunc(delay, func() {
		c.post(func() { c.resend(env, attempt, gen, onSent) })
	})
}

func (c *Coordinator) cancelResend() {
	c.retryGen++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Coordinator) resend(env signal.Envelope, attempt, gen int, onSent func()) {
	if gen != c.retryGen {
		return
	}
	if s := c.State(); s == StateClosed || s == StateFailed {
		return
	}
	if err := c.cfg.Carrier.Send(c.ctx, env); err != nil {
		c.log.Warn("resend failed", "kind", env.Kind(), "attempt", attempt, "err", err)
		c.scheduleResend(env, attempt+1, onSent)
		return
	}
	onSent()
}

func (c *Coordinator) sendCandidate(cand signal.Candidate) {
	env := signal.NewEnvelope(c.cfg.Call.ID, c.cfg.SelfID, c.peerID, cand)
	if err := c.cfg.Carrier.Send(c.ctx, env); err != nil {
		// Lossy by design: gathering produces more.
		c.log.Debug("candidate send failed", "err", err)
	}
}

func (c *Coordinator) handleLinkState(s LinkState) {
	switch s {
	case LinkConnected:
		c.stopGrace()
		if st := c.State(); st == StateNegotiating || st == StateReconnecting {
			c.setState(StateConnected)
		}
	case LinkDisconnected:
		if c.State() != StateConnected {
			return
		}
		c.setState(StateReconnecting)
		c.armGrace()
	case LinkFailed:
		c.stopGrace()
		c.fail(fmt.Errorf("%w: peer connection failed", ErrConnectionFailed))
	case LinkClosed:
		// Local teardown; End drives the state from here.
	}
}

func (c *Coordinator) armGrace() {
	c.graceGen++
	gen := c.graceGen
	c.graceTimer = time.AfterFunc(c.cfg.GraceWindow, func() {
		c.post(func() { c.graceExpired(gen) })
	})
}

func (c *Coordinator) stopGrace() {
	c.graceGen++
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}

// graceExpired fires when a disconnection outlived the grace window. The
// generation counter discards timers that were superseded by a reconnect.
func (c *Coordinator) graceExpired(gen int) {
	if gen != c.graceGen || c.State() != StateReconnecting {
		return
	}
	if c.cfg.Role != RoleInitiator {
		c.log.Info("grace window expired, waiting for initiator restart")
		return
	}
	c.log.Info("grace window expired, restarting ice", "round", c.round+1)
	c.round++
	c.ensureOffer(true)
}

func (c *Coordinator) fail(err error) {
	if s := c.State(); s == StateFailed || s == StateClosed {
		return
	}
	c.log.Error("call failed", "err", err)
	c.stopGrace()
	c.cancelResend()
	c.setState(StateFailed)
	c.cfg.Events.emitError(err)
}

func (c *Coordinator) teardown() error {
	c.teardownOnce.Do(func() {
		if c.graceTimer != nil {
			c.graceTimer.Stop()
		}
		if c.retryTimer != nil {
			c.retryTimer.Stop()
		}
		var result *multierror.Error
		if c.link != nil {
			result = multierror.Append(result, c.link.Close())
		}
		if c.media != nil {
			result = multierror.Append(result, c.media.Close())
		}
		result = multierror.Append(result, c.cfg.Carrier.Close())
		c.teardownErr = result.ErrorOrNil()
	})
	return c.teardownErr
}
