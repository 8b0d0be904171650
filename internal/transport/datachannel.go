package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
)

// dcLink is one established low-latency connection: an ordered reliable
// path for control envelopes and a lossy datagram path for everything else.
type dcLink interface {
	sendControl(data []byte) error
	sendLossy(data []byte) error
	close() error
}

// linkDialer establishes one link. onFrame is invoked for every inbound
// frame; onDown at most once when the link breaks.
type linkDialer func(ctx context.Context, onFrame func(data []byte, lossy bool), onDown func(err error)) (dcLink, error)

const (
	defaultSendQueueBytes = 512 * 1024
	recvBuffer            = 256
)

// DataChannelConfig tunes the low-latency carrier. Zero values take the
// defaults below.
type DataChannelConfig struct {
	CallID string
	SelfID string

	HeartbeatInterval    time.Duration
	HeartbeatMisses      int
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	MaxReconnectAttempts int
	SendQueueBytes       int

	Logger *slog.Logger
}

func (c DataChannelConfig) withDefaults() DataChannelConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = 8 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 6
	}
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = defaultSendQueueBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// DataChannelCarrier is the low-latency carrier. Control envelopes ride the
// ordered reliable channel; candidates, tones and heartbeats ride the
// unordered unreliable one, where a lost frame is cheap to resend.
//
// The carrier heartbeats the channel and reconnects with bounded
// exponential backoff when the link breaks; exhausting the attempts
// surfaces ErrDown on Fatal.
type DataChannelCarrier struct {
	cfg  DataChannelConfig
	dial linkDialer
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue *sendQueue
	fatal chan error
	tones chan rune

	recvMu     sync.Mutex
	recv       chan signal.Envelope
	recvClosed bool

	mu       sync.Mutex
	linkCond *sync.Cond
	link     dcLink
	linkGen  int
	closed   bool
	missed   int
	rtt      time.Duration
	rttValid bool

	downC chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// newDataChannelCarrier dials the initial link and starts the carrier. A
// failed initial dial returns an error so the caller can fall back.
func newDataChannelCarrier(ctx context.Context, cfg DataChannelConfig, dial linkDialer) (*DataChannelCarrier, error) {
	cfg = cfg.withDefaults()
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c := &DataChannelCarrier{
		cfg:    cfg,
		dial:   dial,
		log:    cfg.Logger.With("call", cfg.CallID, "transport", "datachannel"),
		ctx:    cctx,
		cancel: cancel,
		queue:  newSendQueue(cfg.SendQueueBytes),
		fatal:  make(chan error, 1),
		tones:  make(chan rune, 16),
		recv:   make(chan signal.Envelope, recvBuffer),
		downC:  make(chan struct{}, 1),
	}
	c.linkCond = sync.NewCond(&c.mu)

	link, err := c.dialLink(ctx, 1)
	if err != nil {
		cancel()
		return nil, err
	}
	c.link = link
	c.linkGen = 1

	c.wg.Add(3)
	go c.writeLoop()
	go c.heartbeatLoop()
	go c.superviseLoop()
	return c, nil
}

func (c *DataChannelCarrier) dialLink(ctx context.Context, gen int) (dcLink, error) {
	onFrame := func(data []byte, lossy bool) { c.handleFrame(data, lossy) }
	onDown := func(err error) { c.reportDown(gen, err) }
	return c.dial(ctx, onFrame, onDown)
}

func (c *DataChannelCarrier) Send(ctx context.Context, env signal.Envelope) error {
	if c.isClosed() {
		return ErrClosed
	}
	data, err := signal.Encode(env)
	if err != nil {
		return err
	}
	if controlKind(env.Kind()) {
		if !c.queue.Enqueue(outFrame{data: data}) {
			return ErrUnavailable
		}
		return nil
	}
	if !c.queue.Enqueue(outFrame{data: data, lossy: true}) {
		c.log.Debug("dropped lossy outbound frame", "kind", env.Kind())
	}
	return nil
}

func (c *DataChannelCarrier) SendTone(digit rune) error {
	if c.isClosed() {
		return ErrClosed
	}
	data, err := EncodeToneFrame(digit)
	if err != nil {
		return err
	}
	c.queue.Enqueue(outFrame{data: data, lossy: true})
	return nil
}

func (c *DataChannelCarrier) Receive() <-chan signal.Envelope { return c.recv }

// Tones is the inbound out-of-band tone stream.
func (c *DataChannelCarrier) Tones() <-chan rune { return c.tones }

func (c *DataChannelCarrier) RTT() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt, c.rttValid
}

func (c *DataChannelCarrier) Fatal() <-chan error { return c.fatal }

func (c *DataChannelCarrier) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		c.closed = true
		link := c.link
		c.link = nil
		c.mu.Unlock()
		c.linkCond.Broadcast()

		c.queue.Close()
		if link != nil {
			_ = link.close()
		}
		c.wg.Wait()

		c.recvMu.Lock()
		c.recvClosed = true
		close(c.recv)
		c.recvMu.Unlock()
	})
	return nil
}

func (c *DataChannelCarrier) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// reportDown marks the link of the given generation as broken and wakes the
// supervisor. Stale generations (a link we already replaced) are ignored.
func (c *DataChannelCarrier) reportDown(gen int, err error) {
	c.mu.Lock()
	if c.closed || gen != c.linkGen || c.link == nil {
		c.mu.Unlock()
		return
	}
	link := c.link
	c.link = nil
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("low-latency link down", "err", err)
	} else {
		c.log.Warn("low-latency link down")
	}
	_ = link.close()

	select {
	case c.downC <- struct{}{}:
	default:
	}
}

func (c *DataChannelCarrier) superviseLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.downC:
		}
		if !c.reconnect() {
			return
		}
	}
}

// reconnect re-dials with bounded exponential backoff. Returns false when
// the carrier should stop (closed or permanently down).
func (c *DataChannelCarrier) reconnect() bool {
	backoff := c.cfg.BackoffBase
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(backoff):
		}

		c.mu.Lock()
		gen := c.linkGen + 1
		c.mu.Unlock()

		link, err := c.dialLink(c.ctx, gen)
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				_ = link.close()
				return false
			}
			c.link = link
			c.linkGen = gen
			c.missed = 0
			c.mu.Unlock()
			c.linkCond.Broadcast()
			c.log.Info("low-latency link reestablished", "attempt", attempt)
			return true
		}
		c.log.Warn("low-latency reconnect failed", "attempt", attempt, "err", err)

		backoff *= 2
		if backoff > c.cfg.BackoffCap {
			backoff = c.cfg.BackoffCap
		}
	}

	c.log.Error("low-latency reconnect attempts exhausted")
	select {
	case c.fatal <- ErrDown:
	default:
	}
	go c.Close()
	return false
}

// waitLink blocks until a link is available or the carrier closes.
func (c *DataChannelCarrier) waitLink() (dcLink, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.link == nil && !c.closed {
		c.linkCond.Wait()
	}
	return c.link, c.linkGen
}

func (c *DataChannelCarrier) writeLoop() {
	defer c.wg.Done()
	for {
		f, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		link, gen := c.waitLink()
		if link == nil {
			return
		}

		var err error
		if f.lossy {
			err = link.sendLossy(f.data)
		} else {
			err = link.sendControl(f.data)
		}
		if err != nil {
			if f.lossy {
				c.log.Debug("lossy send failed", "err", err)
				continue
			}
			// Put the control frame back at the head so control frames
			// queued behind it stay ordered; the supervisor will bring a
			// new link up or surface a permanent failure.
			if !c.queue.Requeue(f) {
				c.log.Warn("control frame dropped after send failure", "err", err)
			}
			c.reportDown(gen, fmt.Errorf("control send: %w", err))
		}
	}
}

func (c *DataChannelCarrier) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.link == nil {
			// Already reconnecting; heartbeat resumes on the new link.
			c.mu.Unlock()
			continue
		}
		missed := c.missed
		c.missed++
		gen := c.linkGen
		c.mu.Unlock()

		if missed >= c.cfg.HeartbeatMisses {
			c.reportDown(gen, fmt.Errorf("%d consecutive heartbeats unanswered", missed))
			continue
		}

		ping := signal.NewEnvelope(c.cfg.CallID, c.cfg.SelfID, "relay", signal.Ping{
			SentAt: time.Now().UnixNano(),
		})
		data, err := signal.Encode(ping)
		if err != nil {
			continue
		}
		c.queue.Enqueue(outFrame{data: data, lossy: true})
	}
}

func (c *DataChannelCarrier) handleFrame(data []byte, lossy bool) {
	if digit, ok := ParseToneFrame(data); ok {
		select {
		case c.tones <- digit:
		default:
		}
		return
	}

	env, err := signal.Decode(data)
	if err != nil {
		c.log.Warn("dropping undecodable inbound frame", "lossy", lossy, "err", err)
		return
	}

	switch p := env.Payload.(type) {
	case signal.Pong:
		now := time.Now().UnixNano()
		c.mu.Lock()
		c.missed = 0
		if now > p.SentAt {
			c.rtt = time.Duration(now - p.SentAt)
			c.rttValid = true
		}
		c.mu.Unlock()
	case signal.Ping:
		pong := signal.NewEnvelope(env.CallID, c.cfg.SelfID, env.From, signal.Pong{SentAt: p.SentAt})
		if data, err := signal.Encode(pong); err == nil {
			c.queue.Enqueue(outFrame{data: data, lossy: true})
		}
	default:
		c.deliver(env)
	}
}

func (c *DataChannelCarrier) deliver(env signal.Envelope) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if c.recvClosed {
		return
	}
	select {
	case c.recv <- env:
	default:
		c.log.Warn("inbound envelope dropped: receiver lagging", "kind", env.Kind(), "id", env.ID)
	}
}
