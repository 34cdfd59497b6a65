package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ootahi/amqpcore/internal/buffer"
	"github.com/ootahi/amqpcore/internal/debug"
	"github.com/ootahi/amqpcore/internal/encoding"
	"github.com/ootahi/amqpcore/internal/frames"
	"github.com/ootahi/amqpcore/internal/shared"
)

// Default values for connection parameters, AMQP 1.0 §2.4.1/§2.4.5.
const (
	defaultMaxFrameSize = 65536
	defaultChannelMax   = 65535
	minMaxFrameSize     = 512

	debugLevelFrames = slog.LevelDebug
)

// ConnOption configures a connection at Dial/New time.
type ConnOption func(*conn) error

// ConnContainerID sets the container-id advertised in this connection's Open
// performative. Defaults to a random string if unset.
func ConnContainerID(id string) ConnOption {
	return func(c *conn) error {
		c.containerID = id
		return nil
	}
}

// ConnServerHostname sets the hostname advertised in Open, used by the
// remote to route the connection to the correct virtual host.
func ConnServerHostname(hostname string) ConnOption {
	return func(c *conn) error {
		c.hostname = hostname
		return nil
	}
}

// ConnMaxFrameSize sets the largest frame this side is willing to receive.
func ConnMaxFrameSize(n uint32) ConnOption {
	return func(c *conn) error {
		if n < minMaxFrameSize {
			return fmt.Errorf("amqp: max frame size must be >= %d", minMaxFrameSize)
		}
		c.maxFrameSize = n
		return nil
	}
}

// ConnChannelMax sets the highest channel number this side supports.
func ConnChannelMax(n uint16) ConnOption {
	return func(c *conn) error {
		c.channelMax = n
		return nil
	}
}

// ConnIdleTimeout sets the idle-timeout advertised to the remote: the
// longest period this side may go without sending a frame before the
// remote should consider the connection dead.
func ConnIdleTimeout(d time.Duration) ConnOption {
	return func(c *conn) error {
		if d < 0 {
			return fmt.Errorf("amqp: idle timeout must not be negative")
		}
		c.idleTimeout = d
		return nil
	}
}

// ConnProperty adds a key and value to the connection's Open properties.
func ConnProperty(key encoding.Symbol, value interface{}) ConnOption {
	return func(c *conn) error {
		if c.properties == nil {
			c.properties = make(map[encoding.Symbol]interface{})
		}
		c.properties[key] = value
		return nil
	}
}

// ConnSASLPlain configures the connection to negotiate the SASL PLAIN
// mechanism with the given credentials (RFC 4616).
func ConnSASLPlain(username, password string) ConnOption {
	return func(c *conn) error {
		c.saslMechanism = encoding.Symbol("PLAIN")
		c.saslInitialResponse = []byte("\x00" + username + "\x00" + password)
		return nil
	}
}

// ConnSASLAnonymous configures the connection to negotiate the SASL
// ANONYMOUS mechanism (RFC 4505).
func ConnSASLAnonymous() ConnOption {
	return func(c *conn) error {
		c.saslMechanism = encoding.Symbol("ANONYMOUS")
		c.saslInitialResponse = []byte{}
		return nil
	}
}

// ConnSASLExternal configures the connection to negotiate the SASL EXTERNAL
// mechanism, deferring to identity already established at a lower layer
// (e.g. a client TLS certificate).
func ConnSASLExternal() ConnOption {
	return func(c *conn) error {
		c.saslMechanism = encoding.Symbol("EXTERNAL")
		c.saslInitialResponse = []byte{}
		return nil
	}
}

// frameEnvelope pairs a frame body with the channel it arrived on or should
// be sent on.
type frameEnvelope struct {
	channel uint16
	body    frames.FrameBody
}

type sessionAllocReq struct {
	opts []SessionOption
	resp chan sessionAllocResp
}

type sessionAllocResp struct {
	session *Session
	err     error
}

// ErrConnClosed is returned by operations on a Client (or anything beneath
// it) after Close has been called, or after the connection has otherwise
// terminated without a more specific cause.
var ErrConnClosed = errors.New("amqp: connection closed")

// conn is a single AMQP 1.0 connection: the protocol header exchange,
// optional SASL negotiation, the Open/Close performative exchange, and a
// multiplexer that routes frames to and from the sessions it hosts
// (component C5).
type conn struct {
	net net.Conn

	containerID  string
	hostname     string
	maxFrameSize uint32
	channelMax   uint16
	idleTimeout  time.Duration
	properties   map[encoding.Symbol]interface{}

	saslMechanism       encoding.Symbol
	saslInitialResponse []byte

	peerMaxFrameSize uint32
	peerChannelMax   uint16
	peerIdleTimeout  time.Duration

	rxFrame    chan frameEnvelope // connReader -> mux
	rxErr      chan error         // connReader/connWriter -> mux (fatal I/O error, nil on clean local close)
	txFrame    chan frameEnvelope // mux -> connWriter
	newSession chan sessionAllocReq
	delSession chan *Session

	// pendingOpen/pendingOpenErr are consumed exactly once by mux to
	// deliver the peer's Open reply back to the goroutine blocked in
	// openConnection. Only ever touched from the mux goroutine itself, or
	// written once before mux starts.
	pendingOpen    chan *frames.PerformOpen
	pendingOpenErr chan error

	close     chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	doneErr   error

	localSessions  map[uint16]*Session // keyed by the channel WE use for this session
	remoteSessions map[uint16]*Session // keyed by the channel the PEER uses, learned from their Begin
	nextChannel    uint16

	wg sync.WaitGroup
}

func newConn(netConn net.Conn, opts ...ConnOption) (*conn, error) {
	c := &conn{
		net:            netConn,
		maxFrameSize:   defaultMaxFrameSize,
		channelMax:     defaultChannelMax,
		rxFrame:        make(chan frameEnvelope),
		rxErr:          make(chan error, 2),
		txFrame:        make(chan frameEnvelope),
		newSession:     make(chan sessionAllocReq),
		delSession:     make(chan *Session),
		pendingOpen:    make(chan *frames.PerformOpen, 1),
		pendingOpenErr: make(chan error, 1),
		close:          make(chan struct{}),
		done:           make(chan struct{}),
		localSessions:  make(map[uint16]*Session),
		remoteSessions: make(map[uint16]*Session),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.containerID == "" {
		c.containerID = "amqpcore-" + shared.RandString(12)
	}
	return c, nil
}

// Dial connects to addr (host:port) and performs the AMQP protocol header
// exchange, optional SASL negotiation, and Open performative exchange.
func Dial(ctx context.Context, addr string, opts ...ConnOption) (*Client, error) {
	dialer := &net.Dialer{}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "amqp: dial %s", addr)
	}
	client, err := New(ctx, netConn, opts...)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	return client, nil
}

// New creates a Client over an already-established bidirectional byte
// stream (netConn), performing the header exchange, SASL negotiation, and
// Open performative exchange.
func New(ctx context.Context, netConn net.Conn, opts ...ConnOption) (*Client, error) {
	c, err := newConn(netConn, opts...)
	if err != nil {
		return nil, err
	}

	if err := c.negotiate(ctx); err != nil {
		c.net.Close()
		return nil, err
	}

	c.wg.Add(2)
	go c.connReader()
	go c.connWriter()
	go c.mux()

	if err := c.openConnection(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return &Client{conn: c}, nil
}

// negotiate performs the protocol header exchange (and SASL, if configured)
// synchronously, before the steady-state mux/reader/writer goroutines start.
func (c *conn) negotiate(ctx context.Context) error {
	if c.saslMechanism != "" {
		if err := c.negotiateSASL(ctx); err != nil {
			return errors.Wrap(err, "amqp: sasl negotiation")
		}
	}
	return c.exchangeProtoHeader(headerAMQP)
}

var (
	headerAMQP = [8]byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}
	headerSASL = [8]byte{'A', 'M', 'Q', 'P', 3, 1, 0, 0}
)

func (c *conn) exchangeProtoHeader(want [8]byte) error {
	if _, err := c.net.Write(want[:]); err != nil {
		return errors.Wrap(err, "amqp: writing protocol header")
	}
	var got [8]byte
	if _, err := readFull(c.net, got[:]); err != nil {
		return errors.Wrap(err, "amqp: reading protocol header")
	}
	if got != want {
		return fmt.Errorf("amqp: unexpected protocol header %x", got)
	}
	return nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// errIdleTimeout is reported by connReader in place of the raw deadline
// error when a read times out because the peer went silent past its
// declared idle-timeout (§4.5), so mux can close with the matching AMQP
// condition instead of a generic I/O error.
var errIdleTimeout = errors.New("amqp: idle timeout")

// isTimeout reports whether err is a network deadline-exceeded error.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// negotiateSASL sequences the mechanisms/init/[challenge/response]*/outcome
// frames per §5.3.3. The core only sequences frames: it trusts the
// mechanism configured by ConnSASLPlain/Anonymous/External to build the
// response bytes; it performs no credential verification itself.
func (c *conn) negotiateSASL(ctx context.Context) error {
	if err := c.exchangeProtoHeader(headerSASL); err != nil {
		return err
	}

	buf := buffer.New(nil)
	for {
		fr, err := c.readSASLFrame()
		if err != nil {
			return err
		}
		switch f := fr.(type) {
		case *frames.SASLMechanisms:
			found := false
			for _, m := range f.Mechanisms {
				if m == c.saslMechanism {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("amqp: server does not support sasl mechanism %q", c.saslMechanism)
			}
			buf.Reset()
			init := &frames.SASLInit{Mechanism: c.saslMechanism, InitialResponse: c.saslInitialResponse, Hostname: c.hostname}
			if err := init.Marshal(buf); err != nil {
				return err
			}
			if err := c.writeRawFrame(frames.TypeSASL, 0, buf.Bytes()); err != nil {
				return err
			}
		case *frames.SASLChallenge:
			// the mechanisms this core ships never challenge; fail fast
			// rather than loop forever.
			return fmt.Errorf("amqp: unexpected sasl challenge for mechanism %q", c.saslMechanism)
		case *frames.SASLOutcome:
			if f.Code != frames.SASLCodeOK {
				return fmt.Errorf("amqp: sasl negotiation failed: %s", f.Code)
			}
			return nil
		default:
			return fmt.Errorf("amqp: unexpected frame during sasl negotiation: %T", fr)
		}
	}
}

func (c *conn) readSASLFrame() (frames.FrameBody, error) {
	var hdr [frames.HeaderSize]byte
	if _, err := readFull(c.net, hdr[:]); err != nil {
		return nil, err
	}
	h, err := frames.ParseHeader(buffer.New(hdr[:]))
	if err != nil {
		return nil, err
	}
	body := make([]byte, h.Size-frames.HeaderSize)
	if len(body) > 0 {
		if _, err := readFull(c.net, body); err != nil {
			return nil, err
		}
	}
	return frames.ParseBody(buffer.New(body))
}

func (c *conn) writeRawFrame(frameType uint8, channel uint16, body []byte) error {
	out := buffer.New(nil)
	h := frames.Header{Size: uint32(frames.HeaderSize + len(body)), DataOffset: 2, FrameType: frameType, Channel: channel}
	if err := h.Marshal(out); err != nil {
		return err
	}
	out.Append(body)
	_, err := c.net.Write(out.Bytes())
	return err
}

// openConnection sends Open and waits for mux to deliver the peer's Open
// reply (or a fatal connection error) on the dedicated pending channels.
func (c *conn) openConnection(ctx context.Context) error {
	open := &frames.PerformOpen{
		ContainerID:  c.containerID,
		Hostname:     c.hostname,
		MaxFrameSize: c.maxFrameSize,
		ChannelMax:   c.channelMax,
		IdleTimeout:  c.idleTimeout,
		Properties:   c.properties,
	}

	select {
	case c.txFrame <- frameEnvelope{channel: 0, body: open}:
	case <-c.done:
		return c.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case resp := <-c.pendingOpen:
		c.peerMaxFrameSize = resp.MaxFrameSize
		c.peerChannelMax = resp.ChannelMax
		c.peerIdleTimeout = resp.IdleTimeout
		return nil
	case err := <-c.pendingOpenErr:
		return err
	case <-c.done:
		return c.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends Close (if not already sent), waits up to 5 seconds for the
// peer's Close reply, and tears down the connection's goroutines.
func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.close) })
	<-c.done
	if c.doneErr == nil || errors.Is(c.doneErr, ErrConnClosed) {
		return nil
	}
	return c.doneErr
}

// connReader reads frames off the wire and forwards them to mux. It never
// touches shared connection state directly: parsing is pure, routing
// decisions belong to mux alone.
func (c *conn) connReader() {
	defer c.wg.Done()

	var hdr [frames.HeaderSize]byte
	// taken from the peer's Open as it passes through here, so the read
	// deadline never depends on openConnection's copy of the same value
	var peerIdleTimeout time.Duration
	for {
		if peerIdleTimeout > 0 {
			// §4.5: close once now - last_recv >= idle_timeout. No slack
			// multiplier - the peer already promised frames at least this
			// often, and scenario 6 relies on this bound being exact.
			c.net.SetReadDeadline(time.Now().Add(peerIdleTimeout))
		}
		if _, err := readFull(c.net, hdr[:]); err != nil {
			if peerIdleTimeout > 0 && isTimeout(err) {
				c.reportFatal(errIdleTimeout)
				return
			}
			c.reportFatal(err)
			return
		}
		h, err := frames.ParseHeader(buffer.New(hdr[:]))
		if err != nil {
			c.reportFatal(err)
			return
		}
		bodyLen := int(h.Size) - frames.HeaderSize
		var body []byte
		if bodyLen > 0 {
			body = make([]byte, bodyLen)
			if _, err := readFull(c.net, body); err != nil {
				c.reportFatal(err)
				return
			}
		}
		fb, err := frames.ParseBody(buffer.New(body))
		if err != nil {
			c.reportFatal(err)
			return
		}
		if fb == nil {
			debug.Log(context.Background(), debugLevelFrames, "received keep-alive")
			continue // keep-alive frame, nothing to dispatch
		}
		if open, ok := fb.(*frames.PerformOpen); ok {
			peerIdleTimeout = open.IdleTimeout
		}
		select {
		case c.rxFrame <- frameEnvelope{channel: h.Channel, body: fb}:
		case <-c.done:
			return
		}
	}
}

func (c *conn) reportFatal(err error) {
	select {
	case c.rxErr <- err:
	case <-c.done:
	}
}

// connWriter serializes frameEnvelopes it receives from mux onto the wire,
// and emits an empty keep-alive frame at half the advertised idle-timeout.
func (c *conn) connWriter() {
	defer c.wg.Done()

	var tickC <-chan time.Time
	if c.idleTimeout > 0 {
		tick := time.NewTicker(c.idleTimeout / 2)
		defer tick.Stop()
		tickC = tick.C
	}

	buf := buffer.New(nil)
	for {
		select {
		case env := <-c.txFrame:
			buf.Reset()
			if err := env.body.(interface{ Marshal(*buffer.Buffer) error }).Marshal(buf); err != nil {
				c.reportFatal(err)
				return
			}
			if err := c.writeRawFrame(frames.TypeAMQP, env.channel, buf.Bytes()); err != nil {
				c.reportFatal(err)
				return
			}
		case <-tickC:
			if err := c.writeRawFrame(frames.TypeAMQP, 0, nil); err != nil {
				c.reportFatal(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// mux is the connection's single-threaded state owner: it routes frames to
// sessions, answers NewSession requests, negotiates Open/Close, and
// terminates the connection and every session it hosts when it exits.
func (c *conn) mux() {
	defer close(c.done)
	defer c.net.Close()

	for {
		select {
		case env := <-c.rxFrame:
			if stop := c.handleRx(env); stop {
				c.shutdownSessions(c.doneErr)
				return
			}

		case req := <-c.newSession:
			c.handleNewSession(req)

		case s := <-c.delSession:
			delete(c.localSessions, s.channel)
			delete(c.remoteSessions, s.remoteChannel)

		case err := <-c.rxErr:
			switch {
			case err == errIdleTimeout:
				amqpErr := &encoding.Error{
					Condition:   ErrCondResourceLimitExceeded,
					Description: "no frame received within idle-timeout",
				}
				c.doneErr = amqpErr
				select {
				case c.txFrame <- frameEnvelope{channel: 0, body: &frames.PerformClose{Error: amqpErr}}:
				case <-time.After(5 * time.Second):
				}
			case err != nil:
				c.doneErr = errors.Wrap(err, "amqp: connection I/O error")
			default:
				c.doneErr = ErrConnClosed
			}
			c.shutdownSessions(c.doneErr)
			return

		case <-c.close:
			select {
			case c.txFrame <- frameEnvelope{channel: 0, body: &frames.PerformClose{}}:
			case <-time.After(5 * time.Second):
			}
			// wait a bounded time for the peer's Close; other frames that
			// arrive meanwhile are dropped
			closeTimeout := time.After(5 * time.Second)
		waitClose:
			for {
				select {
				case env := <-c.rxFrame:
					if _, ok := env.body.(*frames.PerformClose); ok {
						break waitClose
					}
				case <-c.rxErr:
					break waitClose
				case <-closeTimeout:
					break waitClose
				}
			}
			c.doneErr = ErrConnClosed
			c.shutdownSessions(c.doneErr)
			return
		}
	}
}

func (c *conn) shutdownSessions(err error) {
	for _, s := range c.localSessions {
		s.onConnDone(err)
	}
}

func (c *conn) handleNewSession(req sessionAllocReq) {
	if len(c.localSessions) >= int(c.channelMax)+1 {
		req.resp <- sessionAllocResp{err: fmt.Errorf("amqp: channel-max %d reached", c.channelMax)}
		return
	}
	channel := c.nextChannel
	for {
		if _, inUse := c.localSessions[channel]; !inUse {
			break
		}
		channel++
	}
	c.nextChannel = channel + 1

	s := newSession(c, channel)
	for _, opt := range req.opts {
		if err := opt(s); err != nil {
			req.resp <- sessionAllocResp{err: err}
			return
		}
	}
	c.localSessions[channel] = s
	req.resp <- sessionAllocResp{session: s}
}

// handleRx routes one received frame and reports whether mux should now
// shut the connection (and all its sessions) down.
func (c *conn) handleRx(env frameEnvelope) bool {
	switch body := env.body.(type) {
	case *frames.PerformOpen:
		select {
		case c.pendingOpen <- body:
		default:
		}
		return false

	case *frames.PerformClose:
		c.doneErr = ErrConnClosed
		if body.Error != nil {
			c.doneErr = body.Error
		}
		select {
		case c.txFrame <- frameEnvelope{channel: 0, body: &frames.PerformClose{}}:
		case <-time.After(time.Second):
		}
		return true
	}

	// Forwarding happens in a goroutine so a session that's momentarily
	// blocked sending to conn (e.g. on c.txFrame) can never deadlock mux.
	if s, ok := c.remoteSessions[env.channel]; ok {
		go func() { s.rx <- env.body }()
		return false
	}
	if begin, ok := env.body.(*frames.PerformBegin); ok && begin.RemoteChannel != nil {
		if s, ok := c.localSessions[*begin.RemoteChannel]; ok {
			s.remoteChannel = env.channel
			c.remoteSessions[env.channel] = s
			go func() { s.rx <- begin }()
			return false
		}
	}
	debug.Log(context.Background(), debugLevelFrames, "dropping frame for unknown channel", "channel", env.channel, "frame", env.body)
	return false
}
