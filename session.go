package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/ootahi/amqpcore/internal/debug"
	"github.com/ootahi/amqpcore/internal/encoding"
	"github.com/ootahi/amqpcore/internal/frames"
)

const (
	defaultIncomingWindow = 5000
	defaultOutgoingWindow = 1000
	defaultHandleMax      = math.MaxUint16
)

// SessionOption configures a Session at creation time.
type SessionOption func(*Session) error

// SessionIncomingWindow sets the number of incoming transfer frames this
// session is willing to buffer before backing off the remote.
func SessionIncomingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		s.incomingWindow = window
		return nil
	}
}

// SessionOutgoingWindow sets the number of outgoing transfer frames this
// session will send before waiting for the remote's window to reopen.
func SessionOutgoingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		s.outgoingWindow = window
		return nil
	}
}

// SessionMaxLinks sets the maximum number of concurrently open links
// (handle-max + 1) this session will allow.
func SessionMaxLinks(n uint32) SessionOption {
	return func(s *Session) error {
		if n == 0 {
			return fmt.Errorf("amqp: session max links must be > 0")
		}
		s.handleMax = n - 1
		return nil
	}
}

// txEnvelope is a frame a link/sender/receiver wants this session to send,
// along with an optional channel to notify once the delivery it represents
// (if any) is settled.
type txEnvelope struct {
	frame frames.FrameBody
	done  chan encoding.DeliveryState
}

// Session is a single AMQP 1.0 session multiplexed onto a connection: it
// owns the transfer-id windows, allocates link handles, and routes frames
// to the links attached to it (component C4).
type Session struct {
	conn          *conn
	channel       uint16 // channel WE use when sending frames for this session
	remoteChannel uint16 // channel the peer uses, learned from their Begin

	rx chan frames.FrameBody // conn -> session mux
	tx chan txEnvelope       // links -> session mux

	allocID chan chan uint32 // links request a fresh outgoing delivery-id

	connGone chan struct{}
	connErr  error

	close        chan struct{}
	closeOnce    sync.Once
	closedLocally bool
	sentEnd      bool
	done         chan struct{}
	doneErr      error

	handleMax      uint32
	nextOutgoingID uint32
	incomingWindow uint32
	outgoingWindow uint32

	remoteIncomingWindow uint32
	remoteNextOutgoingID uint32

	nextIncomingID uint32

	nextHandle    uint32
	linksByKey    map[linkKey]*link
	linksByHandle map[uint32]*link
	remoteHandles map[uint32]*link

	unsettled map[uint32]chan encoding.DeliveryState
}

func newSession(c *conn, channel uint16) *Session {
	return &Session{
		conn:           c,
		channel:        channel,
		rx:             make(chan frames.FrameBody),
		tx:             make(chan txEnvelope),
		allocID:        make(chan chan uint32),
		connGone:       make(chan struct{}),
		close:          make(chan struct{}),
		done:           make(chan struct{}),
		incomingWindow: defaultIncomingWindow,
		outgoingWindow: defaultOutgoingWindow,
		handleMax:      defaultHandleMax,
		linksByKey:     make(map[linkKey]*link),
		linksByHandle:  make(map[uint32]*link),
		remoteHandles:  make(map[uint32]*link),
		unsettled:      make(map[uint32]chan encoding.DeliveryState),
	}
}

// begin sends the Begin performative and waits for the peer's reply. The
// reply is delivered directly onto s.rx by conn's mux (matched by
// remote-channel), so this must run before session.mux starts consuming rx.
func (s *Session) begin(ctx context.Context) error {
	beginFr := &frames.PerformBegin{
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}

	select {
	case s.conn.txFrame <- frameEnvelope{channel: s.channel, body: beginFr}:
	case <-s.conn.done:
		return s.conn.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case fr := <-s.rx:
		resp, ok := fr.(*frames.PerformBegin)
		if !ok {
			return fmt.Errorf("amqp: unexpected begin response: %#v", fr)
		}
		s.remoteNextOutgoingID = resp.NextOutgoingID
		s.remoteIncomingWindow = resp.IncomingWindow
		s.nextIncomingID = resp.NextOutgoingID
		if resp.HandleMax < s.handleMax {
			s.handleMax = resp.HandleMax
		}
		go s.mux()
		return nil
	case <-s.conn.done:
		return s.conn.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onConnDone is called exactly once, by conn's mux goroutine, when the
// connection is shutting down. connErr must be written before the channel
// closes: the close establishes happens-before for session.mux's read.
func (s *Session) onConnDone(err error) {
	s.connErr = err
	close(s.connGone)
}

// allocateHandle assigns l a local handle number and registers it for
// lookup by name (for correlating the Attach response) and by handle (for
// deallocation).
func (s *Session) allocateHandle(l *link) error {
	if uint32(len(s.linksByHandle)) > s.handleMax {
		return fmt.Errorf("amqp: session handle-max %d reached", s.handleMax)
	}
	h := s.nextHandle
	for {
		if _, inUse := s.linksByHandle[h]; !inUse {
			break
		}
		h++
	}
	s.nextHandle = h + 1
	l.handle = h
	s.linksByHandle[h] = l
	s.linksByKey[l.key] = l
	return nil
}

// deallocateHandle releases l's handle once its detach exchange completes.
func (s *Session) deallocateHandle(l *link) {
	delete(s.linksByHandle, l.handle)
	delete(s.linksByKey, l.key)
	delete(s.remoteHandles, l.remoteHandle)
}

// txFrame queues fr to be sent on this session, optionally wiring done to
// receive the eventual settlement disposition (Transfer frames only).
func (s *Session) txFrame(fr frames.FrameBody, done chan encoding.DeliveryState) error {
	select {
	case s.tx <- txEnvelope{frame: fr, done: done}:
		return nil
	case <-s.done:
		return s.doneErr
	}
}

// allocateDeliveryID reserves the next outgoing delivery-id: callers must
// request exactly one per new delivery (not per Transfer frame — continuation
// frames of a fragmented delivery carry no delivery-id at all, §2.7.5).
func (s *Session) allocateDeliveryID() (uint32, error) {
	resp := make(chan uint32, 1)
	select {
	case s.allocID <- resp:
	case <-s.done:
		return 0, s.doneErr
	}
	select {
	case id := <-resp:
		return id, nil
	case <-s.done:
		return 0, s.doneErr
	}
}

// Close ends the session, waiting for the End exchange to complete or ctx
// to be cancelled.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.close) })
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.doneErr == ErrSessionClosed {
		return nil
	}
	return s.doneErr
}

// NewSender opens a new sending link to target and returns it once the
// Attach exchange completes.
func (s *Session) NewSender(ctx context.Context, target string, opts ...SenderOption) (*Sender, error) {
	return newSender(ctx, s, target, opts...)
}

// NewReceiver opens a new receiving link from source and returns it once
// the Attach exchange completes.
func (s *Session) NewReceiver(ctx context.Context, source string, opts ...ReceiverOption) (*Receiver, error) {
	return newReceiver(ctx, s, source, opts...)
}

func oppositeRole(r encoding.Role) encoding.Role {
	if r == encoding.RoleSender {
		return encoding.RoleReceiver
	}
	return encoding.RoleSender
}

// mux is the session's single-threaded state owner.
func (s *Session) mux() {
	defer func() {
		select {
		case s.conn.delSession <- s:
		case <-s.conn.done:
		}
		close(s.done)
	}()

	for {
		select {
		case fr := <-s.rx:
			if s.handleRxFrame(fr) {
				return
			}

		case env := <-s.tx:
			s.handleTxFrame(env)

		case resp := <-s.allocID:
			id := s.nextOutgoingID
			s.nextOutgoingID++
			if s.outgoingWindow > 0 {
				s.outgoingWindow--
			}
			resp <- id

		case <-s.close:
			s.closedLocally = true
			endFr := &frames.PerformEnd{}
			select {
			case s.conn.txFrame <- frameEnvelope{channel: s.channel, body: endFr}:
				s.sentEnd = true
			case <-s.connGone:
				s.doneErr = s.connErr
				return
			}

		case <-s.connGone:
			s.doneErr = s.connErr
			return
		}
	}
}

func (s *Session) handleTxFrame(env txEnvelope) {
	if t, ok := env.frame.(*frames.PerformTransfer); ok && t.DeliveryID != nil {
		if env.done != nil && !t.Settled {
			s.unsettled[*t.DeliveryID] = env.done
		}
	}
	select {
	case s.conn.txFrame <- frameEnvelope{channel: s.channel, body: env.frame}:
	case <-s.connGone:
	}
}

// handleRxFrame processes a frame routed to this session by conn's mux.
// It returns true when the session has finished ending and mux should exit.
func (s *Session) handleRxFrame(fr frames.FrameBody) bool {
	switch f := fr.(type) {
	case *frames.PerformBegin:
		// duplicate/late Begin; nothing to do
		return false

	case *frames.PerformAttach:
		key := linkKey{name: f.Name, role: oppositeRole(f.Role)}
		l, ok := s.linksByKey[key]
		if !ok {
			// Remotely-initiated attach for a name we never requested. This
			// core does not accept dynamically-initiated links (no listener
			// role), so per §9's resolution of the deferred acceptor error
			// paths: reply with an empty Attach, then immediately Detach
			// with the appropriate condition, rather than dropping silently.
			s.rejectRemoteAttach(f)
			return false
		}
		if other, handleTaken := s.remoteHandles[f.Handle]; handleTaken && other != l {
			s.rejectRemoteAttachWithCond(f, ErrCondHandleInUse, "handle already in use")
			return false
		}
		l.remoteHandle = f.Handle
		s.remoteHandles[f.Handle] = l
		deliverToLink(l, f)
		return false

	case *frames.PerformFlow:
		if f.NextIncomingID != nil {
			s.remoteNextOutgoingID = *f.NextIncomingID + f.IncomingWindow
		}
		s.remoteIncomingWindow = f.IncomingWindow
		if f.Handle != nil {
			if l, ok := s.remoteHandles[*f.Handle]; ok {
				deliverToLink(l, f)
			} else {
				debugDrop("flow", f)
			}
		}
		return false

	case *frames.PerformTransfer:
		s.nextIncomingID++
		if s.incomingWindow > 0 {
			s.incomingWindow--
		}
		if l, ok := s.remoteHandles[f.Handle]; ok {
			deliverToLink(l, f)
		} else {
			debugDrop("transfer", f)
		}
		return false

	case *frames.PerformDisposition:
		s.handleDisposition(f)
		return false

	case *frames.PerformDetach:
		if l, ok := s.remoteHandles[f.Handle]; ok {
			deliverToLink(l, f)
		} else {
			debugDrop("detach", f)
		}
		return false

	case *frames.PerformEnd:
		if !s.sentEnd {
			select {
			case s.conn.txFrame <- frameEnvelope{channel: s.channel, body: &frames.PerformEnd{}}:
			case <-s.connGone:
			}
			s.sentEnd = true
		}
		switch {
		case f.Error != nil:
			s.doneErr = &SessionError{RemoteErr: f.Error}
		case s.closedLocally:
			s.doneErr = ErrSessionClosed
		default:
			s.doneErr = &SessionError{}
		}
		return true

	default:
		debugDrop("session", fr)
		return false
	}
}

func (s *Session) handleDisposition(f *frames.PerformDisposition) {
	last := f.First
	if f.Last != nil {
		last = *f.Last
	}
	for id := f.First; id <= last; id++ {
		if done, ok := s.unsettled[id]; ok {
			delete(s.unsettled, id)
			if done != nil {
				select {
				case done <- f.State:
				default:
				}
			}
		}
		if id == math.MaxUint32 {
			break
		}
	}
}

// deliverToLink hands fr to l's rx queue without blocking the session mux
// on a link that happens to be slow to drain it.
func deliverToLink(l *link, fr frames.FrameBody) {
	go func() { l.rx <- fr }()
}

// debugDrop records a frame that named a handle this session has no record
// of, which happens if the peer references a handle after we've already
// deallocated it (e.g. a disposition racing a detach).
func debugDrop(kind string, fr frames.FrameBody) {
	debug.Log(context.Background(), slog.LevelDebug, "dropping frame for unknown handle", slog.String("kind", kind), slog.Any("frame", fr))
}

// rejectRemoteAttach refuses a remotely-initiated attach for a link name
// this session never requested: amqp:not-found, since there is no such
// node on this side to attach to.
func (s *Session) rejectRemoteAttach(f *frames.PerformAttach) {
	s.rejectRemoteAttachWithCond(f, ErrCondNotFound, fmt.Sprintf("no link named %q", f.Name))
}

// rejectRemoteAttachWithCond emits the empty Attach + Detach(error) sequence
// mandated by §9 for a remote attach this core declines. handleRxFrame uses
// it for an unknown link name (not-found) and for a remote handle already
// bound to another link (handle-in-use).
func (s *Session) rejectRemoteAttachWithCond(f *frames.PerformAttach, cond ErrCond, desc string) {
	replyHandle, ok := s.allocateLocalHandle()
	if !ok {
		debug.Log(context.Background(), slog.LevelDebug, "cannot reject remote attach, handle space exhausted", slog.String("name", f.Name))
		return
	}
	reply := &frames.PerformAttach{
		Name:   f.Name,
		Handle: replyHandle,
		Role:   oppositeRole(f.Role),
	}
	select {
	case s.conn.txFrame <- frameEnvelope{channel: s.channel, body: reply}:
	case <-s.connGone:
		return
	}
	detach := &frames.PerformDetach{
		Handle: replyHandle,
		Closed: true,
		Error:  &encoding.Error{Condition: cond, Description: desc},
	}
	select {
	case s.conn.txFrame <- frameEnvelope{channel: s.channel, body: detach}:
	case <-s.connGone:
	}
}

// allocateLocalHandle finds the lowest handle <= handleMax not currently in
// use, for handles we assign ourselves outside the normal link-attach path
// (i.e. the reply half of a rejected remote attach).
func (s *Session) allocateLocalHandle() (uint32, bool) {
	for h := uint32(0); h <= s.handleMax; h++ {
		if _, ok := s.linksByHandle[h]; !ok {
			if _, ok := s.remoteHandles[h]; !ok {
				return h, true
			}
		}
	}
	return 0, false
}
