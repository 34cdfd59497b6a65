package amqp

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ootahi/amqpcore/internal/buffer"
	"github.com/ootahi/amqpcore/internal/debug"
	"github.com/ootahi/amqpcore/internal/encoding"
	"github.com/ootahi/amqpcore/internal/frames"
)

const maxDeliveryTagLength = 32

// senderConfig accumulates SenderOption settings before the link's Source
// and Target descriptors are built, since several options (dynamic address,
// source address) affect both.
type senderConfig struct {
	capabilities                []encoding.Symbol
	durability                  Durability
	dynamicAddress              bool
	expiryPolicy                ExpiryPolicy
	expiryTimeout               uint32
	ignoreDispositionErrors     bool
	name                        string
	properties                  map[encoding.Symbol]interface{}
	requestedReceiverSettleMode *ReceiverSettleMode
	settlementMode              *SenderSettleMode
	sourceAddress               string
	resume                      map[string]*UnsettledMessage
}

// SenderOption configures a Sender at creation time.
type SenderOption func(*senderConfig) error

// SenderWithCapabilities advertises the given capabilities on the link's source.
func SenderWithCapabilities(capabilities ...string) SenderOption {
	return func(c *senderConfig) error {
		for _, cap := range capabilities {
			c.capabilities = append(c.capabilities, encoding.Symbol(cap))
		}
		return nil
	}
}

// SenderWithDurability requests the given durability for the link's source.
func SenderWithDurability(d Durability) SenderOption {
	return func(c *senderConfig) error {
		if d > DurabilityUnsettledState {
			return fmt.Errorf("amqp: invalid durability %d", d)
		}
		c.durability = d
		return nil
	}
}

// SenderWithDynamicAddress requests the remote assign a dynamic target address.
func SenderWithDynamicAddress() SenderOption {
	return func(c *senderConfig) error {
		c.dynamicAddress = true
		return nil
	}
}

// SenderWithExpiryPolicy sets when the link's source node's expiry timer starts.
func SenderWithExpiryPolicy(p ExpiryPolicy) SenderOption {
	return func(c *senderConfig) error {
		if err := encoding.ValidateExpiryPolicy(p); err != nil {
			return err
		}
		c.expiryPolicy = p
		return nil
	}
}

// SenderWithExpiryTimeout sets the source node's expiry timeout, in seconds.
func SenderWithExpiryTimeout(seconds uint32) SenderOption {
	return func(c *senderConfig) error {
		c.expiryTimeout = seconds
		return nil
	}
}

// SenderWithIgnoreDispositionErrors controls whether Send reports a rejected
// delivery as a *DetachError (the default) or returns the rejection's *Error
// directly. In both cases the link itself stays attached.
// Some brokers use rejection for throttling rather than a permanent error.
func SenderWithIgnoreDispositionErrors(ignore bool) SenderOption {
	return func(c *senderConfig) error {
		c.ignoreDispositionErrors = ignore
		return nil
	}
}

// SenderWithName sets the link name explicitly, overriding the random one
// generated by default. Needed for link resumption.
func SenderWithName(name string) SenderOption {
	return func(c *senderConfig) error {
		c.name = name
		return nil
	}
}

// SenderWithProperty adds a key/value pair to the link's Attach properties.
func SenderWithProperty(key string, value interface{}) SenderOption {
	return func(c *senderConfig) error {
		if key == "" {
			return fmt.Errorf("amqp: link property key must not be empty")
		}
		if c.properties == nil {
			c.properties = make(map[encoding.Symbol]interface{})
		}
		c.properties[encoding.Symbol(key)] = value
		return nil
	}
}

// SenderWithRequestedReceiverSettleMode requests a receiver settlement mode;
// attach fails if the remote does not honor it.
func SenderWithRequestedReceiverSettleMode(m ReceiverSettleMode) SenderOption {
	return func(c *senderConfig) error {
		if m > ModeSecond {
			return fmt.Errorf("amqp: invalid receiver settle mode %d", m)
		}
		c.requestedReceiverSettleMode = &m
		return nil
	}
}

// SenderWithSettlementMode requests a sender settlement mode; attach fails
// if the remote does not honor it.
func SenderWithSettlementMode(m SenderSettleMode) SenderOption {
	return func(c *senderConfig) error {
		if m > ModeMixed {
			return fmt.Errorf("amqp: invalid sender settle mode %d", m)
		}
		c.settlementMode = &m
		return nil
	}
}

// SenderWithResume reattaches the link carrying the unsettled deliveries
// from a prior attachment (usually of the same name, via SenderWithName),
// so they can be reconciled with the remote's view per the resumption
// algorithm once the Attach response arrives.
func SenderWithResume(unsettled map[string]*UnsettledMessage) SenderOption {
	return func(c *senderConfig) error {
		c.resume = unsettled
		return nil
	}
}

// SenderWithSourceAddress sets the link source's address, identifying the
// originating node on our side (informational for most brokers).
func SenderWithSourceAddress(addr string) SenderOption {
	return func(c *senderConfig) error {
		c.sourceAddress = addr
		return nil
	}
}

// Sender sends messages on a single AMQP link.
type Sender struct {
	link
	transfers chan frames.PerformTransfer // mux -> mux's own outgoing-transfer select case

	detachOnDispositionError bool

	mu              sync.Mutex // protects buf and nextDeliveryTag
	buf             buffer.Buffer
	nextDeliveryTag uint64

	// unsettledMu protects unsettled, which records deliveries sent but
	// not yet settled so they can be reconciled with the remote's view
	// on reattach (§4.3 resumption), keyed by string(delivery-tag).
	unsettledMu sync.Mutex
	unsettled   map[string]*UnsettledMessage
}

// LinkName is the name of the link used for this Sender.
func (s *Sender) LinkName() string {
	return s.key.name
}

// MaxMessageSize is the maximum size of a single message, or 0 if unlimited.
func (s *Sender) MaxMessageSize() uint64 {
	return s.maxMessageSize
}

// Address returns the link target's address.
func (s *Sender) Address() string {
	target, ok := s.target.(*frames.Target)
	if !ok || target == nil {
		return ""
	}
	return target.Address
}

func newSender(ctx context.Context, session *Session, target string, opts ...SenderOption) (*Sender, error) {
	cfg := senderConfig{}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	s := &Sender{
		link:                     newLink(session, encoding.RoleSender),
		detachOnDispositionError: !cfg.ignoreDispositionErrors,
		unsettled:                make(map[string]*UnsettledMessage),
	}
	s.target = &frames.Target{
		Address:      target,
		Durable:      cfg.durability,
		ExpiryPolicy: cfg.expiryPolicy,
		Timeout:      cfg.expiryTimeout,
		Dynamic:      cfg.dynamicAddress,
	}
	s.source = &frames.Source{Capabilities: encoding.MultiSymbol(cfg.capabilities), Address: cfg.sourceAddress}
	s.dynamicAddr = cfg.dynamicAddress
	if cfg.name != "" {
		s.key.name = cfg.name
	}
	s.properties = cfg.properties
	s.receiverSettleMode = cfg.requestedReceiverSettleMode
	s.senderSettleMode = cfg.settlementMode

	if senderSettleModeValue(s.senderSettleMode) != ModeSettled && receiverSettleModeValue(s.receiverSettleMode) == ModeSecond {
		return nil, fmt.Errorf("amqp: sender does not support exactly-once guarantee")
	}

	for tag, um := range cfg.resume {
		s.unsettled[tag] = um
	}

	var remoteUnsettled map[interface{}]interface{}
	if err := s.attach(ctx, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleSender
		if t, ok := pa.Target.(*frames.Target); ok {
			t.Dynamic = s.dynamicAddr
		}
		if len(s.unsettled) > 0 {
			pa.Unsettled = make(map[interface{}]interface{}, len(s.unsettled))
			for tag, um := range s.unsettled {
				pa.Unsettled[tag] = um.State
			}
		}
	}, func(pa *frames.PerformAttach) {
		if s.dynamicAddr {
			if t, ok := pa.Target.(*frames.Target); ok && t != nil {
				s.target.(*frames.Target).Address = t.Address
			}
		}
		remoteUnsettled = pa.Unsettled
	}); err != nil {
		return nil, err
	}

	s.transfers = make(chan frames.PerformTransfer)
	go s.mux()

	if len(s.unsettled) > 0 {
		if err := s.resumeDeliveries(ctx, remoteUnsettled); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Send sends a Message, blocking until it is sent, ctx completes, or an
// error occurs. Safe for concurrent use, though only one delivery is ever
// in flight across a single invocation's caller goroutine at a time.
func (s *Sender) Send(ctx context.Context, msg *Message) error {
	select {
	case <-s.done:
		return s.doneErr
	default:
	}

	done, tag, err := s.send(ctx, msg)
	if err != nil {
		return err
	}

	select {
	case state := <-done:
		s.settleUnsettled(tag, state)
		if rejected, ok := state.(*encoding.StateRejected); ok {
			if s.detachOnRejectDisp() {
				return &DetachError{rejected.Error}
			}
			return rejected.Error
		}
		return nil
	case <-s.done:
		return s.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settleUnsettled removes a delivery from the resumption bookkeeping once
// its final disposition arrives.
func (s *Sender) settleUnsettled(tag []byte, _ encoding.DeliveryState) {
	s.unsettledMu.Lock()
	delete(s.unsettled, string(tag))
	s.unsettledMu.Unlock()
}

func (s *Sender) send(ctx context.Context, msg *Message) (chan encoding.DeliveryState, []byte, error) {
	if len(msg.DeliveryTag) > maxDeliveryTagLength {
		return nil, nil, fmt.Errorf("amqp: delivery tag over %d bytes, got %d", maxDeliveryTagLength, len(msg.DeliveryTag))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Reset()
	if err := msg.Marshal(&s.buf); err != nil {
		return nil, nil, err
	}
	if s.maxMessageSize != 0 && uint64(s.buf.Len()) > s.maxMessageSize {
		return nil, nil, fmt.Errorf("amqp: encoded message size exceeds max of %d", s.maxMessageSize)
	}
	fullPayload := append([]byte(nil), s.buf.Bytes()...)

	deliveryID, err := s.session.allocateDeliveryID()
	if err != nil {
		return nil, nil, err
	}

	sndSettleMode := s.senderSettleMode
	senderSettled := sndSettleMode != nil && (*sndSettleMode == ModeSettled || (*sndSettleMode == ModeMixed && msg.SendSettled))

	deliveryTag := msg.DeliveryTag
	if len(deliveryTag) == 0 {
		deliveryTag = make([]byte, 8)
		binary.BigEndian.PutUint64(deliveryTag, s.nextDeliveryTag)
		s.nextDeliveryTag++
	}

	if !senderSettled {
		s.unsettledMu.Lock()
		s.unsettled[string(deliveryTag)] = &UnsettledMessage{DeliveryTag: deliveryTag, Payload: fullPayload}
		s.unsettledMu.Unlock()
	}

	const maxTransferFrameHeader = 66 // room reserved for the frame header and Transfer fields
	maxPayloadSize := int64(s.session.conn.peerMaxFrameSize) - maxTransferFrameHeader
	if maxPayloadSize <= 0 {
		maxPayloadSize = int64(s.buf.Len())
	}

	// Every frame of the delivery carries the same Done: the session
	// registers it from the first frame, the only one with a delivery-id.
	fr := frames.PerformTransfer{
		Handle:        s.handle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   deliveryTag,
		MessageFormat: &msg.Format,
		More:          s.buf.Len() > 0,
		Settled:       senderSettled,
		Done:          make(chan encoding.DeliveryState, 1),
	}

	for {
		buf, _ := s.buf.Next(maxPayloadSize)
		fr.Payload = append([]byte(nil), buf...)
		fr.More = s.buf.Len() > 0

		select {
		case s.transfers <- fr:
		case <-s.done:
			return nil, nil, s.doneErr
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}

		if !fr.More {
			if fr.Settled {
				// a settled delivery gets no disposition
				fr.Done <- nil
			}
			return fr.Done, deliveryTag, nil
		}

		// only the first frame of a delivery carries these
		fr.DeliveryID = nil
		fr.DeliveryTag = nil
		fr.MessageFormat = nil
	}
}

// Close closes the Sender and its underlying AMQP link.
func (s *Sender) Close(ctx context.Context) error {
	return s.closeLink(ctx)
}

// Unsettled returns a snapshot of deliveries sent but not yet settled, for
// passing to SenderWithResume on the next attachment of this link.
func (s *Sender) Unsettled() map[string]*UnsettledMessage {
	s.unsettledMu.Lock()
	defer s.unsettledMu.Unlock()
	out := make(map[string]*UnsettledMessage, len(s.unsettled))
	for k, v := range s.unsettled {
		out[k] = v
	}
	return out
}

// resumeDeliveries reconciles every delivery recorded in s.unsettled against
// the remote's reported Unsettled map from the Attach response, applying the
// §4.3 resumption algorithm to each.
func (s *Sender) resumeDeliveries(ctx context.Context, remoteUnsettled map[interface{}]interface{}) error {
	s.unsettledMu.Lock()
	pending := make(map[string]*UnsettledMessage, len(s.unsettled))
	for k, v := range s.unsettled {
		pending[k] = v
	}
	s.unsettledMu.Unlock()

	for tag, um := range pending {
		remote, err := decodeRemoteUnsettled(remoteUnsettled, tag)
		if err != nil {
			return err
		}

		decision := decideResumption(um.State, remote)
		switch decision.action {
		case resumptionDrop:
			if decision.settleWith != nil {
				um.State = decision.settleWith
			}
			s.unsettledMu.Lock()
			delete(s.unsettled, tag)
			s.unsettledMu.Unlock()

		case resumptionResend:
			if err := s.transmitUnsettled(ctx, um, false, 0, 0); err != nil {
				return err
			}

		case resumptionResume:
			if err := s.transmitUnsettled(ctx, um, true, decision.sectionNumber, decision.sectionOffset); err != nil {
				return err
			}

		case resumptionRestateOutcome:
			if err := s.session.txFrame(&frames.PerformDisposition{
				Role:    encoding.RoleSender,
				First:   0,
				State:   um.State,
				Settled: false,
			}, nil); err != nil {
				return &LinkError{inner: err}
			}

		case resumptionAbort:
			if err := s.transmitAbort(ctx, um); err != nil {
				return err
			}
			s.unsettledMu.Lock()
			delete(s.unsettled, tag)
			s.unsettledMu.Unlock()
		}
	}

	return nil
}

// decodeRemoteUnsettled looks up tag in the remote's Attach.Unsettled map and
// resolves its raw decoded value (a *encoding.DescribedType, since the map's
// static value type is interface{}) into a concrete DeliveryState. A missing
// entry means the remote has no record of the delivery (remote == None).
func decodeRemoteUnsettled(remoteUnsettled map[interface{}]interface{}, tag string) (encoding.DeliveryState, error) {
	raw, ok := remoteUnsettled[tag]
	if !ok || raw == nil {
		return nil, nil
	}
	if ds, ok := raw.(encoding.DeliveryState); ok {
		return ds, nil
	}
	dt, ok := raw.(*encoding.DescribedType)
	if !ok {
		return nil, fmt.Errorf("amqp: unexpected unsettled entry for delivery-tag %q: %#v", tag, raw)
	}
	return encoding.ResolveDeliveryState(dt)
}

// transmitUnsettled resends (possibly truncated) payload for a previously
// recorded delivery under a freshly allocated delivery-id, per the Resend
// and Resume rows of the resumption table.
func (s *Sender) transmitUnsettled(ctx context.Context, um *UnsettledMessage, resume bool, sectionNumber uint32, sectionOffset uint64) error {
	payload := um.Payload
	if resume {
		payload = truncatePayload(payload, sectionNumber, sectionOffset)
	}

	deliveryID, err := s.session.allocateDeliveryID()
	if err != nil {
		return err
	}

	const maxTransferFrameHeader = 66
	maxPayloadSize := int(s.session.conn.peerMaxFrameSize) - maxTransferFrameHeader
	if maxPayloadSize <= 0 {
		maxPayloadSize = len(payload)
	}

	fr := frames.PerformTransfer{
		Handle:      s.handle,
		DeliveryID:  &deliveryID,
		DeliveryTag: um.DeliveryTag,
		Resume:      resume,
		More:        len(payload) > 0,
	}

	for {
		n := maxPayloadSize
		if n > len(payload) {
			n = len(payload)
		}
		fr.Payload = payload[:n]
		payload = payload[n:]
		fr.More = len(payload) > 0
		if !fr.More {
			fr.Done = make(chan encoding.DeliveryState, 1)
		}

		select {
		case s.transfers <- fr:
		case <-s.done:
			return s.doneErr
		case <-ctx.Done():
			return ctx.Err()
		}

		if !fr.More {
			break
		}
		fr.DeliveryID = nil
		fr.DeliveryTag = nil
	}

	return nil
}

// transmitAbort sends an empty, settled, aborted transfer for a delivery
// whose local and remote progress can't be reconciled.
func (s *Sender) transmitAbort(ctx context.Context, um *UnsettledMessage) error {
	deliveryID, err := s.session.allocateDeliveryID()
	if err != nil {
		return err
	}

	fr := frames.PerformTransfer{
		Handle:      s.handle,
		DeliveryID:  &deliveryID,
		DeliveryTag: um.DeliveryTag,
		Settled:     true,
		Aborted:     true,
	}

	select {
	case s.transfers <- fr:
		return nil
	case <-s.done:
		return s.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sender) mux() {
	var detachErr *Error
	defer func() {
		s.muxClose(context.Background(), detachErr, nil, nil)
	}()

Loop:
	for {
		var outgoingTransfers chan frames.PerformTransfer
		if s.linkCredit > 0 {
			debug.Log(context.Background(), debugLevelFrames, "sender credit available", "credit", s.linkCredit, "deliveryCount", s.deliveryCount)
			outgoingTransfers = s.transfers
		}

		select {
		case fr := <-s.rx:
			if err := s.muxHandleFrame(fr); err != nil {
				s.doneErr = err
				return
			}

		case tr := <-outgoingTransfers:
			if err := s.session.txFrame(&tr, tr.Done); err != nil {
				s.doneErr = &LinkError{inner: err}
				return
			}
			if !tr.More {
				s.deliveryCount++
				s.linkCredit--
			}
			continue Loop

		case <-s.close:
			s.doneErr = &LinkError{}
			return

		case <-s.session.done:
			s.doneErr = &LinkError{inner: s.session.doneErr}
			return
		}
	}
}

// muxHandleFrame processes fr based on type.
func (s *Sender) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformFlow:
		linkCredit := *fr.LinkCredit - s.deliveryCount
		if fr.DeliveryCount != nil {
			linkCredit += *fr.DeliveryCount
		}
		s.linkCredit = linkCredit

		if !fr.Echo {
			return nil
		}

		deliveryCount := s.deliveryCount
		resp := &frames.PerformFlow{
			Handle:        &s.handle,
			DeliveryCount: &deliveryCount,
			LinkCredit:    &linkCredit,
		}
		_ = s.session.txFrame(resp, nil)

	case *frames.PerformDisposition:
		if rejected, ok := fr.State.(*encoding.StateRejected); ok && s.detachOnRejectDisp() {
			return &DetachError{rejected.Error}
		}

		if fr.Settled {
			return nil
		}

		resp := &frames.PerformDisposition{
			Role:    encoding.RoleSender,
			First:   fr.First,
			Last:    fr.Last,
			Settled: true,
		}
		_ = s.session.txFrame(resp, nil)

	default:
		return s.link.muxHandleFrame(fr)
	}

	return nil
}

func (s *Sender) detachOnRejectDisp() bool {
	return s.detachOnDispositionError && (s.receiverSettleMode == nil || *s.receiverSettleMode == ModeFirst)
}
