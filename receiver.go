package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/ootahi/amqpcore/internal/buffer"
	"github.com/ootahi/amqpcore/internal/debug"
	"github.com/ootahi/amqpcore/internal/encoding"
	"github.com/ootahi/amqpcore/internal/frames"
	"github.com/ootahi/amqpcore/internal/queue"
)

const defaultLinkCredit = 1

// receiverConfig accumulates ReceiverOption settings before the link's
// Source descriptor is built.
type receiverConfig struct {
	capabilities                []encoding.Symbol
	credit                      uint32
	durability                  Durability
	dynamicAddress              bool
	expiryPolicy                ExpiryPolicy
	expiryTimeout               uint32
	filters                     encoding.Filter
	manualCredits               bool
	maxMessageSize              uint64
	name                        string
	properties                  map[encoding.Symbol]interface{}
	requestedSenderSettleMode   *SenderSettleMode
	settlementMode              *ReceiverSettleMode
	targetAddress               string
}

// ReceiverOption configures a Receiver at creation time.
type ReceiverOption func(*receiverConfig) error

// ReceiverWithCapabilities advertises the given capabilities on the link's source.
func ReceiverWithCapabilities(capabilities ...string) ReceiverOption {
	return func(c *receiverConfig) error {
		for _, cap := range capabilities {
			c.capabilities = append(c.capabilities, encoding.Symbol(cap))
		}
		return nil
	}
}

// ReceiverWithCredit sets the number of messages (link-credit) the receiver
// requests be buffered by the sender, issued automatically as messages are
// consumed via Receive. With ReceiverWithManualCredits nothing is issued
// automatically, but the value still sets the starting link-credit and the
// buffer size that Receiver.IssueCredit checks against.
func ReceiverWithCredit(credit uint32) ReceiverOption {
	return func(c *receiverConfig) error {
		c.credit = credit
		return nil
	}
}

// ReceiverWithDurability requests the given durability for the link's source.
func ReceiverWithDurability(d Durability) ReceiverOption {
	return func(c *receiverConfig) error {
		if d > DurabilityUnsettledState {
			return fmt.Errorf("amqp: invalid durability %d", d)
		}
		c.durability = d
		return nil
	}
}

// ReceiverWithDynamicAddress requests the remote assign a dynamic source address.
func ReceiverWithDynamicAddress() ReceiverOption {
	return func(c *receiverConfig) error {
		c.dynamicAddress = true
		return nil
	}
}

// ReceiverWithExpiryPolicy sets when the link's source node's expiry timer starts.
func ReceiverWithExpiryPolicy(p ExpiryPolicy) ReceiverOption {
	return func(c *receiverConfig) error {
		if err := encoding.ValidateExpiryPolicy(p); err != nil {
			return err
		}
		c.expiryPolicy = p
		return nil
	}
}

// ReceiverWithExpiryTimeout sets the source node's expiry timeout, in seconds.
func ReceiverWithExpiryTimeout(seconds uint32) ReceiverOption {
	return func(c *receiverConfig) error {
		c.expiryTimeout = seconds
		return nil
	}
}

// ReceiverWithFilter adds a named filter to the link's source, selecting
// which messages the sending node delivers on this link.
func ReceiverWithFilter(name string, filter *encoding.DescribedType) ReceiverOption {
	return func(c *receiverConfig) error {
		if c.filters == nil {
			c.filters = make(encoding.Filter)
		}
		c.filters[encoding.Symbol(name)] = filter
		return nil
	}
}

// ReceiverWithManualCredits disables automatic credit issuance: the caller
// must call Receiver.IssueCredit (and optionally Receiver.Drain) explicitly.
func ReceiverWithManualCredits() ReceiverOption {
	return func(c *receiverConfig) error {
		c.manualCredits = true
		return nil
	}
}

// ReceiverWithMaxMessageSize sets the largest message this receiver will accept.
func ReceiverWithMaxMessageSize(n uint64) ReceiverOption {
	return func(c *receiverConfig) error {
		c.maxMessageSize = n
		return nil
	}
}

// ReceiverWithName sets the link name explicitly, overriding the random one
// generated by default. Needed for link resumption.
func ReceiverWithName(name string) ReceiverOption {
	return func(c *receiverConfig) error {
		c.name = name
		return nil
	}
}

// ReceiverWithProperty adds a key/value pair to the link's Attach properties.
func ReceiverWithProperty(key string, value interface{}) ReceiverOption {
	return func(c *receiverConfig) error {
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

// ReceiverWithRequestedSenderSettleMode requests a sender settlement mode;
// attach fails if the remote does not honor it.
func ReceiverWithRequestedSenderSettleMode(m SenderSettleMode) ReceiverOption {
	return func(c *receiverConfig) error {
		if m > ModeMixed {
			return fmt.Errorf("amqp: invalid sender settle mode %d", m)
		}
		c.requestedSenderSettleMode = &m
		return nil
	}
}

// ReceiverWithSettlementMode requests a receiver settlement mode; attach
// fails if the remote does not honor it.
func ReceiverWithSettlementMode(m ReceiverSettleMode) ReceiverOption {
	return func(c *receiverConfig) error {
		if m > ModeSecond {
			return fmt.Errorf("amqp: invalid receiver settle mode %d", m)
		}
		c.settlementMode = &m
		return nil
	}
}

// ReceiverWithTargetAddress sets the link target's address, identifying the
// destination node on our side (informational for most brokers).
func ReceiverWithTargetAddress(addr string) ReceiverOption {
	return func(c *receiverConfig) error {
		c.targetAddress = addr
		return nil
	}
}

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	link

	manualCredits bool
	creditor      *manualCreditor

	msgBuf   *queue.Queue[Message]
	bufCap   int           // soft cap used by manualCreditor to bound IssueCredit
	msgAvail chan struct{} // signaled (non-blocking) whenever a message is enqueued

	mu        sync.Mutex
	unsettled map[string]uint32 // delivery-tag -> delivery-id, for Accept/Reject/Release/Modify

	// assembling holds the in-progress payload of a multi-frame transfer,
	// with the delivery-id, tag and format of its first frame, until a
	// frame with More=false completes it.
	assembling    []byte
	assemblingID  uint32
	assemblingTag []byte
	assemblingFmt uint32
	hasAssembling bool
}

// LinkName is the name of the link used for this Receiver.
func (r *Receiver) LinkName() string {
	return r.key.name
}

// Address returns the link source's address.
func (r *Receiver) Address() string {
	if r.source == nil {
		return ""
	}
	return r.source.Address
}

func newReceiver(ctx context.Context, session *Session, source string, opts ...ReceiverOption) (*Receiver, error) {
	cfg := receiverConfig{credit: defaultLinkCredit}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	bufSize := int(cfg.credit)
	if bufSize <= 0 {
		bufSize = defaultLinkCredit
	}

	r := &Receiver{
		link:          newLink(session, encoding.RoleReceiver),
		manualCredits: cfg.manualCredits,
		msgBuf:        queue.New[Message](bufSize),
		bufCap:        bufSize,
		msgAvail:      make(chan struct{}, 1),
		unsettled:     make(map[string]uint32),
	}
	if cfg.manualCredits {
		r.creditor = &manualCreditor{}
	}
	r.source = &frames.Source{
		Address:      source,
		Durable:      cfg.durability,
		ExpiryPolicy: cfg.expiryPolicy,
		Timeout:      cfg.expiryTimeout,
		Dynamic:      cfg.dynamicAddress,
		Capabilities: encoding.MultiSymbol(cfg.capabilities),
		Filter:       cfg.filters,
	}
	r.target = &frames.Target{Address: cfg.targetAddress}
	r.dynamicAddr = cfg.dynamicAddress
	r.maxMessageSize = cfg.maxMessageSize
	if cfg.name != "" {
		r.key.name = cfg.name
	}
	r.properties = cfg.properties
	r.senderSettleMode = cfg.requestedSenderSettleMode
	r.receiverSettleMode = cfg.settlementMode
	r.linkCredit = cfg.credit

	if err := r.attach(ctx, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleReceiver
		if pa.Source != nil {
			pa.Source.Dynamic = r.dynamicAddr
		}
	}, func(pa *frames.PerformAttach) {
		if r.dynamicAddr && pa.Source != nil {
			r.source.Address = pa.Source.Address
		}
	}); err != nil {
		return nil, err
	}

	go r.mux()

	if !r.manualCredits {
		if err := r.issueCredit(r.linkCredit, false); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Receive blocks until a message arrives, ctx completes, or the link terminates.
func (r *Receiver) Receive(ctx context.Context) (*Message, error) {
	for {
		if m := r.msgBuf.Dequeue(); m != nil {
			if !r.manualCredits {
				_ = r.issueCredit(1, false)
			}
			return m, nil
		}

		select {
		case <-r.msgAvail:
			continue
		case <-r.done:
			return nil, r.doneErr
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// IssueCredit adds credits to be requested from the sender on the next
// flow. Only valid when the receiver was created with ReceiverWithManualCredits.
func (r *Receiver) IssueCredit(credits uint32) error {
	if !r.manualCredits {
		return fmt.Errorf("amqp: IssueCredit requires ReceiverWithManualCredits")
	}
	if err := r.creditor.IssueCredit(credits, r); err != nil {
		return err
	}
	_, add := r.creditor.FlowBits()
	r.linkCredit += add
	return r.sendFlow(false)
}

// Drain requests the sender deliver any messages it already has credit for,
// then relinquish the remaining credit, and blocks until that exchange
// completes. Only valid with ReceiverWithManualCredits.
func (r *Receiver) Drain(ctx context.Context) error {
	if !r.manualCredits {
		return fmt.Errorf("amqp: Drain requires ReceiverWithManualCredits")
	}
	if err := r.sendFlow(true); err != nil {
		return err
	}
	return r.creditor.Drain(ctx, r)
}

func (r *Receiver) issueCredit(credits uint32, drain bool) error {
	if r.manualCredits {
		if err := r.creditor.IssueCredit(credits, r); err != nil {
			return err
		}
		return nil
	}
	r.linkCredit += credits
	return r.sendFlowWith(credits, drain)
}

func (r *Receiver) sendFlow(drain bool) error {
	return r.sendFlowWith(0, drain)
}

func (r *Receiver) sendFlowWith(additionalCredit uint32, drain bool) error {
	linkCredit := r.linkCredit + additionalCredit
	deliveryCount := r.deliveryCount
	fr := &frames.PerformFlow{
		Handle:         &r.handle,
		DeliveryCount:  &deliveryCount,
		LinkCredit:     &linkCredit,
		Drain:          drain,
		IncomingWindow: 2147483647,
		OutgoingWindow: 0,
	}
	return r.session.txFrame(fr, nil)
}

// Accept notifies the sender that msg was processed successfully.
func (r *Receiver) Accept(ctx context.Context, msg *Message) error {
	return r.settle(ctx, msg, &encoding.StateAccepted{})
}

// Reject notifies the sender that msg is invalid and should not be redelivered.
func (r *Receiver) Reject(ctx context.Context, msg *Message, cond *Error) error {
	return r.settle(ctx, msg, &encoding.StateRejected{Error: cond})
}

// Release notifies the sender that msg was not processed, so it may be
// redelivered to this or another receiver.
func (r *Receiver) Release(ctx context.Context, msg *Message) error {
	return r.settle(ctx, msg, &encoding.StateReleased{})
}

// Modify notifies the sender that msg was not processed, adjusting the
// delivery-failed/undeliverable-here flags used to decide if/where it's redelivered.
func (r *Receiver) Modify(ctx context.Context, msg *Message, deliveryFailed, undeliverableHere bool, annotations Annotations) error {
	return r.settle(ctx, msg, &encoding.StateModified{
		DeliveryFailed:    deliveryFailed,
		UndeliverableHere: undeliverableHere,
		MessageAnnotations: map[encoding.Symbol]interface{}(toSymbolKeyed(annotations)),
	})
}

func toSymbolKeyed(a Annotations) map[encoding.Symbol]interface{} {
	out := make(map[encoding.Symbol]interface{}, len(a))
	for k, v := range a {
		if s, ok := k.(encoding.Symbol); ok {
			out[s] = v
		} else if s, ok := k.(string); ok {
			out[encoding.Symbol(s)] = v
		}
	}
	return out
}

func (r *Receiver) settle(ctx context.Context, msg *Message, state encoding.DeliveryState) error {
	if receiverSettleModeValue(r.receiverSettleMode) == ModeFirst {
		// already settled on arrival; nothing to send
		return nil
	}
	r.mu.Lock()
	deliveryID, ok := r.unsettled[string(msg.DeliveryTag)]
	if ok {
		delete(r.unsettled, string(msg.DeliveryTag))
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("amqp: message has no recorded delivery-id, or was already settled")
	}
	fr := &frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   deliveryID,
		Settled: true,
		State:   state,
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return r.session.txFrame(fr, nil)
}

// Close closes the Receiver and its underlying AMQP link.
func (r *Receiver) Close(ctx context.Context) error {
	return r.closeLink(ctx)
}

func (r *Receiver) mux() {
	var detachErr *Error
	defer func() {
		r.muxClose(context.Background(), detachErr, nil, nil)
	}()

	for {
		select {
		case fr := <-r.rx:
			if err := r.muxHandleFrame(fr); err != nil {
				r.doneErr = err
				return
			}

		case <-r.close:
			r.doneErr = &LinkError{}
			return

		case <-r.session.done:
			r.doneErr = &LinkError{inner: r.session.doneErr}
			return
		}
	}
}

func (r *Receiver) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformTransfer:
		r.handleTransfer(fr)
		return nil

	case *frames.PerformFlow:
		if r.manualCredits && fr.Drain {
			r.creditor.EndDrain()
		}
		return nil

	default:
		return r.link.muxHandleFrame(fr)
	}
}

// handleTransfer assembles a (possibly multi-frame) transfer. Only the first
// frame of a delivery carries DeliveryID/DeliveryTag/MessageFormat; continuation
// frames (More=true on the prior frame) carry only a Payload fragment, per
// AMQP 1.0 §2.6.14.
func (r *Receiver) handleTransfer(fr *frames.PerformTransfer) {
	if r.hasAssembling {
		r.assembling = append(r.assembling, fr.Payload...)
	} else {
		var format uint32
		if fr.MessageFormat != nil {
			format = *fr.MessageFormat
		}
		r.assembling = append([]byte(nil), fr.Payload...)
		r.assemblingID = 0
		if fr.DeliveryID != nil {
			r.assemblingID = *fr.DeliveryID
		}
		r.assemblingTag = fr.DeliveryTag
		r.assemblingFmt = format
		r.hasAssembling = true
	}

	if fr.Aborted {
		r.hasAssembling = false
		r.assembling = nil
		r.assemblingTag = nil
		return
	}

	if fr.More {
		return
	}

	payload := r.assembling
	deliveryTag := r.assemblingTag
	format := r.assemblingFmt
	r.hasAssembling = false
	r.assembling = nil
	r.assemblingTag = nil

	msg := Message{DeliveryTag: deliveryTag, Format: format}
	if err := msg.Unmarshal(buffer.New(payload)); err != nil {
		debug.Log(context.Background(), debugLevelFrames, "failed to decode transfer payload", "error", err)
		return
	}

	deliveryID := r.assemblingID

	settled := receiverSettleModeValue(r.receiverSettleMode) == ModeFirst
	if !settled && !fr.Settled {
		r.mu.Lock()
		r.unsettled[string(msg.DeliveryTag)] = deliveryID
		r.mu.Unlock()
	}

	r.msgBuf.Enqueue(msg)
	select {
	case r.msgAvail <- struct{}{}:
	default:
	}

	r.deliveryCount++
	if r.linkCredit > 0 {
		r.linkCredit--
	}

	if settled && !fr.Settled {
		_ = r.session.txFrame(&frames.PerformDisposition{
			Role:    encoding.RoleReceiver,
			First:   deliveryID,
			Settled: true,
			State:   &encoding.StateAccepted{},
		}, nil)
	}
}
