package frames

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ootahi/amqpcore/internal/buffer"
	"github.com/ootahi/amqpcore/internal/encoding"
)

// Source is the originating terminus of a link, re-exported from the codec
// package so frame bodies (Attach) can reference it without every caller
// needing to import both packages.
type Source = encoding.Source

// Target is the terminating terminus of a link.
type Target = encoding.Target

// PerformOpen is the connection Open performative, AMQP 1.0 §2.7.1.
type PerformOpen struct {
	ContainerID         string // required
	Hostname            string
	MaxFrameSize        uint32 // default: 4294967295
	ChannelMax          uint16 // default: 65535
	IdleTimeout         time.Duration
	OutgoingLocales     encoding.MultiSymbol
	IncomingLocales     encoding.MultiSymbol
	OfferedCapabilities encoding.MultiSymbol
	DesiredCapabilities encoding.MultiSymbol
	Properties          map[encoding.Symbol]interface{}
}

func (o *PerformOpen) frameBody() {}

func (o *PerformOpen) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeOpen, []encoding.MarshalField{
		{Value: &o.ContainerID, Omit: false},
		{Value: &o.Hostname, Omit: o.Hostname == ""},
		{Value: &o.MaxFrameSize, Omit: o.MaxFrameSize == 4294967295},
		{Value: &o.ChannelMax, Omit: o.ChannelMax == 65535},
		{Value: (*encoding.Milliseconds)(&o.IdleTimeout), Omit: o.IdleTimeout == 0},
		{Value: &o.OutgoingLocales, Omit: len(o.OutgoingLocales) == 0},
		{Value: &o.IncomingLocales, Omit: len(o.IncomingLocales) == 0},
		{Value: &o.OfferedCapabilities, Omit: len(o.OfferedCapabilities) == 0},
		{Value: &o.DesiredCapabilities, Omit: len(o.DesiredCapabilities) == 0},
		{Value: o.Properties, Omit: len(o.Properties) == 0},
	})
}

func (o *PerformOpen) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeOpen,
		encoding.UnmarshalField{Field: &o.ContainerID, HandleNull: func() error { return fmt.Errorf("Open.ContainerID is required") }},
		encoding.UnmarshalField{Field: &o.Hostname},
		encoding.UnmarshalField{Field: &o.MaxFrameSize, HandleNull: func() error { o.MaxFrameSize = 4294967295; return nil }},
		encoding.UnmarshalField{Field: &o.ChannelMax, HandleNull: func() error { o.ChannelMax = 65535; return nil }},
		encoding.UnmarshalField{Field: (*encoding.Milliseconds)(&o.IdleTimeout)},
		encoding.UnmarshalField{Field: &o.OutgoingLocales},
		encoding.UnmarshalField{Field: &o.IncomingLocales},
		encoding.UnmarshalField{Field: &o.OfferedCapabilities},
		encoding.UnmarshalField{Field: &o.DesiredCapabilities},
		encoding.UnmarshalField{Field: &o.Properties},
	)
}

func (o *PerformOpen) String() string {
	return fmt.Sprintf("Open{ContainerID: %s, Hostname: %s, MaxFrameSize: %d, ChannelMax: %d, IdleTimeout: %v}",
		o.ContainerID, o.Hostname, o.MaxFrameSize, o.ChannelMax, o.IdleTimeout)
}

// PerformBegin is the session Begin performative, AMQP 1.0 §2.7.2.
type PerformBegin struct {
	RemoteChannel        *uint16
	NextOutgoingID       uint32 // required
	IncomingWindow       uint32 // required
	OutgoingWindow       uint32 // required
	HandleMax            uint32 // default 4294967295
	OfferedCapabilities  encoding.MultiSymbol
	DesiredCapabilities  encoding.MultiSymbol
	Properties           map[encoding.Symbol]interface{}
}

func (b *PerformBegin) frameBody() {}

func (b *PerformBegin) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeBegin, []encoding.MarshalField{
		{Value: b.RemoteChannel, Omit: b.RemoteChannel == nil},
		{Value: &b.NextOutgoingID, Omit: false},
		{Value: &b.IncomingWindow, Omit: false},
		{Value: &b.OutgoingWindow, Omit: false},
		{Value: &b.HandleMax, Omit: b.HandleMax == 4294967295},
		{Value: &b.OfferedCapabilities, Omit: len(b.OfferedCapabilities) == 0},
		{Value: &b.DesiredCapabilities, Omit: len(b.DesiredCapabilities) == 0},
		{Value: b.Properties, Omit: len(b.Properties) == 0},
	})
}

func (b *PerformBegin) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeBegin,
		encoding.UnmarshalField{Field: &b.RemoteChannel},
		encoding.UnmarshalField{Field: &b.NextOutgoingID, HandleNull: func() error { return fmt.Errorf("Begin.NextOutgoingID is required") }},
		encoding.UnmarshalField{Field: &b.IncomingWindow, HandleNull: func() error { return fmt.Errorf("Begin.IncomingWindow is required") }},
		encoding.UnmarshalField{Field: &b.OutgoingWindow, HandleNull: func() error { return fmt.Errorf("Begin.OutgoingWindow is required") }},
		encoding.UnmarshalField{Field: &b.HandleMax, HandleNull: func() error { b.HandleMax = 4294967295; return nil }},
		encoding.UnmarshalField{Field: &b.OfferedCapabilities},
		encoding.UnmarshalField{Field: &b.DesiredCapabilities},
		encoding.UnmarshalField{Field: &b.Properties},
	)
}

func (b *PerformBegin) String() string {
	return fmt.Sprintf("Begin{RemoteChannel: %s, NextOutgoingID: %d, IncomingWindow: %d, OutgoingWindow: %d, HandleMax: %d}",
		formatUint16Ptr(b.RemoteChannel), b.NextOutgoingID, b.IncomingWindow, b.OutgoingWindow, b.HandleMax)
}

func formatUint16Ptr(p *uint16) string {
	if p == nil {
		return "<nil>"
	}
	return strconv.FormatUint(uint64(*p), 10)
}

func formatUint32Ptr(p *uint32) string {
	if p == nil {
		return "<nil>"
	}
	return strconv.FormatUint(uint64(*p), 10)
}

// PerformAttach is the link Attach performative, AMQP 1.0 §2.7.3.
type PerformAttach struct {
	Name                 string // required
	Handle               uint32 // required
	Role                 encoding.Role
	SenderSettleMode     *encoding.SenderSettleMode
	ReceiverSettleMode   *encoding.ReceiverSettleMode
	Source               *Source
	Target               encoding.AttachTarget
	Unsettled            map[interface{}]interface{}
	IncompleteUnsettled  bool
	InitialDeliveryCount uint32
	MaxMessageSize       uint64
	OfferedCapabilities  encoding.MultiSymbol
	DesiredCapabilities  encoding.MultiSymbol
	Properties           map[encoding.Symbol]interface{}
}

func (a *PerformAttach) frameBody() {}

func (a *PerformAttach) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeAttach, []encoding.MarshalField{
		{Value: &a.Name, Omit: false},
		{Value: &a.Handle, Omit: false},
		{Value: &a.Role, Omit: false},
		{Value: a.SenderSettleMode, Omit: a.SenderSettleMode == nil},
		{Value: a.ReceiverSettleMode, Omit: a.ReceiverSettleMode == nil},
		{Value: a.Source, Omit: a.Source == nil},
		{Value: a.Target, Omit: a.Target == nil},
		{Value: a.Unsettled, Omit: len(a.Unsettled) == 0},
		{Value: &a.IncompleteUnsettled, Omit: !a.IncompleteUnsettled},
		{Value: &a.InitialDeliveryCount, Omit: a.Role == encoding.RoleReceiver},
		{Value: &a.MaxMessageSize, Omit: a.MaxMessageSize == 0},
		{Value: &a.OfferedCapabilities, Omit: len(a.OfferedCapabilities) == 0},
		{Value: &a.DesiredCapabilities, Omit: len(a.DesiredCapabilities) == 0},
		{Value: a.Properties, Omit: len(a.Properties) == 0},
	})
}

func (a *PerformAttach) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeAttach,
		encoding.UnmarshalField{Field: &a.Name, HandleNull: func() error { return fmt.Errorf("Attach.Name is required") }},
		encoding.UnmarshalField{Field: &a.Handle, HandleNull: func() error { return fmt.Errorf("Attach.Handle is required") }},
		encoding.UnmarshalField{Field: &a.Role, HandleNull: func() error { return fmt.Errorf("Attach.Role is required") }},
		encoding.UnmarshalField{Field: &a.SenderSettleMode},
		encoding.UnmarshalField{Field: &a.ReceiverSettleMode},
		encoding.UnmarshalField{Field: &a.Source},
		encoding.UnmarshalField{Field: &a.Target},
		encoding.UnmarshalField{Field: &a.Unsettled},
		encoding.UnmarshalField{Field: &a.IncompleteUnsettled},
		encoding.UnmarshalField{Field: &a.InitialDeliveryCount},
		encoding.UnmarshalField{Field: &a.MaxMessageSize},
		encoding.UnmarshalField{Field: &a.OfferedCapabilities},
		encoding.UnmarshalField{Field: &a.DesiredCapabilities},
		encoding.UnmarshalField{Field: &a.Properties},
	)
}

func (a *PerformAttach) String() string {
	return fmt.Sprintf("Attach{Name: %s, Handle: %d, Role: %s, Source: %v, Target: %v}",
		a.Name, a.Handle, a.Role, a.Source, a.Target)
}

// PerformFlow is the session/link Flow performative, AMQP 1.0 §2.7.4.
type PerformFlow struct {
	NextIncomingID *uint32
	IncomingWindow uint32 // required
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
	Properties     map[encoding.Symbol]interface{}
}

func (f *PerformFlow) frameBody() {}

func (f *PerformFlow) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeFlow, []encoding.MarshalField{
		{Value: f.NextIncomingID, Omit: f.NextIncomingID == nil},
		{Value: &f.IncomingWindow, Omit: false},
		{Value: &f.NextOutgoingID, Omit: false},
		{Value: &f.OutgoingWindow, Omit: false},
		{Value: f.Handle, Omit: f.Handle == nil},
		{Value: f.DeliveryCount, Omit: f.DeliveryCount == nil},
		{Value: f.LinkCredit, Omit: f.LinkCredit == nil},
		{Value: f.Available, Omit: f.Available == nil},
		{Value: &f.Drain, Omit: !f.Drain},
		{Value: &f.Echo, Omit: !f.Echo},
		{Value: f.Properties, Omit: len(f.Properties) == 0},
	})
}

func (f *PerformFlow) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeFlow,
		encoding.UnmarshalField{Field: &f.NextIncomingID},
		encoding.UnmarshalField{Field: &f.IncomingWindow, HandleNull: func() error { return fmt.Errorf("Flow.IncomingWindow is required") }},
		encoding.UnmarshalField{Field: &f.NextOutgoingID, HandleNull: func() error { return fmt.Errorf("Flow.NextOutgoingID is required") }},
		encoding.UnmarshalField{Field: &f.OutgoingWindow, HandleNull: func() error { return fmt.Errorf("Flow.OutgoingWindow is required") }},
		encoding.UnmarshalField{Field: &f.Handle},
		encoding.UnmarshalField{Field: &f.DeliveryCount},
		encoding.UnmarshalField{Field: &f.LinkCredit},
		encoding.UnmarshalField{Field: &f.Available},
		encoding.UnmarshalField{Field: &f.Drain},
		encoding.UnmarshalField{Field: &f.Echo},
		encoding.UnmarshalField{Field: &f.Properties},
	)
}

func (f *PerformFlow) String() string {
	return fmt.Sprintf("Flow{NextIncomingID: %s, IncomingWindow: %d, NextOutgoingID: %d, OutgoingWindow: %d, Handle: %s, LinkCredit: %s, Drain: %t}",
		formatUint32Ptr(f.NextIncomingID), f.IncomingWindow, f.NextOutgoingID, f.OutgoingWindow, formatUint32Ptr(f.Handle), formatUint32Ptr(f.LinkCredit), f.Drain)
}

// PerformTransfer is the link Transfer performative, AMQP 1.0 §2.7.5.
type PerformTransfer struct {
	Handle             uint32 // required
	DeliveryID         *uint32
	DeliveryTag        []byte
	MessageFormat      *uint32
	Settled            bool
	More               bool
	ReceiverSettleMode *encoding.ReceiverSettleMode
	State              encoding.DeliveryState
	Resume             bool
	Aborted            bool
	Batchable          bool
	Payload            []byte

	// Done, when set, receives the delivery's outcome: the State of the
	// peer's disposition for an unsettled delivery (the session registers
	// Done from the frame that carries the DeliveryID), or nil once the
	// sender has queued the final frame of a settled delivery.
	Done chan encoding.DeliveryState
}

func (t *PerformTransfer) frameBody() {}

func (t *PerformTransfer) Marshal(wr *buffer.Buffer) error {
	err := encoding.MarshalComposite(wr, encoding.TypeCodeTransfer, []encoding.MarshalField{
		{Value: &t.Handle, Omit: false},
		{Value: t.DeliveryID, Omit: t.DeliveryID == nil},
		{Value: &t.DeliveryTag, Omit: len(t.DeliveryTag) == 0},
		{Value: t.MessageFormat, Omit: t.MessageFormat == nil},
		{Value: &t.Settled, Omit: !t.Settled},
		{Value: &t.More, Omit: !t.More},
		{Value: t.ReceiverSettleMode, Omit: t.ReceiverSettleMode == nil},
		{Value: t.State, Omit: t.State == nil},
		{Value: &t.Resume, Omit: !t.Resume},
		{Value: &t.Aborted, Omit: !t.Aborted},
		{Value: &t.Batchable, Omit: !t.Batchable},
	})
	if err != nil {
		return err
	}
	wr.Append(t.Payload)
	return nil
}

func (t *PerformTransfer) Unmarshal(r *buffer.Buffer) error {
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeTransfer,
		encoding.UnmarshalField{Field: &t.Handle, HandleNull: func() error { return fmt.Errorf("Transfer.Handle is required") }},
		encoding.UnmarshalField{Field: &t.DeliveryID},
		encoding.UnmarshalField{Field: &t.DeliveryTag},
		encoding.UnmarshalField{Field: &t.MessageFormat},
		encoding.UnmarshalField{Field: &t.Settled},
		encoding.UnmarshalField{Field: &t.More},
		encoding.UnmarshalField{Field: &t.ReceiverSettleMode},
		encoding.UnmarshalField{Field: &t.State},
		encoding.UnmarshalField{Field: &t.Resume},
		encoding.UnmarshalField{Field: &t.Aborted},
		encoding.UnmarshalField{Field: &t.Batchable},
	)
	if err != nil {
		return err
	}
	t.Payload = append([]byte(nil), r.Bytes()...)
	return nil
}

func (t *PerformTransfer) String() string {
	return fmt.Sprintf("Transfer{Handle: %d, DeliveryID: %s, Settled: %t, More: %t, Payload: %d bytes}",
		t.Handle, formatUint32Ptr(t.DeliveryID), t.Settled, t.More, len(t.Payload))
}

// PerformDisposition is the session Disposition performative, AMQP 1.0 §2.7.6.
type PerformDisposition struct {
	Role      encoding.Role
	First     uint32 // required
	Last      *uint32
	Settled   bool
	State     encoding.DeliveryState
	Batchable bool
}

func (d *PerformDisposition) frameBody() {}

func (d *PerformDisposition) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDisposition, []encoding.MarshalField{
		{Value: &d.Role, Omit: false},
		{Value: &d.First, Omit: false},
		{Value: d.Last, Omit: d.Last == nil},
		{Value: &d.Settled, Omit: !d.Settled},
		{Value: d.State, Omit: d.State == nil},
		{Value: &d.Batchable, Omit: !d.Batchable},
	})
}

func (d *PerformDisposition) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDisposition,
		encoding.UnmarshalField{Field: &d.Role, HandleNull: func() error { return fmt.Errorf("Disposition.Role is required") }},
		encoding.UnmarshalField{Field: &d.First, HandleNull: func() error { return fmt.Errorf("Disposition.First is required") }},
		encoding.UnmarshalField{Field: &d.Last},
		encoding.UnmarshalField{Field: &d.Settled},
		encoding.UnmarshalField{Field: &d.State},
		encoding.UnmarshalField{Field: &d.Batchable},
	)
}

func (d *PerformDisposition) String() string {
	return fmt.Sprintf("Disposition{Role: %s, First: %d, Last: %s, Settled: %t, State: %v}",
		d.Role, d.First, formatUint32Ptr(d.Last), d.Settled, d.State)
}

// PerformDetach is the link Detach performative, AMQP 1.0 §2.7.7.
type PerformDetach struct {
	Handle uint32 // required
	Closed bool
	Error  *encoding.Error
}

func (d *PerformDetach) frameBody() {}

func (d *PerformDetach) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDetach, []encoding.MarshalField{
		{Value: &d.Handle, Omit: false},
		{Value: &d.Closed, Omit: !d.Closed},
		{Value: d.Error, Omit: d.Error == nil},
	})
}

func (d *PerformDetach) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDetach,
		encoding.UnmarshalField{Field: &d.Handle, HandleNull: func() error { return fmt.Errorf("Detach.Handle is required") }},
		encoding.UnmarshalField{Field: &d.Closed},
		encoding.UnmarshalField{Field: &d.Error},
	)
}

func (d *PerformDetach) String() string {
	return fmt.Sprintf("Detach{Handle: %d, Closed: %t, Error: %v}", d.Handle, d.Closed, d.Error)
}

// PerformEnd is the session End performative, AMQP 1.0 §2.7.8.
type PerformEnd struct {
	Error *encoding.Error
}

func (e *PerformEnd) frameBody() {}

func (e *PerformEnd) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeEnd, []encoding.MarshalField{
		{Value: e.Error, Omit: e.Error == nil},
	})
}

func (e *PerformEnd) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeEnd,
		encoding.UnmarshalField{Field: &e.Error},
	)
}

func (e *PerformEnd) String() string { return fmt.Sprintf("End{Error: %v}", e.Error) }

// PerformClose is the connection Close performative, AMQP 1.0 §2.7.9.
type PerformClose struct {
	Error *encoding.Error
}

func (c *PerformClose) frameBody() {}

func (c *PerformClose) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeClose, []encoding.MarshalField{
		{Value: c.Error, Omit: c.Error == nil},
	})
}

func (c *PerformClose) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeClose,
		encoding.UnmarshalField{Field: &c.Error},
	)
}

func (c *PerformClose) String() string { return fmt.Sprintf("Close{Error: %v}", c.Error) }

// ParseBody decodes a frame body from r, dispatching on the composite's
// descriptor without consuming the buffer twice.
func ParseBody(r *buffer.Buffer) (FrameBody, error) {
	if r.Len() == 0 {
		return nil, nil // keep-alive frame
	}

	code, err := encoding.PeekDescriptor(r)
	if err != nil {
		return nil, err
	}

	var body FrameBody
	switch code {
	case encoding.TypeCodeOpen:
		body = new(PerformOpen)
	case encoding.TypeCodeBegin:
		body = new(PerformBegin)
	case encoding.TypeCodeAttach:
		body = new(PerformAttach)
	case encoding.TypeCodeFlow:
		body = new(PerformFlow)
	case encoding.TypeCodeTransfer:
		body = new(PerformTransfer)
	case encoding.TypeCodeDisposition:
		body = new(PerformDisposition)
	case encoding.TypeCodeDetach:
		body = new(PerformDetach)
	case encoding.TypeCodeEnd:
		body = new(PerformEnd)
	case encoding.TypeCodeClose:
		body = new(PerformClose)
	case encoding.TypeCodeSASLMechanisms:
		body = new(SASLMechanisms)
	case encoding.TypeCodeSASLInit:
		body = new(SASLInit)
	case encoding.TypeCodeSASLChallenge:
		body = new(SASLChallenge)
	case encoding.TypeCodeSASLResponse:
		body = new(SASLResponse)
	case encoding.TypeCodeSASLOutcome:
		body = new(SASLOutcome)
	default:
		return nil, fmt.Errorf("frames: unrecognized frame body descriptor %s", code)
	}

	if err := body.(interface{ Unmarshal(*buffer.Buffer) error }).Unmarshal(r); err != nil {
		return nil, err
	}
	return body, nil
}
