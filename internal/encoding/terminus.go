package encoding

import "github.com/ootahi/amqpcore/internal/buffer"

// Filter is a set of named predicates restricting which messages a source
// admits onto a link (AMQP 1.0 §3.5.8). The map value is whatever
// described-type the filter descriptor requires — left generic since no
// standard filter type is mandated by the core spec.
type Filter map[Symbol]*DescribedType

// Source describes the originating terminus of a link, carried on Attach
// (AMQP 1.0 §3.5.3).
type Source struct {
	Address               string
	Durable               Durability
	ExpiryPolicy          ExpiryPolicy
	Timeout               uint32 // seconds
	Dynamic               bool
	DynamicNodeProperties map[Symbol]interface{}
	DistributionMode      Symbol
	Filter                Filter
	DefaultOutcome        interface{}
	Outcomes              MultiSymbol
	Capabilities          MultiSymbol
}

func (s *Source) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeSource, []MarshalField{
		{Value: &s.Address, Omit: s.Address == ""},
		{Value: &s.Durable, Omit: s.Durable == DurabilityNone},
		{Value: &s.ExpiryPolicy, Omit: s.ExpiryPolicy == "" || s.ExpiryPolicy == ExpirySessionEnd},
		{Value: &s.Timeout, Omit: s.Timeout == 0},
		{Value: &s.Dynamic, Omit: !s.Dynamic},
		{Value: s.DynamicNodeProperties, Omit: len(s.DynamicNodeProperties) == 0},
		{Value: &s.DistributionMode, Omit: s.DistributionMode == ""},
		{Value: s.Filter, Omit: len(s.Filter) == 0},
		{Value: s.DefaultOutcome, Omit: s.DefaultOutcome == nil},
		{Value: &s.Outcomes, Omit: len(s.Outcomes) == 0},
		{Value: &s.Capabilities, Omit: len(s.Capabilities) == 0},
	})
}

func (s *Source) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeSource,
		UnmarshalField{Field: &s.Address},
		UnmarshalField{Field: &s.Durable},
		UnmarshalField{Field: &s.ExpiryPolicy, HandleNull: func() error { s.ExpiryPolicy = ExpirySessionEnd; return nil }},
		UnmarshalField{Field: &s.Timeout},
		UnmarshalField{Field: &s.Dynamic},
		UnmarshalField{Field: &s.DynamicNodeProperties},
		UnmarshalField{Field: &s.DistributionMode},
		UnmarshalField{Field: &s.Filter},
		UnmarshalField{Field: &s.DefaultOutcome},
		UnmarshalField{Field: &s.Outcomes},
		UnmarshalField{Field: &s.Capabilities},
	)
}

// AttachTarget is whatever an Attach's target field holds: ordinarily a
// Target, but a Coordinator when the link is a transaction control link
// (transactions extension §4.4).
type AttachTarget interface {
	attachTarget()
}

// resolveAttachTarget picks the concrete AttachTarget implementation for a
// generically-decoded described value, the same way resolveDeliveryState
// does for delivery states.
func resolveAttachTarget(d *DescribedType) (AttachTarget, error) {
	var t AttachTarget
	switch TypeCode(d.Descriptor) {
	case TypeCodeTarget:
		t = &Target{}
	case TypeCodeCoordinator:
		t = &Coordinator{}
	default:
		return nil, errorf("encoding: unsupported attach-target descriptor %#x", d.Descriptor)
	}
	buf := buffer.New(nil)
	if err := d.Marshal(buf); err != nil {
		return nil, err
	}
	if err := t.(Unmarshaler).Unmarshal(buf); err != nil {
		return nil, err
	}
	return t, nil
}

// Coordinator is the target of a transaction control link (transactions
// extension §4.4): attaching with this as the Attach's target marks the
// link as a coordinator link rather than an ordinary message link.
type Coordinator struct {
	Capabilities MultiSymbol
}

func (c *Coordinator) attachTarget() {}

func (c *Coordinator) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeCoordinator, []MarshalField{
		{Value: &c.Capabilities, Omit: len(c.Capabilities) == 0},
	})
}

func (c *Coordinator) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeCoordinator,
		UnmarshalField{Field: &c.Capabilities},
	)
}

// Target describes the terminating terminus of a link, carried on Attach
// (AMQP 1.0 §3.5.4).
type Target struct {
	Address               string
	Durable               Durability
	ExpiryPolicy          ExpiryPolicy
	Timeout               uint32 // seconds
	Dynamic               bool
	DynamicNodeProperties map[Symbol]interface{}
	Capabilities          MultiSymbol
}

func (t *Target) attachTarget() {}

func (t *Target) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeTarget, []MarshalField{
		{Value: &t.Address, Omit: t.Address == ""},
		{Value: &t.Durable, Omit: t.Durable == DurabilityNone},
		{Value: &t.ExpiryPolicy, Omit: t.ExpiryPolicy == "" || t.ExpiryPolicy == ExpirySessionEnd},
		{Value: &t.Timeout, Omit: t.Timeout == 0},
		{Value: &t.Dynamic, Omit: !t.Dynamic},
		{Value: t.DynamicNodeProperties, Omit: len(t.DynamicNodeProperties) == 0},
		{Value: &t.Capabilities, Omit: len(t.Capabilities) == 0},
	})
}

func (t *Target) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeTarget,
		UnmarshalField{Field: &t.Address},
		UnmarshalField{Field: &t.Durable},
		UnmarshalField{Field: &t.ExpiryPolicy, HandleNull: func() error { t.ExpiryPolicy = ExpirySessionEnd; return nil }},
		UnmarshalField{Field: &t.Timeout},
		UnmarshalField{Field: &t.Dynamic},
		UnmarshalField{Field: &t.DynamicNodeProperties},
		UnmarshalField{Field: &t.Capabilities},
	)
}
