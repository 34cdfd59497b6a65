package encoding

import "github.com/ootahi/amqpcore/internal/buffer"

// DeliveryState is any of the terminal or non-terminal outcome composites
// carried on Transfer.State and Disposition.State (AMQP 1.0 §3.4).
type DeliveryState interface {
	deliveryState()
}

// StateReceived communicates the sender's progress through a multi-transfer
// delivery that is being resumed.
type StateReceived struct {
	SectionNumber uint32
	SectionOffset uint64
}

func (*StateReceived) deliveryState() {}

func (s *StateReceived) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReceived, []MarshalField{
		{Value: &s.SectionNumber, Omit: false},
		{Value: &s.SectionOffset, Omit: false},
	})
}

func (s *StateReceived) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateReceived,
		UnmarshalField{Field: &s.SectionNumber, HandleNull: func() error { return errorf("encoding: received.section-number is required") }},
		UnmarshalField{Field: &s.SectionOffset, HandleNull: func() error { return errorf("encoding: received.section-offset is required") }},
	)
}

// StateAccepted is the terminal outcome indicating successful processing.
type StateAccepted struct{}

func (*StateAccepted) deliveryState() {}

func (s *StateAccepted) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateAccepted, nil)
}

func (s *StateAccepted) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateAccepted)
}

// StateRejected is the terminal outcome indicating an unprocessable message.
type StateRejected struct {
	Error *Error
}

func (*StateRejected) deliveryState() {}

func (s *StateRejected) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateRejected, []MarshalField{
		{Value: s.Error, Omit: s.Error == nil},
	})
}

func (s *StateRejected) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateRejected,
		UnmarshalField{Field: &s.Error},
	)
}

// StateReleased is the terminal outcome indicating the message is returned
// to the sender's node for redelivery, without any related error.
type StateReleased struct{}

func (*StateReleased) deliveryState() {}

func (s *StateReleased) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReleased, nil)
}

func (s *StateReleased) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateReleased)
}

// StateModified is the terminal outcome indicating the message should be
// modified (and possibly redelivered) rather than simply released.
type StateModified struct {
	DeliveryFailed    bool
	UndeliverableHere bool
	MessageAnnotations map[Symbol]interface{}
}

func (*StateModified) deliveryState() {}

func (s *StateModified) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateModified, []MarshalField{
		{Value: &s.DeliveryFailed, Omit: !s.DeliveryFailed},
		{Value: &s.UndeliverableHere, Omit: !s.UndeliverableHere},
		{Value: s.MessageAnnotations, Omit: len(s.MessageAnnotations) == 0},
	})
}

func (s *StateModified) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateModified,
		UnmarshalField{Field: &s.DeliveryFailed},
		UnmarshalField{Field: &s.UndeliverableHere},
		UnmarshalField{Field: &s.MessageAnnotations},
	)
}

// Declared is the coordinator's outcome for a successful Declare request,
// carried back on the coordinator link's Disposition as the transaction id
// the sender should attach to subsequent transactional transfers.
type Declared struct {
	TxnID []byte
}

func (*Declared) deliveryState() {}

func (d *Declared) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeDeclared, []MarshalField{
		{Value: &d.TxnID, Omit: false},
	})
}

func (d *Declared) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeDeclared,
		UnmarshalField{Field: &d.TxnID, HandleNull: func() error { return errorf("encoding: declared.txn-id is required") }},
	)
}

// ResolveDeliveryState turns a generically-decoded described composite into
// the concrete DeliveryState implementation its descriptor names. Exported
// for decoding Attach.Unsettled map values, which arrive as raw
// *DescribedType since the map's Go value type is interface{}, not
// DeliveryState, so the automatic resolution in assign.go never triggers.
func ResolveDeliveryState(d *DescribedType) (DeliveryState, error) {
	return resolveDeliveryState(d)
}

// resolveDeliveryState turns a generically-decoded described composite into
// the concrete DeliveryState implementation its descriptor names. Used when
// assigning into an interface-typed field (Transfer.State, Disposition.State,
// TransactionalState.Outcome) where the static Go type can't pick the
// concrete struct for us.
func resolveDeliveryState(d *DescribedType) (DeliveryState, error) {
	var ds DeliveryState
	switch TypeCode(d.Descriptor) {
	case TypeCodeStateReceived:
		ds = &StateReceived{}
	case TypeCodeStateAccepted:
		ds = &StateAccepted{}
	case TypeCodeStateRejected:
		ds = &StateRejected{}
	case TypeCodeStateReleased:
		ds = &StateReleased{}
	case TypeCodeStateModified:
		ds = &StateModified{}
	case TypeCodeTransactionalState:
		ds = &TransactionalState{}
	case TypeCodeDeclared:
		ds = &Declared{}
	default:
		return nil, errorf("encoding: unsupported delivery-state descriptor %#x", d.Descriptor)
	}

	buf := buffer.New(nil)
	if err := d.Marshal(buf); err != nil {
		return nil, err
	}
	if err := ds.(Unmarshaler).Unmarshal(buf); err != nil {
		return nil, err
	}
	return ds, nil
}

// TransactionalState associates a delivery's outcome with an open
// transaction, per the AMQP transactions extension (§4.5).
type TransactionalState struct {
	TxnID   []byte
	Outcome DeliveryState
}

func (*TransactionalState) deliveryState() {}

func (s *TransactionalState) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeTransactionalState, []MarshalField{
		{Value: &s.TxnID, Omit: false},
		{Value: s.Outcome, Omit: s.Outcome == nil},
	})
}

func (s *TransactionalState) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeTransactionalState,
		UnmarshalField{Field: &s.TxnID, HandleNull: func() error { return errorf("encoding: transactional-state.txn-id is required") }},
		UnmarshalField{Field: &s.Outcome},
	)
}
