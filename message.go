package amqp

import (
	"fmt"
	"time"

	"github.com/ootahi/amqpcore/internal/buffer"
	"github.com/ootahi/amqpcore/internal/encoding"
)

// MessageHeader carries transport/delivery metadata that is not part of the
// message's application content, AMQP 1.0 §3.2.1.
type MessageHeader struct {
	Durable       bool
	Priority      uint8
	TTL           time.Duration // 0 means unset; library ceiling is ~49 days (uint32 ms)
	FirstAcquirer bool
	DeliveryCount uint32
}

func (h *MessageHeader) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageHeader, []encoding.MarshalField{
		{Value: &h.Durable, Omit: !h.Durable},
		{Value: &h.Priority, Omit: h.Priority == 4},
		{Value: (*encoding.Milliseconds)(&h.TTL), Omit: h.TTL == 0},
		{Value: &h.FirstAcquirer, Omit: !h.FirstAcquirer},
		{Value: &h.DeliveryCount, Omit: h.DeliveryCount == 0},
	})
}

func (h *MessageHeader) unmarshal(r *buffer.Buffer) error {
	h.Priority = 4
	return encoding.UnmarshalComposite(r, encoding.TypeCodeMessageHeader,
		encoding.UnmarshalField{Field: &h.Durable},
		encoding.UnmarshalField{Field: &h.Priority},
		encoding.UnmarshalField{Field: (*encoding.Milliseconds)(&h.TTL)},
		encoding.UnmarshalField{Field: &h.FirstAcquirer},
		encoding.UnmarshalField{Field: &h.DeliveryCount},
	)
}

// MessageProperties carries the immutable, application-meaningful message
// metadata defined by the core spec, AMQP 1.0 §3.2.4.
type MessageProperties struct {
	MessageID          interface{}
	UserID             []byte
	To                 string
	Subject            string
	ReplyTo            string
	CorrelationID      interface{}
	ContentType        Symbol
	ContentEncoding    Symbol
	AbsoluteExpiryTime time.Time
	CreationTime       time.Time
	GroupID            string
	GroupSequence      uint32
	ReplyToGroupID     string
}

func (p *MessageProperties) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageProperties, []encoding.MarshalField{
		{Value: p.MessageID, Omit: p.MessageID == nil},
		{Value: &p.UserID, Omit: len(p.UserID) == 0},
		{Value: &p.To, Omit: p.To == ""},
		{Value: &p.Subject, Omit: p.Subject == ""},
		{Value: &p.ReplyTo, Omit: p.ReplyTo == ""},
		{Value: p.CorrelationID, Omit: p.CorrelationID == nil},
		{Value: &p.ContentType, Omit: p.ContentType == ""},
		{Value: &p.ContentEncoding, Omit: p.ContentEncoding == ""},
		{Value: &p.AbsoluteExpiryTime, Omit: p.AbsoluteExpiryTime.IsZero()},
		{Value: &p.CreationTime, Omit: p.CreationTime.IsZero()},
		{Value: &p.GroupID, Omit: p.GroupID == ""},
		{Value: &p.GroupSequence, Omit: p.GroupSequence == 0},
		{Value: &p.ReplyToGroupID, Omit: p.ReplyToGroupID == ""},
	})
}

func (p *MessageProperties) unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeMessageProperties,
		encoding.UnmarshalField{Field: &p.MessageID},
		encoding.UnmarshalField{Field: &p.UserID},
		encoding.UnmarshalField{Field: &p.To},
		encoding.UnmarshalField{Field: &p.Subject},
		encoding.UnmarshalField{Field: &p.ReplyTo},
		encoding.UnmarshalField{Field: &p.CorrelationID},
		encoding.UnmarshalField{Field: &p.ContentType},
		encoding.UnmarshalField{Field: &p.ContentEncoding},
		encoding.UnmarshalField{Field: &p.AbsoluteExpiryTime},
		encoding.UnmarshalField{Field: &p.CreationTime},
		encoding.UnmarshalField{Field: &p.GroupID},
		encoding.UnmarshalField{Field: &p.GroupSequence},
		encoding.UnmarshalField{Field: &p.ReplyToGroupID},
	)
}

// Message is the unit of transfer on a link: the application payload plus
// the optional AMQP sections that carry transport and routing metadata,
// AMQP 1.0 §3.2. Exactly one of Data, Sequence, or Value should be set as
// the body; setting more than one is a programmer error the sender rejects.
type Message struct {
	Header                *MessageHeader
	DeliveryAnnotations   Annotations
	Annotations           Annotations // message-annotations, §3.2.3
	Properties            *MessageProperties
	ApplicationProperties map[string]interface{}
	Data                  [][]byte
	Sequence              []interface{}
	Value                 interface{}
	Footer                Annotations

	// DeliveryTag uniquely identifies the delivery within the link, chosen
	// by the sender (§2.6.12). Populated automatically by Sender.Send if
	// left empty.
	DeliveryTag []byte
	// Format is the message-format value carried on Transfer; zero selects
	// the standard AMQP 1.0 message encoding (§2.7.5, §3.2).
	Format uint32
	// SendSettled, when set by the sender, settles the delivery at send
	// time if the link's SenderSettleMode is ModeMixed. ModeSettled settles
	// every delivery anyway; with ModeUnsettled, or no mode set on the
	// link, SendSettled has no effect.
	SendSettled bool
}

func marshalSectionMap(wr *buffer.Buffer, code encoding.TypeCode, m Annotations) error {
	encoding.WriteDescriptor(wr, code)
	if m == nil {
		m = Annotations{}
	}
	return encoding.Marshal(wr, map[interface{}]interface{}(m))
}

func (m *Message) Marshal(wr *buffer.Buffer) error {
	bodies := 0
	if len(m.Data) > 0 {
		bodies++
	}
	if m.Sequence != nil {
		bodies++
	}
	if m.Value != nil {
		bodies++
	}
	if bodies > 1 {
		return fmt.Errorf("amqp: message body must be only one of Data, Sequence or Value")
	}
	if m.Header != nil {
		if err := m.Header.marshal(wr); err != nil {
			return err
		}
	}
	if len(m.DeliveryAnnotations) > 0 {
		if err := marshalSectionMap(wr, encoding.TypeCodeDeliveryAnnotations, m.DeliveryAnnotations); err != nil {
			return err
		}
	}
	if len(m.Annotations) > 0 {
		if err := marshalSectionMap(wr, encoding.TypeCodeMessageAnnotations, m.Annotations); err != nil {
			return err
		}
	}
	if m.Properties != nil {
		if err := m.Properties.marshal(wr); err != nil {
			return err
		}
	}
	if len(m.ApplicationProperties) > 0 {
		encoding.WriteDescriptor(wr, encoding.TypeCodeApplicationProperties)
		if err := encoding.Marshal(wr, m.ApplicationProperties); err != nil {
			return err
		}
	}
	for _, data := range m.Data {
		encoding.WriteDescriptor(wr, encoding.TypeCodeApplicationData)
		if err := encoding.WriteBinary(wr, data); err != nil {
			return err
		}
	}
	if m.Sequence != nil {
		encoding.WriteDescriptor(wr, encoding.TypeCodeAMQPSequence)
		if err := encoding.Marshal(wr, m.Sequence); err != nil {
			return err
		}
	}
	if m.Value != nil {
		encoding.WriteDescriptor(wr, encoding.TypeCodeAMQPValue)
		if err := encoding.Marshal(wr, m.Value); err != nil {
			return err
		}
	}
	if len(m.Footer) > 0 {
		if err := marshalSectionMap(wr, encoding.TypeCodeFooter, m.Footer); err != nil {
			return err
		}
	}
	return nil
}

// Unmarshal decodes the section stream of a Transfer payload into m. It
// tolerates sections arriving in any order (though senders always emit them
// in the canonical order above) since the descriptor alone identifies each.
func (m *Message) Unmarshal(r *buffer.Buffer) error {
	for r.Len() > 0 {
		code, err := encoding.PeekDescriptor(r)
		if err != nil {
			return err
		}
		switch code {
		case encoding.TypeCodeMessageHeader:
			m.Header = &MessageHeader{}
			if err := m.Header.unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeDeliveryAnnotations:
			v, err := encoding.ReadAny(r)
			if err != nil {
				return err
			}
			m.DeliveryAnnotations = toAnnotations(v)
		case encoding.TypeCodeMessageAnnotations:
			v, err := encoding.ReadAny(r)
			if err != nil {
				return err
			}
			m.Annotations = toAnnotations(v)
		case encoding.TypeCodeMessageProperties:
			m.Properties = &MessageProperties{}
			if err := m.Properties.unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeApplicationProperties:
			v, err := encoding.ReadAny(r)
			if err != nil {
				return err
			}
			props := map[string]interface{}{}
			if dt, ok := v.(*encoding.DescribedType); ok {
				v = dt.Value
			}
			if raw, ok := v.(map[interface{}]interface{}); ok {
				for k, val := range raw {
					if ks, ok := k.(string); ok {
						props[ks] = val
					}
				}
			}
			m.ApplicationProperties = props
		case encoding.TypeCodeApplicationData:
			v, err := encoding.ReadAny(r)
			if err != nil {
				return err
			}
			if dt, ok := v.(*encoding.DescribedType); ok {
				v = dt.Value
			}
			b, _ := v.([]byte)
			m.Data = append(m.Data, b)
		case encoding.TypeCodeAMQPSequence:
			v, err := encoding.ReadAny(r)
			if err != nil {
				return err
			}
			if dt, ok := v.(*encoding.DescribedType); ok {
				v = dt.Value
			}
			seq, _ := v.([]interface{})
			m.Sequence = seq
		case encoding.TypeCodeAMQPValue:
			v, err := encoding.ReadAny(r)
			if err != nil {
				return err
			}
			if dt, ok := v.(*encoding.DescribedType); ok {
				v = dt.Value
			}
			m.Value = v
		case encoding.TypeCodeFooter:
			v, err := encoding.ReadAny(r)
			if err != nil {
				return err
			}
			m.Footer = toAnnotations(v)
		default:
			// unrecognized section: skip past it by decoding and discarding
			if _, err := encoding.ReadAny(r); err != nil {
				return err
			}
		}
	}
	return nil
}

func toAnnotations(v interface{}) Annotations {
	if dt, ok := v.(*encoding.DescribedType); ok {
		v = dt.Value
	}
	raw, ok := v.(map[interface{}]interface{})
	if !ok {
		return nil
	}
	return Annotations(raw)
}
