package frames

import (
	"fmt"

	"github.com/ootahi/amqpcore/internal/buffer"
	"github.com/ootahi/amqpcore/internal/encoding"
)

// SASLCode is the outcome code of a SASL exchange, AMQP 1.0 §5.3.3.5.
type SASLCode uint8

const (
	SASLCodeOK      SASLCode = 0 // authentication succeeded
	SASLCodeAuth    SASLCode = 1 // failed due to bad credentials
	SASLCodeSys     SASLCode = 2 // failed for a system reason
	SASLCodeSysPerm SASLCode = 3 // failed for a system reason, unlikely to work on retry
	SASLCodeSysTemp SASLCode = 4 // failed for a transient system reason
)

func (c SASLCode) String() string {
	switch c {
	case SASLCodeOK:
		return "ok"
	case SASLCodeAuth:
		return "auth"
	case SASLCodeSys:
		return "sys"
	case SASLCodeSysPerm:
		return "sys-perm"
	case SASLCodeSysTemp:
		return "sys-temp"
	default:
		return "unknown"
	}
}

// SASLMechanisms announces the mechanisms the server supports, AMQP 1.0
// §5.3.3.1. It is always the first frame sent by the server.
type SASLMechanisms struct {
	Mechanisms encoding.MultiSymbol // required
}

func (m *SASLMechanisms) frameBody() {}

func (m *SASLMechanisms) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLMechanisms, []encoding.MarshalField{
		{Value: &m.Mechanisms, Omit: false},
	})
}

func (m *SASLMechanisms) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLMechanisms,
		encoding.UnmarshalField{Field: &m.Mechanisms, HandleNull: func() error {
			return fmt.Errorf("sasl-mechanisms.mechanisms is required")
		}},
	)
}

func (m *SASLMechanisms) String() string {
	return fmt.Sprintf("SASLMechanisms{Mechanisms: %v}", m.Mechanisms)
}

// SASLInit is the client's choice of mechanism and initial response, AMQP
// 1.0 §5.3.3.2.
type SASLInit struct {
	Mechanism       encoding.Symbol // required
	InitialResponse []byte
	Hostname        string
}

func (i *SASLInit) frameBody() {}

func (i *SASLInit) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLInit, []encoding.MarshalField{
		{Value: &i.Mechanism, Omit: false},
		{Value: &i.InitialResponse, Omit: len(i.InitialResponse) == 0},
		{Value: &i.Hostname, Omit: i.Hostname == ""},
	})
}

func (i *SASLInit) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLInit,
		encoding.UnmarshalField{Field: &i.Mechanism, HandleNull: func() error {
			return fmt.Errorf("sasl-init.mechanism is required")
		}},
		encoding.UnmarshalField{Field: &i.InitialResponse},
		encoding.UnmarshalField{Field: &i.Hostname},
	)
}

// String redacts the initial response: it may carry a bearer credential.
func (i *SASLInit) String() string {
	return fmt.Sprintf("SASLInit{Mechanism: %s, InitialResponse: ***, Hostname: %s}", i.Mechanism, i.Hostname)
}

// SASLChallenge carries a server challenge, AMQP 1.0 §5.3.3.3.
type SASLChallenge struct {
	Challenge []byte // required
}

func (c *SASLChallenge) frameBody() {}

func (c *SASLChallenge) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLChallenge, []encoding.MarshalField{
		{Value: &c.Challenge, Omit: false},
	})
}

func (c *SASLChallenge) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLChallenge,
		encoding.UnmarshalField{Field: &c.Challenge, HandleNull: func() error {
			return fmt.Errorf("sasl-challenge.challenge is required")
		}},
	)
}

// String redacts the challenge payload.
func (c *SASLChallenge) String() string { return "SASLChallenge{Challenge: ***}" }

// SASLResponse answers a challenge, AMQP 1.0 §5.3.3.4.
type SASLResponse struct {
	Response []byte // required
}

func (r *SASLResponse) frameBody() {}

func (r *SASLResponse) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLResponse, []encoding.MarshalField{
		{Value: &r.Response, Omit: false},
	})
}

func (r *SASLResponse) Unmarshal(rd *buffer.Buffer) error {
	return encoding.UnmarshalComposite(rd, encoding.TypeCodeSASLResponse,
		encoding.UnmarshalField{Field: &r.Response, HandleNull: func() error {
			return fmt.Errorf("sasl-response.response is required")
		}},
	)
}

// String redacts the response payload.
func (r *SASLResponse) String() string { return "SASLResponse{Response: ***}" }

// SASLOutcome concludes the SASL exchange, AMQP 1.0 §5.3.3.5.
type SASLOutcome struct {
	Code           SASLCode // required
	AdditionalData []byte
}

func (o *SASLOutcome) frameBody() {}

func (o *SASLOutcome) Marshal(wr *buffer.Buffer) error {
	code := uint8(o.Code)
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLOutcome, []encoding.MarshalField{
		{Value: &code, Omit: false},
		{Value: &o.AdditionalData, Omit: len(o.AdditionalData) == 0},
	})
}

func (o *SASLOutcome) Unmarshal(r *buffer.Buffer) error {
	var code uint8
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeSASLOutcome,
		encoding.UnmarshalField{Field: &code, HandleNull: func() error {
			return fmt.Errorf("sasl-outcome.code is required")
		}},
		encoding.UnmarshalField{Field: &o.AdditionalData},
	)
	o.Code = SASLCode(code)
	return err
}

func (o *SASLOutcome) String() string {
	return fmt.Sprintf("SASLOutcome{Code: %s, AdditionalData: %d bytes}", o.Code, len(o.AdditionalData))
}
