package frames

import (
	"fmt"

	"github.com/ootahi/amqpcore/internal/buffer"
	"github.com/ootahi/amqpcore/internal/encoding"
)

// Coordinator is the transaction control link's target; see
// encoding.Coordinator for the wire representation.
type Coordinator = encoding.Coordinator

// Declare is carried as a Transfer's message body over the coordinator link
// to start a new transaction (transactions extension §4.5). A nil GlobalID
// requests a local transaction scoped to the current session.
type Declare struct {
	GlobalID []byte
}

func (d *Declare) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDeclare, []encoding.MarshalField{
		{Value: &d.GlobalID, Omit: len(d.GlobalID) == 0},
	})
}

func (d *Declare) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDeclare,
		encoding.UnmarshalField{Field: &d.GlobalID},
	)
}

func (d *Declare) String() string { return fmt.Sprintf("Declare{GlobalID: %x}", d.GlobalID) }

// Discharge is carried as a Transfer's message body over the coordinator
// link to end a transaction (transactions extension §4.6): Fail requests
// rollback, otherwise commit.
type Discharge struct {
	TxnID []byte // required
	Fail  bool
}

func (d *Discharge) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDischarge, []encoding.MarshalField{
		{Value: &d.TxnID, Omit: false},
		{Value: &d.Fail, Omit: !d.Fail},
	})
}

func (d *Discharge) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDischarge,
		encoding.UnmarshalField{Field: &d.TxnID, HandleNull: func() error {
			return fmt.Errorf("discharge.txn-id is required")
		}},
		encoding.UnmarshalField{Field: &d.Fail},
	)
}

func (d *Discharge) String() string {
	return fmt.Sprintf("Discharge{TxnID: %x, Fail: %t}", d.TxnID, d.Fail)
}
