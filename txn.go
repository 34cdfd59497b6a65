package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/ootahi/amqpcore/internal/buffer"
	"github.com/ootahi/amqpcore/internal/debug"
	"github.com/ootahi/amqpcore/internal/encoding"
	"github.com/ootahi/amqpcore/internal/frames"
)

// Txn is a transaction controlled through a coordinator link (transactions
// extension §4). It is a unidirectional sender link whose target is a
// Coordinator rather than an ordinary node, and whose transfers carry
// Declare/Discharge requests instead of messages.
type Txn struct {
	link
	id        []byte
	transfers chan frames.PerformTransfer

	mu sync.Mutex
}

// NewTransaction attaches a coordinator link on the session and declares a
// new transaction. globalID may be nil to request a local transaction scoped
// to this session.
func (s *Session) NewTransaction(ctx context.Context, globalID []byte) (*Txn, error) {
	t := &Txn{link: newLink(s, encoding.RoleSender)}
	t.target = &frames.Coordinator{Capabilities: encoding.MultiSymbol{"amqp:local-transactions"}}
	t.source = &frames.Source{}

	if err := t.attach(ctx, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleSender
	}, func(*frames.PerformAttach) {}); err != nil {
		return nil, err
	}

	t.transfers = make(chan frames.PerformTransfer)
	go t.mux()

	state, err := t.roundTrip(ctx, &frames.Declare{GlobalID: globalID})
	if err != nil {
		_ = t.closeLink(ctx)
		return nil, err
	}
	declared, ok := state.(*encoding.Declared)
	if !ok {
		_ = t.closeLink(ctx)
		return nil, fmt.Errorf("amqp: unexpected response to declare: %#v", state)
	}
	t.id = declared.TxnID

	return t, nil
}

// ID is the wire identifier of this transaction, as assigned by the
// coordinator's Declared response.
func (t *Txn) ID() []byte {
	return t.id
}

// Discharge ends the transaction: fail requests rollback, otherwise commit.
func (t *Txn) Discharge(ctx context.Context, fail bool) error {
	_, err := t.roundTrip(ctx, &frames.Discharge{TxnID: t.id, Fail: fail})
	if err != nil {
		return err
	}
	return t.closeLink(ctx)
}

// roundTrip sends body (a *frames.Declare or *frames.Discharge) as the sole
// transfer on the coordinator link and waits for the resulting disposition.
func (t *Txn) roundTrip(ctx context.Context, body encoding.Marshaler) (encoding.DeliveryState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg := &Message{Value: body}
	var buf buffer.Buffer
	if err := msg.Marshal(&buf); err != nil {
		return nil, err
	}

	deliveryID, err := t.session.allocateDeliveryID()
	if err != nil {
		return nil, err
	}

	format := uint32(0)
	fr := frames.PerformTransfer{
		Handle:        t.handle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   []byte{0},
		MessageFormat: &format,
		Payload:       buf.Bytes(),
		Done:          make(chan encoding.DeliveryState, 1),
	}

	select {
	case t.transfers <- fr:
	case <-t.done:
		return nil, t.doneErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case state := <-fr.Done:
		if rejected, ok := state.(*encoding.StateRejected); ok {
			return nil, rejected.Error
		}
		return state, nil
	case <-t.done:
		return nil, t.doneErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Txn) mux() {
	var detachErr *Error
	defer func() {
		t.muxClose(context.Background(), detachErr, nil, nil)
	}()

	for {
		var outgoingTransfers chan frames.PerformTransfer
		if t.linkCredit > 0 {
			debug.Log(context.Background(), debugLevelFrames, "txn credit available", "credit", t.linkCredit)
			outgoingTransfers = t.transfers
		}

		select {
		case fr := <-t.rx:
			if err := t.muxHandleFrame(fr); err != nil {
				t.doneErr = err
				return
			}

		case tr := <-outgoingTransfers:
			if err := t.session.txFrame(&tr, tr.Done); err != nil {
				t.doneErr = &LinkError{inner: err}
				return
			}
			t.deliveryCount++
			t.linkCredit--

		case <-t.close:
			t.doneErr = &LinkError{}
			return

		case <-t.session.done:
			t.doneErr = &LinkError{inner: t.session.doneErr}
			return
		}
	}
}

func (t *Txn) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformFlow:
		linkCredit := *fr.LinkCredit - t.deliveryCount
		if fr.DeliveryCount != nil {
			linkCredit += *fr.DeliveryCount
		}
		t.linkCredit = linkCredit
		return nil

	default:
		return t.link.muxHandleFrame(fr)
	}
}
