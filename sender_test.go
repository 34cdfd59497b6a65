package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ootahi/amqpcore/internal/buffer"
	"github.com/ootahi/amqpcore/internal/encoding"
	"github.com/ootahi/amqpcore/internal/frames"
	"github.com/ootahi/amqpcore/internal/mocks"
)

func TestSenderSendSettles(t *testing.T) {
	const linkHandle = 0
	transferSeen := make(chan *frames.PerformTransfer, 1)

	resp := basicHandshakeResponder(func(fr frames.FrameBody) ([]byte, error) {
		switch fr := fr.(type) {
		case *frames.PerformAttach:
			return mocks.ReceiverAttachTarget(fr.Name, linkHandle, ModeMixed)
		case *frames.PerformTransfer:
			cp := *fr
			transferSeen <- &cp
			if fr.DeliveryID != nil {
				return mocks.PerformDisposition(*fr.DeliveryID, &encoding.StateAccepted{})
			}
		case *frames.PerformDetach:
			return mocks.PerformDetach(linkHandle, true, nil)
		}
		return nil, nil
	})

	session, conn := newTestSessionWithConn(t, resp)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sender, err := session.NewSender(ctx, "test-target", SenderWithSettlementMode(ModeMixed))
	require.NoError(t, err)

	// the attach grants no credit; the peer must push a Flow before Send's
	// transfer will be accepted by the sender's mux.
	require.NoError(t, conn.PushFrame(&frames.PerformFlow{
		Handle:         ptrUint32(linkHandle),
		DeliveryCount:  ptrUint32(0),
		LinkCredit:     ptrUint32(10),
		NextOutgoingID: 1,
		IncomingWindow: 5000,
		OutgoingWindow: 1000,
	}))

	msg := &Message{Data: [][]byte{[]byte("payload")}}
	require.NoError(t, sender.Send(ctx, msg))

	select {
	case tr := <-transferSeen:
		require.False(t, tr.Settled)
	case <-time.After(time.Second):
		t.Fatal("peer never observed a transfer")
	}

	require.NoError(t, sender.Close(ctx))
}

func TestSenderSendRejectedDetaches(t *testing.T) {
	const linkHandle = 0

	resp := basicHandshakeResponder(func(fr frames.FrameBody) ([]byte, error) {
		switch fr := fr.(type) {
		case *frames.PerformAttach:
			return mocks.ReceiverAttachTarget(fr.Name, linkHandle, ModeMixed)
		case *frames.PerformTransfer:
			if fr.DeliveryID != nil {
				return mocks.PerformDisposition(*fr.DeliveryID, &encoding.StateRejected{
					Error: &encoding.Error{Condition: "amqp:internal-error", Description: "nope"},
				})
			}
		case *frames.PerformDetach:
			return mocks.PerformDetach(linkHandle, true, nil)
		}
		return nil, nil
	})

	session, conn := newTestSessionWithConn(t, resp)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sender, err := session.NewSender(ctx, "test-target", SenderWithRequestedReceiverSettleMode(ModeFirst))
	require.NoError(t, err)

	require.NoError(t, conn.PushFrame(&frames.PerformFlow{
		Handle:         ptrUint32(linkHandle),
		DeliveryCount:  ptrUint32(0),
		LinkCredit:     ptrUint32(10),
		NextOutgoingID: 1,
		IncomingWindow: 5000,
		OutgoingWindow: 1000,
	}))

	err = sender.Send(ctx, &Message{Data: [][]byte{[]byte("payload")}})
	require.Error(t, err)
	var detachErr *DetachError
	require.ErrorAs(t, err, &detachErr)
}

func TestSenderResumeResendsUnacknowledgedDelivery(t *testing.T) {
	const linkHandle = 0
	var resentTag []byte

	payload := &Message{DeliveryTag: []byte("resume-tag"), Data: [][]byte{[]byte("payload")}}
	var buf = marshalMessage(t, payload)

	resp := basicHandshakeResponder(func(fr frames.FrameBody) ([]byte, error) {
		switch fr := fr.(type) {
		case *frames.PerformAttach:
			// remote reports no record of the delivery (Unsettled omits it,
			// i.e. remote state is None), so resumption must resend in full.
			return mocks.ReceiverAttachTarget(fr.Name, linkHandle, ModeMixed)
		case *frames.PerformTransfer:
			resentTag = append([]byte(nil), fr.DeliveryTag...)
		case *frames.PerformDetach:
			return mocks.PerformDetach(linkHandle, true, nil)
		}
		return nil, nil
	})

	session, conn := newTestSessionWithConn(t, resp)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	unsettled := map[string]*UnsettledMessage{
		"resume-tag": {DeliveryTag: []byte("resume-tag"), Payload: buf},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sender, err := session.NewSender(ctx, "test-target",
			SenderWithName("resumed-link"),
			SenderWithSettlementMode(ModeMixed),
			SenderWithResume(unsettled))
		require.NoError(t, err)
		_ = sender
	}()

	// grant credit so the resend transfer drains off s.transfers.
	require.NoError(t, conn.PushFrame(&frames.PerformFlow{
		Handle:         ptrUint32(linkHandle),
		DeliveryCount:  ptrUint32(0),
		LinkCredit:     ptrUint32(10),
		NextOutgoingID: 1,
		IncomingWindow: 5000,
		OutgoingWindow: 1000,
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("resumed sender never finished attaching")
	}

	require.Equal(t, []byte("resume-tag"), resentTag)
}

func ptrUint32(v uint32) *uint32 { return &v }

func marshalMessage(t *testing.T, m *Message) []byte {
	t.Helper()
	var buf buffer.Buffer
	require.NoError(t, m.Marshal(&buf))
	return append([]byte(nil), buf.Bytes()...)
}
