package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ootahi/amqpcore/internal/encoding"
	"github.com/ootahi/amqpcore/internal/frames"
	"github.com/ootahi/amqpcore/internal/mocks"
)

func newTestSession(t *testing.T, resp func(frames.FrameBody) ([]byte, error)) *Session {
	t.Helper()
	session, _ := newTestSessionWithConn(t, resp)
	return session
}

func newTestSessionWithConn(t *testing.T, resp func(frames.FrameBody) ([]byte, error)) (*Session, *mocks.MockConnection) {
	t.Helper()
	client, conn := newTestClientWithConn(t, resp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	session, err := client.NewSession(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = session.Close(context.Background())
	})
	return session, conn
}

func TestReceiverReceiveAndAccept(t *testing.T) {
	const linkHandle = 0
	attached := make(chan struct{})
	var deliveryID uint32 = 7

	resp := basicHandshakeResponder(func(fr frames.FrameBody) ([]byte, error) {
		switch fr := fr.(type) {
		case *frames.PerformAttach:
			close(attached)
			return mocks.SenderAttach(fr.Name, linkHandle, 0, ModeFirst)
		case *frames.PerformFlow:
			return mocks.PerformTransfer(linkHandle, deliveryID, []byte("hello"))
		case *frames.PerformDisposition:
			return nil, nil
		case *frames.PerformDetach:
			return mocks.PerformDetach(linkHandle, true, nil)
		}
		return nil, nil
	})

	session := newTestSession(t, resp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	receiver, err := session.NewReceiver(ctx, "test-source", ReceiverWithSettlementMode(ModeFirst))
	require.NoError(t, err)

	select {
	case <-attached:
	case <-time.After(time.Second):
		t.Fatal("attach never observed")
	}

	msg, err := receiver.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), msg.Data[0])
	require.NoError(t, receiver.Accept(ctx, msg))

	require.NoError(t, receiver.Close(ctx))
}

func TestReceiverManualCreditDrain(t *testing.T) {
	const linkHandle = 0
	attachName := make(chan string, 1)

	resp := basicHandshakeResponder(func(fr frames.FrameBody) ([]byte, error) {
		switch fr := fr.(type) {
		case *frames.PerformAttach:
			attachName <- fr.Name
			return mocks.SenderAttach(fr.Name, linkHandle, 0, ModeFirst)
		case *frames.PerformFlow:
			if fr.Drain {
				return mocks.PerformFlow(linkHandle, 0, 0)
			}
			return nil, nil
		case *frames.PerformDetach:
			return mocks.PerformDetach(linkHandle, true, nil)
		}
		return nil, nil
	})

	session := newTestSession(t, resp)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	receiver, err := session.NewReceiver(ctx, "test-source", ReceiverWithManualCredits())
	require.NoError(t, err)

	select {
	case <-attachName:
	case <-time.After(time.Second):
		t.Fatal("attach never observed")
	}

	require.NoError(t, receiver.IssueCredit(5))
	require.NoError(t, receiver.Drain(ctx))
	require.NoError(t, receiver.Close(ctx))
}

func TestLinkDetachWithErrorIsSurfaced(t *testing.T) {
	const linkHandle = 0
	cond := &encoding.Error{Condition: "amqp:link:detach-forced", Description: "kicked"}

	resp := basicHandshakeResponder(func(fr frames.FrameBody) ([]byte, error) {
		switch fr := fr.(type) {
		case *frames.PerformAttach:
			return mocks.SenderAttach(fr.Name, linkHandle, 0, ModeFirst)
		case *frames.PerformDetach:
			return mocks.PerformDetach(linkHandle, true, cond)
		}
		return nil, nil
	})

	session := newTestSession(t, resp)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	receiver, err := session.NewReceiver(ctx, "test-source")
	require.NoError(t, err)

	// the peer echoes our closing detach with an error condition attached;
	// Close must surface it rather than treating it as a clean shutdown.
	require.Error(t, receiver.Close(ctx))
}
