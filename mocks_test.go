package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ootahi/amqpcore/internal/frames"
	"github.com/ootahi/amqpcore/internal/mocks"
)

// testEqual reports deep equality using go-cmp, printing a readable diff on
// mismatch rather than testify's flat %+v dump.
func testEqual(t *testing.T, got, want interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		require.Failf(t, "mismatch (-want +got)", "%s\n%s", append(msgAndArgs, diff)...)
	}
}

// newTestClient opens a Client against a mocks.MockConnection driven by
// resp, asserting that the handshake and every background goroutine it
// spawns (reader/writer/mux) exit once the subtest ends.
func newTestClient(t *testing.T, resp func(frames.FrameBody) ([]byte, error)) *Client {
	t.Helper()
	client, _ := newTestClientWithConn(t, resp)
	return client
}

// newTestClientWithConn is newTestClient but also returns the underlying
// mock connection, for tests that need to push unsolicited frames (e.g. a
// credit-granting Flow) via MockConnection.PushFrame.
func newTestClientWithConn(t *testing.T, resp func(frames.FrameBody) ([]byte, error)) (*Client, *mocks.MockConnection) {
	t.Helper()

	// Cleanups run LIFO: registering the leak check first means it runs
	// last, after the client (and its reader/writer/mux goroutines) have
	// been torn down by the close cleanup registered below.
	t.Cleanup(leaktest.Check(t))

	netConn := mocks.NewConnection(resp)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := New(ctx, netConn, ConnContainerID("test"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})
	return client, netConn
}

// basicHandshakeResponder answers the protocol header, Open, Begin, and End
// exchanges with fixed, minimal frames, then hands off to next for anything
// further (attach/transfer/disposition/detach/close).
func basicHandshakeResponder(next func(frames.FrameBody) ([]byte, error)) func(frames.FrameBody) ([]byte, error) {
	return func(fr frames.FrameBody) ([]byte, error) {
		switch fr.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("test")
		case *frames.PerformBegin:
			remoteChannel := uint16(0)
			return mocks.PerformBegin(remoteChannel)
		case *frames.PerformEnd:
			return mocks.PerformEnd(nil)
		}
		if next != nil {
			return next(fr)
		}
		return nil, nil
	}
}
