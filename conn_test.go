package amqp

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/ootahi/amqpcore/internal/buffer"
	"github.com/ootahi/amqpcore/internal/encoding"
	"github.com/ootahi/amqpcore/internal/frames"
	"github.com/ootahi/amqpcore/internal/mocks"
)

// readPeerFrame reads one frame off conn the way connReader does: a fixed
// header followed by a body of the length the header names. Used by the
// test's fake peer, which has no mocks.MockConnection request/response loop
// to ride on since it needs real read-deadline semantics from net.Pipe.
func readPeerFrame(r net.Conn) (frames.FrameBody, error) {
	var hdr [frames.HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	h, err := frames.ParseHeader(buffer.New(hdr[:]))
	if err != nil {
		return nil, err
	}
	bodyLen := int(h.Size) - frames.HeaderSize
	if bodyLen == 0 {
		return nil, nil // keep-alive
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return frames.ParseBody(buffer.New(body))
}

// TestConnIdleTimeoutCloses drives scenario 6: the peer declares a 200ms
// idle-timeout in its Open, then goes silent. Past that 200ms the
// connection must close itself with amqp:resource-limit-exceeded, without
// waiting for any additional slack.
func TestConnIdleTimeoutCloses(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	peer, clientSide := net.Pipe()
	peerDone := make(chan error, 1)

	go func() {
		var hdr [8]byte
		if _, err := io.ReadFull(peer, hdr[:]); err != nil {
			peerDone <- err
			return
		}
		if _, err := peer.Write(hdr[:]); err != nil {
			peerDone <- err
			return
		}
		if _, err := readPeerFrame(peer); err != nil { // the client's Open
			peerDone <- err
			return
		}
		reply, err := mocks.EncodeFrame(&frames.PerformOpen{
			ContainerID: "peer",
			IdleTimeout: 200 * time.Millisecond,
		})
		if err != nil {
			peerDone <- err
			return
		}
		if _, err := peer.Write(reply); err != nil {
			peerDone <- err
			return
		}
		// Go silent. The client's own Close (sent once it notices the
		// idle-timeout) still needs a reader on this end or its Write
		// would block forever.
		for {
			if _, err := readPeerFrame(peer); err != nil {
				peerDone <- nil
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A large local idle-timeout keeps our own connWriter from sending a
	// keep-alive into the now-silent peer during the test window.
	client, err := New(ctx, clientSide, ConnContainerID("test"), ConnIdleTimeout(10*time.Second))
	require.NoError(t, err)

	select {
	case <-client.conn.done:
	case <-time.After(time.Second):
		t.Fatal("connection never closed after the peer went silent past its declared idle-timeout")
	}

	closeErr := client.Close()
	require.Error(t, closeErr)
	amqpErr, ok := closeErr.(*encoding.Error)
	require.Truef(t, ok, "expected a structured *encoding.Error, got %T: %v", closeErr, closeErr)
	require.Equal(t, ErrCondResourceLimitExceeded, amqpErr.Condition)

	select {
	case err := <-peerDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("peer never observed the client's Close")
	}
}
