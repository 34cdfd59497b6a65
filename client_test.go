package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ootahi/amqpcore/internal/frames"
	"github.com/ootahi/amqpcore/internal/mocks"
)

func TestClientDialOpenClose(t *testing.T) {
	closed := make(chan struct{})
	resp := basicHandshakeResponder(func(fr frames.FrameBody) ([]byte, error) {
		if _, ok := fr.(*frames.PerformClose); ok {
			close(closed)
			return mocks.PerformClose(nil)
		}
		return nil, nil
	})

	client := newTestClient(t, resp)
	require.NoError(t, client.Close())

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("peer never saw our Close")
	}
}

func TestClientNewSession(t *testing.T) {
	resp := basicHandshakeResponder(nil)
	client := newTestClient(t, resp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := client.NewSession(ctx, SessionIncomingWindow(100))
	require.NoError(t, err)
	require.NotNil(t, session)

	require.NoError(t, session.Close(ctx))
}

func TestClientOperationsFailAfterClose(t *testing.T) {
	resp := basicHandshakeResponder(nil)
	client := newTestClient(t, resp)
	require.NoError(t, client.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.NewSession(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConnClosed)
}
