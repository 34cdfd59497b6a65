package amqp

import "context"

// Client is a single AMQP 1.0 connection and the entry point for opening
// sessions on it.
type Client struct {
	conn *conn
}

// NewSession opens a new session on the connection, performing the Begin
// exchange before returning.
func (c *Client) NewSession(ctx context.Context, opts ...SessionOption) (*Session, error) {
	resp := make(chan sessionAllocResp, 1)
	select {
	case c.conn.newSession <- sessionAllocReq{opts: opts, resp: resp}:
	case <-c.conn.done:
		return nil, c.conn.doneErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var alloc sessionAllocResp
	select {
	case alloc = <-resp:
	case <-c.conn.done:
		return nil, c.conn.doneErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if alloc.err != nil {
		return nil, alloc.err
	}

	if err := alloc.session.begin(ctx); err != nil {
		return nil, err
	}
	return alloc.session, nil
}

// Close closes the underlying connection, ending every session it hosts.
func (c *Client) Close() error {
	return c.conn.Close()
}
