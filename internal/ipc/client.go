package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/basket/aixterm/internal/frame"
	"github.com/basket/aixterm/internal/shared"
)

// ChunkFunc receives each partial chunk of a streamed response. Returning an
// error aborts the request.
type ChunkFunc func(chunk string) error

// Client sends requests over one service connection. Requests on a Client
// are issued one at a time.
type Client struct {
	conn net.Conn
	ch   *frame.Channel
	mu   sync.Mutex
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, ch: frame.New(conn)}
}

// Do sends req and waits for its terminal frame, passing partial chunks to
// onChunk. A missing id is generated. Frames for other ids are skipped.
// When ctx ends first the connection is interrupted and ctx.Err() returned;
// the service treats the resulting disconnect as a cancel.
func (c *Client) Do(ctx context.Context, req Request, onChunk ChunkFunc) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.ID == "" {
		req.ID = shared.NewID()
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := c.ch.Send(req); err != nil {
		return Response{}, c.wrap(ctx, "send request", err)
	}
	for {
		raw, err := c.ch.Receive()
		if err != nil {
			return Response{}, c.wrap(ctx, "receive response", err)
		}
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return Response{}, fmt.Errorf("ipc: decode response: %w", err)
		}
		if resp.ID != req.ID {
			continue
		}
		if !resp.Terminal() {
			if onChunk != nil {
				if err := onChunk(resp.Text()); err != nil {
					return Response{}, err
				}
			}
			continue
		}
		return resp, nil
	}
}

// Call is Do followed by decoding a success payload into out. Error
// responses are returned as *RemoteError.
func (c *Client) Call(ctx context.Context, reqType string, payload any, out any, onChunk ChunkFunc) error {
	req := Request{Type: reqType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("ipc: marshal payload: %w", err)
		}
		req.Payload = raw
	}
	resp, err := c.Do(ctx, req, onChunk)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

func (c *Client) Close() error {
	return c.ch.Close()
}

func (c *Client) wrap(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("ipc: %s: %w", op, context.DeadlineExceeded)
	}
	if errors.Is(err, frame.ErrClosed) {
		return fmt.Errorf("ipc: %s: service closed the connection: %w", op, err)
	}
	return fmt.Errorf("ipc: %s: %w", op, err)
}
