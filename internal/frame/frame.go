// Package frame implements newline-delimited JSON framing over a byte stream.
//
// A Channel has independent read and write paths: one goroutine may Receive
// while others Send. Sends are serialized so frames never interleave.
package frame

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// MaxFrameSize bounds a single frame. Longer lines fail with ProtocolError.
const MaxFrameSize = 16 << 20

// ErrClosed is returned when the underlying stream has ended.
var ErrClosed = errors.New("frame: channel closed")

// ProtocolError reports a frame that could not be decoded.
type ProtocolError struct {
	Reason string
	Frame  []byte
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame: protocol error: %s: %v", e.Reason, e.Err)
	}
	return "frame: protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IOError reports a failed write.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("frame: %s: %v", e.Op, e.Err) }

func (e *IOError) Unwrap() error { return e.Err }

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// Channel encodes and decodes one JSON value per line.
type Channel struct {
	r      *bufio.Reader
	rmu    sync.Mutex
	w      io.Writer
	wmu    sync.Mutex
	closer io.Closer

	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// New wraps a bidirectional stream such as a net.Conn.
func New(rwc io.ReadWriteCloser) *Channel {
	return &Channel{
		r:      bufio.NewReaderSize(rwc, 64<<10),
		w:      rwc,
		closer: rwc,
	}
}

// NewPipe wraps a separate reader and writer, as with subprocess stdio.
// Close closes the writer; the reader ends when its peer closes.
func NewPipe(r io.Reader, w io.WriteCloser) *Channel {
	return &Channel{
		r:      bufio.NewReaderSize(r, 64<<10),
		w:      w,
		closer: w,
	}
}

// SetWriteTimeout bounds each Send when the writer supports deadlines.
func (c *Channel) SetWriteTimeout(d time.Duration) {
	c.wmu.Lock()
	c.writeTimeout = d
	c.wmu.Unlock()
}

// Send marshals v and writes it as one frame.
func (c *Channel) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("frame: marshal: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes an already-encoded JSON value as one frame.
func (c *Channel) SendRaw(data []byte) error {
	if bytes.IndexByte(data, '\n') >= 0 {
		// Compact re-encodes without the embedded newlines.
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return &ProtocolError{Reason: "outgoing frame is not valid JSON", Err: err}
		}
		data = buf.Bytes()
	}
	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		if wd, ok := c.w.(writeDeadliner); ok {
			_ = wd.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			defer func() { _ = wd.SetWriteDeadline(time.Time{}) }()
		}
	}
	if _, err := c.w.Write(line); err != nil {
		if isClosed(err) {
			return &IOError{Op: "write", Err: errors.Join(ErrClosed, err)}
		}
		return &IOError{Op: "write", Err: err}
	}
	return nil
}

// Receive blocks until a complete frame is available and returns its bytes.
// Blank lines are skipped. A stream that ends mid-frame yields ProtocolError;
// a stream that ends between frames yields ErrClosed.
func (c *Channel) Receive() (json.RawMessage, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return nil, &ProtocolError{Reason: "invalid JSON", Frame: line}
		}
		return json.RawMessage(line), nil
	}
}

// ReceiveInto decodes the next frame into v.
func (c *Channel) ReceiveInto(v any) error {
	raw, err := c.Receive()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ProtocolError{Reason: "decode", Frame: raw, Err: err}
	}
	return nil
}

// readLine accumulates partial reads until a newline. Caller holds rmu.
func (c *Channel) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		if len(buf)+len(chunk) > MaxFrameSize {
			c.discardLine(err)
			return nil, &ProtocolError{Reason: fmt.Sprintf("frame exceeds %d bytes", MaxFrameSize)}
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) || isClosed(err):
			if len(bytes.TrimSpace(buf)) > 0 {
				return nil, &ProtocolError{Reason: "stream ended mid-frame", Frame: buf}
			}
			return nil, ErrClosed
		default:
			return nil, &IOError{Op: "read", Err: err}
		}
	}
}

func (c *Channel) discardLine(lastErr error) {
	for errors.Is(lastErr, bufio.ErrBufferFull) {
		_, lastErr = c.r.ReadSlice('\n')
	}
}

// Close closes the underlying writer (and reader, for sockets). Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.closer.Close()
	})
	return c.closeErr
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
