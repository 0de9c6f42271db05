package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSessionClosed matches every SessionClosedError.
var ErrSessionClosed = errors.New("mcp: session closed")

// LaunchError reports a tool server executable that could not be started.
type LaunchError struct {
	Session string
	Command []string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("mcp: launch %s (%s): %v", e.Session, strings.Join(e.Command, " "), e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// HandshakeTimeoutError reports a server that did not complete initialize in time.
type HandshakeTimeoutError struct {
	Session string
	Timeout time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("mcp: %s: handshake timed out after %s", e.Session, e.Timeout)
}

// TimeoutError reports a tool call that passed its deadline.
type TimeoutError struct {
	Session string
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mcp: %s: call %q timed out after %s", e.Session, e.Tool, e.Timeout)
}

// SessionClosedError reports a call on a session that is not (or no longer) serving.
type SessionClosedError struct {
	Session string
	Cause   error
}

func (e *SessionClosedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("mcp: session %s closed: %v", e.Session, e.Cause)
	}
	return fmt.Sprintf("mcp: session %s closed", e.Session)
}

func (e *SessionClosedError) Unwrap() error { return e.Cause }

func (e *SessionClosedError) Is(target error) bool { return target == ErrSessionClosed }

// UnknownToolError reports a tool name no session declares.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("mcp: unknown tool %q", e.Name)
}

// InvalidArgumentsError reports arguments rejected by the tool's input schema.
type InvalidArgumentsError struct {
	Tool string
	Err  error
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("mcp: invalid arguments for %q: %v", e.Tool, e.Err)
}

func (e *InvalidArgumentsError) Unwrap() error { return e.Err }

// RPCError is a JSON-RPC error returned by a tool server.
type RPCError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp: rpc error %d: %s", e.Code, e.Message)
}
