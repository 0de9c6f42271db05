package service

import "fmt"

// AlreadyRunningError is returned by Run when a live service already answers
// on the socket.
type AlreadyRunningError struct {
	SocketPath string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("service already running on %s", e.SocketPath)
}
