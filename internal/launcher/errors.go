package launcher

import (
	"fmt"
	"time"
)

// ServiceUnavailableError reports that another client was starting the
// service and the socket did not become reachable in time.
type ServiceUnavailableError struct {
	SocketPath string
	Waited     time.Duration
	Err        error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("service at %s unavailable after %s: %v", e.SocketPath, e.Waited.Round(time.Millisecond), e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// ServiceStartError reports a service this client spawned that never became
// reachable. Tail holds the end of the service's startup output.
type ServiceStartError struct {
	SocketPath string
	Tail       string
	Err        error
}

func (e *ServiceStartError) Error() string {
	msg := fmt.Sprintf("start service at %s: %v", e.SocketPath, e.Err)
	if e.Tail != "" {
		msg += "\nservice output:\n" + e.Tail
	}
	return msg
}

func (e *ServiceStartError) Unwrap() error { return e.Err }
