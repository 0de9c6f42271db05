package bus

// Kind identifies an event type.
type Kind uint8

const (
	KindSessionState Kind = iota + 1
	KindSessionRestart
	KindRegistryChanged
	KindServiceShutdown
)

func (k Kind) String() string {
	switch k {
	case KindSessionState:
		return "session.state"
	case KindSessionRestart:
		return "session.restart"
	case KindRegistryChanged:
		return "registry.changed"
	case KindServiceShutdown:
		return "service.shutdown"
	default:
		return "unknown"
	}
}

// Event is implemented by every payload the bus carries.
type Event interface {
	Kind() Kind
}

// SessionStateChanged reports a tool server session transition.
type SessionStateChanged struct {
	Session string
	From    string
	To      string
	Err     string // set when the transition was a failure
}

// SessionRestart reports one restart attempt of a tool server.
type SessionRestart struct {
	Session string
	Attempt int
	Err     string // empty on success
}

// RegistryChanged reports a rebuilt tool namespace.
type RegistryChanged struct {
	Tools    int
	Warnings []string
}

// ServiceShutdown is published once when the service starts stopping.
type ServiceShutdown struct {
	Reason string // idle, request or signal
}

func (SessionStateChanged) Kind() Kind { return KindSessionState }
func (SessionRestart) Kind() Kind      { return KindSessionRestart }
func (RegistryChanged) Kind() Kind     { return KindRegistryChanged }
func (ServiceShutdown) Kind() Kind     { return KindServiceShutdown }
