package forwarder

// State is a step of the per-connection state machine.
type State int

const (
	SelectBackend State = iota
	ReadRequest
	ConnectBackend
	RelayRequest
	RelayResponse
	Closed
	ErrorClosed
)

func (s State) String() string {
	switch s {
	case SelectBackend:
		return "SELECT_BACKEND"
	case ReadRequest:
		return "READ_REQUEST"
	case ConnectBackend:
		return "CONNECT_BACKEND"
	case RelayRequest:
		return "RELAY_REQUEST"
	case RelayResponse:
		return "RELAY_RESPONSE"
	case Closed:
		return "CLOSED"
	case ErrorClosed:
		return "ERROR_CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == Closed || s == ErrorClosed
}
