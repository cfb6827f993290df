package backend

import (
	"fmt"
	"net"
	"strconv"
)

// Health is the reachability state of a backend as last seen by the prober.
type Health int

const (
	Offline Health = iota
	Online
)

func (h Health) String() string {
	switch h {
	case Online:
		return "UP"
	case Offline:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// Backend is a snapshot of a backend server. The registry owns the live
// copy; everything else works with values returned from it.
type Backend struct {
	Host   string
	Port   int
	Index  int
	Health Health
}

// New parses a host:port address into a Backend at the given rotation index.
// The backend starts Online until a probe says otherwise.
func New(index int, address string) (Backend, error) {
	host, rawPort, err := net.SplitHostPort(address)
	if err != nil {
		return Backend{}, fmt.Errorf("backend %q: %w", address, err)
	}

	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return Backend{}, fmt.Errorf("backend %q: invalid port: %w", address, err)
	}

	if port < 1 || port > 65535 {
		return Backend{}, fmt.Errorf("backend %q: port %d out of range", address, port)
	}

	return Backend{
		Host:   host,
		Port:   port,
		Index:  index,
		Health: Online,
	}, nil
}

// Address returns the dialable host:port form.
func (b Backend) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// Online reports whether the backend is currently eligible for traffic.
func (b Backend) Online() bool {
	return b.Health == Online
}

func (b Backend) String() string {
	return fmt.Sprintf("%s (%s)", b.Address(), b.Health)
}
