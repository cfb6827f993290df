package forwarder_test

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/tcp-load-balancer/internal/forwarder"
)

type trackedConn struct {
	net.Conn
	closed atomic.Bool
}

func (c *trackedConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

type trackingDialer struct {
	mu     sync.Mutex
	dialer net.Dialer
	dialed []string
	conns  []*trackedConn
}

func (d *trackingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, address)
	d.mu.Unlock()

	conn, err := d.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}

	tc := &trackedConn{Conn: conn}
	d.mu.Lock()
	d.conns = append(d.conns, tc)
	d.mu.Unlock()
	return tc, nil
}

func (d *trackingDialer) allClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		if !c.closed.Load() {
			return false
		}
	}
	return true
}

// startBackend runs handle for every connection accepted on a loopback port.
func startBackend(handle func(net.Conn)) net.Listener {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()

	DeferCleanup(l.Close)
	return l
}

// echoBackend reads exactly want bytes and writes them back repeat times.
func echoBackend(want, repeat int) func(net.Conn) {
	return func(conn net.Conn) {
		buf := make([]byte, want)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		for i := 0; i < repeat; i++ {
			if _, err := conn.Write(buf); err != nil {
				return
			}
		}
	}
}

func closedAddress() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	addr := l.Addr().String()
	Expect(l.Close()).To(Succeed())
	return addr
}

type exchange struct {
	result   forwarder.Result
	response []byte
	client   *trackedConn
}

// roundTrip hands one end of a pipe to the forwarder and plays the client on
// the other. A nil request closes the client without sending anything.
func roundTrip(f *forwarder.Forwarder, request []byte) exchange {
	lbSide, clientSide := net.Pipe()
	tracked := &trackedConn{Conn: lbSide}

	resCh := make(chan forwarder.Result, 1)
	go func() {
		resCh <- f.Handle(context.Background(), tracked)
	}()

	if request == nil {
		clientSide.Close()
		var res forwarder.Result
		Eventually(resCh).Should(Receive(&res))
		return exchange{result: res, client: tracked}
	}

	go func() {
		_, _ = clientSide.Write(request)
	}()

	response, _ := io.ReadAll(clientSide)
	clientSide.Close()

	var res forwarder.Result
	Eventually(resCh).Should(Receive(&res))
	return exchange{result: res, response: response, client: tracked}
}
