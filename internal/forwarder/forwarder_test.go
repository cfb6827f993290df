package forwarder_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"

	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
	"github.com/angeloszaimis/tcp-load-balancer/internal/forwarder"
	"github.com/angeloszaimis/tcp-load-balancer/internal/metrics"
	"github.com/angeloszaimis/tcp-load-balancer/internal/registry"
)

func newRegistry(addresses ...string) *registry.Registry {
	bs := make([]backend.Backend, 0, len(addresses))
	for i, addr := range addresses {
		b, err := backend.New(i, addr)
		Expect(err).NotTo(HaveOccurred())
		bs = append(bs, b)
	}

	reg, err := registry.New(bs)
	Expect(err).NotTo(HaveOccurred())
	return reg
}

// nameBackend answers every request with its own port and closes.
func nameBackend() net.Listener {
	return startBackend(func(conn net.Conn) {
		buf := make([]byte, forwarder.BufferSize)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		_, port, _ := net.SplitHostPort(conn.LocalAddr().String())
		fmt.Fprintf(conn, "backend-%s", port)
	})
}

func portOf(l net.Listener) string {
	_, port, _ := net.SplitHostPort(l.Addr().String())
	return port
}

var _ = Describe("Forwarder", func() {
	var (
		logs   *gbytes.Buffer
		log    *slog.Logger
		dialer *trackingDialer
	)

	BeforeEach(func() {
		logs = gbytes.NewBuffer()
		log = slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
		dialer = &trackingDialer{}
	})

	Describe("UnavailableResponse", func() {
		It("should declare a content length matching its body", func() {
			parts := strings.SplitN(forwarder.UnavailableResponse, "\r\n\r\n", 2)
			Expect(parts).To(HaveLen(2))
			Expect(parts[0]).To(HavePrefix("HTTP/1.1 503 Service Unavailable\r\n"))
			Expect(parts[0]).To(ContainSubstring("Content-Length: 21"))
			Expect(parts[1]).To(Equal("No servers available."))
			Expect(parts[1]).To(HaveLen(21))
		})
	})

	Context("when every backend is offline", func() {
		It("should answer with the 503 response and close", func() {
			reg := newRegistry("127.0.0.1:8081", "127.0.0.1:8082", "127.0.0.1:8083")
			for i := 0; i < reg.Len(); i++ {
				_, _ = reg.MarkHealth(i, false)
			}

			f := forwarder.New(reg, log, forwarder.WithDialer(dialer))
			ex := roundTrip(f, []byte("GET / HTTP/1.1\r\n\r\n"))

			Expect(string(ex.response)).To(Equal("HTTP/1.1 503 Service Unavailable\r\nContent-Length: 21\r\n\r\nNo servers available."))
			Expect(ex.result.State).To(Equal(forwarder.Closed))
			Expect(ex.result.Err).NotTo(HaveOccurred())
			Expect(ex.client.closed.Load()).To(BeTrue())
			Expect(dialer.dialed).To(BeEmpty())
		})
	})

	Context("when every backend is offline over TCP", func() {
		It("should close without resetting clients that sent a request", func() {
			reg := newRegistry("127.0.0.1:8081")
			_, _ = reg.MarkHealth(0, false)
			f := forwarder.New(reg, log, forwarder.WithDialer(dialer))

			l := startBackend(func(conn net.Conn) {
				f.Handle(context.Background(), conn)
			})

			const clients = 20
			errs := make(chan error, clients)
			bodies := make(chan string, clients)
			for i := 0; i < clients; i++ {
				go func() {
					conn, err := net.Dial("tcp", l.Addr().String())
					if err != nil {
						errs <- err
						return
					}
					defer conn.Close()

					if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: lb\r\n\r\n")); err != nil {
						errs <- err
						return
					}
					time.Sleep(20 * time.Millisecond)

					conn.SetReadDeadline(time.Now().Add(2 * time.Second))
					body, err := io.ReadAll(conn)
					errs <- err
					bodies <- string(body)
				}()
			}

			for i := 0; i < clients; i++ {
				var err error
				Eventually(errs, 5*time.Second).Should(Receive(&err))
				Expect(err).NotTo(HaveOccurred())
			}
			for i := 0; i < clients; i++ {
				Expect(<-bodies).To(Equal(forwarder.UnavailableResponse))
			}
		})
	})

	Context("with a healthy echo backend", func() {
		It("should relay request and response unchanged", func() {
			request := []byte("GET /hello HTTP/1.1\r\nHost: example\r\n\r\n")
			l := startBackend(echoBackend(len(request), 1))
			reg := newRegistry(l.Addr().String())

			f := forwarder.New(reg, log, forwarder.WithDialer(dialer))
			ex := roundTrip(f, request)

			Expect(ex.response).To(Equal(request))
			Expect(ex.result.State).To(Equal(forwarder.Closed))
			Expect(ex.result.Err).NotTo(HaveOccurred())
			Expect(ex.result.BytesIn).To(Equal(int64(len(request))))
			Expect(ex.result.BytesOut).To(Equal(int64(len(request))))
			Expect(ex.result.Backend.Address()).To(Equal(l.Addr().String()))
			Expect(ex.client.closed.Load()).To(BeTrue())
			Expect(dialer.allClosed()).To(BeTrue())
		})

		It("should stream responses spanning many buffers", func() {
			request := bytes.Repeat([]byte{0x00, 0xff, 'a', '\n'}, 300)
			l := startBackend(echoBackend(len(request), 40))
			reg := newRegistry(l.Addr().String())

			f := forwarder.New(reg, log, forwarder.WithDialer(dialer))
			ex := roundTrip(f, request)

			Expect(ex.response).To(HaveLen(len(request) * 40))
			Expect(ex.response).To(Equal(bytes.Repeat(request, 40)))
			Expect(ex.result.BytesOut).To(Equal(int64(len(request) * 40)))
		})

		It("should forward a request filling the buffer exactly", func() {
			request := bytes.Repeat([]byte("x"), forwarder.BufferSize)
			l := startBackend(echoBackend(len(request), 1))
			reg := newRegistry(l.Addr().String())

			f := forwarder.New(reg, log, forwarder.WithDialer(dialer))
			ex := roundTrip(f, request)

			Expect(ex.response).To(Equal(request))
		})

		It("should forward only the first buffer of an oversized request", func() {
			request := append(bytes.Repeat([]byte("a"), forwarder.BufferSize), bytes.Repeat([]byte("b"), 2000)...)
			l := startBackend(echoBackend(forwarder.BufferSize, 1))
			reg := newRegistry(l.Addr().String())

			f := forwarder.New(reg, log, forwarder.WithDialer(dialer))
			ex := roundTrip(f, request)

			Expect(ex.response).To(Equal(request[:forwarder.BufferSize]))
			Expect(ex.result.BytesIn).To(Equal(int64(forwarder.BufferSize)))
		})

		It("should log the forwarded port", func() {
			l := startBackend(echoBackend(4, 1))
			reg := newRegistry(l.Addr().String())

			f := forwarder.New(reg, log, forwarder.WithDialer(dialer))
			roundTrip(f, []byte("ping"))

			Expect(logs).To(gbytes.Say("Forwarding to " + portOf(l)))
		})

		It("should report the relay to the collector", func() {
			collector := metrics.NewCollector(10, log)
			l := startBackend(echoBackend(4, 3))
			reg := newRegistry(l.Addr().String())

			f := forwarder.New(reg, log, forwarder.WithDialer(dialer), forwarder.WithCollector(collector))
			roundTrip(f, []byte("ping"))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go collector.Run(ctx)

			Eventually(func() int64 {
				return collector.Snapshot().Backends[l.Addr().String()].BytesOut
			}).Should(Equal(int64(12)))

			bm := collector.Snapshot().Backends[l.Addr().String()]
			Expect(bm.Selections).To(Equal(int64(1)))
			Expect(bm.BytesIn).To(Equal(int64(4)))
			Expect(bm.RelayFailures).To(BeZero())
		})
	})

	Context("when cleaning up failed connections", func() {
		It("should close the client that disconnects before sending", func() {
			l := startBackend(echoBackend(4, 1))
			reg := newRegistry(l.Addr().String())

			f := forwarder.New(reg, log, forwarder.WithDialer(dialer))
			ex := roundTrip(f, nil)

			Expect(ex.result.State).To(Equal(forwarder.ErrorClosed))
			Expect(ex.result.Err).To(MatchError(io.EOF))
			Expect(ex.client.closed.Load()).To(BeTrue())
			Expect(dialer.dialed).To(BeEmpty())
		})

		It("should close the client when the backend refuses and not retry another backend", func() {
			healthy := startBackend(echoBackend(4, 1))
			reg := newRegistry(closedAddress(), healthy.Addr().String())

			f := forwarder.New(reg, log, forwarder.WithDialer(dialer))
			ex := roundTrip(f, []byte("ping"))

			Expect(ex.result.State).To(Equal(forwarder.ErrorClosed))
			Expect(ex.result.Err).To(HaveOccurred())
			Expect(ex.response).To(BeEmpty())
			Expect(ex.client.closed.Load()).To(BeTrue())
			Expect(dialer.dialed).To(HaveLen(1))
			Expect(logs).To(gbytes.Say("Failed to connect to backend"))
		})

		It("should close both ends when the backend hangs up immediately", func() {
			l := startBackend(func(net.Conn) {})
			reg := newRegistry(l.Addr().String())

			f := forwarder.New(reg, log, forwarder.WithDialer(dialer))
			ex := roundTrip(f, []byte("ping"))

			Expect(ex.result.State.Terminal()).To(BeTrue())
			Expect(ex.response).To(BeEmpty())
			Expect(ex.client.closed.Load()).To(BeTrue())
			Expect(dialer.dialed).To(HaveLen(1))
			Expect(dialer.allClosed()).To(BeTrue())
		})

		It("should close both ends after a successful relay", func() {
			l := startBackend(echoBackend(4, 1))
			reg := newRegistry(l.Addr().String())

			f := forwarder.New(reg, log, forwarder.WithDialer(dialer))
			ex := roundTrip(f, []byte("ping"))

			Expect(ex.result.State).To(Equal(forwarder.Closed))
			Expect(ex.client.closed.Load()).To(BeTrue())
			Expect(dialer.conns).To(HaveLen(1))
			Expect(dialer.allClosed()).To(BeTrue())
		})
	})

	Describe("routing", func() {
		var backends []net.Listener

		BeforeEach(func() {
			backends = []net.Listener{nameBackend(), nameBackend(), nameBackend()}
		})

		routeSequence := func(f *forwarder.Forwarder, n int) []string {
			out := make([]string, 0, n)
			for i := 0; i < n; i++ {
				ex := roundTrip(f, []byte("GET / HTTP/1.1\r\n\r\n"))
				out = append(out, string(ex.response))
			}
			return out
		}

		It("should rotate through all online backends", func() {
			reg := newRegistry(backends[0].Addr().String(), backends[1].Addr().String(), backends[2].Addr().String())
			f := forwarder.New(reg, log)

			names := []string{
				"backend-" + portOf(backends[0]),
				"backend-" + portOf(backends[1]),
				"backend-" + portOf(backends[2]),
			}
			Expect(routeSequence(f, 6)).To(Equal([]string{names[0], names[1], names[2], names[0], names[1], names[2]}))
		})

		It("should skip an offline backend", func() {
			reg := newRegistry(backends[0].Addr().String(), backends[1].Addr().String(), backends[2].Addr().String())
			_, err := reg.MarkHealth(1, false)
			Expect(err).NotTo(HaveOccurred())
			f := forwarder.New(reg, log)

			first := "backend-" + portOf(backends[0])
			third := "backend-" + portOf(backends[2])
			Expect(routeSequence(f, 3)).To(Equal([]string{first, third, first}))
		})
	})

	Describe("State.String", func() {
		It("should name every state", func() {
			Expect(forwarder.SelectBackend.String()).To(Equal("SELECT_BACKEND"))
			Expect(forwarder.ReadRequest.String()).To(Equal("READ_REQUEST"))
			Expect(forwarder.ConnectBackend.String()).To(Equal("CONNECT_BACKEND"))
			Expect(forwarder.RelayRequest.String()).To(Equal("RELAY_REQUEST"))
			Expect(forwarder.RelayResponse.String()).To(Equal("RELAY_RESPONSE"))
			Expect(forwarder.Closed.String()).To(Equal("CLOSED"))
			Expect(forwarder.ErrorClosed.String()).To(Equal("ERROR_CLOSED"))
			Expect(forwarder.State(99).String()).To(Equal("UNKNOWN"))
		})

		It("should mark only the closed states as terminal", func() {
			Expect(forwarder.Closed.Terminal()).To(BeTrue())
			Expect(forwarder.ErrorClosed.Terminal()).To(BeTrue())
			Expect(forwarder.RelayResponse.Terminal()).To(BeFalse())
		})
	})

	It("should record how long the connection took", func() {
		l := startBackend(func(conn net.Conn) {
			buf := make([]byte, 4)
			_, _ = io.ReadFull(conn, buf)
			time.Sleep(20 * time.Millisecond)
			_, _ = conn.Write(buf)
		})
		reg := newRegistry(l.Addr().String())

		ex := roundTrip(forwarder.New(reg, log), []byte("ping"))
		Expect(ex.result.Duration).To(BeNumerically(">=", 20*time.Millisecond))
	})
})
