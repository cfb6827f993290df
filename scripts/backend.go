//go:build ignore

// Backend is a plain TCP server used to exercise the load balancer locally.
// Every connection gets one read and a short HTTP response naming the port,
// after which the connection is closed.
//
// Usage:
//
//	go run backend.go -port 8081
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
)

func main() {
	port := flag.Int("port", 8081, "port to listen on")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil)).With(slog.Int("port", *port))

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Error("listen failed", slog.Any("err", err))
		os.Exit(1)
	}
	log.Info("backend listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error("accept failed", slog.Any("err", err))
			continue
		}
		go serve(conn, *port, log)
	}
}

func serve(conn net.Conn, port int, log *slog.Logger) {
	defer conn.Close()

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		// health probes connect and close without sending
		return
	}

	body := fmt.Sprintf("Hello from backend %d\n", port)
	fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body)

	log.Info("request served", slog.String("from", conn.RemoteAddr().String()), slog.Int("bytes", n))
}
