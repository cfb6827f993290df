// Package supervisor owns every goroutine the load balancer starts: the
// long-lived loops (acceptor, prober, collector, admin server) and one task
// per client connection. It can signal shutdown and wait for all of them.
package supervisor
