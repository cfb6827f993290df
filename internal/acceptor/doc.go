// Package acceptor owns the listening socket. It accepts client connections
// forever and hands each one to a Handler on a task started through a
// Spawner, never waiting for the handler to finish.
package acceptor
