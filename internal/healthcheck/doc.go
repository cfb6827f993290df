// Package healthcheck implements the background liveness prober. Every
// interval it opens a plain TCP connection to each backend in turn and
// records the outcome in the registry; no payload is exchanged.
package healthcheck
