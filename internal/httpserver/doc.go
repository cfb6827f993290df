// Package httpserver runs the admin HTTP endpoint that exposes metrics and
// liveness next to the TCP data plane. It validates the listen address up
// front and shuts down when its context ends.
package httpserver
