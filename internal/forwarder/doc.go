// Package forwarder relays a single client connection to a backend chosen
// from the registry. The relay is byte-transparent: one read of up to
// BufferSize bytes is sent to the backend and everything the backend writes
// until it closes is streamed back to the client.
package forwarder
