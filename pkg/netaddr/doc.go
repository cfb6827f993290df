// Package netaddr holds the host:port validation shared by configuration
// and the listeners. Its rules plug into ozzo-validation.
package netaddr
