package netaddr

import (
	"net"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// HostPort accepts "host:port" and ":port" with a numeric port in 0..65535.
// Port 0 asks the kernel for an ephemeral port.
var HostPort = validation.By(ValidateHostPort)

// ValidateHostPort is the rule behind HostPort. The host may be empty.
func ValidateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	// is.Port treats the empty string as valid.
	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if port != "0" {
		if err := is.Port.Validate(port); err != nil {
			return validation.NewError("validation_invalid_port", "must be a valid port number")
		}
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}
