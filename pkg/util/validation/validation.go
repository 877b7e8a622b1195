package validation

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	k8serrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/validation"
)

func aggregate(messages []string) error {
	if len(messages) == 0 {
		return nil
	}

	errs := make([]error, len(messages))
	for i, m := range messages {
		errs[i] = errors.New(m)
	}

	return k8serrors.NewAggregate(errs)
}

// Label checks if the given string is a valid DNS (RFC 1123) label, the
// shape of namespace, Service, and application names.
func Label(v string) error {
	return aggregate(validation.IsDNS1123Label(v))
}

// Subdomain checks if the given string is a valid subdomain name.
func Subdomain(v string) error {
	return aggregate(validation.IsDNS1123Subdomain(v))
}

// Host validates if host is a valid IP address or subdomain in DNS (RFC 1123).
func Host(host string) error {
	errDomain := Subdomain(host)
	errIP := validation.IsValidIP(nil, host)
	if errDomain != nil && errIP != nil {
		return fmt.Errorf("invalid host: %s", host)
	}

	return nil
}

// Port validates if port is a valid port number between 1-65535.
func Port(port int) error {
	invalidPorts := validation.IsValidPortNum(port)
	if invalidPorts != nil {
		return fmt.Errorf("invalid port number: %d", port)
	}

	return nil
}

// BindAddress validates a host:port listen address. The host may be empty to
// listen on every interface.
func BindAddress(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid bind address %q: %v", addr, err)
	}
	if host != "" {
		if err := Host(host); err != nil {
			return err
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid bind address %q: port is not a number", addr)
	}
	// port 0 picks a free port
	if port == 0 {
		return nil
	}
	return Port(port)
}
