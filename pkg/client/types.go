package client

import (
	crclient "sigs.k8s.io/controller-runtime/pkg/client"
)

// Client is the connection to the apiserver the operator manages.
type Client interface {
	// CRClient returns the controller-runtime client, an untyped client that
	// also speaks server-side apply.
	CRClient() crclient.Client

	// HostPort returns the host and port, as a string, of this connection
	HostPort() (string, string)
}
