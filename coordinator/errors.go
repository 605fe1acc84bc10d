package coordinator

import "errors"

var (
	// ErrAdminConnectTimeout means the coordination store could not be
	// reached within the connect timeout.
	ErrAdminConnectTimeout = errors.New("timed out connecting to the coordination store")

	// ErrServiceNotFound means the service code is registered under neither
	// naming convention in the coordination store.
	ErrServiceNotFound = errors.New("service code not found")

	// ErrInitialization covers local environment problems while setting the
	// coordinator up, such as an unresolvable local host.
	ErrInitialization = errors.New("failed to initialize the cache client")

	// ErrShutdown is returned by calls made after Close.
	ErrShutdown = errors.New("coordinator is shut down")
)
