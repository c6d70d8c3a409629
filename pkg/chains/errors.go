package chains

import "errors"

var (
	// ErrChainAlreadyExists is returned when registering a duplicate chain id.
	ErrChainAlreadyExists = errors.New("chain already registered")

	// ErrChainNotFound is returned when a chain id is not registered.
	ErrChainNotFound = errors.New("chain not found")

	// ErrConnectorRunning is returned when starting an already running connector.
	ErrConnectorRunning = errors.New("connector already running")

	// ErrUnknownContract is returned for logs from contracts without an ABI.
	ErrUnknownContract = errors.New("no ABI registered for contract")
)
