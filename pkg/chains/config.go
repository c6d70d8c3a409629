package chains

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ContractConfig describes one watched contract on a chain.
type ContractConfig struct {
	// Address is the contract address.
	Address common.Address `yaml:"address"`

	// Name is a human-readable label used in logs.
	Name string `yaml:"name"`

	// ABI is the contract ABI JSON.
	ABI string `yaml:"abi"`

	// StartBlock is the first block to index when no cursor exists.
	StartBlock uint64 `yaml:"start_block"`
}

// Config describes one chain connection.
type Config struct {
	// ID is the chain identifier used throughout the pipeline, e.g. "base".
	ID string `yaml:"id"`

	// Name is a human-readable chain name.
	Name string `yaml:"name"`

	// WSEndpoint is the websocket RPC endpoint used for live subscriptions.
	WSEndpoint string `yaml:"ws_endpoint"`

	// Contracts are the watched contracts.
	Contracts []ContractConfig `yaml:"contracts"`

	// ReplayBatchSize bounds the block range of one replay FilterLogs call.
	ReplayBatchSize uint64 `yaml:"replay_batch_size"`

	// ReplayRequestsPerSec throttles replay FilterLogs calls so a long
	// catch-up does not saturate the RPC endpoint.
	ReplayRequestsPerSec float64 `yaml:"replay_requests_per_sec"`

	// ReconnectBackoff is the initial reconnect delay.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectBackoff caps the reconnect delay.
	MaxReconnectBackoff time.Duration `yaml:"max_reconnect_backoff"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.ReplayBatchSize == 0 {
		c.ReplayBatchSize = 2000
	}
	if c.ReplayRequestsPerSec == 0 {
		c.ReplayRequestsPerSec = 10
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = time.Second
	}
	if c.MaxReconnectBackoff == 0 {
		c.MaxReconnectBackoff = 30 * time.Second
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("chain id is required")
	}
	if c.WSEndpoint == "" {
		return fmt.Errorf("chain %s: ws endpoint is required", c.ID)
	}
	if len(c.Contracts) == 0 {
		return fmt.Errorf("chain %s: at least one contract is required", c.ID)
	}
	for i, contract := range c.Contracts {
		if contract.Address == (common.Address{}) {
			return fmt.Errorf("chain %s: contract %d has no address", c.ID, i)
		}
		if contract.ABI == "" {
			return fmt.Errorf("chain %s: contract %s has no ABI", c.ID, contract.Address.Hex())
		}
	}
	return nil
}

// Addresses returns the watched contract addresses.
func (c *Config) Addresses() []common.Address {
	addrs := make([]common.Address, 0, len(c.Contracts))
	for _, contract := range c.Contracts {
		addrs = append(addrs, contract.Address)
	}
	return addrs
}
