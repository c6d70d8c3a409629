package chains

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/taskmesh/relay/pkg/normalize"
)

// Decoder decodes raw chain logs into normalizer input using registered
// contract ABIs.
type Decoder struct {
	chainID   string
	contracts map[common.Address]abi.ABI
}

// NewDecoder builds a decoder for a chain's watched contracts.
func NewDecoder(cfg *Config) (*Decoder, error) {
	contracts := make(map[common.Address]abi.ABI, len(cfg.Contracts))
	for _, contract := range cfg.Contracts {
		parsed, err := abi.JSON(strings.NewReader(contract.ABI))
		if err != nil {
			return nil, fmt.Errorf("contract %s: invalid ABI: %w", contract.Address.Hex(), err)
		}
		contracts[contract.Address] = parsed
	}
	return &Decoder{
		chainID:   cfg.ID,
		contracts: contracts,
	}, nil
}

// Decode decodes one log. Logs from unwatched contracts return
// ErrUnknownContract.
func (d *Decoder) Decode(lg types.Log) (*normalize.RawLog, error) {
	contractABI, ok := d.contracts[lg.Address]
	if !ok {
		return nil, ErrUnknownContract
	}
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("log has no topics")
	}

	ev, err := contractABI.EventByID(lg.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("event not found for topic %s: %w", lg.Topics[0].Hex(), err)
	}

	args := make(map[string]interface{})

	var indexed abi.Arguments
	var nonIndexed abi.Arguments
	for _, input := range ev.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		} else {
			nonIndexed = append(nonIndexed, input)
		}
	}

	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
			return nil, fmt.Errorf("failed to parse indexed parameters: %w", err)
		}
	}
	if len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(args, lg.Data); err != nil {
			return nil, fmt.Errorf("failed to parse non-indexed parameters: %w", err)
		}
	}

	return &normalize.RawLog{
		Chain:       d.chainID,
		Contract:    lg.Address,
		EventName:   ev.RawName,
		Params:      serializeArgs(args),
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		ObservedAt:  time.Now(),
	}, nil
}

// serializeArgs converts ABI-decoded values into plain JSON-friendly types
// so canonical event payloads round-trip through storage unchanged.
func serializeArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = serializeValue(v)
	}
	return out
}

func serializeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case *big.Int:
		return val.String()
	case common.Address:
		return val.Hex()
	case common.Hash:
		return val.Hex()
	case [32]byte:
		return "0x" + hex.EncodeToString(val[:])
	case []byte:
		return "0x" + hex.EncodeToString(val)
	default:
		return v
	}
}
