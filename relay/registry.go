package relay

import (
	"context"
	"errors"
	"fmt"

	"gochainbridge/EVMRPC"
	"gochainbridge/types"

	"github.com/ethereum/go-ethereum/common"
)

// Registry returns the validator set in force right now
type Registry interface {
	Validators(ctx context.Context) ([]common.Address, int, error)
}

// StaticRegistry is a validator set fixed in configuration
type StaticRegistry struct {
	Addresses []common.Address
	Threshold int
}

func (r *StaticRegistry) Validators(ctx context.Context) ([]common.Address, int, error) {
	if len(r.Addresses) == 0 {
		return nil, 0, errors.New("no validators configured")
	}
	out := make([]common.Address, len(r.Addresses))
	copy(out, r.Addresses)
	return out, r.Threshold, nil
}

// StateReader is the part of a chain adapter needed to read the registry contract
type StateReader interface {
	ReadContractState(ctx context.Context, call EVMRPC.Call) ([]byte, error)
}

// ContractRegistry reads getValidators() and threshold() from the on-chain registry
type ContractRegistry struct {
	Reader  StateReader
	Address common.Address
}

func (r *ContractRegistry) Validators(ctx context.Context) ([]common.Address, int, error) {
	data, err := EVMRPC.PackGetValidators()
	if err != nil {
		return nil, 0, err
	}
	out, err := r.Reader.ReadContractState(ctx, EVMRPC.Call{To: r.Address, Data: data})
	if err != nil {
		return nil, 0, err
	}
	validators, err := EVMRPC.UnpackValidators(out)
	if err != nil {
		return nil, 0, types.TerminalError(err, "cannot decode validator set")
	}

	data, err = EVMRPC.PackThreshold()
	if err != nil {
		return nil, 0, err
	}
	out, err = r.Reader.ReadContractState(ctx, EVMRPC.Call{To: r.Address, Data: data})
	if err != nil {
		return nil, 0, err
	}
	threshold, err := EVMRPC.UnpackThreshold(out)
	if err != nil {
		return nil, 0, types.TerminalError(err, "cannot decode validator threshold")
	}
	if !threshold.IsInt64() || threshold.Int64() > int64(len(validators)) {
		return nil, 0, types.TerminalError(nil, "registry threshold %s exceeds %d validators", threshold.String(), len(validators))
	}
	return validators, int(threshold.Int64()), nil
}

func checkSet(validators []common.Address, threshold int) error {
	if threshold < 1 {
		return fmt.Errorf("validator threshold must be positive, got %d", threshold)
	}
	if threshold > len(validators) {
		return fmt.Errorf("validator threshold %d exceeds %d validators", threshold, len(validators))
	}
	return nil
}
