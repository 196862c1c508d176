package EVMRPC

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const bridgeCoreJSON = `[
	{"type":"function","name":"deposit","stateMutability":"payable","inputs":[
		{"name":"transferId","type":"bytes32"},
		{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"destinationChainId","type":"uint256"},
		{"name":"recipient","type":"address"}],"outputs":[]}
]`

const bridgeReceiverJSON = `[
	{"type":"function","name":"release","stateMutability":"nonpayable","inputs":[
		{"name":"transferId","type":"bytes32"},
		{"name":"token","type":"address"},
		{"name":"recipient","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"sourceChainId","type":"uint256"},
		{"name":"sourceTxHash","type":"bytes32"},
		{"name":"signers","type":"address[]"},
		{"name":"signatures","type":"bytes[]"}],"outputs":[]}
]`

const validatorRegistryJSON = `[
	{"type":"function","name":"getValidators","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"threshold","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

const feeTreasuryJSON = `[
	{"type":"function","name":"feeBasisPoints","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	BridgeCoreABI        = mustParseABI(bridgeCoreJSON)
	BridgeReceiverABI    = mustParseABI(bridgeReceiverJSON)
	ValidatorRegistryABI = mustParseABI(validatorRegistryJSON)
	FeeTreasuryABI       = mustParseABI(feeTreasuryJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

func PackDeposit(transferID common.Hash, token common.Address, amount *big.Int, destinationChainID uint64, recipient common.Address) ([]byte, error) {
	return BridgeCoreABI.Pack("deposit", transferID, token, amount, new(big.Int).SetUint64(destinationChainID), recipient)
}

// Release is the destination side payload, carrying the validator attestations
type Release struct {
	TransferID    common.Hash
	Token         common.Address
	Recipient     common.Address
	Amount        *big.Int
	SourceChainID uint64
	SourceTxHash  common.Hash
	Signers       []common.Address
	Signatures    [][]byte
}

func PackRelease(r Release) ([]byte, error) {
	return BridgeReceiverABI.Pack("release",
		r.TransferID,
		r.Token,
		r.Recipient,
		r.Amount,
		new(big.Int).SetUint64(r.SourceChainID),
		r.SourceTxHash,
		r.Signers,
		r.Signatures,
	)
}

func PackGetValidators() ([]byte, error) {
	return ValidatorRegistryABI.Pack("getValidators")
}

func UnpackValidators(data []byte) ([]common.Address, error) {
	out, err := ValidatorRegistryABI.Unpack("getValidators", data)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getValidators returned %d values", len(out))
	}
	addrs, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("getValidators returned %T", out[0])
	}
	return addrs, nil
}

func PackThreshold() ([]byte, error) {
	return ValidatorRegistryABI.Pack("threshold")
}

func UnpackThreshold(data []byte) (*big.Int, error) {
	return unpackUint(ValidatorRegistryABI, "threshold", data)
}

func PackFeeBasisPoints(token common.Address) ([]byte, error) {
	return FeeTreasuryABI.Pack("feeBasisPoints", token)
}

func UnpackFeeBasisPoints(data []byte) (*big.Int, error) {
	return unpackUint(FeeTreasuryABI, "feeBasisPoints", data)
}

func unpackUint(contract abi.ABI, method string, data []byte) (*big.Int, error) {
	out, err := contract.Unpack(method, data)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, out[0])
	}
	return v, nil
}
