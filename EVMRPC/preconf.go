package EVMRPC

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ybbus/jsonrpc"
)

// preconfClient asks a node for its mini-block receipt, which ethclient has no method for
type preconfClient struct {
	rpc    jsonrpc.RPCClient
	method string
}

func newPreconfClient(url, method string) *preconfClient {
	return &preconfClient{
		rpc: jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{
			HTTPClient: &http.Client{Timeout: 5 * time.Second},
		}),
		method: method,
	}
}

func (c *preconfClient) included(txHash common.Hash) (bool, error) {
	var receipt map[string]interface{}
	if err := c.rpc.CallFor(&receipt, c.method, txHash.Hex()); err != nil {
		return false, err
	}
	return receipt != nil, nil
}
