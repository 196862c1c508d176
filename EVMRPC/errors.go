package EVMRPC

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"gochainbridge/types"

	"github.com/ethereum/go-ethereum/rpc"
)

var errNonceTaken = errors.New("nonce already used")

var transientMessages = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"too many requests",
	"rate limit",
	"header not found",
	"service unavailable",
	"bad gateway",
	"eof",
}

// classify turns a raw rpc error into a typed bridge error, keeping the cause
func classify(err error, method string) error {
	if err == nil {
		return nil
	}
	var be *types.BridgeError
	if errors.As(err, &be) {
		return err
	}
	if isTransient(err) {
		return types.TransientError(err, "rpc %s", method)
	}
	return types.TerminalError(err, "rpc %s", method)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// the node already has the exact transaction, sending it again is a no-op
func alreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// the account nonce went to another transaction, or to this one in a mined block
func nonceTaken(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "replacement transaction underpriced")
}
