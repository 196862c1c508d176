package types

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeValidation          ErrorCode = "ValidationError"
	CodeRPCTransient        ErrorCode = "RpcTransientError"
	CodeRPCTerminal         ErrorCode = "RpcTerminalError"
	CodeTxDropped           ErrorCode = "TxDropped"
	CodeQuorumTimeout       ErrorCode = "QuorumTimeout"
	CodeInsufficientFee     ErrorCode = "InsufficientFeeError"
	CodeConfirmationTimeout ErrorCode = "ConfirmationTimeout"
	CodeDeadlineExceeded    ErrorCode = "DeadlineExceeded"
	CodeAttemptsExhausted   ErrorCode = "AttemptsExhausted"
	CodeCancelled           ErrorCode = "Cancelled"
	CodeNotFound            ErrorCode = "NotFound"
	CodeConflict            ErrorCode = "Conflict"
	CodeInternal            ErrorCode = "InternalError"
)

// BridgeError carries a machine readable code next to the message
type BridgeError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *BridgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

func NewError(code ErrorCode, err error, format string, args ...interface{}) *BridgeError {
	return &BridgeError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func ValidationError(format string, args ...interface{}) *BridgeError {
	return NewError(CodeValidation, nil, format, args...)
}

func TransientError(err error, format string, args ...interface{}) *BridgeError {
	return NewError(CodeRPCTransient, err, format, args...)
}

func TerminalError(err error, format string, args ...interface{}) *BridgeError {
	return NewError(CodeRPCTerminal, err, format, args...)
}

var (
	ErrNotFound   = &BridgeError{Code: CodeNotFound, Message: "transfer not found"}
	ErrConflict   = &BridgeError{Code: CodeConflict, Message: "concurrent modification"}
	ErrTaskExists = errors.New("monitoring task already active for transfer and chain")
)

// CodeOf returns CodeInternal for errors that are not bridge errors
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeInternal
}

func IsTransient(err error) bool {
	return CodeOf(err) == CodeRPCTransient
}

func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// AsTransferError flattens an error for storage on the transfer
func AsTransferError(err error) *TransferError {
	if err == nil {
		return nil
	}
	var be *BridgeError
	if errors.As(err, &be) {
		return &TransferError{Code: be.Code, Message: be.Error()}
	}
	return &TransferError{Code: CodeInternal, Message: err.Error()}
}
