package jsonrpc

import "errors"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// ErrParse indicates the payload was not syntactically valid JSON. Callers
// map it to ErrorCodeParseError.
var ErrParse = errors.New("jsonrpc: parse error")

// ErrInvalidMessage indicates syntactically valid JSON that is not a valid
// JSON-RPC 2.0 message: wrong version, missing method on a request, or a
// response carrying both result and error. Callers map it to
// ErrorCodeInvalidRequest.
var ErrInvalidMessage = errors.New("jsonrpc: invalid message")
