// Package errs holds the sentinel error kinds of spec.md §7, shared across
// manager packages and translated to the RPCError envelope at the RPC
// boundary (internal/rpcserver).
package errs

import "errors"

var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionCreationFailed = errors.New("session creation failed")
	ErrUnsupportedTemplate   = errors.New("unsupported template")
	ErrInvalidFlavor         = errors.New("invalid flavor")
	ErrResourceLimitExceeded = errors.New("resource limit exceeded")
	ErrInvalidSessionState   = errors.New("invalid session state")
	ErrExecutionTimeout      = errors.New("execution timeout")
	ErrCompilationError      = errors.New("compilation error")
	ErrRuntimeError          = errors.New("runtime error")
	ErrSystemError           = errors.New("system error")
	ErrCodeExecutionError    = errors.New("code execution error")
	ErrImagePullFailed       = errors.New("image pull failed")
	ErrLayerExtractionFailed = errors.New("layer extraction failed")
)
