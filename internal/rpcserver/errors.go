package rpcserver

import (
	"errors"
	"strings"

	"github.com/kernel-hypeman-labs/msbhost/internal/classify"
	"github.com/kernel-hypeman-labs/msbhost/internal/errs"
)

// maxMessageLen is spec.md §7's 500-char cap before truncation.
const maxMessageLen = 500

// RPCError is the structured error envelope of spec.md §7: every
// user-visible error carries a conceptual type, a human-readable message,
// optional details, suggestions an AI caller can act on, and optional
// recovery actions.
type RPCError struct {
	ErrorType       string   `json:"error_type"`
	Message         string   `json:"message"`
	Details         string   `json:"details,omitempty"`
	Suggestions     []string `json:"suggestions,omitempty"`
	RecoveryActions []string `json:"recovery_actions,omitempty"`
}

// truncate applies spec.md §7's ">500 chars truncated at a word boundary
// with a '… (truncated)' suffix" rule.
func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	cut := strings.LastIndexByte(s[:maxMessageLen], ' ')
	if cut <= 0 {
		cut = maxMessageLen
	}
	return s[:cut] + "… (truncated)"
}

// toRPCError maps a sentinel/wrapped error from a manager package to the
// structured envelope, per spec.md §7's conceptual error kinds.
func toRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}

	msg := truncate(err.Error())

	switch {
	case errors.Is(err, errs.ErrSessionNotFound):
		return &RPCError{ErrorType: "SessionNotFound", Message: msg,
			Suggestions: []string{"call get_sessions to list currently valid session ids"}}
	case errors.Is(err, errs.ErrSessionCreationFailed):
		return &RPCError{ErrorType: "SessionCreationFailed", Message: msg,
			Suggestions:     []string{"retry shortly; if this persists, check image availability and resource headroom"},
			RecoveryActions: []string{"retry with a smaller flavor"}}
	case errors.Is(err, errs.ErrUnsupportedTemplate):
		return &RPCError{ErrorType: "UnsupportedTemplate", Message: msg,
			Suggestions: []string{"use one of the supported templates: python, node"}}
	case errors.Is(err, errs.ErrInvalidFlavor):
		return &RPCError{ErrorType: "InvalidFlavor", Message: msg,
			Suggestions: []string{"use one of: small, medium, large"}}
	case errors.Is(err, errs.ErrResourceLimitExceeded):
		return &RPCError{ErrorType: "ResourceLimitExceeded", Message: msg,
			Suggestions:     []string{"stop an idle session or retry later"},
			RecoveryActions: []string{"retry with smaller flavor", "stop_session an idle session and retry"}}
	case errors.Is(err, errs.ErrInvalidSessionState):
		return &RPCError{ErrorType: "InvalidSessionState", Message: msg,
			Suggestions: []string{"create a new session rather than reusing this one"}}
	case errors.Is(err, errs.ErrExecutionTimeout):
		return &RPCError{ErrorType: "ExecutionTimeout", Message: msg,
			Suggestions: []string{"reduce the workload or split it into smaller calls"}}
	case errors.Is(err, errs.ErrImagePullFailed):
		return &RPCError{ErrorType: "ImagePullFailed", Message: msg,
			Suggestions: []string{"verify the image reference and registry connectivity"}}
	case errors.Is(err, errs.ErrLayerExtractionFailed):
		return &RPCError{ErrorType: "LayerExtractionFailed", Message: msg,
			Suggestions: []string{"retry the pull; if this persists the image may be corrupt"}}
	default:
		return &RPCError{ErrorType: "InternalError", Message: msg}
	}
}

// classificationToRPCError turns a classify.Result into the matching
// RPCError kind, used once an in-guest run has already completed with a
// non-zero exit or stderr output.
func classificationToRPCError(result classify.Result, stderr string) *RPCError {
	switch result.Kind {
	case classify.KindCompilation:
		return &RPCError{ErrorType: "CompilationError", Message: truncate(stderr), Suggestions: result.Suggestions}
	case classify.KindRuntime:
		return &RPCError{ErrorType: "RuntimeError", Message: truncate(stderr), Suggestions: result.Suggestions}
	case classify.KindSystem:
		return &RPCError{ErrorType: "SystemError", Message: truncate(stderr), Suggestions: result.Suggestions}
	case classify.KindGeneric:
		return &RPCError{ErrorType: "CodeExecutionError", Message: truncate(stderr), Suggestions: result.Suggestions}
	default:
		return nil
	}
}
