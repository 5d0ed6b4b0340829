package rpcserver

import (
	"fmt"
	"strings"
	"testing"

	"github.com/kernel-hypeman-labs/msbhost/internal/classify"
	"github.com/kernel-hypeman-labs/msbhost/internal/errs"
	"github.com/stretchr/testify/assert"
)

func TestTruncateLeavesShortMessagesAlone(t *testing.T) {
	assert.Equal(t, "short message", truncate("short message"))
}

func TestTruncateCutsAtWordBoundary(t *testing.T) {
	long := strings.Repeat("word ", 200)
	result := truncate(long)
	assert.LessOrEqual(t, len(result), maxMessageLen+len("… (truncated)"))
	assert.True(t, strings.HasSuffix(result, "… (truncated)"))
	assert.False(t, strings.HasSuffix(strings.TrimSuffix(result, "… (truncated)"), " "))
}

func TestToRPCErrorNil(t *testing.T) {
	assert.Nil(t, toRPCError(nil))
}

func TestToRPCErrorMapsSentinels(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantType  string
	}{
		{"session not found", fmt.Errorf("%w: x", errs.ErrSessionNotFound), "SessionNotFound"},
		{"session creation failed", fmt.Errorf("%w: x", errs.ErrSessionCreationFailed), "SessionCreationFailed"},
		{"unsupported template", fmt.Errorf("%w: x", errs.ErrUnsupportedTemplate), "UnsupportedTemplate"},
		{"invalid flavor", fmt.Errorf("%w: x", errs.ErrInvalidFlavor), "InvalidFlavor"},
		{"resource limit exceeded", fmt.Errorf("%w: x", errs.ErrResourceLimitExceeded), "ResourceLimitExceeded"},
		{"invalid session state", fmt.Errorf("%w: x", errs.ErrInvalidSessionState), "InvalidSessionState"},
		{"execution timeout", fmt.Errorf("%w: x", errs.ErrExecutionTimeout), "ExecutionTimeout"},
		{"image pull failed", fmt.Errorf("%w: x", errs.ErrImagePullFailed), "ImagePullFailed"},
		{"layer extraction failed", fmt.Errorf("%w: x", errs.ErrLayerExtractionFailed), "LayerExtractionFailed"},
		{"unmapped error", fmt.Errorf("something else entirely"), "InternalError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpcErr := toRPCError(tt.err)
			assert.Equal(t, tt.wantType, rpcErr.ErrorType)
		})
	}
}

func TestClassificationToRPCErrorMapsEveryKind(t *testing.T) {
	tests := []struct {
		kind     classify.Kind
		wantType string
	}{
		{classify.KindCompilation, "CompilationError"},
		{classify.KindRuntime, "RuntimeError"},
		{classify.KindSystem, "SystemError"},
		{classify.KindGeneric, "CodeExecutionError"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			rpcErr := classificationToRPCError(classify.Result{Kind: tt.kind, Suggestions: []string{"s"}}, "stderr text")
			assert.Equal(t, tt.wantType, rpcErr.ErrorType)
			assert.Equal(t, []string{"s"}, rpcErr.Suggestions)
		})
	}
}

func TestClassificationToRPCErrorNoneIsNil(t *testing.T) {
	assert.Nil(t, classificationToRPCError(classify.Result{Kind: classify.KindNone}, ""))
}
