package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifySuccessIsKindNone(t *testing.T) {
	result := Classify("python", "", 0)
	assert.Equal(t, KindNone, result.Kind)
	assert.Empty(t, result.Suggestions)
}

func TestClassifyCompilationError(t *testing.T) {
	tests := []struct {
		name     string
		template string
		stderr   string
		exitCode int
	}{
		{"python syntax error", "python", "  File \"x.py\", line 2\nSyntaxError: invalid syntax", 1},
		{"python indentation error", "python", "IndentationError: unexpected indent", 1},
		{"node reference error", "node", "ReferenceError: x is not defined", 1},
		{"node cannot find module", "node", "Error: Cannot find module 'left-pad'", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Classify(tt.template, tt.stderr, tt.exitCode)
			assert.Equal(t, KindCompilation, result.Kind)
			assert.NotEmpty(t, result.Suggestions)
		})
	}
}

func TestClassifySystemSubstringBeatsRuntimeSubstring(t *testing.T) {
	// "Killed" is a system substring; it must win over the runtime
	// substring "Traceback (most recent call last)" even when the exit code
	// looks otherwise unremarkable and no compilation substring matches.
	result := Classify("python", "Traceback (most recent call last):\nKilled", 9)
	assert.Equal(t, KindSystem, result.Kind)
}

func TestClassifySystemExitCode(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
	}{
		{"timeout", 124},
		{"not executable", 126},
		{"not found", 127},
		{"sigkill", 137},
		{"sigterm", 143},
		{"generic signal range", 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Classify("python", "something went wrong", tt.exitCode)
			assert.Equal(t, KindSystem, result.Kind)
		})
	}
}

func TestClassifyRuntimeError(t *testing.T) {
	tests := []struct {
		name     string
		stderr   string
		exitCode int
	}{
		{"python traceback", "Traceback (most recent call last):\nValueError: bad value", 1},
		{"python keyerror", "KeyError: 'missing'", 1},
		{"node unhandled rejection", "UnhandledPromiseRejection: boom", 1},
		{"go-style panic", "panic: runtime error: index out of range", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Classify("python", tt.stderr, tt.exitCode)
			assert.Equal(t, KindRuntime, result.Kind)
		})
	}
}

func TestClassifyGenericFallback(t *testing.T) {
	result := Classify("python", "something unrecognized happened", 1)
	assert.Equal(t, KindGeneric, result.Kind)
	assert.NotEmpty(t, result.Suggestions)
}

func TestClassifyWhitespaceOnlyStderrWithZeroExitIsNone(t *testing.T) {
	result := Classify("python", "   \n\t  ", 0)
	assert.Equal(t, KindNone, result.Kind)
}
