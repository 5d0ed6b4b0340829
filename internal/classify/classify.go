// Package classify implements the exit-code/stderr-substring execution
// error classification of spec.md §7: every non-zero exit or non-empty
// stderr from an in-guest run gets bucketed into one of Compilation,
// Runtime, System, or the generic fallback before it reaches the RPC
// boundary.
package classify

import "strings"

// Kind is one of the closed execution-error classifications.
type Kind string

const (
	KindNone        Kind = ""
	KindCompilation Kind = "compilation_error"
	KindRuntime     Kind = "runtime_error"
	KindSystem      Kind = "system_error"
	KindGeneric     Kind = "code_execution_error"
)

// Result is the classification outcome plus the suggestion text surfaced
// in the RPC error envelope's `suggestions` field.
type Result struct {
	Kind        Kind
	Suggestions []string
}

// systemExitCodes are shell/signal convention exit codes that indicate a
// system-level failure rather than a program bug, per spec.md §7: 126
// (not executable), 127 (not found), 128-255 (terminated by signal N-128),
// 124 (timeout(1) killed), 137 (SIGKILL, commonly OOM), 143 (SIGTERM).
func isSystemExitCode(code int) bool {
	if code == 124 || code == 126 || code == 127 || code == 137 || code == 143 {
		return true
	}
	return code >= 128 && code <= 255
}

// compilationSubstrings are template-agnostic lexer/parser failure
// markers; template-specific ones are added in compilationSubstringsFor.
var compilationSubstrings = []string{
	"syntaxerror",
	"indentationerror",
	"unexpected token",
	"parse error",
	"compileerror",
	"cannot find module",
}

// compilationSubstringsFor adds template-specific compiler/parser error
// text on top of the common set.
func compilationSubstringsFor(template string) []string {
	switch template {
	case "node":
		return append(append([]string{}, compilationSubstrings...), "referenceerror: ", "unexpected identifier")
	default:
		return compilationSubstrings
	}
}

var runtimeSubstrings = []string{
	"traceback (most recent call last)",
	"typeerror",
	"valueerror",
	"keyerror",
	"indexerror",
	"attributeerror",
	"zerodivisionerror",
	"unhandled promise rejection",
	"unhandledpromiserejection",
	"uncaught exception",
	"nullpointerexception",
	"panic:",
}

var systemSubstrings = []string{
	"permission denied",
	"operation not permitted",
	"killed",
	"out of memory",
	"oom-kill",
	"timed out",
	"timeout",
	"no space left on device",
}

// Classify derives a Result from the in-guest run's exit code and stderr,
// per spec.md §7's rules, checked in this order: compilation substrings,
// then system substrings/exit codes, then runtime substrings, else the
// generic fallback. Returns KindNone
// (zero value) when exitCode is 0 and stderr is empty, since no
// classification is performed on success.
func Classify(template, stderr string, exitCode int) Result {
	if exitCode == 0 && strings.TrimSpace(stderr) == "" {
		return Result{Kind: KindNone}
	}

	lower := strings.ToLower(stderr)

	for _, s := range compilationSubstringsFor(template) {
		if strings.Contains(lower, s) {
			return Result{
				Kind:        KindCompilation,
				Suggestions: []string{"check the code for syntax errors before resubmitting"},
			}
		}
	}

	for _, s := range systemSubstrings {
		if strings.Contains(lower, s) {
			return Result{
				Kind:        KindSystem,
				Suggestions: []string{"the execution environment hit a resource or permission limit; retry with a smaller workload or larger flavor"},
			}
		}
	}
	if isSystemExitCode(exitCode) {
		return Result{
			Kind:        KindSystem,
			Suggestions: []string{"the process exited abnormally (signal or shell-level failure); inspect stderr for the underlying cause"},
		}
	}

	for _, s := range runtimeSubstrings {
		if strings.Contains(lower, s) {
			return Result{
				Kind:        KindRuntime,
				Suggestions: []string{"the code raised an unhandled exception at runtime; check the traceback for the failing line"},
			}
		}
	}

	return Result{
		Kind:        KindGeneric,
		Suggestions: []string{"review stdout/stderr for details; the failure did not match a known pattern"},
	}
}
