package rpcserver

import "encoding/json"

// rpcRequest is the JSON-RPC envelope accepted at the fixed path, per
// SPEC_FULL.md §4.7's "typed request structs per method" rule:
// params is decoded into a method-specific struct rather than a dynamic
// bag, and unknown top-level fields are rejected by the decoder.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
	ID      any       `json:"id,omitempty"`
}

type executeCodeParams struct {
	Code      string  `json:"code"`
	Template  *string `json:"template,omitempty"`
	SessionID *string `json:"session_id,omitempty"`
	Flavor    *string `json:"flavor,omitempty"`
}

type executeCommandParams struct {
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Template  *string  `json:"template,omitempty"`
	SessionID *string  `json:"session_id,omitempty"`
	Flavor    *string  `json:"flavor,omitempty"`
}

type getSessionsParams struct {
	SessionID *string `json:"session_id,omitempty"`
}

type stopSessionParams struct {
	SessionID string `json:"session_id"`
}

type getVolumePathParams struct {
	SessionID *string `json:"session_id,omitempty"`
}

type getSystemHealthParams struct{}

// ExecutionResponse is the result of execute_code/execute_command, per
// spec.md §6. ExitCode is nil for code execution, present for commands.
type ExecutionResponse struct {
	SessionID       string `json:"session_id"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        *int   `json:"exit_code,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	SessionCreated  bool   `json:"session_created"`
}

// SessionSummary is one session's externally-visible state, per spec.md §6.
type SessionSummary struct {
	ID            string `json:"id"`
	Language      string `json:"language"`
	Flavor        string `json:"flavor"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
	LastAccessed  string `json:"last_accessed"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// SessionListResponse wraps get_sessions' result.
type SessionListResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

// StopSessionResponse is stop_session's result.
type StopSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// VolumePathResponse is get_volume_path's result.
type VolumePathResponse struct {
	Path string `json:"path"`
}

// ResourceStatsSummary is the resource manager's usage snapshot, nested
// inside SystemHealthResponse.
type ResourceStatsSummary struct {
	UsedMemoryMiB  int `json:"used_memory_mib"`
	TotalMemoryMiB int `json:"total_memory_mib"`
	UsedVCPUs      int `json:"used_vcpus"`
	TotalVCPUs     int `json:"total_vcpus"`
	ActiveSessions int `json:"active_sessions"`
	MaxSessions    int `json:"max_sessions"`
	AllocatedPorts int `json:"allocated_ports"`
	AvailablePorts int `json:"available_ports"`
}

// SystemHealthResponse is get_system_health's result: a per-status session
// count breakdown plus resource usage, a supplemented diagnostic feature
// grounded on the original implementation's SystemHealthStats (not one of
// spec.md §6's five core methods).
type SystemHealthResponse struct {
	TotalSessions       int                  `json:"total_sessions"`
	ActiveSessions      int                  `json:"active_sessions"`
	CreatingSessions    int                  `json:"creating_sessions"`
	ReadySessions       int                  `json:"ready_sessions"`
	RunningSessions     int                  `json:"running_sessions"`
	ErrorSessions       int                  `json:"error_sessions"`
	StoppedSessions     int                  `json:"stopped_sessions"`
	SessionsNearTimeout int                  `json:"sessions_near_timeout"`
	ExpiredSessions     int                  `json:"expired_sessions"`
	ResourceStats       ResourceStatsSummary `json:"resource_stats"`
}
