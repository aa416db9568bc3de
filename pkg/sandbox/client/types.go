// Package client is the HTTP client for the in-sandbox runtime server and
// the home of its wire types.
package client

import "strconv"

// Runtime modes understood by the sandbox server.
const (
	ModeManim  = "manim"
	ModePython = "python"
)

// Execution status values reported by the sandbox server.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// ExecuteRequest is the request body for POST /execute.
type ExecuteRequest struct {
	// Code is the script source, copied into a fresh working directory.
	Code string `json:"code"`

	// Mode overrides the server's default runtime mode for this request.
	Mode string `json:"mode,omitempty"`

	// TimeoutSeconds bounds the script run. Zero uses the server default.
	TimeoutSeconds int `json:"timeout_seconds"`

	// Quality is the manim quality flag (l, m, h, p, k). Ignored in python mode.
	Quality string `json:"quality,omitempty"`

	// Files are extra input files (name -> base64 content).
	Files map[string]string `json:"files,omitempty"`
}

// ExecuteResponse is the response from POST /execute.
type ExecuteResponse struct {
	Status          string `json:"status"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`

	// Truncated is set when stdout or stderr exceeded the server's cap.
	Truncated bool `json:"truncated,omitempty"`

	// FilesProduced maps paths relative to the output directory to base64
	// content. Always empty on timeout.
	FilesProduced map[string]string `json:"files_produced,omitempty"`

	// Session identifies the server process that ran the request.
	Session string `json:"session"`
}

// InstallRequest is the request body for POST /install.
type InstallRequest struct {
	Package        string `json:"package"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// InstallResponse is the response from POST /install.
type InstallResponse struct {
	// Status is "installed" or "failed".
	Status  string `json:"status"`
	Output  string `json:"output,omitempty"`
	Session string `json:"session"`
}

// Install status values.
const (
	InstallInstalled = "installed"
	InstallFailed    = "failed"
)

// HealthResponse is the response from GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Mode           string `json:"mode"`
	RuntimeVersion string `json:"runtime_version"`
	Session        string `json:"session"`
	Capacity       int    `json:"capacity"`
	CurrentLoad    int    `json:"current_load"`
	UptimeSecs     int64  `json:"uptime_seconds"`
}

// TruncationMarker is appended to output cut at the size cap.
func TruncationMarker(omitted int) string {
	return "\n...[truncated " + strconv.Itoa(omitted) + " bytes]"
}

// TruncateOutput bounds s to limit bytes, appending a TruncationMarker
// when anything was cut. A limit <= 0 disables the bound.
func TruncateOutput(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	return s[:limit] + TruncationMarker(len(s)-limit), true
}
