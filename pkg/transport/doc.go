// Package transport defines the inbound service contract and the HTTP
// middleware chain for omega's HTTP API.
//
// # Service Interfaces
//
// ScriptService is the contract between the HTTP adapter and the
// execution supervisor: submit, get_status, execute, cancel and the
// attempt trail. SandboxLister exposes the sandbox pool bookkeeping for
// operators. Both are implemented in other packages
// (supervisor.Service and sandbox.Manager) so that the adapter can be
// tested against fakes.
//
// # Middleware
//
// Middleware wraps an http.Handler. Built-in middleware provides panic
// recovery, request ID assignment (X-Request-ID) and structured request
// logging via log/slog.
package transport
