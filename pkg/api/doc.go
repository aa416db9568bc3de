// Package api defines the core data types for the omega execution pipeline.
//
// The package holds the records the orchestration loop reads and writes:
// scripts, execution attempts, their status and outcome enumerations, the
// failure-kind taxonomy used to route failures, ID generation, and the
// structured APIError returned to inbound callers.
//
// The package has zero external dependencies (Go standard library only) and
// performs no I/O.
//
// Core types:
//   - [Script]: a unit of generated source with its lifecycle status
//   - [ExecutionAttempt]: one sandbox run of a script, immutable once sealed
//   - [Kind] and [ExecError]: classified failures (sandbox unavailable, timeout, ...)
//   - [APIError]: structured error with type, code, param, and message
package api
