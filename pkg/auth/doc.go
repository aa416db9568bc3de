// Package auth authenticates callers of the script API.
//
// Authentication uses a chain-of-responsibility pattern with three-outcome
// voting: each authenticator returns Yes (identity found), No (credentials
// invalid), or Abstain (can't handle). A configurable default decision
// applies when all authenticators abstain.
//
// Auth is implemented as HTTP middleware. The authenticated subject is
// stored in the request context and recorded as the owner of submitted
// scripts.
package auth
