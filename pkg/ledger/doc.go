// Package ledger defines the AttemptLedger: the durable record of scripts
// and their execution attempts.
//
// Adapters (memory, postgres, sqlite) implement [Store]. Every attempt
// change is applied together with the script-side [api.ScriptUpdate] that
// accompanies it, so a reader never observes a sealed attempt whose script
// status has not caught up.
package ledger
