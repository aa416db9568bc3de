package api

import "fmt"

// ValidateScriptTransition checks whether a script status transition is
// allowed by the execution state machine. Succeeded and failed scripts may
// only be re-entered through a new execute request (-> running).
func ValidateScriptTransition(from, to ScriptStatus) *APIError {
	valid := map[ScriptStatus][]ScriptStatus{
		ScriptStatusPending:   {ScriptStatusRunning, ScriptStatusFailed},
		ScriptStatusRunning:   {ScriptStatusRunning, ScriptStatusRepairing, ScriptStatusSucceeded, ScriptStatusFailed},
		ScriptStatusRepairing: {ScriptStatusRunning, ScriptStatusFailed},
		ScriptStatusSucceeded: {},
		ScriptStatusFailed:    {ScriptStatusRunning},
	}

	allowed, exists := valid[from]
	if !exists {
		return NewInvalidRequestError("status",
			fmt.Sprintf("invalid transition from %s to %s", from, to))
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return NewInvalidRequestError("status",
		fmt.Sprintf("invalid transition from %s to %s", from, to))
}
