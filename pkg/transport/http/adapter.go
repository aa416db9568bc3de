package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rhuss/omega/pkg/api"
	"github.com/rhuss/omega/pkg/auth"
	"github.com/rhuss/omega/pkg/debug"
	"github.com/rhuss/omega/pkg/ledger"
	"github.com/rhuss/omega/pkg/supervisor"
	"github.com/rhuss/omega/pkg/transport"
)

// Adapter serves the script API over HTTP.
// It routes requests to the ScriptService and serializes the results.
type Adapter struct {
	service   transport.ScriptService
	sandboxes transport.SandboxLister // nil hides GET /sandboxes
	mux       *http.ServeMux
	config    Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize: 2 << 20, // 2 MB
	}
}

// submitRequest is the body of POST /scripts.
type submitRequest struct {
	Source      string `json:"source"`
	Owner       string `json:"owner,omitempty"`
	Provider    string `json:"provider,omitempty"`
	AutoExecute bool   `json:"auto_execute,omitempty"`
}

// NewAdapter creates an HTTP adapter for service. sandboxes is optional.
func NewAdapter(service transport.ScriptService, sandboxes transport.SandboxLister, cfg Config) *Adapter {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}
	a := &Adapter{
		service:   service,
		sandboxes: sandboxes,
		mux:       http.NewServeMux(),
		config:    cfg,
	}

	a.mux.HandleFunc("POST /scripts", a.handleSubmit)
	a.mux.HandleFunc("GET /scripts/{id}", a.handleGetStatus)
	a.mux.HandleFunc("GET /scripts/{id}/source", a.handleGetScript)
	a.mux.HandleFunc("GET /scripts/{id}/attempts", a.handleListAttempts)
	a.mux.HandleFunc("POST /scripts/{id}/execute", a.handleExecute)
	a.mux.HandleFunc("POST /scripts/{id}/cancel", a.handleCancel)
	a.mux.HandleFunc("GET /sandboxes", a.handleListSandboxes)

	return a
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest.
func (a *Adapter) Handler() http.Handler {
	return a.mux
}

// handleSubmit handles POST /scripts.
func (a *Adapter) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return
	}

	// An authenticated caller always owns what it submits.
	owner := req.Owner
	if sub := auth.OwnerFromContext(r.Context()); sub != "" {
		owner = sub
	}

	script, err := a.service.Submit(r.Context(), req.Source, api.SubmitOptions{
		Owner:       owner,
		Provider:    req.Provider,
		AutoExecute: req.AutoExecute,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	debug.Log("transport", "script submitted", "script_id", script.ID)

	w.Header().Set("Location", "/scripts/"+script.ID)
	transport.WriteJSON(w, http.StatusCreated, script)
}

// handleGetStatus handles GET /scripts/{id}.
func (a *Adapter) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := scriptID(w, r)
	if !ok {
		return
	}
	view, err := a.service.GetStatus(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, view)
}

// handleGetScript handles GET /scripts/{id}/source.
func (a *Adapter) handleGetScript(w http.ResponseWriter, r *http.Request) {
	id, ok := scriptID(w, r)
	if !ok {
		return
	}
	script, err := a.service.GetScript(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, script)
}

// handleListAttempts handles GET /scripts/{id}/attempts.
func (a *Adapter) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := scriptID(w, r)
	if !ok {
		return
	}
	attempts, err := a.service.Attempts(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if attempts == nil {
		attempts = []*api.ExecutionAttempt{}
	}
	transport.WriteJSON(w, http.StatusOK, transport.AttemptList{Object: "list", Data: attempts})
}

// handleExecute handles POST /scripts/{id}/execute. By default the execute
// runs in the background and the current status is returned with 202.
// With ?wait=true the request blocks until the script is terminal;
// disconnecting cancels the execute.
func (a *Adapter) handleExecute(w http.ResponseWriter, r *http.Request) {
	id, ok := scriptID(w, r)
	if !ok {
		return
	}

	wait := false
	if v := r.URL.Query().Get("wait"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			transport.WriteAPIError(w, api.NewInvalidRequestError("wait", "wait must be a boolean"))
			return
		}
		wait = b
	}

	if wait {
		script, err := a.service.Execute(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		transport.WriteJSON(w, http.StatusOK, script)
		return
	}

	if err := a.service.Start(id); err != nil {
		writeServiceError(w, err)
		return
	}
	view, err := a.service.GetStatus(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusAccepted, view)
}

// handleCancel handles POST /scripts/{id}/cancel.
func (a *Adapter) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := scriptID(w, r)
	if !ok {
		return
	}
	if err := a.service.Cancel(id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleListSandboxes handles GET /sandboxes.
func (a *Adapter) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	if a.sandboxes == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "sandbox listing is not available"),
			http.StatusNotImplemented,
		)
		return
	}
	transport.WriteJSON(w, http.StatusOK, transport.SandboxList{Object: "list", Data: a.sandboxes.Snapshot()})
}

// scriptID extracts and validates the {id} path value. On failure it
// writes the error response and returns false.
func scriptID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !api.ValidateScriptID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed script ID"),
			http.StatusBadRequest,
		)
		return "", false
	}
	return id, true
}

// writeServiceError maps service and storage errors to API errors.
func writeServiceError(w http.ResponseWriter, err error) {
	var apiErr *api.APIError
	switch {
	case errors.As(err, &apiErr):
		transport.WriteAPIError(w, apiErr)
	case errors.Is(err, ledger.ErrNotFound):
		transport.WriteAPIError(w, api.NewNotFoundError(err.Error()))
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrNotRunning):
		transport.WriteAPIError(w, api.NewConflictError(err.Error()))
	case errors.Is(err, supervisor.ErrUnknownProvider):
		transport.WriteAPIError(w, api.NewInvalidRequestError("provider", err.Error()))
	case errors.Is(err, supervisor.ErrShuttingDown):
		transport.WriteErrorResponse(w, api.NewServerError(err.Error()), http.StatusServiceUnavailable)
	default:
		transport.WriteAPIError(w, api.NewServerError(err.Error()))
	}
}
