package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fluxworkflow/flux/catalog"
	"github.com/fluxworkflow/flux/client"
)

// adminHandler is the thinnest possible net/http binding over
// client.Client's admin/API surface (spec §6). Spec §1 explicitly scopes
// the HTTP/SSE transport as a web framework out of this core; this
// handler exists only so cmd/fluxserver is a runnable binary, not as the
// transport this spec governs.
type adminHandler struct {
	c *client.Client
}

func newAdminHandler(c *client.Client) http.Handler {
	return &adminHandler{c: c}
}

func (h *adminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/admin/")
	switch {
	case path == "workflows" && r.Method == http.MethodPost:
		h.registerWorkflow(w, r)
	case path == "workflows" && r.Method == http.MethodGet:
		h.listWorkflows(w, r)
	case strings.HasPrefix(path, "executions/") && r.Method == http.MethodGet:
		h.status(w, r, strings.TrimPrefix(path, "executions/"))
	case strings.HasPrefix(path, "executions/") && r.Method == http.MethodPost:
		h.runOrControl(w, r, strings.TrimPrefix(path, "executions/"))
	default:
		http.NotFound(w, r)
	}
}

func (h *adminHandler) registerWorkflow(w http.ResponseWriter, r *http.Request) {
	var entry catalog.Workflow
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name, version, err := h.c.RegisterWorkflow(r.Context(), entry)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "version": version})
}

func (h *adminHandler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := h.c.ListWorkflows(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, wfs)
}

func (h *adminHandler) status(w http.ResponseWriter, r *http.Request, executionID string) {
	detailed := r.URL.Query().Get("detailed") == "true"
	exec, events, err := h.c.Status(r.Context(), executionID, detailed)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"execution": exec, "events": events})
}

// runOrControl dispatches POST /admin/executions/{id}?op=resume|cancel,
// or POST /admin/executions/run for starting a new one, keeping this
// file small since spec §1 excludes designing a real RPC transport.
func (h *adminHandler) runOrControl(w http.ResponseWriter, r *http.Request, rest string) {
	switch rest {
	case "run":
		h.run(w, r)
		return
	}
	op := r.URL.Query().Get("op")
	switch op {
	case "resume":
		if err := h.c.Resume(r.Context(), rest); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"execution_id": rest})
	case "cancel":
		mode := client.CancelAsync
		if r.URL.Query().Get("mode") == "sync" {
			mode = client.CancelSync
		}
		state, err := h.c.Cancel(r.Context(), rest, mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"execution_id": rest, "state": state})
	default:
		http.NotFound(w, r)
	}
}

type runRequest struct {
	WorkflowName string          `json:"workflow_name"`
	Input        json.RawMessage `json:"input"`
	Mode         string          `json:"mode"`
	Version      int             `json:"version"`
	Priority     int             `json:"priority"`
}

func (h *adminHandler) run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mode := client.RunMode(req.Mode)
	if mode == "" {
		mode = client.RunAsync
	}
	exec, err := h.c.Run(r.Context(), req.WorkflowName, req.Input, mode, client.RunOptions{
		Version:  req.Version,
		Priority: req.Priority,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
