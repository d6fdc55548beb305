// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/mindex-io/mindex/internal/workflow"
)

// maxWorkflowBody bounds workflow definition uploads.
const maxWorkflowBody = 8 << 20

func (s *Server) workflows(rw *ResponseWriter) *workflow.Engine {
	if s.deps.Workflows == nil {
		rw.ServiceUnavailable("workflow engine not configured")
		return nil
	}
	return s.deps.Workflows
}

func (s *Server) handleWorkflowList(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	engine := s.workflows(rw)
	if engine == nil {
		return
	}

	activeOnly := r.URL.Query().Get("active") == "true"
	category := r.URL.Query().Get("category")
	infos, err := engine.ListWorkflows(r.Context(), activeOnly, category)
	if err != nil {
		rw.InternalError(err.Error())
		return
	}
	rw.Success(map[string]interface{}{"workflows": infos, "count": len(infos)})
}

func (s *Server) handleWorkflowGet(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	engine := s.workflows(rw)
	if engine == nil {
		return
	}

	wf, err := engine.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, workflow.ErrNotFound) {
		rw.NotFound("workflow not found")
		return
	}
	if err != nil {
		rw.InternalError(err.Error())
		return
	}
	rw.Success(wf)
}

func (s *Server) handleWorkflowCreate(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	engine := s.workflows(rw)
	if engine == nil {
		return
	}

	data, ok := decodeWorkflowBody(rw, r)
	if !ok {
		return
	}
	if name, _ := data["name"].(string); name == "" {
		rw.BadRequest("workflow name is required")
		return
	}

	created, err := engine.CreateWorkflow(r.Context(), data)
	if err != nil {
		rw.InternalError(err.Error())
		return
	}
	rw.Created(created)
}

func (s *Server) handleWorkflowUpdate(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	engine := s.workflows(rw)
	if engine == nil {
		return
	}

	data, ok := decodeWorkflowBody(rw, r)
	if !ok {
		return
	}

	err := engine.UpdateWorkflow(r.Context(), chi.URLParam(r, "id"), data)
	if errors.Is(err, workflow.ErrNotFound) {
		rw.NotFound("workflow not found")
		return
	}
	if err != nil {
		rw.InternalError(err.Error())
		return
	}
	rw.Success(map[string]string{"status": "updated"})
}

func (s *Server) handleWorkflowDelete(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	engine := s.workflows(rw)
	if engine == nil {
		return
	}

	// Archive before delete unless explicitly disabled.
	archiveFirst := r.URL.Query().Get("archive") != "false"
	err := engine.DeleteWorkflow(r.Context(), chi.URLParam(r, "id"), archiveFirst)
	if errors.Is(err, workflow.ErrNotFound) {
		rw.NotFound("workflow not found")
		return
	}
	if err != nil {
		rw.InternalError(err.Error())
		return
	}
	rw.Success(map[string]string{"status": "deleted"})
}

func (s *Server) handleWorkflowActivate(w http.ResponseWriter, r *http.Request) {
	s.toggleWorkflow(w, r, true)
}

func (s *Server) handleWorkflowDeactivate(w http.ResponseWriter, r *http.Request) {
	s.toggleWorkflow(w, r, false)
}

func (s *Server) toggleWorkflow(w http.ResponseWriter, r *http.Request, active bool) {
	rw := NewResponseWriter(w, r)
	engine := s.workflows(rw)
	if engine == nil {
		return
	}

	id := chi.URLParam(r, "id")
	var err error
	if active {
		err = engine.ActivateWorkflow(r.Context(), id)
	} else {
		err = engine.DeactivateWorkflow(r.Context(), id)
	}
	if errors.Is(err, workflow.ErrNotFound) {
		rw.NotFound("workflow not found")
		return
	}
	if err != nil {
		rw.InternalError(err.Error())
		return
	}
	state := "deactivated"
	if active {
		state = "activated"
	}
	rw.Success(map[string]string{"status": state})
}

func (s *Server) handleWorkflowSync(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	engine := s.workflows(rw)
	if engine == nil {
		return
	}

	result, err := engine.SyncAllLocalWorkflows(r.Context(), true)
	if err != nil {
		rw.InternalError(err.Error())
		return
	}
	rw.Success(result)
}

func (s *Server) handleWorkflowExport(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	engine := s.workflows(rw)
	if engine == nil {
		return
	}

	path, err := engine.ExportWorkflow(r.Context(), chi.URLParam(r, "id"), "")
	if errors.Is(err, workflow.ErrNotFound) {
		rw.NotFound("workflow not found")
		return
	}
	if err != nil {
		rw.InternalError(err.Error())
		return
	}
	rw.Success(map[string]string{"path": path})
}

func (s *Server) handleWorkflowExportAll(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	engine := s.workflows(rw)
	if engine == nil {
		return
	}

	paths, err := engine.ExportAllWorkflows(r.Context())
	if err != nil {
		rw.InternalError(err.Error())
		return
	}
	rw.Success(map[string]interface{}{"paths": paths, "count": len(paths)})
}

func (s *Server) handleWorkflowClone(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	engine := s.workflows(rw)
	if engine == nil {
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWorkflowBody)).Decode(&body); err != nil || body.Name == "" {
		rw.BadRequest("body must be {\"name\": \"...\"}")
		return
	}

	clone, err := engine.CloneWorkflow(r.Context(), chi.URLParam(r, "id"), body.Name)
	if errors.Is(err, workflow.ErrNotFound) {
		rw.NotFound("workflow not found")
		return
	}
	if err != nil {
		rw.InternalError(err.Error())
		return
	}
	rw.Created(clone)
}

func (s *Server) handleWorkflowRestore(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	engine := s.workflows(rw)
	if engine == nil {
		return
	}

	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			rw.BadRequest("version must be a non-negative integer")
			return
		}
		version = n
	}

	err := engine.RestoreWorkflow(r.Context(), chi.URLParam(r, "id"), version)
	if errors.Is(err, workflow.ErrNotFound) {
		rw.NotFound("no archived version")
		return
	}
	if err != nil {
		rw.InternalError(err.Error())
		return
	}
	rw.Success(map[string]interface{}{"status": "restored", "version": version})
}

func (s *Server) handleWorkflowVersions(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	engine := s.workflows(rw)
	if engine == nil {
		return
	}

	versions := engine.Versions(chi.URLParam(r, "id"))
	rw.Success(map[string]interface{}{"versions": versions, "count": len(versions)})
}

func (s *Server) handleWorkflowExecutions(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	engine := s.workflows(rw)
	if engine == nil {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			rw.BadRequest("limit must be a non-negative integer")
			return
		}
		limit = n
	}

	execs, err := engine.GetExecutions(r.Context(), chi.URLParam(r, "id"), limit, r.URL.Query().Get("status"))
	if err != nil {
		rw.InternalError(err.Error())
		return
	}
	rw.Success(map[string]interface{}{"executions": execs, "count": len(execs)})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if s.deps.Scheduler == nil {
		rw.ServiceUnavailable("scheduler not configured")
		return
	}
	rw.Success(map[string]interface{}{
		"running":   s.deps.Scheduler.Running(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func decodeWorkflowBody(rw *ResponseWriter, r *http.Request) (map[string]interface{}, bool) {
	var data map[string]interface{}
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxWorkflowBody)).Decode(&data); err != nil {
		rw.BadRequest("body must be a JSON workflow definition")
		return nil, false
	}
	return data, true
}
