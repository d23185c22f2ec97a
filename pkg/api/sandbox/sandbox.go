// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sandbox exposes the Session Orchestrator's four façade
// operations — Execute, InstallPackage, ListFiles, Shutdown — as a thin
// chi REST surface for the upstream agent runtime. It adds no policy of
// its own: every request is decoded, handed to the façade verbatim, and
// the façade's response or error is translated back to JSON/HTTP.
package sandbox

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/coreason-ai/sandbox-orchestrator/pkg/api/errors"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/driver"
	sandboxerrors "github.com/coreason-ai/sandbox-orchestrator/pkg/errors"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/orchestrator"
)

// Routes binds chi handlers to an Orchestrator instance.
type Routes struct {
	orchestrator *orchestrator.Orchestrator
}

// Router builds the sandbox REST surface. middleware, if non-nil, is
// mounted on every route (the caller passes telemetry.Provider.Middleware).
func Router(orch *orchestrator.Orchestrator, middleware func(http.Handler) http.Handler) http.Handler {
	routes := &Routes{orchestrator: orch}

	r := chi.NewRouter()
	if middleware != nil {
		r.Use(middleware)
	}
	r.Post("/sessions/{sessionId}/execute", apierrors.ErrorHandler(routes.execute))
	r.Post("/sessions/{sessionId}/packages", apierrors.ErrorHandler(routes.installPackage))
	r.Get("/sessions/{sessionId}/files", apierrors.ErrorHandler(routes.listFiles))
	r.Post("/shutdown", apierrors.ErrorHandler(routes.shutdown))

	return r
}

func (s *Routes) execute(w http.ResponseWriter, r *http.Request) error {
	sessionID := chi.URLParam(r, "sessionId")

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return withStatus(sandboxerrors.NewInvalidArgumentError("malformed request body", err))
	}

	result, err := s.orchestrator.Execute(r.Context(), sessionID, req.User, driver.Language(req.Language), req.Code)
	if err != nil {
		return withStatus(err)
	}

	return writeJSON(w, http.StatusOK, newExecuteResponse(result))
}

func (s *Routes) installPackage(w http.ResponseWriter, r *http.Request) error {
	sessionID := chi.URLParam(r, "sessionId")

	var req installPackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return withStatus(sandboxerrors.NewInvalidArgumentError("malformed request body", err))
	}

	message, err := s.orchestrator.InstallPackage(r.Context(), sessionID, req.User, req.Spec)
	if err != nil {
		return withStatus(err)
	}

	return writeJSON(w, http.StatusOK, installPackageResponse{Message: message})
}

func (s *Routes) listFiles(w http.ResponseWriter, r *http.Request) error {
	sessionID := chi.URLParam(r, "sessionId")
	user := r.URL.Query().Get("user")
	path := r.URL.Query().Get("path")

	files, err := s.orchestrator.ListFiles(r.Context(), sessionID, user, path)
	if err != nil {
		return withStatus(err)
	}

	return writeJSON(w, http.StatusOK, listFilesResponse{Files: files})
}

func (s *Routes) shutdown(w http.ResponseWriter, r *http.Request) error {
	if err := s.orchestrator.Shutdown(r.Context()); err != nil {
		return withStatus(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}
