/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/errors"
	"github.com/kweaver-ai/sandbox/pkg/storage"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req v1.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		renderError(w, r, err)
		return
	}
	sess, err := s.deps.Sessions.Create(r.Context(), &req)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := v1.SessionFilter{
		Status:     v1.SessionStatus(r.URL.Query().Get("status")),
		TemplateID: r.URL.Query().Get("template_id"),
		Limit:      queryInt(r, "limit"),
		Offset:     queryInt(r, "offset"),
	}
	sessions, err := s.deps.Sessions.List(r.Context(), filter)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Terminate(r.Context(), chi.URLParam(r, "sessionID"),
		v1.SessionTerminated, "client request")
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req v1.ExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		renderError(w, r, err)
		return
	}
	exec, err := s.deps.Executions.Submit(r.Context(), chi.URLParam(r, "sessionID"), &req)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := v1.ExecutionFilter{
		Status: v1.ExecutionStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}
	execs, err := s.deps.Executions.ListForSession(r.Context(), chi.URLParam(r, "sessionID"), filter)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"executions": execs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Executions.Get(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleExecutionStatus is the polling endpoint; it trims the row down to
// the fields a poller needs.
func (s *Server) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Executions.Get(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution_id": exec.ID,
		"status":       exec.Status,
		"started_at":   exec.StartedAt,
		"completed_at": exec.CompletedAt,
		"error_detail": exec.ErrorDetail,
	})
}

// handleExecutionResult returns the full row plus its artifact listing.
func (s *Server) handleExecutionResult(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Executions.Get(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	artifacts, err := s.deps.Executions.Artifacts(r.Context(), exec.ID)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution": exec,
		"artifacts": artifacts,
	})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.deps.Executions.Artifacts(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"artifacts": artifacts})
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.deps.Sessions.Get(r.Context(), sessionID); err != nil {
		renderError(w, r, err)
		return
	}
	containers, err := s.deps.Containers.ListForSession(r.Context(), sessionID)
	if err != nil {
		renderError(w, r, errors.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"containers": containers})
}

func (s *Server) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	if sess.ContainerID == "" {
		renderError(w, r, errors.Conflict("session has no container",
			"wait for the session to reach running"))
		return
	}
	tail := queryInt(r, "tail")
	if tail <= 0 {
		tail = 100
	}
	logs, err := s.deps.Backend.GetContainerLogs(r.Context(), sess.ContainerID, tail)
	if err != nil {
		renderError(w, r, errors.Dependency("container runtime", err))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, logs)
}

// handleUploadFile accepts a multipart form with a "file" part and an
// optional "path" field; the part's filename is used when path is absent.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		renderError(w, r, errors.Validation("a multipart file part named \"file\" is required"))
		return
	}
	defer file.Close()

	raw := r.FormValue("path")
	if raw == "" {
		raw = header.Filename
	}
	relPath, err := workspaceRelPath(raw)
	if err != nil {
		renderError(w, r, err)
		return
	}
	key := storage.WorkspaceKey(sess.ID, relPath)
	if err := s.deps.Objects.Upload(r.Context(), key, file, header.Size,
		header.Header.Get("Content-Type")); err != nil {
		renderError(w, r, errors.Dependency("object store", err))
		return
	}
	s.deps.Sessions.Touch(r.Context(), sess.ID)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"path":       relPath,
		"size_bytes": header.Size,
	})
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	relPath, err := workspaceRelPath(chi.URLParam(r, "*"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	key := storage.WorkspaceKey(sess.ID, relPath)

	size, err := s.deps.Objects.Head(r.Context(), key)
	if err != nil {
		renderError(w, r, errors.NotFound("file", relPath))
		return
	}
	if size > inlineDownloadLimit {
		url, err := s.deps.Objects.Presign(r.Context(), key)
		if err != nil {
			renderError(w, r, errors.Dependency("object store", err))
			return
		}
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}

	body, size, err := s.deps.Objects.Download(r.Context(), key)
	if err != nil {
		renderError(w, r, errors.Dependency("object store", err))
		return
	}
	defer body.Close()
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, body)
}

// workspaceRelPath validates a client-supplied file path: relative, clean,
// and confined to the workspace.
func workspaceRelPath(raw string) (string, error) {
	if raw == "" {
		return "", errors.Validation("a file path is required")
	}
	cleaned := path.Clean("/" + raw)
	if strings.Contains(raw, "..") || strings.Contains(raw, `\`) || cleaned == "/" {
		return "", errors.Validation("path %q escapes the workspace", raw)
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}
