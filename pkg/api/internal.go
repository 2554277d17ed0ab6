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
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-chi/chi/v5"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/errors"
	"github.com/kweaver-ai/sandbox/pkg/store"
	"github.com/kweaver-ai/sandbox/pkg/utils/ids"
)

func (s *Server) handleContainerReady(w http.ResponseWriter, r *http.Request) {
	var cb v1.ContainerReadyCallback
	if err := decodeJSON(r, &cb); err != nil {
		renderError(w, r, err)
		return
	}
	sess, err := s.deps.Sessions.HandleContainerReady(r.Context(), chi.URLParam(r, "sessionID"), &cb)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleContainerExited(w http.ResponseWriter, r *http.Request) {
	var cb v1.ContainerExitedCallback
	if err := decodeJSON(r, &cb); err != nil {
		renderError(w, r, err)
		return
	}
	sess, err := s.deps.Sessions.HandleContainerExited(r.Context(), chi.URLParam(r, "sessionID"), &cb)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	var cb v1.DependencyCallback
	if err := decodeJSON(r, &cb); err != nil {
		renderError(w, r, err)
		return
	}
	sess, err := s.deps.Sessions.HandleDependencyCallback(r.Context(), chi.URLParam(r, "sessionID"), &cb)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	if key := r.Header.Get("Idempotency-Key"); key != "" && key != executionID+"_result" {
		renderError(w, r, errors.Validation("idempotency key %q does not match execution %s", key, executionID))
		return
	}
	var cb v1.ResultCallback
	if err := decodeJSON(r, &cb); err != nil {
		renderError(w, r, err)
		return
	}
	exec, applied, err := s.deps.Executions.HandleResult(r.Context(), executionID, &cb)
	if err != nil {
		renderError(w, r, err)
		return
	}
	// First apply answers 201; replays acknowledge with 200.
	status := http.StatusOK
	if applied {
		status = http.StatusCreated
	}
	writeJSON(w, status, exec)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var cb v1.StatusCallback
	if err := decodeJSON(r, &cb); err != nil {
		renderError(w, r, err)
		return
	}
	exec, err := s.deps.Executions.HandleStatus(r.Context(), chi.URLParam(r, "executionID"), &cb)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var cb v1.HeartbeatCallback
	if err := decodeJSON(r, &cb); err != nil {
		renderError(w, r, err)
		return
	}
	if err := s.deps.Executions.HandleHeartbeat(r.Context(), chi.URLParam(r, "executionID"), &cb); err != nil {
		renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Artifacts []v1.ArtifactUpload `json:"artifacts"`
	}
	if err := decodeJSON(r, &body); err != nil {
		renderError(w, r, err)
		return
	}
	if err := s.deps.Executions.HandleArtifacts(r.Context(), chi.URLParam(r, "executionID"), body.Artifacts); err != nil {
		renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRegisterNode upserts a node keyed by hostname. Re-registration after
// a node restart refreshes totals and cached images but keeps the node id.
func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req v1.RegisterNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		renderError(w, r, err)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		renderError(w, r, errors.Validation("invalid node registration: %s", err))
		return
	}

	now := time.Now()
	node, err := s.deps.Nodes.GetByHostname(r.Context(), req.Hostname)
	switch {
	case err == store.ErrNotFound:
		node = &v1.RuntimeNode{
			ID:               ids.NewNodeID(),
			Hostname:         req.Hostname,
			RuntimeType:      req.RuntimeType,
			Endpoint:         req.Endpoint,
			Status:           v1.NodeOnline,
			TotalCPUMillis:   req.TotalCPUMillis,
			TotalMemoryBytes: req.TotalMemoryBytes,
			MaxContainers:    req.MaxContainers,
			CachedImages:     req.CachedImages,
			Labels:           req.Labels,
			LastHeartbeatAt:  now,
		}
		if err := s.deps.Nodes.Create(r.Context(), node); err != nil {
			renderError(w, r, errors.Internal(err))
			return
		}
		if s.deps.NodeCache != nil {
			s.deps.NodeCache.Invalidate()
		}
		writeJSON(w, http.StatusCreated, node)
		return
	case err != nil:
		renderError(w, r, errors.Internal(err))
		return
	}

	node.RuntimeType = req.RuntimeType
	node.Endpoint = req.Endpoint
	node.Status = v1.NodeOnline
	node.TotalCPUMillis = req.TotalCPUMillis
	node.TotalMemoryBytes = req.TotalMemoryBytes
	node.MaxContainers = req.MaxContainers
	node.CachedImages = req.CachedImages
	node.Labels = req.Labels
	node.ConsecutiveFailures = 0
	node.LastHeartbeatAt = now
	if err := s.deps.Nodes.UpdateCAS(r.Context(), node); err != nil {
		renderError(w, r, errors.Internal(err))
		return
	}
	if s.deps.NodeCache != nil {
		s.deps.NodeCache.Invalidate()
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleNodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	var req v1.NodeHeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		renderError(w, r, err)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		renderError(w, r, errors.Validation("invalid node heartbeat: %s", err))
		return
	}

	// The heartbeat carries the node's own view of its load; reconcile it
	// into the row under the version column.
	err := retry.Do(func() error {
		node, err := s.deps.Nodes.Get(r.Context(), nodeID)
		if err != nil {
			return err
		}
		node.AllocatedCPUMillis = req.AllocatedCPUMillis
		node.AllocatedMemory = req.AllocatedMemoryBytes
		node.RunningContainers = req.RunningContainers
		if len(req.CachedImages) > 0 {
			node.CachedImages = req.CachedImages
		}
		node.ConsecutiveFailures = 0
		node.LastHeartbeatAt = time.Now()
		if node.Status == v1.NodeUnhealthy {
			node.Status = v1.NodeOnline
		}
		return s.deps.Nodes.UpdateCAS(r.Context(), node)
	}, retry.RetryIf(func(err error) bool { return err == store.ErrStaleVersion }),
		retry.Attempts(5), retry.LastErrorOnly(true))
	if err != nil {
		if err == store.ErrNotFound {
			renderError(w, r, errors.NotFound("node", nodeID))
			return
		}
		renderError(w, r, errors.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
