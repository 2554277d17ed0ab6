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

	"github.com/go-chi/chi/v5"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/errors"
	"github.com/kweaver-ai/sandbox/pkg/store"
	"github.com/kweaver-ai/sandbox/pkg/utils/ids"
)

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req v1.CreateTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		renderError(w, r, err)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		renderError(w, r, errors.Validation("invalid template: %s", err))
		return
	}

	tmpl := &v1.Template{
		ID:              ids.NewTemplateID(),
		Name:            req.Name,
		Image:           req.Image,
		RuntimeType:     req.RuntimeType,
		DefaultCPU:      defaultString(req.DefaultCPU, "1"),
		DefaultMemory:   defaultString(req.DefaultMemory, "512Mi"),
		DefaultDisk:     defaultString(req.DefaultDisk, "1Gi"),
		DefaultTimeout:  req.DefaultTimeout,
		Packages:        req.Packages,
		ResourceRange:   req.ResourceRange,
		SecurityContext: v1.SecurityContext{RunAsUser: v1.SandboxUID, RunAsGroup: v1.SandboxGID},
		WarmPoolTarget:  req.WarmPoolTarget,
		Active:          true,
	}
	if err := tmpl.Validate(); err != nil {
		renderError(w, r, errors.Validation("invalid template: %s", err))
		return
	}
	if err := s.deps.Templates.Create(r.Context(), tmpl); err != nil {
		if err == store.ErrDuplicate {
			renderError(w, r, errors.Conflict("a template named "+req.Name+" already exists",
				"pick a different name or update the existing template"))
			return
		}
		renderError(w, r, errors.Internal(err))
		return
	}
	writeJSON(w, http.StatusCreated, tmpl)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "templateID")
	tmpl, err := s.deps.TemplateCache.Get(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			renderError(w, r, errors.NotFound("template", id))
			return
		}
		renderError(w, r, errors.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.deps.Templates.List(r.Context())
	if err != nil {
		renderError(w, r, errors.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": templates})
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "templateID")
	var req v1.UpdateTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		renderError(w, r, err)
		return
	}

	tmpl, err := s.deps.Templates.Get(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			renderError(w, r, errors.NotFound("template", id))
			return
		}
		renderError(w, r, errors.Internal(err))
		return
	}

	if req.Image != nil {
		tmpl.Image = *req.Image
	}
	if req.DefaultCPU != nil {
		tmpl.DefaultCPU = *req.DefaultCPU
	}
	if req.DefaultMemory != nil {
		tmpl.DefaultMemory = *req.DefaultMemory
	}
	if req.DefaultDisk != nil {
		tmpl.DefaultDisk = *req.DefaultDisk
	}
	if req.DefaultTimeout != nil {
		tmpl.DefaultTimeout = *req.DefaultTimeout
	}
	if req.Packages != nil {
		tmpl.Packages = req.Packages
	}
	if req.WarmPoolTarget != nil {
		tmpl.WarmPoolTarget = *req.WarmPoolTarget
	}
	if req.Active != nil {
		tmpl.Active = *req.Active
	}
	if err := tmpl.Validate(); err != nil {
		renderError(w, r, errors.Validation("invalid template: %s", err))
		return
	}
	if err := s.deps.Templates.Update(r.Context(), tmpl); err != nil {
		renderError(w, r, errors.Internal(err))
		return
	}
	s.deps.TemplateCache.Invalidate(tmpl)
	writeJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "templateID")
	tmpl, err := s.deps.Templates.Get(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			renderError(w, r, errors.NotFound("template", id))
			return
		}
		renderError(w, r, errors.Internal(err))
		return
	}

	active, err := s.deps.SessionCounts.CountActiveByTemplate(r.Context(), id)
	if err != nil {
		renderError(w, r, errors.Internal(err))
		return
	}
	if active > 0 {
		renderError(w, r, errors.Conflict(
			"template has active sessions",
			"terminate the template's sessions, or deactivate the template to stop new ones"))
		return
	}

	if err := s.deps.Templates.Delete(r.Context(), id); err != nil {
		renderError(w, r, errors.Internal(err))
		return
	}
	s.deps.TemplateCache.Invalidate(tmpl)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.deps.NodeCache.List(r.Context())
	if err != nil {
		renderError(w, r, errors.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
