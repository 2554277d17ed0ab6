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

// Package api is the control plane's HTTP boundary: the agent-facing
// /api/v1 surface and the executor/node-facing /internal surface, each
// behind its own bearer token.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/cache"
	"github.com/kweaver-ai/sandbox/pkg/execution"
	"github.com/kweaver-ai/sandbox/pkg/metrics"
	"github.com/kweaver-ai/sandbox/pkg/runtime"
	"github.com/kweaver-ai/sandbox/pkg/session"
	"github.com/kweaver-ai/sandbox/pkg/storage"
)

// Request body caps. Execute bodies carry up to 256KiB of code plus the
// event payload; everything else but file uploads is small JSON.
const (
	maxJSONBody   = 1 << 20
	maxUploadBody = 100 << 20
	// inlineDownloadLimit is the largest workspace file served inline;
	// bigger files redirect to a presigned object-store URL.
	inlineDownloadLimit = 10 << 20
)

// TemplateRepo is the template persistence surface the API needs.
type TemplateRepo interface {
	Create(ctx context.Context, tmpl *v1.Template) error
	Get(ctx context.Context, id string) (*v1.Template, error)
	List(ctx context.Context) ([]*v1.Template, error)
	Update(ctx context.Context, tmpl *v1.Template) error
	Delete(ctx context.Context, id string) error
}

// SessionCounter guards template deletion against live sessions.
type SessionCounter interface {
	CountActiveByTemplate(ctx context.Context, templateID string) (int, error)
}

// NodeRepo is the node persistence surface the internal API needs.
type NodeRepo interface {
	Create(ctx context.Context, node *v1.RuntimeNode) error
	Get(ctx context.Context, id string) (*v1.RuntimeNode, error)
	GetByHostname(ctx context.Context, hostname string) (*v1.RuntimeNode, error)
	UpdateCAS(ctx context.Context, node *v1.RuntimeNode) error
	Heartbeat(ctx context.Context, id string, at time.Time) error
}

// ContainerRepo lists a session's container history.
type ContainerRepo interface {
	ListForSession(ctx context.Context, sessionID string) ([]*v1.Container, error)
}

// Pinger is the database liveness probe used by readiness.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Config carries the API server's tunables.
type Config struct {
	ListenAddress   string
	APIToken        string
	InternalSecret  string
	MetricsEnabled  bool
	ShutdownTimeout time.Duration
}

// Deps are the server's collaborators, wired by the operator.
type Deps struct {
	Sessions      *session.Manager
	Executions    *execution.Engine
	Templates     TemplateRepo
	TemplateCache *cache.Templates
	SessionCounts SessionCounter
	Nodes         NodeRepo
	NodeCache     *cache.Nodes
	Containers    ContainerRepo
	Objects       storage.ObjectStore
	Backend       runtime.ContainerScheduler
	DB            Pinger
	Log           *zap.Logger
}

// Server is the HTTP boundary.
type Server struct {
	cfg      Config
	deps     Deps
	validate *validator.Validate
}

func NewServer(cfg Config, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Server{cfg: cfg, deps: deps, validate: validator.New()}
}

// Router assembles the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, Logger(s.deps.Log), Recoverer)

	// Unauthenticated operational endpoints.
	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)
	r.Get("/health", s.handleReadiness)
	if s.cfg.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuth(s.cfg.APIToken))

		r.With(MaxBytes(maxJSONBody)).Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{sessionID}", s.handleGetSession)
		r.Delete("/sessions/{sessionID}", s.handleTerminateSession)
		r.With(MaxBytes(maxJSONBody)).Post("/sessions/{sessionID}/execute", s.handleExecute)
		r.Get("/sessions/{sessionID}/executions", s.handleListExecutions)
		r.Get("/sessions/{sessionID}/containers", s.handleListContainers)
		r.Get("/sessions/{sessionID}/logs", s.handleContainerLogs)
		r.With(MaxBytes(maxUploadBody)).Post("/sessions/{sessionID}/files/upload", s.handleUploadFile)
		r.Get("/sessions/{sessionID}/files/*", s.handleDownloadFile)

		r.Get("/executions/{executionID}", s.handleGetExecution)
		r.Get("/executions/{executionID}/status", s.handleExecutionStatus)
		r.Get("/executions/{executionID}/result", s.handleExecutionResult)
		r.Get("/executions/{executionID}/artifacts", s.handleListArtifacts)

		r.With(MaxBytes(maxJSONBody)).Post("/templates", s.handleCreateTemplate)
		r.Get("/templates", s.handleListTemplates)
		r.Get("/templates/{templateID}", s.handleGetTemplate)
		r.With(MaxBytes(maxJSONBody)).Put("/templates/{templateID}", s.handleUpdateTemplate)
		r.Delete("/templates/{templateID}", s.handleDeleteTemplate)

		r.Get("/nodes", s.handleListNodes)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(BearerAuth(s.cfg.InternalSecret), MaxBytes(maxJSONBody))

		r.Post("/sessions/{sessionID}/container_ready", s.handleContainerReady)
		r.Post("/sessions/{sessionID}/container_exited", s.handleContainerExited)
		r.Post("/sessions/{sessionID}/dependencies", s.handleDependencies)

		r.Post("/executions/{executionID}/result", s.handleResult)
		r.Post("/executions/{executionID}/status", s.handleStatus)
		r.Post("/executions/{executionID}/heartbeat", s.handleHeartbeat)
		r.Post("/executions/{executionID}/artifacts", s.handleArtifacts)

		r.Post("/nodes/register", s.handleRegisterNode)
		r.Post("/nodes/{nodeID}/heartbeat", s.handleNodeHeartbeat)
	})

	return r
}

// Start serves until the context is cancelled, then drains within the
// shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.deps.Log.Info("api server listening", zap.String("address", s.cfg.ListenAddress))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
