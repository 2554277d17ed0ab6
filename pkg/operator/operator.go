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

// Package operator assembles the control plane from its parts and owns
// process lifecycle.
package operator

import (
	"context"
	"fmt"
	"os"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/kweaver-ai/sandbox/pkg/api"
	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/cache"
	"github.com/kweaver-ai/sandbox/pkg/controllers"
	"github.com/kweaver-ai/sandbox/pkg/execution"
	"github.com/kweaver-ai/sandbox/pkg/executor"
	"github.com/kweaver-ai/sandbox/pkg/operator/options"
	"github.com/kweaver-ai/sandbox/pkg/runtime"
	"github.com/kweaver-ai/sandbox/pkg/runtime/docker"
	"github.com/kweaver-ai/sandbox/pkg/runtime/kubernetes"
	"github.com/kweaver-ai/sandbox/pkg/scheduling"
	"github.com/kweaver-ai/sandbox/pkg/session"
	"github.com/kweaver-ai/sandbox/pkg/storage"
	"github.com/kweaver-ai/sandbox/pkg/store"
	"github.com/kweaver-ai/sandbox/pkg/utils/logging"
)

// Operator holds the assembled control plane. Everything hangs off the
// repositories in Store and the container backend; the API server and the
// controller loops are the two run surfaces.
type Operator struct {
	Store      *store.Store
	Objects    storage.ObjectStore
	Backend    runtime.ContainerScheduler
	Scheduler  *scheduling.Scheduler
	Pool       *scheduling.WarmPool
	Sessions   *session.Manager
	Executions *execution.Engine
	Server     *api.Server
	Runner     *controllers.Runner
}

// NewOperator wires the control plane from the options attached to ctx.
// Construction failures are fatal; there is nothing to degrade to before
// the process has a database and a container backend.
func NewOperator(ctx context.Context) (context.Context, *Operator) {
	opts := options.FromContext(ctx)
	log := logging.FromContext(ctx)

	st := lo.Must(store.Open(ctx, opts.DatabaseDSN))
	objects := lo.Must(storage.NewClient(ctx, storage.Config{
		Endpoint:  opts.StorageEndpoint,
		Region:    opts.StorageRegion,
		Bucket:    opts.StorageBucket,
		AccessKey: opts.StorageAccessKey,
		SecretKey: opts.StorageSecretKey,
		Prefix:    opts.StoragePrefix,
	}))
	backend := lo.Must(newBackend(ctx, opts))

	pool := scheduling.NewWarmPool()
	scheduler := scheduling.NewScheduler(st.Nodes, pool)
	templateCache := cache.NewTemplates(st.Templates)
	nodeCache := cache.NewNodes(st.Nodes)
	executors := executor.NewClient()

	sessions := session.NewManager(st.Sessions, templateCache, st.Containers,
		scheduler, backend, objects, executors, session.Config{
			IdleTimeout:     opts.IdleTimeout,
			MaxLifetime:     opts.MaxLifetime,
			CreateDeadline:  opts.CreateDeadline,
			ExecutorPort:    opts.ExecutorPort,
			CallbackBaseURL: opts.CallbackBaseURL,
			RuntimeType:     v1.ContainerRuntime(opts.ContainerRuntime),
		})
	executions := execution.NewEngine(st.Executions, st.Artifacts, sessions, executors)

	// Queued work flushes when a container comes up; in-flight work is
	// crashed (and retried) when one dies.
	sessions.OnReady(executions.ResubmitPending)
	sessions.OnContainerLost(executions.HandleContainerLost)

	server := api.NewServer(api.Config{
		ListenAddress:   opts.ListenAddress,
		APIToken:        opts.APIToken,
		InternalSecret:  opts.InternalSecret,
		MetricsEnabled:  opts.MetricsEnabled,
		ShutdownTimeout: opts.ShutdownTimeout,
	}, api.Deps{
		Sessions:      sessions,
		Executions:    executions,
		Templates:     st.Templates,
		TemplateCache: templateCache,
		SessionCounts: st.Sessions,
		Nodes:         st.Nodes,
		NodeCache:     nodeCache,
		Containers:    st.Containers,
		Objects:       objects,
		Backend:       backend,
		DB:            dbPinger{st},
		Log:           log,
	})

	runner := controllers.NewRunner(
		controllers.NewHeartbeatSweeper(executions, opts.SweepInterval),
		controllers.NewSessionReaper(st.Sessions, sessions,
			opts.IdleTimeout, opts.CreateDeadline, opts.CleanupInterval),
		controllers.NewNodeProbe(st.Nodes, pool, 3*opts.ProbeInterval, opts.ProbeInterval),
		controllers.NewStateSync(st.Sessions, st.Containers, backend, sessions, opts.SyncInterval),
		controllers.NewReplenisher(st.Templates, scheduler, pool, backend,
			opts.ExecutorPort, opts.CallbackBaseURL, opts.ReplenishInterval),
	)

	return ctx, &Operator{
		Store:      st,
		Objects:    objects,
		Backend:    backend,
		Scheduler:  scheduler,
		Pool:       pool,
		Sessions:   sessions,
		Executions: executions,
		Server:     server,
		Runner:     runner,
	}
}

// Start runs the API server and the controller loops until ctx is canceled,
// then closes the database handle.
func (o *Operator) Start(ctx context.Context) error {
	defer o.Store.Close()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return o.Server.Start(ctx) })
	group.Go(func() error { return o.Runner.Start(ctx) })
	return group.Wait()
}

func newBackend(ctx context.Context, opts *options.Options) (runtime.ContainerScheduler, error) {
	switch opts.ContainerRuntime {
	case "kubernetes":
		return kubernetes.NewScheduler(opts.KubeNamespace, opts.Kubeconfig)
	case "docker":
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolving hostname, %w", err)
		}
		return docker.NewScheduler(ctx, opts.DockerHost, hostname)
	default:
		return nil, fmt.Errorf("unknown container runtime %q", opts.ContainerRuntime)
	}
}

type dbPinger struct {
	store *store.Store
}

func (p dbPinger) PingContext(ctx context.Context) error {
	return p.store.Ping(ctx)
}
