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

package options

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"

	"github.com/kweaver-ai/sandbox/pkg/utils/env"
)

type optionsKey struct{}

// Options for running this binary
type Options struct {
	*flag.FlagSet

	// Serving
	ListenAddress   string
	MetricsEnabled  bool
	ShutdownTimeout time.Duration

	// Auth
	APIToken       string
	InternalSecret string

	// Persistence
	DatabaseDSN string

	// Object store
	StorageEndpoint  string
	StorageRegion    string
	StorageBucket    string
	StorageAccessKey string
	StorageSecretKey string
	StoragePrefix    string

	// Container runtime
	ContainerRuntime string
	DockerHost       string
	KubeNamespace    string
	Kubeconfig       string
	ExecutorPort     int
	ExecutorImage    string
	CallbackBaseURL  string

	// Lifecycle thresholds. Negative values disable the check.
	IdleTimeout       time.Duration
	MaxLifetime       time.Duration
	CreateDeadline    time.Duration
	CleanupInterval   time.Duration
	SweepInterval     time.Duration
	ProbeInterval     time.Duration
	SyncInterval      time.Duration
	ReplenishInterval time.Duration
}

// New registers CLI flags and environment variables that fill in the Options
// struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("sandbox-controlplane", flag.ContinueOnError)
	opts.FlagSet = f

	// Serving
	f.StringVar(&opts.ListenAddress, "listen-address", env.WithDefaultString("LISTEN_ADDRESS", ":8080"), "The address the API server binds to")
	f.BoolVar(&opts.MetricsEnabled, "metrics-enabled", env.WithDefaultBool("METRICS_ENABLED", true), "Serve prometheus metrics on GET /metrics")
	f.DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", env.WithDefaultDuration("SHUTDOWN_TIMEOUT", 30*time.Second), "Bounded wait for connection draining and loop shutdown")

	// Auth
	f.StringVar(&opts.APIToken, "api-token", env.WithDefaultString("API_TOKEN", ""), "Bearer token required on the external API surface")
	f.StringVar(&opts.InternalSecret, "internal-secret", env.WithDefaultString("INTERNAL_API_SECRET", ""), "Shared-secret bearer token for the internal callback surface")

	// Persistence
	f.StringVar(&opts.DatabaseDSN, "database-dsn", env.WithDefaultString("DATABASE_DSN", ""), "MariaDB DSN, e.g. user:pass@tcp(host:3306)/sandbox?parseTime=true")

	// Object store
	f.StringVar(&opts.StorageEndpoint, "storage-endpoint", env.WithDefaultString("STORAGE_ENDPOINT", ""), "S3-compatible object store endpoint")
	f.StringVar(&opts.StorageRegion, "storage-region", env.WithDefaultString("STORAGE_REGION", "us-east-1"), "Object store region")
	f.StringVar(&opts.StorageBucket, "storage-bucket", env.WithDefaultString("STORAGE_BUCKET", "sandbox"), "Bucket holding session workspaces")
	f.StringVar(&opts.StorageAccessKey, "storage-access-key", env.WithDefaultString("STORAGE_ACCESS_KEY", ""), "Object store access key")
	f.StringVar(&opts.StorageSecretKey, "storage-secret-key", env.WithDefaultString("STORAGE_SECRET_KEY", ""), "Object store secret key")
	f.StringVar(&opts.StoragePrefix, "storage-prefix", env.WithDefaultString("STORAGE_PREFIX", ""), "Optional key prefix prepended to all workspace paths")

	// Container runtime
	f.StringVar(&opts.ContainerRuntime, "container-runtime", env.WithDefaultString("CONTAINER_RUNTIME", "docker"), "Container backend: docker or kubernetes")
	f.StringVar(&opts.DockerHost, "docker-host", env.WithDefaultString("DOCKER_HOST", "unix:///var/run/docker.sock"), "Docker daemon endpoint for the docker runtime")
	f.StringVar(&opts.KubeNamespace, "kube-namespace", env.WithDefaultString("KUBE_NAMESPACE", "sandbox-sessions"), "Namespace session pods are created in")
	f.StringVar(&opts.Kubeconfig, "kubeconfig", env.WithDefaultString("KUBECONFIG", ""), "Path to a kubeconfig; in-cluster config is tried first")
	f.IntVar(&opts.ExecutorPort, "executor-port", env.WithDefaultInt("EXECUTOR_PORT", 8081), "Port the in-container executor daemon listens on")
	f.StringVar(&opts.ExecutorImage, "executor-image", env.WithDefaultString("EXECUTOR_IMAGE", ""), "Override image for warm-pool pre-instantiation; templates carry their own image")
	f.StringVar(&opts.CallbackBaseURL, "callback-base-url", env.WithDefaultString("CALLBACK_BASE_URL", ""), "Base URL executors use to reach the internal callback surface")

	// Lifecycle thresholds
	f.DurationVar(&opts.IdleTimeout, "idle-timeout", env.WithDefaultDuration("IDLE_TIMEOUT", 30*time.Minute), "Idle threshold before the reaper times a session out; -1s disables")
	f.DurationVar(&opts.MaxLifetime, "max-lifetime", env.WithDefaultDuration("MAX_LIFETIME", 6*time.Hour), "Hard session lifetime ceiling; -1s disables")
	f.DurationVar(&opts.CreateDeadline, "create-deadline", env.WithDefaultDuration("CREATE_DEADLINE", 5*time.Minute), "Window in which a creating session must report container_ready before it is failed")
	f.DurationVar(&opts.CleanupInterval, "cleanup-interval", env.WithDefaultDuration("CLEANUP_INTERVAL", time.Minute), "Idle/lifetime reaper cadence")
	f.DurationVar(&opts.SweepInterval, "sweep-interval", env.WithDefaultDuration("SWEEP_INTERVAL", 5*time.Second), "Heartbeat timeout sweeper cadence")
	f.DurationVar(&opts.ProbeInterval, "probe-interval", env.WithDefaultDuration("PROBE_INTERVAL", 15*time.Second), "Node health probe cadence")
	f.DurationVar(&opts.SyncInterval, "sync-interval", env.WithDefaultDuration("SYNC_INTERVAL", 2*time.Minute), "State sync / reconciliation cadence")
	f.DurationVar(&opts.ReplenishInterval, "replenish-interval", env.WithDefaultDuration("REPLENISH_INTERVAL", 10*time.Second), "Warm-pool replenisher cadence")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default
// values. Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) Validate() (err error) {
	if o.DatabaseDSN == "" {
		err = multierr.Append(err, fmt.Errorf("DATABASE_DSN is required"))
	}
	if o.InternalSecret == "" {
		err = multierr.Append(err, fmt.Errorf("INTERNAL_API_SECRET is required"))
	}
	if o.APIToken == "" {
		err = multierr.Append(err, fmt.Errorf("API_TOKEN is required"))
	}
	if o.CallbackBaseURL == "" {
		err = multierr.Append(err, fmt.Errorf("CALLBACK_BASE_URL is required"))
	}
	if o.ContainerRuntime != "docker" && o.ContainerRuntime != "kubernetes" {
		err = multierr.Append(err, fmt.Errorf("container-runtime may only be either docker or kubernetes"))
	}
	return err
}

// ToContext attaches the options to ctx.
func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

// FromContext returns the options attached to ctx; panics if missing since
// that is always a wiring bug.
func FromContext(ctx context.Context) *Options {
	opts, ok := ctx.Value(optionsKey{}).(*Options)
	if !ok {
		panic("options not found in context")
	}
	return opts
}
