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

// Package runtime defines the container backend abstraction. The control
// plane schedules against it; the docker and kubernetes subpackages
// implement it.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
)

// ErrNotFound is returned when the backend has no record of the container.
// State sync treats this as "the container is gone", distinct from a
// backend outage.
var ErrNotFound = errors.New("container not found")

// ContainerScheduler is the backend-neutral container surface. Adapters
// translate these calls into Docker API or Kubernetes pod operations.
type ContainerScheduler interface {
	CreateContainer(ctx context.Context, config *ContainerConfig) (*ContainerInfo, error)
	DestroyContainer(ctx context.Context, containerID string) error
	GetContainerStatus(ctx context.Context, containerID string) (v1.ContainerStatus, error)
	GetContainerLogs(ctx context.Context, containerID string, tailLines int) (string, error)
	IsContainerRunning(ctx context.Context, containerID string) (bool, error)
}

// ContainerConfig is everything an adapter needs to start a sandbox
// container for a session.
type ContainerConfig struct {
	SessionID     string
	Image         string
	Resources     v1.ResourceSpec
	Env           map[string]string
	WorkspacePath string
	ExecutorPort  int
	// Packages are installed into the session virtualenv during container
	// startup, before the executor begins accepting work.
	Packages []string
	// CallbackURL is where the in-container executor reports readiness,
	// results and heartbeats.
	CallbackURL string
	Labels      map[string]string
}

// ContainerInfo is what an adapter reports back after creating a container.
type ContainerInfo struct {
	ID        string
	NodeID    string
	IP        string
	Status    v1.ContainerStatus
	ShortName string
}

// CPUMillis converts a cores string ("1", "0.5", "2") to millicores.
func CPUMillis(cpu string) (int64, error) {
	cores, err := strconv.ParseFloat(cpu, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing cpu %q, %w", cpu, err)
	}
	if cores <= 0 {
		return 0, fmt.Errorf("cpu %q must be positive", cpu)
	}
	return int64(cores * 1000), nil
}

// MemoryBytes converts a quantity string ("512Mi", "2Gi") to bytes.
func MemoryBytes(memory string) (int64, error) {
	suffixes := []struct {
		suffix string
		mult   int64
	}{
		{"Gi", 1 << 30},
		{"Mi", 1 << 20},
		{"Ki", 1 << 10},
		{"G", 1e9},
		{"M", 1e6},
		{"K", 1e3},
	}
	for _, s := range suffixes {
		if strings.HasSuffix(memory, s.suffix) {
			n, err := strconv.ParseFloat(strings.TrimSuffix(memory, s.suffix), 64)
			if err != nil {
				return 0, fmt.Errorf("parsing memory %q, %w", memory, err)
			}
			if n <= 0 {
				return 0, fmt.Errorf("memory %q must be positive", memory)
			}
			return int64(n * float64(s.mult)), nil
		}
	}
	n, err := strconv.ParseInt(memory, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing memory %q, %w", memory, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("memory %q must be positive", memory)
	}
	return n, nil
}
