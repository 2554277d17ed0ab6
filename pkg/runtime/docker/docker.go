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

// Package docker implements the container backend against a Docker daemon.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/runtime"
	"github.com/kweaver-ai/sandbox/pkg/utils/logging"
)

const (
	labelSessionID = "ai.kweaver.sandbox/session-id"
	labelManaged   = "ai.kweaver.sandbox/managed"

	// tmpfsSpec keeps scratch space off the workspace and non-executable.
	tmpfsSpec = "rw,noexec,nosuid,size=256m"

	pidsLimit int64 = 256

	stopGraceSeconds = 10
)

// Scheduler drives containers on a single Docker host.
type Scheduler struct {
	docker *client.Client
	nodeID string
}

// NewScheduler connects to the daemon and verifies it is reachable.
func NewScheduler(ctx context.Context, host, nodeID string) (*Scheduler, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	docker, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client, %w", err)
	}
	if _, err := docker.Ping(ctx); err != nil {
		_ = docker.Close()
		return nil, fmt.Errorf("pinging docker daemon, %w", err)
	}
	return &Scheduler{docker: docker, nodeID: nodeID}, nil
}

// CreateContainer starts a hardened sandbox container. The workspace FUSE
// mount and any requested package installs happen inside the image's
// entrypoint before the executor starts; SYS_ADMIN and /dev/fuse are granted
// for that mount and the entrypoint drops them before handing off.
func (s *Scheduler) CreateContainer(ctx context.Context, config *runtime.ContainerConfig) (*runtime.ContainerInfo, error) {
	cpuMillis, err := runtime.CPUMillis(config.Resources.CPU)
	if err != nil {
		return nil, err
	}
	memoryBytes, err := runtime.MemoryBytes(config.Resources.Memory)
	if err != nil {
		return nil, err
	}

	env := make([]string, 0, len(config.Env)+4)
	for k, v := range config.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"SANDBOX_SESSION_ID="+config.SessionID,
		"SANDBOX_WORKSPACE_PATH="+config.WorkspacePath,
		"SANDBOX_CALLBACK_URL="+config.CallbackURL,
		"SANDBOX_EXECUTOR_PORT="+strconv.Itoa(config.ExecutorPort),
	)
	if len(config.Packages) > 0 {
		env = append(env, "SANDBOX_INSTALL_PACKAGES="+strings.Join(config.Packages, ","))
	}

	labels := map[string]string{
		labelManaged:   "true",
		labelSessionID: config.SessionID,
	}
	for k, v := range config.Labels {
		labels[k] = v
	}

	executorPort := nat.Port(fmt.Sprintf("%d/tcp", config.ExecutorPort))
	containerConfig := &container.Config{
		Image:        config.Image,
		Env:          env,
		Labels:       labels,
		User:         fmt.Sprintf("%d:%d", v1.SandboxUID, v1.SandboxGID),
		ExposedPorts: nat.PortSet{executorPort: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		// MemorySwap equal to Memory disables swap entirely.
		Resources: container.Resources{
			NanoCPUs:   cpuMillis * 1e6,
			Memory:     memoryBytes,
			MemorySwap: memoryBytes,
			PidsLimit:  ptr(pidsLimit),
			Devices: []container.DeviceMapping{{
				PathOnHost:        "/dev/fuse",
				PathInContainer:   "/dev/fuse",
				CgroupPermissions: "rwm",
			}},
		},
		CapDrop:        strslice.StrSlice{"ALL"},
		CapAdd:         strslice.StrSlice{"SYS_ADMIN"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": tmpfsSpec},
		ReadonlyRootfs: false,
		RestartPolicy:  container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}

	name := "sandbox-" + config.SessionID
	created, err := s.docker.ContainerCreate(ctx, containerConfig, hostConfig, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, fmt.Errorf("creating container for session %s, %w", config.SessionID, err)
	}
	if err := s.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Roll back the half-made container so retries don't hit a name clash.
		_ = s.docker.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("starting container for session %s, %w", config.SessionID, err)
	}

	inspect, err := s.docker.ContainerInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s, %w", created.ID, err)
	}
	logging.FromContext(ctx).Info("started container",
		zap.String("session_id", config.SessionID),
		zap.String("container_id", created.ID),
		zap.String("image", config.Image))

	return &runtime.ContainerInfo{
		ID:        created.ID,
		NodeID:    s.nodeID,
		IP:        inspect.NetworkSettings.IPAddress,
		Status:    mapState(inspect.State.Status),
		ShortName: name,
	}, nil
}

// DestroyContainer stops and removes the container. Destroying a container
// that is already gone succeeds.
func (s *Scheduler) DestroyContainer(ctx context.Context, containerID string) error {
	grace := stopGraceSeconds
	if err := s.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace}); err != nil && !client.IsErrNotFound(err) {
		logging.FromContext(ctx).Warn("stopping container failed, forcing removal",
			zap.String("container_id", containerID), zap.Error(err))
	}
	if err := s.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing container %s, %w", containerID, err)
	}
	return nil
}

// GetContainerStatus maps the daemon's view of the container onto the
// platform status set.
func (s *Scheduler) GetContainerStatus(ctx context.Context, containerID string) (v1.ContainerStatus, error) {
	inspect, err := s.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", runtime.ErrNotFound
		}
		return "", fmt.Errorf("inspecting container %s, %w", containerID, err)
	}
	return mapState(inspect.State.Status), nil
}

// GetContainerLogs returns the last tailLines lines of combined output.
func (s *Scheduler) GetContainerLogs(ctx context.Context, containerID string, tailLines int) (string, error) {
	tail := "all"
	if tailLines > 0 {
		tail = strconv.Itoa(tailLines)
	}
	rc, err := s.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", runtime.ErrNotFound
		}
		return "", fmt.Errorf("fetching logs for container %s, %w", containerID, err)
	}
	defer rc.Close()

	// The daemon multiplexes stdout and stderr on one stream.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("demultiplexing logs for container %s, %w", containerID, err)
	}
	return buf.String(), nil
}

// IsContainerRunning reports liveness; a missing container is not running.
func (s *Scheduler) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	status, err := s.GetContainerStatus(ctx, containerID)
	if err != nil {
		if err == runtime.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return status == v1.ContainerRunning, nil
}

// Close releases the daemon connection.
func (s *Scheduler) Close() error {
	return s.docker.Close()
}

func mapState(state string) v1.ContainerStatus {
	switch state {
	case "created":
		return v1.ContainerCreated
	case "running", "restarting":
		return v1.ContainerRunning
	case "paused":
		return v1.ContainerPaused
	case "removing":
		return v1.ContainerDeleting
	default:
		// exited, dead, and anything the daemon invents later
		return v1.ContainerExited
	}
}

func ptr[T any](v T) *T {
	return &v
}
