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

// Package fake holds in-memory doubles of the control plane's external
// surfaces for tests.
package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/runtime"
)

// ContainerScheduler is an in-memory runtime.ContainerScheduler. Behaviors
// can be overridden per test; unset behaviors act like a healthy backend.
type ContainerScheduler struct {
	mu         sync.Mutex
	containers map[string]*runtime.ContainerInfo
	nextID     atomic.Int64

	// CreateError, when set, fails CreateContainer.
	CreateError error
	// DestroyError, when set, fails DestroyContainer.
	DestroyError error

	CreatedConfigs []*runtime.ContainerConfig
	Destroyed      []string
}

var _ runtime.ContainerScheduler = (*ContainerScheduler)(nil)

func NewContainerScheduler() *ContainerScheduler {
	return &ContainerScheduler{containers: map[string]*runtime.ContainerInfo{}}
}

func (f *ContainerScheduler) CreateContainer(_ context.Context, config *runtime.ContainerConfig) (*runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateError != nil {
		return nil, f.CreateError
	}
	f.CreatedConfigs = append(f.CreatedConfigs, config)
	info := &runtime.ContainerInfo{
		ID:     fmt.Sprintf("fake-container-%d", f.nextID.Add(1)),
		NodeID: "fake-node",
		IP:     "10.0.0.1",
		Status: v1.ContainerRunning,
	}
	f.containers[info.ID] = info
	return info, nil
}

func (f *ContainerScheduler) DestroyContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DestroyError != nil {
		return f.DestroyError
	}
	f.Destroyed = append(f.Destroyed, containerID)
	delete(f.containers, containerID)
	return nil
}

func (f *ContainerScheduler) GetContainerStatus(_ context.Context, containerID string) (v1.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[containerID]
	if !ok {
		return "", runtime.ErrNotFound
	}
	return info.Status, nil
}

func (f *ContainerScheduler) GetContainerLogs(_ context.Context, containerID string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return "", runtime.ErrNotFound
	}
	return "fake logs\n", nil
}

func (f *ContainerScheduler) IsContainerRunning(_ context.Context, containerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[containerID]
	return ok && info.Status == v1.ContainerRunning, nil
}

// SetStatus rewrites a container's status, simulating an eviction or exit.
func (f *ContainerScheduler) SetStatus(containerID string, status v1.ContainerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.containers[containerID]; ok {
		info.Status = status
	}
}
