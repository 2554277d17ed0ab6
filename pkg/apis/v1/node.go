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

package v1

import (
	"time"
)

// NodeStatus is the runtime node health state.
type NodeStatus string

const (
	NodeOnline      NodeStatus = "online"
	NodeOffline     NodeStatus = "offline"
	NodeDraining    NodeStatus = "draining"
	NodeMaintenance NodeStatus = "maintenance"
	NodeUnhealthy   NodeStatus = "unhealthy"
)

// ContainerRuntime selects the container backend on a node.
type ContainerRuntime string

const (
	RuntimeDocker     ContainerRuntime = "docker"
	RuntimeKubernetes ContainerRuntime = "kubernetes"
)

// NodeFailureThreshold is the consecutive probe failure count at which a node
// becomes unhealthy.
const NodeFailureThreshold = 3

// RuntimeNode is a container-capable host registered with the control plane.
type RuntimeNode struct {
	ID                  string           `json:"id" db:"id"`
	Hostname            string           `json:"hostname" db:"hostname"`
	RuntimeType         ContainerRuntime `json:"runtime_type" db:"runtime_type"`
	Endpoint            string           `json:"endpoint" db:"endpoint"`
	Status              NodeStatus       `json:"status" db:"status"`
	TotalCPUMillis      int64            `json:"total_cpu_millis" db:"total_cpu_millis"`
	AllocatedCPUMillis  int64            `json:"allocated_cpu_millis" db:"allocated_cpu_millis"`
	TotalMemoryBytes    int64            `json:"total_memory_bytes" db:"total_memory_bytes"`
	AllocatedMemory     int64            `json:"allocated_memory_bytes" db:"allocated_memory_bytes"`
	RunningContainers   int              `json:"running_containers" db:"running_containers"`
	MaxContainers       int              `json:"max_containers" db:"max_containers"`
	CachedImages        []string         `json:"cached_images" db:"-"`
	Labels              map[string]string `json:"labels,omitempty" db:"-"`
	ConsecutiveFailures int              `json:"consecutive_failures" db:"consecutive_failures"`
	Version             int64            `json:"-" db:"version"`
	LastHeartbeatAt     time.Time        `json:"last_heartbeat_at" db:"last_heartbeat_at"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at" db:"updated_at"`
}

// Schedulable reports whether new placements may target the node.
func (n *RuntimeNode) Schedulable() bool {
	return n.Status == NodeOnline && n.ConsecutiveFailures < NodeFailureThreshold
}

// HasCapacity reports whether the node can absorb the requested allocation
// within its totals and container limit.
func (n *RuntimeNode) HasCapacity(cpuMillis, memoryBytes int64) bool {
	if n.MaxContainers > 0 && n.RunningContainers >= n.MaxContainers {
		return false
	}
	return n.AllocatedCPUMillis+cpuMillis <= n.TotalCPUMillis &&
		n.AllocatedMemory+memoryBytes <= n.TotalMemoryBytes
}

// FreeMargin is the spare capacity score used by the load-balance tier:
// free CPU and memory expressed as fractions of the totals, summed.
func (n *RuntimeNode) FreeMargin() float64 {
	var cpu, mem float64
	if n.TotalCPUMillis > 0 {
		cpu = float64(n.TotalCPUMillis-n.AllocatedCPUMillis) / float64(n.TotalCPUMillis)
	}
	if n.TotalMemoryBytes > 0 {
		mem = float64(n.TotalMemoryBytes-n.AllocatedMemory) / float64(n.TotalMemoryBytes)
	}
	return cpu + mem
}

// HasCachedImage reports whether the node advertises a warm copy of image.
func (n *RuntimeNode) HasCachedImage(image string) bool {
	for _, cached := range n.CachedImages {
		if cached == image {
			return true
		}
	}
	return false
}

// ContainerStatus is the runtime-native container state.
type ContainerStatus string

const (
	ContainerCreated  ContainerStatus = "created"
	ContainerRunning  ContainerStatus = "running"
	ContainerPaused   ContainerStatus = "paused"
	ContainerExited   ContainerStatus = "exited"
	ContainerDeleting ContainerStatus = "deleting"
)

// Terminal reports whether the container can never run again.
func (s ContainerStatus) Terminal() bool {
	return s == ContainerExited || s == ContainerDeleting
}

// Container is the persisted record of a runtime container backing a session.
type Container struct {
	ID           string           `json:"id" db:"id"`
	SessionID    string           `json:"session_id" db:"session_id"`
	RuntimeType  ContainerRuntime `json:"runtime_type" db:"runtime_type"`
	NodeID       string           `json:"node_id" db:"node_id"`
	Image        string           `json:"image" db:"image"`
	Status       ContainerStatus  `json:"status" db:"status"`
	IP           string           `json:"ip,omitempty" db:"ip"`
	ExecutorPort int              `json:"executor_port" db:"executor_port"`
	CPU          string           `json:"cpu" db:"cpu"`
	Memory       string           `json:"memory" db:"memory"`
	Disk         string           `json:"disk" db:"disk"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty" db:"started_at"`
	ExitedAt     *time.Time       `json:"exited_at,omitempty" db:"exited_at"`
}
