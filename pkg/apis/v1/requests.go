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
	"encoding/json"
	"time"
)

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	TemplateID            string            `json:"template_id" validate:"required"`
	Resources             *ResourceSpec     `json:"resources,omitempty"`
	Env                   map[string]string `json:"env,omitempty"`
	TimeoutSec            int               `json:"timeout,omitempty" validate:"omitempty,gte=1"`
	Mode                  SessionMode       `json:"mode,omitempty" validate:"omitempty,oneof=ephemeral persistent"`
	AgentID               string            `json:"agent_id,omitempty"`
	Dependencies          []string          `json:"dependencies,omitempty" validate:"omitempty,max=128,dive,max=128"`
	AllowVersionConflicts bool              `json:"allow_version_conflicts,omitempty"`
}

// SessionFilter narrows GET /api/v1/sessions.
type SessionFilter struct {
	Status     SessionStatus
	TemplateID string
	Limit      int
	Offset     int
}

// List pagination bounds.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Clamp normalizes the filter's pagination to the allowed window.
func (f *SessionFilter) Clamp() {
	if f.Limit <= 0 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// ExecuteRequest is the body of POST /api/v1/sessions/{id}/execute.
type ExecuteRequest struct {
	Code       string          `json:"code" validate:"required,max=262144"`
	Language   RuntimeType     `json:"language" validate:"required,oneof=python nodejs java go"`
	Event      json.RawMessage `json:"event,omitempty"`
	TimeoutSec int             `json:"timeout,omitempty" validate:"omitempty,gte=1,lte=3600"`
}

// ExecutionFilter narrows GET /api/v1/sessions/{id}/executions.
type ExecutionFilter struct {
	Status ExecutionStatus
	Limit  int
	Offset int
}

// Clamp normalizes pagination to the allowed window.
func (f *ExecutionFilter) Clamp() {
	if f.Limit <= 0 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// CreateTemplateRequest is the body of POST /api/v1/templates.
type CreateTemplateRequest struct {
	Name            string        `json:"name" validate:"required,max=128"`
	Image           string        `json:"image" validate:"required,max=512"`
	RuntimeType     RuntimeType   `json:"runtime_type" validate:"required,oneof=python nodejs java go"`
	DefaultCPU      string        `json:"default_cpu,omitempty"`
	DefaultMemory   string        `json:"default_memory,omitempty"`
	DefaultDisk     string        `json:"default_disk,omitempty"`
	DefaultTimeout  int           `json:"default_timeout_sec,omitempty" validate:"omitempty,gte=1,lte=21600"`
	Packages        []string      `json:"preinstalled_packages,omitempty"`
	ResourceRange   ResourceRange `json:"resource_range,omitempty"`
	WarmPoolTarget  int           `json:"warm_pool_target,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// UpdateTemplateRequest is the body of PUT /api/v1/templates/{id}. Nil fields
// are left unchanged.
type UpdateTemplateRequest struct {
	Image          *string  `json:"image,omitempty"`
	DefaultCPU     *string  `json:"default_cpu,omitempty"`
	DefaultMemory  *string  `json:"default_memory,omitempty"`
	DefaultDisk    *string  `json:"default_disk,omitempty"`
	DefaultTimeout *int     `json:"default_timeout_sec,omitempty"`
	Packages       []string `json:"preinstalled_packages,omitempty"`
	WarmPoolTarget *int     `json:"warm_pool_target,omitempty"`
	Active         *bool    `json:"active,omitempty"`
}

// ResultCallback is the executor's terminal report, POST
// /internal/executions/{id}/result.
type ResultCallback struct {
	Status      ExecutionStatus  `json:"status" validate:"required,oneof=completed failed timeout crashed"`
	Stdout      string           `json:"stdout,omitempty"`
	Stderr      string           `json:"stderr,omitempty"`
	ExitCode    int              `json:"exit_code"`
	ReturnValue json.RawMessage  `json:"return_value,omitempty"`
	Metrics     ExecutionMetrics `json:"metrics,omitempty"`
	Artifacts   []ArtifactUpload `json:"artifacts,omitempty"`
	ErrorDetail string           `json:"error_detail,omitempty"`
}

// StatusCallback carries non-terminal transitions, POST
// /internal/executions/{id}/status.
type StatusCallback struct {
	Status      ExecutionStatus `json:"status" validate:"required,oneof=running timeout crashed"`
	ErrorDetail string          `json:"error_detail,omitempty"`
}

// HeartbeatCallback bumps execution liveness, POST
// /internal/executions/{id}/heartbeat.
type HeartbeatCallback struct {
	Timestamp time.Time         `json:"timestamp"`
	Progress  map[string]string `json:"progress,omitempty"`
}

// ArtifactUpload is one artifact row appended via POST
// /internal/executions/{id}/artifacts.
type ArtifactUpload struct {
	Type      string `json:"type" validate:"required,oneof=file stdout stderr return_value"`
	Path      string `json:"path" validate:"required,max=1024"`
	SizeBytes int64  `json:"size_bytes" validate:"gte=0"`
	MimeType  string `json:"mime_type,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
}

// ContainerReadyCallback completes session creation, POST
// /internal/sessions/{id}/container_ready.
type ContainerReadyCallback struct {
	ExecutorURL string `json:"executor_url" validate:"required,url"`
}

// ContainerExitedCallback reports container death, POST
// /internal/sessions/{id}/container_exited.
type ContainerExitedCallback struct {
	ExitCode int    `json:"exit_code"`
	Reason   string `json:"reason,omitempty"`
}

// DependencyCallback reports in-container install progress, POST
// /internal/sessions/{id}/dependencies.
type DependencyCallback struct {
	Status       DependencyInstallStatus `json:"status" validate:"required,oneof=installing completed failed"`
	Installed    []string                `json:"installed,omitempty"`
	InstallError string                  `json:"install_error,omitempty"`
}

// RegisterNodeRequest upserts a runtime node, POST /internal/nodes/register.
type RegisterNodeRequest struct {
	Hostname         string            `json:"hostname" validate:"required,max=255"`
	RuntimeType      ContainerRuntime  `json:"runtime_type" validate:"required,oneof=docker kubernetes"`
	Endpoint         string            `json:"endpoint" validate:"required,url"`
	TotalCPUMillis   int64             `json:"total_cpu_millis" validate:"gt=0"`
	TotalMemoryBytes int64             `json:"total_memory_bytes" validate:"gt=0"`
	MaxContainers    int               `json:"max_containers" validate:"gte=0"`
	CachedImages     []string          `json:"cached_images,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
}

// NodeHeartbeatRequest refreshes a node's liveness and load figures, POST
// /internal/nodes/{id}/heartbeat.
type NodeHeartbeatRequest struct {
	AllocatedCPUMillis   int64    `json:"allocated_cpu_millis" validate:"gte=0"`
	AllocatedMemoryBytes int64    `json:"allocated_memory_bytes" validate:"gte=0"`
	RunningContainers    int      `json:"running_containers" validate:"gte=0"`
	CachedImages         []string `json:"cached_images,omitempty"`
}
