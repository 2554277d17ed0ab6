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
	"fmt"
	"time"
)

// RuntimeType identifies the language runtime baked into a template image.
type RuntimeType string

const (
	RuntimePython RuntimeType = "python"
	RuntimeNodeJS RuntimeType = "nodejs"
	RuntimeJava   RuntimeType = "java"
	RuntimeGo     RuntimeType = "go"
)

func (r RuntimeType) Valid() bool {
	switch r {
	case RuntimePython, RuntimeNodeJS, RuntimeJava, RuntimeGo:
		return true
	}
	return false
}

// ResourceSpec describes a CPU/memory/disk allocation. CPU is expressed in
// cores ("1", "0.5"), memory and disk in Kubernetes quantity notation
// ("512Mi", "1Gi").
type ResourceSpec struct {
	CPU    string `json:"cpu" db:"cpu"`
	Memory string `json:"memory" db:"memory"`
	Disk   string `json:"disk" db:"disk"`
}

// ResourceRange bounds what a session may request from a template.
type ResourceRange struct {
	MinCPUMillis   int64 `json:"min_cpu_millis"`
	MaxCPUMillis   int64 `json:"max_cpu_millis"`
	MinMemoryBytes int64 `json:"min_memory_bytes"`
	MaxMemoryBytes int64 `json:"max_memory_bytes"`
	MinDiskBytes   int64 `json:"min_disk_bytes"`
	MaxDiskBytes   int64 `json:"max_disk_bytes"`
}

// SecurityContext pins the execution identity inside template containers.
// The platform requires the non-privileged sandbox user on every template.
type SecurityContext struct {
	RunAsUser  int64 `json:"run_as_user"`
	RunAsGroup int64 `json:"run_as_group"`
}

// SandboxUID and SandboxGID are the only identity templates may declare.
const (
	SandboxUID int64 = 1000
	SandboxGID int64 = 1000
)

// Template is a reusable sandbox definition: an image plus defaults and the
// allowed resource envelope for sessions created from it.
type Template struct {
	ID              string          `json:"id" db:"id"`
	Name            string          `json:"name" db:"name"`
	Image           string          `json:"image" db:"image"`
	RuntimeType     RuntimeType     `json:"runtime_type" db:"runtime_type"`
	DefaultCPU      string          `json:"default_cpu" db:"default_cpu"`
	DefaultMemory   string          `json:"default_memory" db:"default_memory"`
	DefaultDisk     string          `json:"default_disk" db:"default_disk"`
	DefaultTimeout  int             `json:"default_timeout_sec" db:"default_timeout_sec"`
	Packages        []string        `json:"preinstalled_packages" db:"-"`
	ResourceRange   ResourceRange   `json:"resource_range" db:"-"`
	SecurityContext SecurityContext `json:"security_context" db:"-"`
	WarmPoolTarget  int             `json:"warm_pool_target" db:"warm_pool_target"`
	Active          bool            `json:"active" db:"active"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Validate checks invariants a template must hold before it is persisted.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if t.Image == "" {
		return fmt.Errorf("template image is required")
	}
	if !t.RuntimeType.Valid() {
		return fmt.Errorf("unsupported runtime type %q", t.RuntimeType)
	}
	if t.SecurityContext.RunAsUser != SandboxUID || t.SecurityContext.RunAsGroup != SandboxGID {
		return fmt.Errorf("templates must run as %d:%d", SandboxUID, SandboxGID)
	}
	return nil
}
