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

// SessionStatus is the session state machine's node set.
type SessionStatus string

const (
	SessionCreating   SessionStatus = "creating"
	SessionRunning    SessionStatus = "running"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionTimeout    SessionStatus = "timeout"
	SessionTerminated SessionStatus = "terminated"
)

// sessionTransitions encodes the legal edges of the session state machine.
// Every persisted status change must traverse one of these edges.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionCreating: {SessionRunning, SessionFailed, SessionTerminated},
	SessionRunning:  {SessionCompleted, SessionFailed, SessionTimeout, SessionTerminated, SessionCreating},
}

// CanTransition reports whether moving from to next is a legal edge.
// running -> creating is the migration edge: a persistent session whose
// container was evicted re-enters creating on a new node.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionTimeout, SessionTerminated:
		return true
	}
	return false
}

// SessionMode selects workspace longevity semantics.
type SessionMode string

const (
	// ModeEphemeral sessions discard their workspace on termination.
	ModeEphemeral SessionMode = "ephemeral"
	// ModePersistent sessions keep the workspace prefix across container
	// migrations and require an owning agent identity.
	ModePersistent SessionMode = "persistent"
)

// DependencyInstallStatus tracks the in-container package install declared on
// session creation.
type DependencyInstallStatus string

const (
	DependencyPending    DependencyInstallStatus = "pending"
	DependencyInstalling DependencyInstallStatus = "installing"
	DependencyCompleted  DependencyInstallStatus = "completed"
	DependencyFailed     DependencyInstallStatus = "failed"
)

// DependencyState is the dependency-install block carried on a session.
type DependencyState struct {
	Status       DependencyInstallStatus `json:"status"`
	Requested    []string                `json:"requested,omitempty"`
	Installed    []string                `json:"installed,omitempty"`
	InstallError string                  `json:"install_error,omitempty"`
}

// Environment variable map limits.
const (
	MaxEnvKeys      = 64
	MaxEnvTotalSize = 10 * 1024
)

// Session is a provisioned sandbox container with an attached workspace.
type Session struct {
	ID              string            `json:"id" db:"id"`
	TemplateID      string            `json:"template_id" db:"template_id"`
	Status          SessionStatus     `json:"status" db:"status"`
	Mode            SessionMode       `json:"mode" db:"mode"`
	Resources       ResourceSpec      `json:"resources"`
	Env             map[string]string `json:"env,omitempty"`
	ContainerID     string            `json:"container_id,omitempty" db:"container_id"`
	NodeID          string            `json:"node_id,omitempty" db:"node_id"`
	WorkspacePath   string            `json:"workspace_object_path" db:"workspace_object_path"`
	ExecutorURL     string            `json:"executor_endpoint,omitempty" db:"executor_endpoint"`
	AgentAffinityID string            `json:"agent_affinity_id,omitempty" db:"agent_affinity_id"`
	Dependencies    DependencyState   `json:"dependencies"`
	TimeoutSec      int               `json:"timeout_sec" db:"timeout_sec"`
	FailureReason   string            `json:"failure_reason,omitempty" db:"failure_reason"`

	// Version is the optimistic-concurrency column. Writers CAS on the
	// version they read; a failed CAS re-reads rather than overwrites.
	Version int64 `json:"-" db:"version"`

	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	TerminatedAt   *time.Time `json:"terminated_at,omitempty" db:"terminated_at"`
	LastActivityAt time.Time  `json:"last_activity_at" db:"last_activity_at"`
	ExpiresAt      time.Time  `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the session's lifetime budget is exhausted.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Idle reports whether the session has been inactive past the threshold.
// A non-positive threshold disables the idle check.
func (s *Session) Idle(now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		return false
	}
	return now.Sub(s.LastActivityAt) > threshold
}

// RemainingBudget is the time left until the session's hard expiry.
func (s *Session) RemainingBudget(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}
