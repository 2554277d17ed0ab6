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

// ExecutionStatus is the execution state machine's node set.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimeout   ExecutionStatus = "timeout"
	ExecutionCrashed   ExecutionStatus = "crashed"
)

// Terminal reports whether the execution reached a final state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTimeout, ExecutionCrashed:
		return true
	}
	return false
}

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending: {ExecutionRunning, ExecutionCompleted, ExecutionFailed, ExecutionTimeout, ExecutionCrashed},
	ExecutionRunning: {ExecutionCompleted, ExecutionFailed, ExecutionTimeout, ExecutionCrashed},
}

// CanTransition reports whether moving from to next is a legal edge.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	for _, allowed := range executionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Execution limits.
const (
	// MaxOutputBytes caps persisted stdout/stderr; longer output is cut and
	// suffixed with TruncationMarker before it ever reaches the store.
	MaxOutputBytes = 1 << 20
	// TruncationMarker is appended to output cut at MaxOutputBytes.
	TruncationMarker = "\n...[truncated]"
	// MaxExecutionTimeout is the hard per-execution ceiling in seconds.
	MaxExecutionTimeout = 3600
	// HeartbeatTimeout is how stale a heartbeat may be before an in-flight
	// execution becomes a crash candidate.
	HeartbeatTimeout = 15 * time.Second
	// MaxRetries is the retry budget beyond the original attempt.
	MaxRetries = 2
)

// ExecutionMetrics are resource figures reported by the executor.
type ExecutionMetrics struct {
	DurationMs   int64   `json:"duration_ms,omitempty"`
	CPUTimeMs    int64   `json:"cpu_time_ms,omitempty"`
	PeakMemoryMB float64 `json:"peak_memory_mb,omitempty"`
}

// Execution is a single code-run request within a session.
type Execution struct {
	ID        string          `json:"id" db:"id"`
	SessionID string          `json:"session_id" db:"session_id"`
	Status    ExecutionStatus `json:"status" db:"status"`
	Code      string          `json:"code" db:"code"`
	Language  RuntimeType     `json:"language" db:"language"`

	// Event is the JSON payload handed to the user's handler function.
	Event       json.RawMessage  `json:"event,omitempty" db:"event"`
	TimeoutSec  int              `json:"timeout_sec" db:"timeout_sec"`
	ReturnValue json.RawMessage  `json:"return_value,omitempty" db:"return_value"`
	Stdout      string           `json:"stdout,omitempty" db:"stdout"`
	Stderr      string           `json:"stderr,omitempty" db:"stderr"`
	ExitCode    *int             `json:"exit_code,omitempty" db:"exit_code"`
	Metrics     ExecutionMetrics `json:"metrics"`
	ErrorDetail string           `json:"error_detail,omitempty" db:"error_detail"`

	RetryCount        int    `json:"retry_count" db:"retry_count"`
	ParentExecutionID string `json:"parent_execution_id,omitempty" db:"parent_execution_id"`

	// IdempotencyKey is persisted with a unique index so result-callback
	// deduplication survives control-plane restarts.
	IdempotencyKey string `json:"-" db:"idempotency_key"`

	Version int64 `json:"-" db:"version"`

	LastHeartbeatAt time.Time  `json:"last_heartbeat_at" db:"last_heartbeat_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// HeartbeatStale reports whether the execution is a crash candidate: in
// flight but silent beyond the heartbeat timeout.
func (e *Execution) HeartbeatStale(now time.Time) bool {
	if e.Status != ExecutionPending && e.Status != ExecutionRunning {
		return false
	}
	return now.Sub(e.LastHeartbeatAt) > HeartbeatTimeout
}

// Retriable reports whether the execution may enter the retry pipeline.
// User-code failures and hard timeouts are not retried; only crashes with
// remaining budget are.
func (e *Execution) Retriable() bool {
	return e.Status == ExecutionCrashed && e.RetryCount < MaxRetries
}

// TruncateOutput enforces the persisted output cap.
func TruncateOutput(s string) string {
	if len(s) <= MaxOutputBytes {
		return s
	}
	return s[:MaxOutputBytes] + TruncationMarker
}

// Artifact is a file or stream produced by an execution and persisted under
// the session's workspace prefix.
type Artifact struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Type        string    `json:"type" db:"type"`
	Path        string    `json:"path" db:"path"`
	ObjectPath  string    `json:"object_path" db:"object_path"`
	SizeBytes   int64     `json:"size_bytes" db:"size_bytes"`
	MimeType    string    `json:"mime_type,omitempty" db:"mime_type"`
	Checksum    string    `json:"checksum,omitempty" db:"checksum"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Artifact types.
const (
	ArtifactFile        = "file"
	ArtifactStdout      = "stdout"
	ArtifactStderr      = "stderr"
	ArtifactReturnValue = "return_value"
)
