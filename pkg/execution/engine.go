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

// Package execution owns the per-run state machine: submission, executor
// callbacks, heartbeat liveness and the crash retry pipeline.
package execution

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/errors"
	"github.com/kweaver-ai/sandbox/pkg/executor"
	"github.com/kweaver-ai/sandbox/pkg/metrics"
	"github.com/kweaver-ai/sandbox/pkg/storage"
	"github.com/kweaver-ai/sandbox/pkg/store"
	"github.com/kweaver-ai/sandbox/pkg/utils/ids"
	"github.com/kweaver-ai/sandbox/pkg/utils/logging"
)

// DefaultExecutionTimeout applies when the request doesn't carry one.
const DefaultExecutionTimeout = 300

// submitAttempts bounds executor submission retries per dispatch.
const submitAttempts = 4

// ExecutionRepo is the execution persistence surface the engine needs.
type ExecutionRepo interface {
	Create(ctx context.Context, exec *v1.Execution) error
	Get(ctx context.Context, id string) (*v1.Execution, error)
	ListForSession(ctx context.Context, sessionID string, filter v1.ExecutionFilter) ([]*v1.Execution, error)
	ListInFlightForSession(ctx context.Context, sessionID string) ([]*v1.Execution, error)
	ListStaleHeartbeats(ctx context.Context, cutoff time.Time) ([]*v1.Execution, error)
	UpdateCAS(ctx context.Context, exec *v1.Execution) error
	Heartbeat(ctx context.Context, id string, at time.Time) error
}

// ArtifactRepo records artifacts reported by executors.
type ArtifactRepo interface {
	Create(ctx context.Context, a *v1.Artifact) error
	ListForExecution(ctx context.Context, executionID string) ([]*v1.Artifact, error)
}

// SessionSource is the session surface the engine needs: reads plus the
// activity bump that keeps busy sessions from idling out.
type SessionSource interface {
	Get(ctx context.Context, id string) (*v1.Session, error)
	Touch(ctx context.Context, id string)
}

// Engine drives executions from submission to a terminal status.
type Engine struct {
	executions ExecutionRepo
	artifacts  ArtifactRepo
	sessions   SessionSource
	executors  executor.Client
	validate   *validator.Validate
	clock      func() time.Time
}

func NewEngine(executions ExecutionRepo, artifacts ArtifactRepo, sessions SessionSource,
	executors executor.Client) *Engine {
	return &Engine{
		executions: executions,
		artifacts:  artifacts,
		sessions:   sessions,
		executors:  executors,
		validate:   validator.New(),
		clock:      time.Now,
	}
}

// Submit accepts a run request against a session. The execution is persisted
// as pending and handed to the session's executor; if the session is still
// provisioning (or migrating) it stays queued and is flushed once the
// container announces ready.
func (e *Engine) Submit(ctx context.Context, sessionID string, req *v1.ExecuteRequest) (*v1.Execution, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, errors.Validation("invalid execute request: %s", err)
	}
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, errors.Conflict("session "+sessionID+" is "+string(sess.Status),
			"create a new session")
	}
	if sess.Status != v1.SessionRunning && sess.Status != v1.SessionCreating {
		return nil, errors.Conflict("session "+sessionID+" is "+string(sess.Status),
			"wait for the session to reach running")
	}

	timeout := req.TimeoutSec
	if timeout <= 0 {
		timeout = DefaultExecutionTimeout
	}
	if timeout > v1.MaxExecutionTimeout {
		timeout = v1.MaxExecutionTimeout
	}

	now := e.clock()
	// An execution never outlives its session.
	if budget := int(sess.RemainingBudget(now) / time.Second); budget < timeout {
		if budget <= 0 {
			return nil, errors.Conflict("session "+sessionID+" has exhausted its lifetime",
				"create a new session")
		}
		timeout = budget
	}
	exec := &v1.Execution{
		ID:              ids.NewExecutionID(now),
		SessionID:       sess.ID,
		Status:          v1.ExecutionPending,
		Code:            req.Code,
		Language:        req.Language,
		Event:           req.Event,
		TimeoutSec:      timeout,
		LastHeartbeatAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.executions.Create(ctx, exec); err != nil {
		return nil, errors.Internal(err)
	}
	e.sessions.Touch(ctx, sess.ID)
	metrics.ExecutionsSubmitted.WithLabelValues(sess.TemplateID).Inc()

	if sess.Status == v1.SessionRunning && sess.ExecutorURL != "" {
		go e.dispatch(e.detach(ctx), sess.ExecutorURL, exec)
	}
	return exec, nil
}

// Get returns one execution.
func (e *Engine) Get(ctx context.Context, id string) (*v1.Execution, error) {
	exec, err := e.executions.Get(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errors.NotFound("execution", id)
		}
		return nil, errors.Internal(err)
	}
	return exec, nil
}

// ListForSession returns a session's executions, newest first.
func (e *Engine) ListForSession(ctx context.Context, sessionID string, filter v1.ExecutionFilter) ([]*v1.Execution, error) {
	filter.Clamp()
	execs, err := e.executions.ListForSession(ctx, sessionID, filter)
	if err != nil {
		return nil, errors.Internal(err)
	}
	return execs, nil
}

// Artifacts returns the artifacts an execution produced.
func (e *Engine) Artifacts(ctx context.Context, executionID string) ([]*v1.Artifact, error) {
	artifacts, err := e.artifacts.ListForExecution(ctx, executionID)
	if err != nil {
		return nil, errors.Internal(err)
	}
	return artifacts, nil
}

// HandleResult ingests an executor's terminal report. Delivery is
// at-least-once; replays are detected through the persisted idempotency key
// and acknowledged without reapplying. The bool reports whether this call
// applied the result (false for a replay).
func (e *Engine) HandleResult(ctx context.Context, executionID string, cb *v1.ResultCallback) (*v1.Execution, bool, error) {
	if err := e.validate.Struct(cb); err != nil {
		metrics.CallbackResults.WithLabelValues("rejected").Inc()
		return nil, false, errors.Validation("invalid result callback: %s", err)
	}
	key := executionID + "_result"

	var out *v1.Execution
	applied := false
	err := retry.Do(func() error {
		exec, err := e.executions.Get(ctx, executionID)
		if err != nil {
			if err == store.ErrNotFound {
				return errors.NotFound("execution", executionID)
			}
			return err
		}
		if exec.IdempotencyKey == key {
			// Replay of a result already applied; acknowledge without
			// touching the row.
			out = exec
			applied = false
			return nil
		}
		if !exec.Status.CanTransition(cb.Status) {
			return errors.Conflict(
				"execution "+executionID+" is "+string(exec.Status)+", cannot apply "+string(cb.Status), "")
		}
		now := e.clock()
		exitCode := cb.ExitCode
		exec.Status = cb.Status
		exec.Stdout = v1.TruncateOutput(cb.Stdout)
		exec.Stderr = v1.TruncateOutput(cb.Stderr)
		exec.ExitCode = &exitCode
		exec.ReturnValue = cb.ReturnValue
		exec.Metrics = cb.Metrics
		exec.ErrorDetail = cb.ErrorDetail
		exec.IdempotencyKey = key
		exec.CompletedAt = &now
		if exec.StartedAt == nil {
			exec.StartedAt = &now
		}
		exec.UpdatedAt = now
		if err := e.executions.UpdateCAS(ctx, exec); err != nil {
			if err == store.ErrDuplicate {
				// Another replica applied this result first.
				current, getErr := e.executions.Get(ctx, executionID)
				if getErr != nil {
					return getErr
				}
				out = current
				applied = false
				return nil
			}
			return err
		}
		out = exec
		applied = true
		return nil
	}, retry.RetryIf(func(err error) bool { return err == store.ErrStaleVersion }),
		retry.Attempts(5), retry.LastErrorOnly(true))
	if err != nil {
		if appErr, ok := errors.As(err); ok {
			if errors.IsConflict(appErr) {
				metrics.CallbackResults.WithLabelValues("rejected").Inc()
			}
			return nil, false, appErr
		}
		return nil, false, errors.Internal(err)
	}
	exec := out
	if !applied {
		metrics.CallbackResults.WithLabelValues("duplicate").Inc()
		return exec, false, nil
	}

	metrics.CallbackResults.WithLabelValues("applied").Inc()
	metrics.ExecutionDuration.WithLabelValues(string(exec.Status)).
		Observe(float64(cb.Metrics.DurationMs) / 1000)

	for _, upload := range cb.Artifacts {
		e.recordArtifact(ctx, exec, upload)
	}
	e.sessions.Touch(ctx, exec.SessionID)

	if exec.Retriable() {
		e.spawnRetry(ctx, exec)
	}
	return exec, true, nil
}

// HandleStatus ingests a non-terminal (or crash) transition report.
func (e *Engine) HandleStatus(ctx context.Context, executionID string, cb *v1.StatusCallback) (*v1.Execution, error) {
	if err := e.validate.Struct(cb); err != nil {
		return nil, errors.Validation("invalid status callback: %s", err)
	}
	exec, err := e.mutate(ctx, executionID, func(exec *v1.Execution) error {
		if exec.Status == cb.Status {
			return errAlreadyApplied
		}
		if !exec.Status.CanTransition(cb.Status) {
			return errors.Conflict(
				"execution "+executionID+" is "+string(exec.Status)+", cannot apply "+string(cb.Status), "")
		}
		now := e.clock()
		exec.Status = cb.Status
		exec.LastHeartbeatAt = now
		if cb.ErrorDetail != "" {
			exec.ErrorDetail = cb.ErrorDetail
		}
		switch cb.Status {
		case v1.ExecutionRunning:
			exec.StartedAt = &now
		case v1.ExecutionTimeout, v1.ExecutionCrashed:
			exec.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if exec.Retriable() {
		e.spawnRetry(ctx, exec)
	}
	return exec, nil
}

// HandleHeartbeat bumps execution liveness. Heartbeats against terminal
// executions are dropped.
func (e *Engine) HandleHeartbeat(ctx context.Context, executionID string, cb *v1.HeartbeatCallback) error {
	at := cb.Timestamp
	if at.IsZero() {
		at = e.clock()
	}
	if err := e.executions.Heartbeat(ctx, executionID, at); err != nil {
		if err == store.ErrNotFound {
			return errors.NotFound("execution", executionID)
		}
		return errors.Internal(err)
	}
	return nil
}

// HandleArtifacts appends artifact rows reported outside the result callback.
func (e *Engine) HandleArtifacts(ctx context.Context, executionID string, uploads []v1.ArtifactUpload) error {
	exec, err := e.Get(ctx, executionID)
	if err != nil {
		return err
	}
	for _, upload := range uploads {
		if err := e.validate.Struct(upload); err != nil {
			return errors.Validation("invalid artifact: %s", err)
		}
	}
	for _, upload := range uploads {
		e.recordArtifact(ctx, exec, upload)
	}
	return nil
}

// SweepHeartbeats crashes in-flight executions whose executor went silent
// beyond the heartbeat timeout. Called periodically by the sweeper.
// Pending executions are only crash-eligible while their session is
// running: work queued against a provisioning or migrating session has no
// executor yet and keeps its retry budget.
func (e *Engine) SweepHeartbeats(ctx context.Context) {
	cutoff := e.clock().Add(-v1.HeartbeatTimeout)
	stale, err := e.executions.ListStaleHeartbeats(ctx, cutoff)
	if err != nil {
		logging.FromContext(ctx).Error("listing stale heartbeats", zap.Error(err))
		return
	}
	for _, exec := range stale {
		if exec.Status == v1.ExecutionPending {
			sess, err := e.sessions.Get(ctx, exec.SessionID)
			if err != nil || sess.Status != v1.SessionRunning {
				continue
			}
		}
		metrics.HeartbeatCrashes.Inc()
		e.crash(ctx, exec.ID, "heartbeat timeout")
	}
}

// HandleContainerLost crashes a session's in-flight executions when its
// container dies. Runs before the session migrates so retries queue against
// it and flush on the replacement container.
func (e *Engine) HandleContainerLost(ctx context.Context, sess *v1.Session) {
	inflight, err := e.executions.ListInFlightForSession(ctx, sess.ID)
	if err != nil {
		logging.FromContext(ctx).Error("listing in-flight executions",
			zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	for _, exec := range inflight {
		e.crash(ctx, exec.ID, "container exited")
	}
}

// ResubmitPending flushes executions queued while the session's container
// came up. Wired to the session manager's ready hook.
func (e *Engine) ResubmitPending(ctx context.Context, sess *v1.Session) {
	if sess.ExecutorURL == "" {
		return
	}
	inflight, err := e.executions.ListInFlightForSession(ctx, sess.ID)
	if err != nil {
		logging.FromContext(ctx).Error("listing queued executions",
			zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	for _, exec := range inflight {
		if exec.Status != v1.ExecutionPending {
			continue
		}
		e.dispatch(ctx, sess.ExecutorURL, exec)
	}
}

// dispatch hands an execution to the executor, backing off between attempts.
// A dispatch that exhausts its attempts crashes the execution, which feeds
// the retry pipeline.
func (e *Engine) dispatch(ctx context.Context, executorURL string, exec *v1.Execution) {
	err := retry.Do(func() error {
		return e.executors.Submit(ctx, executorURL, exec)
	},
		retry.Context(ctx),
		retry.Attempts(submitAttempts),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			d := time.Duration(1<<n) * time.Second
			if d > 10*time.Second {
				d = 10 * time.Second
			}
			return d
		}))
	if err != nil {
		logging.FromContext(ctx).Error("submitting execution to executor",
			zap.String("execution_id", exec.ID), zap.String("executor_url", executorURL), zap.Error(err))
		e.crash(ctx, exec.ID, "submitting to executor: "+err.Error())
	}
}

// crash moves an in-flight execution to crashed and spawns its retry if
// budget remains.
func (e *Engine) crash(ctx context.Context, executionID, detail string) {
	exec, err := e.mutate(ctx, executionID, func(exec *v1.Execution) error {
		if exec.Status.Terminal() {
			return errAlreadyApplied
		}
		now := e.clock()
		exec.Status = v1.ExecutionCrashed
		exec.ErrorDetail = detail
		exec.CompletedAt = &now
		return nil
	})
	if err != nil {
		logging.FromContext(ctx).Error("crashing execution",
			zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	if exec.Retriable() {
		e.spawnRetry(ctx, exec)
	}
}

// spawnRetry queues a fresh attempt for a crashed execution. The child
// carries the parent's payload with an incremented retry count; if the
// session is serving it is dispatched immediately, otherwise it waits for
// the ready hook.
func (e *Engine) spawnRetry(ctx context.Context, parent *v1.Execution) {
	now := e.clock()
	child := &v1.Execution{
		ID:                ids.NewExecutionID(now),
		SessionID:         parent.SessionID,
		Status:            v1.ExecutionPending,
		Code:              parent.Code,
		Language:          parent.Language,
		Event:             parent.Event,
		TimeoutSec:        parent.TimeoutSec,
		RetryCount:        parent.RetryCount + 1,
		ParentExecutionID: parent.ID,
		LastHeartbeatAt:   now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.executions.Create(ctx, child); err != nil {
		logging.FromContext(ctx).Error("queuing execution retry",
			zap.String("parent_execution_id", parent.ID), zap.Error(err))
		return
	}
	logging.FromContext(ctx).Info("queued execution retry",
		zap.String("execution_id", child.ID),
		zap.String("parent_execution_id", parent.ID),
		zap.Int("retry_count", child.RetryCount))

	sess, err := e.sessions.Get(ctx, parent.SessionID)
	if err != nil {
		logging.FromContext(ctx).Error("loading session for retry",
			zap.String("session_id", parent.SessionID), zap.Error(err))
		return
	}
	if sess.Status == v1.SessionRunning && sess.ExecutorURL != "" {
		go e.dispatch(e.detach(ctx), sess.ExecutorURL, child)
	}
}

func (e *Engine) recordArtifact(ctx context.Context, exec *v1.Execution, upload v1.ArtifactUpload) {
	sessPrefix := storage.ArtifactKey(exec.SessionID, exec.ID, upload.Path)
	artifact := &v1.Artifact{
		ID:          ids.NewArtifactID(),
		ExecutionID: exec.ID,
		Type:        upload.Type,
		Path:        upload.Path,
		ObjectPath:  sessPrefix,
		SizeBytes:   upload.SizeBytes,
		MimeType:    upload.MimeType,
		Checksum:    upload.Checksum,
		CreatedAt:   e.clock(),
	}
	if err := e.artifacts.Create(ctx, artifact); err != nil {
		logging.FromContext(ctx).Error("recording artifact",
			zap.String("execution_id", exec.ID), zap.String("path", upload.Path), zap.Error(err))
	}
}

// errAlreadyApplied aborts a mutate without error when the execution is
// already in the target state.
var errAlreadyApplied = errors.Conflict("already in target state", "")

// mutate applies fn under optimistic concurrency: read, modify, CAS, and on
// a lost race re-read and re-apply.
func (e *Engine) mutate(ctx context.Context, id string, fn func(exec *v1.Execution) error) (*v1.Execution, error) {
	var out *v1.Execution
	err := retry.Do(func() error {
		exec, err := e.executions.Get(ctx, id)
		if err != nil {
			if err == store.ErrNotFound {
				return errors.NotFound("execution", id)
			}
			return err
		}
		if err := fn(exec); err != nil {
			if err == errAlreadyApplied {
				out = exec
				return nil
			}
			return err
		}
		exec.UpdatedAt = e.clock()
		if err := e.executions.UpdateCAS(ctx, exec); err != nil {
			if err == store.ErrDuplicate {
				// Another writer claimed the idempotency key first; surface
				// the stored row as a replay.
				current, getErr := e.executions.Get(ctx, id)
				if getErr != nil {
					return getErr
				}
				out = current
				return nil
			}
			return err
		}
		out = exec
		return nil
	}, retry.RetryIf(func(err error) bool { return err == store.ErrStaleVersion }),
		retry.Attempts(5), retry.LastErrorOnly(true))
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.Internal(err)
	}
	return out, nil
}

// detach carries the logger forward but drops the caller's cancellation,
// since dispatch outlives the HTTP request that queued the execution.
func (e *Engine) detach(ctx context.Context) context.Context {
	return logging.WithLogger(context.Background(), logging.FromContext(ctx))
}
