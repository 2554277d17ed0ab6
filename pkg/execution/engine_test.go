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

package execution

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/errors"
	"github.com/kweaver-ai/sandbox/pkg/fake"
	"github.com/kweaver-ai/sandbox/pkg/utils/ids"
)

type sessionStub struct {
	mu      sync.Mutex
	sess    *v1.Session
	touched int
}

func (s *sessionStub) Get(_ context.Context, id string) (*v1.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil || s.sess.ID != id {
		return nil, errors.NotFound("session", id)
	}
	out := *s.sess
	return &out, nil
}

func (s *sessionStub) Touch(context.Context, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched++
}

func runningSession() *v1.Session {
	return &v1.Session{
		ID:          ids.NewSessionID(),
		TemplateID:  "tmpl_pythonbasic1",
		Status:      v1.SessionRunning,
		Mode:        v1.ModeEphemeral,
		ExecutorURL: "http://10.0.0.1:8081",
		ExpiresAt:   time.Now().Add(2 * time.Hour),
	}
}

type engineFixture struct {
	engine     *Engine
	executions *fake.ExecutionRepo
	artifacts  *fake.ArtifactRepo
	sessions   *sessionStub
	executors  *fake.ExecutorClient
}

func newEngineFixture(sess *v1.Session) *engineFixture {
	f := &engineFixture{
		executions: fake.NewExecutionRepo(),
		artifacts:  fake.NewArtifactRepo(),
		sessions:   &sessionStub{sess: sess},
		executors:  fake.NewExecutorClient(),
	}
	f.engine = NewEngine(f.executions, f.artifacts, f.sessions, f.executors)
	return f
}

func (f *engineFixture) seedExecution(t *testing.T, exec *v1.Execution) *v1.Execution {
	t.Helper()
	if exec.ID == "" {
		exec.ID = ids.NewExecutionID(time.Now())
	}
	if exec.SessionID == "" {
		exec.SessionID = f.sessions.sess.ID
	}
	require.NoError(t, f.executions.Create(context.Background(), exec))
	return exec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSubmitDispatchesToRunningSession(t *testing.T) {
	sess := runningSession()
	f := newEngineFixture(sess)

	exec, err := f.engine.Submit(context.Background(), sess.ID, &v1.ExecuteRequest{
		Code:     "print('hi')",
		Language: v1.RuntimePython,
	})
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionPending, exec.Status)
	assert.Equal(t, DefaultExecutionTimeout, exec.TimeoutSec)
	assert.True(t, ids.IsExecutionID(exec.ID))

	waitFor(t, func() bool { return len(f.executors.SubmittedIDs()) == 1 })
	assert.Equal(t, exec.ID, f.executors.SubmittedIDs()[0])
}

func TestSubmitQueuesWhileProvisioning(t *testing.T) {
	sess := runningSession()
	sess.Status = v1.SessionCreating
	sess.ExecutorURL = ""
	f := newEngineFixture(sess)

	exec, err := f.engine.Submit(context.Background(), sess.ID, &v1.ExecuteRequest{
		Code:     "print('hi')",
		Language: v1.RuntimePython,
	})
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionPending, exec.Status)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.executors.SubmittedIDs())

	// The ready hook flushes the queue.
	sess.Status = v1.SessionRunning
	sess.ExecutorURL = "http://10.0.0.1:8081"
	f.engine.ResubmitPending(context.Background(), sess)
	assert.Equal(t, []string{exec.ID}, f.executors.SubmittedIDs())
}

func TestSubmitRejectsTerminalSession(t *testing.T) {
	sess := runningSession()
	sess.Status = v1.SessionTerminated
	f := newEngineFixture(sess)

	_, err := f.engine.Submit(context.Background(), sess.ID, &v1.ExecuteRequest{
		Code:     "print('hi')",
		Language: v1.RuntimePython,
	})
	assert.True(t, errors.IsConflict(err))
}

func TestSubmitCapsTimeout(t *testing.T) {
	sess := runningSession()
	sess.Status = v1.SessionCreating
	f := newEngineFixture(sess)

	exec, err := f.engine.Submit(context.Background(), sess.ID, &v1.ExecuteRequest{
		Code:       "while True: pass",
		Language:   v1.RuntimePython,
		TimeoutSec: 3600,
	})
	require.NoError(t, err)
	assert.Equal(t, v1.MaxExecutionTimeout, exec.TimeoutSec)
}

func TestSubmitClampsTimeoutToSessionBudget(t *testing.T) {
	sess := runningSession()
	sess.ExpiresAt = time.Now().Add(90 * time.Second)
	f := newEngineFixture(sess)

	exec, err := f.engine.Submit(context.Background(), sess.ID, &v1.ExecuteRequest{
		Code:       "x=1",
		Language:   v1.RuntimePython,
		TimeoutSec: 600,
	})
	require.NoError(t, err)
	assert.Positive(t, exec.TimeoutSec)
	assert.LessOrEqual(t, exec.TimeoutSec, 90)

	f.sessions.mu.Lock()
	f.sessions.sess.ExpiresAt = time.Now().Add(-time.Second)
	f.sessions.mu.Unlock()

	_, err = f.engine.Submit(context.Background(), sess.ID, &v1.ExecuteRequest{
		Code:     "x=1",
		Language: v1.RuntimePython,
	})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestHandleResultAppliesOnce(t *testing.T) {
	f := newEngineFixture(runningSession())
	exec := f.seedExecution(t, &v1.Execution{Status: v1.ExecutionRunning, Code: "x=1", Language: v1.RuntimePython})

	cb := &v1.ResultCallback{
		Status:   v1.ExecutionCompleted,
		Stdout:   "done",
		ExitCode: 0,
		Metrics:  v1.ExecutionMetrics{DurationMs: 1200},
		Artifacts: []v1.ArtifactUpload{
			{Type: v1.ArtifactFile, Path: "out/plot.png", SizeBytes: 2048, MimeType: "image/png"},
		},
	}
	got, applied, err := f.engine.HandleResult(context.Background(), exec.ID, cb)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, v1.ExecutionCompleted, got.Status)
	assert.Equal(t, "done", got.Stdout)
	require.NotNil(t, got.ExitCode)
	assert.NotNil(t, got.CompletedAt)

	artifacts, err := f.engine.Artifacts(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Contains(t, artifacts[0].ObjectPath, exec.ID)

	// Replays acknowledge without reapplying.
	for i := 0; i < 3; i++ {
		again, applied, err := f.engine.HandleResult(context.Background(), exec.ID, cb)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, v1.ExecutionCompleted, again.Status)
	}
	artifacts, err = f.engine.Artifacts(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)
}

func TestHandleResultTruncatesOutput(t *testing.T) {
	f := newEngineFixture(runningSession())
	exec := f.seedExecution(t, &v1.Execution{Status: v1.ExecutionRunning, Code: "x=1", Language: v1.RuntimePython})

	got, _, err := f.engine.HandleResult(context.Background(), exec.ID, &v1.ResultCallback{
		Status: v1.ExecutionCompleted,
		Stdout: strings.Repeat("a", v1.MaxOutputBytes+100),
	})
	require.NoError(t, err)
	assert.Len(t, got.Stdout, v1.MaxOutputBytes+len(v1.TruncationMarker))
	assert.True(t, strings.HasSuffix(got.Stdout, v1.TruncationMarker))
}

func TestHandleResultRejectsIllegalTransition(t *testing.T) {
	f := newEngineFixture(runningSession())
	exec := f.seedExecution(t, &v1.Execution{Status: v1.ExecutionFailed, Code: "x=1", Language: v1.RuntimePython})

	_, _, err := f.engine.HandleResult(context.Background(), exec.ID, &v1.ResultCallback{
		Status: v1.ExecutionCompleted,
	})
	assert.True(t, errors.IsConflict(err))
}

func TestHandleStatusMarksRunning(t *testing.T) {
	f := newEngineFixture(runningSession())
	exec := f.seedExecution(t, &v1.Execution{Status: v1.ExecutionPending, Code: "x=1", Language: v1.RuntimePython})

	got, err := f.engine.HandleStatus(context.Background(), exec.ID, &v1.StatusCallback{Status: v1.ExecutionRunning})
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestCrashRetriesWithBudget(t *testing.T) {
	sess := runningSession()
	sess.Status = v1.SessionCreating
	sess.ExecutorURL = ""
	f := newEngineFixture(sess)
	exec := f.seedExecution(t, &v1.Execution{Status: v1.ExecutionRunning, Code: "x=1", Language: v1.RuntimePython})

	got, err := f.engine.HandleStatus(context.Background(), exec.ID, &v1.StatusCallback{
		Status:      v1.ExecutionCrashed,
		ErrorDetail: "executor lost",
	})
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionCrashed, got.Status)

	inflight, err := f.executions.ListInFlightForSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	child := inflight[0]
	assert.Equal(t, exec.ID, child.ParentExecutionID)
	assert.Equal(t, 1, child.RetryCount)
	assert.Equal(t, exec.Code, child.Code)

	// Crash the retries until the budget runs out.
	_, err = f.engine.HandleStatus(context.Background(), child.ID, &v1.StatusCallback{Status: v1.ExecutionCrashed})
	require.NoError(t, err)
	inflight, err = f.executions.ListInFlightForSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	grandchild := inflight[0]
	assert.Equal(t, 2, grandchild.RetryCount)

	_, err = f.engine.HandleStatus(context.Background(), grandchild.ID, &v1.StatusCallback{Status: v1.ExecutionCrashed})
	require.NoError(t, err)
	inflight, err = f.executions.ListInFlightForSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, inflight)
}

func TestSweepHeartbeatsCrashesStaleExecutions(t *testing.T) {
	sess := runningSession()
	sess.Status = v1.SessionCreating
	sess.ExecutorURL = ""
	f := newEngineFixture(sess)
	stale := f.seedExecution(t, &v1.Execution{
		Status:          v1.ExecutionRunning,
		Code:            "x=1",
		Language:        v1.RuntimePython,
		LastHeartbeatAt: time.Now().Add(-time.Minute),
	})
	fresh := f.seedExecution(t, &v1.Execution{
		Status:          v1.ExecutionRunning,
		Code:            "y=2",
		Language:        v1.RuntimePython,
		LastHeartbeatAt: time.Now(),
	})

	f.engine.SweepHeartbeats(context.Background())

	got, err := f.engine.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionCrashed, got.Status)
	assert.Equal(t, "heartbeat timeout", got.ErrorDetail)

	got, err = f.engine.Get(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionRunning, got.Status)
}

func TestSweepHeartbeatsSparesQueuedExecutions(t *testing.T) {
	sess := runningSession()
	sess.Status = v1.SessionCreating
	sess.ExecutorURL = ""
	f := newEngineFixture(sess)
	queued := f.seedExecution(t, &v1.Execution{
		Status:          v1.ExecutionPending,
		Code:            "x=1",
		Language:        v1.RuntimePython,
		LastHeartbeatAt: time.Now().Add(-time.Minute),
	})

	// The session is still provisioning; queued work keeps its retry budget
	// no matter how stale it looks.
	f.engine.SweepHeartbeats(context.Background())

	got, err := f.engine.Get(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionPending, got.Status)
	assert.Zero(t, got.RetryCount)

	// Once the session is serving, a pending row the executor never picked
	// up is fair game.
	f.sessions.mu.Lock()
	f.sessions.sess.Status = v1.SessionRunning
	f.sessions.sess.ExecutorURL = "http://10.0.0.1:8081"
	f.sessions.mu.Unlock()

	f.engine.SweepHeartbeats(context.Background())

	got, err = f.engine.Get(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionCrashed, got.Status)
}

func TestHandleContainerLostCrashesInFlight(t *testing.T) {
	sess := runningSession()
	sess.Status = v1.SessionCreating
	sess.ExecutorURL = ""
	f := newEngineFixture(sess)
	exec := f.seedExecution(t, &v1.Execution{
		Status:   v1.ExecutionRunning,
		Code:     "x=1",
		Language: v1.RuntimePython,
	})

	f.engine.HandleContainerLost(context.Background(), sess)

	got, err := f.engine.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionCrashed, got.Status)
	assert.Equal(t, "container exited", got.ErrorDetail)

	// The replacement attempt waits for the new container.
	inflight, err := f.executions.ListInFlightForSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	assert.Equal(t, exec.ID, inflight[0].ParentExecutionID)
}

func TestHandleHeartbeatDropsTerminal(t *testing.T) {
	f := newEngineFixture(runningSession())
	exec := f.seedExecution(t, &v1.Execution{Status: v1.ExecutionCompleted, Code: "x=1", Language: v1.RuntimePython})

	err := f.engine.HandleHeartbeat(context.Background(), exec.ID, &v1.HeartbeatCallback{Timestamp: time.Now()})
	assert.True(t, errors.IsNotFound(err))
}

func TestHandleHeartbeatBumpsLiveness(t *testing.T) {
	f := newEngineFixture(runningSession())
	exec := f.seedExecution(t, &v1.Execution{
		Status:          v1.ExecutionRunning,
		Code:            "x=1",
		Language:        v1.RuntimePython,
		LastHeartbeatAt: time.Now().Add(-10 * time.Second),
	})

	at := time.Now()
	require.NoError(t, f.engine.HandleHeartbeat(context.Background(), exec.ID, &v1.HeartbeatCallback{Timestamp: at}))

	got, err := f.engine.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, at, got.LastHeartbeatAt, time.Second)
}
