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

package controllers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/fake"
	"github.com/kweaver-ai/sandbox/pkg/runtime"
	"github.com/kweaver-ai/sandbox/pkg/scheduling"
)

func testContainerConfig(sessionID string) *runtime.ContainerConfig {
	return &runtime.ContainerConfig{
		SessionID:    sessionID,
		Image:        "registry.example.com/python:3.12",
		ExecutorPort: 8081,
	}
}

type terminatorStub struct {
	reaped map[string]v1.SessionStatus
}

func (s *terminatorStub) Terminate(_ context.Context, id string, status v1.SessionStatus, _ string) (*v1.Session, error) {
	if s.reaped == nil {
		s.reaped = map[string]v1.SessionStatus{}
	}
	s.reaped[id] = status
	return &v1.Session{ID: id, Status: status}, nil
}

func seedSession(t *testing.T, repo *fake.SessionRepo, sess *v1.Session) *v1.Session {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), sess))
	return sess
}

func TestSessionReaperTimesOutExpired(t *testing.T) {
	sessions := fake.NewSessionRepo()
	now := time.Now()
	seedSession(t, sessions, &v1.Session{
		ID: "sess_expired0000001", Status: v1.SessionRunning,
		ExpiresAt: now.Add(-time.Minute), LastActivityAt: now,
	})
	seedSession(t, sessions, &v1.Session{
		ID: "sess_idle000000001", Status: v1.SessionRunning,
		ExpiresAt: now.Add(time.Hour), LastActivityAt: now.Add(-time.Hour),
	})
	seedSession(t, sessions, &v1.Session{
		ID: "sess_healthy000001", Status: v1.SessionRunning,
		ExpiresAt: now.Add(time.Hour), LastActivityAt: now,
	})
	seedSession(t, sessions, &v1.Session{
		ID: "sess_stuck00000001", Status: v1.SessionCreating,
		UpdatedAt: now.Add(-10 * time.Minute), ExpiresAt: now.Add(time.Hour), LastActivityAt: now,
	})

	manager := &terminatorStub{}
	reaper := NewSessionReaper(sessions, manager, 30*time.Minute, 5*time.Minute, time.Minute)
	require.NoError(t, reaper.Reconcile(context.Background()))

	assert.Equal(t, v1.SessionTimeout, manager.reaped["sess_expired0000001"])
	assert.Equal(t, v1.SessionTimeout, manager.reaped["sess_idle000000001"])
	assert.Equal(t, v1.SessionFailed, manager.reaped["sess_stuck00000001"])
	assert.NotContains(t, manager.reaped, "sess_healthy000001")
}

func TestNodeProbeMarksUnhealthyAfterThreshold(t *testing.T) {
	node := &v1.RuntimeNode{
		ID: "node_aaa000000001", Hostname: "a.local", Status: v1.NodeOnline,
		TotalCPUMillis: 16000, TotalMemoryBytes: 64 << 30,
		LastHeartbeatAt: time.Now().Add(-time.Hour),
	}
	nodes := fake.NewNodeRepo(node)
	pool := scheduling.NewWarmPool()
	pool.Put("tmpl_pythonbasic1", &scheduling.WarmContainer{ContainerID: "c1", NodeID: node.ID})

	probe := NewNodeProbe(nodes, pool, 45*time.Second, 15*time.Second)
	for i := 0; i < v1.NodeFailureThreshold; i++ {
		require.NoError(t, probe.Reconcile(context.Background()))
	}

	got, err := nodes.Get(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.NodeUnhealthy, got.Status)
	assert.Equal(t, 0, pool.Size("tmpl_pythonbasic1"))
}

func TestNodeProbeRecoversOnFreshHeartbeat(t *testing.T) {
	node := &v1.RuntimeNode{
		ID: "node_aaa000000001", Hostname: "a.local", Status: v1.NodeUnhealthy,
		ConsecutiveFailures: v1.NodeFailureThreshold,
		LastHeartbeatAt:     time.Now(),
	}
	nodes := fake.NewNodeRepo(node)

	probe := NewNodeProbe(nodes, scheduling.NewWarmPool(), 45*time.Second, 15*time.Second)
	require.NoError(t, probe.Reconcile(context.Background()))

	got, err := nodes.Get(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.NodeOnline, got.Status)
	assert.Equal(t, 0, got.ConsecutiveFailures)
}

type exitHandlerStub struct {
	exited []string
}

func (s *exitHandlerStub) HandleContainerExited(_ context.Context, sessionID string, _ *v1.ContainerExitedCallback) (*v1.Session, error) {
	s.exited = append(s.exited, sessionID)
	return &v1.Session{ID: sessionID}, nil
}

func TestStateSyncReportsDeadContainers(t *testing.T) {
	sessions := fake.NewSessionRepo()
	backend := fake.NewContainerScheduler()
	containers := fake.NewContainerRepo()

	live, err := backend.CreateContainer(context.Background(), testContainerConfig("sess_live00000001"))
	require.NoError(t, err)
	seedSession(t, sessions, &v1.Session{
		ID: "sess_live00000001", Status: v1.SessionRunning, ContainerID: live.ID,
	})
	seedSession(t, sessions, &v1.Session{
		ID: "sess_dead00000001", Status: v1.SessionRunning, ContainerID: "gone",
	})

	manager := &exitHandlerStub{}
	sync := NewStateSync(sessions, containers, backend, manager, time.Minute)
	require.NoError(t, sync.Reconcile(context.Background()))

	assert.Equal(t, []string{"sess_dead00000001"}, manager.exited)
}

func TestStateSyncTruesUpContainerRecords(t *testing.T) {
	backend := fake.NewContainerScheduler()
	containers := fake.NewContainerRepo()
	info, err := backend.CreateContainer(context.Background(), testContainerConfig("sess_aaa000000001"))
	require.NoError(t, err)
	require.NoError(t, containers.Create(context.Background(), &v1.Container{
		ID: info.ID, SessionID: "sess_aaa000000001", Status: v1.ContainerRunning,
	}))
	backend.SetStatus(info.ID, v1.ContainerExited)

	sync := NewStateSync(fake.NewSessionRepo(), containers, backend, &exitHandlerStub{}, time.Minute)
	require.NoError(t, sync.Reconcile(context.Background()))

	got, err := containers.Get(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ContainerExited, got.Status)
	assert.NotNil(t, got.ExitedAt)
}

func TestReplenisherFillsToTarget(t *testing.T) {
	templates := fake.NewTemplateRepo(&v1.Template{
		ID: "tmpl_pythonbasic1", Name: "python-basic", Image: "registry.example.com/python:3.12",
		DefaultCPU: "1", DefaultMemory: "512Mi", DefaultDisk: "1Gi",
		WarmPoolTarget: 3, Active: true,
	})
	nodes := fake.NewNodeRepo(&v1.RuntimeNode{
		ID: "node_aaa000000001", Hostname: "a.local", Status: v1.NodeOnline,
		TotalCPUMillis: 16000, TotalMemoryBytes: 64 << 30, MaxContainers: 50,
		LastHeartbeatAt: time.Now(),
	})
	pool := scheduling.NewWarmPool()
	backend := fake.NewContainerScheduler()
	scheduler := scheduling.NewScheduler(nodes, pool)

	r := NewReplenisher(templates, scheduler, pool, backend, 8081, "http://controlplane:8080/internal", time.Second)
	require.NoError(t, r.Reconcile(context.Background()))

	assert.Equal(t, 3, pool.Size("tmpl_pythonbasic1"))
	assert.Len(t, backend.CreatedConfigs, 3)

	// Allocation was charged for each warm container.
	node, err := nodes.Get(context.Background(), "node_aaa000000001")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), node.AllocatedCPUMillis)

	// Already at target: a second pass is a no-op.
	require.NoError(t, r.Reconcile(context.Background()))
	assert.Len(t, backend.CreatedConfigs, 3)
}

func TestReplenisherDrainsInactiveTemplate(t *testing.T) {
	tmpl := &v1.Template{
		ID: "tmpl_pythonbasic1", Name: "python-basic", Image: "registry.example.com/python:3.12",
		DefaultCPU: "1", DefaultMemory: "512Mi", WarmPoolTarget: 3, Active: false,
	}
	templates := fake.NewTemplateRepo(tmpl)
	nodes := fake.NewNodeRepo(&v1.RuntimeNode{
		ID: "node_aaa000000001", Hostname: "a.local", Status: v1.NodeOnline,
		TotalCPUMillis: 16000, AllocatedCPUMillis: 1000,
		TotalMemoryBytes: 64 << 30, AllocatedMemory: 512 << 20,
		RunningContainers: 1, LastHeartbeatAt: time.Now(),
	})
	pool := scheduling.NewWarmPool()
	pool.Put(tmpl.ID, &scheduling.WarmContainer{ContainerID: "warm-1", NodeID: "node_aaa000000001"})
	backend := fake.NewContainerScheduler()
	scheduler := scheduling.NewScheduler(nodes, pool)

	r := NewReplenisher(templates, scheduler, pool, backend, 8081, "http://controlplane:8080/internal", time.Second)
	require.NoError(t, r.Reconcile(context.Background()))

	assert.Equal(t, 0, pool.Size(tmpl.ID))
	assert.Equal(t, []string{"warm-1"}, backend.Destroyed)

	node, err := nodes.Get(context.Background(), "node_aaa000000001")
	require.NoError(t, err)
	assert.Equal(t, int64(0), node.AllocatedCPUMillis)
}
