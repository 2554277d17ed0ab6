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

package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/errors"
	"github.com/kweaver-ai/sandbox/pkg/fake"
	"github.com/kweaver-ai/sandbox/pkg/scheduling"
)

func pythonTemplate() *v1.Template {
	return &v1.Template{
		ID:             "tmpl_pythonbasic1",
		Name:           "python-basic",
		Image:          "registry.example.com/python:3.12",
		RuntimeType:    v1.RuntimePython,
		DefaultCPU:     "1",
		DefaultMemory:  "512Mi",
		DefaultDisk:    "1Gi",
		DefaultTimeout: 300,
		Packages:       []string{"requests"},
		ResourceRange: v1.ResourceRange{
			MinCPUMillis: 250, MaxCPUMillis: 4000,
			MinMemoryBytes: 128 << 20, MaxMemoryBytes: 8 << 30,
		},
		SecurityContext: v1.SecurityContext{RunAsUser: v1.SandboxUID, RunAsGroup: v1.SandboxGID},
		Active:          true,
	}
}

type fixture struct {
	manager    *Manager
	sessions   *fake.SessionRepo
	containers *fake.ContainerRepo
	runtime    *fake.ContainerScheduler
	objects    *fake.ObjectStore
	executors  *fake.ExecutorClient
	nodes      *fake.NodeRepo
}

func newFixture(t *testing.T, templates ...*v1.Template) *fixture {
	t.Helper()
	if len(templates) == 0 {
		templates = []*v1.Template{pythonTemplate()}
	}
	f := &fixture{
		sessions:   fake.NewSessionRepo(),
		containers: fake.NewContainerRepo(),
		runtime:    fake.NewContainerScheduler(),
		objects:    fake.NewObjectStore(),
		executors:  fake.NewExecutorClient(),
		nodes: fake.NewNodeRepo(&v1.RuntimeNode{
			ID: "node_aaa000000001", Hostname: "a.local", Status: v1.NodeOnline,
			TotalCPUMillis: 16000, TotalMemoryBytes: 64 << 30, MaxContainers: 50,
			LastHeartbeatAt: time.Now(),
		}),
	}
	placer := scheduling.NewScheduler(f.nodes, scheduling.NewWarmPool())
	f.manager = NewManager(f.sessions, fake.NewTemplateRepo(templates...), f.containers,
		placer, f.runtime, f.objects, f.executors, Config{
			IdleTimeout:     30 * time.Minute,
			MaxLifetime:     6 * time.Hour,
			CreateDeadline:  5 * time.Minute,
			ExecutorPort:    8081,
			CallbackBaseURL: "http://controlplane:8080/internal",
			RuntimeType:     v1.RuntimeDocker,
		})
	return f
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

func TestCreateProvisionsContainer(t *testing.T) {
	f := newFixture(t)

	sess, err := f.manager.Create(context.Background(), &v1.CreateSessionRequest{
		TemplateID: "tmpl_pythonbasic1",
		Env:        map[string]string{"FOO": "bar"},
	})
	require.NoError(t, err)
	assert.Equal(t, v1.SessionCreating, sess.Status)
	assert.Equal(t, v1.ModeEphemeral, sess.Mode)
	assert.Equal(t, "sessions/"+sess.ID+"/", sess.WorkspacePath)
	assert.Equal(t, "1", sess.Resources.CPU)
	assert.Equal(t, v1.DependencyCompleted, sess.Dependencies.Status)

	// Background provisioning binds a container.
	waitFor(t, func() bool {
		got, err := f.manager.Get(context.Background(), sess.ID)
		return err == nil && got.ContainerID != ""
	})
	got, err := f.manager.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "node_aaa000000001", got.NodeID)
	require.Len(t, f.runtime.CreatedConfigs, 1)
	assert.Equal(t, sess.ID, f.runtime.CreatedConfigs[0].SessionID)
}

func TestCreateRejectsUnknownTemplate(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Create(context.Background(), &v1.CreateSessionRequest{TemplateID: "tmpl_nope00000000"})
	assert.True(t, errors.IsNotFound(err))
}

func TestCreateRejectsInactiveTemplate(t *testing.T) {
	tmpl := pythonTemplate()
	tmpl.Active = false
	f := newFixture(t, tmpl)
	_, err := f.manager.Create(context.Background(), &v1.CreateSessionRequest{TemplateID: tmpl.ID})
	assert.True(t, errors.IsValidation(err))
}

func TestCreatePersistentRequiresAgentID(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Create(context.Background(), &v1.CreateSessionRequest{
		TemplateID: "tmpl_pythonbasic1",
		Mode:       v1.ModePersistent,
	})
	assert.True(t, errors.IsValidation(err))
}

func TestCreateRejectsResourcesOutsideRange(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Create(context.Background(), &v1.CreateSessionRequest{
		TemplateID: "tmpl_pythonbasic1",
		Resources:  &v1.ResourceSpec{CPU: "8"},
	})
	assert.True(t, errors.IsValidation(err))
}

func TestCreateRejectsMaliciousPackages(t *testing.T) {
	f := newFixture(t)
	for _, pkg := range []string{
		"../../../etc/passwd",
		"https://evil.example.com/pkg.tar.gz",
		"numpy; rm -rf /",
		"pkg name",
	} {
		_, err := f.manager.Create(context.Background(), &v1.CreateSessionRequest{
			TemplateID:   "tmpl_pythonbasic1",
			Dependencies: []string{pkg},
		})
		assert.True(t, errors.IsValidation(err), pkg)
	}
}

func TestCreateRejectsPreinstalledConflict(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Create(context.Background(), &v1.CreateSessionRequest{
		TemplateID:   "tmpl_pythonbasic1",
		Dependencies: []string{"requests==2.31.0"},
	})
	assert.True(t, errors.IsValidation(err))

	// Opting in shadows the preinstalled copy instead.
	sess, err := f.manager.Create(context.Background(), &v1.CreateSessionRequest{
		TemplateID:            "tmpl_pythonbasic1",
		Dependencies:          []string{"requests==2.31.0"},
		AllowVersionConflicts: true,
	})
	require.NoError(t, err)
	assert.Equal(t, v1.DependencyPending, sess.Dependencies.Status)
}

func TestCreateRejectsOversizedEnv(t *testing.T) {
	f := newFixture(t)
	env := map[string]string{}
	for i := 0; i < v1.MaxEnvKeys+1; i++ {
		env[fmt.Sprintf("KEY_%03d", i)] = "v"
	}
	_, err := f.manager.Create(context.Background(), &v1.CreateSessionRequest{
		TemplateID: "tmpl_pythonbasic1",
		Env:        env,
	})
	assert.True(t, errors.IsValidation(err))
}

func TestContainerReadyFlipsToRunning(t *testing.T) {
	f := newFixture(t)
	sess, err := f.manager.Create(context.Background(), &v1.CreateSessionRequest{TemplateID: "tmpl_pythonbasic1"})
	require.NoError(t, err)

	var readyCalls int
	f.manager.OnReady(func(context.Context, *v1.Session) { readyCalls++ })

	got, err := f.manager.HandleContainerReady(context.Background(), sess.ID,
		&v1.ContainerReadyCallback{ExecutorURL: "http://10.0.0.1:8081"})
	require.NoError(t, err)
	assert.Equal(t, v1.SessionRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.Equal(t, 1, readyCalls)

	// A duplicate announcement is a no-op.
	again, err := f.manager.HandleContainerReady(context.Background(), sess.ID,
		&v1.ContainerReadyCallback{ExecutorURL: "http://10.0.0.1:8081"})
	require.NoError(t, err)
	assert.Equal(t, v1.SessionRunning, again.Status)
}

func TestTerminateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	sess, err := f.manager.Create(context.Background(), &v1.CreateSessionRequest{TemplateID: "tmpl_pythonbasic1"})
	require.NoError(t, err)
	waitFor(t, func() bool {
		got, _ := f.manager.Get(context.Background(), sess.ID)
		return got != nil && got.ContainerID != ""
	})

	first, err := f.manager.Terminate(context.Background(), sess.ID, v1.SessionTerminated, "client request")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionTerminated, first.Status)
	assert.NotNil(t, first.TerminatedAt)

	second, err := f.manager.Terminate(context.Background(), sess.ID, v1.SessionTerminated, "client request")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionTerminated, second.Status)

	// Ephemeral teardown removed the workspace and destroyed the container.
	assert.Empty(t, f.objects.Keys())
	assert.NotEmpty(t, f.runtime.Destroyed)
}

func TestContainerExitedFailsEphemeralSession(t *testing.T) {
	f := newFixture(t)
	sess, err := f.manager.Create(context.Background(), &v1.CreateSessionRequest{TemplateID: "tmpl_pythonbasic1"})
	require.NoError(t, err)
	_, err = f.manager.HandleContainerReady(context.Background(), sess.ID,
		&v1.ContainerReadyCallback{ExecutorURL: "http://10.0.0.1:8081"})
	require.NoError(t, err)

	got, err := f.manager.HandleContainerExited(context.Background(), sess.ID,
		&v1.ContainerExitedCallback{ExitCode: 137, Reason: "oom"})
	require.NoError(t, err)
	assert.Equal(t, v1.SessionFailed, got.Status)
	assert.Contains(t, got.FailureReason, "oom")
}

func TestContainerExitedMigratesPersistentSession(t *testing.T) {
	f := newFixture(t)
	sess, err := f.manager.Create(context.Background(), &v1.CreateSessionRequest{
		TemplateID: "tmpl_pythonbasic1",
		Mode:       v1.ModePersistent,
		AgentID:    "agent-7",
	})
	require.NoError(t, err)
	waitFor(t, func() bool {
		got, _ := f.manager.Get(context.Background(), sess.ID)
		return got != nil && got.ContainerID != ""
	})
	_, err = f.manager.HandleContainerReady(context.Background(), sess.ID,
		&v1.ContainerReadyCallback{ExecutorURL: "http://10.0.0.1:8081"})
	require.NoError(t, err)

	var lostCalls int
	f.manager.OnContainerLost(func(context.Context, *v1.Session) { lostCalls++ })

	got, err := f.manager.HandleContainerExited(context.Background(), sess.ID,
		&v1.ContainerExitedCallback{Reason: "node eviction"})
	require.NoError(t, err)
	assert.Equal(t, v1.SessionCreating, got.Status)
	assert.Empty(t, got.ContainerID)
	assert.Equal(t, 1, lostCalls)

	// Reprovisioning attaches a fresh container.
	waitFor(t, func() bool {
		after, _ := f.manager.Get(context.Background(), sess.ID)
		return after != nil && after.ContainerID != ""
	})
}

func TestDependencyCallbackRecordsProgress(t *testing.T) {
	f := newFixture(t)
	sess, err := f.manager.Create(context.Background(), &v1.CreateSessionRequest{
		TemplateID:   "tmpl_pythonbasic1",
		Dependencies: []string{"numpy==1.26.0"},
	})
	require.NoError(t, err)

	got, err := f.manager.HandleDependencyCallback(context.Background(), sess.ID, &v1.DependencyCallback{
		Status:    v1.DependencyCompleted,
		Installed: []string{"numpy==1.26.0"},
	})
	require.NoError(t, err)
	assert.Equal(t, v1.DependencyCompleted, got.Dependencies.Status)
	assert.Equal(t, []string{"numpy==1.26.0"}, got.Dependencies.Installed)
}
