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

// Package session owns the session lifecycle: creation, provisioning,
// runtime callbacks, termination. All session status transitions in the
// system go through the Manager here.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/errors"
	"github.com/kweaver-ai/sandbox/pkg/executor"
	"github.com/kweaver-ai/sandbox/pkg/metrics"
	"github.com/kweaver-ai/sandbox/pkg/runtime"
	"github.com/kweaver-ai/sandbox/pkg/scheduling"
	"github.com/kweaver-ai/sandbox/pkg/storage"
	"github.com/kweaver-ai/sandbox/pkg/store"
	"github.com/kweaver-ai/sandbox/pkg/utils/ids"
	"github.com/kweaver-ai/sandbox/pkg/utils/logging"
)

// DefaultSessionTimeout applies when neither the request nor its template
// set one.
const DefaultSessionTimeout = 30 * time.Minute

// SessionRepo is the session persistence surface the manager needs.
type SessionRepo interface {
	Create(ctx context.Context, sess *v1.Session) error
	Get(ctx context.Context, id string) (*v1.Session, error)
	List(ctx context.Context, filter v1.SessionFilter) ([]*v1.Session, error)
	ListByStatus(ctx context.Context, statuses ...v1.SessionStatus) ([]*v1.Session, error)
	CountActiveByTemplate(ctx context.Context, templateID string) (int, error)
	UpdateCAS(ctx context.Context, sess *v1.Session) error
	Touch(ctx context.Context, id string, at time.Time) error
}

// TemplateRepo is the template read surface the manager needs.
type TemplateRepo interface {
	Get(ctx context.Context, id string) (*v1.Template, error)
}

// ContainerRepo records containers the manager creates and retires.
type ContainerRepo interface {
	Create(ctx context.Context, c *v1.Container) error
	Update(ctx context.Context, c *v1.Container) error
	Get(ctx context.Context, id string) (*v1.Container, error)
}

// Placer is the scheduling surface the manager needs.
type Placer interface {
	Schedule(ctx context.Context, req scheduling.Request) (*scheduling.Decision, error)
	Release(ctx context.Context, nodeID string, cpuMillis, memoryBytes int64) error
}

// Config carries the manager's tunables.
type Config struct {
	IdleTimeout     time.Duration
	MaxLifetime     time.Duration
	CreateDeadline  time.Duration
	ExecutorPort    int
	CallbackBaseURL string
	RuntimeType     v1.ContainerRuntime
}

// Manager is the session lifecycle owner.
type Manager struct {
	sessions   SessionRepo
	templates  TemplateRepo
	containers ContainerRepo
	placer     Placer
	runtime    runtime.ContainerScheduler
	objects    storage.ObjectStore
	executors  executor.Client
	validate   *validator.Validate
	cfg        Config
	clock      func() time.Time

	// onReady fires after a session reaches running; the execution engine
	// hooks it to flush executions queued while the container came up.
	onReady func(ctx context.Context, sess *v1.Session)
	// onContainerLost fires when a running session's container dies; the
	// execution engine hooks it to crash and retry in-flight executions.
	onContainerLost func(ctx context.Context, sess *v1.Session)
}

func NewManager(sessions SessionRepo, templates TemplateRepo, containers ContainerRepo,
	placer Placer, rt runtime.ContainerScheduler, objects storage.ObjectStore,
	executors executor.Client, cfg Config) *Manager {
	return &Manager{
		sessions:   sessions,
		templates:  templates,
		containers: containers,
		placer:     placer,
		runtime:    rt,
		objects:    objects,
		executors:  executors,
		validate:   validator.New(),
		cfg:        cfg,
		clock:      time.Now,
	}
}

// OnReady registers the running hook. Must be called before traffic.
func (m *Manager) OnReady(fn func(ctx context.Context, sess *v1.Session)) { m.onReady = fn }

// OnContainerLost registers the container-death hook.
func (m *Manager) OnContainerLost(fn func(ctx context.Context, sess *v1.Session)) {
	m.onContainerLost = fn
}

// Create validates the request, persists the session in creating and
// provisions its container in the background. The response carries the
// session in creating; clients poll or wait for running.
func (m *Manager) Create(ctx context.Context, req *v1.CreateSessionRequest) (*v1.Session, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, errors.Validation("invalid session request: %s", err)
	}
	tmpl, err := m.templates.Get(ctx, req.TemplateID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errors.NotFound("template", req.TemplateID)
		}
		return nil, errors.Internal(err)
	}
	if !tmpl.Active {
		return nil, errors.Validation("template %s is deactivated", tmpl.ID).
			WithSolution("pick an active template or reactivate this one")
	}

	resources, err := resolveResources(tmpl, req.Resources)
	if err != nil {
		return nil, err
	}
	if err := validateEnv(req.Env); err != nil {
		return nil, err
	}
	if err := validateDependencies(req.Dependencies, tmpl.Packages, req.AllowVersionConflicts); err != nil {
		return nil, err
	}

	mode := req.Mode
	if mode == "" {
		mode = v1.ModeEphemeral
	}
	if mode == v1.ModePersistent && req.AgentID == "" {
		return nil, errors.Validation("persistent sessions require agent_id").
			WithSolution("set agent_id to the owning agent's identity")
	}

	timeout := time.Duration(req.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	if timeout > m.cfg.MaxLifetime {
		timeout = m.cfg.MaxLifetime
	}

	now := m.clock()
	sess := &v1.Session{
		ID:              ids.NewSessionID(),
		TemplateID:      tmpl.ID,
		Status:          v1.SessionCreating,
		Mode:            mode,
		Resources:       resources,
		Env:             req.Env,
		AgentAffinityID: req.AgentID,
		Dependencies: v1.DependencyState{
			Status:    dependencyInitialStatus(req.Dependencies),
			Requested: req.Dependencies,
		},
		TimeoutSec:     int(timeout / time.Second),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(timeout),
	}
	sess.WorkspacePath = storage.WorkspacePrefix(sess.ID)

	if err := m.sessions.Create(ctx, sess); err != nil {
		return nil, errors.Internal(err)
	}
	metrics.SessionsCreated.WithLabelValues(tmpl.ID).Inc()
	logging.FromContext(ctx).Info("created session",
		zap.String("session_id", sess.ID),
		zap.String("template_id", tmpl.ID),
		zap.String("mode", string(mode)))

	go m.provision(m.detach(ctx), sess.ID, tmpl, "")
	return sess, nil
}

// Get returns the session or a not-found error.
func (m *Manager) Get(ctx context.Context, id string) (*v1.Session, error) {
	sess, err := m.sessions.Get(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errors.NotFound("session", id)
		}
		return nil, errors.Internal(err)
	}
	return sess, nil
}

// List returns sessions matching the filter.
func (m *Manager) List(ctx context.Context, filter v1.SessionFilter) ([]*v1.Session, error) {
	sessions, err := m.sessions.List(ctx, filter)
	if err != nil {
		return nil, errors.Internal(err)
	}
	return sessions, nil
}

// Touch records client activity against the session's idle clock.
func (m *Manager) Touch(ctx context.Context, id string) {
	if err := m.sessions.Touch(ctx, id, m.clock()); err != nil {
		logging.FromContext(ctx).Warn("touching session failed", zap.String("session_id", id), zap.Error(err))
	}
}

// Terminate ends the session with the given terminal status. Terminating a
// session that already reached a terminal state is a no-op, so clients and
// reapers can both call it without coordination.
func (m *Manager) Terminate(ctx context.Context, id string, status v1.SessionStatus, reason string) (*v1.Session, error) {
	if !status.Terminal() {
		return nil, errors.Validation("%s is not a terminal status", status)
	}
	sess, err := m.mutate(ctx, id, func(sess *v1.Session) error {
		if sess.Status.Terminal() {
			return errAlreadyThere
		}
		if !sess.Status.CanTransition(status) {
			return errors.Conflict(
				"session "+id+" cannot move from "+string(sess.Status)+" to "+string(status),
				"wait for the session to settle and retry")
		}
		now := m.clock()
		sess.Status = status
		sess.FailureReason = reason
		sess.TerminatedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.teardown(ctx, sess)
	metrics.SessionsTerminated.WithLabelValues(string(status)).Inc()
	logging.FromContext(ctx).Info("terminated session",
		zap.String("session_id", id),
		zap.String("status", string(status)),
		zap.String("reason", reason))
	return sess, nil
}

// provision schedules the session and brings a container up for it. It runs
// detached from the request; failures land the session in failed with a
// reason instead of surfacing to the creating client.
func (m *Manager) provision(ctx context.Context, sessionID string, tmpl *v1.Template, preferredNodeID string) {
	log := logging.FromContext(ctx).With(zap.String("session_id", sessionID))

	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		log.Error("loading session for provisioning", zap.Error(err))
		return
	}
	if sess.Status != v1.SessionCreating {
		// Terminated while we were getting started.
		return
	}

	cpuMillis, err := runtime.CPUMillis(sess.Resources.CPU)
	if err != nil {
		m.failProvisioning(ctx, sessionID, err.Error())
		return
	}
	memoryBytes, err := runtime.MemoryBytes(sess.Resources.Memory)
	if err != nil {
		m.failProvisioning(ctx, sessionID, err.Error())
		return
	}

	decision, err := m.placer.Schedule(ctx, scheduling.Request{
		SessionID:       sess.ID,
		TemplateID:      sess.TemplateID,
		Image:           tmpl.Image,
		CPUMillis:       cpuMillis,
		MemoryBytes:     memoryBytes,
		PreferredNodeID: preferredNodeID,
	})
	if err != nil {
		m.failProvisioning(ctx, sessionID, "scheduling failed: "+err.Error())
		return
	}

	if decision.Warm != nil {
		m.adoptWarm(ctx, sess, tmpl, decision)
		return
	}

	info, err := m.runtime.CreateContainer(ctx, &runtime.ContainerConfig{
		SessionID:     sess.ID,
		Image:         tmpl.Image,
		Resources:     sess.Resources,
		Env:           sess.Env,
		WorkspacePath: sess.WorkspacePath,
		ExecutorPort:  m.cfg.ExecutorPort,
		Packages:      sess.Dependencies.Requested,
		CallbackURL:   m.cfg.CallbackBaseURL,
	})
	if err != nil {
		if rerr := m.placer.Release(ctx, decision.Node.ID, cpuMillis, memoryBytes); rerr != nil {
			log.Warn("releasing allocation after create failure", zap.Error(rerr))
		}
		m.failProvisioning(ctx, sessionID, "container creation failed: "+err.Error())
		return
	}
	m.recordContainer(ctx, sess, info, tmpl.Image)
	m.bindContainer(ctx, sessionID, info.ID, decision.Node.ID)
	log.Info("provisioned container",
		zap.String("container_id", info.ID),
		zap.String("node_id", decision.Node.ID),
		zap.String("tier", decision.Tier))
}

// adoptWarm binds a pre-started container to the session and reconfigures
// its executor for the new owner.
func (m *Manager) adoptWarm(ctx context.Context, sess *v1.Session, tmpl *v1.Template, decision *scheduling.Decision) {
	log := logging.FromContext(ctx).With(zap.String("session_id", sess.ID))
	wc := decision.Warm

	info := &runtime.ContainerInfo{ID: wc.ContainerID, NodeID: wc.NodeID, IP: wc.IP, Status: v1.ContainerRunning}
	m.recordContainer(ctx, sess, info, tmpl.Image)
	m.bindContainer(ctx, sess.ID, wc.ContainerID, wc.NodeID)

	sess.ContainerID = wc.ContainerID
	executorURL := executorURL(wc.IP, m.cfg.ExecutorPort)
	if err := m.executors.Adopt(ctx, executorURL, sess); err != nil {
		log.Warn("warm container adoption handshake failed, tearing it down", zap.Error(err))
		_ = m.runtime.DestroyContainer(ctx, wc.ContainerID)
		m.failProvisioning(ctx, sess.ID, "warm container adoption failed: "+err.Error())
		return
	}
	// The adopted executor re-announces through container_ready like a
	// freshly started one, which flips the session to running.
	log.Info("adopted warm container", zap.String("container_id", wc.ContainerID))
}

// HandleContainerReady flips the session to running once the in-container
// executor announces itself. Duplicate announcements are no-ops.
func (m *Manager) HandleContainerReady(ctx context.Context, sessionID string, req *v1.ContainerReadyCallback) (*v1.Session, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, errors.Validation("invalid container_ready callback: %s", err)
	}
	sess, err := m.mutate(ctx, sessionID, func(sess *v1.Session) error {
		if sess.Status == v1.SessionRunning && sess.ExecutorURL == req.ExecutorURL {
			return errAlreadyThere
		}
		if !sess.Status.CanTransition(v1.SessionRunning) {
			return errors.Conflict(
				"session "+sessionID+" is "+string(sess.Status)+", not awaiting a container",
				"no action needed")
		}
		now := m.clock()
		sess.Status = v1.SessionRunning
		sess.ExecutorURL = req.ExecutorURL
		sess.StartedAt = &now
		sess.LastActivityAt = now
		if len(sess.Dependencies.Requested) > 0 && sess.Dependencies.Status == v1.DependencyPending {
			sess.Dependencies.Status = v1.DependencyInstalling
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.onReady != nil {
		m.onReady(ctx, sess)
	}
	return sess, nil
}

// HandleContainerExited reacts to container death. Ephemeral sessions fail;
// persistent sessions re-enter creating and get a fresh container, keeping
// their workspace.
func (m *Manager) HandleContainerExited(ctx context.Context, sessionID string, req *v1.ContainerExitedCallback) (*v1.Session, error) {
	log := logging.FromContext(ctx).With(zap.String("session_id", sessionID))

	current, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return current, nil
	}

	// In-flight executions crash before the session moves so their retries
	// queue against the session, not a torn-down container.
	if m.onContainerLost != nil && current.Status == v1.SessionRunning {
		m.onContainerLost(ctx, current)
	}

	if current.Mode == v1.ModePersistent && current.Status == v1.SessionRunning {
		tmpl, err := m.templates.Get(ctx, current.TemplateID)
		if err != nil {
			return nil, errors.Internal(err)
		}
		sess, err := m.mutate(ctx, sessionID, func(sess *v1.Session) error {
			if sess.Status != v1.SessionRunning {
				return errAlreadyThere
			}
			sess.Status = v1.SessionCreating
			sess.ContainerID = ""
			sess.NodeID = ""
			sess.ExecutorURL = ""
			return nil
		})
		if err != nil {
			return nil, err
		}
		m.releaseAllocation(ctx, current)
		log.Info("migrating persistent session after container exit",
			zap.Int("exit_code", req.ExitCode), zap.String("reason", req.Reason))
		// The agent's prior node biases the affinity tier of the rebuild.
		go m.provision(m.detach(ctx), sessionID, tmpl, current.NodeID)
		return sess, nil
	}

	reason := "container exited"
	if req.Reason != "" {
		reason = "container exited: " + req.Reason
	}
	return m.Terminate(ctx, sessionID, v1.SessionFailed, reason)
}

// HandleDependencyCallback records in-container package install progress.
func (m *Manager) HandleDependencyCallback(ctx context.Context, sessionID string, req *v1.DependencyCallback) (*v1.Session, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, errors.Validation("invalid dependency callback: %s", err)
	}
	return m.mutate(ctx, sessionID, func(sess *v1.Session) error {
		sess.Dependencies.Status = req.Status
		if len(req.Installed) > 0 {
			sess.Dependencies.Installed = req.Installed
		}
		sess.Dependencies.InstallError = req.InstallError
		return nil
	})
}

// teardown releases everything a session holds: its container, its node
// allocation and, for ephemeral sessions, its workspace objects.
func (m *Manager) teardown(ctx context.Context, sess *v1.Session) {
	log := logging.FromContext(ctx).With(zap.String("session_id", sess.ID))
	if sess.ContainerID != "" {
		if err := m.runtime.DestroyContainer(ctx, sess.ContainerID); err != nil {
			log.Warn("destroying container", zap.String("container_id", sess.ContainerID), zap.Error(err))
		}
		m.retireContainerRecord(ctx, sess.ContainerID)
	}
	m.releaseAllocation(ctx, sess)
	if sess.Mode == v1.ModeEphemeral {
		if err := m.objects.DeletePrefix(ctx, sess.WorkspacePath); err != nil {
			log.Warn("deleting workspace", zap.Error(err))
		}
	}
}

func (m *Manager) releaseAllocation(ctx context.Context, sess *v1.Session) {
	if sess.NodeID == "" {
		return
	}
	cpuMillis, err := runtime.CPUMillis(sess.Resources.CPU)
	if err != nil {
		return
	}
	memoryBytes, err := runtime.MemoryBytes(sess.Resources.Memory)
	if err != nil {
		return
	}
	if err := m.placer.Release(ctx, sess.NodeID, cpuMillis, memoryBytes); err != nil {
		logging.FromContext(ctx).Warn("releasing node allocation",
			zap.String("session_id", sess.ID), zap.String("node_id", sess.NodeID), zap.Error(err))
	}
}

func (m *Manager) recordContainer(ctx context.Context, sess *v1.Session, info *runtime.ContainerInfo, image string) {
	now := m.clock()
	err := m.containers.Create(ctx, &v1.Container{
		ID:           info.ID,
		SessionID:    sess.ID,
		RuntimeType:  m.cfg.RuntimeType,
		NodeID:       info.NodeID,
		Image:        image,
		Status:       info.Status,
		IP:           info.IP,
		ExecutorPort: m.cfg.ExecutorPort,
		CPU:          sess.Resources.CPU,
		Memory:       sess.Resources.Memory,
		Disk:         sess.Resources.Disk,
		CreatedAt:    now,
		UpdatedAt:    now,
		StartedAt:    &now,
	})
	if err != nil && err != store.ErrDuplicate {
		logging.FromContext(ctx).Warn("recording container",
			zap.String("container_id", info.ID), zap.Error(err))
	}
}

func (m *Manager) retireContainerRecord(ctx context.Context, containerID string) {
	c, err := m.containers.Get(ctx, containerID)
	if err != nil {
		return
	}
	now := m.clock()
	c.Status = v1.ContainerExited
	c.UpdatedAt = now
	c.ExitedAt = &now
	_ = m.containers.Update(ctx, c)
}

func (m *Manager) bindContainer(ctx context.Context, sessionID, containerID, nodeID string) {
	_, err := m.mutate(ctx, sessionID, func(sess *v1.Session) error {
		if sess.Status.Terminal() {
			// Lost the race with termination; the sweeper reclaims the
			// container through state sync.
			return errAlreadyThere
		}
		sess.ContainerID = containerID
		sess.NodeID = nodeID
		return nil
	})
	if err != nil {
		logging.FromContext(ctx).Warn("binding container to session",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// failProvisioning lands a creating session in failed with a reason.
func (m *Manager) failProvisioning(ctx context.Context, sessionID, reason string) {
	_, err := m.mutate(ctx, sessionID, func(sess *v1.Session) error {
		if sess.Status.Terminal() {
			return errAlreadyThere
		}
		now := m.clock()
		sess.Status = v1.SessionFailed
		sess.FailureReason = reason
		sess.TerminatedAt = &now
		return nil
	})
	if err != nil {
		logging.FromContext(ctx).Error("marking session failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	metrics.SessionsTerminated.WithLabelValues(string(v1.SessionFailed)).Inc()
}

// errAlreadyThere aborts a mutate without error when the session is already
// in the target state.
var errAlreadyThere = errors.Conflict("already in target state", "")

// mutate applies fn under optimistic concurrency: read, modify, CAS, and on
// a lost race re-read and re-apply.
func (m *Manager) mutate(ctx context.Context, id string, fn func(sess *v1.Session) error) (*v1.Session, error) {
	var out *v1.Session
	err := retry.Do(func() error {
		sess, err := m.sessions.Get(ctx, id)
		if err != nil {
			if err == store.ErrNotFound {
				return errors.NotFound("session", id)
			}
			return err
		}
		if err := fn(sess); err != nil {
			if err == errAlreadyThere {
				out = sess
				return nil
			}
			return err
		}
		sess.UpdatedAt = m.clock()
		if err := m.sessions.UpdateCAS(ctx, sess); err != nil {
			return err
		}
		out = sess
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

// detach carries the logger forward but drops the request's cancellation,
// since provisioning outlives the HTTP request that started it.
func (m *Manager) detach(ctx context.Context) context.Context {
	return logging.WithLogger(context.Background(), logging.FromContext(ctx))
}

func dependencyInitialStatus(requested []string) v1.DependencyInstallStatus {
	if len(requested) == 0 {
		return v1.DependencyCompleted
	}
	return v1.DependencyPending
}

func executorURL(ip string, port int) string {
	return fmt.Sprintf("http://%s:%d", ip, port)
}
