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

package fake

import (
	"context"
	"sort"
	"sync"
	"time"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/store"
)

// SessionRepo is an in-memory stand-in for *store.SessionStore with the
// same version-CAS semantics.
type SessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*v1.Session
}

func NewSessionRepo() *SessionRepo {
	return &SessionRepo{sessions: map[string]*v1.Session{}}
}

func (r *SessionRepo) Create(_ context.Context, sess *v1.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sess.ID]; ok {
		return store.ErrDuplicate
	}
	sess.Version = 1
	cp := *sess
	r.sessions[sess.ID] = &cp
	return nil
}

func (r *SessionRepo) Get(_ context.Context, id string) (*v1.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (r *SessionRepo) List(_ context.Context, filter v1.SessionFilter) ([]*v1.Session, error) {
	filter.Clamp()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.Session
	for _, sess := range r.sessions {
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		if filter.TemplateID != "" && sess.TemplateID != filter.TemplateID {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else {
		out = nil
	}
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *SessionRepo) ListByStatus(_ context.Context, statuses ...v1.SessionStatus) ([]*v1.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.Session
	for _, sess := range r.sessions {
		for _, status := range statuses {
			if sess.Status == status {
				cp := *sess
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *SessionRepo) CountActiveByTemplate(_ context.Context, templateID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, sess := range r.sessions {
		if sess.TemplateID == templateID && !sess.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

func (r *SessionRepo) UpdateCAS(_ context.Context, sess *v1.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[sess.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != sess.Version {
		return store.ErrStaleVersion
	}
	sess.Version++
	cp := *sess
	r.sessions[sess.ID] = &cp
	return nil
}

func (r *SessionRepo) Touch(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok && sess.LastActivityAt.Before(at) {
		sess.LastActivityAt = at
		sess.UpdatedAt = at
	}
	return nil
}

func (r *SessionRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.sessions, id)
	return nil
}

// ExecutionRepo is an in-memory stand-in for *store.ExecutionStore. The
// idempotency-key unique index is modeled so result deduplication behaves
// like the real schema.
type ExecutionRepo struct {
	mu         sync.Mutex
	executions map[string]*v1.Execution
	idemKeys   map[string]string
}

func NewExecutionRepo() *ExecutionRepo {
	return &ExecutionRepo{executions: map[string]*v1.Execution{}, idemKeys: map[string]string{}}
}

func (r *ExecutionRepo) Create(_ context.Context, exec *v1.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executions[exec.ID]; ok {
		return store.ErrDuplicate
	}
	exec.Version = 1
	cp := *exec
	r.executions[exec.ID] = &cp
	return nil
}

func (r *ExecutionRepo) Get(_ context.Context, id string) (*v1.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

func (r *ExecutionRepo) ListForSession(_ context.Context, sessionID string, filter v1.ExecutionFilter) ([]*v1.Execution, error) {
	filter.Clamp()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.Execution
	for _, exec := range r.executions {
		if exec.SessionID != sessionID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		cp := *exec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *ExecutionRepo) ListInFlightForSession(_ context.Context, sessionID string) ([]*v1.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.Execution
	for _, exec := range r.executions {
		if exec.SessionID == sessionID && (exec.Status == v1.ExecutionPending || exec.Status == v1.ExecutionRunning) {
			cp := *exec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *ExecutionRepo) ListStaleHeartbeats(_ context.Context, cutoff time.Time) ([]*v1.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.Execution
	for _, exec := range r.executions {
		if (exec.Status == v1.ExecutionPending || exec.Status == v1.ExecutionRunning) && exec.LastHeartbeatAt.Before(cutoff) {
			cp := *exec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *ExecutionRepo) UpdateCAS(_ context.Context, exec *v1.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.executions[exec.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != exec.Version {
		return store.ErrStaleVersion
	}
	if exec.IdempotencyKey != "" {
		if owner, claimed := r.idemKeys[exec.IdempotencyKey]; claimed && owner != exec.ID {
			return store.ErrDuplicate
		}
		r.idemKeys[exec.IdempotencyKey] = exec.ID
	}
	exec.Version++
	cp := *exec
	r.executions[exec.ID] = &cp
	return nil
}

func (r *ExecutionRepo) Heartbeat(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[id]
	if !ok || exec.Status.Terminal() {
		return store.ErrNotFound
	}
	exec.LastHeartbeatAt = at
	exec.UpdatedAt = at
	return nil
}

func (r *ExecutionRepo) CountForSession(_ context.Context, sessionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, exec := range r.executions {
		if exec.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

// TemplateRepo is an in-memory stand-in for *store.TemplateStore.
type TemplateRepo struct {
	mu        sync.Mutex
	templates map[string]*v1.Template
}

func NewTemplateRepo(templates ...*v1.Template) *TemplateRepo {
	r := &TemplateRepo{templates: map[string]*v1.Template{}}
	for _, tmpl := range templates {
		cp := *tmpl
		r.templates[tmpl.ID] = &cp
	}
	return r
}

func (r *TemplateRepo) Create(_ context.Context, tmpl *v1.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.templates {
		if existing.Name == tmpl.Name || existing.ID == tmpl.ID {
			return store.ErrDuplicate
		}
	}
	cp := *tmpl
	r.templates[tmpl.ID] = &cp
	return nil
}

func (r *TemplateRepo) Get(_ context.Context, id string) (*v1.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tmpl, ok := r.templates[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *tmpl
	return &cp, nil
}

func (r *TemplateRepo) GetByName(_ context.Context, name string) (*v1.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tmpl := range r.templates {
		if tmpl.Name == name {
			cp := *tmpl
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *TemplateRepo) List(_ context.Context) ([]*v1.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.Template
	for _, tmpl := range r.templates {
		cp := *tmpl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *TemplateRepo) Update(_ context.Context, tmpl *v1.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[tmpl.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *tmpl
	r.templates[tmpl.ID] = &cp
	return nil
}

func (r *TemplateRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.templates, id)
	return nil
}

// NodeRepo is an in-memory stand-in for *store.NodeStore.
type NodeRepo struct {
	mu    sync.Mutex
	nodes map[string]*v1.RuntimeNode
}

func NewNodeRepo(nodes ...*v1.RuntimeNode) *NodeRepo {
	r := &NodeRepo{nodes: map[string]*v1.RuntimeNode{}}
	for _, node := range nodes {
		cp := *node
		if cp.Version == 0 {
			cp.Version = 1
		}
		r.nodes[node.ID] = &cp
	}
	return r
}

func (r *NodeRepo) Create(_ context.Context, node *v1.RuntimeNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.nodes {
		if existing.Hostname == node.Hostname || existing.ID == node.ID {
			return store.ErrDuplicate
		}
	}
	node.Version = 1
	cp := *node
	r.nodes[node.ID] = &cp
	return nil
}

func (r *NodeRepo) Get(_ context.Context, id string) (*v1.RuntimeNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *node
	return &cp, nil
}

func (r *NodeRepo) GetByHostname(_ context.Context, hostname string) (*v1.RuntimeNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, node := range r.nodes {
		if node.Hostname == hostname {
			cp := *node
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *NodeRepo) List(_ context.Context) ([]*v1.RuntimeNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.RuntimeNode
	for _, node := range r.nodes {
		cp := *node
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *NodeRepo) ListByStatus(_ context.Context, status v1.NodeStatus) ([]*v1.RuntimeNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.RuntimeNode
	for _, node := range r.nodes {
		if node.Status == status {
			cp := *node
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *NodeRepo) UpdateCAS(_ context.Context, node *v1.RuntimeNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.nodes[node.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != node.Version {
		return store.ErrStaleVersion
	}
	node.Version++
	cp := *node
	r.nodes[node.ID] = &cp
	return nil
}

func (r *NodeRepo) Heartbeat(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		return store.ErrNotFound
	}
	node.LastHeartbeatAt = at
	node.ConsecutiveFailures = 0
	node.UpdatedAt = at
	return nil
}

func (r *NodeRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.nodes, id)
	return nil
}

// ContainerRepo is an in-memory stand-in for *store.ContainerStore.
type ContainerRepo struct {
	mu         sync.Mutex
	containers map[string]*v1.Container
}

func NewContainerRepo() *ContainerRepo {
	return &ContainerRepo{containers: map[string]*v1.Container{}}
}

func (r *ContainerRepo) Create(_ context.Context, c *v1.Container) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[c.ID]; ok {
		return store.ErrDuplicate
	}
	cp := *c
	r.containers[c.ID] = &cp
	return nil
}

func (r *ContainerRepo) Get(_ context.Context, id string) (*v1.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *ContainerRepo) ListForSession(_ context.Context, sessionID string) ([]*v1.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.Container
	for _, c := range r.containers {
		if c.SessionID == sessionID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *ContainerRepo) ListNonTerminal(_ context.Context) ([]*v1.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.Container
	for _, c := range r.containers {
		if !c.Status.Terminal() {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *ContainerRepo) Update(_ context.Context, c *v1.Container) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[c.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *c
	r.containers[c.ID] = &cp
	return nil
}

func (r *ContainerRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.containers, id)
	return nil
}

// ArtifactRepo is an in-memory stand-in for *store.ArtifactStore.
type ArtifactRepo struct {
	mu        sync.Mutex
	artifacts map[string]*v1.Artifact
}

func NewArtifactRepo() *ArtifactRepo {
	return &ArtifactRepo{artifacts: map[string]*v1.Artifact{}}
}

func (r *ArtifactRepo) Create(_ context.Context, a *v1.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.artifacts[a.ID]; ok {
		return store.ErrDuplicate
	}
	cp := *a
	r.artifacts[a.ID] = &cp
	return nil
}

func (r *ArtifactRepo) Get(_ context.Context, id string) (*v1.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.artifacts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *ArtifactRepo) ListForExecution(_ context.Context, executionID string) ([]*v1.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*v1.Artifact
	for _, a := range r.artifacts {
		if a.ExecutionID == executionID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
