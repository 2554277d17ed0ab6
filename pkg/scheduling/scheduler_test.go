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

package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/errors"
	"github.com/kweaver-ai/sandbox/pkg/store"
)

type memNodes struct {
	nodes map[string]*v1.RuntimeNode
}

func newMemNodes(nodes ...*v1.RuntimeNode) *memNodes {
	m := &memNodes{nodes: map[string]*v1.RuntimeNode{}}
	for _, n := range nodes {
		cp := *n
		m.nodes[n.ID] = &cp
	}
	return m
}

func (m *memNodes) List(context.Context) ([]*v1.RuntimeNode, error) {
	var out []*v1.RuntimeNode
	for _, n := range m.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memNodes) Get(_ context.Context, id string) (*v1.RuntimeNode, error) {
	n, ok := m.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *memNodes) UpdateCAS(_ context.Context, node *v1.RuntimeNode) error {
	current, ok := m.nodes[node.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != node.Version {
		return store.ErrStaleVersion
	}
	cp := *node
	cp.Version++
	m.nodes[node.ID] = &cp
	node.Version++
	return nil
}

func onlineNode(id string, freeCPUMillis int64, images ...string) *v1.RuntimeNode {
	return &v1.RuntimeNode{
		ID:                 id,
		Hostname:           id + ".local",
		Status:             v1.NodeOnline,
		TotalCPUMillis:     8000,
		AllocatedCPUMillis: 8000 - freeCPUMillis,
		TotalMemoryBytes:   32 << 30,
		AllocatedMemory:    0,
		MaxContainers:      100,
		CachedImages:       images,
		Version:            1,
		LastHeartbeatAt:    time.Now(),
	}
}

func TestScheduleWarmPoolWinsOverEverything(t *testing.T) {
	nodes := newMemNodes(onlineNode("node_aaa000000001", 8000, "python:3.12"))
	pool := NewWarmPool()
	pool.Put("tmpl_pythonbasic1", &WarmContainer{
		ContainerID: "warm-1", NodeID: "node_aaa000000001", Image: "python:3.12",
	})
	s := NewScheduler(nodes, pool)

	decision, err := s.Schedule(context.Background(), Request{
		SessionID: "sess_x", TemplateID: "tmpl_pythonbasic1", Image: "python:3.12",
		CPUMillis: 1000, MemoryBytes: 512 << 20,
	})
	require.NoError(t, err)
	assert.Equal(t, TierWarmPool, decision.Tier)
	assert.Equal(t, WeightWarmPool, decision.Weight)
	require.NotNil(t, decision.Warm)
	assert.Equal(t, "warm-1", decision.Warm.ContainerID)
	assert.Zero(t, pool.Size("tmpl_pythonbasic1"))
}

func TestScheduleAffinityBeatsLoadBalance(t *testing.T) {
	// node b has less free capacity but holds the image.
	nodes := newMemNodes(
		onlineNode("node_aaa000000001", 8000),
		onlineNode("node_bbb000000002", 4000, "python:3.12"),
	)
	s := NewScheduler(nodes, NewWarmPool())

	decision, err := s.Schedule(context.Background(), Request{
		SessionID: "sess_x", TemplateID: "tmpl_pythonbasic1", Image: "python:3.12",
		CPUMillis: 1000, MemoryBytes: 512 << 20,
	})
	require.NoError(t, err)
	assert.Equal(t, TierAffinity, decision.Tier)
	assert.Equal(t, "node_bbb000000002", decision.Node.ID)

	// The allocation is charged.
	n, err := nodes.Get(context.Background(), "node_bbb000000002")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), n.AllocatedCPUMillis)
	assert.Equal(t, 1, n.RunningContainers)
}

func TestSchedulePrefersAgentsPriorNode(t *testing.T) {
	// node b is busier and lacks the image, but hosted the agent before.
	nodes := newMemNodes(
		onlineNode("node_aaa000000001", 8000, "python:3.12"),
		onlineNode("node_bbb000000002", 4000),
	)
	s := NewScheduler(nodes, NewWarmPool())

	decision, err := s.Schedule(context.Background(), Request{
		SessionID: "sess_x", TemplateID: "tmpl_pythonbasic1", Image: "python:3.12",
		CPUMillis: 1000, MemoryBytes: 512 << 20,
		PreferredNodeID: "node_bbb000000002",
	})
	require.NoError(t, err)
	assert.Equal(t, TierAffinity, decision.Tier)
	assert.Equal(t, "node_bbb000000002", decision.Node.ID)

	// A full prior node falls back to the remaining tiers.
	decision, err = s.Schedule(context.Background(), Request{
		SessionID: "sess_y", TemplateID: "tmpl_pythonbasic1", Image: "python:3.12",
		CPUMillis: 4000, MemoryBytes: 512 << 20,
		PreferredNodeID: "node_bbb000000002",
	})
	require.NoError(t, err)
	assert.Equal(t, "node_aaa000000001", decision.Node.ID)
}

func TestScheduleLoadBalancePicksFreestNode(t *testing.T) {
	nodes := newMemNodes(
		onlineNode("node_aaa000000001", 2000),
		onlineNode("node_bbb000000002", 6000),
	)
	s := NewScheduler(nodes, NewWarmPool())

	decision, err := s.Schedule(context.Background(), Request{
		SessionID: "sess_x", TemplateID: "tmpl_pythonbasic1", Image: "python:3.12",
		CPUMillis: 1000, MemoryBytes: 512 << 20,
	})
	require.NoError(t, err)
	assert.Equal(t, TierLoadBalance, decision.Tier)
	assert.Equal(t, "node_bbb000000002", decision.Node.ID)
}

func TestScheduleTieBreaksByNodeID(t *testing.T) {
	nodes := newMemNodes(
		onlineNode("node_bbb000000002", 4000),
		onlineNode("node_aaa000000001", 4000),
	)
	s := NewScheduler(nodes, NewWarmPool())

	decision, err := s.Schedule(context.Background(), Request{
		SessionID: "sess_x", TemplateID: "tmpl_pythonbasic1", Image: "python:3.12",
		CPUMillis: 1000, MemoryBytes: 512 << 20,
	})
	require.NoError(t, err)
	assert.Equal(t, "node_aaa000000001", decision.Node.ID)
}

func TestScheduleCapacityExhausted(t *testing.T) {
	node := onlineNode("node_aaa000000001", 500)
	nodes := newMemNodes(node)
	s := NewScheduler(nodes, NewWarmPool())

	_, err := s.Schedule(context.Background(), Request{
		SessionID: "sess_x", TemplateID: "tmpl_pythonbasic1", Image: "python:3.12",
		CPUMillis: 1000, MemoryBytes: 512 << 20,
	})
	require.Error(t, err)
	assert.True(t, errors.IsCapacity(err))
}

func TestScheduleSkipsUnhealthyNodes(t *testing.T) {
	bad := onlineNode("node_aaa000000001", 8000)
	bad.ConsecutiveFailures = v1.NodeFailureThreshold
	good := onlineNode("node_bbb000000002", 1000)
	nodes := newMemNodes(bad, good)
	s := NewScheduler(nodes, NewWarmPool())

	decision, err := s.Schedule(context.Background(), Request{
		SessionID: "sess_x", TemplateID: "tmpl_pythonbasic1", Image: "python:3.12",
		CPUMillis: 500, MemoryBytes: 256 << 20,
	})
	require.NoError(t, err)
	assert.Equal(t, "node_bbb000000002", decision.Node.ID)
}

func TestScheduleWarmContainerOnDeadNodeFallsThrough(t *testing.T) {
	nodes := newMemNodes(onlineNode("node_bbb000000002", 8000))
	pool := NewWarmPool()
	pool.Put("tmpl_pythonbasic1", &WarmContainer{ContainerID: "warm-1", NodeID: "node_gone00000000"})
	s := NewScheduler(nodes, pool)

	decision, err := s.Schedule(context.Background(), Request{
		SessionID: "sess_x", TemplateID: "tmpl_pythonbasic1", Image: "python:3.12",
		CPUMillis: 1000, MemoryBytes: 512 << 20,
	})
	require.NoError(t, err)
	assert.Equal(t, TierLoadBalance, decision.Tier)
	assert.Nil(t, decision.Warm)
}

func TestReleaseReturnsAllocation(t *testing.T) {
	node := onlineNode("node_aaa000000001", 4000)
	node.RunningContainers = 2
	nodes := newMemNodes(node)
	s := NewScheduler(nodes, NewWarmPool())

	require.NoError(t, s.Release(context.Background(), "node_aaa000000001", 1000, 512<<20))
	n, err := nodes.Get(context.Background(), "node_aaa000000001")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), n.AllocatedCPUMillis)
	assert.Equal(t, 1, n.RunningContainers)
}

func TestWarmPoolRemoveNode(t *testing.T) {
	pool := NewWarmPool()
	pool.Put("tmpl_a", &WarmContainer{ContainerID: "c1", NodeID: "node_1"})
	pool.Put("tmpl_a", &WarmContainer{ContainerID: "c2", NodeID: "node_2"})
	pool.RemoveNode("node_1")
	assert.Equal(t, 1, pool.Size("tmpl_a"))
	assert.Equal(t, "c2", pool.Claim("tmpl_a").ContainerID)
}
