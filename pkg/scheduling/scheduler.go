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

// Package scheduling places sessions onto runtime nodes using a tiered
// strategy: warm pool first, then image affinity, then load balance.
package scheduling

import (
	"context"
	"sort"

	"github.com/avast/retry-go"
	"github.com/samber/lo"
	"go.uber.org/zap"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/errors"
	"github.com/kweaver-ai/sandbox/pkg/metrics"
	"github.com/kweaver-ai/sandbox/pkg/store"
	"github.com/kweaver-ai/sandbox/pkg/utils/logging"
)

// Placement tiers, in descending preference. The weights are fixed; tiers
// are tried in order and the first hit wins.
const (
	TierWarmPool    = "warm_pool"
	TierAffinity    = "affinity"
	TierLoadBalance = "load_balance"

	WeightWarmPool    = 100
	WeightAffinity    = 50
	WeightLoadBalance = 30
)

// NodeSource is the node inventory the scheduler reads and charges
// allocations against. *store.NodeStore implements it.
type NodeSource interface {
	List(ctx context.Context) ([]*v1.RuntimeNode, error)
	Get(ctx context.Context, id string) (*v1.RuntimeNode, error)
	UpdateCAS(ctx context.Context, node *v1.RuntimeNode) error
}

// Request asks for a placement for one session.
type Request struct {
	SessionID   string
	TemplateID  string
	Image       string
	CPUMillis   int64
	MemoryBytes int64
	// PreferredNodeID biases the affinity tier toward the node that last
	// hosted this session's agent. Empty for fresh placements.
	PreferredNodeID string
}

// Decision is the scheduler's answer: the chosen node, which tier produced
// it, and the warm container to adopt when the warm pool hit.
type Decision struct {
	Node   *v1.RuntimeNode
	Tier   string
	Weight int
	// Warm is non-nil only for TierWarmPool decisions.
	Warm *WarmContainer
}

// Scheduler implements the tiered placement strategy.
type Scheduler struct {
	nodes NodeSource
	pool  *WarmPool
}

func NewScheduler(nodes NodeSource, pool *WarmPool) *Scheduler {
	return &Scheduler{nodes: nodes, pool: pool}
}

// Schedule picks a node for the request and charges the allocation against
// it. It fails with a capacity error when no schedulable node fits.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*Decision, error) {
	done := metrics.Measure(metrics.SchedulingDuration)
	defer done()

	// Tier 1: adopt a warm container. The node it lives on already carries
	// the allocation for it, so only the delta between the request and the
	// warm reservation needs charging; warm containers are started with
	// template defaults, which is exactly what unsized requests get.
	if wc := s.pool.Claim(req.TemplateID); wc != nil {
		node, err := s.nodes.Get(ctx, wc.NodeID)
		if err == nil && node.Schedulable() {
			metrics.SchedulerPlacements.WithLabelValues(TierWarmPool).Inc()
			logging.FromContext(ctx).Info("placed session from warm pool",
				zap.String("session_id", req.SessionID),
				zap.String("node_id", node.ID),
				zap.String("container_id", wc.ContainerID))
			return &Decision{Node: node, Tier: TierWarmPool, Weight: WeightWarmPool, Warm: wc}, nil
		}
		// The warm container's node went away; discard and fall through.
		logging.FromContext(ctx).Warn("discarding warm container on unschedulable node",
			zap.String("node_id", wc.NodeID), zap.String("container_id", wc.ContainerID))
	}

	return s.ScheduleCold(ctx, req)
}

// ScheduleCold places the request without consulting the warm pool. The
// replenisher uses it to start new warm containers; claiming from the pool
// while refilling it would defeat the refill.
func (s *Scheduler) ScheduleCold(ctx context.Context, req Request) (*Decision, error) {
	nodes, err := s.nodes.List(ctx)
	if err != nil {
		return nil, err
	}
	candidates := lo.Filter(nodes, func(n *v1.RuntimeNode, _ int) bool {
		return n.Schedulable() && n.HasCapacity(req.CPUMillis, req.MemoryBytes)
	})
	if len(candidates) == 0 {
		return nil, errors.CapacityExhausted("no runtime node can fit the requested resources").
			WithSolution("retry shortly or reduce the session's resource request")
	}

	// Tier 2: prefer the node that last hosted the session's agent, then
	// nodes that already hold the template image.
	if req.PreferredNodeID != "" {
		if node, ok := lo.Find(candidates, func(n *v1.RuntimeNode) bool {
			return n.ID == req.PreferredNodeID
		}); ok {
			if err := s.commit(ctx, node.ID, req); err != nil {
				return nil, err
			}
			metrics.SchedulerPlacements.WithLabelValues(TierAffinity).Inc()
			return &Decision{Node: node, Tier: TierAffinity, Weight: WeightAffinity}, nil
		}
	}
	affinity := lo.Filter(candidates, func(n *v1.RuntimeNode, _ int) bool {
		return n.HasCachedImage(req.Image)
	})
	if len(affinity) > 0 {
		node := pickLeastLoaded(affinity)
		if err := s.commit(ctx, node.ID, req); err != nil {
			return nil, err
		}
		metrics.SchedulerPlacements.WithLabelValues(TierAffinity).Inc()
		return &Decision{Node: node, Tier: TierAffinity, Weight: WeightAffinity}, nil
	}

	// Tier 3: spread by free capacity.
	node := pickLeastLoaded(candidates)
	if err := s.commit(ctx, node.ID, req); err != nil {
		return nil, err
	}
	metrics.SchedulerPlacements.WithLabelValues(TierLoadBalance).Inc()
	return &Decision{Node: node, Tier: TierLoadBalance, Weight: WeightLoadBalance}, nil
}

// Release returns a placement's allocation to its node, e.g. when container
// creation fails after scheduling or a session ends.
func (s *Scheduler) Release(ctx context.Context, nodeID string, cpuMillis, memoryBytes int64) error {
	return retry.Do(func() error {
		node, err := s.nodes.Get(ctx, nodeID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil
			}
			return err
		}
		node.AllocatedCPUMillis -= cpuMillis
		node.AllocatedMemory -= memoryBytes
		if node.AllocatedCPUMillis < 0 {
			node.AllocatedCPUMillis = 0
		}
		if node.AllocatedMemory < 0 {
			node.AllocatedMemory = 0
		}
		if node.RunningContainers > 0 {
			node.RunningContainers--
		}
		return s.nodes.UpdateCAS(ctx, node)
	}, retry.RetryIf(func(err error) bool { return err == store.ErrStaleVersion }),
		retry.Attempts(5), retry.LastErrorOnly(true))
}

// commit charges the request against the node. Two placements racing on one
// node serialize through the version column; the loser re-reads, re-checks
// capacity and tries again.
func (s *Scheduler) commit(ctx context.Context, nodeID string, req Request) error {
	return retry.Do(func() error {
		node, err := s.nodes.Get(ctx, nodeID)
		if err != nil {
			return err
		}
		if !node.Schedulable() || !node.HasCapacity(req.CPUMillis, req.MemoryBytes) {
			return errors.CapacityExhausted("node filled up while scheduling").
				WithSolution("retry the request")
		}
		node.AllocatedCPUMillis += req.CPUMillis
		node.AllocatedMemory += req.MemoryBytes
		node.RunningContainers++
		return s.nodes.UpdateCAS(ctx, node)
	}, retry.RetryIf(func(err error) bool { return err == store.ErrStaleVersion }),
		retry.Attempts(5), retry.LastErrorOnly(true))
}

// pickLeastLoaded returns the node with the most free capacity, breaking
// ties by node id so concurrent schedulers converge on the same answer.
func pickLeastLoaded(nodes []*v1.RuntimeNode) *v1.RuntimeNode {
	sorted := make([]*v1.RuntimeNode, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].FreeMargin() != sorted[j].FreeMargin() {
			return sorted[i].FreeMargin() > sorted[j].FreeMargin()
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0]
}
