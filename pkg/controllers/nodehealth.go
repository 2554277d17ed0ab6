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
	"time"

	"go.uber.org/zap"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/metrics"
	"github.com/kweaver-ai/sandbox/pkg/scheduling"
	"github.com/kweaver-ai/sandbox/pkg/store"
	"github.com/kweaver-ai/sandbox/pkg/utils/logging"
)

// NodeRepo is the node surface the probe needs.
type NodeRepo interface {
	List(ctx context.Context) ([]*v1.RuntimeNode, error)
	UpdateCAS(ctx context.Context, node *v1.RuntimeNode) error
}

// NodeProbe grades node liveness from heartbeat freshness. A node missing
// heartbeats accumulates failures and goes unhealthy at the threshold; its
// warm containers are discarded so the scheduler never hands out dead
// capacity. A heartbeat from an unhealthy node brings it back online.
type NodeProbe struct {
	nodes      NodeRepo
	pool       *scheduling.WarmPool
	staleAfter time.Duration
	interval   time.Duration
	clock      func() time.Time
}

func NewNodeProbe(nodes NodeRepo, pool *scheduling.WarmPool, staleAfter, interval time.Duration) *NodeProbe {
	return &NodeProbe{
		nodes:      nodes,
		pool:       pool,
		staleAfter: staleAfter,
		interval:   interval,
		clock:      time.Now,
	}
}

func (p *NodeProbe) Name() string            { return "node.health" }
func (p *NodeProbe) Interval() time.Duration { return p.interval }

func (p *NodeProbe) Reconcile(ctx context.Context) error {
	now := p.clock()
	nodes, err := p.nodes.List(ctx)
	if err != nil {
		return err
	}

	counts := map[v1.NodeStatus]int{}
	for _, node := range nodes {
		p.probe(ctx, node, now)
		counts[node.Status]++
	}
	for _, status := range []v1.NodeStatus{
		v1.NodeOnline, v1.NodeOffline, v1.NodeDraining, v1.NodeMaintenance, v1.NodeUnhealthy,
	} {
		metrics.NodeStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return nil
}

func (p *NodeProbe) probe(ctx context.Context, node *v1.RuntimeNode, now time.Time) {
	stale := now.Sub(node.LastHeartbeatAt) > p.staleAfter

	switch {
	case node.Status == v1.NodeOnline && stale:
		node.ConsecutiveFailures++
		if node.ConsecutiveFailures >= v1.NodeFailureThreshold {
			node.Status = v1.NodeUnhealthy
			p.pool.RemoveNode(node.ID)
			logging.FromContext(ctx).Warn("node went unhealthy",
				zap.String("node_id", node.ID),
				zap.Time("last_heartbeat_at", node.LastHeartbeatAt))
		}
	case node.Status == v1.NodeOnline && node.ConsecutiveFailures > 0:
		node.ConsecutiveFailures = 0
	case node.Status == v1.NodeUnhealthy && !stale:
		node.Status = v1.NodeOnline
		node.ConsecutiveFailures = 0
		logging.FromContext(ctx).Info("node recovered", zap.String("node_id", node.ID))
	default:
		return
	}

	if err := p.nodes.UpdateCAS(ctx, node); err != nil && err != store.ErrStaleVersion {
		logging.FromContext(ctx).Error("updating node health",
			zap.String("node_id", node.ID), zap.Error(err))
	}
}
