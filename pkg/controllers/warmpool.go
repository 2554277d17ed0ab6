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
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/errors"
	"github.com/kweaver-ai/sandbox/pkg/runtime"
	"github.com/kweaver-ai/sandbox/pkg/scheduling"
	"github.com/kweaver-ai/sandbox/pkg/utils/logging"
)

// maxStartsPerCycle bounds how many warm containers one reconcile may start
// per template, so a large target fills gradually instead of stampeding the
// runtime.
const maxStartsPerCycle = 5

// TemplateLister lists all templates.
type TemplateLister interface {
	List(ctx context.Context) ([]*v1.Template, error)
}

// Replenisher keeps each template's warm pool at its target. Deactivated
// templates and templates with a zero target get drained.
type Replenisher struct {
	templates    TemplateLister
	scheduler    *scheduling.Scheduler
	pool         *scheduling.WarmPool
	backend      runtime.ContainerScheduler
	executorPort int
	callbackURL  string
	interval     time.Duration
	clock        func() time.Time
}

func NewReplenisher(templates TemplateLister, scheduler *scheduling.Scheduler,
	pool *scheduling.WarmPool, backend runtime.ContainerScheduler,
	executorPort int, callbackURL string, interval time.Duration) *Replenisher {
	return &Replenisher{
		templates:    templates,
		scheduler:    scheduler,
		pool:         pool,
		backend:      backend,
		executorPort: executorPort,
		callbackURL:  callbackURL,
		interval:     interval,
		clock:        time.Now,
	}
}

func (r *Replenisher) Name() string            { return "warmpool.replenisher" }
func (r *Replenisher) Interval() time.Duration { return r.interval }

func (r *Replenisher) Reconcile(ctx context.Context) error {
	templates, err := r.templates.List(ctx)
	if err != nil {
		return err
	}
	for _, tmpl := range templates {
		if !tmpl.Active || tmpl.WarmPoolTarget <= 0 {
			r.drain(ctx, tmpl)
			continue
		}
		r.fill(ctx, tmpl)
	}
	return nil
}

func (r *Replenisher) fill(ctx context.Context, tmpl *v1.Template) {
	deficit := tmpl.WarmPoolTarget - r.pool.Size(tmpl.ID)
	if deficit <= 0 {
		return
	}
	if deficit > maxStartsPerCycle {
		deficit = maxStartsPerCycle
	}

	cpuMillis, err := runtime.CPUMillis(tmpl.DefaultCPU)
	if err != nil {
		logging.FromContext(ctx).Error("template has unparseable default cpu",
			zap.String("template_id", tmpl.ID), zap.Error(err))
		return
	}
	memoryBytes, err := runtime.MemoryBytes(tmpl.DefaultMemory)
	if err != nil {
		logging.FromContext(ctx).Error("template has unparseable default memory",
			zap.String("template_id", tmpl.ID), zap.Error(err))
		return
	}

	for i := 0; i < deficit; i++ {
		if !r.startOne(ctx, tmpl, cpuMillis, memoryBytes) {
			return
		}
	}
}

func (r *Replenisher) startOne(ctx context.Context, tmpl *v1.Template, cpuMillis, memoryBytes int64) bool {
	name := warmName(tmpl.ID)
	decision, err := r.scheduler.ScheduleCold(ctx, scheduling.Request{
		SessionID:   name,
		TemplateID:  tmpl.ID,
		Image:       tmpl.Image,
		CPUMillis:   cpuMillis,
		MemoryBytes: memoryBytes,
	})
	if err != nil {
		if !errors.IsCapacity(err) {
			logging.FromContext(ctx).Error("scheduling warm container",
				zap.String("template_id", tmpl.ID), zap.Error(err))
		}
		return false
	}

	info, err := r.backend.CreateContainer(ctx, &runtime.ContainerConfig{
		SessionID: name,
		Image:     tmpl.Image,
		Resources: v1.ResourceSpec{
			CPU:    tmpl.DefaultCPU,
			Memory: tmpl.DefaultMemory,
			Disk:   tmpl.DefaultDisk,
		},
		ExecutorPort: r.executorPort,
		CallbackURL:  r.callbackURL,
		Labels: map[string]string{
			"ai.kweaver.sandbox/warm":     "true",
			"ai.kweaver.sandbox/template": tmpl.ID,
		},
	})
	if err != nil {
		logging.FromContext(ctx).Error("starting warm container",
			zap.String("template_id", tmpl.ID), zap.String("node_id", decision.Node.ID), zap.Error(err))
		r.release(ctx, decision.Node.ID, cpuMillis, memoryBytes)
		return false
	}

	r.pool.Put(tmpl.ID, &scheduling.WarmContainer{
		ContainerID: info.ID,
		NodeID:      decision.Node.ID,
		IP:          info.IP,
		Image:       tmpl.Image,
		CreatedAt:   r.clock(),
	})
	logging.FromContext(ctx).Info("warm container ready",
		zap.String("template_id", tmpl.ID),
		zap.String("container_id", info.ID),
		zap.String("node_id", decision.Node.ID))
	return true
}

func (r *Replenisher) drain(ctx context.Context, tmpl *v1.Template) {
	drained := r.pool.Drain(tmpl.ID)
	if len(drained) == 0 {
		return
	}
	cpuMillis, _ := runtime.CPUMillis(tmpl.DefaultCPU)
	memoryBytes, _ := runtime.MemoryBytes(tmpl.DefaultMemory)
	for _, wc := range drained {
		if err := r.backend.DestroyContainer(ctx, wc.ContainerID); err != nil {
			logging.FromContext(ctx).Error("destroying drained warm container",
				zap.String("container_id", wc.ContainerID), zap.Error(err))
		}
		r.release(ctx, wc.NodeID, cpuMillis, memoryBytes)
	}
	logging.FromContext(ctx).Info("drained warm pool",
		zap.String("template_id", tmpl.ID), zap.Int("count", len(drained)))
}

func (r *Replenisher) release(ctx context.Context, nodeID string, cpuMillis, memoryBytes int64) {
	if err := r.scheduler.Release(ctx, nodeID, cpuMillis, memoryBytes); err != nil {
		logging.FromContext(ctx).Error("releasing warm allocation",
			zap.String("node_id", nodeID), zap.Error(err))
	}
}

func warmName(templateID string) string {
	return "warm-" + templateID + "-" + strings.Split(uuid.NewString(), "-")[0]
}
