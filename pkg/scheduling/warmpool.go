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
	"sync"
	"time"

	"github.com/kweaver-ai/sandbox/pkg/metrics"
)

// WarmContainer is a pre-started container waiting to be adopted by a
// session. Claiming one skips image pull and container start entirely.
type WarmContainer struct {
	ContainerID string
	NodeID      string
	IP          string
	Image       string
	CreatedAt   time.Time
}

// WarmPool holds pre-started containers bucketed by template. Claim and Put
// are O(1); each bucket carries its own lock so templates don't contend.
type WarmPool struct {
	mu      sync.RWMutex
	buckets map[string]*warmBucket
}

type warmBucket struct {
	mu         sync.Mutex
	containers []*WarmContainer
}

func NewWarmPool() *WarmPool {
	return &WarmPool{buckets: map[string]*warmBucket{}}
}

func (p *WarmPool) bucket(templateID string) *warmBucket {
	p.mu.RLock()
	b, ok := p.buckets[templateID]
	p.mu.RUnlock()
	if ok {
		return b
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok = p.buckets[templateID]; !ok {
		b = &warmBucket{}
		p.buckets[templateID] = b
	}
	return b
}

// Claim pops a warm container for the template, newest first, or nil when
// the bucket is empty.
func (p *WarmPool) Claim(templateID string) *WarmContainer {
	b := p.bucket(templateID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.containers) == 0 {
		return nil
	}
	wc := b.containers[len(b.containers)-1]
	b.containers = b.containers[:len(b.containers)-1]
	metrics.WarmPoolSize.WithLabelValues(templateID).Set(float64(len(b.containers)))
	return wc
}

// Put adds a warm container to the template's bucket.
func (p *WarmPool) Put(templateID string, wc *WarmContainer) {
	b := p.bucket(templateID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.containers = append(b.containers, wc)
	metrics.WarmPoolSize.WithLabelValues(templateID).Set(float64(len(b.containers)))
}

// Size returns the number of warm containers held for the template.
func (p *WarmPool) Size(templateID string) int {
	b := p.bucket(templateID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.containers)
}

// Drain empties the template's bucket and returns what was in it. The
// replenisher uses this when a template is deactivated.
func (p *WarmPool) Drain(templateID string) []*WarmContainer {
	b := p.bucket(templateID)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.containers
	b.containers = nil
	metrics.WarmPoolSize.WithLabelValues(templateID).Set(0)
	return out
}

// RemoveNode discards warm containers hosted on the node. Called when a node
// goes unhealthy so claims never hand out dead capacity.
func (p *WarmPool) RemoveNode(nodeID string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for templateID, b := range p.buckets {
		b.mu.Lock()
		kept := b.containers[:0]
		for _, wc := range b.containers {
			if wc.NodeID != nodeID {
				kept = append(kept, wc)
			}
		}
		b.containers = kept
		metrics.WarmPoolSize.WithLabelValues(templateID).Set(float64(len(kept)))
		b.mu.Unlock()
	}
}
