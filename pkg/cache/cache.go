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

// Package cache holds the control plane's hot-read caches. Templates change
// rarely and sit on every session create; node snapshots back health and
// capacity reads that don't need row-fresh data.
package cache

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
)

const (
	// TemplateTTL bounds how stale a cached template read may be.
	TemplateTTL = time.Minute
	// NodeSnapshotTTL bounds how stale node capacity reads may be.
	NodeSnapshotTTL = 30 * time.Second

	CleanupInterval = 10 * time.Minute
)

// TemplateSource is the fallthrough on a template cache miss.
type TemplateSource interface {
	Get(ctx context.Context, id string) (*v1.Template, error)
	GetByName(ctx context.Context, name string) (*v1.Template, error)
}

// Templates is a read-through template cache. Writers must call Invalidate
// after mutating a template so the next read falls through.
type Templates struct {
	cache  *cache.Cache
	source TemplateSource
}

func NewTemplates(source TemplateSource) *Templates {
	return &Templates{
		cache:  cache.New(TemplateTTL, CleanupInterval),
		source: source,
	}
}

func (t *Templates) Get(ctx context.Context, id string) (*v1.Template, error) {
	if cached, found := t.cache.Get(id); found {
		return cached.(*v1.Template), nil
	}
	tmpl, err := t.source.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t.cache.SetDefault(tmpl.ID, tmpl)
	return tmpl, nil
}

func (t *Templates) GetByName(ctx context.Context, name string) (*v1.Template, error) {
	if cached, found := t.cache.Get("name:" + name); found {
		return cached.(*v1.Template), nil
	}
	tmpl, err := t.source.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	t.cache.SetDefault(tmpl.ID, tmpl)
	t.cache.SetDefault("name:"+tmpl.Name, tmpl)
	return tmpl, nil
}

// Invalidate drops a template from the cache after a write.
func (t *Templates) Invalidate(tmpl *v1.Template) {
	t.cache.Delete(tmpl.ID)
	t.cache.Delete("name:" + tmpl.Name)
}

// Flush drops everything.
func (t *Templates) Flush() {
	t.cache.Flush()
}

// NodeSource is the fallthrough on a node snapshot miss.
type NodeSource interface {
	List(ctx context.Context) ([]*v1.RuntimeNode, error)
}

// Nodes caches the full node list for capacity and health reads.
type Nodes struct {
	cache  *cache.Cache
	source NodeSource
}

const nodeListKey = "nodes"

func NewNodes(source NodeSource) *Nodes {
	return &Nodes{
		cache:  cache.New(NodeSnapshotTTL, CleanupInterval),
		source: source,
	}
}

func (n *Nodes) List(ctx context.Context) ([]*v1.RuntimeNode, error) {
	if cached, found := n.cache.Get(nodeListKey); found {
		return cached.([]*v1.RuntimeNode), nil
	}
	nodes, err := n.source.List(ctx)
	if err != nil {
		return nil, err
	}
	n.cache.SetDefault(nodeListKey, nodes)
	return nodes, nil
}

// Invalidate drops the snapshot after a node write.
func (n *Nodes) Invalidate() {
	n.cache.Delete(nodeListKey)
}
