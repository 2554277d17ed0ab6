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

// Package controllers holds the background reconciliation loops: heartbeat
// sweeping, session reaping, node health probing, runtime state sync and
// warm pool replenishment.
package controllers

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kweaver-ai/sandbox/pkg/utils/logging"
)

// Controller is one periodic reconciliation loop.
type Controller interface {
	Name() string
	Interval() time.Duration
	Reconcile(ctx context.Context) error
}

// Runner drives a set of controllers until the context is cancelled. Each
// controller reconciles immediately on start, then on its own interval; a
// reconcile error is logged and the loop keeps going.
type Runner struct {
	controllers []Controller
}

func NewRunner(controllers ...Controller) *Runner {
	return &Runner{controllers: controllers}
}

func (r *Runner) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range r.controllers {
		c := c
		g.Go(func() error {
			log := logging.FromContext(ctx).With(zap.String("controller", c.Name()))
			cctx := logging.WithLogger(ctx, log)
			ticker := time.NewTicker(c.Interval())
			defer ticker.Stop()
			for {
				if err := c.Reconcile(cctx); err != nil {
					log.Error("reconcile failed", zap.Error(err))
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}
