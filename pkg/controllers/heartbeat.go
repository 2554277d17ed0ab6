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
)

// Sweeper crashes executions whose executor went silent.
type Sweeper interface {
	SweepHeartbeats(ctx context.Context)
}

// HeartbeatSweeper periodically runs the execution engine's stale-heartbeat
// sweep.
type HeartbeatSweeper struct {
	engine   Sweeper
	interval time.Duration
}

func NewHeartbeatSweeper(engine Sweeper, interval time.Duration) *HeartbeatSweeper {
	return &HeartbeatSweeper{engine: engine, interval: interval}
}

func (s *HeartbeatSweeper) Name() string            { return "execution.heartbeat" }
func (s *HeartbeatSweeper) Interval() time.Duration { return s.interval }

func (s *HeartbeatSweeper) Reconcile(ctx context.Context) error {
	s.engine.SweepHeartbeats(ctx)
	return nil
}
