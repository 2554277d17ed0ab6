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
	"github.com/kweaver-ai/sandbox/pkg/runtime"
	"github.com/kweaver-ai/sandbox/pkg/utils/logging"
)

// ContainerExitHandler is the session manager surface the sync loop drives
// when it finds a dead container behind a live session.
type ContainerExitHandler interface {
	HandleContainerExited(ctx context.Context, sessionID string, cb *v1.ContainerExitedCallback) (*v1.Session, error)
}

// ContainerRecords is the container persistence surface the sync loop needs.
type ContainerRecords interface {
	ListNonTerminal(ctx context.Context) ([]*v1.Container, error)
	Update(ctx context.Context, c *v1.Container) error
}

// StateSync reconciles the database against the container runtime. Sessions
// whose container silently died get the same treatment as an explicit
// container-exited callback (persistent sessions migrate, ephemeral ones
// fail), and container rows are trued up against runtime state.
type StateSync struct {
	sessions   SessionLister
	containers ContainerRecords
	backend    runtime.ContainerScheduler
	manager    ContainerExitHandler
	interval   time.Duration
	clock      func() time.Time
}

func NewStateSync(sessions SessionLister, containers ContainerRecords,
	backend runtime.ContainerScheduler, manager ContainerExitHandler,
	interval time.Duration) *StateSync {
	return &StateSync{
		sessions:   sessions,
		containers: containers,
		backend:    backend,
		manager:    manager,
		interval:   interval,
		clock:      time.Now,
	}
}

func (s *StateSync) Name() string            { return "state.sync" }
func (s *StateSync) Interval() time.Duration { return s.interval }

func (s *StateSync) Reconcile(ctx context.Context) error {
	if err := s.syncSessions(ctx); err != nil {
		return err
	}
	return s.syncContainerRecords(ctx)
}

func (s *StateSync) syncSessions(ctx context.Context) error {
	sessions, err := s.sessions.ListByStatus(ctx, v1.SessionRunning)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.ContainerID == "" {
			continue
		}
		status, err := s.backend.GetContainerStatus(ctx, sess.ContainerID)
		switch {
		case err == runtime.ErrNotFound:
			s.reportExit(ctx, sess.ID, "container disappeared from runtime")
		case err != nil:
			// Backend outage; leave the session alone rather than migrate on
			// bad data.
			logging.FromContext(ctx).Warn("reading container status",
				zap.String("session_id", sess.ID),
				zap.String("container_id", sess.ContainerID), zap.Error(err))
		case status.Terminal():
			s.reportExit(ctx, sess.ID, "container found "+string(status))
		}
	}
	return nil
}

func (s *StateSync) reportExit(ctx context.Context, sessionID, reason string) {
	if _, err := s.manager.HandleContainerExited(ctx, sessionID,
		&v1.ContainerExitedCallback{Reason: reason}); err != nil {
		logging.FromContext(ctx).Error("reconciling dead container",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *StateSync) syncContainerRecords(ctx context.Context) error {
	records, err := s.containers.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		status, err := s.backend.GetContainerStatus(ctx, record.ID)
		if err == runtime.ErrNotFound {
			status = v1.ContainerExited
		} else if err != nil {
			continue
		}
		if status == record.Status {
			continue
		}
		record.Status = status
		record.UpdatedAt = s.clock()
		if status.Terminal() && record.ExitedAt == nil {
			now := s.clock()
			record.ExitedAt = &now
		}
		if err := s.containers.Update(ctx, record); err != nil {
			logging.FromContext(ctx).Error("updating container record",
				zap.String("container_id", record.ID), zap.Error(err))
		}
	}
	return nil
}
