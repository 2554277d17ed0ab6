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
	"github.com/kweaver-ai/sandbox/pkg/utils/logging"
)

// SessionLister lists sessions by status.
type SessionLister interface {
	ListByStatus(ctx context.Context, statuses ...v1.SessionStatus) ([]*v1.Session, error)
}

// Terminator moves a session to a terminal status with full teardown.
// *session.Manager implements it.
type Terminator interface {
	Terminate(ctx context.Context, id string, status v1.SessionStatus, reason string) (*v1.Session, error)
}

// SessionReaper enforces the time budgets: running sessions that exhausted
// their lifetime or went idle are timed out, and sessions stuck in creating
// past the provisioning deadline are failed.
type SessionReaper struct {
	sessions       SessionLister
	manager        Terminator
	idleTimeout    time.Duration
	createDeadline time.Duration
	interval       time.Duration
	clock          func() time.Time
}

func NewSessionReaper(sessions SessionLister, manager Terminator,
	idleTimeout, createDeadline, interval time.Duration) *SessionReaper {
	return &SessionReaper{
		sessions:       sessions,
		manager:        manager,
		idleTimeout:    idleTimeout,
		createDeadline: createDeadline,
		interval:       interval,
		clock:          time.Now,
	}
}

func (r *SessionReaper) Name() string            { return "session.reaper" }
func (r *SessionReaper) Interval() time.Duration { return r.interval }

func (r *SessionReaper) Reconcile(ctx context.Context) error {
	now := r.clock()
	sessions, err := r.sessions.ListByStatus(ctx, v1.SessionCreating, v1.SessionRunning)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		switch sess.Status {
		case v1.SessionRunning:
			switch {
			case sess.Expired(now):
				r.reap(ctx, sess.ID, v1.SessionTimeout, "session lifetime exceeded")
			case sess.Idle(now, r.idleTimeout):
				r.reap(ctx, sess.ID, v1.SessionTimeout, "idle timeout")
			}
		case v1.SessionCreating:
			// UpdatedAt marks when the session entered creating, so migrated
			// sessions get a fresh deadline.
			if now.Sub(sess.UpdatedAt) > r.createDeadline {
				r.reap(ctx, sess.ID, v1.SessionFailed, "provisioning deadline exceeded")
			}
		}
	}
	return nil
}

func (r *SessionReaper) reap(ctx context.Context, id string, status v1.SessionStatus, reason string) {
	if _, err := r.manager.Terminate(ctx, id, status, reason); err != nil {
		logging.FromContext(ctx).Error("reaping session",
			zap.String("session_id", id), zap.String("reason", reason), zap.Error(err))
		return
	}
	logging.FromContext(ctx).Info("reaped session",
		zap.String("session_id", id), zap.String("reason", reason))
}
