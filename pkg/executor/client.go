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

// Package executor is the control plane's client for the agent process
// running inside each sandbox container.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
)

// Client talks to in-container executors over their private HTTP surface.
type Client interface {
	// Submit hands an execution to the session's executor.
	Submit(ctx context.Context, executorURL string, exec *v1.Execution) error
	// Adopt binds a warm container's executor to the session that claimed
	// it, carrying the session env and any dependency installs to run.
	Adopt(ctx context.Context, executorURL string, sess *v1.Session) error
	// Cancel asks the executor to abandon an in-flight execution.
	Cancel(ctx context.Context, executorURL, executionID string) error
}

type client struct {
	http *http.Client
}

// NewClient builds the executor client. Calls are short; the executor
// acknowledges and reports results through the internal callback surface.
func NewClient() Client {
	return &client{http: &http.Client{Timeout: 10 * time.Second}}
}

type submitPayload struct {
	ExecutionID string          `json:"execution_id"`
	Code        string          `json:"code"`
	Language    v1.RuntimeType  `json:"language"`
	Event       json.RawMessage `json:"event,omitempty"`
	TimeoutSec  int             `json:"timeout_sec"`
}

func (c *client) Submit(ctx context.Context, executorURL string, exec *v1.Execution) error {
	return c.post(ctx, executorURL+"/execute", submitPayload{
		ExecutionID: exec.ID,
		Code:        exec.Code,
		Language:    exec.Language,
		Event:       exec.Event,
		TimeoutSec:  exec.TimeoutSec,
	})
}

type adoptPayload struct {
	SessionID    string            `json:"session_id"`
	Env          map[string]string `json:"env,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	CallbackURL  string            `json:"callback_url,omitempty"`
}

func (c *client) Adopt(ctx context.Context, executorURL string, sess *v1.Session) error {
	return c.post(ctx, executorURL+"/adopt", adoptPayload{
		SessionID:    sess.ID,
		Env:          sess.Env,
		Dependencies: sess.Dependencies.Requested,
	})
}

func (c *client) Cancel(ctx context.Context, executorURL, executionID string) error {
	return c.post(ctx, executorURL+"/executions/"+executionID+"/cancel", struct{}{})
}

func (c *client) post(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding executor request, %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building executor request, %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling executor at %s, %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("executor at %s returned %d: %s", url, resp.StatusCode, string(msg))
	}
	return nil
}
