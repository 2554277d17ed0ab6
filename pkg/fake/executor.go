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

package fake

import (
	"context"
	"sync"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/executor"
)

// ExecutorClient records calls to in-container executors.
type ExecutorClient struct {
	mu sync.Mutex

	SubmitError error
	AdoptError  error

	Submitted []string
	Adopted   []string
	Cancelled []string
}

var _ executor.Client = (*ExecutorClient)(nil)

func NewExecutorClient() *ExecutorClient {
	return &ExecutorClient{}
}

func (f *ExecutorClient) Submit(_ context.Context, _ string, exec *v1.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitError != nil {
		return f.SubmitError
	}
	f.Submitted = append(f.Submitted, exec.ID)
	return nil
}

func (f *ExecutorClient) Adopt(_ context.Context, _ string, sess *v1.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AdoptError != nil {
		return f.AdoptError
	}
	f.Adopted = append(f.Adopted, sess.ID)
	return nil
}

func (f *ExecutorClient) Cancel(_ context.Context, _, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancelled = append(f.Cancelled, executionID)
	return nil
}

// SubmittedIDs snapshots the submitted execution IDs.
func (f *ExecutorClient) SubmittedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Submitted...)
}
