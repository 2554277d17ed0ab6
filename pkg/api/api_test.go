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

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/cache"
	"github.com/kweaver-ai/sandbox/pkg/execution"
	"github.com/kweaver-ai/sandbox/pkg/fake"
	"github.com/kweaver-ai/sandbox/pkg/scheduling"
	"github.com/kweaver-ai/sandbox/pkg/session"
	"github.com/kweaver-ai/sandbox/pkg/storage"
)

const (
	testAPIToken       = "external-token"
	testInternalSecret = "internal-secret"
)

type apiFixture struct {
	server    *httptest.Server
	sessions  *fake.SessionRepo
	templates *fake.TemplateRepo
	objects   *fake.ObjectStore
	backend   *fake.ContainerScheduler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	tmpl := &v1.Template{
		ID: "tmpl_pythonbasic1", Name: "python-basic",
		Image: "registry.example.com/python:3.12", RuntimeType: v1.RuntimePython,
		DefaultCPU: "1", DefaultMemory: "512Mi", DefaultDisk: "1Gi", DefaultTimeout: 300,
		SecurityContext: v1.SecurityContext{RunAsUser: v1.SandboxUID, RunAsGroup: v1.SandboxGID},
		Active:          true,
	}
	f := &apiFixture{
		sessions:  fake.NewSessionRepo(),
		templates: fake.NewTemplateRepo(tmpl),
		objects:   fake.NewObjectStore(),
		backend:   fake.NewContainerScheduler(),
	}
	nodes := fake.NewNodeRepo(&v1.RuntimeNode{
		ID: "node_aaa000000001", Hostname: "a.local", Status: v1.NodeOnline,
		TotalCPUMillis: 16000, TotalMemoryBytes: 64 << 30, MaxContainers: 50,
		LastHeartbeatAt: time.Now(),
	})
	containers := fake.NewContainerRepo()
	executions := fake.NewExecutionRepo()
	artifacts := fake.NewArtifactRepo()
	placer := scheduling.NewScheduler(nodes, scheduling.NewWarmPool())

	manager := session.NewManager(f.sessions, f.templates, containers, placer, f.backend,
		f.objects, fake.NewExecutorClient(), session.Config{
			IdleTimeout:     30 * time.Minute,
			MaxLifetime:     6 * time.Hour,
			CreateDeadline:  5 * time.Minute,
			ExecutorPort:    8081,
			CallbackBaseURL: "http://controlplane:8080/internal",
			RuntimeType:     v1.RuntimeDocker,
		})
	engine := execution.NewEngine(executions, artifacts, manager, fake.NewExecutorClient())
	manager.OnReady(engine.ResubmitPending)
	manager.OnContainerLost(engine.HandleContainerLost)

	srv := NewServer(Config{
		ListenAddress:  "127.0.0.1:0",
		APIToken:       testAPIToken,
		InternalSecret: testInternalSecret,
		MetricsEnabled: true,
	}, Deps{
		Sessions:      manager,
		Executions:    engine,
		Templates:     f.templates,
		TemplateCache: cache.NewTemplates(f.templates),
		SessionCounts: f.sessions,
		Nodes:         nodes,
		NodeCache:     cache.NewNodes(nodes),
		Containers:    containers,
		Objects:       f.objects,
		Backend:       f.backend,
	})
	f.server = httptest.NewServer(srv.Router())
	t.Cleanup(f.server.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func (f *apiFixture) createSession(t *testing.T) *v1.Session {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/sessions", testAPIToken,
		&v1.CreateSessionRequest{TemplateID: "tmpl_pythonbasic1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sess v1.Session
	decodeBody(t, resp, &sess)
	return &sess
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// The external token does not open the internal surface.
	resp = f.do(t, http.MethodPost, "/internal/nodes/register", testAPIToken, &v1.RegisterNodeRequest{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateAndGetSession(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.createSession(t)
	assert.Equal(t, v1.SessionCreating, sess.Status)

	resp := f.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID, testAPIToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got v1.Session
	decodeBody(t, resp, &got)
	assert.Equal(t, sess.ID, got.ID)
}

func TestGetUnknownSessionRendersEnvelope(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/sessions/sess_nope0000000000", testAPIToken, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var envelope struct {
		ErrorCode   string `json:"error_code"`
		Description string `json:"description"`
		Solution    string `json:"solution"`
		RequestID   string `json:"request_id"`
	}
	decodeBody(t, resp, &envelope)
	assert.Equal(t, "NotFound", envelope.ErrorCode)
	assert.NotEmpty(t, envelope.Solution)
	assert.NotEmpty(t, envelope.RequestID)
	assert.Equal(t, envelope.RequestID, resp.Header.Get("X-Request-Id"))
}

func TestExecuteQueuesOnCreatingSession(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.createSession(t)

	resp := f.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/execute", testAPIToken,
		&v1.ExecuteRequest{Code: "print('hi')", Language: v1.RuntimePython})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var exec v1.Execution
	decodeBody(t, resp, &exec)
	assert.Equal(t, v1.ExecutionPending, exec.Status)

	resp = f.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/executions", testAPIToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Executions []*v1.Execution `json:"executions"`
	}
	decodeBody(t, resp, &list)
	require.Len(t, list.Executions, 1)
}

func TestInternalResultCallback(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.createSession(t)

	resp := f.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/execute", testAPIToken,
		&v1.ExecuteRequest{Code: "print('hi')", Language: v1.RuntimePython})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var exec v1.Execution
	decodeBody(t, resp, &exec)

	resp = f.do(t, http.MethodPost, "/internal/executions/"+exec.ID+"/result", testInternalSecret,
		&v1.ResultCallback{Status: v1.ExecutionCompleted, Stdout: "hi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var done v1.Execution
	decodeBody(t, resp, &done)
	assert.Equal(t, v1.ExecutionCompleted, done.Status)
	assert.Equal(t, "hi", done.Stdout)

	// A redelivery acknowledges with 200 instead of 201.
	resp = f.do(t, http.MethodPost, "/internal/executions/"+exec.ID+"/result", testInternalSecret,
		&v1.ResultCallback{Status: v1.ExecutionCompleted, Stdout: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// A mismatched idempotency key is rejected before touching the row.
	req, err := http.NewRequest(http.MethodPost,
		f.server.URL+"/internal/executions/"+exec.ID+"/result",
		strings.NewReader(`{"status":"completed"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testInternalSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "exec_other_result")
	badKey, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, badKey.StatusCode)
	badKey.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID+"/status", testAPIToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Status v1.ExecutionStatus `json:"status"`
	}
	decodeBody(t, resp, &status)
	assert.Equal(t, v1.ExecutionCompleted, status.Status)

	resp = f.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID+"/result", testAPIToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Execution *v1.Execution  `json:"execution"`
		Artifacts []*v1.Artifact `json:"artifacts"`
	}
	decodeBody(t, resp, &result)
	assert.Equal(t, "hi", result.Execution.Stdout)
}

func TestFileUploadAndDownload(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.createSession(t)

	content := "col_a,col_b\n1,2\n"
	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile("file", "input.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.WriteField("path", "data/input.csv"))
	require.NoError(t, writer.Close())

	req, err := http.NewRequest(http.MethodPost,
		f.server.URL+"/api/v1/sessions/"+sess.ID+"/files/upload", &form)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	_, stored := f.objects.Object(storage.WorkspaceKey(sess.ID, "data/input.csv"))
	assert.True(t, stored)

	resp = f.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/files/data/input.csv", testAPIToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, content, string(body))
}

func TestFileDownloadRejectsTraversal(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.createSession(t)

	resp := f.do(t, http.MethodGet,
		"/api/v1/sessions/"+sess.ID+"/files/..%2F..%2F..%2Fetc%2Fpasswd", testAPIToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestTemplateDeleteGuardedByActiveSessions(t *testing.T) {
	f := newAPIFixture(t)
	f.createSession(t)

	resp := f.do(t, http.MethodDelete, "/api/v1/templates/tmpl_pythonbasic1", testAPIToken, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestTemplateCRUD(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/templates", testAPIToken, &v1.CreateTemplateRequest{
		Name: "nodejs-basic", Image: "registry.example.com/node:20", RuntimeType: v1.RuntimeNodeJS,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var tmpl v1.Template
	decodeBody(t, resp, &tmpl)
	assert.True(t, tmpl.Active)
	assert.Equal(t, "1", tmpl.DefaultCPU)

	inactive := false
	resp = f.do(t, http.MethodPut, "/api/v1/templates/"+tmpl.ID, testAPIToken,
		&v1.UpdateTemplateRequest{Active: &inactive})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated v1.Template
	decodeBody(t, resp, &updated)
	assert.False(t, updated.Active)

	resp = f.do(t, http.MethodDelete, "/api/v1/templates/"+tmpl.ID, testAPIToken, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestNodeRegisterAndHeartbeat(t *testing.T) {
	f := newAPIFixture(t)

	register := &v1.RegisterNodeRequest{
		Hostname: "b.local", RuntimeType: v1.RuntimeDocker,
		Endpoint: "http://b.local:2375", TotalCPUMillis: 8000, TotalMemoryBytes: 32 << 30,
	}
	resp := f.do(t, http.MethodPost, "/internal/nodes/register", testInternalSecret, register)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var node v1.RuntimeNode
	decodeBody(t, resp, &node)
	assert.NotEmpty(t, node.ID)

	// Re-registration keeps the id.
	resp = f.do(t, http.MethodPost, "/internal/nodes/register", testInternalSecret, register)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again v1.RuntimeNode
	decodeBody(t, resp, &again)
	assert.Equal(t, node.ID, again.ID)

	resp = f.do(t, http.MethodPost,
		fmt.Sprintf("/internal/nodes/%s/heartbeat", node.ID), testInternalSecret,
		&v1.NodeHeartbeatRequest{AllocatedCPUMillis: 1000, RunningContainers: 1})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	f.objects.Err = fmt.Errorf("bucket unreachable")
	resp = f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}
