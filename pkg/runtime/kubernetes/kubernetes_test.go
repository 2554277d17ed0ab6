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

package kubernetes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sruntime "k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/runtime"
)

func testConfig() *runtime.ContainerConfig {
	return &runtime.ContainerConfig{
		SessionID:     "sess_aaa00000000001",
		Image:         "registry.example.com/python:3.12",
		Resources:     v1.ResourceSpec{CPU: "1", Memory: "512Mi", Disk: "1Gi"},
		WorkspacePath: "workspaces/sess_aaa00000000001",
		ExecutorPort:  8081,
		CallbackURL:   "http://controlplane:8080/internal",
	}
}

// bindOnCreate mimics the kube scheduler and kubelet: pods come back from
// the apiserver bound and addressed.
func bindOnCreate(client *fake.Clientset) {
	client.PrependReactor("create", "pods",
		func(action k8stesting.Action) (bool, k8sruntime.Object, error) {
			pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
			pod.Spec.NodeName = "node_aaa000000001"
			pod.Status.PodIP = "10.1.2.3"
			pod.Status.Phase = corev1.PodRunning
			return false, nil, nil
		})
}

func TestCreateContainerReportsBoundNode(t *testing.T) {
	client := fake.NewSimpleClientset()
	bindOnCreate(client)
	s := NewSchedulerWithClient(client, "sandbox-sessions")

	info, err := s.CreateContainer(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Equal(t, "node_aaa000000001", info.NodeID)
	assert.Equal(t, "10.1.2.3", info.IP)
	assert.Equal(t, v1.ContainerRunning, info.Status)
}

func TestCreateContainerHardensPod(t *testing.T) {
	client := fake.NewSimpleClientset()
	bindOnCreate(client)
	s := NewSchedulerWithClient(client, "sandbox-sessions")

	info, err := s.CreateContainer(context.Background(), testConfig())
	require.NoError(t, err)

	pod, err := client.CoreV1().Pods("sandbox-sessions").Get(context.Background(), info.ID, metav1.GetOptions{})
	require.NoError(t, err)

	assert.Equal(t, corev1.DNSNone, pod.Spec.DNSPolicy)
	require.NotNil(t, pod.Spec.DNSConfig)
	assert.NotEmpty(t, pod.Spec.DNSConfig.Nameservers)

	sc := pod.Spec.SecurityContext
	require.NotNil(t, sc)
	require.NotNil(t, sc.SeccompProfile)
	assert.Equal(t, corev1.SeccompProfileTypeRuntimeDefault, sc.SeccompProfile.Type)
	assert.Equal(t, v1.SandboxUID, *sc.RunAsUser)
	assert.Equal(t, v1.SandboxGID, *sc.RunAsGroup)

	container := pod.Spec.Containers[0]
	require.NotNil(t, container.SecurityContext)
	assert.False(t, *container.SecurityContext.AllowPrivilegeEscalation)
	assert.Equal(t, []corev1.Capability{"ALL"}, container.SecurityContext.Capabilities.Drop)
}
