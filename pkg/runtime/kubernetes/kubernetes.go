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

// Package kubernetes implements the container backend as pods in a
// dedicated namespace, one single-container pod per session.
package kubernetes

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/runtime"
	"github.com/kweaver-ai/sandbox/pkg/utils/logging"
)

const (
	labelSessionID = "sandbox.kweaver.ai/session-id"
	labelManaged   = "sandbox.kweaver.ai/managed"

	// bindTimeout bounds the wait for the kube scheduler to bind the pod
	// and the kubelet to assign it an address.
	bindTimeout  = 90 * time.Second
	bindInterval = time.Second
)

// Scheduler drives sandbox pods through the Kubernetes API.
type Scheduler struct {
	client    kubernetes.Interface
	namespace string
}

// NewScheduler builds the client, preferring in-cluster config and falling
// back to the given kubeconfig path.
func NewScheduler(namespace, kubeconfig string) (*Scheduler, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("building kubernetes config, %w", err)
		}
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client, %w", err)
	}
	return &Scheduler{client: client, namespace: namespace}, nil
}

// NewSchedulerWithClient is the test seam.
func NewSchedulerWithClient(client kubernetes.Interface, namespace string) *Scheduler {
	return &Scheduler{client: client, namespace: namespace}
}

// CreateContainer creates the session pod. Container IDs at this layer are
// pod names, so every other call can round-trip through the API server.
func (s *Scheduler) CreateContainer(ctx context.Context, config *runtime.ContainerConfig) (*runtime.ContainerInfo, error) {
	cpu, err := resource.ParseQuantity(config.Resources.CPU)
	if err != nil {
		return nil, fmt.Errorf("parsing cpu %q, %w", config.Resources.CPU, err)
	}
	memory, err := resource.ParseQuantity(config.Resources.Memory)
	if err != nil {
		return nil, fmt.Errorf("parsing memory %q, %w", config.Resources.Memory, err)
	}
	disk, err := resource.ParseQuantity(config.Resources.Disk)
	if err != nil {
		return nil, fmt.Errorf("parsing disk %q, %w", config.Resources.Disk, err)
	}

	env := []corev1.EnvVar{
		{Name: "SANDBOX_SESSION_ID", Value: config.SessionID},
		{Name: "SANDBOX_WORKSPACE_PATH", Value: config.WorkspacePath},
		{Name: "SANDBOX_CALLBACK_URL", Value: config.CallbackURL},
		{Name: "SANDBOX_EXECUTOR_PORT", Value: strconv.Itoa(config.ExecutorPort)},
	}
	for k, val := range config.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: val})
	}
	if len(config.Packages) > 0 {
		env = append(env, corev1.EnvVar{Name: "SANDBOX_INSTALL_PACKAGES", Value: strings.Join(config.Packages, ",")})
	}

	labels := map[string]string{
		labelManaged:   "true",
		labelSessionID: config.SessionID,
	}
	for k, val := range config.Labels {
		labels[k] = val
	}

	resources := corev1.ResourceList{
		corev1.ResourceCPU:              cpu,
		corev1.ResourceMemory:           memory,
		corev1.ResourceEphemeralStorage: disk,
	}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(config.SessionID),
			Namespace: s.namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			// Sandboxes never resolve through the cluster DNS; they get
			// public resolvers only.
			DNSPolicy: corev1.DNSNone,
			DNSConfig: &corev1.PodDNSConfig{
				Nameservers: []string{"8.8.8.8", "1.1.1.1"},
			},
			SecurityContext: &corev1.PodSecurityContext{
				RunAsUser:    ptr(v1.SandboxUID),
				RunAsGroup:   ptr(v1.SandboxGID),
				FSGroup:      ptr(v1.SandboxGID),
				RunAsNonRoot: ptr(true),
				SeccompProfile: &corev1.SeccompProfile{
					Type: corev1.SeccompProfileTypeRuntimeDefault,
				},
			},
			Containers: []corev1.Container{{
				Name:  "sandbox",
				Image: config.Image,
				Env:   env,
				Ports: []corev1.ContainerPort{{
					Name:          "executor",
					ContainerPort: int32(config.ExecutorPort),
				}},
				Resources: corev1.ResourceRequirements{
					Requests: resources,
					Limits:   resources,
				},
				SecurityContext: &corev1.SecurityContext{
					AllowPrivilegeEscalation: ptr(false),
					Capabilities: &corev1.Capabilities{
						Drop: []corev1.Capability{"ALL"},
						// SYS_ADMIN is required for the FUSE workspace
						// mount performed at container startup.
						Add: []corev1.Capability{"SYS_ADMIN"},
					},
				},
				ReadinessProbe: &corev1.Probe{
					ProbeHandler: corev1.ProbeHandler{
						HTTPGet: &corev1.HTTPGetAction{
							Path: "/healthz",
							Port: intstr.FromInt32(int32(config.ExecutorPort)),
						},
					},
					InitialDelaySeconds: 2,
					PeriodSeconds:       3,
				},
			}},
		},
	}

	created, err := s.client.CoreV1().Pods(s.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating pod for session %s, %w", config.SessionID, err)
	}

	// NodeName and PodIP are empty until the scheduler binds the pod and
	// the kubelet assigns an address; poll for both before reporting.
	bound, err := s.waitForBinding(ctx, created.Name)
	if err != nil {
		return nil, fmt.Errorf("waiting for pod %s to bind, %w", created.Name, err)
	}
	logging.FromContext(ctx).Info("created sandbox pod",
		zap.String("session_id", config.SessionID),
		zap.String("pod", bound.Name),
		zap.String("node", bound.Spec.NodeName),
		zap.String("namespace", s.namespace))

	return &runtime.ContainerInfo{
		ID:        bound.Name,
		NodeID:    bound.Spec.NodeName,
		IP:        bound.Status.PodIP,
		Status:    mapPhase(bound.Status.Phase),
		ShortName: bound.Name,
	}, nil
}

func (s *Scheduler) waitForBinding(ctx context.Context, name string) (*corev1.Pod, error) {
	var bound *corev1.Pod
	err := wait.PollUntilContextTimeout(ctx, bindInterval, bindTimeout, true,
		func(ctx context.Context) (bool, error) {
			pod, err := s.client.CoreV1().Pods(s.namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return false, err
			}
			if pod.Status.Phase == corev1.PodFailed {
				return false, fmt.Errorf("pod failed: %s", pod.Status.Reason)
			}
			if pod.Spec.NodeName == "" || pod.Status.PodIP == "" {
				return false, nil
			}
			bound = pod
			return true, nil
		})
	if err != nil {
		return nil, err
	}
	return bound, nil
}

// DestroyContainer deletes the pod. Deleting a pod that is already gone
// succeeds.
func (s *Scheduler) DestroyContainer(ctx context.Context, containerID string) error {
	err := s.client.CoreV1().Pods(s.namespace).Delete(ctx, containerID, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting pod %s, %w", containerID, err)
	}
	return nil
}

// GetContainerStatus maps the pod phase onto the platform status set.
func (s *Scheduler) GetContainerStatus(ctx context.Context, containerID string) (v1.ContainerStatus, error) {
	pod, err := s.client.CoreV1().Pods(s.namespace).Get(ctx, containerID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", runtime.ErrNotFound
		}
		return "", fmt.Errorf("getting pod %s, %w", containerID, err)
	}
	if pod.DeletionTimestamp != nil {
		return v1.ContainerDeleting, nil
	}
	return mapPhase(pod.Status.Phase), nil
}

// GetContainerLogs returns the tail of the sandbox container's log.
func (s *Scheduler) GetContainerLogs(ctx context.Context, containerID string, tailLines int) (string, error) {
	opts := &corev1.PodLogOptions{Container: "sandbox"}
	if tailLines > 0 {
		opts.TailLines = ptr(int64(tailLines))
	}
	raw, err := s.client.CoreV1().Pods(s.namespace).GetLogs(containerID, opts).DoRaw(ctx)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", runtime.ErrNotFound
		}
		return "", fmt.Errorf("fetching logs for pod %s, %w", containerID, err)
	}
	return string(raw), nil
}

// IsContainerRunning reports liveness; a missing pod is not running.
func (s *Scheduler) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	status, err := s.GetContainerStatus(ctx, containerID)
	if err != nil {
		if err == runtime.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return status == v1.ContainerRunning, nil
}

func podName(sessionID string) string {
	// Session IDs only contain characters valid in pod names.
	return "sandbox-" + strings.ReplaceAll(sessionID, "_", "-")
}

func mapPhase(phase corev1.PodPhase) v1.ContainerStatus {
	switch phase {
	case corev1.PodPending:
		return v1.ContainerCreated
	case corev1.PodRunning:
		return v1.ContainerRunning
	default:
		return v1.ContainerExited
	}
}

func ptr[T any](v T) *T {
	return &v
}
