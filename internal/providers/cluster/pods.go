// ABOUTME: Kubernetes inventory source listing pods as scan targets.
// ABOUTME: Converts pod specs into immutable target snapshots using the Kubernetes API.

package cluster

import (
	"context"
	"fmt"

	"github.com/jfeddern/KubeScan/internal/types"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// listPageSize bounds the number of pods fetched per API call
const listPageSize = 500

// PodSource implements the inventory source for a Kubernetes cluster
type PodSource struct {
	clientset kubernetes.Interface
	namespace string // empty means all namespaces
	logger    *logrus.Logger
}

// NewPodSource creates a pod inventory source from in-cluster config or the local kubeconfig
func NewPodSource(namespace string, logger *logrus.Logger) (*PodSource, error) {
	var config *rest.Config
	var err error

	// Try in-cluster config first (for pod deployment)
	config, err = rest.InClusterConfig()
	if err != nil {
		// Fallback to kubeconfig (for local development)
		logger.Info("In-cluster config not available, trying kubeconfig")
		config, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to build kubernetes config: %v", types.ErrConnectivity, err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create kubernetes clientset: %v", types.ErrConnectivity, err)
	}

	logger.WithField("host", config.Host).Info("Created Kubernetes client")
	return NewPodSourceForClient(clientset, namespace, logger), nil
}

// NewPodSourceForClient creates a pod inventory source around an existing client
func NewPodSourceForClient(clientset kubernetes.Interface, namespace string, logger *logrus.Logger) *PodSource {
	return &PodSource{
		clientset: clientset,
		namespace: namespace,
		logger:    logger,
	}
}

// Name returns the source name
func (p *PodSource) Name() string {
	return "kubernetes"
}

// ListTargets lists every pod in the configured namespace scope
func (p *PodSource) ListTargets(ctx context.Context) ([]types.ScanTarget, error) {
	logger := p.logger.WithFields(logrus.Fields{
		"operation": "list_targets",
		"namespace": p.namespace,
	})

	var targets []types.ScanTarget
	opts := metav1.ListOptions{Limit: listPageSize}
	for {
		pods, err := p.clientset.CoreV1().Pods(p.namespace).List(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to list pods: %v", types.ErrConnectivity, err)
		}
		for i := range pods.Items {
			targets = append(targets, PodToTarget(&pods.Items[i]))
		}
		if pods.Continue == "" {
			break
		}
		opts.Continue = pods.Continue
	}

	logger.WithField("target_count", len(targets)).Info("Pod inventory completed")
	return targets, nil
}

// PodToTarget snapshots the security-relevant parts of a pod
func PodToTarget(pod *corev1.Pod) types.ScanTarget {
	target := types.ScanTarget{
		Namespace:   pod.Namespace,
		Name:        pod.Name,
		HostNetwork: pod.Spec.HostNetwork,
		HostPID:     pod.Spec.HostPID,
		HostIPC:     pod.Spec.HostIPC,
	}

	if sc := pod.Spec.SecurityContext; sc != nil {
		target.RunAsNonRoot = copyBool(sc.RunAsNonRoot)
	}

	for _, volume := range pod.Spec.Volumes {
		if volume.HostPath != nil {
			target.HostPaths = append(target.HostPaths, volume.HostPath.Path)
		}
	}

	// Init containers run with the same privileges as the main containers
	for _, container := range pod.Spec.InitContainers {
		target.Containers = append(target.Containers, containerToSpec(container))
	}
	for _, container := range pod.Spec.Containers {
		target.Containers = append(target.Containers, containerToSpec(container))
	}

	return target
}

func containerToSpec(container corev1.Container) types.ContainerSpec {
	spec := types.ContainerSpec{
		Name:  container.Name,
		Image: container.Image,
	}

	if len(container.Resources.Limits) > 0 {
		spec.Limits = make(map[string]string, len(container.Resources.Limits))
		for name, quantity := range container.Resources.Limits {
			spec.Limits[string(name)] = quantity.String()
		}
	}

	if sc := container.SecurityContext; sc != nil {
		spec.Privileged = copyBool(sc.Privileged)
		spec.AllowPrivilegeEscalation = copyBool(sc.AllowPrivilegeEscalation)
		spec.ReadOnlyRootFilesystem = copyBool(sc.ReadOnlyRootFilesystem)
		spec.RunAsNonRoot = copyBool(sc.RunAsNonRoot)
		if sc.Capabilities != nil {
			for _, capability := range sc.Capabilities.Add {
				spec.CapabilitiesAdd = append(spec.CapabilitiesAdd, string(capability))
			}
		}
	}

	return spec
}

func copyBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
