// ABOUTME: Mock cluster inventory for local testing and development.
// ABOUTME: Provides a realistic mix of hardened and misconfigured pods without cluster access.

package mock

import (
	"context"

	"github.com/jfeddern/KubeScan/internal/types"
	"github.com/sirupsen/logrus"
)

// InventorySource implements the inventory source with mock data
type InventorySource struct {
	logger *logrus.Logger
}

// NewInventorySource creates a new mock inventory source
func NewInventorySource(logger *logrus.Logger) *InventorySource {
	return &InventorySource{
		logger: logger,
	}
}

// Name returns the name of this inventory source
func (m *InventorySource) Name() string {
	return "mock"
}

func boolPtr(b bool) *bool {
	return &b
}

// ListTargets returns mock pods simulating a Kubernetes cluster.
// Every call returns a fresh copy of the same inventory.
func (m *InventorySource) ListTargets(ctx context.Context) ([]types.ScanTarget, error) {
	m.logger.Info("Listing mock pods from simulated cluster")

	limits := func() map[string]string {
		return map[string]string{"cpu": "500m", "memory": "256Mi"}
	}

	targets := []types.ScanTarget{
		{
			Namespace:    "production",
			Name:         "web-frontend-7d9f8c6b5-x2k4p",
			RunAsNonRoot: boolPtr(true),
			Containers: []types.ContainerSpec{{
				Name:                     "web",
				Image:                    "registry.example.com/web-frontend:v1.2.3",
				Limits:                   limits(),
				ReadOnlyRootFilesystem:   boolPtr(true),
				AllowPrivilegeEscalation: boolPtr(false),
			}},
		},
		{
			Namespace: "production",
			Name:      "api-backend-5c8d7f9b4-m7n2q",
			Containers: []types.ContainerSpec{{
				Name:   "api",
				Image:  "registry.example.com/api-backend:v2.1.0",
				Limits: limits(),
			}},
		},
		{
			Namespace: "production",
			Name:      "postgres-db-0",
			Containers: []types.ContainerSpec{{
				Name:  "postgres",
				Image: "postgres:14.9",
			}},
		},
		{
			Namespace: "production",
			Name:      "worker-service-6b7c8d9f5-p3r8t",
			Containers: []types.ContainerSpec{{
				Name:                     "worker",
				Image:                    "registry.example.com/worker-service:latest",
				AllowPrivilegeEscalation: boolPtr(true),
			}},
		},
		{
			Namespace:   "kube-system",
			Name:        "node-exporter-h8k2l",
			HostNetwork: true,
			HostPID:     true,
			HostPaths:   []string{"/proc", "/sys"},
			Containers: []types.ContainerSpec{{
				Name:                   "node-exporter",
				Image:                  "quay.io/prometheus/node-exporter:v1.6.1",
				Limits:                 limits(),
				ReadOnlyRootFilesystem: boolPtr(true),
			}},
		},
		{
			Namespace: "kube-system",
			Name:      "cni-agent-9xq7w",
			HostPaths: []string{"/var/run/containerd", "/opt/cni/bin"},
			Containers: []types.ContainerSpec{{
				Name:            "agent",
				Image:           "registry.example.com/cni-agent:3.4.1",
				Privileged:      boolPtr(true),
				CapabilitiesAdd: []string{"NET_ADMIN", "SYS_ADMIN"},
				Limits:          limits(),
			}},
		},
		{
			Namespace:    "ingress-system",
			Name:         "nginx-proxy-84f6d7c9b-z5v1m",
			RunAsNonRoot: boolPtr(true),
			Containers: []types.ContainerSpec{{
				Name:                   "nginx",
				Image:                  "nginx:1.21.6",
				Limits:                 limits(),
				ReadOnlyRootFilesystem: boolPtr(true),
				CapabilitiesAdd:        []string{"NET_BIND_SERVICE"},
			}},
		},
		{
			Namespace:    "monitoring",
			Name:         "monitoring-agent-4t6y8",
			RunAsNonRoot: boolPtr(true),
			Containers: []types.ContainerSpec{
				{
					Name:   "agent",
					Image:  "registry.example.com/monitoring-agent:v3.4.1",
					Limits: limits(),
				},
				{
					Name:         "config-reloader",
					Image:        "registry.example.com/config-reloader:v0.9.0",
					RunAsNonRoot: boolPtr(false),
				},
			},
		},
		{
			Namespace: "staging",
			Name:      "python-api-dev-abc123",
			HostIPC:   true,
			Containers: []types.ContainerSpec{{
				Name:       "python",
				Image:      "registry.example.com/python-api",
				Privileged: boolPtr(true),
			}},
		},
		{
			Namespace:    "legacy",
			Name:         "legacy-app-0",
			RunAsNonRoot: boolPtr(true),
			HostPaths:    []string{"/"},
			Containers: []types.ContainerSpec{{
				Name:                   "app",
				Image:                  "registry.example.com/legacy-app@sha256:4f53cda18c2baa0c0354bb5f9a3ecbe5ed12ab4d8e11ba873c2f11161202b945",
				Limits:                 limits(),
				ReadOnlyRootFilesystem: boolPtr(true),
			}},
		},
	}

	m.logger.WithField("target_count", len(targets)).Info("Mock inventory completed")
	return targets, nil
}
