package kube

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

func TestParseGroupVersion(t *testing.T) {
	tests := []struct {
		in   string
		want schema.GroupVersion
	}{
		{"v1", schema.GroupVersion{Version: "v1"}},
		{"apps/v1", schema.GroupVersion{Group: "apps", Version: "v1"}},
		{"networking.k8s.io/v1", schema.GroupVersion{Group: "networking.k8s.io", Version: "v1"}},
		{"a/b/c", schema.GroupVersion{Group: "a", Version: "b/c"}},
		{"", schema.GroupVersion{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseGroupVersion(tt.in))
		})
	}
}

func TestResourceType(t *testing.T) {
	tests := map[string]string{
		"Pod":                     "pods",
		"Ingress":                 "ingresses",
		"NetworkPolicy":           "networkpolicies",
		"StorageClass":            "storageclasses",
		"HorizontalPodAutoscaler": "horizontalpodautoscalers",
		"Endpoints":               "endpoints",
		"Widget":                  "widgets",
	}
	for kind, want := range tests {
		assert.Equal(t, want, ResourceType(kind), kind)
	}
}

func TestIsNamespaced(t *testing.T) {
	for _, kind := range []string{"Namespace", "Node", "PersistentVolume", "ClusterRole", "ClusterRoleBinding", "StorageClass", "CustomResourceDefinition"} {
		assert.False(t, IsNamespaced(kind), kind)
	}
	for _, kind := range []string{"Pod", "Deployment", "Secret", "Role"} {
		assert.True(t, IsNamespaced(kind), kind)
	}
}

func TestDescribe_Paths(t *testing.T) {
	tests := []struct {
		name           string
		obj            map[string]any
		wantCollection string
		wantItem       string
	}{
		{
			name: "pod defaults namespace",
			obj: map[string]any{
				"apiVersion": "v1",
				"kind":       "Pod",
				"metadata":   map[string]any{"name": "web"},
			},
			wantCollection: "/api/v1/namespaces/default/pods",
			wantItem:       "/api/v1/namespaces/default/pods/web",
		},
		{
			name: "missing apiVersion is core v1",
			obj: map[string]any{
				"kind":     "ConfigMap",
				"metadata": map[string]any{"name": "cfg", "namespace": "ops"},
			},
			wantCollection: "/api/v1/namespaces/ops/configmaps",
			wantItem:       "/api/v1/namespaces/ops/configmaps/cfg",
		},
		{
			name: "grouped deployment",
			obj: map[string]any{
				"apiVersion": "apps/v1",
				"kind":       "Deployment",
				"metadata":   map[string]any{"name": "api", "namespace": "prod"},
			},
			wantCollection: "/apis/apps/v1/namespaces/prod/deployments",
			wantItem:       "/apis/apps/v1/namespaces/prod/deployments/api",
		},
		{
			name: "cluster scoped namespace",
			obj: map[string]any{
				"apiVersion": "v1",
				"kind":       "Namespace",
				"metadata":   map[string]any{"name": "team-a"},
			},
			wantCollection: "/api/v1/namespaces",
			wantItem:       "/api/v1/namespaces/team-a",
		},
		{
			name: "cluster scoped ignores namespace field",
			obj: map[string]any{
				"apiVersion": "rbac.authorization.k8s.io/v1",
				"kind":       "ClusterRole",
				"metadata":   map[string]any{"name": "reader", "namespace": "ignored"},
			},
			wantCollection: "/apis/rbac.authorization.k8s.io/v1/clusterroles",
			wantItem:       "/apis/rbac.authorization.k8s.io/v1/clusterroles/reader",
		},
		{
			name: "irregular plural in group",
			obj: map[string]any{
				"apiVersion": "networking.k8s.io/v1",
				"kind":       "Ingress",
				"metadata":   map[string]any{"name": "edge", "namespace": "web"},
			},
			wantCollection: "/apis/networking.k8s.io/v1/namespaces/web/ingresses",
			wantItem:       "/apis/networking.k8s.io/v1/namespaces/web/ingresses/edge",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Describe(tt.obj)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCollection, d.CollectionPath())
			assert.Equal(t, tt.wantItem, d.ItemPath())
			assert.NotEmpty(t, d.Body)
		})
	}
}

func TestDescribe_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		obj  map[string]any
		want error
	}{
		{"no kind", map[string]any{"metadata": map[string]any{"name": "x"}}, ErrMissingKind},
		{"no metadata", map[string]any{"kind": "Pod"}, ErrMissingMetadata},
		{"metadata not object", map[string]any{"kind": "Pod", "metadata": "x"}, ErrMissingMetadata},
		{"no name", map[string]any{"kind": "Pod", "metadata": map[string]any{"namespace": "a"}}, ErrMissingName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Describe(tt.obj)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDescriptorString(t *testing.T) {
	pod, err := Describe(map[string]any{"kind": "Pod", "metadata": map[string]any{"name": "web"}})
	require.NoError(t, err)
	assert.Equal(t, "Pod default/web", pod.String())

	ns, err := Describe(map[string]any{"kind": "Namespace", "metadata": map[string]any{"name": "a"}})
	require.NoError(t, err)
	assert.Equal(t, "Namespace a", ns.String())
}
