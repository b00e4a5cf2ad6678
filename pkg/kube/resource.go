package kube

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// DefaultNamespace is used for namespaced resources that do not name one
const DefaultNamespace = "default"

var (
	ErrMissingKind     = errors.New("kind is required")
	ErrMissingMetadata = errors.New("metadata is required")
	ErrMissingName     = errors.New("metadata.name is required")
)

// irregular plurals and the common built-in kinds
var resourceTypes = map[string]string{
	"service":                 "services",
	"deployment":              "deployments",
	"pod":                     "pods",
	"configmap":               "configmaps",
	"secret":                  "secrets",
	"ingress":                 "ingresses",
	"namespace":               "namespaces",
	"persistentvolumeclaim":   "persistentvolumeclaims",
	"persistentvolume":        "persistentvolumes",
	"serviceaccount":          "serviceaccounts",
	"daemonset":               "daemonsets",
	"statefulset":             "statefulsets",
	"job":                     "jobs",
	"cronjob":                 "cronjobs",
	"horizontalpodautoscaler": "horizontalpodautoscalers",
	"networkpolicy":           "networkpolicies",
	"storageclass":            "storageclasses",
	"ingressclass":            "ingressclasses",
	"endpoints":               "endpoints",
}

var clusterScoped = map[string]bool{
	"Namespace":                true,
	"Node":                     true,
	"PersistentVolume":         true,
	"ClusterRole":              true,
	"ClusterRoleBinding":       true,
	"StorageClass":             true,
	"CustomResourceDefinition": true,
}

// ParseGroupVersion parses an apiVersion. A bare version belongs to the core
// group; values with more than one slash split on the first one.
func ParseGroupVersion(apiVersion string) schema.GroupVersion {
	if gv, err := schema.ParseGroupVersion(apiVersion); err == nil {
		return gv
	}
	group, version, _ := strings.Cut(apiVersion, "/")
	return schema.GroupVersion{Group: group, Version: version}
}

// ResourceType returns the lowercase plural used in API paths for kind
func ResourceType(kind string) string {
	lower := strings.ToLower(kind)
	if plural, ok := resourceTypes[lower]; ok {
		return plural
	}
	return lower + "s"
}

// IsNamespaced reports whether kind lives inside a namespace
func IsNamespaced(kind string) bool {
	return !clusterScoped[kind]
}

// ResourceDescriptor addresses one manifest on the cluster API
type ResourceDescriptor struct {
	GroupVersion schema.GroupVersion
	Kind         string
	ResourceType string
	Namespace    string
	Name         string
	Body         []byte
}

// Describe validates a manifest and derives where it lives on the API server
func Describe(obj map[string]any) (*ResourceDescriptor, error) {
	kind, _, _ := unstructured.NestedString(obj, "kind")
	if kind == "" {
		return nil, ErrMissingKind
	}

	metadata, found, err := unstructured.NestedMap(obj, "metadata")
	if err != nil || !found {
		return nil, ErrMissingMetadata
	}

	name, _, _ := unstructured.NestedString(metadata, "name")
	if name == "" {
		return nil, ErrMissingName
	}

	apiVersion, _, _ := unstructured.NestedString(obj, "apiVersion")
	if apiVersion == "" {
		apiVersion = "v1"
	}

	namespace := ""
	if IsNamespaced(kind) {
		namespace, _, _ = unstructured.NestedString(metadata, "namespace")
		if namespace == "" {
			namespace = DefaultNamespace
		}
	}

	body, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}

	return &ResourceDescriptor{
		GroupVersion: ParseGroupVersion(apiVersion),
		Kind:         kind,
		ResourceType: ResourceType(kind),
		Namespace:    namespace,
		Name:         name,
		Body:         body,
	}, nil
}

// Namespaced reports whether the descriptor's paths carry a namespace segment
func (d *ResourceDescriptor) Namespaced() bool {
	return d.Namespace != ""
}

// CollectionPath is the path resources of this type are created under
func (d *ResourceDescriptor) CollectionPath() string {
	var b strings.Builder
	if d.GroupVersion.Group == "" {
		b.WriteString("/api/")
		b.WriteString(d.GroupVersion.Version)
	} else {
		b.WriteString("/apis/")
		b.WriteString(d.GroupVersion.Group)
		b.WriteString("/")
		b.WriteString(d.GroupVersion.Version)
	}
	if d.Namespaced() {
		b.WriteString("/namespaces/")
		b.WriteString(d.Namespace)
	}
	b.WriteString("/")
	b.WriteString(d.ResourceType)
	return b.String()
}

// ItemPath is the path of this specific resource
func (d *ResourceDescriptor) ItemPath() string {
	return d.CollectionPath() + "/" + d.Name
}

// String identifies the resource in logs
func (d *ResourceDescriptor) String() string {
	if d.Namespaced() {
		return fmt.Sprintf("%s %s/%s", d.Kind, d.Namespace, d.Name)
	}
	return fmt.Sprintf("%s %s", d.Kind, d.Name)
}
