package apply

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	uns "k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	crclient "sigs.k8s.io/controller-runtime/pkg/client"
)

// ClusterAPI is what the reconciler needs from the cluster. Implementations
// return a *ConflictError for ownership conflicts, the apimachinery NotFound
// error for missing objects, and an *APIError for everything else.
type ClusterAPI interface {
	Apply(ctx context.Context, obj *uns.Unstructured, fieldManager string, force bool) error
	Delete(ctx context.Context, obj *uns.Unstructured) error
	Get(ctx context.Context, obj *uns.Unstructured) (*uns.Unstructured, error)
	List(ctx context.Context, gvk schema.GroupVersionKind, namespace string, selector map[string]string) ([]uns.Unstructured, error)
}

// ManagedFieldsPatcher is implemented by cluster APIs that can rewrite the
// managedFields of an existing object with a JSON patch.
type ManagedFieldsPatcher interface {
	PatchManagedFields(ctx context.Context, obj *uns.Unstructured, fieldManager string, patch []byte) error
}

// KubeClusterAPI is a ClusterAPI on a controller-runtime client.
type KubeClusterAPI struct {
	client crclient.Client
}

var _ ClusterAPI = &KubeClusterAPI{}
var _ ManagedFieldsPatcher = &KubeClusterAPI{}

func NewKubeClusterAPI(client crclient.Client) *KubeClusterAPI {
	return &KubeClusterAPI{client: client}
}

func describe(obj *uns.Unstructured) string {
	return fmt.Sprintf("(%s) %s/%s", obj.GroupVersionKind().String(), obj.GetNamespace(), obj.GetName())
}

func (k *KubeClusterAPI) Apply(ctx context.Context, obj *uns.Unstructured, fieldManager string, force bool) error {
	opts := []crclient.PatchOption{crclient.FieldOwner(fieldManager)}
	if force {
		opts = append(opts, crclient.ForceOwnership)
	}
	// apply patches must not carry a resourceVersion or managedFields
	desired := obj.DeepCopy()
	desired.SetResourceVersion("")
	desired.SetManagedFields(nil)
	return classify(describe(obj), k.client.Patch(ctx, desired, crclient.Apply, opts...))
}

func (k *KubeClusterAPI) Delete(ctx context.Context, obj *uns.Unstructured) error {
	return classify(describe(obj), k.client.Delete(ctx, obj, crclient.PropagationPolicy(metav1.DeletePropagationBackground)))
}

func (k *KubeClusterAPI) Get(ctx context.Context, obj *uns.Unstructured) (*uns.Unstructured, error) {
	existing := &uns.Unstructured{}
	existing.SetGroupVersionKind(obj.GroupVersionKind())
	err := k.client.Get(ctx, types.NamespacedName{Name: obj.GetName(), Namespace: obj.GetNamespace()}, existing)
	if err != nil {
		return nil, classify(describe(obj), err)
	}
	return existing, nil
}

func (k *KubeClusterAPI) List(ctx context.Context, gvk schema.GroupVersionKind, namespace string, selector map[string]string) ([]uns.Unstructured, error) {
	list := &uns.UnstructuredList{}
	list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))
	opts := []crclient.ListOption{crclient.MatchingLabelsSelector{Selector: labels.SelectorFromSet(selector)}}
	if namespace != "" {
		opts = append(opts, crclient.InNamespace(namespace))
	}
	if err := k.client.List(ctx, list, opts...); err != nil {
		return nil, classify(gvk.String(), errors.Wrapf(err, "could not list %s", gvk.Kind))
	}
	return list.Items, nil
}

func (k *KubeClusterAPI) PatchManagedFields(ctx context.Context, obj *uns.Unstructured, fieldManager string, patch []byte) error {
	target := &uns.Unstructured{}
	target.SetGroupVersionKind(obj.GroupVersionKind())
	target.SetName(obj.GetName())
	target.SetNamespace(obj.GetNamespace())
	return classify(describe(obj), k.client.Patch(ctx, target, crclient.RawPatch(types.JSONPatchType, patch), crclient.FieldOwner(fieldManager)))
}
