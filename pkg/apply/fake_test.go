package apply

import (
	"context"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	uns "k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

type applyCall struct {
	Key   string
	Force bool
}

// fakeClusterAPI records calls and answers them from per-object error queues.
type fakeClusterAPI struct {
	applies []applyCall
	deletes []string
	objects map[string]*uns.Unstructured

	// applyErrs and deleteErrs are consumed front to back per object key.
	applyErrs  map[string][]error
	deleteErrs map[string]error
}

func newFakeClusterAPI() *fakeClusterAPI {
	return &fakeClusterAPI{
		objects:    map[string]*uns.Unstructured{},
		applyErrs:  map[string][]error{},
		deleteErrs: map[string]error{},
	}
}

func key(obj *uns.Unstructured) string {
	return obj.GetKind() + "/" + obj.GetNamespace() + "/" + obj.GetName()
}

func (f *fakeClusterAPI) Apply(_ context.Context, obj *uns.Unstructured, _ string, force bool) error {
	k := key(obj)
	f.applies = append(f.applies, applyCall{Key: k, Force: force})
	if errs := f.applyErrs[k]; len(errs) > 0 {
		f.applyErrs[k] = errs[1:]
		if errs[0] != nil {
			return errs[0]
		}
	}
	f.objects[k] = obj.DeepCopy()
	return nil
}

func (f *fakeClusterAPI) Delete(_ context.Context, obj *uns.Unstructured) error {
	k := key(obj)
	f.deletes = append(f.deletes, k)
	if err := f.deleteErrs[k]; err != nil {
		return err
	}
	if _, ok := f.objects[k]; !ok {
		return apierrors.NewNotFound(schema.GroupResource{Resource: obj.GetKind()}, obj.GetName())
	}
	delete(f.objects, k)
	return nil
}

func (f *fakeClusterAPI) Get(_ context.Context, obj *uns.Unstructured) (*uns.Unstructured, error) {
	existing, ok := f.objects[key(obj)]
	if !ok {
		return nil, apierrors.NewNotFound(schema.GroupResource{Resource: obj.GetKind()}, obj.GetName())
	}
	return existing.DeepCopy(), nil
}

func (f *fakeClusterAPI) List(_ context.Context, gvk schema.GroupVersionKind, namespace string, selector map[string]string) ([]uns.Unstructured, error) {
	out := []uns.Unstructured{}
	for _, obj := range f.objects {
		if obj.GroupVersionKind() != gvk || (namespace != "" && obj.GetNamespace() != namespace) {
			continue
		}
		if !labels.SelectorFromSet(selector).Matches(labels.Set(obj.GetLabels())) {
			continue
		}
		out = append(out, *obj.DeepCopy())
	}
	return out, nil
}
