package apply

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/kubeflow/admission-webhook-operator/pkg/metrics"
	"github.com/kubeflow/admission-webhook-operator/pkg/names"
	"github.com/kubeflow/admission-webhook-operator/pkg/render"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	uns "k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
)

// State is where a resource group is in its apply cycle.
type State int

const (
	NotApplied State = iota
	Applying
	Applied
	ConflictDetected
	ForceApplying
	Failed
)

func (s State) String() string {
	switch s {
	case NotApplied:
		return "NotApplied"
	case Applying:
		return "Applying"
	case Applied:
		return "Applied"
	case ConflictDetected:
		return "ConflictDetected"
	case ForceApplying:
		return "ForceApplying"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// Reconciler applies and deletes rendered resource groups, tracking the state
// of each group.
type Reconciler struct {
	sync.Mutex

	api            ClusterAPI
	fieldManager   string
	legacyManagers sets.Set[string]
	states         map[string]State

	// OnTransition, if set, is called on every state change.
	OnTransition func(group string, from, to State)
}

// NewReconciler returns a reconciler that applies with fieldManager. Fields
// owned by legacyManagers through client-side updates are migrated to
// fieldManager before each apply.
func NewReconciler(api ClusterAPI, fieldManager string, legacyManagers sets.Set[string]) *Reconciler {
	if legacyManagers == nil {
		legacyManagers = sets.New[string]()
	}
	return &Reconciler{
		api:            api,
		fieldManager:   fieldManager,
		legacyManagers: legacyManagers,
		states:         map[string]State{},
	}
}

// State returns the current state of group.
func (r *Reconciler) State(group string) State {
	r.Lock()
	defer r.Unlock()
	return r.states[group]
}

func (r *Reconciler) transition(group string, to State) {
	r.Lock()
	from := r.states[group]
	r.states[group] = to
	hook := r.OnTransition
	r.Unlock()

	klog.V(2).Infof("resource group %s: %s -> %s", group, from, to)
	if hook != nil {
		hook(group, from, to)
	}
}

// Apply renders group and server-side applies every object it produces, in
// order. If rendering fails nothing is applied. On a conflict, the object is
// applied once more with forced ownership if forceConflicts is set; otherwise
// the group fails with the *ConflictError. Any other error fails the group
// with an *APIError.
func (r *Reconciler) Apply(ctx context.Context, group render.ResourceGroup, data render.RenderData, forceConflicts bool) error {
	objs, err := group.Render(data)
	if err != nil {
		r.transition(group.Name, Failed)
		metrics.ApplyTotal.WithLabelValues(group.Name, metrics.ResultFailed).Inc()
		return err
	}

	r.transition(group.Name, Applying)
	forced := false
	for _, obj := range objs {
		objForced, err := r.applyObject(ctx, group.Name, obj, forceConflicts)
		if err != nil {
			r.transition(group.Name, Failed)
			result := metrics.ResultFailed
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				result = metrics.ResultConflict
			}
			metrics.ApplyTotal.WithLabelValues(group.Name, result).Inc()
			return err
		}
		forced = forced || objForced
	}

	r.transition(group.Name, Applied)
	result := metrics.ResultApplied
	if forced {
		result = metrics.ResultForced
	}
	metrics.ApplyTotal.WithLabelValues(group.Name, result).Inc()

	r.logCRDStatus(ctx, objs)
	return nil
}

// applyObject applies one object and reports whether a forced retry was
// needed.
func (r *Reconciler) applyObject(ctx context.Context, group string, obj *uns.Unstructured, forceConflicts bool) (bool, error) {
	objDesc := describe(obj)
	log.Printf("reconciling %s", objDesc)

	if err := r.migrateOwnership(ctx, obj); err != nil {
		return false, asAPIError(objDesc, err)
	}

	err := r.api.Apply(ctx, obj, r.fieldManager, false)
	if err == nil {
		log.Printf("apply of %s was successful", objDesc)
		return false, nil
	}

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		return false, asAPIError(objDesc, err)
	}

	r.transition(group, ConflictDetected)
	if !forceConflicts {
		klog.Errorf("field ownership conflict applying %s, not forcing: %v", objDesc, err)
		return false, err
	}

	klog.Warningf("field ownership conflict applying %s, forcing ownership to %s", objDesc, r.fieldManager)
	r.transition(group, ForceApplying)
	if err := r.api.Apply(ctx, obj, r.fieldManager, true); err != nil {
		if errors.As(err, &conflict) {
			return false, err
		}
		return false, asAPIError(objDesc, err)
	}
	log.Printf("forced apply of %s was successful", objDesc)
	return true, nil
}

func asAPIError(objDesc string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return &APIError{Object: objDesc, Err: err}
}

// Delete renders every group to recover object identities and deletes every
// object, in order. Missing objects count as deleted. Other errors do not stop
// the deletion of the remaining objects and groups; the first one is returned
// once everything was attempted. Deleted groups go back to NotApplied.
func (r *Reconciler) Delete(ctx context.Context, data render.RenderData, groups ...render.ResourceGroup) error {
	var firstErr error
	record := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, group := range groups {
		objs, err := group.Render(data)
		if err != nil {
			klog.Errorf("could not render group %s for deletion: %v", group.Name, err)
			r.transition(group.Name, Failed)
			metrics.DeleteErrors.WithLabelValues(group.Name).Inc()
			record(err)
			continue
		}

		groupFailed := false
		for _, obj := range objs {
			objDesc := describe(obj)
			err := r.api.Delete(ctx, obj)
			switch {
			case err == nil:
				log.Printf("deleted %s", objDesc)
			case apierrors.IsNotFound(err):
				log.Printf("%s already gone", objDesc)
			default:
				klog.Errorf("failed to delete %s: %v", objDesc, err)
				metrics.DeleteErrors.WithLabelValues(group.Name).Inc()
				groupFailed = true
				record(asAPIError(objDesc, err))
			}
		}

		if groupFailed {
			r.transition(group.Name, Failed)
		} else {
			r.transition(group.Name, NotApplied)
		}
	}
	return firstErr
}

// logCRDStatus reads back applied CRDs and logs whether they are established.
func (r *Reconciler) logCRDStatus(ctx context.Context, objs []*uns.Unstructured) {
	for _, obj := range objs {
		if obj.GroupVersionKind().GroupKind() != apiextensionsv1.SchemeGroupVersion.WithKind("CustomResourceDefinition").GroupKind() {
			continue
		}
		live, err := r.api.Get(ctx, obj)
		if err != nil {
			klog.V(2).Infof("could not read back CRD %s: %v", obj.GetName(), err)
			continue
		}
		crd := &apiextensionsv1.CustomResourceDefinition{}
		if err := runtime.DefaultUnstructuredConverter.FromUnstructured(live.Object, crd); err != nil {
			klog.V(2).Infof("could not convert CRD %s: %v", obj.GetName(), err)
			continue
		}
		if crdEstablished(crd) {
			klog.Infof("CRD %s is established", crd.Name)
		} else {
			klog.Infof("CRD %s is not established yet", crd.Name)
		}
	}
}

func crdEstablished(crd *apiextensionsv1.CustomResourceDefinition) bool {
	for _, cond := range crd.Status.Conditions {
		if cond.Type == apiextensionsv1.Established {
			return cond.Status == apiextensionsv1.ConditionTrue
		}
	}
	return false
}

// Orphans lists objects carrying the managed-by label for fieldManager that
// the groups no longer render, within the kinds and namespaces the groups
// use. They are reported, never deleted: another instance may own them.
func (r *Reconciler) Orphans(ctx context.Context, data render.RenderData, groups ...render.ResourceGroup) ([]string, error) {
	type scope struct {
		gvk       schema.GroupVersionKind
		namespace string
	}
	rendered := sets.New[string]()
	scopes := []scope{}
	seen := map[scope]bool{}
	for _, group := range groups {
		objs, err := group.Render(data)
		if err != nil {
			return nil, err
		}
		for _, obj := range objs {
			rendered.Insert(describe(obj))
			s := scope{gvk: obj.GroupVersionKind(), namespace: obj.GetNamespace()}
			if !seen[s] {
				seen[s] = true
				scopes = append(scopes, s)
			}
		}
	}

	orphans := []string{}
	selector := map[string]string{names.ManagedByLabel: r.fieldManager}
	for _, s := range scopes {
		live, err := r.api.List(ctx, s.gvk, s.namespace, selector)
		if err != nil {
			return nil, err
		}
		for i := range live {
			if desc := describe(&live[i]); !rendered.Has(desc) {
				orphans = append(orphans, desc)
			}
		}
	}
	return orphans, nil
}
