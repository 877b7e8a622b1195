package apply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/pkg/errors"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	uns "k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
	"sigs.k8s.io/structured-merge-diff/v4/fieldpath"
)

// DefaultLegacyManagers are client-side managers whose fields are handed to the
// apply manager before it first applies an object. Without this, fields set by
// an earlier `kubectl apply` or `kubectl create` conflict with server-side apply.
var DefaultLegacyManagers = sets.New[string](
	"kubectl-client-side-apply",
	"kubectl-create",
)

// migrateOwnership folds the legacy Update managers of the live object into the
// apply manager. Missing objects and cluster APIs that cannot patch
// managedFields are skipped.
func (r *Reconciler) migrateOwnership(ctx context.Context, obj *uns.Unstructured) error {
	patcher, ok := r.api.(ManagedFieldsPatcher)
	if !ok || r.legacyManagers.Len() == 0 {
		return nil
	}

	existing, err := r.api.Get(ctx, obj)
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	patch, err := managedFieldsPatch(existing, r.legacyManagers, r.fieldManager)
	if err != nil {
		return &APIError{Object: describe(obj), Err: err}
	}
	if patch == nil {
		return nil
	}
	klog.Infof("Migrating field ownership of %s to %s", describe(obj), r.fieldManager)
	return patcher.PatchManagedFields(ctx, obj, r.fieldManager, patch)
}

// managedFieldsPatch returns a JSON patch replacing the managedFields of obj
// with legacy Update managers folded into applyManager, or nil if there is
// nothing to change. The patch also replaces resourceVersion so a concurrent
// change makes it fail with a conflict instead of clobbering managedFields.
func managedFieldsPatch(obj *uns.Unstructured, legacy sets.Set[string], applyManager string) ([]byte, error) {
	current := obj.GetManagedFields()
	folded := current
	for _, manager := range sets.List(legacy) {
		var err error
		folded, err = foldManager(folded, manager, applyManager)
		if err != nil {
			return nil, err
		}
	}

	if reflect.DeepEqual(current, folded) {
		return nil, nil
	}

	return json.Marshal([]map[string]interface{}{
		{
			"op":    "replace",
			"path":  "/metadata/managedFields",
			"value": folded,
		},
		{
			"op":    "replace",
			"path":  "/metadata/resourceVersion",
			"value": obj.GetResourceVersion(),
		},
	})
}

func isLegacyEntry(entry metav1.ManagedFieldsEntry, manager string) bool {
	return entry.Manager == manager &&
		entry.Operation == metav1.ManagedFieldsOperationUpdate &&
		entry.Subresource == ""
}

// foldManager returns a copy of entries where the fields owned by the Update
// manager legacy are owned by the Apply manager applyManager instead. If the
// apply manager has no entry yet, the most recent legacy entry becomes it.
// Only legacy entries of the same API version as the apply entry are merged;
// all legacy entries are dropped.
func foldManager(entries []metav1.ManagedFieldsEntry, legacy, applyManager string) ([]metav1.ManagedFieldsEntry, error) {
	if entries == nil {
		return nil, nil
	}
	out := make([]metav1.ManagedFieldsEntry, len(entries))
	copy(out, entries)

	hasLegacy := false
	for _, entry := range out {
		hasLegacy = hasLegacy || isLegacyEntry(entry, legacy)
	}
	if !hasLegacy {
		return out, nil
	}

	target := -1
	for i, entry := range out {
		if entry.Manager == applyManager && entry.Operation == metav1.ManagedFieldsOperationApply && entry.Subresource == "" {
			target = i
			break
		}
	}
	if target < 0 {
		// managedFields are sorted most recent first
		for i, entry := range out {
			if isLegacyEntry(entry, legacy) {
				target = i
				break
			}
		}
		out[target].Manager = applyManager
		out[target].Operation = metav1.ManagedFieldsOperationApply
	}

	fields, err := decodeFieldSet(out[target])
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode fields of %s", out[target].Manager)
	}
	for _, entry := range out {
		if !isLegacyEntry(entry, legacy) || entry.APIVersion != out[target].APIVersion {
			continue
		}
		legacyFields, err := decodeFieldSet(entry)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode fields of %s", legacy)
		}
		fields = fields.Union(legacyFields)
		// only the most recent one
		break
	}
	raw, err := fields.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode field set: %w", err)
	}
	out[target].FieldsV1 = &metav1.FieldsV1{Raw: raw}

	kept := make([]metav1.ManagedFieldsEntry, 0, len(out))
	for _, entry := range out {
		if !isLegacyEntry(entry, legacy) {
			kept = append(kept, entry)
		}
	}
	return kept, nil
}

func decodeFieldSet(entry metav1.ManagedFieldsEntry) (*fieldpath.Set, error) {
	s := &fieldpath.Set{}
	if entry.FieldsV1 == nil {
		return s, nil
	}
	if err := s.FromJSON(bytes.NewReader(entry.FieldsV1.Raw)); err != nil {
		return nil, err
	}
	return s, nil
}
