package apply

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/kubeflow/admission-webhook-operator/pkg/names"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	uns "k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"
)

const (
	legacyManager = "kubectl-client-side-apply"
	applyOp       = "Apply"
	updateOp      = "Update"
)

// svcFields owns the port entries of a Service.
const svcPortFields = `
      f:spec:
        f:ports:
          k:{"port":4443,"protocol":"TCP"}:
            .: {}
            f:port: {}
            f:protocol: {}`

const svcSelectorFields = `
      f:spec:
        f:selector:
          .: {}
          f:app.kubernetes.io/name: {}`

const svcAllFields = `
      f:spec:
        f:ports:
          k:{"port":4443,"protocol":"TCP"}:
            .: {}
            f:port: {}
            f:protocol: {}
        f:selector:
          .: {}
          f:app.kubernetes.io/name: {}`

func managedEntry(manager, op, fields string) string {
	return fmt.Sprintf(`
  - apiVersion: v1
    fieldsType: FieldsV1
    fieldsV1:%s
    manager: %s
    operation: %s
    time: "2024-03-27T13:11:13Z"`, fields, manager, op)
}

func serviceWithManagers(t *testing.T, entries ...string) *uns.Unstructured {
	data := `
apiVersion: v1
kind: Service
metadata:
  name: admission-webhook
  namespace: kubeflow
  resourceVersion: "42"
  managedFields:`
	for _, e := range entries {
		data += e
	}
	data += `
spec:
  selector:
    app.kubernetes.io/name: admission-webhook
  ports:
  - port: 4443
    protocol: TCP
`
	obj := &uns.Unstructured{Object: map[string]interface{}{}}
	if err := yaml.Unmarshal([]byte(data), &obj.Object); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	return obj
}

func fieldSetOf(t *testing.T, entry metav1.ManagedFieldsEntry) string {
	s, err := decodeFieldSet(entry)
	if err != nil {
		t.Fatalf("failed to decode fields: %v", err)
	}
	return s.String()
}

func TestFoldManager(t *testing.T) {
	tests := []struct {
		name   string
		input  *uns.Unstructured
		output *uns.Unstructured
	}{
		{
			"legacy manager becomes the apply manager",
			serviceWithManagers(t, managedEntry(legacyManager, updateOp, svcAllFields)),
			serviceWithManagers(t, managedEntry(names.FieldManager, applyOp, svcAllFields)),
		},
		{
			"legacy manager is merged into an existing apply manager",
			serviceWithManagers(t,
				managedEntry(legacyManager, updateOp, svcSelectorFields),
				managedEntry(names.FieldManager, applyOp, svcPortFields)),
			serviceWithManagers(t, managedEntry(names.FieldManager, applyOp, svcAllFields)),
		},
		{
			"other managers are left alone",
			serviceWithManagers(t,
				managedEntry("someone-else", updateOp, svcSelectorFields),
				managedEntry(names.FieldManager, applyOp, svcPortFields)),
			serviceWithManagers(t,
				managedEntry("someone-else", updateOp, svcSelectorFields),
				managedEntry(names.FieldManager, applyOp, svcPortFields)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGomegaWithT(t)

			folded, err := foldManager(tt.input.GetManagedFields(), legacyManager, names.FieldManager)
			g.Expect(err).NotTo(HaveOccurred())

			expected := tt.output.GetManagedFields()
			g.Expect(folded).To(HaveLen(len(expected)))
			for i := range expected {
				g.Expect(folded[i].Manager).To(Equal(expected[i].Manager))
				g.Expect(folded[i].Operation).To(Equal(expected[i].Operation))
				g.Expect(fieldSetOf(t, folded[i])).To(Equal(fieldSetOf(t, expected[i])))
			}

			// the input is not modified
			g.Expect(tt.input.GetManagedFields()[0].Manager).NotTo(Equal(names.FieldManager))
		})
	}
}

func TestManagedFieldsPatch(t *testing.T) {
	g := NewGomegaWithT(t)

	// nothing to migrate
	clean := serviceWithManagers(t, managedEntry(names.FieldManager, applyOp, svcAllFields))
	patch, err := managedFieldsPatch(clean, DefaultLegacyManagers, names.FieldManager)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(patch).To(BeNil())

	legacy := serviceWithManagers(t, managedEntry(legacyManager, updateOp, svcAllFields))
	patch, err = managedFieldsPatch(legacy, DefaultLegacyManagers, names.FieldManager)
	g.Expect(err).NotTo(HaveOccurred())

	ops := []map[string]interface{}{}
	g.Expect(json.Unmarshal(patch, &ops)).To(Succeed())
	g.Expect(ops).To(HaveLen(2))
	g.Expect(ops[0]).To(HaveKeyWithValue("path", "/metadata/managedFields"))
	g.Expect(ops[1]).To(HaveKeyWithValue("path", "/metadata/resourceVersion"))
	g.Expect(ops[1]).To(HaveKeyWithValue("value", "42"))

	entries := ops[0]["value"].([]interface{})
	g.Expect(entries).To(HaveLen(1))
	g.Expect(entries[0]).To(HaveKeyWithValue("manager", names.FieldManager))
	g.Expect(entries[0]).To(HaveKeyWithValue("operation", applyOp))
}

// patchingClusterAPI is a fakeClusterAPI that can patch managedFields.
type patchingClusterAPI struct {
	*fakeClusterAPI
	patches [][]byte
}

func (p *patchingClusterAPI) PatchManagedFields(_ context.Context, obj *uns.Unstructured, _ string, patch []byte) error {
	p.patches = append(p.patches, patch)
	return nil
}

func TestApplyMigratesLegacyOwnership(t *testing.T) {
	g := NewGomegaWithT(t)
	api := &patchingClusterAPI{fakeClusterAPI: newFakeClusterAPI()}
	api.objects[svcKey] = serviceWithManagers(t, managedEntry(legacyManager, updateOp, svcAllFields))
	r := NewReconciler(api, names.FieldManager, sets.New[string](legacyManager))

	g.Expect(r.Apply(context.TODO(), webhookGroup, testData(), false)).To(Succeed())

	// only the existing Service carried a legacy manager
	g.Expect(api.patches).To(HaveLen(1))
	g.Expect(api.applies).To(HaveLen(2))
}
