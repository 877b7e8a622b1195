package render

import (
	"errors"
	"testing"
	"testing/fstest"

	. "github.com/onsi/gomega"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

var testFS = fstest.MapFS{
	"multi.yaml": {Data: []byte(`
apiVersion: v1
kind: ConfigMap
metadata:
  name: {{ .Name }}-a
  namespace: {{ .Namespace }}
---
apiVersion: v1
kind: ConfigMap
metadata:
  name: {{ .Name }}-b
  namespace: {{ .Namespace }}
data:
  upper: {{ .Name | upper }}
  fallback: {{ getOr . "Missing" "dflt" }}
`)},
	"single.yaml": {Data: []byte(`
apiVersion: v1
kind: Service
metadata:
  name: {{ .Name }}
spec:
  ports:
  - port: {{ .Port }}
`)},
	"empty.yaml":      {Data: []byte("{{ if false }}kind: Nope{{ end }}\n")},
	"undefined.yaml":  {Data: []byte("kind: ConfigMap\nmetadata:\n  name: {{ .Nope }}\n")},
	"badparse.yaml":   {Data: []byte("kind: ConfigMap\nmetadata:\n  name: {{ .Name \n")},
	"badyaml.yaml":    {Data: []byte("kind: ConfigMap\nmetadata: [\n")},
	"nokind.yaml":     {Data: []byte("apiVersion: v1\nmetadata:\n  name: x\n")},
	"nometadata.yaml": {Data: []byte("apiVersion: v1\nkind: ConfigMap\n")},
}

func testData() RenderData {
	d := MakeRenderData()
	d.Data["Name"] = "foo"
	d.Data["Namespace"] = "ns"
	d.Data["Port"] = 4443
	return d
}

func TestRenderTemplateMultipleDocuments(t *testing.T) {
	g := NewGomegaWithT(t)

	objs, err := RenderTemplate(testFS, "multi.yaml", testData())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(objs).To(HaveLen(2))
	g.Expect(objs[0].GetName()).To(Equal("foo-a"))
	g.Expect(objs[1].GetName()).To(Equal("foo-b"))
	g.Expect(objs[1].GetNamespace()).To(Equal("ns"))

	data := objs[1].Object["data"].(map[string]interface{})
	g.Expect(data["upper"]).To(Equal("FOO"))
	g.Expect(data["fallback"]).To(Equal("dflt"))
}

func TestRenderTemplateEmpty(t *testing.T) {
	g := NewGomegaWithT(t)

	objs, err := RenderTemplate(testFS, "empty.yaml", testData())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(objs).To(BeEmpty())
}

func TestGroupObjectsOrder(t *testing.T) {
	g := NewGomegaWithT(t)
	group := ResourceGroup{Name: "test", FS: testFS, Templates: []string{"single.yaml", "empty.yaml", "multi.yaml"}}

	names := []string{}
	for obj, err := range group.Objects(testData()) {
		g.Expect(err).NotTo(HaveOccurred())
		names = append(names, obj.GetKind()+"/"+obj.GetName())
	}
	g.Expect(names).To(Equal([]string{"Service/foo", "ConfigMap/foo-a", "ConfigMap/foo-b"}))

	// the sequence renders again when iterated again
	again, err := group.Render(testData())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(again).To(HaveLen(3))

	ports, found, err := unstructured.NestedSlice(again[0].Object, "spec", "ports")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(found).To(BeTrue())
	g.Expect(ports[0]).To(HaveKeyWithValue("port", int64(4443)))
}

func TestGroupObjectsStopsEarly(t *testing.T) {
	g := NewGomegaWithT(t)
	group := ResourceGroup{Name: "test", FS: testFS, Templates: []string{"multi.yaml", "undefined.yaml"}}

	seen := 0
	for _, err := range group.Objects(testData()) {
		g.Expect(err).NotTo(HaveOccurred())
		seen++
		break
	}
	g.Expect(seen).To(Equal(1))
}

func TestTemplateErrors(t *testing.T) {
	for _, tmpl := range []string{
		"undefined.yaml",
		"badparse.yaml",
		"badyaml.yaml",
		"nokind.yaml",
		"nometadata.yaml",
		"missing.yaml",
	} {
		t.Run(tmpl, func(t *testing.T) {
			g := NewGomegaWithT(t)
			group := ResourceGroup{Name: "test", FS: testFS, Templates: []string{"single.yaml", tmpl}}

			objs, err := group.Render(testData())
			g.Expect(err).To(HaveOccurred())
			g.Expect(objs).To(BeNil())

			var templateErr *TemplateError
			g.Expect(errors.As(err, &templateErr)).To(BeTrue())
			g.Expect(templateErr.Group).To(Equal("test"))
			g.Expect(templateErr.Template).To(Equal(tmpl))
		})
	}
}

func TestUniversalFuncs(t *testing.T) {
	g := NewGomegaWithT(t)
	m := map[string]interface{}{"a": "", "b": "x", "c": false}

	g.Expect(getOr(m, "a", "dflt")).To(Equal("dflt"))
	g.Expect(getOr(m, "b", "dflt")).To(Equal("x"))
	g.Expect(getOr(m, "z", "dflt")).To(Equal("dflt"))
	g.Expect(isSet(m, "c")).To(Equal(false))
	g.Expect(isSet(m, "b")).To(Equal("x"))
	g.Expect(isSet(m, "z")).To(Equal(false))
}
