package bindata

import (
	"encoding/base64"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/kubeflow/admission-webhook-operator/pkg/names"
	"github.com/kubeflow/admission-webhook-operator/pkg/render"

	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

var testContext = render.Context{
	AppName:     "admission-webhook",
	Namespace:   "kubeflow",
	ServiceName: "admission-webhook",
	Port:        4443,
	CABundle:    "-----BEGIN CERTIFICATE-----\nabc\n-----END CERTIFICATE-----\n",
}

func renderGroup(t *testing.T, name string) []*unstructured.Unstructured {
	g := NewGomegaWithT(t)
	for _, group := range Groups(FS) {
		if group.Name == name {
			objs, err := group.Render(testContext.RenderData())
			g.Expect(err).NotTo(HaveOccurred())
			return objs
		}
	}
	t.Fatalf("no group %s", name)
	return nil
}

func convert(t *testing.T, obj *unstructured.Unstructured, into interface{}) {
	t.Helper()
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, into); err != nil {
		t.Fatalf("could not convert %s %s: %v", obj.GetKind(), obj.GetName(), err)
	}
}

func TestGroupOrder(t *testing.T) {
	g := NewGomegaWithT(t)

	groups := Groups(FS)
	g.Expect(groups).To(HaveLen(2))
	g.Expect(groups[0].Name).To(Equal(names.WebhookGroup))
	g.Expect(groups[1].Name).To(Equal(names.CRDGroup))
}

func TestWebhookGroup(t *testing.T) {
	g := NewGomegaWithT(t)
	objs := renderGroup(t, names.WebhookGroup)

	kinds := []string{}
	for _, obj := range objs {
		kinds = append(kinds, obj.GetKind()+"/"+obj.GetName())
		g.Expect(obj.GetLabels()).To(HaveKeyWithValue(names.ManagedByLabel, names.FieldManager))
	}
	g.Expect(kinds).To(Equal([]string{
		"ClusterRole/admission-webhook",
		"ClusterRole/admission-webhook-kubeflow-poddefaults-edit",
		"ClusterRole/admission-webhook-kubeflow-poddefaults-view",
		"ClusterRoleBinding/admission-webhook",
		"Service/admission-webhook",
		"MutatingWebhookConfiguration/admission-webhook",
	}))

	role := &rbacv1.ClusterRole{}
	convert(t, objs[0], role)
	g.Expect(role.Rules).To(HaveLen(1))
	g.Expect(role.Rules[0].APIGroups).To(Equal([]string{"kubeflow.org"}))
	g.Expect(role.Rules[0].Resources).To(Equal([]string{"poddefaults"}))
	g.Expect(role.Rules[0].Verbs).To(ConsistOf("get", "list", "watch", "update", "create", "patch", "delete"))

	binding := &rbacv1.ClusterRoleBinding{}
	convert(t, objs[3], binding)
	g.Expect(binding.Subjects).To(Equal([]rbacv1.Subject{{Kind: "ServiceAccount", Name: "admission-webhook", Namespace: "kubeflow"}}))

	svc := &corev1.Service{}
	convert(t, objs[4], svc)
	g.Expect(svc.Namespace).To(Equal("kubeflow"))
	g.Expect(svc.Spec.Ports[0].Port).To(Equal(int32(4443)))

	mwc := &admissionregistrationv1.MutatingWebhookConfiguration{}
	convert(t, objs[5], mwc)
	g.Expect(mwc.Webhooks).To(HaveLen(1))
	hook := mwc.Webhooks[0]
	g.Expect(hook.Name).To(Equal("admission-webhook.kubeflow.org"))
	g.Expect(hook.AdmissionReviewVersions).To(Equal([]string{"v1beta1", "v1"}))
	g.Expect(*hook.FailurePolicy).To(Equal(admissionregistrationv1.Fail))
	g.Expect(hook.ClientConfig.CABundle).To(Equal([]byte(testContext.CABundle)))
	g.Expect(hook.ClientConfig.Service.Name).To(Equal("admission-webhook"))
	g.Expect(hook.ClientConfig.Service.Namespace).To(Equal("kubeflow"))
	g.Expect(*hook.ClientConfig.Service.Path).To(Equal("/apply-poddefault"))
	g.Expect(*hook.ClientConfig.Service.Port).To(Equal(int32(4443)))
	g.Expect(hook.NamespaceSelector.MatchLabels).To(Equal(map[string]string{"app.kubernetes.io/part-of": "kubeflow-profile"}))
	g.Expect(hook.Rules).To(HaveLen(1))
	g.Expect(hook.Rules[0].Operations).To(Equal([]admissionregistrationv1.OperationType{admissionregistrationv1.Create}))
	g.Expect(hook.Rules[0].Resources).To(Equal([]string{"pods"}))
	g.Expect(hook.Rules[0].APIGroups).To(Equal([]string{""}))
}

func TestCABundleIsBase64(t *testing.T) {
	g := NewGomegaWithT(t)
	objs := renderGroup(t, names.WebhookGroup)

	webhooks, _, err := unstructured.NestedSlice(objs[5].Object, "webhooks")
	g.Expect(err).NotTo(HaveOccurred())
	caBundle, _, err := unstructured.NestedString(webhooks[0].(map[string]interface{}), "clientConfig", "caBundle")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(caBundle).To(Equal(base64.StdEncoding.EncodeToString([]byte(testContext.CABundle))))
}

func TestCRDGroup(t *testing.T) {
	g := NewGomegaWithT(t)
	objs := renderGroup(t, names.CRDGroup)
	g.Expect(objs).To(HaveLen(1))

	crd := &apiextensionsv1.CustomResourceDefinition{}
	convert(t, objs[0], crd)
	g.Expect(crd.Name).To(Equal("poddefaults.kubeflow.org"))
	g.Expect(crd.Spec.Group).To(Equal("kubeflow.org"))
	g.Expect(crd.Spec.Scope).To(Equal(apiextensionsv1.NamespaceScoped))
	g.Expect(crd.Spec.Names.Kind).To(Equal("PodDefault"))
	g.Expect(crd.Spec.Versions).To(HaveLen(1))
	g.Expect(crd.Spec.Versions[0].Name).To(Equal("v1alpha1"))
	g.Expect(crd.Spec.Versions[0].Storage).To(BeTrue())
	g.Expect(crd.Spec.Versions[0].Schema.OpenAPIV3Schema.Properties).To(HaveKey("spec"))
}
