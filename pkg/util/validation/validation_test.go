package validation

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestLabel(t *testing.T) {
	g := NewGomegaWithT(t)
	for _, v := range []string{"kubeflow", "admission-webhook", "a1"} {
		g.Expect(Label(v)).To(Succeed(), v)
	}
	for _, v := range []string{"", "Kubeflow", "admission.webhook", "-bad", "x_y"} {
		g.Expect(Label(v)).NotTo(Succeed(), v)
	}
}

func TestHost(t *testing.T) {
	g := NewGomegaWithT(t)
	for _, v := range []string{"127.0.0.1", "::1", "localhost", "admission-webhook.kubeflow.svc"} {
		g.Expect(Host(v)).To(Succeed(), v)
	}
	for _, v := range []string{"", "not a host", "a..b"} {
		g.Expect(Host(v)).NotTo(Succeed(), v)
	}
}

func TestPort(t *testing.T) {
	g := NewGomegaWithT(t)
	g.Expect(Port(4443)).To(Succeed())
	g.Expect(Port(0)).NotTo(Succeed())
	g.Expect(Port(65536)).NotTo(Succeed())
}

func TestBindAddress(t *testing.T) {
	g := NewGomegaWithT(t)
	for _, v := range []string{":8080", "127.0.0.1:9090", "localhost:0", "[::1]:8080"} {
		g.Expect(BindAddress(v)).To(Succeed(), v)
	}
	for _, v := range []string{"8080", "host:port", "127.0.0.1:70000", "bad host:80"} {
		g.Expect(BindAddress(v)).NotTo(Succeed(), v)
	}
}
