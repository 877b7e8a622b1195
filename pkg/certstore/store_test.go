package certstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/kubeflow/admission-webhook-operator/pkg/pki"
)

// fakeAuthority counts generation calls and returns canned PEM strings.
type fakeAuthority struct {
	caCalls     int
	serverCalls int
	failCA      bool
	failServer  bool
}

func (f *fakeAuthority) GenerateCA() ([]byte, []byte, error) {
	f.caCalls++
	if f.failCA {
		return nil, nil, &pki.CryptoToolError{Op: "genrsa ca.key", Err: errors.New("boom")}
	}
	return []byte(fmt.Sprintf("ca-key-%d", f.caCalls)), []byte(fmt.Sprintf("ca-cert-%d", f.caCalls)), nil
}

func (f *fakeAuthority) GenerateServerCert(caKey, caCert []byte, namespace, serviceName string) ([]byte, []byte, error) {
	f.serverCalls++
	if f.failServer {
		return nil, nil, &pki.CryptoToolError{Op: "x509 -req", Err: errors.New("boom")}
	}
	return []byte("key-" + serviceName + "." + namespace), []byte("cert-" + serviceName + "." + namespace), nil
}

func TestBundleIsComplete(t *testing.T) {
	for _, tc := range []struct {
		bundle   Bundle
		complete bool
	}{
		{Bundle{}, false},
		{Bundle{CA: "x", Key: "x"}, false},
		{Bundle{Cert: "x", Key: "x"}, false},
		{Bundle{Cert: "x", CA: "x"}, false},
		{Bundle{CA: "x", Cert: "x", Key: "x"}, true},
	} {
		t.Run(fmt.Sprintf("%+v", tc.bundle), func(t *testing.T) {
			g := NewGomegaWithT(t)
			g.Expect(tc.bundle.IsComplete()).To(Equal(tc.complete))

			backend := NewMemoryBackend()
			g.Expect(backend.Save(context.TODO(), Record{Bundle: tc.bundle})).To(Succeed())
			store := New(&fakeAuthority{}, backend)
			g.Expect(store.Load(context.TODO())).To(Succeed())
			g.Expect(store.IsComplete()).To(Equal(tc.complete))
		})
	}
}

func TestEnsureGeneratesOnlyWhenIncomplete(t *testing.T) {
	for _, tc := range []struct {
		name       string
		persisted  Bundle
		regenerate bool
	}{
		{"empty", Bundle{}, true},
		{"missing cert", Bundle{CA: "x", Key: "x"}, true},
		{"missing ca", Bundle{Cert: "x", Key: "x"}, true},
		{"missing key", Bundle{Cert: "x", CA: "x"}, true},
		{"complete", Bundle{CA: "x", Cert: "x", Key: "x"}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGomegaWithT(t)
			authority := &fakeAuthority{}
			backend := NewMemoryBackend()
			g.Expect(backend.Save(context.TODO(), Record{Bundle: tc.persisted})).To(Succeed())

			store := New(authority, backend)
			g.Expect(store.Load(context.TODO())).To(Succeed())

			generated, err := store.Ensure(context.TODO(), "kubeflow", "admission-webhook")
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(generated).To(Equal(tc.regenerate))
			g.Expect(authority.caCalls == 1).To(Equal(tc.regenerate))
			g.Expect(store.IsComplete()).To(BeTrue())

			if !tc.regenerate {
				g.Expect(store.Current()).To(Equal(tc.persisted))
			}
		})
	}
}

func TestEnsureIdempotent(t *testing.T) {
	g := NewGomegaWithT(t)
	authority := &fakeAuthority{}
	backend := NewMemoryBackend()
	store := New(authority, backend)
	generations := 0
	store.OnGenerate = func() { generations++ }

	for i := 0; i < 2; i++ {
		_, err := store.Ensure(context.TODO(), "kubeflow", "admission-webhook")
		g.Expect(err).NotTo(HaveOccurred())
	}

	g.Expect(generations).To(Equal(1))
	g.Expect(authority.caCalls).To(Equal(1))
	g.Expect(authority.serverCalls).To(Equal(1))
	g.Expect(backend.Saves).To(Equal(1))
	g.Expect(store.Current()).To(Equal(Bundle{
		CA:   "ca-cert-1",
		Cert: "cert-admission-webhook.kubeflow",
		Key:  "key-admission-webhook.kubeflow",
	}))
}

func TestEnsureFailureLeavesStateAbsent(t *testing.T) {
	for _, authority := range []*fakeAuthority{{failCA: true}, {failServer: true}} {
		g := NewGomegaWithT(t)
		backend := NewMemoryBackend()
		store := New(authority, backend)

		generated, err := store.Ensure(context.TODO(), "kubeflow", "admission-webhook")
		g.Expect(err).To(HaveOccurred())
		g.Expect(generated).To(BeFalse())

		var toolErr *pki.CryptoToolError
		g.Expect(errors.As(err, &toolErr)).To(BeTrue())

		g.Expect(store.IsComplete()).To(BeFalse())
		g.Expect(store.Current()).To(Equal(Bundle{}))
		g.Expect(backend.Saves).To(BeZero())
	}
}

func TestReplaceRejectsPartialBundle(t *testing.T) {
	g := NewGomegaWithT(t)
	backend := NewMemoryBackend()
	store := New(&fakeAuthority{}, backend)
	complete := Bundle{CA: "a", Cert: "b", Key: "c"}
	g.Expect(store.Replace(context.TODO(), complete)).To(Succeed())

	g.Expect(store.Replace(context.TODO(), Bundle{CA: "x", Cert: "y"})).NotTo(Succeed())
	g.Expect(store.Current()).To(Equal(complete))
	g.Expect(backend.Saves).To(Equal(1))
}

func TestRecordVersionKeepsBundle(t *testing.T) {
	g := NewGomegaWithT(t)
	backend := NewMemoryBackend()
	store := New(&fakeAuthority{}, backend)
	_, err := store.Ensure(context.TODO(), "kubeflow", "admission-webhook")
	g.Expect(err).NotTo(HaveOccurred())
	bundle := store.Current()

	g.Expect(store.RecordVersion(context.TODO(), "0.2.0")).To(Succeed())
	g.Expect(store.RecordVersion(context.TODO(), "0.2.0")).To(Succeed())
	g.Expect(backend.Saves).To(Equal(2))

	reloaded := New(&fakeAuthority{}, backend)
	g.Expect(reloaded.Load(context.TODO())).To(Succeed())
	g.Expect(reloaded.Current()).To(Equal(bundle))
	g.Expect(reloaded.RecordedVersion()).To(Equal("0.2.0"))
}

func TestEnsureWithRealAuthority(t *testing.T) {
	g := NewGomegaWithT(t)
	store := New(pki.New(), NewMemoryBackend())

	_, err := store.Ensure(context.TODO(), "kubeflow", "admission-webhook")
	g.Expect(err).NotTo(HaveOccurred())

	bundle := store.Current()
	caCert, err := pki.DecodeCertificate([]byte(bundle.CA))
	g.Expect(err).NotTo(HaveOccurred())
	cert, err := pki.DecodeCertificate([]byte(bundle.Cert))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(cert.CheckSignatureFrom(caCert)).To(Succeed())
	_, err = pki.DecodePrivateKey([]byte(bundle.Key))
	g.Expect(err).NotTo(HaveOccurred())
}
