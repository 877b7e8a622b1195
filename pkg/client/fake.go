package client

import (
	"k8s.io/client-go/rest"

	crclient "sigs.k8s.io/controller-runtime/pkg/client"
	crfake "sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"
)

// NewFakeClient creates a fake client with a backing store that contains the given objects.
func NewFakeClient(objs ...crclient.Object) *ClusterClient {
	return NewFakeClientWithFuncs(interceptor.Funcs{}, objs...)
}

// NewFakeClientWithFuncs is NewFakeClient with funcs intercepting the calls
// made through CRClient, for injecting apiserver failures.
func NewFakeClientWithFuncs(funcs interceptor.Funcs, objs ...crclient.Object) *ClusterClient {
	cl := crfake.NewClientBuilder().
		WithScheme(NewScheme()).
		WithObjects(objs...).
		WithInterceptorFuncs(funcs).
		Build()
	return &ClusterClient{
		cfg:      &rest.Config{Host: "https://testing:8443"},
		crclient: cl,
	}
}
