package client

import (
	"net"
	"net/url"

	"github.com/pkg/errors"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	crclient "sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/apiutil"
)

// NewScheme returns a scheme with the client-go types and apiextensions/v1.
func NewScheme() *runtime.Scheme {
	s := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(s))
	utilruntime.Must(apiextensionsv1.AddToScheme(s))
	return s
}

// ClusterClient is a bag of holding for the clients of a single apiserver.
type ClusterClient struct {
	cfg *rest.Config

	crclient crclient.Client
}

var _ Client = &ClusterClient{}

// GetConfig loads the rest config from kubeconfig. An empty path falls back to
// $KUBECONFIG, the default kubeconfig locations, and finally the in-cluster
// service account.
func GetConfig(kubeconfig string) (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	rules.ExplicitPath = kubeconfig
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load kubeconfig")
	}
	return cfg, nil
}

func NewClient(kubeconfig string) (*ClusterClient, error) {
	cfg, err := GetConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	return NewClusterClient(cfg)
}

func NewClusterClient(cfg *rest.Config) (*ClusterClient, error) {
	c := ClusterClient{cfg: cfg}

	httpClient, err := rest.HTTPClientFor(cfg)
	if err != nil {
		return nil, err
	}
	// The DynamicRESTMapper handles on-the-fly CRD creation
	restMapper, err := apiutil.NewDynamicRESTMapper(cfg, httpClient)
	if err != nil {
		return nil, err
	}
	if c.crclient, err = crclient.New(cfg, crclient.Options{
		Scheme:     NewScheme(),
		Mapper:     restMapper,
		HTTPClient: httpClient,
	}); err != nil {
		return nil, err
	}

	klog.V(2).Infof("Created client for %s", cfg.Host)
	return &c, nil
}

func (c *ClusterClient) CRClient() crclient.Client {
	return c.crclient
}

// HostPort returns the host and port of the apiserver. The port defaults by
// scheme when the URL has none.
func (c *ClusterClient) HostPort() (string, string) {
	u, err := url.Parse(c.cfg.Host)
	if err != nil || u.Host == "" {
		return c.cfg.Host, ""
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		host = u.Host
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return host, port
}
