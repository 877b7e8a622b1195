package main

import (
	"io/fs"
	"net"
	"os"

	"k8s.io/klog/v2"

	"github.com/kubeflow/admission-webhook-operator/bindata"
	"github.com/kubeflow/admission-webhook-operator/pkg/apply"
	"github.com/kubeflow/admission-webhook-operator/pkg/certstore"
	"github.com/kubeflow/admission-webhook-operator/pkg/client"
	"github.com/kubeflow/admission-webhook-operator/pkg/config"
	"github.com/kubeflow/admission-webhook-operator/pkg/controller"
	"github.com/kubeflow/admission-webhook-operator/pkg/controller/statusmanager"
	"github.com/kubeflow/admission-webhook-operator/pkg/names"
	"github.com/kubeflow/admission-webhook-operator/pkg/operator/leader"
	"github.com/kubeflow/admission-webhook-operator/pkg/pki"
	"github.com/kubeflow/admission-webhook-operator/pkg/render"
	"github.com/kubeflow/admission-webhook-operator/pkg/version"
	"github.com/kubeflow/admission-webhook-operator/pkg/workload"

	"k8s.io/apimachinery/pkg/types"
)

func newAuthority(cfg *config.Config) pki.Authority {
	if cfg.Authority == config.OpenSSLAuthority {
		return pki.NewOpenSSL(cfg.OpenSSLBinary)
	}
	return pki.New()
}

// newBackend returns the configured state backend. cl may be nil for the
// memory backend.
func newBackend(cfg *config.Config, cl client.Client) certstore.Backend {
	if cfg.StateBackend == config.MemoryBackend || cl == nil {
		return certstore.NewMemoryBackend()
	}
	return certstore.NewSecretBackend(cl.CRClient(), types.NamespacedName{Namespace: cfg.Namespace, Name: cfg.StateSecretName})
}

func resourceGroups(cfg *config.Config) []render.ResourceGroup {
	var fsys fs.FS = bindata.FS
	if cfg.ManifestDir != "" {
		klog.Infof("Using manifests from %s", cfg.ManifestDir)
		fsys = os.DirFS(cfg.ManifestDir)
	}
	return bindata.Groups(fsys)
}

func newElector(cfg *config.Config, cl client.Client) leader.Elector {
	if !cfg.LeaderElection {
		return leader.Static(true)
	}
	return leader.NewLockElector(cl.CRClient(), cfg.LeaderLockName, leader.Env{})
}

// newController wires every component of the operator from cfg.
func newController(cfg *config.Config, cl client.Client) (*controller.Controller, error) {
	host, port := cl.HostPort()
	klog.Infof("Managing %s/%s through the apiserver at %s", cfg.Namespace, cfg.AppName, net.JoinHostPort(host, port))

	runtime := workload.NewLocalRuntime(cfg.WorkloadRoot, cfg.StorageDir, cfg.CheckHost)
	sink := statusmanager.NewConfigMapSink(cl.CRClient(), names.StatusConfigMap(cfg.Namespace, cfg.AppName))

	return controller.New(controller.Options{
		AppName:      cfg.AppName,
		Namespace:    cfg.Namespace,
		ServiceName:  cfg.ServiceName,
		Port:         cfg.Port,
		Elector:      newElector(cfg, cl),
		Store:        certstore.New(newAuthority(cfg), newBackend(cfg, cl)),
		Reconciler:   apply.NewReconciler(apply.NewKubeClusterAPI(cl.CRClient()), names.FieldManager, apply.DefaultLegacyManagers),
		Groups:       resourceGroups(cfg),
		Workload:     workload.NewSync(runtime, cfg.CertDir, cfg.WorkloadCommand, cfg.Port),
		Status:       statusmanager.New(sink),
		Version:      version.Version,
		ResyncPeriod: cfg.ResyncPeriod.Duration,
	})
}
