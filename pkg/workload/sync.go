package workload

import (
	"context"
	"path"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/kubeflow/admission-webhook-operator/pkg/certstore"
	"github.com/kubeflow/admission-webhook-operator/pkg/names"
)

// Health check parameters of the webhook server.
const (
	CheckPeriod    = 30 * time.Second
	CheckTimeout   = 20 * time.Second
	CheckThreshold = 4
)

// Sync keeps the workload's certificate files and supervision layer in line
// with the operator state.
type Sync struct {
	runtime Runtime

	certDir string
	command string
	port    int
}

func NewSync(runtime Runtime, certDir, command string, port int) *Sync {
	return &Sync{
		runtime: runtime,
		certDir: certDir,
		command: command,
		port:    port,
	}
}

func (s *Sync) certPath(name string) string {
	return path.Join(s.certDir, name)
}

func (s *Sync) CanConnect(ctx context.Context) bool {
	return s.runtime.CanConnect(ctx)
}

func (s *Sync) StorageAttached(ctx context.Context) bool {
	return s.runtime.StorageAttached(ctx)
}

// CertificateFilesPresent reports whether both the certificate and its key
// are in the workload's certificate directory. Any error counts as absent.
func (s *Sync) CertificateFilesPresent(ctx context.Context) bool {
	for _, name := range []string{names.CertFile, names.KeyFile} {
		ok, err := s.runtime.Exists(ctx, s.certPath(name))
		if err != nil {
			klog.V(2).Infof("could not check for %s: %v", s.certPath(name), err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// UploadCertificates writes the bundle into the certificate directory.
func (s *Sync) UploadCertificates(ctx context.Context, bundle certstore.Bundle) error {
	if !s.runtime.CanConnect(ctx) {
		return &ConnectivityError{Op: "certificate upload"}
	}
	if !bundle.IsComplete() {
		return errors.New("refusing to upload an incomplete certificate bundle")
	}

	files := []struct {
		name    string
		content string
	}{
		{names.CertFile, bundle.Cert},
		{names.KeyFile, bundle.Key},
		{names.CAFile, bundle.CA},
	}
	for _, f := range files {
		if err := s.runtime.Push(ctx, s.certPath(f.name), []byte(f.content), true); err != nil {
			return errors.Wrapf(err, "could not push %s", s.certPath(f.name))
		}
	}
	klog.Infof("Uploaded certificates to %s", s.certDir)
	return nil
}

// Layer returns the supervision layer for the webhook server.
func (s *Sync) Layer() Layer {
	return Layer{
		Summary:     "admission-webhook layer",
		Description: "supervision layer for the admission webhook server",
		Services: map[string]Service{
			names.WorkloadService: {
				Override:       "replace",
				Summary:        "admission webhook server",
				Command:        s.command,
				Startup:        "enabled",
				OnCheckFailure: map[string]string{names.WorkloadCheck: "restart"},
			},
		},
		Checks: map[string]Check{
			names.WorkloadCheck: {
				Override:  "replace",
				Period:    CheckPeriod.String(),
				Timeout:   CheckTimeout.String(),
				Threshold: CheckThreshold,
				TCP:       &TCPCheck{Port: s.port},
			},
		},
	}
}

// SyncRuntimeLayer declares the supervision layer, but only once the
// certificate files are in place: the server must not start without them. It
// reports whether the layer was set.
func (s *Sync) SyncRuntimeLayer(ctx context.Context) (bool, error) {
	if !s.CertificateFilesPresent(ctx) {
		klog.Info("Certificate files are not present yet, not starting the workload")
		return false, nil
	}
	if err := s.runtime.SetLayer(ctx, s.Layer()); err != nil {
		return false, errors.Wrap(err, "could not set the workload layer")
	}
	return true, nil
}

// Healthy returns the state of the workload's health check.
func (s *Sync) Healthy(ctx context.Context) (CheckStatus, error) {
	if !s.runtime.CanConnect(ctx) {
		return CheckDown, &ConnectivityError{Op: "health check"}
	}
	return s.runtime.GetCheck(ctx, names.WorkloadCheck)
}
