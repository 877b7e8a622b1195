package leader

import (
	"context"
	"errors"
	"os"
	"strings"

	corev1 "k8s.io/api/core/v1"
	crclient "sigs.k8s.io/controller-runtime/pkg/client"
)

var (
	ErrNoNamespace = errors.New("namespace not found for current environment")
	ErrRunLocal    = errors.New("operator run mode forced to local")
	ErrNoPodName   = errors.New("POD_NAME is not set")
)

const namespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// Env describes where the operator runs. The zero value reads the process
// environment and the service account namespace file.
type Env struct {
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// NamespaceFile defaults to the service account namespace file.
	NamespaceFile string
}

func (e Env) getenv(key string) string {
	if e.Getenv != nil {
		return e.Getenv(key)
	}
	return os.Getenv(key)
}

// OperatorNamespace returns the namespace the operator pod runs in.
func (e Env) OperatorNamespace() (string, error) {
	if e.getenv("OSDK_FORCE_RUN_MODE") == "local" {
		return "", ErrRunLocal
	}
	path := e.NamespaceFile
	if path == "" {
		path = namespaceFile
	}
	nsBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoNamespace
		}
		return "", err
	}
	return strings.TrimSpace(string(nsBytes)), nil
}

// Pod returns the pod named by POD_NAME in ns.
func (e Env) Pod(ctx context.Context, client crclient.Client, ns string) (*corev1.Pod, error) {
	podName := e.getenv("POD_NAME")
	if podName == "" {
		return nil, ErrNoPodName
	}
	pod := &corev1.Pod{}
	if err := client.Get(ctx, crclient.ObjectKey{Namespace: ns, Name: podName}, pod); err != nil {
		return nil, err
	}
	return pod, nil
}
