package names

import "k8s.io/apimachinery/pkg/types"

// some names

// FieldManager is the field manager used for every server-side apply of
// rendered manifests. Ownership conflicts are detected against this identity.
const FieldManager = "admission-webhook-operator"

// StatusFieldManager is the field manager the status manager uses when it
// publishes the unit status.
const StatusFieldManager = "admission-webhook-operator/status-manager"

// DefaultAppName is the application name used when none is configured.
// It doubles as the default Service and ServiceAccount name.
const DefaultAppName = "admission-webhook"

// DefaultPort is the port the webhook server listens on and the port
// targeted by the workload health check.
const DefaultPort = 4443

// WebhookName is the fully qualified name of the mutating webhook entry.
const WebhookName = "admission-webhook.kubeflow.org"

// WebhookPath is the path the apiserver calls on the webhook service.
const WebhookPath = "/apply-poddefault"

// CertDir is where the workload expects its serving certificate.
const CertDir = "/etc/webhook/certs"

// Certificate file names inside CertDir.
const (
	CertFile = "cert.pem"
	KeyFile  = "key.pem"
	CAFile   = "ca.pem"
)

// WorkloadService is the name of the supervised service in the runtime layer.
const WorkloadService = "admission-webhook"

// WorkloadCommand is the default entry command of the webhook server.
const WorkloadCommand = "/webhook"

// WorkloadCheck is the name of the TCP health check declared for the workload.
const WorkloadCheck = "admission-webhook-up"

// LEADER_LOCK is the default name of the leader election ConfigMap.
const LEADER_LOCK = "admission-webhook-operator-lock"

// StateSecretSuffix is appended to the app name to form the name of the Secret
// that persists the certificate bundle.
const StateSecretSuffix = "-certs"

// StatusConfigMapSuffix is appended to the app name to form the name of the
// ConfigMap where the unit status is published.
const StatusConfigMapSuffix = "-status"

// VersionAnnotation records the operator version that last wrote the
// persisted certificate state.
const VersionAnnotation = "kubeflow.org/admission-webhook-operator-version"

// ManagedByLabel marks every object rendered by this operator.
const ManagedByLabel = "app.kubernetes.io/managed-by"

// Resource group names, in apply order.
const (
	WebhookGroup = "webhook"
	CRDGroup     = "crds"
)

// StateSecret returns the namespaced name of the certificate state Secret.
func StateSecret(namespace, appName string) types.NamespacedName {
	return types.NamespacedName{
		Namespace: namespace,
		Name:      appName + StateSecretSuffix,
	}
}

// StatusConfigMap returns the namespaced name of the status ConfigMap.
func StatusConfigMap(namespace, appName string) types.NamespacedName {
	return types.NamespacedName{
		Namespace: namespace,
		Name:      appName + StatusConfigMapSuffix,
	}
}
