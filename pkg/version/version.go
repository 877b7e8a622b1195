package version

// Version is the operator version, set at build time with
// -ldflags "-X github.com/kubeflow/admission-webhook-operator/pkg/version.Version=...".
var Version = "0.0.0-dev"
