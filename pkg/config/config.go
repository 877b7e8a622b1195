package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	k8syaml "k8s.io/apimachinery/pkg/util/yaml"

	"github.com/kubeflow/admission-webhook-operator/pkg/names"
	"github.com/kubeflow/admission-webhook-operator/pkg/util/validation"
)

// State backends.
const (
	SecretBackend = "secret"
	MemoryBackend = "memory"
)

// Certificate authority implementations.
const (
	X509Authority    = "x509"
	OpenSSLAuthority = "openssl"
)

// Config is everything the operator can be configured with.
type Config struct {
	AppName     string `json:"appName,omitempty"`
	Namespace   string `json:"namespace,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
	Port        int    `json:"port,omitempty"`

	CertDir         string `json:"certDir,omitempty"`
	WorkloadCommand string `json:"workloadCommand,omitempty"`
	WorkloadRoot    string `json:"workloadRoot,omitempty"`
	StorageDir      string `json:"storageDir,omitempty"`
	CheckHost       string `json:"checkHost,omitempty"`

	StateBackend    string `json:"stateBackend,omitempty"`
	StateSecretName string `json:"stateSecretName,omitempty"`

	Authority     string `json:"authority,omitempty"`
	OpenSSLBinary string `json:"opensslBinary,omitempty"`

	LeaderElection bool   `json:"leaderElection"`
	LeaderLockName string `json:"leaderLockName,omitempty"`

	ManifestDir        string          `json:"manifestDir,omitempty"`
	MetricsBindAddress string          `json:"metricsBindAddress,omitempty"`
	ResyncPeriod       metav1.Duration `json:"resyncPeriod,omitempty"`
}

// Defaults returns the built-in configuration. Namespace has no default; it
// comes from the environment or the config file.
func Defaults() Config {
	return Config{
		AppName:            names.DefaultAppName,
		Port:               names.DefaultPort,
		CertDir:            names.CertDir,
		WorkloadCommand:    names.WorkloadCommand,
		WorkloadRoot:       "/",
		StorageDir:         "/var/lib/admission-webhook",
		CheckHost:          "127.0.0.1",
		StateBackend:       SecretBackend,
		Authority:          X509Authority,
		OpenSSLBinary:      "openssl",
		LeaderElection:     true,
		LeaderLockName:     names.LEADER_LOCK,
		MetricsBindAddress: ":8080",
		ResyncPeriod:       metav1.Duration{Duration: 5 * time.Minute},
	}
}

// Load builds the configuration from the defaults, the optional YAML or JSON
// file at path, and the environment, in that order of precedence.
func Load(path string, getenv func(string) string) (*Config, error) {
	c := Defaults()
	if path != "" {
		if err := c.loadFile(path); err != nil {
			return nil, err
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	c.applyEnv(getenv)
	return &c, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open config file %s", path)
	}
	defer f.Close()

	decoder := k8syaml.NewYAMLOrJSONDecoder(f, 4096)
	if err := decoder.Decode(c); err != nil {
		return errors.Wrapf(err, "failed to unmarshal config file %s", path)
	}
	return nil
}

// applyEnv picks up the deployment's namespace and application name.
// JUJU_MODEL_NAME is the namespace when deployed by Juju.
func (c *Config) applyEnv(getenv func(string) string) {
	if ns := getenv("POD_NAMESPACE"); ns != "" {
		c.Namespace = ns
	} else if ns := getenv("JUJU_MODEL_NAME"); ns != "" {
		c.Namespace = ns
	}
	if app := getenv("APP_NAME"); app != "" {
		c.AppName = app
	}
}

// AddFlags registers a flag per setting, defaulted from the built-in
// configuration. Use ApplyFlags after parsing to override only what was set.
func AddFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("app-name", d.AppName, "application name, used for the RBAC and webhook objects")
	fs.String("namespace", d.Namespace, "namespace the webhook service runs in")
	fs.String("service-name", d.ServiceName, "name of the webhook Service (defaults to the app name)")
	fs.Int("port", d.Port, "port the webhook server listens on")
	fs.String("cert-dir", d.CertDir, "directory of the serving certificate inside the workload")
	fs.String("workload-command", d.WorkloadCommand, "command that starts the webhook server")
	fs.String("workload-root", d.WorkloadRoot, "filesystem root of the workload container")
	fs.String("storage-dir", d.StorageDir, "storage mount that must exist before the workload is configured")
	fs.String("check-host", d.CheckHost, "host the workload health check dials")
	fs.String("state-backend", d.StateBackend, "where the certificate bundle is persisted: secret or memory")
	fs.String("state-secret-name", d.StateSecretName, "name of the certificate state Secret (defaults to <app-name>-certs)")
	fs.String("authority", d.Authority, "certificate authority implementation: x509 or openssl")
	fs.String("openssl-binary", d.OpenSSLBinary, "openssl executable used by the openssl authority")
	fs.Bool("leader-election", d.LeaderElection, "only the unit holding the leader lock mutates the cluster")
	fs.String("leader-lock-name", d.LeaderLockName, "name of the leader lock ConfigMap")
	fs.String("manifest-dir", d.ManifestDir, "directory overriding the built-in manifest templates")
	fs.String("metrics-bind-address", d.MetricsBindAddress, "address to serve metrics on, or 0 to disable")
	fs.Duration("resync-period", d.ResyncPeriod.Duration, "interval between health checks")
}

// ApplyFlags copies every flag that was explicitly set on fs into c.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var errs []error
	fs.Visit(func(f *pflag.Flag) {
		var err error
		switch f.Name {
		case "app-name":
			c.AppName, err = fs.GetString(f.Name)
		case "namespace":
			c.Namespace, err = fs.GetString(f.Name)
		case "service-name":
			c.ServiceName, err = fs.GetString(f.Name)
		case "port":
			c.Port, err = fs.GetInt(f.Name)
		case "cert-dir":
			c.CertDir, err = fs.GetString(f.Name)
		case "workload-command":
			c.WorkloadCommand, err = fs.GetString(f.Name)
		case "workload-root":
			c.WorkloadRoot, err = fs.GetString(f.Name)
		case "storage-dir":
			c.StorageDir, err = fs.GetString(f.Name)
		case "check-host":
			c.CheckHost, err = fs.GetString(f.Name)
		case "state-backend":
			c.StateBackend, err = fs.GetString(f.Name)
		case "state-secret-name":
			c.StateSecretName, err = fs.GetString(f.Name)
		case "authority":
			c.Authority, err = fs.GetString(f.Name)
		case "openssl-binary":
			c.OpenSSLBinary, err = fs.GetString(f.Name)
		case "leader-election":
			c.LeaderElection, err = fs.GetBool(f.Name)
		case "leader-lock-name":
			c.LeaderLockName, err = fs.GetString(f.Name)
		case "manifest-dir":
			c.ManifestDir, err = fs.GetString(f.Name)
		case "metrics-bind-address":
			c.MetricsBindAddress, err = fs.GetString(f.Name)
		case "resync-period":
			c.ResyncPeriod.Duration, err = fs.GetDuration(f.Name)
		}
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "flag --%s", f.Name))
		}
	})
	return utilerrors.NewAggregate(errs)
}

// Complete fills the settings derived from others.
func (c *Config) Complete() {
	if c.ServiceName == "" {
		c.ServiceName = c.AppName
	}
	if c.StateSecretName == "" {
		c.StateSecretName = names.StateSecret(c.Namespace, c.AppName).Name
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	for _, v := range []struct {
		field, value string
	}{
		{"appName", c.AppName},
		{"namespace", c.Namespace},
		{"serviceName", c.ServiceName},
	} {
		if err := validation.Label(v.value); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %v", v.field, v.value, err))
		}
	}
	if err := validation.Port(c.Port); err != nil {
		errs = append(errs, err)
	}
	if c.StateSecretName != "" {
		if err := validation.Subdomain(c.StateSecretName); err != nil {
			errs = append(errs, fmt.Errorf("invalid stateSecretName %q: %v", c.StateSecretName, err))
		}
	}
	if err := validation.Subdomain(c.LeaderLockName); c.LeaderElection && err != nil {
		errs = append(errs, fmt.Errorf("invalid leaderLockName %q: %v", c.LeaderLockName, err))
	}
	if err := validation.Host(c.CheckHost); err != nil {
		errs = append(errs, err)
	}
	switch c.StateBackend {
	case SecretBackend, MemoryBackend:
	default:
		errs = append(errs, fmt.Errorf("unknown stateBackend %q", c.StateBackend))
	}
	switch c.Authority {
	case X509Authority, OpenSSLAuthority:
	default:
		errs = append(errs, fmt.Errorf("unknown authority %q", c.Authority))
	}
	if c.MetricsBindAddress != "0" && c.MetricsBindAddress != "" {
		if err := validation.BindAddress(c.MetricsBindAddress); err != nil {
			errs = append(errs, err)
		}
	}
	if c.ResyncPeriod.Duration <= 0 {
		errs = append(errs, fmt.Errorf("resyncPeriod must be positive, got %s", c.ResyncPeriod.Duration))
	}
	if c.CertDir == "" {
		errs = append(errs, errors.New("certDir must be set"))
	}
	if c.WorkloadCommand == "" {
		errs = append(errs, errors.New("workloadCommand must be set"))
	}
	return utilerrors.NewAggregate(errs)
}
