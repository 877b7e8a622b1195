package statusmanager

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/ghodss/yaml"

	"github.com/kubeflow/admission-webhook-operator/pkg/metrics"
	"github.com/kubeflow/admission-webhook-operator/pkg/names"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"k8s.io/klog/v2"

	crclient "sigs.k8s.io/controller-runtime/pkg/client"
)

type Kind string

const (
	ActiveKind      Kind = "active"
	MaintenanceKind Kind = "maintenance"
	WaitingKind     Kind = "waiting"
	ErrorKind       Kind = "error"
)

// UnitStatus is the user-visible status of the operator unit.
type UnitStatus struct {
	Kind    Kind   `json:"status"`
	Message string `json:"message,omitempty"`
}

func Active() UnitStatus { return UnitStatus{Kind: ActiveKind} }
func Maintenance(msg string) UnitStatus { return UnitStatus{Kind: MaintenanceKind, Message: msg} }
func Waiting(msg string) UnitStatus { return UnitStatus{Kind: WaitingKind, Message: msg} }
func Error(msg string) UnitStatus { return UnitStatus{Kind: ErrorKind, Message: msg} }
func Errorf(format string, args ...interface{}) UnitStatus {
	return Error(fmt.Sprintf(format, args...))
}

// IsTerminal is false only for Maintenance, which is what a pass reports
// while it is still working.
func (s UnitStatus) IsTerminal() bool {
	return s.Kind != MaintenanceKind
}

func (s UnitStatus) String() string {
	if s.Message == "" {
		return string(s.Kind)
	}
	return fmt.Sprintf("%s: %s", s.Kind, s.Message)
}

// Sink receives every status change.
type Sink interface {
	Publish(ctx context.Context, status UnitStatus) error
}

// StatusManager holds the unit status. The last Set wins.
type StatusManager struct {
	sync.Mutex

	current UnitStatus
	sink    Sink
}

// New returns a status manager reporting Maintenance until the first pass
// sets something else. sink may be nil.
func New(sink Sink) *StatusManager {
	return &StatusManager{
		current: Maintenance("Starting"),
		sink:    sink,
	}
}

func (status *StatusManager) Get() UnitStatus {
	status.Lock()
	defer status.Unlock()
	return status.current
}

// Set records s and publishes it. Publishing failures are logged only.
func (status *StatusManager) Set(ctx context.Context, s UnitStatus) {
	status.Lock()
	defer status.Unlock()

	if s != status.current {
		klog.Infof("Unit status: %s", s)
	}
	status.current = s
	metrics.SetUnitStatus(string(s.Kind))

	if status.sink == nil {
		return
	}
	if err := status.sink.Publish(ctx, s); err != nil {
		klog.Warningf("Failed to publish unit status: %v", err)
	}
}

// SetFromPanic reports a recovered panic as an Error status.
func (status *StatusManager) SetFromPanic(ctx context.Context, panicVal interface{}) {
	status.Set(ctx, Errorf("Panic detected: %v", panicVal))
}

// ConfigMapSink publishes the status into a ConfigMap, so it can be read with
// kubectl.
type ConfigMapSink struct {
	client crclient.Client
	name   types.NamespacedName
}

var _ Sink = &ConfigMapSink{}

func NewConfigMapSink(client crclient.Client, name types.NamespacedName) *ConfigMapSink {
	return &ConfigMapSink{client: client, name: name}
}

func (c *ConfigMapSink) Publish(ctx context.Context, s UnitStatus) error {
	buf, err := yaml.Marshal(s)
	if err != nil {
		buf = []byte(fmt.Sprintf("(failed to convert to YAML: %s)", err))
	}
	data := map[string]string{
		"status":  string(s.Kind),
		"message": s.Message,
	}

	err = retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		cm := &corev1.ConfigMap{}
		err := c.client.Get(ctx, c.name, cm)
		if errors.IsNotFound(err) {
			cm = &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{
					Name:      c.name.Name,
					Namespace: c.name.Namespace,
					Labels:    map[string]string{names.ManagedByLabel: names.FieldManager},
				},
				Data: data,
			}
			return c.client.Create(ctx, cm, crclient.FieldOwner(names.StatusFieldManager))
		}
		if err != nil {
			return err
		}
		cm.Data = data
		return c.client.Update(ctx, cm, crclient.FieldOwner(names.StatusFieldManager))
	})
	if err != nil {
		return err
	}
	log.Printf("Unit status published to %s:\n%s", c.name, buf)
	return nil
}
