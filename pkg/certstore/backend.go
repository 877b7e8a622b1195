package certstore

import (
	"context"
	"sync"

	"github.com/kubeflow/admission-webhook-operator/pkg/names"
	"github.com/pkg/errors"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"k8s.io/klog/v2"
	crclient "sigs.k8s.io/controller-runtime/pkg/client"
)

// Keys of the state Secret.
const (
	CAKey   = "ca"
	CertKey = "cert"
	KeyKey  = "key"
)

// Purger is implemented by backends whose state can be removed on uninstall.
type Purger interface {
	Purge(ctx context.Context) error
}

// MemoryBackend keeps the record in process memory.
type MemoryBackend struct {
	sync.Mutex
	record Record

	// Saves counts successful Save calls.
	Saves int
}

var _ Backend = &MemoryBackend{}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load(context.Context) (Record, error) {
	m.Lock()
	defer m.Unlock()
	return m.record, nil
}

func (m *MemoryBackend) Save(_ context.Context, record Record) error {
	m.Lock()
	defer m.Unlock()
	m.record = record
	m.Saves++
	return nil
}

func (m *MemoryBackend) Purge(context.Context) error {
	m.Lock()
	defer m.Unlock()
	m.record = Record{}
	return nil
}

// SecretBackend persists the record in a single Secret. The three PEM fields
// are always written together in one create or update.
type SecretBackend struct {
	client crclient.Client
	name   types.NamespacedName
}

var _ Backend = &SecretBackend{}
var _ Purger = &SecretBackend{}

func NewSecretBackend(client crclient.Client, name types.NamespacedName) *SecretBackend {
	return &SecretBackend{client: client, name: name}
}

func (b *SecretBackend) Load(ctx context.Context) (Record, error) {
	secret := &corev1.Secret{}
	err := b.client.Get(ctx, b.name, secret)
	if apierrors.IsNotFound(err) {
		klog.V(2).Infof("Certificate state Secret %s does not exist yet", b.name)
		return Record{}, nil
	}
	if err != nil {
		return Record{}, errors.Wrapf(err, "could not retrieve Secret %s", b.name)
	}

	return Record{
		Bundle: Bundle{
			CA:   string(secret.Data[CAKey]),
			Cert: string(secret.Data[CertKey]),
			Key:  string(secret.Data[KeyKey]),
		},
		Version: secret.Annotations[names.VersionAnnotation],
	}, nil
}

func (b *SecretBackend) Save(ctx context.Context, record Record) error {
	data := map[string][]byte{
		CAKey:   []byte(record.Bundle.CA),
		CertKey: []byte(record.Bundle.Cert),
		KeyKey:  []byte(record.Bundle.Key),
	}

	return retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		secret := &corev1.Secret{}
		err := b.client.Get(ctx, b.name, secret)
		if apierrors.IsNotFound(err) {
			secret = &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{
					Name:        b.name.Name,
					Namespace:   b.name.Namespace,
					Annotations: map[string]string{names.VersionAnnotation: record.Version},
					Labels:      map[string]string{names.ManagedByLabel: names.FieldManager},
				},
				Type: corev1.SecretTypeOpaque,
				Data: data,
			}
			if err := b.client.Create(ctx, secret); err != nil {
				return err
			}
			klog.Infof("Created certificate state Secret %s", b.name)
			return nil
		}
		if err != nil {
			return err
		}

		if secret.Annotations == nil {
			secret.Annotations = map[string]string{}
		}
		secret.Annotations[names.VersionAnnotation] = record.Version
		secret.Data = data
		if err := b.client.Update(ctx, secret); err != nil {
			return err
		}
		klog.Infof("Updated certificate state Secret %s", b.name)
		return nil
	})
}

// Purge deletes the Secret. A missing Secret is not an error.
func (b *SecretBackend) Purge(ctx context.Context) error {
	secret := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: b.name.Name, Namespace: b.name.Namespace}}
	if err := b.client.Delete(ctx, secret); err != nil && !apierrors.IsNotFound(err) {
		return errors.Wrapf(err, "could not delete Secret %s", b.name)
	}
	return nil
}
