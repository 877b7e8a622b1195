package certstore

import (
	"context"
	"sync"

	"github.com/kubeflow/admission-webhook-operator/pkg/pki"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Bundle is the CA certificate plus the serving certificate and its key, all
// PEM encoded. A bundle with any field empty is treated as absent.
type Bundle struct {
	CA   string
	Cert string
	Key  string
}

// IsComplete is true iff all three fields are non-empty.
func (b Bundle) IsComplete() bool {
	return b.CA != "" && b.Cert != "" && b.Key != ""
}

// Record is what a Backend persists: the bundle and the operator version that
// wrote it.
type Record struct {
	Bundle  Bundle
	Version string
}

// Backend persists a Record. Save must write all fields in a single operation.
type Backend interface {
	Load(ctx context.Context) (Record, error)
	Save(ctx context.Context, record Record) error
}

// Store owns the current Bundle. All mutation goes through Replace, which
// swaps all three fields at once.
type Store struct {
	sync.Mutex

	authority pki.Authority
	backend   Backend

	current Record

	// OnGenerate is called after a new bundle has been generated and stored.
	OnGenerate func()
}

// New returns an empty store. Call Load to pick up persisted state.
func New(authority pki.Authority, backend Backend) *Store {
	return &Store{
		authority: authority,
		backend:   backend,
	}
}

// Load reads the persisted record. An incomplete persisted bundle is dropped,
// so the next Ensure regenerates all of it.
func (s *Store) Load(ctx context.Context) error {
	record, err := s.backend.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "could not load certificate state")
	}
	if !record.Bundle.IsComplete() {
		if record.Bundle != (Bundle{}) {
			klog.Warningf("Persisted certificate bundle is incomplete, it will be regenerated")
		}
		record.Bundle = Bundle{}
	}

	s.Lock()
	defer s.Unlock()
	s.current = record
	return nil
}

// IsComplete reports whether the current bundle has all three fields.
func (s *Store) IsComplete() bool {
	s.Lock()
	defer s.Unlock()
	return s.current.Bundle.IsComplete()
}

// Current returns a copy of the current bundle.
func (s *Store) Current() Bundle {
	s.Lock()
	defer s.Unlock()
	return s.current.Bundle
}

// RecordedVersion is the operator version stored alongside the bundle.
func (s *Store) RecordedVersion() string {
	s.Lock()
	defer s.Unlock()
	return s.current.Version
}

// Replace persists bundle and then makes it current. A partial bundle is
// rejected and the current state is left untouched.
func (s *Store) Replace(ctx context.Context, bundle Bundle) error {
	if !bundle.IsComplete() {
		return errors.New("refusing to store an incomplete certificate bundle")
	}

	s.Lock()
	defer s.Unlock()
	return s.save(ctx, Record{Bundle: bundle, Version: s.current.Version})
}

// RecordVersion persists the operator version next to the current bundle.
func (s *Store) RecordVersion(ctx context.Context, version string) error {
	s.Lock()
	defer s.Unlock()
	if s.current.Version == version {
		return nil
	}
	return s.save(ctx, Record{Bundle: s.current.Bundle, Version: version})
}

func (s *Store) save(ctx context.Context, record Record) error {
	if err := s.backend.Save(ctx, record); err != nil {
		return errors.Wrap(err, "could not persist certificate state")
	}
	s.current = record
	return nil
}

// Ensure generates and stores a new CA and server certificate for
// serviceName.namespace if the current bundle is incomplete. A complete
// bundle is never rotated. It reports whether a bundle was generated.
func (s *Store) Ensure(ctx context.Context, namespace, serviceName string) (bool, error) {
	if s.IsComplete() {
		klog.V(2).Info("Certificate bundle is complete, not generating a new one")
		return false, nil
	}

	klog.Infof("Generating certificates for %s/%s", namespace, serviceName)
	caKey, caCert, err := s.authority.GenerateCA()
	if err != nil {
		return false, err
	}
	key, cert, err := s.authority.GenerateServerCert(caKey, caCert, namespace, serviceName)
	if err != nil {
		return false, err
	}

	bundle := Bundle{
		CA:   string(caCert),
		Cert: string(cert),
		Key:  string(key),
	}
	if err := s.Replace(ctx, bundle); err != nil {
		return false, err
	}
	if s.OnGenerate != nil {
		s.OnGenerate()
	}
	klog.Info("Stored new certificate bundle")
	return true, nil
}

// Purge forgets the current bundle and removes persisted state if the backend
// supports it.
func (s *Store) Purge(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()
	if p, ok := s.backend.(Purger); ok {
		if err := p.Purge(ctx); err != nil {
			return err
		}
	}
	s.current = Record{}
	return nil
}
