package pki

// pki issues the self-signed CA and the serving certificate used by the
// admission webhook. The CA signs exactly one server certificate whose SANs
// cover every in-cluster DNS name of the webhook Service.

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	OneDay = 24 * time.Hour

	// CAValidity is how long the self-signed root is valid.
	CAValidity = 3650 * OneDay
	// ServerValidity is how long the serving certificate is valid.
	ServerValidity = 365 * OneDay

	// KeyBits is the RSA modulus size of every generated key.
	KeyBits = 2048

	// CommonName is the subject CN of both the CA and the serving certificate.
	CommonName = "127.0.0.1"

	// ReqExtProfile names the extensions carried by the signing request.
	ReqExtProfile = "req_ext"
	// V3ExtProfile names the extensions the CA puts on the issued certificate.
	V3ExtProfile = "v3_ext"
)

// Authority generates a CA and signs server certificates with it.
// The two halves are separate so either can be swapped independently.
type Authority interface {
	// GenerateCA returns a PEM encoded CA private key and self-signed certificate.
	GenerateCA() (caKey, caCert []byte, err error)

	// GenerateServerCert returns a PEM encoded private key and certificate for
	// serviceName in namespace, signed by the given CA.
	GenerateServerCert(caKey, caCert []byte, namespace, serviceName string) (key, cert []byte, err error)
}

// CryptoToolError is returned when any step of certificate generation fails.
// No key material is returned alongside it.
type CryptoToolError struct {
	Op  string
	Err error
}

func (e *CryptoToolError) Error() string {
	return fmt.Sprintf("certificate generation failed (%s): %v", e.Op, e.Err)
}

func (e *CryptoToolError) Unwrap() error {
	return e.Err
}

func toolError(op string, err error) error {
	return &CryptoToolError{Op: op, Err: err}
}

// SANSet is the set of subject alternative names of the serving certificate.
type SANSet struct {
	DNSNames    []string
	IPAddresses []net.IP
}

// SubjectAltNames returns the names the webhook Service is reachable under
// from inside the cluster, plus the loopback address.
func SubjectAltNames(namespace, serviceName string) SANSet {
	return SANSet{
		DNSNames: []string{
			serviceName,
			fmt.Sprintf("%s.%s", serviceName, namespace),
			fmt.Sprintf("%s.%s.svc", serviceName, namespace),
			fmt.Sprintf("%s.%s.svc.cluster", serviceName, namespace),
			fmt.Sprintf("%s.%s.svc.cluster.local", serviceName, namespace),
		},
		IPAddresses: []net.IP{net.ParseIP(CommonName)},
	}
}

// x509Authority generates everything in process with crypto/x509.
type x509Authority struct {
	random io.Reader
	now    func() time.Time
}

var _ Authority = &x509Authority{}

// New returns an Authority backed by crypto/x509.
func New() Authority {
	return &x509Authority{
		random: rand.Reader,
		now:    time.Now,
	}
}

func (a *x509Authority) GenerateCA() ([]byte, []byte, error) {
	klog.V(2).Info("Generating webhook CA")
	caKey, err := rsa.GenerateKey(a.random, KeyBits)
	if err != nil {
		return nil, nil, toolError("genrsa ca.key", err)
	}

	serial, err := a.serialNumber()
	if err != nil {
		return nil, nil, toolError("req -x509", err)
	}
	skid, err := subjectKeyID(&caKey.PublicKey)
	if err != nil {
		return nil, nil, toolError("req -x509", err)
	}

	notBefore := a.now().Add(-1 * time.Second)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: CommonName},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(CAValidity),
		SignatureAlgorithm:    x509.SHA256WithRSA,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          skid,
	}

	der, err := x509.CreateCertificate(a.random, template, template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, toolError("req -x509", err)
	}

	return encodePrivateKey(caKey), encodeCertificate(der), nil
}

func (a *x509Authority) GenerateServerCert(caKeyPEM, caCertPEM []byte, namespace, serviceName string) ([]byte, []byte, error) {
	klog.V(2).Infof("Generating webhook certificate for %s/%s", namespace, serviceName)
	caCert, err := DecodeCertificate(caCertPEM)
	if err != nil {
		return nil, nil, toolError("x509 -req", errors.Wrap(err, "invalid CA certificate"))
	}
	caKey, err := DecodePrivateKey(caKeyPEM)
	if err != nil {
		return nil, nil, toolError("x509 -req", errors.Wrap(err, "invalid CA key"))
	}

	key, err := rsa.GenerateKey(a.random, KeyBits)
	if err != nil {
		return nil, nil, toolError("genrsa server.key", err)
	}

	csr, err := a.newCertificateRequest(key, SubjectAltNames(namespace, serviceName))
	if err != nil {
		return nil, nil, toolError("req -new", err)
	}

	template, err := a.newServerTemplate(csr)
	if err != nil {
		return nil, nil, toolError("x509 -req", err)
	}
	der, err := x509.CreateCertificate(a.random, template, caCert, csr.PublicKey, caKey)
	if err != nil {
		return nil, nil, toolError("x509 -req", err)
	}

	return encodePrivateKey(key), encodeCertificate(der), nil
}

// newCertificateRequest builds and self-verifies a CSR carrying the req_ext
// profile, i.e. the subject alternative names.
func (a *x509Authority) newCertificateRequest(key *rsa.PrivateKey, sans SANSet) (*x509.CertificateRequest, error) {
	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			Country:            []string{"GB"},
			Province:           []string{"Canonical"},
			Locality:           []string{"Canonical"},
			Organization:       []string{"Canonical"},
			OrganizationalUnit: []string{"Canonical"},
			CommonName:         CommonName,
		},
		SignatureAlgorithm: x509.SHA256WithRSA,
		DNSNames:           sans.DNSNames,
		IPAddresses:        sans.IPAddresses,
	}
	der, err := x509.CreateCertificateRequest(a.random, template, key)
	if err != nil {
		return nil, err
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, err
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, errors.Wrap(err, "CSR signature is invalid")
	}
	return csr, nil
}

// newServerTemplate returns the v3_ext profile for a request: a leaf that can
// be used for both server and client auth, with the SANs copied from the CSR.
// The authority key identifier is filled in from the issuer on signing.
func (a *x509Authority) newServerTemplate(csr *x509.CertificateRequest) (*x509.Certificate, error) {
	serial, err := a.serialNumber()
	if err != nil {
		return nil, err
	}
	notBefore := a.now().Add(-1 * time.Second)

	return &x509.Certificate{
		SerialNumber:       serial,
		Subject:            csr.Subject,
		NotBefore:          notBefore,
		NotAfter:           notBefore.Add(ServerValidity),
		SignatureAlgorithm: x509.SHA256WithRSA,

		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},

		BasicConstraintsValid: true,
		IsCA:                  false,

		DNSNames:    csr.DNSNames,
		IPAddresses: csr.IPAddresses,
	}, nil
}

func (a *x509Authority) serialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(a.random, limit)
}

// subjectKeyID is the SHA-1 of the public key bits (RFC 5280 4.2.1.2 method 1).
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, err
	}
	sum := sha1.Sum(spki.PublicKey.Bytes)
	return sum[:], nil
}

func encodeCertificate(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func encodePrivateKey(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

// DecodeCertificate parses the first CERTIFICATE block of pemBytes.
func DecodeCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("PEM block type must be CERTIFICATE")
	}
	return x509.ParseCertificate(block.Bytes)
}

// DecodePrivateKey parses an RSA key in either PKCS#1 or PKCS#8 form; openssl
// 3 writes the latter.
func DecodePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.Errorf("unsupported private key type %T", k)
		}
		return rsaKey, nil
	default:
		return nil, errors.Errorf("unsupported PEM block type %q", block.Type)
	}
}
