package pki

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"text/template"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// sslConfTemplate is the openssl request configuration. It carries the
// distinguished name, the req_ext profile put on the CSR and the v3_ext profile
// applied when the CA signs it.
var sslConfTemplate = template.Must(template.New("ssl.conf").
	Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
	Option("missingkey=error").
	Parse(`[ req ]
default_bits = {{ .Bits }}
prompt = no
default_md = sha256
req_extensions = {{ .ReqExt }}
distinguished_name = dn
[ dn ]
C = GB
ST = Canonical
L = Canonical
O = Canonical
OU = Canonical
CN = {{ .CommonName }}
[ {{ .ReqExt }} ]
subjectAltName = @alt_names
[ alt_names ]
{{- range $i, $name := .SANs.DNSNames }}
DNS.{{ inc $i }} = {{ $name }}
{{- end }}
{{- range $i, $ip := .SANs.IPAddresses }}
IP.{{ inc $i }} = {{ $ip }}
{{- end }}
[ {{ .V3Ext }} ]
authorityKeyIdentifier=keyid,issuer:always
basicConstraints=CA:FALSE
keyUsage=keyEncipherment,dataEncipherment,digitalSignature
extendedKeyUsage=serverAuth,clientAuth
subjectAltName=@alt_names
`))

// OpenSSL is an Authority that shells out to the openssl binary. Every call
// works in its own temporary directory, which is removed on return whether or
// not the call succeeded.
type OpenSSL struct {
	// Binary is the openssl executable, looked up in PATH if not absolute.
	Binary string
}

var _ Authority = &OpenSSL{}

// NewOpenSSL returns an Authority using the given openssl binary.
func NewOpenSSL(binary string) *OpenSSL {
	if binary == "" {
		binary = "openssl"
	}
	return &OpenSSL{Binary: binary}
}

func (o *OpenSSL) GenerateCA() ([]byte, []byte, error) {
	var caKey, caCert []byte
	err := o.inWorkspace(func(dir string) error {
		if err := o.run(dir, "genrsa", "-out", "ca.key", strconv.Itoa(KeyBits)); err != nil {
			return err
		}
		if err := o.run(dir, "req", "-x509", "-new", "-sha256", "-nodes",
			"-days", strconv.Itoa(int(CAValidity/OneDay)),
			"-key", "ca.key",
			"-subj", "/CN="+CommonName,
			"-out", "ca.crt"); err != nil {
			return err
		}
		var err error
		if caKey, err = os.ReadFile(filepath.Join(dir, "ca.key")); err != nil {
			return toolError("read ca.key", err)
		}
		if caCert, err = os.ReadFile(filepath.Join(dir, "ca.crt")); err != nil {
			return toolError("read ca.crt", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return caKey, caCert, nil
}

func (o *OpenSSL) GenerateServerCert(caKey, caCert []byte, namespace, serviceName string) ([]byte, []byte, error) {
	var key, cert []byte
	err := o.inWorkspace(func(dir string) error {
		if err := writeFiles(dir, map[string][]byte{"ca.key": caKey, "ca.crt": caCert}); err != nil {
			return toolError("write CA", err)
		}

		conf := bytes.Buffer{}
		if err := sslConfTemplate.Execute(&conf, map[string]interface{}{
			"Bits":       KeyBits,
			"CommonName": CommonName,
			"ReqExt":     ReqExtProfile,
			"V3Ext":      V3ExtProfile,
			"SANs":       SubjectAltNames(namespace, serviceName),
		}); err != nil {
			return toolError("render ssl.conf", err)
		}
		if err := writeFiles(dir, map[string][]byte{"ssl.conf": conf.Bytes()}); err != nil {
			return toolError("write ssl.conf", err)
		}

		if err := o.run(dir, "genrsa", "-out", "server.key", strconv.Itoa(KeyBits)); err != nil {
			return err
		}
		if err := o.run(dir, "req", "-new", "-sha256",
			"-key", "server.key",
			"-out", "server.csr",
			"-config", "ssl.conf"); err != nil {
			return err
		}
		if err := o.run(dir, "x509", "-req", "-sha256",
			"-in", "server.csr",
			"-CA", "ca.crt",
			"-CAkey", "ca.key",
			"-CAcreateserial",
			"-out", "cert.pem",
			"-days", strconv.Itoa(int(ServerValidity/OneDay)),
			"-extensions", V3ExtProfile,
			"-extfile", "ssl.conf"); err != nil {
			return err
		}

		var err error
		if key, err = os.ReadFile(filepath.Join(dir, "server.key")); err != nil {
			return toolError("read server.key", err)
		}
		if cert, err = os.ReadFile(filepath.Join(dir, "cert.pem")); err != nil {
			return toolError("read cert.pem", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

// inWorkspace runs fn inside a fresh temporary directory and always removes it.
func (o *OpenSSL) inWorkspace(fn func(dir string) error) error {
	dir, err := os.MkdirTemp("", "cert-gen-")
	if err != nil {
		return toolError("mktemp", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			klog.Warningf("failed to clean up certificate workspace %s: %v", dir, err)
		}
	}()
	return fn(dir)
}

func (o *OpenSSL) run(dir string, args ...string) error {
	klog.V(4).Infof("running %s %v", o.Binary, args)
	cmd := exec.Command(o.Binary, args...)
	cmd.Dir = dir
	stderr := bytes.Buffer{}
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return toolError(args[0], errors.Wrapf(err, "%s", bytes.TrimSpace(stderr.Bytes())))
	}
	return nil
}

func writeFiles(dir string, files map[string][]byte) error {
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o600); err != nil {
			return err
		}
	}
	return nil
}
