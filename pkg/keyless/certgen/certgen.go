// Package certgen creates throwaway CA, server, and client certificate
// chains for exercising a keyless server without a real PKI: local
// development, integration tests, and the keyless-gencerts command.
package certgen

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Options controls certificate generation.
type Options struct {
	// KeyBits is the RSA key size used for the CA, server, and client
	// certificates. If zero or negative, 3072 is used.
	KeyBits int

	// ValidityDays is the certificate validity period. If zero or negative,
	// 365 days is used.
	ValidityDays int

	// ServerName is the CommonName and DNS SAN on the server certificate.
	// Defaults to "keyless-server".
	ServerName string

	// ClientName is the CommonName on the client certificate. Defaults to
	// "keyless-client".
	ClientName string

	// IncludeLocalhost adds localhost/127.0.0.1 SAN entries to the server
	// certificate, for local runs against 127.0.0.1:<port>.
	IncludeLocalhost bool
}

func (o *Options) defaults() {
	if o.KeyBits <= 0 {
		o.KeyBits = 3072
	}
	if o.ValidityDays <= 0 {
		o.ValidityDays = 365
	}
	if o.ServerName == "" {
		o.ServerName = "keyless-server"
	}
	if o.ClientName == "" {
		o.ClientName = "keyless-client"
	}
}

// Bundle names the files GenerateMTLSBundle writes into its output
// directory.
type Bundle struct {
	CACert     string
	ServerCert string
	ServerKey  string
	ClientCert string
	ClientKey  string
}

// GenerateMTLSBundle writes a demo CA plus a server and client certificate
// pair signed by it into outputDir, returning the paths it created. The
// server certificate is suitable for Config.ServerCertFile/ServerKeyFile and
// the CA certificate for Config.ClientCAFile.
func GenerateMTLSBundle(outputDir string, opts Options) (Bundle, error) {
	opts.defaults()

	absDir, err := securePath(outputDir)
	if err != nil {
		return Bundle{}, fmt.Errorf("certgen: resolve output dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o750); err != nil {
		return Bundle{}, fmt.Errorf("certgen: create output dir: %w", err)
	}

	caKey, err := rsa.GenerateKey(rand.Reader, opts.KeyBits)
	if err != nil {
		return Bundle{}, fmt.Errorf("certgen: generate CA key: %w", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "keyless-go-demo-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Duration(opts.ValidityDays) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		return Bundle{}, fmt.Errorf("certgen: create CA certificate: %w", err)
	}
	caCertPath := filepath.Join(absDir, "ca-cert.pem")
	if err := writeCert(caCertPath, caDER); err != nil {
		return Bundle{}, err
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return Bundle{}, fmt.Errorf("certgen: parse CA certificate: %w", err)
	}

	serverCertPath, serverKeyPath, err := issueLeaf(absDir, "server", opts.ServerName, caCert, caKey, opts, true)
	if err != nil {
		return Bundle{}, err
	}
	clientCertPath, clientKeyPath, err := issueLeaf(absDir, "client", opts.ClientName, caCert, caKey, opts, false)
	if err != nil {
		return Bundle{}, err
	}

	return Bundle{
		CACert:     caCertPath,
		ServerCert: serverCertPath,
		ServerKey:  serverKeyPath,
		ClientCert: clientCertPath,
		ClientKey:  clientKeyPath,
	}, nil
}

func issueLeaf(dir, role, name string, caCert *x509.Certificate, caKey *rsa.PrivateKey, opts Options, server bool) (certPath, keyPath string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, opts.KeyBits)
	if err != nil {
		return "", "", fmt.Errorf("certgen: generate %s key: %w", role, err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Duration(opts.ValidityDays) * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	if server {
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		tmpl.DNSNames = []string{name}
		if opts.IncludeLocalhost {
			tmpl.DNSNames = append(tmpl.DNSNames, "localhost")
			tmpl.IPAddresses = append(tmpl.IPAddresses, net.ParseIP("127.0.0.1"))
		}
	} else {
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	if err != nil {
		return "", "", fmt.Errorf("certgen: create %s certificate: %w", role, err)
	}

	certPath = filepath.Join(dir, role+"-cert.pem")
	keyPath = filepath.Join(dir, role+"-key.pem")
	if err := writeCert(certPath, der); err != nil {
		return "", "", err
	}
	if err := writeRSAKey(keyPath, key); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

// GenerateKeystoreKey writes a single fresh private key in the *.key PEM
// form LoadKeystoreDir expects. kind is "rsa" or "ecdsa".
func GenerateKeystoreKey(path, kind string, rsaBits int) error {
	cleanPath, err := securePath(path)
	if err != nil {
		return fmt.Errorf("certgen: sanitize key path %s: %w", path, err)
	}
	switch strings.ToLower(kind) {
	case "rsa":
		if rsaBits <= 0 {
			rsaBits = 2048
		}
		key, err := rsa.GenerateKey(rand.Reader, rsaBits)
		if err != nil {
			return fmt.Errorf("certgen: generate RSA key: %w", err)
		}
		return writeRSAKey(cleanPath, key)
	case "ecdsa":
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return fmt.Errorf("certgen: generate ECDSA key: %w", err)
		}
		return writeECKey(cleanPath, key)
	default:
		return fmt.Errorf("certgen: unknown key kind %q (want rsa or ecdsa)", kind)
	}
}

func writeCert(path string, der []byte) error {
	cleanPath, err := securePath(path)
	if err != nil {
		return fmt.Errorf("certgen: sanitize cert path %s: %w", path, err)
	}
	f, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 -- cleanPath validated by securePath
	if err != nil {
		return fmt.Errorf("certgen: open cert %s: %w", cleanPath, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func writeRSAKey(path string, key *rsa.PrivateKey) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 -- path validated by caller via securePath
	if err != nil {
		return fmt.Errorf("certgen: open key %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func writeECKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("certgen: marshal EC key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 -- path validated by caller via securePath
	if err != nil {
		return fmt.Errorf("certgen: open key %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func securePath(path string) (string, error) {
	clean := filepath.Clean(path)
	absPath, err := filepath.Abs(clean)
	if err != nil {
		return "", err
	}
	base, err := os.Getwd()
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, absPath)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes working directory", path)
	}
	return absPath, nil
}
