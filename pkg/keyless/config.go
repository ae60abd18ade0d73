package keyless

import (
	"fmt"
	"time"
)

// Config collects everything a Server needs to start: where to listen, which
// mTLS identity and trust roots to present, where its private keys live, and
// the size of the worker pool that services accepted connections. Field
// names track the CLI surface's --flag names one for one; nothing here
// depends on flag.
type Config struct {
	// ListenAddr is the TCP address to accept connections on, e.g. ":2407"
	// (backs --port).
	ListenAddr string

	// KeystoreDir holds the *.key files loaded into the server's Keystore at
	// startup (backs --private-key-directory).
	KeystoreDir string

	// ServerCertFile and ServerKeyFile identify this server to connecting
	// clients during the mTLS handshake (--server-cert, --server-key).
	ServerCertFile string
	ServerKeyFile  string

	// ClientCAFile is a PEM bundle of CA certificates trusted to sign client
	// certificates (--ca-file). Every connection must present a certificate
	// verifying against this pool (spec invariant I1); there is no anonymous
	// mode.
	ClientCAFile string

	// CipherList is a comma-separated list of TLS cipher suite names (as
	// reported by tls.CipherSuites, e.g.
	// "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256") the server is willing to
	// negotiate (backs --cipher-list).
	CipherList string

	// Workers is the number of goroutine workers servicing accepted
	// connections, 1..32 (backs --num-workers). Zero defaults to
	// DefaultWorkers.
	Workers int

	// IdleTimeout bounds how long a connection may sit between requests
	// before the server closes it. Zero disables the timeout.
	IdleTimeout time.Duration

	// MetricsAddr, if non-empty, is the address a Prometheus /metrics
	// endpoint is served on. Empty disables metrics entirely.
	MetricsAddr string

	// PIDFile, if non-empty, receives the process id on startup and is
	// removed on clean shutdown (--pid-file).
	PIDFile string

	// Silent suppresses Debug/Info/Warn logging, leaving only Error
	// (--silent).
	Silent bool
}

// DefaultWorkers is used when Config.Workers is zero, matching spec.md's
// --num-workers default of 1.
const DefaultWorkers = 1

// MaxWorkers is the upper bound spec.md places on --num-workers.
const MaxWorkers = 32

// Validate checks the required fields are present and applies defaults.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("keyless: listen address (--port) required")
	}
	if c.KeystoreDir == "" {
		return fmt.Errorf("keyless: private key directory (--private-key-directory) required")
	}
	if c.ServerCertFile == "" || c.ServerKeyFile == "" {
		return fmt.Errorf("keyless: server certificate and key (--server-cert, --server-key) required")
	}
	if c.ClientCAFile == "" {
		return fmt.Errorf("keyless: client CA bundle (--ca-file) required")
	}
	if c.CipherList == "" {
		return fmt.Errorf("keyless: cipher list (--cipher-list) required")
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.Workers < 1 || c.Workers > MaxWorkers {
		return fmt.Errorf("keyless: workers (--num-workers) must be between 1 and %d, got %d", MaxWorkers, c.Workers)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("keyless: idle timeout must not be negative, got %s", c.IdleTimeout)
	}
	return nil
}
