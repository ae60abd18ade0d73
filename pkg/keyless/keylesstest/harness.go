// Package keylesstest stands up a real keyless.Server over TLS on a loopback
// port, backed by throwaway certgen-generated certificates and keys, for
// tests that want to exercise the full mTLS handshake and wire protocol
// rather than calling package internals directly.
package keylesstest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/keylesshq/keyless-go/pkg/keyless"
	"github.com/keylesshq/keyless-go/pkg/keyless/certgen"
	"github.com/keylesshq/keyless-go/pkg/keyless/logging"
)

// Harness owns a running server and the client material needed to dial it.
type Harness struct {
	Addr       string
	ClientCert tls.Certificate
	RootCAs    *x509.CertPool

	cancel context.CancelFunc
	done   chan struct{}
}

// Start generates a demo mTLS bundle, writes keyFiles into the keystore
// directory, and runs a server on 127.0.0.1 until the test ends (via
// t.Cleanup) or Stop is called.
func Start(t *testing.T, keyFiles map[string][]byte) *Harness {
	t.Helper()

	dir := t.TempDir()
	bundle, err := certgen.GenerateMTLSBundle(dir, certgen.Options{IncludeLocalhost: true})
	if err != nil {
		t.Fatalf("keylesstest: generate mtls bundle: %v", err)
	}

	keystoreDir := dir + "/keys"
	if err := os.Mkdir(keystoreDir, 0o750); err != nil {
		t.Fatalf("keylesstest: make keystore dir: %v", err)
	}
	for name, pem := range keyFiles {
		if err := os.WriteFile(keystoreDir+"/"+name, pem, 0o600); err != nil {
			t.Fatalf("keylesstest: write key %s: %v", name, err)
		}
	}
	if len(keyFiles) == 0 {
		// LoadKeystoreDir refuses to start with zero keys; callers that only
		// care about PING or protocol-framing behavior still need the
		// server to start, so seed one unused key.
		if err := certgen.GenerateKeystoreKey(keystoreDir+"/_unused.key", "rsa", 2048); err != nil {
			t.Fatalf("keylesstest: seed placeholder key: %v", err)
		}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("keylesstest: reserve port: %v", err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		t.Fatalf("keylesstest: release reserved port: %v", err)
	}

	cfg := keyless.Config{
		ListenAddr:     addr,
		KeystoreDir:    keystoreDir,
		ServerCertFile: bundle.ServerCert,
		ServerKeyFile:  bundle.ServerKey,
		ClientCAFile:   bundle.CACert,
		CipherList:     "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
		Workers:        2,
	}

	srv, err := keyless.NewServer(cfg, logging.Silent(nil), nil)
	if err != nil {
		t.Fatalf("keylesstest: new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()

	h := &Harness{cancel: cancel, done: done}
	if err := h.waitListening(addr); err != nil {
		cancel()
		t.Fatalf("keylesstest: server never started: %v", err)
	}

	clientCert, err := tls.LoadX509KeyPair(bundle.ClientCert, bundle.ClientKey)
	if err != nil {
		t.Fatalf("keylesstest: load client cert: %v", err)
	}
	caPEM, err := os.ReadFile(bundle.CACert)
	if err != nil {
		t.Fatalf("keylesstest: read ca cert: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		t.Fatalf("keylesstest: parse ca cert")
	}

	h.Addr = addr
	h.ClientCert = clientCert
	h.RootCAs = pool

	t.Cleanup(h.Stop)
	return h
}

// Stop cancels the server and waits for it to return.
func (h *Harness) Stop() {
	h.cancel()
	<-h.done
}

// Dial opens an mTLS connection to the harness server.
func (h *Harness) Dial() (*tls.Conn, error) {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{h.ClientCert},
		RootCAs:      h.RootCAs,
		ServerName:   "keyless-server",
		MinVersion:   tls.VersionTLS12,
	}
	conn, err := tls.Dial("tcp", h.Addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("keylesstest: dial: %w", err)
	}
	return conn, nil
}

func (h *Harness) waitListening(addr string) error {
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	return lastErr
}
