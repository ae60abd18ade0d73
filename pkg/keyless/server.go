package keyless

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keylesshq/keyless-go/pkg/keyless/logging"
)

// ServerMetrics receives connection-lifecycle observations in addition to
// the per-request ones ConnMetrics already covers. A nil ServerMetrics is
// valid: Server treats every call as optional.
type ServerMetrics interface {
	ConnMetrics
	ConnOpened()
	ConnClosed()
}

// Server accepts mTLS connections and distributes them across a fixed pool
// of goroutine workers, each running the same Conn.Serve loop a forked
// worker process would have run in the source design. The keystore,
// dispatcher, and tls.Config are built once and shared by reference across
// every worker instead of being duplicated by fork.
type Server struct {
	cfg        Config
	keystore   *Keystore
	dispatcher *Dispatcher
	tlsConfig  *tls.Config
	log        logging.Logger
	metrics    ServerMetrics

	mu        sync.Mutex
	listener  net.Listener
	conns     map[*Conn]struct{}
	activeCnt int64

	connectionsTotal int64
	requestsTotal    int64
	statsMu          sync.Mutex
	perOpcode        map[string]int64
}

// NewServer loads the keystore and TLS identity named by cfg and returns a
// Server ready to Run. Config is validated (and defaulted) as part of this
// call.
func NewServer(cfg Config, log logging.Logger, metrics ServerMetrics) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ks, err := LoadKeystoreDir(cfg.KeystoreDir)
	if err != nil {
		return nil, err
	}
	log.Info(context.Background(), "keystore loaded", "keys", ks.Len(), "dir", cfg.KeystoreDir)

	tlsCfg, err := buildServerTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:        cfg,
		keystore:   ks,
		dispatcher: NewDispatcher(ks),
		tlsConfig:  tlsCfg,
		log:        log,
		metrics:    metrics,
		conns:      make(map[*Conn]struct{}),
		perOpcode:  make(map[string]int64),
	}, nil
}

func buildServerTLSConfig(cfg Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ServerCertFile, cfg.ServerKeyFile)
	if err != nil {
		return nil, fmt.Errorf("keyless: load server certificate: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.ClientCAFile) // #nosec G304 -- operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("keyless: read client CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("keyless: no certificates parsed from %s", cfg.ClientCAFile)
	}

	suites, err := parseCipherList(cfg.CipherList)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		CipherSuites: suites,
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
		// Verification depth 1: the client certificate must be issued
		// directly by a CA in ClientCAs, with no intermediate between them.
		VerifyPeerCertificate: func(_ [][]byte, chains [][]*x509.Certificate) error {
			for _, chain := range chains {
				if len(chain) <= 2 {
					return nil
				}
			}
			return fmt.Errorf("keyless: client certificate is not issued directly by a configured CA")
		},
	}, nil
}

// parseCipherList resolves a comma-separated list of cipher suite names (as
// reported by tls.CipherSuites) into their IDs. An empty list lets
// crypto/tls pick its own default suites.
func parseCipherList(list string) ([]uint16, error) {
	if list == "" {
		return nil, nil
	}

	byName := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		byName[s.Name] = s.ID
	}

	names := strings.Split(list, ",")
	suites := make([]uint16, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("keyless: unknown or insecure cipher suite %q", name)
		}
		suites = append(suites, id)
	}
	return suites, nil
}

// Run listens on cfg.ListenAddr and serves connections until ctx is
// canceled, at which point it stops accepting, closes every open
// connection, and waits for the worker pool to drain before returning.
func (s *Server) Run(ctx context.Context) error {
	ln, err := tls.Listen("tcp", s.cfg.ListenAddr, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("keyless: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info(ctx, "server listening", "addr", s.cfg.ListenAddr, "workers", s.cfg.Workers)

	connCh := make(chan net.Conn)
	var workers sync.WaitGroup
	workers.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		go func(id int) {
			defer workers.Done()
			s.worker(ctx, id, connCh)
		}(i)
	}

	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- s.acceptLoop(ctx, ln, connCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = nil
	case err := <-acceptErr:
		runErr = err
	}

	_ = ln.Close()
	close(connCh)
	s.closeAllConns()
	workers.Wait()

	return runErr
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, connCh chan<- net.Conn) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("keyless: accept: %w", err)
			}
		}
		select {
		case connCh <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}
	}
}

func (s *Server) worker(ctx context.Context, id int, connCh <-chan net.Conn) {
	for raw := range connCh {
		s.serveOne(ctx, raw)
	}
	_ = id // worker identity is only useful for log correlation, kept for future use
}

func (s *Server) serveOne(ctx context.Context, raw net.Conn) {
	c := NewConn(raw, s.dispatcher, s.log, s.cfg.IdleTimeout).WithMetrics(s)

	s.trackConn(c, true)
	defer s.trackConn(c, false)

	if err := c.Serve(ctx); err != nil {
		s.log.Warn(ctx, "connection terminated", "remote", raw.RemoteAddr(), "error", err)
	}
}

func (s *Server) trackConn(c *Conn, opened bool) {
	s.mu.Lock()
	if opened {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
	s.mu.Unlock()

	if opened {
		atomic.AddInt64(&s.activeCnt, 1)
		atomic.AddInt64(&s.connectionsTotal, 1)
	} else {
		atomic.AddInt64(&s.activeCnt, -1)
	}

	if s.metrics == nil {
		return
	}
	if opened {
		s.metrics.ConnOpened()
	} else {
		s.metrics.ConnClosed()
	}
}

// RequestServed implements ConnMetrics so Server can maintain Stats
// regardless of whether an external ServerMetrics (e.g. Prometheus) was
// supplied to NewServer, forwarding to it when one was.
func (s *Server) RequestServed(op Opcode, code ErrorCode, dur time.Duration) {
	atomic.AddInt64(&s.requestsTotal, 1)

	s.statsMu.Lock()
	s.perOpcode[op.String()]++
	s.statsMu.Unlock()

	if s.metrics != nil {
		s.metrics.RequestServed(op, code, dur)
	}
}

// Stats returns a point-in-time snapshot of this server's connection and
// request counters.
func (s *Server) Stats() Stats {
	s.statsMu.Lock()
	perOpcode := make(map[string]int64, len(s.perOpcode))
	for k, v := range s.perOpcode {
		perOpcode[k] = v
	}
	s.statsMu.Unlock()

	return Stats{
		ConnectionsOpen:  atomic.LoadInt64(&s.activeCnt),
		ConnectionsTotal: atomic.LoadInt64(&s.connectionsTotal),
		RequestsTotal:    atomic.LoadInt64(&s.requestsTotal),
		PerOpcode:        perOpcode,
	}
}

func (s *Server) closeAllConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.raw.Close()
	}
}

// ActiveConnections reports the number of connections currently being
// served, for diagnostics and tests.
func (s *Server) ActiveConnections() int64 {
	return atomic.LoadInt64(&s.activeCnt)
}

// Keystore returns the server's loaded keystore, primarily for tests and the
// diagnostics surface.
func (s *Server) Keystore() *Keystore { return s.keystore }
