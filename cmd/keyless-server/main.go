// Command keyless-server accepts mTLS connections and answers RSA/ECDSA
// sign and decrypt requests on behalf of clients holding only the
// corresponding public certificate.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/keylesshq/keyless-go/pkg/keyless"
	"github.com/keylesshq/keyless-go/pkg/keyless/initscript"
	"github.com/keylesshq/keyless-go/pkg/keyless/logging"
	"github.com/keylesshq/keyless-go/pkg/keyless/metrics"
	"github.com/keylesshq/keyless-go/pkg/keyless/pidfile"
	"github.com/keylesshq/keyless-go/pkg/keyless/procstats"
)

func main() {
	var (
		port        = flag.Uint("port", 0, "TCP port to accept mTLS connections on (required)")
		keysDir     = flag.String("private-key-directory", "", "directory of *.key private key files (required)")
		serverCert  = flag.String("server-cert", "", "server certificate presented during the mTLS handshake (required)")
		serverKey   = flag.String("server-key", "", "private key for -server-cert (required)")
		clientCA    = flag.String("ca-file", "", "PEM bundle of CA certificates trusted to sign client certificates (required)")
		cipherList  = flag.String("cipher-list", "", "comma-separated TLS cipher suite names to negotiate (required)")
		workers     = flag.Int("num-workers", keyless.DefaultWorkers, "number of goroutine workers servicing connections, 1..32")
		idleTimeout = flag.Duration("idle-timeout", 0, "close a connection after this much time without a request (0 disables)")
		metricsAddr = flag.String("metrics-addr", "", "address to serve Prometheus /metrics and /stats on (empty disables)")
		pidFile     = flag.String("pid-file", "", "path to write this process's PID to")
		silent      = flag.Bool("silent", false, "suppress non-fatal logs")
		initScript  = flag.String("init-script", "", "write a SysV init script for this binary to this path and exit")
	)
	flag.Parse()

	if *port == 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "keyless-server: -port is required and must be 1..65535")
		os.Exit(1)
	}
	listenAddr := fmt.Sprintf(":%d", *port)

	if *initScript != "" {
		if err := writeInitScript(*initScript, listenAddr, *keysDir, *serverCert, *serverKey, *clientCA, *cipherList); err != nil {
			fmt.Fprintf(os.Stderr, "%+v\n", err)
			os.Exit(1)
		}
		return
	}

	log := newLogger(*silent)

	cfg := keyless.Config{
		ListenAddr:     listenAddr,
		KeystoreDir:    *keysDir,
		ServerCertFile: *serverCert,
		ServerKeyFile:  *serverKey,
		ClientCAFile:   *clientCA,
		CipherList:     *cipherList,
		Workers:        *workers,
		IdleTimeout:    *idleTimeout,
		MetricsAddr:    *metricsAddr,
		PIDFile:        *pidFile,
		Silent:         *silent,
	}

	if err := run(cfg, log); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

func run(cfg keyless.Config, log logging.Logger) error {
	var m *metrics.Metrics
	var serverMetrics keyless.ServerMetrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
		serverMetrics = m
	}

	srv, err := keyless.NewServer(cfg, log, serverMetrics)
	if err != nil {
		return errors.Wrap(err, "start keyless server")
	}

	if err := pidfile.Write(cfg.PIDFile); err != nil {
		return errors.Wrap(err, "write pid file")
	}
	defer func() {
		if err := pidfile.Remove(cfg.PIDFile); err != nil {
			log.Warn(context.Background(), "failed to remove pid file", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if m != nil {
		go serveMetrics(ctx, cfg.MetricsAddr, m, srv, log)
	}

	if !cfg.Silent {
		log.Info(ctx, "starting keyless server",
			"listen", cfg.ListenAddr, "workers", cfg.Workers, "keys", srv.Keystore().Len())
		if reporter, err := procstats.NewReporter(); err != nil {
			log.Warn(ctx, "process diagnostics unavailable", "error", err)
		} else {
			go reportProcessStats(ctx, reporter, log)
		}
	}

	if err := srv.Run(ctx); err != nil {
		return errors.Wrap(err, "serve")
	}
	log.Info(context.Background(), "shutdown complete")
	return nil
}

func reportProcessStats(ctx context.Context, reporter *procstats.Reporter, log logging.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := reporter.Sample()
			if err != nil {
				log.Warn(ctx, "process diagnostics sample failed", "error", err)
				continue
			}
			log.Info(ctx, "process diagnostics",
				"cpu_percent", sample.CPUPercent,
				"rss_bytes", sample.RSSBytes,
				"vsize_bytes", sample.VMSizeBytes)
		}
	}
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, srv *keyless.Server, log logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(srv.Stats())
	})
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn(context.Background(), "metrics server stopped", "error", err)
	}
}

func newLogger(silent bool) logging.Logger {
	handler := slog.NewJSONHandler(os.Stderr, nil)
	base := slog.New(handler)
	if silent {
		return logging.Silent(base)
	}
	return logging.New(base)
}

func writeInitScript(path, listenAddr, keysDir, serverCert, serverKey, clientCA, cipherList string) error {
	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "resolve own executable path")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755) // #nosec G302 -- an init script must be executable
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	port := strings.TrimPrefix(listenAddr, ":")
	return initscript.Render(f, initscript.Params{
		Name:       "keyless-server",
		BinaryPath: exe,
		Args: []string{
			"-port", port,
			"-private-key-directory", keysDir,
			"-server-cert", serverCert,
			"-server-key", serverKey,
			"-ca-file", clientCA,
			"-cipher-list", cipherList,
		},
		PIDFile: "/var/run/keyless-server.pid",
	})
}
