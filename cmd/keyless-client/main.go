// Command keyless-client is a reference client for manual smoke tests
// against a running keyless-server: it dials over mTLS, encodes a request
// frame, and prints the decoded response.
package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"lukechampine.com/frand"

	"github.com/keylesshq/keyless-go/pkg/keyless"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "ping":
		err = runPing(os.Args[2:])
	case "sign":
		err = runSign(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "keyless-client: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: keyless-client <ping|sign|stats> [flags]")
}

// mtlsFlags is the set of connection flags shared by the ping and sign
// subcommands.
type mtlsFlags struct {
	addr       string
	clientCert string
	clientKey  string
	caFile     string
	serverName string
}

func addMTLSFlags(fs *flag.FlagSet) *mtlsFlags {
	f := &mtlsFlags{}
	fs.StringVar(&f.addr, "addr", "127.0.0.1:2407", "keyless-server address")
	fs.StringVar(&f.clientCert, "client-cert", "", "client certificate for the mTLS handshake")
	fs.StringVar(&f.clientKey, "client-key", "", "private key for -client-cert")
	fs.StringVar(&f.caFile, "ca", "", "CA bundle the server's certificate must chain to")
	fs.StringVar(&f.serverName, "server-name", "keyless-server", "expected server certificate DNS name")
	return f
}

func (f *mtlsFlags) dial() (*tls.Conn, error) {
	cert, err := tls.LoadX509KeyPair(f.clientCert, f.clientKey)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	caPEM, err := os.ReadFile(f.caFile) // #nosec G304 -- operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("read ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates parsed from %s", f.caFile)
	}
	return tls.Dial("tcp", f.addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   f.serverName,
		MinVersion:   tls.VersionTLS12,
	})
}

func runPing(args []string) error {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	mf := addMTLSFlags(fs)
	message := fs.String("message", "ping", "payload to echo back")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conn, err := mf.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	frame, err := keyless.EncodeRequest(nextRequestID(), keyless.OpPing, nil, []byte(*message))
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	h, items, err := send(conn, frame)
	if err != nil {
		return err
	}

	op, _ := items.Opcode()
	payload, _ := items.Payload()
	fmt.Printf("id=%d opcode=%s payload=%q\n", h.ID, op, payload)
	return nil
}

func runSign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	mf := addMTLSFlags(fs)
	opFlag := fs.String("op", "RSA_SIGN_SHA256", "wire opcode to send (e.g. RSA_SIGN_SHA256, RSA_DECRYPT, ECDSA_SIGN_SHA256)")
	keyIDHex := fs.String("key-id", "", "hex-encoded SHA-256 digest naming the key to use")
	payloadHex := fs.String("payload", "", "hex-encoded request payload (a pre-computed digest for *_SIGN_* opcodes)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	op, err := parseOpcode(*opFlag)
	if err != nil {
		return err
	}
	keyID, err := hex.DecodeString(*keyIDHex)
	if err != nil {
		return fmt.Errorf("decode -key-id: %w", err)
	}
	payload, err := hex.DecodeString(*payloadHex)
	if err != nil {
		return fmt.Errorf("decode -payload: %w", err)
	}

	conn, err := mf.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	frame, err := keyless.EncodeRequest(nextRequestID(), op, keyID, payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	h, items, err := send(conn, frame)
	if err != nil {
		return err
	}

	respOp, _ := items.Opcode()
	if respOp == keyless.OpError {
		code, _ := items.Error()
		return fmt.Errorf("server returned id=%d error=%s", h.ID, code)
	}
	result, _ := items.Payload()
	fmt.Printf("id=%d opcode=%s result=%s\n", h.ID, respOp, hex.EncodeToString(result))
	return nil
}

// runStats fetches the JSON snapshot keyless-server publishes alongside its
// Prometheus endpoint, rather than round-tripping the wire protocol (there
// is no STATS opcode; the snapshot is a control-plane concern, not a
// cryptographic one).
func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	metricsAddr := fs.String("metrics-addr", "127.0.0.1:9090", "keyless-server -metrics-addr value")
	if err := fs.Parse(args); err != nil {
		return err
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/stats", *metricsAddr)) // #nosec G107 -- operator-provided address
	if err != nil {
		return fmt.Errorf("fetch stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch stats: unexpected status %s", resp.Status)
	}

	var stats keyless.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode stats: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func parseOpcode(name string) (keyless.Opcode, error) {
	switch name {
	case "RSA_DECRYPT":
		return keyless.OpRSADecrypt, nil
	case "RSA_DECRYPT_RAW":
		return keyless.OpRSADecryptRaw, nil
	case "RSA_SIGN_MD5SHA1":
		return keyless.OpRSASignMD5SHA1, nil
	case "RSA_SIGN_SHA1":
		return keyless.OpRSASignSHA1, nil
	case "RSA_SIGN_SHA224":
		return keyless.OpRSASignSHA224, nil
	case "RSA_SIGN_SHA256":
		return keyless.OpRSASignSHA256, nil
	case "RSA_SIGN_SHA384":
		return keyless.OpRSASignSHA384, nil
	case "RSA_SIGN_SHA512":
		return keyless.OpRSASignSHA512, nil
	case "ECDSA_SIGN_MD5SHA1":
		return keyless.OpECDSASignMD5SHA1, nil
	case "ECDSA_SIGN_SHA1":
		return keyless.OpECDSASignSHA1, nil
	case "ECDSA_SIGN_SHA224":
		return keyless.OpECDSASignSHA224, nil
	case "ECDSA_SIGN_SHA256":
		return keyless.OpECDSASignSHA256, nil
	case "ECDSA_SIGN_SHA384":
		return keyless.OpECDSASignSHA384, nil
	case "ECDSA_SIGN_SHA512":
		return keyless.OpECDSASignSHA512, nil
	default:
		return 0, fmt.Errorf("unknown opcode %q", name)
	}
}

// nextRequestID picks a correlation id using a fast non-cryptographic RNG;
// collisions are harmless since nothing but this one connection observes it.
func nextRequestID() keyless.RequestID {
	var buf [4]byte
	frand.Read(buf[:])
	return keyless.RequestID(binary.BigEndian.Uint32(buf[:]))
}

func send(conn net.Conn, frame []byte) (keyless.Header, keyless.Items, error) {
	if _, err := conn.Write(frame); err != nil {
		return keyless.Header{}, nil, fmt.Errorf("write request: %w", err)
	}

	header := make([]byte, keyless.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return keyless.Header{}, nil, fmt.Errorf("read response header: %w", err)
	}
	h, err := keyless.DecodeHeader(header)
	if err != nil {
		return keyless.Header{}, nil, fmt.Errorf("decode response header: %w", err)
	}

	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return keyless.Header{}, nil, fmt.Errorf("read response payload: %w", err)
	}

	_, items, err := keyless.DecodeResponse(append(header, payload...))
	if err != nil {
		return keyless.Header{}, nil, fmt.Errorf("decode response: %w", err)
	}
	return h, items, nil
}
