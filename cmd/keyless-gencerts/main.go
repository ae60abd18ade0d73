// Command keyless-gencerts writes a throwaway CA, server, and client mTLS
// certificate chain, for local development and test harnesses rather than
// production issuance.
package main

import (
	"flag"
	"log"

	"github.com/keylesshq/keyless-go/pkg/keyless/certgen"
)

func main() {
	var (
		outputDir  = flag.String("output", "./certs", "directory to write the certificate bundle")
		serverName = flag.String("server-name", "keyless-server", "CommonName/DNS SAN for the server certificate")
		clientName = flag.String("client-name", "keyless-client", "CommonName for the client certificate")
		keyBits    = flag.Int("key-bits", 3072, "RSA key size for the CA and leaf certificates")
		days       = flag.Int("days", 365, "certificate validity in days")
		localhost  = flag.Bool("localhost", true, "include localhost/127.0.0.1 SANs on the server certificate")
	)
	flag.Parse()

	bundle, err := certgen.GenerateMTLSBundle(*outputDir, certgen.Options{
		KeyBits:          *keyBits,
		ValidityDays:     *days,
		ServerName:       *serverName,
		ClientName:       *clientName,
		IncludeLocalhost: *localhost,
	})
	if err != nil {
		log.Fatalf("generate certificate bundle: %v", err)
	}

	log.Printf("wrote CA certificate: %s", bundle.CACert)
	log.Printf("wrote server certificate: %s (key: %s)", bundle.ServerCert, bundle.ServerKey)
	log.Printf("wrote client certificate: %s (key: %s)", bundle.ClientCert, bundle.ClientKey)
}
