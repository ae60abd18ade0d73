// Package keyless implements the connection protocol engine for a private-key
// operation server: a framed binary request/response protocol carried over
// mutually authenticated TLS, a keystore that resolves a request to a private
// key by a digest over its public material, and a dispatcher that executes
// the requested RSA/ECDSA operation against that key.
//
// The package is organized around the components of the protocol:
//
//   - frame.go: the wire codec (header + TLV item payload)
//   - keystore.go: digest -> key lookup
//   - dispatch.go: operation execution against a resolved key
//   - conn.go: per-connection read/write state machine
//   - server.go: mTLS acceptor and worker pool
//   - config.go: server configuration
//   - errors.go: wire error codes
//   - ring.go: the bounded outbound queue
package keyless
