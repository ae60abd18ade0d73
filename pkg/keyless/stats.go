package keyless

// Stats is a point-in-time snapshot of a Server's connection and request
// counters, independent of whether Prometheus metrics (pkg/keyless/metrics)
// are wired in. It backs both the A2 /stats diagnostic endpoint and the
// keyless-client stats subcommand.
type Stats struct {
	ConnectionsOpen  int64            `json:"connections_open"`
	ConnectionsTotal int64            `json:"connections_total"`
	RequestsTotal    int64            `json:"requests_total"`
	PerOpcode        map[string]int64 `json:"per_opcode"`
}
