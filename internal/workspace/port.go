// ABOUTME: Deterministic workspace port assignment with collision probing.
// ABOUTME: Polynomial path hash maps a workspace to a stable preferred port.

package workspace

import (
	"errors"
	"fmt"
	"net"
)

// hashPrime keeps the rolling hash inside a well-distributed field.
const hashPrime = 1_000_000_007

// DefaultPortRange is the hub's port window when config does not override it.
var DefaultPortRange = PortRange{Min: 42000, Max: 42099}

// DefaultProbeLimit bounds the linear collision probe.
const DefaultProbeLimit = 20

// ErrNoFreePort indicates every probed candidate port was occupied.
var ErrNoFreePort = errors.New("no free port in workspace range")

// PortRange is an inclusive port window.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

func (r PortRange) size() int { return r.Max - r.Min + 1 }

// Valid reports whether the range is usable.
func (r PortRange) Valid() bool {
	return r.Min > 0 && r.Max <= 65535 && r.Min <= r.Max
}

// PortFor hashes the absolute workspace path into the range. The same path
// always yields the same preferred port, so restarts land on the port an
// earlier instance cached.
func PortFor(workspacePath string, r PortRange) int {
	var h uint64
	for _, b := range []byte(workspacePath) {
		h = (h*31 + uint64(b)) % hashPrime
	}
	return r.Min + int(h%uint64(r.size()))
}

// ClaimPort probes up to limit candidate ports starting at the path's
// preferred port, wrapping at the range boundary, and returns the first port
// that accepts a bind. The test listener is released before returning, so the
// caller must re-bind promptly.
func ClaimPort(workspacePath string, r PortRange, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultProbeLimit
	}
	if limit > r.size() {
		limit = r.size()
	}

	base := PortFor(workspacePath, r)
	for i := 0; i < limit; i++ {
		port := r.Min + (base-r.Min+i)%r.size()
		if portFree(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: probed %d ports from %d", ErrNoFreePort, limit, base)
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
