package mc

import (
	"fmt"
	"sync"
)

// Builder validates a target configuration and returns a ready codec. The
// error message is surfaced verbatim to the caller as a configuration
// error.
type Builder func(cfg Config) (Codec, error)

var (
	codecsMu sync.RWMutex
	codecs   = make(map[string]Builder)
)

// Register wires an architecture-specific codec builder into the shared
// registry. It panics when attempting to register the same architecture
// more than once so mistakes are caught during init.
func Register(arch string, builder Builder) {
	if arch == "" {
		panic("mc: cannot register codec for empty architecture")
	}
	if builder == nil {
		panic("mc: codec builder must be non-nil")
	}

	codecsMu.Lock()
	defer codecsMu.Unlock()

	if _, exists := codecs[arch]; exists {
		panic(fmt.Sprintf("mc: codec for %s already registered", arch))
	}
	codecs[arch] = builder
}

// Lookup returns the builder registered for arch.
func Lookup(arch string) (Builder, bool) {
	codecsMu.RLock()
	defer codecsMu.RUnlock()

	builder, ok := codecs[arch]
	return builder, ok
}

// Architectures returns the names of all registered architectures.
func Architectures() []string {
	codecsMu.RLock()
	defer codecsMu.RUnlock()

	out := make([]string, 0, len(codecs))
	for arch := range codecs {
		out = append(out, arch)
	}
	return out
}
