package kdf

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// VectorSupport reports whether the running CPU exposes the vector
// extensions that benefit Argon2id's blake2b core and chacha20poly1305's
// inner loop. This is a diagnostic only, never a gate on whether
// encryption proceeds; nothing in the module publishes it on a metrics
// gauge.
func VectorSupport() map[string]bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return map[string]bool{
			"sse41": cpu.X86.HasSSE41,
			"avx":   cpu.X86.HasAVX,
			"avx2":  cpu.X86.HasAVX2,
		}
	case "arm64":
		return map[string]bool{
			"asimd": cpu.ARM64.HasASIMD,
		}
	default:
		return map[string]bool{}
	}
}

// Summary returns a human-readable line describing vector support. No CLI
// subcommand or status server endpoint calls it.
func Summary() string {
	support := VectorSupport()
	if len(support) == 0 {
		return runtime.GOARCH + ": no known vector extensions probed"
	}
	anyEnabled := false
	for _, ok := range support {
		if ok {
			anyEnabled = true
			break
		}
	}
	if anyEnabled {
		return runtime.GOARCH + ": vector-accelerated crypto available"
	}
	return runtime.GOARCH + ": running scalar crypto fallback"
}
