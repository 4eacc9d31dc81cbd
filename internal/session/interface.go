package session

import (
	"bay/internal/runtime"
)

// AdapterFactory builds the runtime.Adapter for a container's runtime kind
// and endpoint, used only for the readiness meta probe. The capability
// router owns the long-lived, pooled adapters used for actual capability
// calls; EnsureRunning builds a throwaway one purely to validate the
// handshake.
type AdapterFactory func(runtimeKind, endpoint string) (runtime.Adapter, error)
