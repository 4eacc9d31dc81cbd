package session

import "time"

// ReadinessDeadline bounds how long EnsureRunning polls a freshly started
// primary container before giving up and returning session-not-ready with
// the last known endpoint.
const ReadinessDeadline = 120 * time.Second

// readinessPollInitial and readinessPollMax bound the backoff between meta
// probes while EnsureRunning waits for the primary container to come up.
const (
	readinessPollInitial = 200 * time.Millisecond
	readinessPollMax     = 2 * time.Second
)

// DefaultIdleTimeout applies when a profile specifies none.
const DefaultIdleTimeout = 30 * time.Minute

// workspaceMountPath is the conventional in-container mount point every
// runtime adapter's meta probe must report, when it reports one at all.
const workspaceMountPath = "/workspace"

// SupportedAPIVersion is the runtime wire API version this build speaks.
// A meta probe reporting anything else fails the session at handshake.
const SupportedAPIVersion = "v1"
