// Package driver abstracts the container backend a sandbox's containers run
// on. The only implementation shipped is Docker; the interface exists so a
// Kubernetes or Firecracker driver could be added without touching the
// managers above it.
package driver

import "context"

// ContainerSpec describes one container to create. It is the driver-facing
// counterpart of config.ContainerSpec, carrying resolved identifiers instead
// of profile-level names.
type ContainerSpec struct {
	Name        string
	Role        string
	Image       string
	Env         []string
	CPUs        float64
	MemoryBytes int64
	NetworkID   string
	Mounts      []Mount
	Labels      Labels
}

type Mount struct {
	Source string
	Target string
}

// Labels identify a container's ownership for reconciliation and GC. They
// are written verbatim as Docker labels bay.owner, bay.sandbox_id,
// bay.session_id, bay.role, bay.managed.
type Labels struct {
	Owner     string
	SandboxID string
	SessionID string
	Role      string
}

type ContainerHandle struct {
	ID        string
	Name      string
	Role      string
	IPAddress string
	Status    Status
	SandboxID string
	SessionID string
}

type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusMissing Status = "missing"
	StatusOther   Status = "other"
)

// Driver is the contract every container backend must satisfy.
type Driver interface {
	CreateVolume(ctx context.Context, name string, labels Labels) (string, error)
	DestroyVolume(ctx context.Context, name string) error
	VolumeExists(ctx context.Context, name string) (bool, error)

	CreateNetwork(ctx context.Context, name string, labels Labels) (string, error)
	DestroyNetwork(ctx context.Context, networkID string) error

	CreateContainer(ctx context.Context, spec ContainerSpec) (*ContainerHandle, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error
	DestroyContainer(ctx context.Context, containerID string) error
	Status(ctx context.Context, containerID string) (Status, error)

	// CreateMulti creates and starts every spec in specs. On any failure it
	// destroys every container it had already created before returning the
	// error, leaving no partial session behind.
	CreateMulti(ctx context.Context, specs []ContainerSpec) ([]*ContainerHandle, error)

	// ListManaged returns handles for every container carrying the
	// bay.managed label, optionally narrowed to one owner. Used by
	// OrphanContainerGC to reconcile the driver's view against the store's.
	ListManaged(ctx context.Context, owner string) ([]*ContainerHandle, error)
}

var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "driver: resource not found" }
