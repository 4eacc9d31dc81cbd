// Package drivertest provides an in-memory driver.Driver for exercising the
// managers above it without a real container backend, following the
// corpus's pattern of hand-rolled fakes for interface-based unit tests
// rather than a generated mock.
package drivertest

import (
	"context"
	"fmt"
	"sync"

	"bay/internal/driver"
)

// Driver is a goroutine-safe in-memory driver.Driver. Every created
// container is assigned a deterministic IP so EnsureRunning can resolve a
// real-looking endpoint without a daemon. Health-sensitive behavior is
// exercised by CreateMultiErr and StatusFunc, not by faking a TCP listener.
type Driver struct {
	mu         sync.Mutex
	volumes    map[string]bool
	networks   map[string]bool
	containers map[string]*driver.ContainerHandle
	nextIP     int

	// CreateMultiErr, when non-nil, is returned by CreateMulti instead of
	// creating containers, for exercising CreateMulti's rollback path.
	CreateMultiErr error
	// StatusFunc overrides Status's return value when set.
	StatusFunc func(containerID string) (driver.Status, error)
}

func New() *Driver {
	return &Driver{
		volumes:    map[string]bool{},
		networks:   map[string]bool{},
		containers: map[string]*driver.ContainerHandle{},
		nextIP:     1,
	}
}

func (d *Driver) CreateVolume(ctx context.Context, name string, labels driver.Labels) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volumes[name] = true
	return name, nil
}

func (d *Driver) DestroyVolume(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.volumes, name)
	return nil
}

func (d *Driver) VolumeExists(ctx context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volumes[name], nil
}

func (d *Driver) CreateNetwork(ctx context.Context, name string, labels driver.Labels) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	netID := "net-" + name
	d.networks[netID] = true
	return netID, nil
}

func (d *Driver) DestroyNetwork(ctx context.Context, networkID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.networks, networkID)
	return nil
}

func (d *Driver) CreateContainer(ctx context.Context, spec driver.ContainerSpec) (*driver.ContainerHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.createLocked(spec)
}

func (d *Driver) createLocked(spec driver.ContainerSpec) (*driver.ContainerHandle, error) {
	ip := fmt.Sprintf("10.42.0.%d", d.nextIP)
	d.nextIP++
	h := &driver.ContainerHandle{
		ID:        "container-" + spec.Name,
		Name:      spec.Name,
		Role:      spec.Role,
		IPAddress: ip,
		Status:    driver.StatusRunning,
		SandboxID: spec.Labels.SandboxID,
		SessionID: spec.Labels.SessionID,
	}
	d.containers[h.ID] = h
	return h, nil
}

func (d *Driver) StartContainer(ctx context.Context, containerID string) error {
	return nil
}

func (d *Driver) StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.containers[containerID]; ok {
		h.Status = driver.StatusExited
	}
	return nil
}

func (d *Driver) DestroyContainer(ctx context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containers, containerID)
	return nil
}

func (d *Driver) Status(ctx context.Context, containerID string) (driver.Status, error) {
	if d.StatusFunc != nil {
		return d.StatusFunc(containerID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.containers[containerID]
	if !ok {
		return driver.StatusMissing, nil
	}
	return h.Status, nil
}

func (d *Driver) CreateMulti(ctx context.Context, specs []driver.ContainerSpec) ([]*driver.ContainerHandle, error) {
	if d.CreateMultiErr != nil {
		return nil, d.CreateMultiErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	handles := make([]*driver.ContainerHandle, 0, len(specs))
	for _, spec := range specs {
		h, err := d.createLocked(spec)
		if err != nil {
			for _, created := range handles {
				delete(d.containers, created.ID)
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// ListManaged returns every tracked container when owner is empty. A
// non-empty owner is matched against each handle's SandboxID, since handles
// carry no owner field.
func (d *Driver) ListManaged(ctx context.Context, owner string) ([]*driver.ContainerHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*driver.ContainerHandle
	for _, h := range d.containers {
		if owner == "" || h.SandboxID == owner {
			out = append(out, h)
		}
	}
	return out, nil
}

// ContainerCount reports how many containers are currently tracked, for
// assertions about CreateMulti rollback and DestroyContainer cleanup.
func (d *Driver) ContainerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.containers)
}

// VolumeCount reports how many volumes are currently tracked, for
// assertions about CreateVolume/DestroyVolume rollback paths.
func (d *Driver) VolumeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.volumes)
}
