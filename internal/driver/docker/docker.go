// Package docker implements driver.Driver against a Docker Engine, grounded
// on original_source's DockerDriver and the teacher's container lifecycle
// code in internal/sandbox/container.go.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"

	"bay/internal/driver"
)

const (
	labelOwner     = "bay.owner"
	labelSandboxID = "bay.sandbox_id"
	labelSessionID = "bay.session_id"
	labelRole      = "bay.role"
	labelManaged   = "bay.managed"
)

type Driver struct {
	cli    *client.Client
	logger *slog.Logger
}

func New(cli *client.Client, logger *slog.Logger) *Driver {
	return &Driver{cli: cli, logger: logger}
}

func labelMap(l driver.Labels) map[string]string {
	m := map[string]string{labelManaged: "true"}
	if l.Owner != "" {
		m[labelOwner] = l.Owner
	}
	if l.SandboxID != "" {
		m[labelSandboxID] = l.SandboxID
	}
	if l.SessionID != "" {
		m[labelSessionID] = l.SessionID
	}
	if l.Role != "" {
		m[labelRole] = l.Role
	}
	return m
}

func (d *Driver) CreateVolume(ctx context.Context, name string, labels driver.Labels) (string, error) {
	v, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: labelMap(labels),
	})
	if err != nil {
		return "", fmt.Errorf("creating volume %s: %w", name, err)
	}
	return v.Name, nil
}

func (d *Driver) DestroyVolume(ctx context.Context, name string) error {
	if err := d.cli.VolumeRemove(ctx, name, true); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing volume %s: %w", name, err)
	}
	return nil
}

func (d *Driver) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := d.cli.VolumeInspect(ctx, name)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspecting volume %s: %w", name, err)
}

func (d *Driver) CreateNetwork(ctx context.Context, name string, labels driver.Labels) (string, error) {
	resp, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: labelMap(labels),
	})
	if err != nil {
		return "", fmt.Errorf("creating network %s: %w", name, err)
	}
	return resp.ID, nil
}

func (d *Driver) DestroyNetwork(ctx context.Context, networkID string) error {
	if err := d.cli.NetworkRemove(ctx, networkID); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing network %s: %w", networkID, err)
	}
	return nil
}

func (d *Driver) ensureImage(ctx context.Context, img string) error {
	_, err := d.cli.ImageInspect(ctx, img)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", img, err)
	}

	d.logger.Info("pulling image", slog.String("image", img))
	reader, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", img, err)
	}
	defer reader.Close()

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, reader)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) CreateContainer(ctx context.Context, spec driver.ContainerSpec) (*driver.ContainerHandle, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: labelMap(spec.Labels),
	}

	var binds []string
	for _, m := range spec.Mounts {
		binds = append(binds, fmt.Sprintf("%s:%s:rw", m.Source, m.Target))
	}

	memBytes := spec.MemoryBytes
	if memBytes == 0 {
		memBytes, _ = units.RAMInBytes("512m")
	}

	hostCfg := &container.HostConfig{
		Binds: binds,
		Resources: container.Resources{
			Memory:   memBytes,
			NanoCPUs: int64(spec.CPUs * 1e9),
		},
	}

	netCfg := &network.NetworkingConfig{}
	if spec.NetworkID != "" {
		netCfg.EndpointsConfig = map[string]*network.EndpointSettings{
			spec.NetworkID: {},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("creating container %s: %w", spec.Name, err)
	}

	return &driver.ContainerHandle{ID: resp.ID, Name: spec.Name, Role: spec.Role, Status: driver.StatusOther}, nil
}

func (d *Driver) StartContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return driver.ErrNotFound
		}
		return fmt.Errorf("starting container %s: %w", containerID, err)
	}
	return nil
}

func (d *Driver) StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error {
	opts := container.StopOptions{Timeout: &timeoutSeconds}
	if err := d.cli.ContainerStop(ctx, containerID, opts); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stopping container %s: %w", containerID, err)
	}
	return nil
}

func (d *Driver) DestroyContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}
	return nil
}

func (d *Driver) Status(ctx context.Context, containerID string) (driver.Status, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return driver.StatusMissing, nil
		}
		return "", fmt.Errorf("inspecting container %s: %w", containerID, err)
	}
	switch inspect.State.Status {
	case "running":
		return driver.StatusRunning, nil
	case "exited", "dead":
		return driver.StatusExited, nil
	default:
		return driver.StatusOther, nil
	}
}

// CreateMulti creates and starts every spec, tearing down everything it
// already created the moment one step fails.
func (d *Driver) CreateMulti(ctx context.Context, specs []driver.ContainerSpec) ([]*driver.ContainerHandle, error) {
	created := make([]*driver.ContainerHandle, 0, len(specs))

	cleanup := func() {
		for _, h := range created {
			_ = d.DestroyContainer(context.Background(), h.ID)
		}
	}

	for _, spec := range specs {
		handle, err := d.CreateContainer(ctx, spec)
		if err != nil {
			cleanup()
			return nil, err
		}
		if err := d.StartContainer(ctx, handle.ID); err != nil {
			created = append(created, handle)
			cleanup()
			return nil, err
		}
		status, err := d.Status(ctx, handle.ID)
		if err != nil {
			created = append(created, handle)
			cleanup()
			return nil, err
		}
		handle.Status = status
		handle.IPAddress = d.inspectIP(ctx, handle.ID, spec.NetworkID)
		created = append(created, handle)
	}
	return created, nil
}

func (d *Driver) inspectIP(ctx context.Context, containerID, networkID string) string {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return ""
	}
	if networkID != "" {
		if n, ok := inspect.NetworkSettings.Networks[networkID]; ok {
			return n.IPAddress
		}
	}
	for _, n := range inspect.NetworkSettings.Networks {
		return n.IPAddress
	}
	return ""
}

func (d *Driver) ListManaged(ctx context.Context, owner string) ([]*driver.ContainerHandle, error) {
	f := filters.NewArgs()
	f.Add("label", labelManaged+"=true")
	if owner != "" {
		f.Add("label", labelOwner+"="+owner)
	}

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("listing managed containers: %w", err)
	}

	out := make([]*driver.ContainerHandle, 0, len(containers))
	for _, c := range containers {
		status := driver.StatusOther
		switch c.State {
		case "running":
			status = driver.StatusRunning
		case "exited", "dead":
			status = driver.StatusExited
		}
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		out = append(out, &driver.ContainerHandle{
			ID:        c.ID,
			Name:      name,
			Role:      c.Labels[labelRole],
			Status:    status,
			SandboxID: c.Labels[labelSandboxID],
			SessionID: c.Labels[labelSessionID],
		})
	}
	return out, nil
}
