// Package session implements the multi-container session manager. Its
// EnsureRunning is the idempotent convergence operation that brings a
// sandbox's session to observed-state=running with a validated endpoint,
// grounded 1:1 on original_source's SessionManager.ensure_running and
// carrying the teacher's deps/logging idiom from this file's prior shape.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"bay/internal/apierr"
	"bay/internal/config"
	"bay/internal/driver"
	"bay/internal/eventbus"
	"bay/internal/monitor"
	"bay/internal/runtime"
	"bay/internal/store"
)

type Manager struct {
	store    *store.Store
	driver   driver.Driver
	adapters AdapterFactory
	bus      eventbus.EventBus
	logger   *slog.Logger
}

// NewManager wires an optional event bus; a nil bus disables publishing,
// useful for tests and single-instance deployments that don't run redis.
func NewManager(st *store.Store, drv driver.Driver, adapters AdapterFactory, bus eventbus.EventBus, logger *slog.Logger) *Manager {
	return &Manager{
		store:    st,
		driver:   drv,
		adapters: adapters,
		bus:      bus,
		logger:   logger.With("component", "session-manager"),
	}
}

func (m *Manager) publish(ctx context.Context, sessionID string, eventType eventbus.EventType, payload any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, sessionID, eventbus.Event{
		Type:      eventType,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		m.logger.Warn("failed to publish session event", "session_id", sessionID, "event_type", eventType, "error", err)
	}
}

// invalidateAdapter broadcasts that endpoint's cached capability adapter is
// stale, so every bayd instance's AdapterPool drops it rather than reusing a
// connection to a container that no longer exists. A no-op when the bus
// isn't Redis-backed (tests, single-instance deployments without redis).
func (m *Manager) invalidateAdapter(ctx context.Context, endpoint string) {
	rb, ok := m.bus.(*eventbus.RedisBus)
	if !ok {
		return
	}
	if err := rb.PublishAdapterInvalidation(ctx, endpoint); err != nil {
		m.logger.Warn("failed to publish adapter invalidation", "endpoint", endpoint, "error", err)
	}
}

// EnsureRunning converges sandbox's session to a ready state. It must be
// called under the sandbox's per-sandbox lock so at most one caller
// converges at a time; concurrent callers of the lock all observe the
// result of the single winner.
func (m *Manager) EnsureRunning(ctx context.Context, sb *store.Sandbox, profile config.ProfileConfig, cargoMountPath string) (*store.Session, error) {
	sess, err := m.store.GetCurrentSession(sb.ID)
	if errors.Is(err, store.ErrNotFound) {
		sess, err = m.createSessionRow(sb, profile)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session for sandbox %s: %w", sb.ID, err)
	}

	if (sess.ObservedState == store.SessionRunning || sess.ObservedState == store.SessionDegraded) && sess.ReadyAt != nil {
		stale, err := m.RefreshStatus(ctx, sess, profile)
		if err != nil {
			return nil, err
		}
		if !stale {
			return sess, nil
		}
		// primary container was found dead on probe; RefreshStatus has
		// already reset sess to pending and cleared its containers, so fall
		// through to the cold-start path below.
	}

	containers, err := m.store.ListSessionContainers(sess.ID)
	if err != nil {
		return nil, fmt.Errorf("listing session containers: %w", err)
	}

	if len(containers) == 0 {
		sess.ObservedState = store.SessionStarting
		sess.UpdatedAt = time.Now().UTC()
		if err := m.store.UpdateSession(sess); err != nil {
			return nil, fmt.Errorf("marking session starting: %w", err)
		}

		handles, networkID, err := m.createContainers(ctx, sb, sess, profile, cargoMountPath)
		if err != nil {
			monitor.SessionContainerCreationErrors.Inc()
			sess.ObservedState = store.SessionFailed
			reason := err.Error()
			sess.FailedReason = &reason
			sess.UpdatedAt = time.Now().UTC()
			_ = m.store.UpdateSession(sess)
			m.publish(ctx, sess.ID, eventbus.EventSessionError, reason)
			return nil, err
		}

		sess.NetworkID = &networkID
		if err := m.persistContainers(sess.ID, profile, handles); err != nil {
			return nil, err
		}
		containers, err = m.store.ListSessionContainers(sess.ID)
		if err != nil {
			return nil, fmt.Errorf("re-listing session containers: %w", err)
		}
	}

	primary, ok := primaryContainer(profile, containers)
	if !ok {
		return nil, apierr.Internal("session has no primary container", nil)
	}
	if primary.Endpoint == nil || *primary.Endpoint == "" {
		return nil, apierr.Internal("primary container has no endpoint", nil)
	}
	sess.Endpoint = primary.Endpoint

	runtimeKind := ""
	for _, spec := range profile.Containers {
		if primary.Name == fmt.Sprintf("bay-%s-%s", primary.SessionID, spec.Name) {
			runtimeKind = spec.RuntimeKind
			break
		}
	}
	adapter, err := m.adapters(runtimeKind, *primary.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("building adapter for %s: %w", *primary.Endpoint, err)
	}

	pollStart := time.Now()
	meta, err := m.pollReady(ctx, adapter)
	monitor.SessionReadinessPollLatency.Observe(time.Since(pollStart).Seconds())
	if err != nil {
		sess.UpdatedAt = time.Now().UTC()
		_ = m.store.UpdateSession(sess)
		return nil, err
	}

	if err := validateMeta(meta, primary); err != nil {
		sess.ObservedState = store.SessionFailed
		reason := err.Error()
		sess.FailedReason = &reason
		sess.UpdatedAt = time.Now().UTC()
		_ = m.store.UpdateSession(sess)
		m.publish(ctx, sess.ID, eventbus.EventSessionError, reason)
		return nil, err
	}

	now := time.Now().UTC()
	sess.ObservedState = store.SessionRunning
	sess.ReadyAt = &now
	sess.LastActivity = now
	sess.UpdatedAt = now
	if err := m.store.UpdateSession(sess); err != nil {
		return nil, fmt.Errorf("marking session running: %w", err)
	}

	sb.CurrentSessionID = &sess.ID
	sb.LastActivity = now
	if err := m.store.UpdateSandbox(sb); err != nil {
		return nil, fmt.Errorf("linking session to sandbox: %w", err)
	}

	m.publish(ctx, sess.ID, eventbus.EventSessionReady, *sess.Endpoint)
	m.refreshActiveCount()
	return sess, nil
}

// refreshActiveCount recomputes the active-session gauge from the store's
// running-session count. Best-effort: a store error just skips this update
// rather than failing the caller's actual operation.
func (m *Manager) refreshActiveCount() {
	running, err := m.store.ListRunningSessions()
	if err != nil {
		m.logger.Warn("failed to refresh active session count", "error", err)
		return
	}
	monitor.SessionActiveCount.Set(float64(len(running)))
}

func (m *Manager) createSessionRow(sb *store.Sandbox, profile config.ProfileConfig) (*store.Session, error) {
	idle := profile.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	now := time.Now().UTC()
	sess := &store.Session{
		ID:                 "sess-" + uuid.New().String(),
		SandboxID:          sb.ID,
		DesiredState:       store.SessionDesiredRunning,
		ObservedState:      store.SessionPending,
		IdleTimeoutSeconds: int(idle.Seconds()),
		LastActivity:       now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// createContainers builds a network plus every container the profile
// declares, via driver.CreateMulti so a failure partway through rolls back
// everything already created (S4: crash during multi-container create).
func (m *Manager) createContainers(ctx context.Context, sb *store.Sandbox, sess *store.Session, profile config.ProfileConfig, cargoMountPath string) ([]*driver.ContainerHandle, string, error) {
	labels := driver.Labels{Owner: sb.Owner, SandboxID: sb.ID, SessionID: sess.ID}

	networkID, err := m.driver.CreateNetwork(ctx, "bay-net-"+sess.ID, labels)
	if err != nil {
		return nil, "", fmt.Errorf("creating session network: %w", err)
	}

	specs := make([]driver.ContainerSpec, 0, len(profile.Containers))
	for _, c := range profile.Containers {
		memBytes, err := units.RAMInBytes(c.Resources.Memory)
		if err != nil {
			_ = m.driver.DestroyNetwork(context.Background(), networkID)
			return nil, "", fmt.Errorf("parsing memory %q for container %s: %w", c.Resources.Memory, c.Name, err)
		}
		env := make([]string, 0, len(c.Env))
		for k, v := range c.Env {
			env = append(env, k+"="+v)
		}
		roleLabels := labels
		roleLabels.Role = c.Role
		specs = append(specs, driver.ContainerSpec{
			Name:        fmt.Sprintf("bay-%s-%s", sess.ID, c.Name),
			Role:        c.Role,
			Image:       c.Image,
			Env:         env,
			CPUs:        c.Resources.CPUs,
			MemoryBytes: memBytes,
			NetworkID:   networkID,
			Mounts:      []driver.Mount{{Source: cargoMountPath, Target: "/workspace"}},
			Labels:      roleLabels,
		})
	}

	handles, err := m.driver.CreateMulti(ctx, specs)
	if err != nil {
		_ = m.driver.DestroyNetwork(context.Background(), networkID)
		return nil, "", fmt.Errorf("creating session containers: %w", err)
	}
	return handles, networkID, nil
}

func (m *Manager) persistContainers(sessionID string, profile config.ProfileConfig, handles []*driver.ContainerHandle) error {
	byName := map[string]config.ContainerSpec{}
	for _, c := range profile.Containers {
		byName[fmt.Sprintf("bay-%s-%s", sessionID, c.Name)] = c
	}

	rows := make([]*store.SessionContainer, 0, len(handles))
	now := time.Now().UTC()
	for _, h := range handles {
		spec := byName[h.Name]
		endpoint := ""
		if h.IPAddress != "" && spec.RuntimePort != 0 {
			endpoint = fmt.Sprintf("http://%s:%d", h.IPAddress, spec.RuntimePort)
		}
		containerID := h.ID
		var endpointPtr *string
		if endpoint != "" {
			endpointPtr = &endpoint
		}
		rows = append(rows, &store.SessionContainer{
			ID:            "sc-" + uuid.New().String(),
			SessionID:     sessionID,
			Name:          h.Name,
			Role:          h.Role,
			Image:         spec.Image,
			ContainerID:   &containerID,
			Endpoint:      endpointPtr,
			Capabilities:  spec.Capabilities,
			ObservedState: string(h.Status),
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return m.store.ReplaceSessionContainers(sessionID, rows)
}

func primaryContainer(profile config.ProfileConfig, containers []*store.SessionContainer) (*store.SessionContainer, bool) {
	primaryName := ""
	for _, c := range profile.Containers {
		if c.Role == "primary" {
			primaryName = c.Name
			break
		}
	}
	for _, c := range containers {
		if primaryName != "" && c.Name == fmt.Sprintf("bay-%s-%s", c.SessionID, primaryName) {
			return c, true
		}
	}
	if len(containers) > 0 {
		return containers[0], true
	}
	return nil, false
}

// pollReady blocks until adapter.Meta succeeds, a non-2xx wire error
// occurs, or ReadinessDeadline passes — the self-healing readiness
// predicate (meta succeeds) from the capability-router design. The meta
// payload from the first successful probe is returned so the caller can
// validate it before declaring the session ready.
func (m *Manager) pollReady(ctx context.Context, adapter runtime.Adapter) (*runtime.Meta, error) {
	deadline := time.Now().Add(ReadinessDeadline)
	backoff := readinessPollInitial

	for {
		meta, err := adapter.Meta(ctx)
		if err == nil {
			return meta, nil
		}
		if !errors.Is(err, runtime.ErrConnectionFailed) {
			return nil, apierr.RuntimeError("runtime handshake failed", err)
		}
		if time.Now().After(deadline) {
			return nil, apierr.SessionNotReady("readiness deadline exceeded", 1000)
		}

		select {
		case <-ctx.Done():
			return nil, apierr.Timeout("ensure-running cancelled", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < readinessPollMax {
			backoff *= 2
		}
	}
}

// validateMeta enforces the readiness handshake: the adapter's declared
// mount path must match the conventional workspace path, every capability
// the profile declared for this container must actually be advertised, and
// the api version must be one this build speaks. Adapters that don't report
// a given field (empty string) are not held to it.
func validateMeta(meta *runtime.Meta, primary *store.SessionContainer) error {
	if meta.MountPath != "" && meta.MountPath != workspaceMountPath {
		return apierr.RuntimeError(fmt.Sprintf("runtime mount path %q does not match %q", meta.MountPath, workspaceMountPath), nil)
	}
	for _, capability := range primary.Capabilities {
		if _, ok := meta.Capabilities[capability]; !ok {
			return apierr.RuntimeError(fmt.Sprintf("runtime does not declare required capability %q", capability), nil)
		}
	}
	if meta.APIVersion != "" && meta.APIVersion != SupportedAPIVersion {
		return apierr.RuntimeError(fmt.Sprintf("runtime api version %q is not supported", meta.APIVersion), nil)
	}
	return nil
}

// ListContainers returns the persisted container rows for sessionID, used
// by the capability router to resolve a capability to its endpoint.
func (m *Manager) ListContainers(sessionID string) ([]*store.SessionContainer, error) {
	return m.store.ListSessionContainers(sessionID)
}

// Touch bumps the session's last-activity timestamp, used by
// CapabilityRouter after every capability call.
func (m *Manager) Touch(sessionID string) error {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	sess.LastActivity = time.Now().UTC()
	sess.UpdatedAt = sess.LastActivity
	return m.store.UpdateSession(sess)
}

// RefreshStatus is the active-probe step: when a primary container is
// recorded, probe it via driver.Status. exited/not-found means the
// container was killed externally — best-effort destroy everything the
// session owns, clear its containers, and reset observed-state to pending
// so EnsureRunning's caller falls through to cold-start recreation (S3:
// self-heal). Returns true when this happened (the session is now stale and
// must be recreated).
//
// If the primary is still alive, every non-primary container is probed too:
// any of them not running flips the session to degraded (capabilities
// served by the healthy primary still succeed); once every container is
// running again the session flips back to running. Each container row's own
// observed-state is refreshed alongside so CapabilityRouter's per-container
// gate reflects reality rather than the state recorded at creation time.
func (m *Manager) RefreshStatus(ctx context.Context, sess *store.Session, profile config.ProfileConfig) (bool, error) {
	containers, err := m.store.ListSessionContainers(sess.ID)
	if err != nil {
		return false, err
	}
	primary, ok := primaryContainer(profile, containers)
	if !ok || primary.ContainerID == nil {
		return false, nil
	}

	primaryStatus, err := m.driver.Status(ctx, *primary.ContainerID)
	if err != nil {
		return false, fmt.Errorf("probing primary container: %w", err)
	}
	if primaryStatus == driver.StatusExited || primaryStatus == driver.StatusMissing {
		m.healDeadSession(ctx, sess, containers)
		return true, nil
	}

	degraded := false
	changed := false
	for _, c := range containers {
		status := driver.StatusRunning
		if c.ID != primary.ID {
			if c.ContainerID == nil {
				degraded = true
				continue
			}
			status, err = m.driver.Status(ctx, *c.ContainerID)
			if err != nil {
				return false, fmt.Errorf("probing container %s: %w", c.Name, err)
			}
			if status != driver.StatusRunning {
				degraded = true
			}
		}
		if c.ObservedState != string(status) {
			c.ObservedState = string(status)
			c.UpdatedAt = time.Now().UTC()
			changed = true
		}
	}
	if changed {
		if err := m.store.ReplaceSessionContainers(sess.ID, containers); err != nil {
			return false, err
		}
	}

	newState := store.SessionRunning
	if degraded {
		newState = store.SessionDegraded
	}
	if sess.ObservedState != newState {
		sess.ObservedState = newState
		sess.UpdatedAt = time.Now().UTC()
		if err := m.store.UpdateSession(sess); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (m *Manager) healDeadSession(ctx context.Context, sess *store.Session, containers []*store.SessionContainer) {
	for _, c := range containers {
		if c.ContainerID != nil {
			_ = m.driver.DestroyContainer(ctx, *c.ContainerID)
		}
		if c.Endpoint != nil {
			m.invalidateAdapter(ctx, *c.Endpoint)
		}
	}
	if sess.NetworkID != nil {
		_ = m.driver.DestroyNetwork(ctx, *sess.NetworkID)
	}
	_ = m.store.ReplaceSessionContainers(sess.ID, nil)

	sess.ObservedState = store.SessionPending
	sess.Endpoint = nil
	sess.NetworkID = nil
	sess.ReadyAt = nil
	sess.UpdatedAt = time.Now().UTC()
	_ = m.store.UpdateSession(sess)
	m.refreshActiveCount()
}

// Stop transitions the session to stopped, stopping and destroying its
// containers and network, leaving the cargo untouched. A subsequent
// EnsureRunning creates a fresh session (new container group, new kernel
// state; volume state preserved).
func (m *Manager) Stop(ctx context.Context, sess *store.Session) error {
	m.logger.Info("session.stop", "session_id", sess.ID)

	sess.DesiredState = store.SessionDesiredStopped
	sess.ObservedState = store.SessionStopping
	sess.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateSession(sess); err != nil {
		return err
	}

	containers, err := m.store.ListSessionContainers(sess.ID)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.ContainerID == nil {
			continue
		}
		if err := m.driver.StopContainer(ctx, *c.ContainerID, 10); err != nil {
			return err
		}
		if err := m.driver.DestroyContainer(ctx, *c.ContainerID); err != nil {
			return err
		}
		if c.Endpoint != nil {
			m.invalidateAdapter(ctx, *c.Endpoint)
		}
	}
	if sess.NetworkID != nil {
		_ = m.driver.DestroyNetwork(ctx, *sess.NetworkID)
	}

	now := time.Now().UTC()
	sess.ObservedState = store.SessionStopped
	sess.Endpoint = nil
	sess.UpdatedAt = now
	if err := m.store.UpdateSession(sess); err != nil {
		return err
	}
	m.publish(ctx, sess.ID, eventbus.EventSessionClosed, nil)
	m.refreshActiveCount()
	return nil
}
