// Package capability routes capability requests to the session's runtime
// containers, grounded on original_source's CapabilityRouter
// (app/router/capability/capability.py): resolve sandbox -> running session
// -> adapter, apply the profile's capability-to-container map, dispatch.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bay/internal/adapterpool"
	"bay/internal/apierr"
	"bay/internal/config"
	"bay/internal/eventbus"
	"bay/internal/history"
	"bay/internal/monitor"
	"bay/internal/runtime"
	"bay/internal/runtime/browser"
	"bay/internal/runtime/ship"
	"bay/internal/sandboxmgr"
	"bay/internal/session"
	"bay/internal/store"
)

const (
	CapFilesystem = "filesystem"
	CapShell      = "shell"
	CapPython     = "python"
	CapBrowser    = "browser"
)

// execType values match the glossary's ExecutionRecord.type enumeration.
const (
	execTypePython       = "python"
	execTypeShell        = "shell"
	execTypeFSRead       = "fs-read"
	execTypeBrowser      = "browser"
	execTypeBrowserBatch = "browser-batch"
)

type Router struct {
	sandboxes *sandboxmgr.Manager
	sessions  *session.Manager
	profiles  map[string]config.ProfileConfig
	adapters  *adapterpool.Pool[runtime.Adapter]
	bus       eventbus.EventBus
	history   *history.Service
	logger    *slog.Logger
}

// NewRouter wires an optional event bus; when it's Redis-backed,
// StartInvalidationListener can be run alongside the router so every bayd
// instance's adapter cache drops endpoints the session manager destroyed on
// any instance, not just the one that tore the container down.
func NewRouter(sandboxes *sandboxmgr.Manager, sessions *session.Manager, profiles []config.ProfileConfig, bus eventbus.EventBus, hist *history.Service, logger *slog.Logger) *Router {
	byID := make(map[string]config.ProfileConfig, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}
	return &Router{
		sandboxes: sandboxes,
		sessions:  sessions,
		profiles:  byID,
		adapters:  adapterpool.New[runtime.Adapter](adapterpool.DefaultMaxSize, adapterpool.DefaultTTL),
		bus:       bus,
		history:   hist,
		logger:    logger.With("component", "capability-router"),
	}
}

// StartInvalidationListener blocks until ctx is cancelled, dropping each
// endpoint named on the adapter-invalidation channel from the local pool. A
// no-op when the router wasn't given a Redis-backed bus.
func (r *Router) StartInvalidationListener(ctx context.Context) {
	rb, ok := r.bus.(*eventbus.RedisBus)
	if !ok {
		return
	}
	ch, err := rb.SubscribeAdapterInvalidation(ctx)
	if err != nil {
		r.logger.Error("failed to subscribe to adapter invalidation channel", "error", err)
		return
	}
	for endpoint := range ch {
		r.adapters.Remove(endpoint)
	}
}

// resolve ensures sandbox has a running session, then looks up the
// container and adapter serving cap. Requests for capabilities served only
// by a failed non-primary container fail with a retryable
// service-unavailable rather than a hard error.
func (r *Router) resolve(ctx context.Context, owner, sandboxID, cap string) (*store.Session, runtime.Adapter, error) {
	sess, err := r.sandboxes.EnsureRunning(ctx, owner, sandboxID)
	if err != nil {
		return nil, nil, err
	}

	sb, err := r.sandboxes.Get(owner, sandboxID)
	if err != nil {
		return nil, nil, err
	}
	profile, ok := r.profiles[sb.ProfileID]
	if !ok {
		return nil, nil, apierr.Validation("unknown profile: " + sb.ProfileID)
	}
	if !profile.HasCapability(cap) {
		return nil, nil, apierr.CapabilityNotSupported(fmt.Sprintf("capability %q not supported by profile %s", cap, profile.ID))
	}

	containerSpec, ok := profile.PrimaryContainerFor(cap)
	if !ok {
		return nil, nil, apierr.CapabilityNotSupported(fmt.Sprintf("no container declares capability %q", cap))
	}

	containers, err := r.sessionContainers(sess.ID)
	if err != nil {
		return nil, nil, err
	}
	containerName := fmt.Sprintf("bay-%s-%s", sess.ID, containerSpec.Name)
	var endpoint string
	for _, c := range containers {
		if c.Name == containerName {
			if c.ObservedState != "running" {
				return nil, nil, apierr.SessionNotReady(fmt.Sprintf("container %s is not running", containerSpec.Name), 1000)
			}
			if c.Endpoint != nil {
				endpoint = *c.Endpoint
			}
			break
		}
	}
	if endpoint == "" {
		return nil, nil, apierr.SessionNotReady("no endpoint available for capability "+cap, 1000)
	}

	adapter, err := r.adapters.GetOrCreate(endpoint, func() (runtime.Adapter, error) {
		return BuildAdapter(containerSpec.RuntimeKind, endpoint)
	})
	if err != nil {
		return nil, nil, err
	}
	return sess, adapter, nil
}

func (r *Router) sessionContainers(sessionID string) ([]*store.SessionContainer, error) {
	return r.sessions.ListContainers(sessionID)
}

// BuildAdapter constructs the runtime.Adapter for a container's declared
// runtime kind. Exported so session.Manager's readiness poller and the
// capability router share one place that knows the kind-to-adapter mapping.
func BuildAdapter(runtimeKind, endpoint string) (runtime.Adapter, error) {
	switch runtimeKind {
	case "ship":
		return ship.New(endpoint), nil
	case "browser":
		return browser.New(endpoint), nil
	default:
		return nil, apierr.Internal("unknown runtime kind: "+runtimeKind, nil)
	}
}

// observe records call latency and, on failure, the error code, for the
// admin-facing Prometheus metrics. Call via defer with the start time
// captured at method entry.
func (r *Router) observe(cap string, start time.Time, err error) {
	monitor.CapabilityCallLatency.WithLabelValues(cap).Observe(time.Since(start).Seconds())
	if err != nil {
		monitor.CapabilityCallErrors.WithLabelValues(cap, string(apierr.CodeOf(err))).Inc()
	}
}

func (r *Router) touch(sess *store.Session) {
	if err := r.sessions.Touch(sess.ID); err != nil {
		r.logger.Warn("failed to touch session activity", "session_id", sess.ID, "error", err)
	}
}

// recordExecResult persists an execution row for a capability whose outcome
// is a runtime.ExecutionResult (python, shell, browser). A nil history
// service (tests that don't care about history) or a nil result (the
// capability call itself errored before producing one) are both no-ops.
func (r *Router) recordExecResult(sandboxID, execType string, input *string, result *runtime.ExecutionResult, startedAt time.Time) {
	if r.history == nil || result == nil {
		return
	}
	output := result.Output
	var stderr *string
	if result.Error != "" {
		errCopy := result.Error
		stderr = &errCopy
	}
	duration := time.Since(startedAt).Milliseconds()
	if _, err := r.history.RecordExecution(sandboxID, execType, input, &output, &output, stderr, result.ExitCode, result.Success, duration, startedAt); err != nil {
		r.logger.Warn("failed to record execution", "sandbox_id", sandboxID, "exec_type", execType, "error", err)
	}
}

// recordFSRead persists a read's content as its output on success, or the
// error message when the read failed after resolving an adapter.
func (r *Router) recordFSRead(sandboxID, path, content string, readErr error, startedAt time.Time) {
	if r.history == nil {
		return
	}
	success := readErr == nil
	var output *string
	if success {
		output = &content
	} else {
		msg := readErr.Error()
		output = &msg
	}
	duration := time.Since(startedAt).Milliseconds()
	if _, err := r.history.RecordExecution(sandboxID, execTypeFSRead, &path, output, nil, nil, nil, success, duration, startedAt); err != nil {
		r.logger.Warn("failed to record execution", "sandbox_id", sandboxID, "exec_type", execTypeFSRead, "error", err)
	}
}

// recordBrowserBatch persists the whole batch as a single row (S6: a
// multi-step browser batch is one execution, not one per step), regardless
// of how many individual steps failed.
func (r *Router) recordBrowserBatch(sandboxID string, commands []string, results []runtime.BrowserStepResult, success bool, startedAt time.Time) {
	if r.history == nil {
		return
	}
	input := strings.Join(commands, "\n")
	stepsJSON, err := json.Marshal(results)
	if err != nil {
		r.logger.Warn("failed to marshal browser batch steps", "sandbox_id", sandboxID, "error", err)
		return
	}
	output := string(stepsJSON)
	duration := time.Since(startedAt).Milliseconds()
	if _, err := r.history.RecordExecution(sandboxID, execTypeBrowserBatch, &input, &output, &output, nil, nil, success, duration, startedAt); err != nil {
		r.logger.Warn("failed to record execution", "sandbox_id", sandboxID, "exec_type", execTypeBrowserBatch, "error", err)
	}
}

func (r *Router) ExecPython(ctx context.Context, owner, sandboxID, code string, timeout time.Duration) (result *runtime.ExecutionResult, err error) {
	start := time.Now()
	defer func() { r.observe(CapPython, start, err) }()
	sess, adapter, err := r.resolve(ctx, owner, sandboxID, CapPython)
	if err != nil {
		return nil, err
	}
	exec, ok := adapter.(runtime.ExecAdapter)
	if !ok {
		return nil, apierr.CapabilityNotSupported("runtime does not support python execution")
	}
	r.logger.Info("capability.python.exec", "sandbox_id", sandboxID, "session_id", sess.ID, "code_len", len(code))
	result, err = exec.ExecPython(ctx, code, timeout)
	r.recordExecResult(sandboxID, execTypePython, &code, result, start)
	if err == nil {
		r.touch(sess)
	}
	return result, err
}

func (r *Router) ExecShell(ctx context.Context, owner, sandboxID, command string, timeout time.Duration, cwd string) (result *runtime.ExecutionResult, err error) {
	start := time.Now()
	defer func() { r.observe(CapShell, start, err) }()
	sess, adapter, err := r.resolve(ctx, owner, sandboxID, CapShell)
	if err != nil {
		return nil, err
	}
	exec, ok := adapter.(runtime.ExecAdapter)
	if !ok {
		return nil, apierr.CapabilityNotSupported("runtime does not support shell execution")
	}
	r.logger.Info("capability.shell.exec", "sandbox_id", sandboxID, "session_id", sess.ID, "command", truncate(command, 100))
	result, err = exec.ExecShell(ctx, command, timeout, cwd)
	r.recordExecResult(sandboxID, execTypeShell, &command, result, start)
	if err == nil {
		r.touch(sess)
	}
	return result, err
}

func (r *Router) ReadFile(ctx context.Context, owner, sandboxID, path string) (content string, err error) {
	start := time.Now()
	defer func() { r.observe(CapFilesystem, start, err) }()
	sess, adapter, err := r.resolve(ctx, owner, sandboxID, CapFilesystem)
	if err != nil {
		return "", err
	}
	files, ok := adapter.(runtime.FileAdapter)
	if !ok {
		return "", apierr.CapabilityNotSupported("runtime does not support filesystem access")
	}
	if err := validatePath(path); err != nil {
		return "", err
	}
	r.logger.Info("capability.files.read", "sandbox_id", sandboxID, "path", path)
	content, err = files.ReadFile(ctx, path)
	r.recordFSRead(sandboxID, path, content, err, start)
	if err == nil {
		r.touch(sess)
	}
	return content, err
}

func (r *Router) WriteFile(ctx context.Context, owner, sandboxID, path, content string) (err error) {
	start := time.Now()
	defer func() { r.observe(CapFilesystem, start, err) }()
	sess, adapter, err := r.resolve(ctx, owner, sandboxID, CapFilesystem)
	if err != nil {
		return err
	}
	files, ok := adapter.(runtime.FileAdapter)
	if !ok {
		return apierr.CapabilityNotSupported("runtime does not support filesystem access")
	}
	if err := validatePath(path); err != nil {
		return err
	}
	r.logger.Info("capability.files.write", "sandbox_id", sandboxID, "path", path, "content_len", len(content))
	if err := files.WriteFile(ctx, path, content); err != nil {
		return err
	}
	r.touch(sess)
	return nil
}

func (r *Router) ListFiles(ctx context.Context, owner, sandboxID, path string) (entries []runtime.FileEntry, err error) {
	start := time.Now()
	defer func() { r.observe(CapFilesystem, start, err) }()
	sess, adapter, err := r.resolve(ctx, owner, sandboxID, CapFilesystem)
	if err != nil {
		return nil, err
	}
	files, ok := adapter.(runtime.FileAdapter)
	if !ok {
		return nil, apierr.CapabilityNotSupported("runtime does not support filesystem access")
	}
	if err := validatePath(path); err != nil {
		return nil, err
	}
	r.logger.Info("capability.files.list", "sandbox_id", sandboxID, "path", path)
	entries, err = files.ListFiles(ctx, path)
	if err == nil {
		r.touch(sess)
	}
	return entries, err
}

func (r *Router) DeleteFile(ctx context.Context, owner, sandboxID, path string) (err error) {
	start := time.Now()
	defer func() { r.observe(CapFilesystem, start, err) }()
	sess, adapter, err := r.resolve(ctx, owner, sandboxID, CapFilesystem)
	if err != nil {
		return err
	}
	files, ok := adapter.(runtime.FileAdapter)
	if !ok {
		return apierr.CapabilityNotSupported("runtime does not support filesystem access")
	}
	if err := validatePath(path); err != nil {
		return err
	}
	r.logger.Info("capability.files.delete", "sandbox_id", sandboxID, "path", path)
	if err := files.DeleteFile(ctx, path); err != nil {
		return err
	}
	r.touch(sess)
	return nil
}

func (r *Router) UploadArchive(ctx context.Context, owner, sandboxID, destPath string, tarData []byte) (err error) {
	start := time.Now()
	defer func() { r.observe(CapFilesystem, start, err) }()
	sess, adapter, err := r.resolve(ctx, owner, sandboxID, CapFilesystem)
	if err != nil {
		return err
	}
	files, ok := adapter.(runtime.FileAdapter)
	if !ok {
		return apierr.CapabilityNotSupported("runtime does not support filesystem access")
	}
	if err := validatePath(destPath); err != nil {
		return err
	}
	r.logger.Info("capability.files.upload", "sandbox_id", sandboxID, "path", destPath, "bytes", len(tarData))
	if err := files.UploadArchive(ctx, destPath, tarData); err != nil {
		return err
	}
	r.touch(sess)
	return nil
}

func (r *Router) DownloadArchive(ctx context.Context, owner, sandboxID, srcPath string) (data []byte, err error) {
	start := time.Now()
	defer func() { r.observe(CapFilesystem, start, err) }()
	sess, adapter, err := r.resolve(ctx, owner, sandboxID, CapFilesystem)
	if err != nil {
		return nil, err
	}
	files, ok := adapter.(runtime.FileAdapter)
	if !ok {
		return nil, apierr.CapabilityNotSupported("runtime does not support filesystem access")
	}
	if err := validatePath(srcPath); err != nil {
		return nil, err
	}
	r.logger.Info("capability.files.download", "sandbox_id", sandboxID, "path", srcPath)
	data, err = files.DownloadArchive(ctx, srcPath)
	if err == nil {
		r.touch(sess)
	}
	return data, err
}

// ExecBrowser runs a single command line as a subprocess inside the
// browser runtime. The router never prepends a prefix; session/profile
// flags are injected by the runtime itself.
func (r *Router) ExecBrowser(ctx context.Context, owner, sandboxID, command string, timeout time.Duration) (result *runtime.ExecutionResult, err error) {
	start := time.Now()
	defer func() { r.observe(CapBrowser, start, err) }()
	sess, adapter, err := r.resolve(ctx, owner, sandboxID, CapBrowser)
	if err != nil {
		return nil, err
	}
	br, ok := adapter.(runtime.BrowserAdapter)
	if !ok {
		return nil, apierr.CapabilityNotSupported("runtime does not support browser execution")
	}
	r.logger.Info("capability.browser.exec", "sandbox_id", sandboxID, "session_id", sess.ID, "command", truncate(command, 100))
	result, err = br.ExecBrowser(ctx, command, timeout)
	r.recordExecResult(sandboxID, execTypeBrowser, &command, result, start)
	if err == nil {
		r.touch(sess)
	}
	return result, err
}

func (r *Router) ExecBrowserBatch(ctx context.Context, owner, sandboxID string, commands []string, overallTimeout time.Duration, stopOnError bool) (results []runtime.BrowserStepResult, success bool, err error) {
	start := time.Now()
	defer func() { r.observe(CapBrowser, start, err) }()
	sess, adapter, err := r.resolve(ctx, owner, sandboxID, CapBrowser)
	if err != nil {
		return nil, false, err
	}
	br, ok := adapter.(runtime.BrowserAdapter)
	if !ok {
		return nil, false, apierr.CapabilityNotSupported("runtime does not support browser execution")
	}
	r.logger.Info("capability.browser.exec_batch", "sandbox_id", sandboxID, "session_id", sess.ID, "steps", len(commands))
	results, success, err = br.ExecBrowserBatch(ctx, commands, overallTimeout, stopOnError)
	if err == nil {
		r.recordBrowserBatch(sandboxID, commands, results, success, start)
		r.touch(sess)
	}
	return results, success, err
}

func validatePath(path string) error {
	if len(path) == 0 {
		return apierr.InvalidPath("empty path")
	}
	if path[0] == '/' {
		return apierr.InvalidPath("path must be relative to the workspace: " + path)
	}
	for _, seg := range splitPath(path) {
		if seg == ".." {
			return apierr.InvalidPath("path contains .. segment: " + path)
		}
	}
	return nil
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				segs = append(segs, path[start:i])
			}
			start = i + 1
		}
	}
	return segs
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
