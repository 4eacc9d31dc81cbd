// Package browser implements runtime.Adapter and runtime.BrowserAdapter
// against the browser-automation runtime's wire contract (spec §6): a
// single command line split into arguments and run as a subprocess, with
// session/profile flags injected by the runtime itself, never by the
// caller.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bay/internal/apierr"
	"bay/internal/runtime"
)

var sharedTransport = &http.Transport{
	MaxIdleConnsPerHost: 16,
	IdleConnTimeout:     90 * time.Second,
}

var (
	_ runtime.Adapter        = (*Adapter)(nil)
	_ runtime.BrowserAdapter = (*Adapter)(nil)
)

type Adapter struct {
	baseURL string
	client  *http.Client
}

func New(endpoint string) *Adapter {
	return &Adapter{
		baseURL: strings.TrimRight(endpoint, "/"),
		client:  &http.Client{Transport: sharedTransport, Timeout: 30 * time.Second},
	}
}

func (a *Adapter) do(ctx context.Context, method, path string, body any, timeout time.Duration) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding browser request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building browser request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := a.client
	if timeout > 0 {
		c := *a.client
		c.Timeout = timeout
		client = &c
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierr.Timeout(fmt.Sprintf("browser request timed out: %s", path), err)
		}
		return nil, fmt.Errorf("%w: %s: %v", runtime.ErrConnectionFailed, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.RuntimeError("reading browser response", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apierr.RuntimeError(fmt.Sprintf("browser request failed: %d %s", resp.StatusCode, string(respBody)), nil)
	}
	if len(respBody) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, apierr.RuntimeError("decoding browser response", err)
	}
	return out, nil
}

func (a *Adapter) Meta(ctx context.Context) (*runtime.Meta, error) {
	data, err := a.do(ctx, http.MethodGet, "/meta", nil, 0)
	if err != nil {
		return nil, err
	}
	rt, _ := data["runtime"].(map[string]any)
	caps, _ := data["capabilities"].(map[string]any)
	return &runtime.Meta{
		Name:         stringOr(rt, "name", "browser"),
		Version:      stringOr(rt, "version", "unknown"),
		APIVersion:   stringOr(rt, "api_version", "v1"),
		Capabilities: caps,
	}, nil
}

func (a *Adapter) Health(ctx context.Context) error {
	_, err := a.do(ctx, http.MethodGet, "/health", nil, 0)
	return err
}

// ExecBrowser runs a single command line as-is; the router never prepends
// a prefix, and session/profile flags are injected by the runtime.
func (a *Adapter) ExecBrowser(ctx context.Context, command string, timeout time.Duration) (*runtime.ExecutionResult, error) {
	data, err := a.do(ctx, http.MethodPost, "/browser/exec",
		map[string]any{"command": command, "timeout": int(timeout.Seconds())}, timeout+5*time.Second)
	if err != nil {
		return nil, err
	}
	exitCode := intOr(data, "exit_code", -1)
	return &runtime.ExecutionResult{
		Success:  boolOr(data, "success"),
		Output:   stringOr(data, "output", ""),
		Error:    stringOr(data, "error", ""),
		ExitCode: &exitCode,
	}, nil
}

// ExecBrowserBatch runs commands in order, stopping after the first failure
// when stopOnError is set. It always returns the steps it actually ran.
func (a *Adapter) ExecBrowserBatch(ctx context.Context, commands []string, overallTimeout time.Duration, stopOnError bool) ([]runtime.BrowserStepResult, bool, error) {
	data, err := a.do(ctx, http.MethodPost, "/browser/exec_batch", map[string]any{
		"commands":      commands,
		"timeout":       int(overallTimeout.Seconds()),
		"stop_on_error": stopOnError,
	}, overallTimeout+5*time.Second)
	if err != nil {
		return nil, false, err
	}

	rawSteps, _ := data["steps"].([]any)
	steps := make([]runtime.BrowserStepResult, 0, len(rawSteps))
	for _, raw := range rawSteps {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		exitCode := intOr(m, "exit_code", -1)
		steps = append(steps, runtime.BrowserStepResult{
			Command:  stringOr(m, "command", ""),
			Success:  boolOr(m, "success"),
			Output:   stringOr(m, "output", ""),
			Error:    stringOr(m, "error", ""),
			ExitCode: &exitCode,
		})
	}
	return steps, boolOr(data, "success"), nil
}

func stringOr(m map[string]any, key, def string) string {
	if m == nil {
		return def
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func boolOr(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	v, _ := m[key].(bool)
	return v
}

func intOr(m map[string]any, key string, def int) int {
	if m == nil {
		return def
	}
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return def
}
