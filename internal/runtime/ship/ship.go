// Package ship implements runtime.Adapter against a Ship container's pure
// HTTP/JSON wire protocol, grounded on original_source's ShipClient.
package ship

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bay/internal/apierr"
	"bay/internal/runtime"
)

// sharedTransport is constructed once per process and reused by every
// Adapter so TCP connections to Ship containers stay pooled instead of
// being redialed per call.
var sharedTransport = &http.Transport{
	MaxIdleConnsPerHost: 16,
	IdleConnTimeout:     90 * time.Second,
}

var (
	_ runtime.Adapter     = (*Adapter)(nil)
	_ runtime.FileAdapter = (*Adapter)(nil)
	_ runtime.ExecAdapter = (*Adapter)(nil)
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

func (a *Adapter) request(ctx context.Context, method, path string, body any, timeout time.Duration) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding ship request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building ship request: %w", err)
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
			return nil, apierr.Timeout(fmt.Sprintf("ship request timed out: %s", path), err)
		}
		return nil, fmt.Errorf("%w: %s: %v", runtime.ErrConnectionFailed, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.ShipError("reading ship response", err)
	}

	if resp.StatusCode >= 400 {
		return nil, apierr.ShipError(fmt.Sprintf("ship request failed: %d %s", resp.StatusCode, string(respBody)), nil)
	}

	if len(respBody) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, apierr.ShipError("decoding ship response", err)
	}
	return out, nil
}

func (a *Adapter) get(ctx context.Context, path string) (map[string]any, error) {
	return a.request(ctx, http.MethodGet, path, nil, 0)
}

func (a *Adapter) post(ctx context.Context, path string, body any, timeout time.Duration) (map[string]any, error) {
	return a.request(ctx, http.MethodPost, path, body, timeout)
}

func (a *Adapter) Meta(ctx context.Context) (*runtime.Meta, error) {
	data, err := a.get(ctx, "/meta")
	if err != nil {
		return nil, err
	}

	rt, _ := data["runtime"].(map[string]any)
	workspace, _ := data["workspace"].(map[string]any)
	caps, _ := data["capabilities"].(map[string]any)

	meta := &runtime.Meta{
		Name:         stringOr(rt, "name", "ship"),
		Version:      stringOr(rt, "version", "unknown"),
		APIVersion:   stringOr(rt, "api_version", "v1"),
		MountPath:    stringOr(workspace, "mount_path", "/workspace"),
		Capabilities: caps,
	}
	return meta, nil
}

func (a *Adapter) Health(ctx context.Context) error {
	_, err := a.get(ctx, "/health")
	return err
}

func (a *Adapter) ReadFile(ctx context.Context, path string) (string, error) {
	data, err := a.post(ctx, "/fs/read_file", map[string]any{"path": path}, 0)
	if err != nil {
		return "", err
	}
	content, _ := data["content"].(string)
	return content, nil
}

func (a *Adapter) WriteFile(ctx context.Context, path, content string) error {
	_, err := a.post(ctx, "/fs/write_file", map[string]any{"path": path, "content": content}, 0)
	return err
}

func (a *Adapter) ListFiles(ctx context.Context, path string) ([]runtime.FileEntry, error) {
	data, err := a.post(ctx, "/fs/list", map[string]any{"path": path}, 0)
	if err != nil {
		return nil, err
	}
	rawEntries, _ := data["entries"].([]any)
	out := make([]runtime.FileEntry, 0, len(rawEntries))
	for _, raw := range rawEntries {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		entry := runtime.FileEntry{
			Path:  stringOr(m, "path", ""),
			IsDir: boolOr(m, "is_dir"),
		}
		if sz, ok := m["size"].(float64); ok {
			entry.Size = int64(sz)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (a *Adapter) DeleteFile(ctx context.Context, path string) error {
	_, err := a.post(ctx, "/fs/delete", map[string]any{"path": path}, 0)
	return err
}

// UploadArchive sends a tar archive base64-encoded in the JSON body; Ship
// extracts it into destPath. Large archives go through a longer timeout
// since extraction runs inside the container.
func (a *Adapter) UploadArchive(ctx context.Context, destPath string, tarData []byte) error {
	_, err := a.post(ctx, "/fs/upload", map[string]any{
		"path": destPath,
		"data": base64.StdEncoding.EncodeToString(tarData),
	}, 60*time.Second)
	return err
}

func (a *Adapter) DownloadArchive(ctx context.Context, srcPath string) ([]byte, error) {
	data, err := a.post(ctx, "/fs/download", map[string]any{"path": srcPath}, 60*time.Second)
	if err != nil {
		return nil, err
	}
	encoded := stringOr(data, "data", "")
	tarData, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apierr.ShipError("decoding download archive", err)
	}
	return tarData, nil
}

func (a *Adapter) ExecShell(ctx context.Context, command string, timeout time.Duration, cwd string) (*runtime.ExecutionResult, error) {
	payload := map[string]any{
		"command": command,
		"timeout": int(timeout.Seconds()),
	}
	if cwd != "" {
		payload["cwd"] = cwd
	}

	data, err := a.post(ctx, "/shell/exec", payload, timeout+5*time.Second)
	if err != nil {
		return nil, err
	}

	exitCode := intOr(data, "exit_code", -1)
	return &runtime.ExecutionResult{
		Success:  exitCode == 0,
		Output:   stringOr(data, "output", ""),
		Error:    stringOr(data, "error", ""),
		ExitCode: &exitCode,
	}, nil
}

func (a *Adapter) ExecPython(ctx context.Context, code string, timeout time.Duration) (*runtime.ExecutionResult, error) {
	data, err := a.post(ctx, "/ipython/exec", map[string]any{
		"code":    code,
		"timeout": int(timeout.Seconds()),
	}, timeout+5*time.Second)
	if err != nil {
		return nil, err
	}

	result := &runtime.ExecutionResult{
		Success: boolOr(data, "success"),
		Output:  stringOr(data, "output", ""),
		Error:   stringOr(data, "error", ""),
	}
	if d, ok := data["data"].(map[string]any); ok {
		result.Data = d
	}
	return result, nil
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
