package api

import (
	"time"

	"bay/internal/runtime"
	"bay/internal/sandboxmgr"
	"bay/internal/store"
)

type CreateSandboxRequest struct {
	ProfileID string `json:"profile_id" binding:"required"`
	TTLSecond *int64 `json:"ttl_seconds"`
}

type SandboxResponse struct {
	ID               string  `json:"id"`
	Owner            string  `json:"owner"`
	ProfileID        string  `json:"profile_id"`
	CargoID          string  `json:"cargo_id"`
	CurrentSessionID *string `json:"current_session_id,omitempty"`
	Status           string  `json:"status"`
	ExpiresAt        *string `json:"expires_at,omitempty"`
	IdleExpiresAt    *string `json:"idle_expires_at,omitempty"`
	LastActivity     string  `json:"last_activity"`
	CreatedAt        string  `json:"created_at"`
}

func toSandboxResponse(sb *store.Sandbox, status sandboxmgr.Status) SandboxResponse {
	return SandboxResponse{
		ID:               sb.ID,
		Owner:            sb.Owner,
		ProfileID:        sb.ProfileID,
		CargoID:          sb.CargoID,
		CurrentSessionID: sb.CurrentSessionID,
		Status:           string(status),
		ExpiresAt:        formatTimePtr(sb.ExpiresAt),
		IdleExpiresAt:    formatTimePtr(sb.IdleExpiresAt),
		LastActivity:     formatTime(sb.LastActivity),
		CreatedAt:         formatTime(sb.CreatedAt),
	}
}

type ExtendTTLRequest struct {
	ExtendBySeconds int64 `json:"extend_by_seconds" binding:"required"`
}

type ExecPythonRequest struct {
	Code    string `json:"code" binding:"required"`
	Timeout int    `json:"timeout_seconds"`
}

type ExecShellRequest struct {
	Command string `json:"command" binding:"required"`
	Timeout int    `json:"timeout_seconds"`
	Cwd     string `json:"cwd"`
}

type ExecutionResultResponse struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output"`
	Error    string         `json:"error,omitempty"`
	ExitCode *int           `json:"exit_code,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

func toExecutionResultResponse(r *runtime.ExecutionResult) ExecutionResultResponse {
	return ExecutionResultResponse{
		Success:  r.Success,
		Output:   r.Output,
		Error:    r.Error,
		ExitCode: r.ExitCode,
		Data:     r.Data,
	}
}

type WriteFileRequest struct {
	Path    string `json:"path" binding:"required"`
	Content string `json:"content"`
}

type UploadArchiveRequest struct {
	Path string `json:"path" binding:"required"`
	Data string `json:"data" binding:"required"`
}

type FileEntryResponse struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	IsDir   bool   `json:"is_dir"`
	ModTime string `json:"mod_time,omitempty"`
}

func toFileEntryResponse(e runtime.FileEntry) FileEntryResponse {
	return FileEntryResponse{Path: e.Path, Size: e.Size, IsDir: e.IsDir, ModTime: formatTime(e.ModTime)}
}

type BrowserExecRequest struct {
	Command string `json:"command" binding:"required"`
	Timeout int    `json:"timeout_seconds"`
}

type BrowserExecBatchRequest struct {
	Commands       []string `json:"commands" binding:"required"`
	OverallTimeout int      `json:"overall_timeout_seconds"`
	StopOnError    bool     `json:"stop_on_error"`
}

type BrowserExecBatchResponse struct {
	Results []BrowserStepResultResponse `json:"results"`
	Success bool                        `json:"success"`
}

type BrowserStepResultResponse struct {
	Command  string `json:"command"`
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

type AnnotateExecutionRequest struct {
	Description *string  `json:"description"`
	Notes       *string  `json:"notes"`
	Tags        []string `json:"tags"`
}

type ExecutionResponse struct {
	ID          string   `json:"id"`
	SandboxID   string   `json:"sandbox_id"`
	Type        string   `json:"type"`
	Success     bool     `json:"success"`
	Output      *string  `json:"output,omitempty"`
	ExitCode    *int     `json:"exit_code,omitempty"`
	DurationMs  int64    `json:"duration_ms"`
	StartedAt   string   `json:"started_at"`
	Tags        []string `json:"tags,omitempty"`
	Description *string  `json:"description,omitempty"`
	Notes       *string  `json:"notes,omitempty"`
}

func toExecutionResponse(e *store.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:          e.ID,
		SandboxID:   e.SandboxID,
		Type:        e.Type,
		Success:     e.Success,
		Output:      e.Output,
		ExitCode:    e.ExitCode,
		DurationMs:  e.DurationMs,
		StartedAt:   formatTime(e.StartedAt),
		Tags:        e.Tags,
		Description: e.Description,
		Notes:       e.Notes,
	}
}

type CreateSkillCandidateRequest struct {
	SkillKey     string   `json:"skill_key" binding:"required"`
	ExecutionIDs []string `json:"execution_ids" binding:"required"`
}

type EvaluateSkillCandidateRequest struct {
	Score  float64 `json:"score"`
	Passed bool    `json:"passed"`
}

type PromoteSkillCandidateRequest struct {
	Stage string `json:"stage" binding:"required"`
}

type SkillCandidateResponse struct {
	ID           string   `json:"id"`
	SkillKey     string   `json:"skill_key"`
	ExecutionIDs []string `json:"execution_ids"`
	Status       string   `json:"status"`
	Score        *float64 `json:"score,omitempty"`
	Passed       *bool    `json:"passed,omitempty"`
}

func toSkillCandidateResponse(c *store.SkillCandidate) SkillCandidateResponse {
	return SkillCandidateResponse{
		ID:           c.ID,
		SkillKey:     c.SkillKey,
		ExecutionIDs: c.ExecutionIDs,
		Status:       c.Status,
		Score:        c.Score,
		Passed:       c.Passed,
	}
}

type SkillReleaseResponse struct {
	ID          string `json:"id"`
	SkillKey    string `json:"skill_key"`
	CandidateID string `json:"candidate_id"`
	Version     int    `json:"version"`
	Stage       string `json:"stage"`
	Active      bool   `json:"active"`
}

func toSkillReleaseResponse(r *store.SkillRelease) SkillReleaseResponse {
	return SkillReleaseResponse{
		ID:          r.ID,
		SkillKey:    r.SkillKey,
		CandidateID: r.CandidateID,
		Version:     r.Version,
		Stage:       r.Stage,
		Active:      r.Active,
	}
}

type CreateCargoRequest struct {
	MountPath string `json:"mount_path" binding:"required"`
	External  bool   `json:"external"`
}

type CargoResponse struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Kind      string `json:"kind"`
	MountPath string `json:"mount_path"`
	CreatedAt string `json:"created_at"`
}

func toCargoResponse(c *store.Cargo) CargoResponse {
	return CargoResponse{ID: c.ID, Owner: c.Owner, Kind: c.Kind, MountPath: c.MountPath, CreatedAt: formatTime(c.CreatedAt)}
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
