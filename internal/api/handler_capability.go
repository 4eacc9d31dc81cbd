package api

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bay/internal/apierr"
	"bay/internal/capability"
)

type CapabilityHandler struct {
	router *capability.Router
}

func NewCapabilityHandler(router *capability.Router) *CapabilityHandler {
	return &CapabilityHandler{router: router}
}

func execTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(seconds) * time.Second
}

func (h *CapabilityHandler) ExecPython(c *gin.Context) {
	var req ExecPythonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	result, err := h.router.ExecPython(c.Request.Context(), ownerFromContext(c), c.Param("id"), req.Code, execTimeout(req.Timeout))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toExecutionResultResponse(result))
}

func (h *CapabilityHandler) ExecShell(c *gin.Context) {
	var req ExecShellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	result, err := h.router.ExecShell(c.Request.Context(), ownerFromContext(c), c.Param("id"), req.Command, execTimeout(req.Timeout), req.Cwd)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toExecutionResultResponse(result))
}

func (h *CapabilityHandler) ReadFile(c *gin.Context) {
	path := c.Query("path")
	content, err := h.router.ReadFile(c.Request.Context(), ownerFromContext(c), c.Param("id"), path)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "content": content})
}

func (h *CapabilityHandler) WriteFile(c *gin.Context) {
	var req WriteFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if err := h.router.WriteFile(c.Request.Context(), ownerFromContext(c), c.Param("id"), req.Path, req.Content); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CapabilityHandler) ListFiles(c *gin.Context) {
	path := c.Query("path")
	entries, err := h.router.ListFiles(c.Request.Context(), ownerFromContext(c), c.Param("id"), path)
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]FileEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toFileEntryResponse(e))
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

func (h *CapabilityHandler) DeleteFile(c *gin.Context) {
	path := c.Query("path")
	if err := h.router.DeleteFile(c.Request.Context(), ownerFromContext(c), c.Param("id"), path); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CapabilityHandler) UploadArchive(c *gin.Context) {
	var req UploadArchiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	tarData, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		respondErr(c, apierr.Validation("data must be base64-encoded tar archive"))
		return
	}
	if err := h.router.UploadArchive(c.Request.Context(), ownerFromContext(c), c.Param("id"), req.Path, tarData); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CapabilityHandler) DownloadArchive(c *gin.Context) {
	path := c.Query("path")
	tarData, err := h.router.DownloadArchive(c.Request.Context(), ownerFromContext(c), c.Param("id"), path)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "data": base64.StdEncoding.EncodeToString(tarData)})
}

func (h *CapabilityHandler) ExecBrowser(c *gin.Context) {
	var req BrowserExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	result, err := h.router.ExecBrowser(c.Request.Context(), ownerFromContext(c), c.Param("id"), req.Command, execTimeout(req.Timeout))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toExecutionResultResponse(result))
}

func (h *CapabilityHandler) ExecBrowserBatch(c *gin.Context) {
	var req BrowserExecBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	results, success, err := h.router.ExecBrowserBatch(c.Request.Context(), ownerFromContext(c), c.Param("id"), req.Commands, execTimeout(req.OverallTimeout), req.StopOnError)
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]BrowserStepResultResponse, 0, len(results))
	for _, r := range results {
		out = append(out, BrowserStepResultResponse{
			Command: r.Command, Success: r.Success, Output: r.Output, Error: r.Error, ExitCode: r.ExitCode,
		})
	}
	c.JSON(http.StatusOK, BrowserExecBatchResponse{Results: out, Success: success})
}
