package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"bay/internal/history"
	"bay/internal/store"
)

type HistoryHandler struct {
	history *history.Service
}

func NewHistoryHandler(svc *history.Service) *HistoryHandler {
	return &HistoryHandler{history: svc}
}

func (h *HistoryHandler) List(c *gin.Context) {
	f := store.ExecutionFilter{
		SandboxID: c.Query("sandbox_id"),
		Type:      c.Query("type"),
		Tag:       c.Query("tag"),
	}
	if v := c.Query("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			f.Success = &b
		}
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}

	executions, err := h.history.List(f)
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]ExecutionResponse, 0, len(executions))
	for _, e := range executions {
		out = append(out, toExecutionResponse(e))
	}
	c.JSON(http.StatusOK, gin.H{"executions": out})
}

func (h *HistoryHandler) Get(c *gin.Context) {
	e, err := h.history.Get(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toExecutionResponse(e))
}

func (h *HistoryHandler) GetLast(c *gin.Context) {
	e, err := h.history.GetLast(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toExecutionResponse(e))
}

func (h *HistoryHandler) Annotate(c *gin.Context) {
	var req AnnotateExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if err := h.history.Annotate(c.Param("exec_id"), req.Description, req.Notes, req.Tags); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
