package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bay/internal/gc"
)

type AdminHandler struct {
	gc *gc.Coordinator
}

func NewAdminHandler(coordinator *gc.Coordinator) *AdminHandler {
	return &AdminHandler{gc: coordinator}
}

func (h *AdminHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Timestamp: formatTime(time.Now())})
}

func (h *AdminHandler) TriggerGC(c *gin.Context) {
	h.gc.TriggerAll(c.Request.Context())
	c.Status(http.StatusAccepted)
}
