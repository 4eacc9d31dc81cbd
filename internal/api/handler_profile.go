package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"bay/internal/config"
)

type ProfileHandler struct {
	profiles []config.ProfileConfig
}

func NewProfileHandler(profiles []config.ProfileConfig) *ProfileHandler {
	return &ProfileHandler{profiles: profiles}
}

type ProfileResponse struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
}

func (h *ProfileHandler) List(c *gin.Context) {
	out := make([]ProfileResponse, 0, len(h.profiles))
	for _, p := range h.profiles {
		out = append(out, ProfileResponse{ID: p.ID, Capabilities: p.Capabilities()})
	}
	c.JSON(http.StatusOK, gin.H{"profiles": out})
}
