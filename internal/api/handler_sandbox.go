package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bay/internal/sandboxmgr"
	"bay/internal/store"
)

type SandboxHandler struct {
	sandboxes *sandboxmgr.Manager
	store     *store.Store
}

func NewSandboxHandler(sandboxes *sandboxmgr.Manager, st *store.Store) *SandboxHandler {
	return &SandboxHandler{sandboxes: sandboxes, store: st}
}

func (h *SandboxHandler) statusFor(sb *store.Sandbox, now time.Time) sandboxmgr.Status {
	var sess *store.Session
	if sb.CurrentSessionID != nil {
		sess, _ = h.store.GetSession(*sb.CurrentSessionID)
	}
	return h.sandboxes.ComputeStatus(sb, sess, now)
}

func (h *SandboxHandler) Create(c *gin.Context) {
	var req CreateSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	var ttl *time.Duration
	if req.TTLSecond != nil {
		d := time.Duration(*req.TTLSecond) * time.Second
		ttl = &d
	}

	sb, err := h.sandboxes.Create(c.Request.Context(), ownerFromContext(c), req.ProfileID, ttl)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSandboxResponse(sb, h.statusFor(sb, time.Now().UTC())))
}

func (h *SandboxHandler) List(c *gin.Context) {
	sandboxes, err := h.sandboxes.List(ownerFromContext(c), 100, nil)
	if err != nil {
		respondErr(c, err)
		return
	}
	now := time.Now().UTC()
	out := make([]SandboxResponse, 0, len(sandboxes))
	for _, sb := range sandboxes {
		out = append(out, toSandboxResponse(sb, h.statusFor(sb, now)))
	}
	c.JSON(http.StatusOK, gin.H{"sandboxes": out})
}

func (h *SandboxHandler) Get(c *gin.Context) {
	sb, err := h.sandboxes.Get(ownerFromContext(c), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toSandboxResponse(sb, h.statusFor(sb, time.Now().UTC())))
}

func (h *SandboxHandler) Keepalive(c *gin.Context) {
	sb, err := h.sandboxes.Keepalive(ownerFromContext(c), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toSandboxResponse(sb, h.statusFor(sb, time.Now().UTC())))
}

func (h *SandboxHandler) ExtendTTL(c *gin.Context) {
	var req ExtendTTLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	sb, err := h.sandboxes.ExtendTTL(ownerFromContext(c), c.Param("id"), time.Duration(req.ExtendBySeconds)*time.Second)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toSandboxResponse(sb, h.statusFor(sb, time.Now().UTC())))
}

func (h *SandboxHandler) Stop(c *gin.Context) {
	sb, err := h.sandboxes.Stop(c.Request.Context(), ownerFromContext(c), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toSandboxResponse(sb, h.statusFor(sb, time.Now().UTC())))
}

func (h *SandboxHandler) Delete(c *gin.Context) {
	if err := h.sandboxes.Delete(c.Request.Context(), ownerFromContext(c), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
