package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"bay/internal/history"
)

type SkillHandler struct {
	history *history.Service
}

func NewSkillHandler(svc *history.Service) *SkillHandler {
	return &SkillHandler{history: svc}
}

func (h *SkillHandler) CreateCandidate(c *gin.Context) {
	var req CreateSkillCandidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	cand, err := h.history.CreateCandidate(req.SkillKey, req.ExecutionIDs)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSkillCandidateResponse(cand))
}

func (h *SkillHandler) ListCandidates(c *gin.Context) {
	cands, err := h.history.ListCandidates(c.Query("skill_key"))
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]SkillCandidateResponse, 0, len(cands))
	for _, cand := range cands {
		out = append(out, toSkillCandidateResponse(cand))
	}
	c.JSON(http.StatusOK, gin.H{"candidates": out})
}

func (h *SkillHandler) GetCandidate(c *gin.Context) {
	cand, err := h.history.GetCandidate(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toSkillCandidateResponse(cand))
}

func (h *SkillHandler) Evaluate(c *gin.Context) {
	var req EvaluateSkillCandidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	cand, err := h.history.Evaluate(c.Param("id"), req.Score, req.Passed)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toSkillCandidateResponse(cand))
}

func (h *SkillHandler) Promote(c *gin.Context) {
	var req PromoteSkillCandidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	release, err := h.history.Promote(c.Param("id"), req.Stage)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSkillReleaseResponse(release))
}

func (h *SkillHandler) ListReleases(c *gin.Context) {
	releases, err := h.history.ListReleases(c.Query("skill_key"))
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]SkillReleaseResponse, 0, len(releases))
	for _, r := range releases {
		out = append(out, toSkillReleaseResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"releases": out})
}

func (h *SkillHandler) Rollback(c *gin.Context) {
	release, err := h.history.Rollback(c.Query("skill_key"), c.Query("stage"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toSkillReleaseResponse(release))
}
