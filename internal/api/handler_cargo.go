package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"bay/internal/apierr"
	"bay/internal/cargo"
	"bay/internal/store"
)

type CargoHandler struct {
	cargos *cargo.Manager
}

func NewCargoHandler(cargos *cargo.Manager) *CargoHandler {
	return &CargoHandler{cargos: cargos}
}

func (h *CargoHandler) Create(c *gin.Context) {
	var req CreateCargoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	owner := ownerFromContext(c)

	if req.External {
		created, e := h.cargos.CreateExternal(c.Request.Context(), owner, req.MountPath)
		if e != nil {
			respondErr(c, e)
			return
		}
		c.JSON(http.StatusCreated, toCargoResponse(created))
		return
	}

	c.JSON(http.StatusBadRequest, gin.H{"error": "managed cargos are created implicitly with a sandbox"})
}

func (h *CargoHandler) List(c *gin.Context) {
	cargos, err := h.cargos.List(ownerFromContext(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]CargoResponse, 0, len(cargos))
	for _, cg := range cargos {
		out = append(out, toCargoResponse(cg))
	}
	c.JSON(http.StatusOK, gin.H{"cargos": out})
}

func (h *CargoHandler) Get(c *gin.Context) {
	cg, err := h.cargos.Get(ownerFromContext(c), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toCargoResponse(cg))
}

// Delete refuses managed cargos outright; they're only ever removed by
// deleting their owning sandbox. The lookup is scoped to the caller's owner
// so one owner can't delete another's cargo by guessing its id.
func (h *CargoHandler) Delete(c *gin.Context) {
	cg, err := h.cargos.Get(ownerFromContext(c), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	if cg.Kind == store.CargoManaged {
		respondErr(c, apierr.Conflict("managed cargos can only be deleted by deleting their sandbox"))
		return
	}
	if err := h.cargos.Delete(c.Request.Context(), cg, false); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
