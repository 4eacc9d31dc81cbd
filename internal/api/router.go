package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bay/internal/cargo"
	"bay/internal/capability"
	"bay/internal/config"
	"bay/internal/gc"
	"bay/internal/history"
	"bay/internal/idempotency"
	"bay/internal/sandboxmgr"
	"bay/internal/store"
)

type Dependencies struct {
	Store       *store.Store
	Sandboxes   *sandboxmgr.Manager
	Capability  *capability.Router
	Cargos      *cargo.Manager
	History     *history.Service
	GC          *gc.Coordinator
	Idempotency *idempotency.Service
	Profiles    []config.ProfileConfig
	DevMode     bool
	OwnerHeader string
}

func NewRouter(deps Dependencies) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())
	r.Use(RequestIDMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{Status: "ok", Timestamp: formatTime(time.Now())})
	})

	sandboxHandler := NewSandboxHandler(deps.Sandboxes, deps.Store)
	capHandler := NewCapabilityHandler(deps.Capability)
	historyHandler := NewHistoryHandler(deps.History)
	skillHandler := NewSkillHandler(deps.History)
	cargoHandler := NewCargoHandler(deps.Cargos)
	adminHandler := NewAdminHandler(deps.GC)
	profileHandler := NewProfileHandler(deps.Profiles)

	v1 := r.Group("/v1")
	v1.Use(OwnerMiddleware(deps.OwnerHeader))
	v1.Use(IdempotencyMiddleware(deps.Idempotency))
	{
		sandboxes := v1.Group("/sandboxes")
		{
			sandboxes.POST("", sandboxHandler.Create)
			sandboxes.GET("", sandboxHandler.List)
			sandboxes.GET("/:id", sandboxHandler.Get)
			sandboxes.POST("/:id/keepalive", sandboxHandler.Keepalive)
			sandboxes.POST("/:id/extend_ttl", sandboxHandler.ExtendTTL)
			sandboxes.POST("/:id/stop", sandboxHandler.Stop)
			sandboxes.DELETE("/:id", sandboxHandler.Delete)

			sandboxes.POST("/:id/python/exec", capHandler.ExecPython)
			sandboxes.POST("/:id/shell/exec", capHandler.ExecShell)
			sandboxes.GET("/:id/filesystem/files", capHandler.ReadFile)
			sandboxes.POST("/:id/filesystem/files", capHandler.WriteFile)
			sandboxes.DELETE("/:id/filesystem/files", capHandler.DeleteFile)
			sandboxes.GET("/:id/filesystem/directories", capHandler.ListFiles)
			sandboxes.POST("/:id/filesystem/upload", capHandler.UploadArchive)
			sandboxes.GET("/:id/filesystem/download", capHandler.DownloadArchive)
			sandboxes.POST("/:id/browser/exec", capHandler.ExecBrowser)
			sandboxes.POST("/:id/browser/exec_batch", capHandler.ExecBrowserBatch)

			sandboxes.GET("/:id/history/last", historyHandler.GetLast)
		}

		historyGroup := v1.Group("/history")
		{
			historyGroup.GET("", historyHandler.List)
			historyGroup.GET("/:id", historyHandler.Get)
			historyGroup.POST("/:exec_id/annotate", historyHandler.Annotate)
		}

		skills := v1.Group("/skills")
		{
			skills.POST("/candidates", skillHandler.CreateCandidate)
			skills.GET("/candidates", skillHandler.ListCandidates)
			skills.GET("/candidates/:id", skillHandler.GetCandidate)
			skills.POST("/candidates/:id/evaluate", skillHandler.Evaluate)
			skills.POST("/candidates/:id/promote", skillHandler.Promote)
			skills.GET("/releases", skillHandler.ListReleases)
			skills.POST("/releases/rollback", skillHandler.Rollback)
		}

		cargos := v1.Group("/cargos")
		{
			cargos.POST("", cargoHandler.Create)
			cargos.GET("", cargoHandler.List)
			cargos.GET("/:id", cargoHandler.Get)
			cargos.DELETE("/:id", cargoHandler.Delete)
		}

		v1.GET("/profiles", profileHandler.List)

		admin := v1.Group("/admin")
		{
			admin.GET("/health", adminHandler.Health)
			admin.POST("/gc/trigger", adminHandler.TriggerGC)
		}
	}

	return r
}
