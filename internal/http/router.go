package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/leadrouter/backend/internal/config"
	"github.com/leadrouter/backend/internal/db"
	"github.com/leadrouter/backend/internal/http/handlers"
	"github.com/leadrouter/backend/internal/http/middleware"
	"github.com/leadrouter/backend/internal/service"

	_ "github.com/leadrouter/backend/docs"
)

func Router(cfg config.Config, store *db.Store, assigner *service.AssignmentService, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.MaxMultipartMemory = cfg.MaxUploadSizeMB << 20

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = []string{cfg.CORSAllowed}
	}
	r.Use(cors.New(corsCfg))

	h := &handlers.Handler{
		Store:     store,
		Assigner:  assigner,
		Validator: validator.New(),
		Logger:    logger,
		AdminKey:  cfg.AdminKey,
	}

	r.GET("/healthz", h.Healthz)

	api := r.Group("/api")
	{
		api.POST("/leads", h.LeadCreate)
		api.GET("/leads", h.LeadsList)
		api.GET("/leads/:id", h.LeadDetails)
		api.GET("/callers", h.CallersList)
		api.GET("/assignments", h.AssignmentsList)
		api.GET("/dashboard/summary", h.DashboardSummary)
	}

	admin := api.Group("")
	admin.Use(middleware.AdminKey(cfg.AdminKey))
	{
		admin.POST("/leads/:id/assign", h.LeadAssign)
		admin.POST("/callers", h.CallerCreate)
		admin.PUT("/callers/:id", h.CallerUpdate)
		admin.DELETE("/callers/:id", h.CallerDelete)
		admin.POST("/callers/import", h.CallersImport)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}
