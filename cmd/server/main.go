// cmd/server/main.go
package main

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"xray-back/internal/cache"
	"xray-back/internal/config"
	"xray-back/internal/database"
	"xray-back/internal/engine"
	"xray-back/internal/handlers"
	"xray-back/internal/logger"
	"xray-back/internal/middleware"
	"xray-back/internal/service"
	"xray-back/internal/storage"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	cfg := config.Load()

	logg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatal("Failed to build logger:", err)
	}
	defer logg.Sync()

	// Initialize database
	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		logg.Fatal("failed to connect to database", "error", err)
	}

	// Auto-migrate models
	if err := database.MigrateDB(db); err != nil {
		logg.Fatal("failed to migrate database", "error", err)
	}

	blobs, err := storage.NewMinIOClient(&cfg.Minio)
	if err != nil {
		logg.Fatal("failed to initialize MinIO client", "error", err)
	}

	var historyCache *cache.Cache
	if cfg.Redis.Enabled {
		historyCache, err = cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logg.Fatal("failed to connect to Redis", "error", err)
		}
		defer historyCache.Close()
	}

	classifier := engine.NewSimulated(time.Now().UnixNano())

	users := service.NewUserService(db, logg)
	images := service.NewImageService(db, blobs, logg)
	detections := service.NewDetectionService(db, classifier, historyCache, logg, cfg.Detection.ProcessingDelay)

	if cfg.Detection.SweepEnabled {
		sweepCtx, cancelSweep := context.WithCancel(context.Background())
		defer cancelSweep()
		go detections.RunSweeper(sweepCtx, cfg.Detection.SweepInterval, cfg.Detection.StaleAfter)
	}

	// Initialize Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logg))
	r.Use(middleware.CORSMiddleware())

	api := r.Group("/api")
	{
		api.POST("/users", handlers.CreateUser(users))
		api.GET("/users", handlers.ListUsers(users))
		api.GET("/users/:id", handlers.GetUser(users))
		api.GET("/users/:id/images", handlers.ListUserImages(images))
		api.POST("/users/:id/images", handlers.UploadImage(images, detections, &cfg.Detection, logg))
		api.GET("/users/:id/history", handlers.UserHistory(detections))

		api.GET("/images/:id", handlers.GetImage(images))
		api.DELETE("/images/:id", handlers.DeleteImage(images))
		api.GET("/images/:id/detections", handlers.ListImageDetections(detections))
		api.POST("/images/:id/detections", handlers.StartDetection(detections, &cfg.Detection, logg))

		api.GET("/detections/:id", handlers.GetDetection(detections))
		api.GET("/detections/:id/audit", handlers.DetectionAudit(detections))
	}

	logg.Info("server starting", "port", cfg.Server.Port)
	if err := r.Run(cfg.Server.Host + ":" + cfg.Server.Port); err != nil {
		logg.Fatal("failed to start server", "error", err)
	}
}
