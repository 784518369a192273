package main

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"treehole/internal/db"
	"treehole/internal/handlers"
	"treehole/internal/logging"
	"treehole/internal/middleware"
	"treehole/internal/services"
	"treehole/internal/utils"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using system environment")
	}

	logger := logging.Init(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	gdb, err := db.Init(os.Getenv("DATABASE_URL"))
	if err != nil {
		logger.Error("database init failed", "error", err)
		os.Exit(1)
	}
	if err := db.EnsureAdmin(gdb, os.Getenv("ADMIN_EMAIL"), os.Getenv("ADMIN_PASSWORD")); err != nil {
		logger.Error("moderator seeding failed", "error", err)
		os.Exit(1)
	}

	cache, err := utils.NewCache(500)
	if err != nil {
		logger.Error("cache init failed", "error", err)
		os.Exit(1)
	}

	classifier := services.NewClassifier(services.ClassifierConfig{
		BaseURL: os.Getenv("MODERATION_BASE_URL"),
		APIKey:  os.Getenv("MODERATION_API_KEY"),
		Timeout: envDuration("MODERATION_TIMEOUT", 10*time.Second),
	}, logger)

	ledger := services.NewLedger(gdb, cache, logger)
	trending := services.NewTrending(gdb, cache)
	pipeline := services.NewPipeline(gdb, classifier, services.PipelineConfig{}, logger)
	queue := services.NewQueue(gdb)

	r := gin.Default()

	secret := os.Getenv("SESSION_SECRET")
	if secret == "" {
		secret = "secret_key_change_me"
	}
	store := cookie.NewStore([]byte(secret))
	r.Use(sessions.Sessions("treehole_session", store))
	r.Use(middleware.LoadUser(gdb))

	storyHandler := handlers.NewStoryHandler(gdb, ledger, trending, pipeline)
	voteHandler := handlers.NewVoteHandler(ledger, pipeline)
	modHandler := handlers.NewModerationHandler(gdb, queue, pipeline)

	// Public read surface
	r.GET("/posts", storyHandler.ListTrending)
	r.GET("/posts/new", storyHandler.ListNew)
	r.GET("/posts/:id", storyHandler.Detail)

	// Authenticated actions
	authorized := r.Group("/")
	authorized.Use(middleware.AuthRequired())
	{
		authorized.POST("/posts", storyHandler.Create)
		authorized.POST("/posts/:id/comments", storyHandler.CreateComment)
		authorized.POST("/vote/:type/:id", voteHandler.Upvote)
		authorized.POST("/vote/:type/:id/down", voteHandler.Downvote)
		authorized.POST("/report/:type/:id", voteHandler.Report)
	}

	// Moderator surface
	mod := r.Group("/mod")
	mod.Use(middleware.AuthRequired(), middleware.StaffRequired())
	{
		mod.GET("/flagged", modHandler.ListFlagged)
		mod.POST("/:type/:id/unflag", modHandler.Unflag)
		mod.POST("/:type/:id/hide", modHandler.Hide)
		mod.POST("/:type/:id/unhide", modHandler.Unhide)
		mod.POST("/:type/:id/reclassify", modHandler.Reclassify)
		mod.DELETE("/:type/:id", modHandler.Delete)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	logger.Info("treehole server starting", "port", port)
	if err := r.Run(":" + port); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
