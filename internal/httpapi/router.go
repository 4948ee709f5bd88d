package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/streamchat/internal/chat"
	"github.com/suPer8Hu/streamchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/streamchat/internal/httpapi/middleware"
)

type Options struct {
	JWTSecret string
	Heartbeat time.Duration
	Log       *slog.Logger
}

func NewRouter(svc *chat.Service, opts Options) *gin.Engine {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:           true,
		AllowMethods:              []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:              []string{"Authorization", "apikey", "Content-Type", "X-Client-Info", middleware.RequestIDHeader},
		ExposeHeaders:             []string{middleware.RequestIDHeader},
		OptionsResponseStatusCode: http.StatusOK,
		MaxAge:                    12 * time.Hour,
	}))

	h := handlers.NewHandler(svc, log, opts.Heartbeat)

	r.NoRoute(h.NotFound)
	r.NoMethod(h.MethodNotAllowed)

	r.GET("/ping", h.Ping)

	api := r.Group("/")
	api.Use(middleware.APIKey(opts.JWTSecret))
	api.POST("/chat", h.Chat)
	api.GET("/sessions", h.ListSessions)
	api.POST("/sessions", h.CreateSession)
	api.DELETE("/sessions/:id", h.DeleteSession)
	api.GET("/sessions/:id/messages", h.ListMessages)
	return r
}
