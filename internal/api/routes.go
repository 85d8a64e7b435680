// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/courtside/photodesk/internal/session"
	"github.com/courtside/photodesk/internal/storage"
	"github.com/courtside/photodesk/internal/submit"
	"github.com/courtside/photodesk/internal/upload"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Previews           storage.Store
	SessionMgr         *session.Manager
	UploadMgr          *upload.Manager
	FallbackCredential submit.CredentialFunc
	WSMaxMessageSize   int
	Version            string
	Logger             *slog.Logger
}

// Handlers holds all handler instances
type Handlers struct {
	Health HealthHandler
	Photos PhotoHandler
	Jobs   JobHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health: NewHealthHandler(deps.Version, deps.SessionMgr),
		Photos: NewPhotoHandler(deps.SessionMgr, deps.Previews, deps.UploadMgr, deps.FallbackCredential, deps.Logger),
		Jobs:   NewJobHandler(deps.UploadMgr, deps.SessionMgr, deps.WSMaxMessageSize, deps.Logger),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	// Health check
	e.GET("/api/health", handlers.Health.HandleHealth)

	photos := e.Group("/api/photos")
	photos.GET("/policy", handlers.Photos.HandleGetPolicy)
	photos.GET("/session", handlers.Photos.HandleGetSession)
	photos.GET("", handlers.Photos.HandleListPhotos)
	photos.POST("/select", handlers.Photos.HandleSelectPhotos)
	photos.GET("/previews/:handle", handlers.Photos.HandleGetPreview)
	photos.POST("/submit", handlers.Photos.HandleSubmitPhotos)
	photos.DELETE("/:id", handlers.Photos.HandleRemovePhoto)
	photos.DELETE("", handlers.Photos.HandleClearPhotos)
	photos.GET("/jobs/:jobId", handlers.Jobs.HandleGetJob)
}

// RegisterWebSocketRoutes registers WebSocket routes
func RegisterWebSocketRoutes(e *echo.Echo, handlers *Handlers) {
	e.GET("/api/ws/jobs", handlers.Jobs.HandleJobSocket)
}

// MiddlewareOptions selects the optional middleware.
type MiddlewareOptions struct {
	BodyLimit        string
	EnableCORS       bool
	AllowOrigins     []string
	RequestLogging   bool
	Compression      bool
	CompressionLevel int
	Logger           *slog.Logger
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, opts MiddlewareOptions) {
	e.HTTPErrorHandler = ErrorHandler

	if opts.RequestLogging {
		logger := opts.Logger
		if logger == nil {
			logger = slog.Default()
		}
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			Skipper:   skipNoisyPaths,
			LogMethod: true,
			LogURI:    true,
			LogStatus: true,
			LogError:  true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status}
				if v.Error != nil {
					attrs = append(attrs, "error", v.Error)
				}
				logger.Info("request", attrs...)
				return nil
			},
		}))
	}
	e.Use(middleware.Recover())
	if opts.EnableCORS {
		origins := opts.AllowOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:  origins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, SessionHeader},
			ExposeHeaders: []string{SessionHeader},
		}))
	}

	if opts.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opts.BodyLimit))
	}
	if opts.Compression {
		e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
			Level: opts.CompressionLevel,
			Skipper: func(c echo.Context) bool {
				// previews are already JPEG and the socket cannot be wrapped
				path := c.Request().URL.Path
				return strings.HasPrefix(path, "/api/photos/previews/") || strings.HasPrefix(path, "/api/ws/")
			},
		}))
	}
}

// skipNoisyPaths keeps polling and static asset requests out of the log.
func skipNoisyPaths(c echo.Context) bool {
	path := c.Request().URL.Path
	return strings.HasPrefix(path, "/api/photos/jobs/") ||
		strings.HasPrefix(path, "/api/photos/previews/") ||
		path == "/api/health" ||
		!strings.HasPrefix(path, "/api/")
}
