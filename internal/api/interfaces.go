// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"github.com/labstack/echo/v4"
)

// PhotoHandler handles the console's catalog operations
type PhotoHandler interface {
	HandleGetPolicy(c echo.Context) error
	HandleListPhotos(c echo.Context) error
	HandleSelectPhotos(c echo.Context) error
	HandleGetPreview(c echo.Context) error
	HandleRemovePhoto(c echo.Context) error
	HandleClearPhotos(c echo.Context) error
	HandleSubmitPhotos(c echo.Context) error
	HandleGetSession(c echo.Context) error
}

// JobHandler handles async selection jobs
type JobHandler interface {
	HandleGetJob(c echo.Context) error
	HandleJobSocket(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}
