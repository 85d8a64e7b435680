// handlers_photos.go - Catalog handlers for the console
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/courtside/photodesk/internal/ingest"
	"github.com/courtside/photodesk/internal/models"
	"github.com/courtside/photodesk/internal/session"
	"github.com/courtside/photodesk/internal/storage"
	"github.com/courtside/photodesk/internal/submit"
	"github.com/courtside/photodesk/internal/upload"
	"github.com/labstack/echo/v4"
)

// FormFieldFiles is the repeated multipart field a selection arrives in.
const FormFieldFiles = "files"

// PhotoHandlerImpl implements the PhotoHandler interface
type PhotoHandlerImpl struct {
	sessions   *session.Manager
	previews   storage.Store
	jobs       *upload.Manager
	credential submit.CredentialFunc
	logger     *slog.Logger
}

// NewPhotoHandler creates a new photo handler. fallback supplies the
// credential when a request carries no bearer token.
func NewPhotoHandler(sessions *session.Manager, previews storage.Store, jobs *upload.Manager, fallback submit.CredentialFunc, logger *slog.Logger) PhotoHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PhotoHandlerImpl{
		sessions:   sessions,
		previews:   previews,
		jobs:       jobs,
		credential: fallback,
		logger:     logger.With("component", "api"),
	}
}

// photoView is one catalog item as the console renders it.
type photoView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	SourceSize    int64     `json:"sourceSize"`
	PreviewURL    string    `json:"previewUrl"`
	PreviewWidth  int       `json:"previewWidth"`
	PreviewHeight int       `json:"previewHeight"`
	UploadSize    int64     `json:"uploadSize"`
	UploadWidth   int       `json:"uploadWidth"`
	UploadHeight  int       `json:"uploadHeight"`
	BestEffort    bool      `json:"bestEffort"`
	AcceptedAt    time.Time `json:"acceptedAt"`
}

type catalogResponse struct {
	SessionID string      `json:"sessionId"`
	Items     []photoView `json:"items"`
	Count     int         `json:"count"`
	MaxItems  int         `json:"maxItems"`
	Version   uint64      `json:"version"`
}

func previewURL(handle string) string {
	return "/api/photos/previews/" + handle
}

func newCatalogResponse(state *session.State) catalogResponse {
	items := state.Catalog.Snapshot()
	views := make([]photoView, 0, len(items))
	for _, item := range items {
		v := photoView{
			ID:         item.ID,
			Name:       item.Source.Name,
			SourceSize: item.Source.Size,
			PreviewURL: previewURL(item.PreviewHandle),
			UploadSize: item.Upload.Size(),
			AcceptedAt: item.AcceptedAt,
		}
		if item.Preview != nil {
			v.PreviewWidth, v.PreviewHeight = item.Preview.Width, item.Preview.Height
		}
		if item.Upload != nil {
			v.UploadWidth, v.UploadHeight = item.Upload.Width, item.Upload.Height
			v.BestEffort = item.Upload.BestEffort
		}
		views = append(views, v)
	}
	return catalogResponse{
		SessionID: state.ID,
		Items:     views,
		Count:     len(views),
		MaxItems:  state.Catalog.MaxItems(),
		Version:   state.Catalog.Version(),
	}
}

type policyResponse struct {
	MaxItemCount   int           `json:"maxItemCount"`
	MaxSourceBytes int64         `json:"maxSourceBytes"`
	Preview        models.Target `json:"preview"`
	Upload         models.Target `json:"upload"`
	CountMessage   string        `json:"countMessage"`
	SizeMessage    string        `json:"sizeMessage"`
}

// HandleGetPolicy returns the limits every selection is checked against.
func (h *PhotoHandlerImpl) HandleGetPolicy(c echo.Context) error {
	p := h.sessions.Policy()
	return c.JSON(http.StatusOK, policyResponse{
		MaxItemCount:   p.MaxItemCount,
		MaxSourceBytes: p.MaxSourceBytes,
		Preview:        p.Preview,
		Upload:         p.Upload,
		CountMessage:   p.CountLimitMessage(),
		SizeMessage:    p.SizeLimitMessage(),
	})
}

// HandleGetSession returns the caller's session summary.
func (h *PhotoHandlerImpl) HandleGetSession(c echo.Context) error {
	state := resolveSession(c, h.sessions)
	return c.JSON(http.StatusOK, state.Summary())
}

// HandleListPhotos returns the catalog in display order.
func (h *PhotoHandlerImpl) HandleListPhotos(c echo.Context) error {
	state := resolveSession(c, h.sessions)
	return respond(c, http.StatusOK, newCatalogResponse(state))
}

type selectResponse struct {
	*ingest.Report
	Catalog catalogResponse `json:"catalog"`
}

type jobAccepted struct {
	JobID  string        `json:"jobId"`
	Status upload.Status `json:"status"`
}

// HandleSelectPhotos ingests a multipart selection. With ?async=1 the
// selection runs as a job and the response only carries its id.
func (h *PhotoHandlerImpl) HandleSelectPhotos(c echo.Context) error {
	state := resolveSession(c, h.sessions)

	form, err := c.MultipartForm()
	if err != nil {
		return NewBadRequestError("invalid multipart form", err)
	}
	headers := form.File[FormFieldFiles]
	if len(headers) == 0 {
		return NewValidationError(FormFieldFiles)
	}

	files, err := readSelection(headers, h.sessions.Policy().MaxSourceBytes)
	if err != nil {
		return err
	}

	if async, _ := strconv.ParseBool(c.QueryParam("async")); async {
		if h.jobs == nil {
			return NewServiceUnavailableError("async selection is not enabled")
		}
		release := h.sessions.Hold(state)
		job := h.jobs.StartJob(state.ID, heldSelector{sel: state.Ingest, release: release}, files)
		return c.JSON(http.StatusAccepted, jobAccepted{JobID: job.ID, Status: job.Status})
	}

	release := h.sessions.Hold(state)
	defer release()
	report, err := state.Ingest.Select(c.Request().Context(), files)
	if err != nil {
		return FromPipelineError(err)
	}
	return c.JSON(http.StatusOK, selectResponse{Report: report, Catalog: newCatalogResponse(state)})
}

// readSelection loads the uploaded parts. Parts over maxBytes or declared
// as something other than an image keep only their metadata; the
// orchestrator reports them as file errors without looking at the data.
func readSelection(headers []*multipart.FileHeader, maxBytes int64) ([]models.SourceFile, error) {
	files := make([]models.SourceFile, 0, len(headers))
	for _, fh := range headers {
		meta := models.SourceFile{
			Name:        fh.Filename,
			Size:        fh.Size,
			ContentType: fh.Header.Get(echo.HeaderContentType),
		}
		if fh.Size > maxBytes || !meta.DeclaredImage() {
			files = append(files, meta)
			continue
		}

		f, err := fh.Open()
		if err != nil {
			return nil, NewBadRequestError("failed to open uploaded file", err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, NewBadRequestError("failed to read uploaded file", err)
		}
		file := models.NewSourceFile(fh.Filename, data)
		file.ContentType = meta.ContentType
		files = append(files, file)
	}
	return files, nil
}

// heldSelector keeps the session alive for the duration of a job.
type heldSelector struct {
	sel     upload.Selector
	release func()
}

func (s heldSelector) SelectWithProgress(ctx context.Context, files []models.SourceFile, progress ingest.ProgressFunc) (*ingest.Report, error) {
	defer s.release()
	return s.sel.SelectWithProgress(ctx, files, progress)
}

// HandleGetPreview streams preview bytes for a handle.
func (h *PhotoHandlerImpl) HandleGetPreview(c echo.Context) error {
	handle := c.Param("handle")
	if handle == "" {
		return NewValidationError("handle")
	}

	rc, info, err := h.previews.Open(handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return NewNotFoundError("preview", handle)
		}
		return NewInternalError("failed to open preview", err)
	}
	defer rc.Close()

	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=3600")
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(info.Size, 10))
	return c.Stream(http.StatusOK, info.ContentType, rc)
}

// HandleRemovePhoto drops one item from the caller's catalog.
func (h *PhotoHandlerImpl) HandleRemovePhoto(c echo.Context) error {
	state := resolveSession(c, h.sessions)
	id := c.Param("id")
	if !state.Catalog.Remove(id) {
		return NewNotFoundError("photo", id)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleClearPhotos empties the caller's catalog.
func (h *PhotoHandlerImpl) HandleClearPhotos(c echo.Context) error {
	state := resolveSession(c, h.sessions)
	removed := state.Catalog.Clear()
	return c.JSON(http.StatusOK, map[string]int{"removed": removed})
}

type submitResponse struct {
	*submit.Ack
	Catalog catalogResponse `json:"catalog"`
}

// HandleSubmitPhotos sends the caller's catalog to the photo backend.
func (h *PhotoHandlerImpl) HandleSubmitPhotos(c echo.Context) error {
	state := resolveSession(c, h.sessions)

	token := bearerToken(c)
	credential := submit.FirstCredential(submit.StaticCredential(token), h.credential)()

	ack, err := state.Submit.Submit(c.Request().Context(), credential)
	if err != nil {
		return FromPipelineError(err)
	}
	return c.JSON(http.StatusOK, submitResponse{Ack: ack, Catalog: newCatalogResponse(state)})
}
