package importer

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/qualitytracker/internal/platform/auth"
	"github.com/ehr/qualitytracker/pkg/pagination"
)

// DefaultMaxUpload caps the size of an uploaded file (10 MB).
const DefaultMaxUpload int64 = 10 << 20

type Handler struct {
	svc           *Service
	maxUpload     int64
	defaultSystem string
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, maxUpload: DefaultMaxUpload}
}

// SetMaxUpload sets the largest accepted upload in bytes.
func (h *Handler) SetMaxUpload(n int64) {
	if n > 0 {
		h.maxUpload = n
	}
}

// SetDefaultSystem sets the system used when an upload names none.
func (h *Handler) SetDefaultSystem(systemID string) {
	h.defaultSystem = systemID
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, staff, physician
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleStaff, auth.RolePhysician))
	readGroup.GET("/import-systems", h.ListSystems)
	readGroup.GET("/imports/previews/:id", h.GetPreview)
	readGroup.GET("/imports/previews/:id/changes", h.ListPreviewChanges)
	readGroup.GET("/imports/previews/:id/summary", h.GetPreviewSummary)

	// Write endpoints – admin, staff
	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleStaff))
	writeGroup.POST("/import-systems/:id/map-columns", h.MapColumns)
	writeGroup.POST("/imports/preview", h.CreatePreview)
	writeGroup.POST("/imports/previews/:id/execute", h.ExecutePreview)
	writeGroup.DELETE("/imports/previews/:id", h.CancelPreview)
}

func (h *Handler) ListSystems(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Systems())
}

type mapColumnsRequest struct {
	Headers []string `json:"headers"`
}

func (h *Handler) MapColumns(c echo.Context) error {
	var req mapColumnsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Headers) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "headers are required")
	}
	result, err := h.svc.MapColumns(c.Param("id"), req.Headers)
	if err != nil {
		if errors.Is(err, ErrUnknownSystem) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) CreatePreview(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	if fh.Size > h.maxUpload {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file exceeds maximum upload size")
	}

	mode, err := ParseMode(c.FormValue("mode"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var ownerID *uuid.UUID
	if v := c.FormValue("owner_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid owner_id")
		}
		ownerID = &id
	}

	systemID := c.FormValue("system_id")
	if systemID == "" {
		systemID = h.defaultSystem
	}
	if systemID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "system_id is required")
	}

	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unable to read file")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.maxUpload+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unable to read file")
	}
	if int64(len(data)) > h.maxUpload {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file exceeds maximum upload size")
	}

	ctx := c.Request().Context()
	preview, err := h.svc.CreatePreview(ctx, PreviewRequest{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Data:        data,
		SystemID:    systemID,
		Mode:        mode,
		OwnerID:     ownerID,
		CreatedBy:   auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return previewError(err)
	}
	return c.JSON(http.StatusCreated, preview)
}

// readPreview loads the preview named in the path. Physicians only see
// previews staged for their own patients; others are reported as not found.
func (h *Handler) readPreview(c echo.Context) (*Preview, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	preview, err := h.svc.GetPreview(ctx, id)
	if err != nil {
		return nil, previewError(err)
	}
	if auth.HasRole(ctx, auth.RoleStaff) {
		return preview, nil
	}
	owner, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusForbidden, "physician account is not linked to a provider")
	}
	if preview.OwnerID == nil || *preview.OwnerID != owner {
		return nil, previewError(ErrPreviewNotFound)
	}
	return preview, nil
}

func (h *Handler) GetPreview(c echo.Context) error {
	preview, err := h.readPreview(c)
	if err != nil {
		return err
	}

	if v := c.QueryParam("action"); v != "" {
		action, err := ParseAction(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		filtered := *preview
		diff := *preview.Diff
		diff.Changes = FilterChangesByAction(diff.Changes, action)
		filtered.Diff = &diff
		return c.JSON(http.StatusOK, filtered)
	}
	return c.JSON(http.StatusOK, preview)
}

func (h *Handler) ListPreviewChanges(c echo.Context) error {
	preview, err := h.readPreview(c)
	if err != nil {
		return err
	}

	changes := preview.Diff.Changes
	if v := c.QueryParam("action"); v != "" {
		action, err := ParseAction(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		changes = FilterChangesByAction(changes, action)
	}

	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(changes, pg), len(changes), pg.Limit, pg.Offset))
}

func (h *Handler) GetPreviewSummary(c echo.Context) error {
	preview, err := h.readPreview(c)
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, SummaryText(preview.Diff))
}

func (h *Handler) ExecutePreview(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	report, err := h.svc.ExecutePreview(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return previewError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) CancelPreview(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.CancelPreview(c.Request().Context(), id); err != nil {
		return previewError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func previewError(err error) error {
	var missing *MissingColumnsError
	switch {
	case errors.As(err, &missing):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"message":          err.Error(),
			"missing_required": missing.Missing,
			"mapping":          missing.Mapping,
		})
	case errors.Is(err, ErrPreviewNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrPreviewExpired):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	case errors.Is(err, ErrUnknownSystem),
		errors.Is(err, ErrUnsupportedFileType),
		errors.Is(err, ErrEmptyFile),
		errors.Is(err, ErrMalformedFile):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
