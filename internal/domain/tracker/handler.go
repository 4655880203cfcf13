package tracker

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/qualitytracker/internal/domain/compliance"
	"github.com/ehr/qualitytracker/internal/platform/auth"
	"github.com/ehr/qualitytracker/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, staff, physician
	readGroup := api.Group("", auth.RequireRole(auth.RoleStaff, auth.RolePhysician))
	readGroup.GET("/patient-measures", h.ListMeasures)
	readGroup.GET("/patients/:id/measures", h.GetPatientMeasures)
}

// ownerScope returns the owner a caller is restricted to. Staff and admins
// see every patient; physicians only their own.
func ownerScope(c echo.Context) (*uuid.UUID, error) {
	ctx := c.Request().Context()
	if auth.HasRole(ctx, auth.RoleStaff) {
		return nil, nil
	}
	id, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusForbidden, "physician account is not linked to a provider")
	}
	return &id, nil
}

func (h *Handler) ListMeasures(c echo.Context) error {
	var f Filter
	if v := c.QueryParam("owner_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid owner_id")
		}
		f.OwnerID = &id
	}
	scope, err := ownerScope(c)
	if err != nil {
		return err
	}
	if scope != nil {
		if f.OwnerID != nil && *f.OwnerID != *scope {
			return echo.NewHTTPError(http.StatusForbidden, "cannot list another provider's patients")
		}
		f.OwnerID = scope
	}

	f.RequestType = strings.TrimSpace(c.QueryParam("request_type"))
	f.QualityMeasure = strings.TrimSpace(c.QueryParam("quality_measure"))
	if v := c.QueryParam("status_category"); v != "" {
		f.Category = compliance.Category(strings.ToLower(v))
		if !f.Category.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "status_category must be compliant, non-compliant or unknown")
		}
	}

	p := pagination.FromContext(c)
	rows, total, err := h.svc.ListMeasures(c.Request().Context(), f, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(rows, total, p.Limit, p.Offset))
}

func (h *Handler) GetPatientMeasures(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	scope, err := ownerScope(c)
	if err != nil {
		return err
	}
	out, err := h.svc.GetPatientMeasures(c.Request().Context(), id, scope)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "patient not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}
