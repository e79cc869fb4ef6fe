package reporting

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/aura/exam/internal/platform/auth"
)

const (
	defaultRecentLimit = 10
	maxExportRows      = 5000
	xlsxContentType    = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Querier is the read side the handler needs; *Store implements it.
type Querier interface {
	ClinicStats(ctx context.Context, clinicID uuid.UUID, recentLimit int) (*ClinicStats, error)
	ExportRows(ctx context.Context, clinicID uuid.UUID, limit int) ([]ExportRow, error)
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	store  Querier
	logger zerolog.Logger
}

func NewHandler(store Querier, logger zerolog.Logger) *Handler {
	return &Handler{store: store, logger: logger.With().Str("component", "reporting").Logger()}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports/clinics/:clinic_id", auth.RequireRole(auth.RoleDoctor, auth.RoleClinicAdmin))
	g.GET("/stats", h.Stats)
	g.GET("/examinations.xlsx", h.Export)
}

// clinicParam parses :clinic_id and refuses callers whose token is not bound
// to that clinic. Admins may read any clinic.
func clinicParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("clinic_id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid clinic_id")
	}
	if !auth.CanAccessClinic(c.Request().Context(), id.String()) {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "clinic not accessible")
	}
	return id, nil
}

func (h *Handler) Stats(c echo.Context) error {
	clinicID, err := clinicParam(c)
	if err != nil {
		return err
	}
	limit := defaultRecentLimit
	if v, err := strconv.Atoi(c.QueryParam("recent")); err == nil && v > 0 && v <= 100 {
		limit = v
	}

	stats, err := h.store.ClinicStats(c.Request().Context(), clinicID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("clinic_id", clinicID.String()).Msg("clinic stats failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load clinic stats")
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) Export(c echo.Context) error {
	clinicID, err := clinicParam(c)
	if err != nil {
		return err
	}

	rows, err := h.store.ExportRows(c.Request().Context(), clinicID, maxExportRows)
	if err != nil {
		h.logger.Error().Err(err).Str("clinic_id", clinicID.String()).Msg("export query failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to export examinations")
	}
	data, err := BuildWorkbook(rows)
	if err != nil {
		h.logger.Error().Err(err).Msg("build workbook failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to export examinations")
	}

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="examinations-%s.xlsx"`, clinicID))
	return c.Blob(http.StatusOK, xlsxContentType, data)
}
