package examination

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/aura/exam/internal/platform/auth"
	"github.com/aura/exam/pkg/pagination"
)

// Reanalyzer reruns AI scoring for a Pending examination.
type Reanalyzer interface {
	Reanalyze(ctx context.Context, id uuid.UUID) (*Examination, error)
}

type Handler struct {
	svc        *Service
	reanalyzer Reanalyzer
}

func NewHandler(svc *Service, reanalyzer Reanalyzer) *Handler {
	return &Handler{svc: svc, reanalyzer: reanalyzer}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinical := auth.RequireRole(auth.RoleDoctor, auth.RoleClinicAdmin)

	read := api.Group("/examinations", clinical)
	read.GET("", h.ListQueue)
	read.GET("/:id", h.GetExamination)

	write := api.Group("/examinations", clinical)
	write.PUT("/:id/verify", h.Verify)
	write.POST("/:id/reanalyze", h.Reanalyze)

	ai := api.Group("/examinations", auth.RequireRole(auth.RoleAIService))
	ai.PUT("/ai-update/:id", h.AIUpdate)
}

// examinationView adds the diagnosis a clinician should see.
type examinationView struct {
	*Examination
	DisplayDiagnosis string `json:"display_diagnosis"`
}

func view(e *Examination) examinationView {
	return examinationView{Examination: e, DisplayDiagnosis: e.DisplayDiagnosis()}
}

// authorize loads the examination named by :id and refuses callers that
// cannot act on its clinic.
func (h *Handler) authorize(c echo.Context) (*Examination, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return nil, httpError(err)
	}
	if !auth.CanAccessClinic(c.Request().Context(), e.ClinicID.String()) {
		return nil, echo.NewHTTPError(http.StatusForbidden, "examination not accessible")
	}
	return e, nil
}

func (h *Handler) GetExamination(c echo.Context) error {
	e, err := h.authorize(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view(e))
}

// ListQueue lists open examinations. Callers bound to a clinic see only that
// clinic's queue, whether or not clinic_id is given.
func (h *Handler) ListQueue(c echo.Context) error {
	ctx := c.Request().Context()
	var f QueueFilter
	if raw := c.QueryParam("clinic_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic_id")
		}
		f.ClinicID = &id
	}
	if !auth.HasRole(auth.RolesFromContext(ctx), auth.RoleAdmin) {
		own, err := uuid.Parse(auth.ClinicIDFromContext(ctx))
		if err != nil {
			return echo.NewHTTPError(http.StatusForbidden, "token is not bound to a clinic")
		}
		if f.ClinicID != nil && *f.ClinicID != own {
			return echo.NewHTTPError(http.StatusForbidden, "clinic not accessible")
		}
		f.ClinicID = &own
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st, ok := parseStatus(s)
			if !ok {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+s)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.Queue(ctx, f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	views := make([]examinationView, len(items))
	for i, e := range items {
		views[i] = view(e)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg.Limit, pg.Offset))
}

type verifyRequest struct {
	FinalDiagnosis string  `json:"finalDiagnosis"`
	DoctorNotes    *string `json:"doctorNotes"`
	DoctorID       *string `json:"doctorId"`
}

func (h *Handler) Verify(c echo.Context) error {
	exam, err := h.authorize(c)
	if err != nil {
		return err
	}
	var body verifyRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(body.FinalDiagnosis) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, ErrMissingDiagnosis.Error())
	}

	req := VerifyRequest{FinalDiagnosis: body.FinalDiagnosis, DoctorNotes: body.DoctorNotes}
	if body.DoctorID != nil && *body.DoctorID != "" {
		did, err := uuid.Parse(*body.DoctorID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid doctorId")
		}
		req.DoctorID = &did
	} else if did, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context())); err == nil {
		req.DoctorID = &did
	}

	e, err := h.svc.Verify(c.Request().Context(), exam.ID, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view(e))
}

type aiUpdateRequest struct {
	RiskLevel  *string  `json:"riskLevel"`
	RiskScore  *float64 `json:"riskScore"`
	Diagnosis  *string  `json:"diagnosis"`
	HeatmapURL *string  `json:"heatmapUrl"`
}

func (h *Handler) AIUpdate(c echo.Context) error {
	exam, err := h.authorize(c)
	if err != nil {
		return err
	}
	var body aiUpdateRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res := AIResult{RiskScore: body.RiskScore, Diagnosis: body.Diagnosis, HeatmapURL: body.HeatmapURL}
	if body.RiskLevel != nil {
		lvl, err := ParseRiskLevel(*body.RiskLevel)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		res.RiskLevel = &lvl
	}

	e, err := h.svc.ApplyAIResult(c.Request().Context(), exam.ID, res)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view(e))
}

func (h *Handler) Reanalyze(c echo.Context) error {
	if h.reanalyzer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "reanalysis is not available")
	}
	exam, err := h.authorize(c)
	if err != nil {
		return err
	}
	e, err := h.reanalyzer.Reanalyze(c.Request().Context(), exam.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, view(e))
}

func parseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending, true
	case "analyzed":
		return StatusAnalyzed, true
	case "verified":
		return StatusVerified, true
	}
	return "", false
}

func httpError(err error) error {
	var transition *InvalidTransitionError
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "examination not found")
	case errors.As(err, &transition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrMissingDiagnosis),
		errors.Is(err, ErrInvalidRiskScore),
		errors.Is(err, ErrInvalidRiskLevel):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
