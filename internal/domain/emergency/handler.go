package emergency

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/strokee/strokee/internal/platform/auth"
	"github.com/strokee/strokee/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Lifecycle transitions
	api.POST("/start-emergency", h.StartEmergency, auth.RequireRole(auth.RolePatient))
	api.POST("/assign-ambulance", h.AssignAmbulance, auth.RequireRole(auth.RoleOperator))
	api.POST("/cancel-emergency", h.CancelEmergency, auth.RequireRole(auth.RoleOperator, auth.RoleParamedic))
	api.POST("/confirm-stroke", h.ConfirmStroke, auth.RequireRole(auth.RoleParamedic))
	api.POST("/deliver-patient", h.DeliverPatient, auth.RequireRole(auth.RoleHealthCenter))

	// Read surface
	api.GET("/emergencies", h.ListActive, auth.RequireRole(auth.RoleOperator))
	api.GET("/emergencies/:id", h.GetCase,
		auth.RequireRole(auth.RoleOperator, auth.RoleParamedic, auth.RoleHealthCenter))
	api.GET("/emergencies/:id/history", h.GetHistory, auth.RequireRole(auth.RoleOperator))

	// Ambulances
	api.GET("/ambulances", h.ListAmbulances, auth.RequireRole(auth.RoleOperator))
	api.POST("/ambulances", h.RegisterAmbulance, auth.RequireRole(auth.RoleAdmin))
	api.GET("/ambulances/:id", h.GetAmbulance, auth.RequireRole(auth.RoleOperator, auth.RoleParamedic))
	api.GET("/ambulances/:id/emergencies", h.ListForAmbulance,
		auth.RequireRole(auth.RoleOperator, auth.RoleParamedic))
}

type startRequest struct {
	PatientID string `json:"patient_id"`
}

type assignRequest struct {
	EmergencyID string `json:"emergency_id"`
	AmbulanceID string `json:"ambulance_id"`
}

type cancelRequest struct {
	EmergencyID string `json:"emergency_id"`
	Reason      string `json:"reason"`
}

type confirmRequest struct {
	EmergencyID string `json:"emergency_id"`
	NIHScale    *int   `json:"nih_scale"`
}

type deliverRequest struct {
	EmergencyID string `json:"emergency_id"`
}

func actorFrom(c echo.Context) Actor {
	return auth.CallerFromContext(c.Request().Context())
}

// parseID accepts an empty value as uuid.Nil so that the service reports
// the missing field.
func parseID(field, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+field)
	}
	return id, nil
}

// httpError maps domain outcomes onto HTTP status codes. Dependency and
// unexpected errors are passed through for the top-level error handler.
func httpError(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, ErrForbidden.Error())
	case errors.Is(err, ErrAmbulanceAssigned):
		return echo.NewHTTPError(http.StatusConflict, ErrAmbulanceAssigned.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return err
}

// -- Transition Handlers --

func (h *Handler) StartEmergency(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	pid, err := parseID("patient_id", req.PatientID)
	if err != nil {
		return err
	}
	ec, err := h.svc.StartEmergency(c.Request().Context(), actorFrom(c), pid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, ec)
}

func (h *Handler) AssignAmbulance(c echo.Context) error {
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := parseID("emergency_id", req.EmergencyID)
	if err != nil {
		return err
	}
	ec, err := h.svc.AssignAmbulance(c.Request().Context(), actorFrom(c), id, req.AmbulanceID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ec)
}

func (h *Handler) CancelEmergency(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := parseID("emergency_id", req.EmergencyID)
	if err != nil {
		return err
	}
	ec, err := h.svc.CancelEmergency(c.Request().Context(), actorFrom(c), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ec)
}

func (h *Handler) ConfirmStroke(c echo.Context) error {
	var req confirmRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := parseID("emergency_id", req.EmergencyID)
	if err != nil {
		return err
	}
	ec, err := h.svc.ConfirmStroke(c.Request().Context(), actorFrom(c), id, req.NIHScale)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ec)
}

func (h *Handler) DeliverPatient(c echo.Context) error {
	var req deliverRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := parseID("emergency_id", req.EmergencyID)
	if err != nil {
		return err
	}
	ec, err := h.svc.MarkAttended(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ec)
}

// -- Read Handlers --

func (h *Handler) GetCase(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	v, err := h.svc.GetCase(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) ListActive(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListActive(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.GetHistory(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListForAmbulance(c echo.Context) error {
	items, err := h.svc.ListActiveForAmbulance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Ambulance Handlers --

func (h *Handler) ListAmbulances(c echo.Context) error {
	onlyAvailable := false
	if raw := c.QueryParam("available"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid available")
		}
		onlyAvailable = v
	}
	items, err := h.svc.ListAmbulances(c.Request().Context(), onlyAvailable)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetAmbulance(c echo.Context) error {
	a, err := h.svc.GetAmbulance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) RegisterAmbulance(c echo.Context) error {
	var a Ambulance
	if err := c.Bind(&a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.RegisterAmbulance(c.Request().Context(), &a); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}
