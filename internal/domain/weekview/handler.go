package weekview

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicportal/portal/internal/platform/auth"
	"github.com/clinicportal/portal/internal/platform/tz"
)

// TimeZoneHeader carries the browser-resolved zone when the query omits tz.
const TimeZoneHeader = "X-Time-Zone"

type Handler struct {
	svc   *Service
	weeks *Registry
}

func NewHandler(svc *Service, weeks *Registry) *Handler {
	return &Handler{svc: svc, weeks: weeks}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/clinicians", auth.RequireRole("clinician", "staff"))
	read.GET("/:id/week", h.GetWeek)
	read.GET("/:id/week/slot", h.GetSlot)
	read.GET("/:id/timezone", h.GetTimeZone)
	read.POST("/:id/week/refresh", h.RefreshWeek)
}

// weekRequest builds the request from path, query and viewer identity.
func (h *Handler) weekRequest(c echo.Context) (WeekRequest, error) {
	id, err := h.clinicianParam(c)
	if err != nil {
		return WeekRequest{}, err
	}
	req := WeekRequest{
		ClinicianID: id,
		Start:       c.QueryParam("start"),
		Viewer:      viewerContext(c, id),
	}
	if d := c.QueryParam("days"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil {
			return WeekRequest{}, echo.NewHTTPError(http.StatusBadRequest, "days must be an integer")
		}
		req.Days = n
	}
	return req, nil
}

// clinicianParam parses :id and checks the caller may view that clinician.
func (h *Handler) clinicianParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid clinician id")
	}
	if !CanViewClinician(c.Request().Context(), id.String()) {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "not allowed to view this clinician")
	}
	return id, nil
}

func viewerContext(c echo.Context, clinicianID uuid.UUID) tz.ViewerContext {
	zone := c.QueryParam("tz")
	if zone == "" {
		zone = c.Request().Header.Get(TimeZoneHeader)
	}
	return tz.ViewerContext{
		BrowserZone: strings.TrimSpace(zone),
		OwnCalendar: auth.UserIDFromContext(c.Request().Context()) == clinicianID.String(),
	}
}

func weekError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrReconcile):
		return echo.NewHTTPError(http.StatusInternalServerError, "week could not be computed, retry")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) GetWeek(c echo.Context) error {
	req, err := h.weekRequest(c)
	if err != nil {
		return err
	}
	view, err := h.weeks.Get(c.Request().Context(), req)
	if err != nil {
		return weekError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) RefreshWeek(c echo.Context) error {
	req, err := h.weekRequest(c)
	if err != nil {
		return err
	}
	view, err := h.weeks.Refresh(c.Request().Context(), req)
	if err != nil {
		return weekError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) GetSlot(c echo.Context) error {
	req, err := h.weekRequest(c)
	if err != nil {
		return err
	}
	day := DayKey(c.QueryParam("day"))
	if day == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "day is required")
	}
	clock, err := ParseClock(c.QueryParam("time"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "time must be HH:MM or HH:MM:SS")
	}
	view, err := h.weeks.Get(c.Request().Context(), req)
	if err != nil {
		return weekError(err)
	}
	if !NewDaySet(view.Days).Has(day) {
		return echo.NewHTTPError(http.StatusBadRequest, "day is outside the requested week")
	}
	state, err := view.SlotAt(day, clock)
	if err != nil {
		return weekError(err)
	}
	return c.JSON(http.StatusOK, state)
}

func (h *Handler) GetTimeZone(c echo.Context) error {
	id, err := h.clinicianParam(c)
	if err != nil {
		return err
	}
	res := h.svc.ResolveZone(c.Request().Context(), id, viewerContext(c, id))
	return c.JSON(http.StatusOK, map[string]string{
		"clinician_id": id.String(),
		"time_zone":    res.Name(),
		"source":       string(res.Source),
	})
}
