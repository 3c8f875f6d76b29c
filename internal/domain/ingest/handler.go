package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/stevening1/rpm-to-fhir-api/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the invocation endpoints on e and the operator
// endpoints on api.
func (h *Handler) RegisterRoutes(e *echo.Echo, api *echo.Group) {
	e.POST("/jsonToFhirHandler", h.Proxy)
	e.POST("/invoke", h.Invoke)

	api.GET("/attempts", h.ListAttempts)
	api.GET("/attempts/:id", h.GetAttempt)
}

// Proxy treats the raw request body as the envelope body and answers with
// the response status and JSON body directly.
func (h *Handler) Proxy(c echo.Context) error {
	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return readError(err)
	}

	out := h.svc.Dispatch(requestContext(c), NewEnvelope(payload))
	resp := BuildResponse(out)
	return c.JSON(resp.StatusCode, resp.Body)
}

// Invoke accepts a function-invocation event {"body": "<json string>"} and
// replies with {"statusCode": n, "body": "<json string>"}. The HTTP status is
// always 200; the invocation status travels in the event.
func (h *Handler) Invoke(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return readError(err)
	}

	var env Envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid invocation event")
		}
	}

	out := h.svc.Dispatch(requestContext(c), env)
	ev, err := BuildResponse(out).Event()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ev)
}

func (h *Handler) ListAttempts(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Attempts().List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetAttempt(c echo.Context) error {
	a, err := h.svc.Attempts().Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "attempt not found")
	}
	return c.JSON(http.StatusOK, a)
}

// requestContext carries the request id set by the RequestID middleware
// into the dispatch context.
func requestContext(c echo.Context) context.Context {
	ctx := c.Request().Context()
	if rid, ok := c.Get("request_id").(string); ok && rid != "" {
		ctx = WithRequestID(ctx, rid)
	}
	return ctx
}

// readError passes the body limit's 413 through untouched.
func readError(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return echo.NewHTTPError(http.StatusBadRequest, MsgInvalidBody)
}
