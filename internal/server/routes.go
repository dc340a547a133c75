package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/berfenger/meter2mqtt/internal/core/domain"
	"github.com/berfenger/meter2mqtt/internal/present"
	"github.com/berfenger/meter2mqtt/internal/util/actorutil"
	mm "github.com/berfenger/meter2mqtt/pkg/meter_modbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type meterResponse struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	Unit      uint8  `json:"unit"`
	Bus       string `json:"bus"`
	Connected bool   `json:"connected"`
}

type registerResponse struct {
	Meter     string  `json:"meter"`
	Key       string  `json:"key"`
	Label     string  `json:"label,omitempty"`
	Value     float64 `json:"value"`
	Formatted string  `json:"formatted,omitempty"`
	Scaled    bool    `json:"scaled"`
}

type writeRequest struct {
	Value  *float64 `json:"value"`
	Scaled *bool    `json:"scaled"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}
	e.GET("/meters", s.MetersHandler)
	e.GET("/meters/:meter/registers", s.ReadAllHandler)
	e.GET("/meters/:meter/registers/:key", s.ReadHandler)
	e.PUT("/meters/:meter/registers/:key", s.WriteHandler)

	return e
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.ActorHealthRequest{}, 10*time.Second).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
	}
	if response, ok := res.(domain.ActorHealthResponse); ok && response.Healthy {
		return c.String(http.StatusOK, "health_check: OK")
	}
	return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
}

func (s *Server) MetersHandler(c echo.Context) error {
	res, err := s.request(domain.GetMetersInfoRequest{})
	if err != nil {
		return errorJSON(c, err)
	}
	info, ok := res.(domain.GetMetersInfoResponse)
	if !ok {
		return errorJSON(c, errUnexpectedResponse)
	}
	if info.HasResponseError() && len(info.Meters) == 0 {
		return errorJSON(c, info.GetResponseError())
	}
	meters := make([]meterResponse, 0, len(info.Meters))
	for _, m := range info.Meters {
		meters = append(meters, meterResponse{
			Name:      m.Name,
			Model:     m.Model,
			Unit:      m.Unit,
			Bus:       m.Bus,
			Connected: m.Connected,
		})
	}
	return c.JSON(http.StatusOK, meters)
}

func (s *Server) ReadAllHandler(c echo.Context) error {
	kind, err := mm.ParseRegisterKind(c.QueryParam("kind"))
	if c.QueryParam("kind") == "" {
		kind, err = mm.INPUT_REGISTER, nil
	}
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	scaled, err := boolParam(c, "scaled", true)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	res, err := s.request(domain.ReadAllRequest{Meter: c.Param("meter"), Kind: kind, Scaled: scaled})
	if err != nil {
		return errorJSON(c, err)
	}
	resp, ok := res.(domain.ReadAllResponse)
	if !ok {
		return errorJSON(c, errUnexpectedResponse)
	}
	if resp.HasResponseError() && len(resp.Values) == 0 {
		return errorJSON(c, resp.GetResponseError())
	}

	reading := present.Reading{Meter: resp.Meter}
	if kind == mm.HOLDING_REGISTER {
		reading.Holding = resp.Values
	} else {
		reading.Input = resp.Values
	}
	if resp.HasResponseError() {
		reading.Errors = []string{resp.GetResponseError().Error()}
	}
	return c.JSON(http.StatusOK, reading)
}

func (s *Server) ReadHandler(c echo.Context) error {
	scaled, err := boolParam(c, "scaled", true)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	res, err := s.request(domain.ReadMeterRequest{Meter: c.Param("meter"), Key: c.Param("key"), Scaled: scaled})
	if err != nil {
		return errorJSON(c, err)
	}
	resp, ok := res.(domain.ReadMeterResponse)
	if !ok {
		return errorJSON(c, errUnexpectedResponse)
	}
	if resp.HasResponseError() {
		return errorJSON(c, resp.GetResponseError())
	}
	out := registerResponse{
		Meter:  resp.Meter,
		Key:    resp.Key,
		Label:  resp.Register.Label,
		Value:  resp.Value,
		Scaled: scaled,
	}
	if scaled {
		out.Formatted = present.FormatValue(resp.Register, resp.Value)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) WriteHandler(c echo.Context) error {
	var body writeRequest
	if err := c.Bind(&body); err != nil || body.Value == nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "body must be {\"value\": <number>}"})
	}
	scaled := true
	if body.Scaled != nil {
		scaled = *body.Scaled
	}
	res, err := s.request(domain.WriteRegisterRequest{Meter: c.Param("meter"), Key: c.Param("key"), Value: *body.Value, Scaled: scaled})
	if err != nil {
		return errorJSON(c, err)
	}
	resp, ok := res.(domain.WriteRegisterResponse)
	if !ok {
		return errorJSON(c, errUnexpectedResponse)
	}
	if resp.HasResponseError() {
		return errorJSON(c, resp.GetResponseError())
	}
	return c.JSON(http.StatusOK, registerResponse{
		Meter:  resp.Meter,
		Key:    resp.Key,
		Value:  resp.Value,
		Scaled: scaled,
	})
}

var errUnexpectedResponse = errors.New("unexpected actor response")

func (s *Server) request(msg any) (any, error) {
	return s.rootContext.RequestFuture(s.masterActor, msg, s.requestTimeout).Result()
}

// StatusFor maps meter and actor errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownMeter), errors.Is(err, mm.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, mm.ErrReadOnlyRegister):
		return http.StatusConflict
	case errors.Is(err, mm.ErrUnsupportedWireType):
		return http.StatusUnprocessableEntity
	case errors.Is(err, mm.ErrValueOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, mm.ErrIOFailure), errors.Is(err, actor.ErrTimeout), errors.Is(err, actorutil.ErrTaskTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorJSON(c echo.Context, err error) error {
	return c.JSON(StatusFor(err), errorResponse{Error: err.Error()})
}

func boolParam(c echo.Context, name string, def bool) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseBool(raw)
}
