package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/auth"
	"github.com/example/ridedispatch/internal/gps"
	"github.com/example/ridedispatch/internal/notify"
	"github.com/example/ridedispatch/internal/ride/dispatch"
	"github.com/example/ridedispatch/internal/ride/domain"
	"github.com/example/ridedispatch/internal/ride/lifecycle"
	"github.com/example/ridedispatch/pkg/observability"
)

const maxBodyBytes = 1 << 20

// Deps are the collaborators behind the HTTP surface. Hub and Idempotency are
// optional.
type Deps struct {
	Matcher     *dispatch.Matcher
	Machine     *lifecycle.Machine
	Rides       domain.RideStore
	Registry    domain.Registry
	GPS         *gps.Ingest
	Hub         *notify.Hub
	Idempotency domain.IdempotencyRepository
	JWTSecret   string
	Logger      *zap.Logger
}

// HTTP exposes ride, GPS and driver endpoints.
type HTTP struct {
	deps   Deps
	logger *zap.Logger
}

// NewHTTP constructs a handler.
func NewHTTP(deps Deps) *HTTP {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{deps: deps, logger: logger.Named("http")}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, observability.RequestLogger(h.logger), middleware.Recoverer)
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(h.deps.JWTSecret))
			r.Post("/rides", h.requestRide)
			r.Get("/rides", h.listRides)
			r.Get("/rides/{id}", h.getRide)
			r.Get("/rides/{id}/status", h.getRideStatus)
			r.Put("/rides/{id}/status", h.setRideStatus)
			r.Get("/rides/{id}/events", h.streamRideEvents)
			r.Get("/gps/{ride_id}", h.latestGPS)
			r.Get("/gps/{ride_id}/history", h.gpsHistory)
			r.Get("/drivers", h.listDrivers)
		})
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(h.deps.JWTSecret, auth.RoleDriver, auth.RoleDispatcher))
			r.Put("/rides/{id}/driver-arrived", h.driverArrived)
			r.Put("/rides/{id}/passenger-pickup", h.passengerPickup)
			r.Put("/rides/{id}/accept", h.acceptRide)
			r.Post("/gps", h.reportGPS)
			r.Post("/drivers", h.registerDriver)
			r.Put("/drivers/{id}/location", h.setDriverLocation)
		})
	})
	return r
}

type placePayload struct {
	Label string  `json:"label"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
}

func (p placePayload) place() domain.Place {
	return domain.Place{Label: p.Label, Point: domain.GeoPoint{Lat: p.Lat, Lng: p.Lng}}
}

func placeView(p domain.Place) placePayload {
	return placePayload{Label: p.Label, Lat: p.Point.Lat, Lng: p.Point.Lng}
}

type requestRideRequest struct {
	CustomerID string       `json:"customer_id"`
	Pickup     placePayload `json:"pickup"`
	Dropoff    placePayload `json:"dropoff"`
	Mode       string       `json:"mode"`
}

type requestRideResponse struct {
	RideID   uuid.UUID         `json:"ride_id"`
	Status   domain.RideStatus `json:"status"`
	DriverID *string           `json:"driver_id"`
}

type rideResponse struct {
	RideID            uuid.UUID         `json:"ride_id"`
	CustomerID        string            `json:"customer_id"`
	DriverID          *string           `json:"driver_id"`
	Pickup            placePayload      `json:"pickup"`
	Dropoff           placePayload      `json:"dropoff"`
	Status            domain.RideStatus `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	EndedAt           *time.Time        `json:"ended_at,omitempty"`
	DriverArrived     bool              `json:"driver_arrived"`
	PassengerPickedUp bool              `json:"passenger_picked_up"`
}

func rideView(r domain.Ride) rideResponse {
	return rideResponse{
		RideID:            r.ID,
		CustomerID:        r.CustomerID,
		DriverID:          r.DriverID,
		Pickup:            placeView(r.Pickup),
		Dropoff:           placeView(r.Dropoff),
		Status:            r.Status.OrDefault(),
		CreatedAt:         r.CreatedAt,
		StartedAt:         r.StartedAt,
		EndedAt:           r.EndedAt,
		DriverArrived:     r.DriverArrived,
		PassengerPickedUp: r.PassengerPickedUp,
	}
}

type rideStatusResponse struct {
	RideID            uuid.UUID         `json:"ride_id"`
	Status            domain.RideStatus `json:"status"`
	DriverID          *string           `json:"driver_id"`
	DriverArrived     bool              `json:"driver_arrived"`
	PassengerPickedUp bool              `json:"passenger_picked_up"`
	CreatedAt         time.Time         `json:"created_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	EndedAt           *time.Time        `json:"ended_at,omitempty"`
	ETASeconds        *int              `json:"eta,omitempty"`
	DriverLocation    *domain.GeoPoint  `json:"driver_location,omitempty"`
	GPSObservedAt     *time.Time        `json:"gps_observed_at,omitempty"`
}

func statusView(r domain.Ride) rideStatusResponse {
	return rideStatusResponse{
		RideID:            r.ID,
		Status:            r.Status.OrDefault(),
		DriverID:          r.DriverID,
		DriverArrived:     r.DriverArrived,
		PassengerPickedUp: r.PassengerPickedUp,
		CreatedAt:         r.CreatedAt,
		StartedAt:         r.StartedAt,
		EndedAt:           r.EndedAt,
	}
}

func (h *HTTP) requestRide(w http.ResponseWriter, r *http.Request) {
	var payload requestRideRequest
	if err := decodeJSON(r, &payload); err != nil {
		h.writeError(w, err)
		return
	}
	req := dispatch.RideRequest{
		CustomerID: payload.CustomerID,
		Pickup:     payload.Pickup.place(),
		Dropoff:    payload.Dropoff.place(),
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, badRequest(err))
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && h.deps.Idempotency != nil {
		cached, ok, err := h.deps.Idempotency.GetResponse(r.Context(), key)
		if err != nil {
			h.writeError(w, err)
			return
		}
		if ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}
	}

	var (
		ride domain.Ride
		err  error
	)
	switch strings.ToLower(payload.Mode) {
	case "", "immediate":
		ride, err = h.deps.Matcher.RequestRide(r.Context(), req)
	case "deferred":
		ride, err = h.deps.Matcher.QueueRide(r.Context(), req)
	default:
		err = badRequest(errors.New("mode must be immediate or deferred"))
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	body, err := json.Marshal(requestRideResponse{RideID: ride.ID, Status: ride.Status.OrDefault(), DriverID: ride.DriverID})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if key != "" && h.deps.Idempotency != nil {
		if err := h.deps.Idempotency.PutResponse(r.Context(), key, body); err != nil {
			h.logger.Warn("store idempotent response", zap.String("key", key), zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *HTTP) getRide(w http.ResponseWriter, r *http.Request) {
	id, ok := h.rideID(w, r, "id")
	if !ok {
		return
	}
	ride, err := h.deps.Rides.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideView(ride))
}

func (h *HTTP) getRideStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.rideID(w, r, "id")
	if !ok {
		return
	}
	ride, err := h.deps.Rides.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	view := statusView(ride)
	if h.deps.GPS != nil {
		report, err := h.deps.GPS.Latest(r.Context(), id)
		switch {
		case err == nil:
			view.ETASeconds = &report.ETASeconds
			view.DriverLocation = &report.Point
			view.GPSObservedAt = &report.ObservedAt
		case !errors.Is(err, domain.ErrNotFound):
			h.logger.Warn("latest gps for status", zap.String("ride_id", id.String()), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *HTTP) listRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.RideFilter{CustomerID: q.Get("customer_id"), DriverID: q.Get("driver_id")}
	if s := q.Get("status"); s != "" {
		status, err := domain.ParseStatus(s)
		if err != nil {
			h.writeError(w, badRequest(err))
			return
		}
		filter.Status = status
	}
	limit, err := queryLimit(q.Get("limit"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	filter.Limit = limit

	rides, err := h.deps.Rides.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]rideResponse, 0, len(rides))
	for _, ride := range rides {
		out = append(out, rideView(ride))
	}
	writeJSON(w, http.StatusOK, out)
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (h *HTTP) setRideStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.rideID(w, r, "id")
	if !ok {
		return
	}
	var payload setStatusRequest
	if err := decodeJSON(r, &payload); err != nil {
		h.writeError(w, err)
		return
	}
	status, err := domain.ParseStatus(payload.Status)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}

	var ride domain.Ride
	switch status {
	case domain.StatusOngoing:
		ride, err = h.deps.Matcher.AssignPending(r.Context(), id)
	case domain.StatusCompleted:
		ride, err = h.deps.Machine.Complete(r.Context(), id)
	case domain.StatusCancelled:
		ride, err = h.deps.Machine.Cancel(r.Context(), id)
	default:
		err = domain.ErrInvalidTransition
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusView(ride))
}

func (h *HTTP) driverArrived(w http.ResponseWriter, r *http.Request) {
	id, ok := h.rideID(w, r, "id")
	if !ok {
		return
	}
	ride, err := h.deps.Machine.MarkDriverArrived(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusView(ride))
}

func (h *HTTP) passengerPickup(w http.ResponseWriter, r *http.Request) {
	id, ok := h.rideID(w, r, "id")
	if !ok {
		return
	}
	ride, err := h.deps.Machine.MarkPassengerPickedUp(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusView(ride))
}

type acceptRideRequest struct {
	DriverID string `json:"driver_id"`
}

func (h *HTTP) acceptRide(w http.ResponseWriter, r *http.Request) {
	id, ok := h.rideID(w, r, "id")
	if !ok {
		return
	}
	var payload acceptRideRequest
	if err := decodeJSON(r, &payload); err != nil {
		h.writeError(w, err)
		return
	}
	if strings.TrimSpace(payload.DriverID) == "" {
		h.writeError(w, badRequest(errors.New("driver_id is required")))
		return
	}
	// A driver token may only accept on its own behalf.
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.Role == auth.RoleDriver && claims.Subject != payload.DriverID {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden", Message: "driver_id does not match token subject"})
		return
	}
	ride, err := h.deps.Matcher.AcceptRide(r.Context(), id, payload.DriverID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusView(ride))
}

func (h *HTTP) streamRideEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.rideID(w, r, "id")
	if !ok {
		return
	}
	if h.deps.Hub == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: "event stream disabled"})
		return
	}
	if _, err := h.deps.Rides.Get(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.deps.Hub.ServeRide(w, r, id)
}

type gpsReportRequest struct {
	RideID     string          `json:"ride_id"`
	Lat        float64         `json:"lat"`
	Lng        float64         `json:"lng"`
	ETASeconds int             `json:"eta"`
	Route      string          `json:"route"`
	ObservedAt json.RawMessage `json:"observed_at"`
}

type gpsReportResponse struct {
	RideID     uuid.UUID `json:"ride_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	ETASeconds int       `json:"eta"`
	Route      string    `json:"route,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	ReceivedAt time.Time `json:"received_at"`
}

func gpsView(r domain.GPSReport) gpsReportResponse {
	return gpsReportResponse{
		RideID:     r.RideID,
		Lat:        r.Point.Lat,
		Lng:        r.Point.Lng,
		ETASeconds: r.ETASeconds,
		Route:      r.Route,
		ObservedAt: r.ObservedAt,
		ReceivedAt: r.ReceivedAt,
	}
}

func (h *HTTP) reportGPS(w http.ResponseWriter, r *http.Request) {
	var payload gpsReportRequest
	if err := decodeJSON(r, &payload); err != nil {
		h.writeError(w, err)
		return
	}
	rideID, err := uuid.Parse(payload.RideID)
	if err != nil {
		h.writeError(w, badRequest(errors.New("invalid ride_id")))
		return
	}
	observedAt, err := parseTimestamp(payload.ObservedAt)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}
	in := gps.ReportInput{
		RideID:     rideID,
		Point:      domain.GeoPoint{Lat: payload.Lat, Lng: payload.Lng},
		ETASeconds: payload.ETASeconds,
		Route:      payload.Route,
		ObservedAt: observedAt,
	}
	if err := in.Validate(); err != nil {
		h.writeError(w, badRequest(err))
		return
	}
	ack, err := h.deps.GPS.Report(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *HTTP) latestGPS(w http.ResponseWriter, r *http.Request) {
	id, ok := h.rideID(w, r, "ride_id")
	if !ok {
		return
	}
	report, err := h.deps.GPS.Latest(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gpsView(report))
}

func (h *HTTP) gpsHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.rideID(w, r, "ride_id")
	if !ok {
		return
	}
	limit, err := queryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	reports, err := h.deps.GPS.History(r.Context(), id, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]gpsReportResponse, 0, len(reports))
	for _, report := range reports {
		out = append(out, gpsView(report))
	}
	writeJSON(w, http.StatusOK, out)
}

type registerDriverRequest struct {
	DriverID string `json:"driver_id"`
}

func (h *HTTP) registerDriver(w http.ResponseWriter, r *http.Request) {
	var payload registerDriverRequest
	if err := decodeJSON(r, &payload); err != nil {
		h.writeError(w, err)
		return
	}
	driverID := strings.TrimSpace(payload.DriverID)
	if driverID == "" {
		h.writeError(w, badRequest(errors.New("driver_id is required")))
		return
	}
	if err := h.deps.Registry.Register(r.Context(), driverID); err != nil {
		h.writeError(w, err)
		return
	}
	driver, err := h.deps.Registry.Get(r.Context(), driverID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, driver)
}

func (h *HTTP) listDrivers(w http.ResponseWriter, r *http.Request) {
	var onlyAvailable bool
	if v := r.URL.Query().Get("available"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, badRequest(errors.New("available must be a boolean")))
			return
		}
		onlyAvailable = parsed
	}
	drivers, err := h.deps.Registry.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]domain.Driver, 0, len(drivers))
	for _, d := range drivers {
		if onlyAvailable && !d.Available {
			continue
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) setDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "id")
	var point domain.GeoPoint
	if err := decodeJSON(r, &point); err != nil {
		h.writeError(w, err)
		return
	}
	if point.Lat < -90 || point.Lat > 90 || point.Lng < -180 || point.Lng > 180 {
		h.writeError(w, badRequest(errors.New("coordinates out of range")))
		return
	}
	if err := h.deps.Registry.SetLocation(r.Context(), driverID, point); err != nil {
		h.writeError(w, err)
		return
	}
	driver, err := h.deps.Registry.Get(r.Context(), driverID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, driver)
}

func (h *HTTP) rideID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, badRequest(errors.New("invalid ride id")))
		return uuid.Nil, false
	}
	return id, true
}

// inputError marks a request the client must fix before retrying.
type inputError struct{ err error }

func (e inputError) Error() string { return e.err.Error() }
func (e inputError) Unwrap() error { return e.err }

func badRequest(err error) error { return inputError{err: err} }

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps domain errors to status codes. Persistence is checked first
// because a failed release after a commit can also wrap ErrNotFound.
func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	var input inputError
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, domain.ErrPersistence):
		status, code = http.StatusInternalServerError, "persistence_failure"
	case errors.Is(err, domain.ErrUnknownDriver):
		status, code = http.StatusNotFound, "driver_not_found"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrNoDriverAvailable):
		status, code = http.StatusBadRequest, "no_driver_available"
	case errors.Is(err, domain.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.As(err, &input):
		status, code = http.StatusBadRequest, "bad_request"
	default:
		h.logger.Error("unhandled request error", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: code, Message: err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return badRequest(err)
	}
	return nil
}

func queryLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest(errors.New("limit must be a non-negative integer"))
	}
	return n, nil
}

// parseTimestamp accepts RFC 3339 strings or unix milliseconds. Absent values
// yield the zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, errors.New("observed_at must be RFC 3339 or unix milliseconds")
		}
		return t.UTC(), nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, errors.New("observed_at must be RFC 3339 or unix milliseconds")
	}
	return time.UnixMilli(ms).UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
