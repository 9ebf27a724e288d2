package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/homeserve/internal/auth"
	"github.com/example/homeserve/internal/dispatch/domain"
	"github.com/example/homeserve/internal/dispatch/service"
	"github.com/example/homeserve/internal/events"
	"github.com/example/homeserve/internal/tracking"
)

// Options configures the HTTP surface.
type Options struct {
	JWTSecret string
	// RateLimit runs after authentication so limits are keyed by actor.
	RateLimit func(http.Handler) http.Handler
	Logger    *zap.Logger
}

// Subscriber hands out per-request event subscriptions for the live stream.
type Subscriber interface {
	Subscribe(requestID uuid.UUID) *events.Subscription
}

// HTTP exposes the dispatch and tracking endpoints under /v1.
type HTTP struct {
	svc      *service.Service
	tracker  *tracking.Tracker
	broker   Subscriber
	opts     Options
	validate *validator.Validate
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHTTP(svc *service.Service, tracker *tracking.Tracker, broker Subscriber, opts Options) *HTTP {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{
		svc:      svc,
		tracker:  tracker,
		broker:   broker,
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			h.secure(r, auth.RoleCustomer)
			r.Post("/requests", h.createRequest)
		})
		r.Group(func(r chi.Router) {
			h.secure(r, auth.RoleProvider)
			r.Post("/requests/{id}/accept", h.acceptRequest)
			r.Post("/requests/{id}/reject", h.rejectRequest)
			r.Post("/requests/{id}/status", h.updateStatus)
			r.Post("/providers/me/location", h.reportLocation)
			r.Put("/providers/me/availability", h.setAvailability)
		})
		r.Group(func(r chi.Router) {
			h.secure(r)
			r.Get("/requests/{id}", h.getRequest)
			r.Post("/requests/{id}/cancel", h.cancelRequest)
			r.Get("/requests/{id}/trail", h.getTrail)
			r.Get("/requests/{id}/eta", h.getETA)
			r.Get("/requests/{id}/stream", h.streamLocation)
		})
	})
	return r
}

func (h *HTTP) secure(r chi.Router, roles ...string) {
	r.Use(auth.Middleware(h.opts.JWTSecret, roles...))
	if h.opts.RateLimit != nil {
		r.Use(h.opts.RateLimit)
	}
}

type createRequestBody struct {
	Category     string  `json:"category" validate:"required,max=64"`
	Lat          float64 `json:"lat" validate:"latitude"`
	Lng          float64 `json:"lng" validate:"longitude"`
	Details      string  `json:"details" validate:"max=2000"`
	Address      string  `json:"address" validate:"max=500"`
	RadiusMeters float64 `json:"radius_meters" validate:"omitempty,gt=0"`
}

func (h *HTTP) createRequest(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var body createRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	req, err := h.svc.CreateRequest(r.Context(), r.Header.Get("Idempotency-Key"), service.CreateRequestInput{
		CustomerID:   actor.ID,
		Category:     body.Category,
		Location:     domain.GeoPoint{Lat: body.Lat, Lng: body.Lng},
		Details:      body.Details,
		Address:      body.Address,
		RadiusMeters: body.RadiusMeters,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *HTTP) getRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := h.visibleRequest(w, r, true)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *HTTP) acceptRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	res, err := h.svc.Accept(r.Context(), id, actor.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !res.Accepted {
		writeJSON(w, http.StatusOK, map[string]any{"accepted": false, "reason": res.Reason})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTP) rejectRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	req, err := h.svc.Reject(r.Context(), id, actor.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type cancelBody struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *HTTP) cancelRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	var body cancelBody
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	req, err := h.svc.Cancel(r.Context(), id, actor.ID, body.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type statusBody struct {
	Action string `json:"action" validate:"required,oneof=arriving start complete decline"`
}

func (h *HTTP) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	var body statusBody
	if !h.decode(w, r, &body) {
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	req, err := h.svc.UpdateStatus(r.Context(), id, actor.ID, service.Action(body.Action))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type locationBody struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lng float64 `json:"lng" validate:"longitude"`
	// Ts is when the device took the fix. Defaults to receive time.
	Ts *time.Time `json:"ts"`
}

func (h *HTTP) reportLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if !h.decode(w, r, &body) {
		return
	}
	var at time.Time
	if body.Ts != nil {
		at = body.Ts.UTC()
	}
	actor, _ := auth.ActorFromContext(r.Context())
	est, err := h.tracker.ReportLocation(r.Context(), actor.ID, domain.GeoPoint{Lat: body.Lat, Lng: body.Lng}, at)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

type availabilityBody struct {
	Availability string   `json:"availability" validate:"required,oneof=online busy offline"`
	Categories   []string `json:"categories" validate:"omitempty,dive,required,max=64"`
}

func (h *HTTP) setAvailability(w http.ResponseWriter, r *http.Request) {
	var body availabilityBody
	if !h.decode(w, r, &body) {
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	state, err := h.svc.SetAvailability(r.Context(), actor.ID, domain.Availability(body.Availability), body.Categories)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *HTTP) getTrail(w http.ResponseWriter, r *http.Request) {
	req, ok := h.visibleRequest(w, r, false)
	if !ok {
		return
	}
	samples, err := h.tracker.Trail(r.Context(), req.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if samples == nil {
		samples = []domain.LocationSample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": req.ID, "samples": samples})
}

func (h *HTTP) getETA(w http.ResponseWriter, r *http.Request) {
	req, ok := h.visibleRequest(w, r, false)
	if !ok {
		return
	}
	est, err := h.tracker.Latest(req.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// visibleRequest loads the request and checks the caller may see it. Notified
// providers may read the request itself but not its live location.
func (h *HTTP) visibleRequest(w http.ResponseWriter, r *http.Request, allowNotified bool) (domain.ServiceRequest, bool) {
	id, ok := requestID(w, r)
	if !ok {
		return domain.ServiceRequest{}, false
	}
	req, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return domain.ServiceRequest{}, false
	}
	actor, _ := auth.ActorFromContext(r.Context())
	if req.IsParticipant(actor.ID) {
		return req, true
	}
	if allowNotified && actor.Role == auth.RoleProvider {
		fanout, err := h.svc.Fanout(r.Context(), id)
		if err != nil {
			h.writeError(w, err)
			return domain.ServiceRequest{}, false
		}
		if _, found := fanout.Find(actor.ID); found {
			return req, true
		}
	}
	h.writeError(w, domain.ErrForbidden)
	return domain.ServiceRequest{}, false
}

func (h *HTTP) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return false
	}
	return true
}

func requestID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

type errorBody struct {
	Error  string                `json:"error"`
	Reason domain.ConflictReason `json:"reason,omitempty"`
	Status domain.Status         `json:"status,omitempty"`
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	if reason, ok := domain.ReasonOf(err); ok {
		body := errorBody{Error: "conflict", Reason: reason}
		var ce *domain.ConflictError
		if errors.As(err, &ce) {
			body.Status = ce.Status
		}
		writeJSON(w, http.StatusConflict, body)
		return
	}
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, domain.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, domain.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: "conflict"})
	case errors.Is(err, domain.ErrUnavailable):
		h.logger.Warn("dependency unavailable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
