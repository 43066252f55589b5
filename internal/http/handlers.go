package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ambulance-dispatch/internal/apperrors"
	"github.com/example/ambulance-dispatch/internal/board"
	"github.com/example/ambulance-dispatch/internal/events"
	"github.com/example/ambulance-dispatch/internal/lifecycle"
	"github.com/example/ambulance-dispatch/internal/matcher"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/notify"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/storage"
)

// Deps are the collaborators the API layer is wired with. Board may be nil.
type Deps struct {
	Store     storage.FleetStore
	Matcher   *matcher.Service
	Lifecycle *lifecycle.Service
	Events    events.Publisher
	Notifier  *notify.WSRegistry
	Board     *board.Board
	Logger    *slog.Logger
}

type Server struct {
	store     storage.FleetStore
	matcher   *matcher.Service
	lifecycle *lifecycle.Service
	events    events.Publisher
	notifier  *notify.WSRegistry
	board     *board.Board
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		store:     d.Store,
		matcher:   d.Matcher,
		lifecycle: d.Lifecycle,
		events:    d.Events,
		notifier:  d.Notifier,
		board:     d.Board,
		logger:    d.Logger,
		mux:       mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.notifier == nil {
		s.notifier = notify.NewWSRegistry(s.logger)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests", s.handleListRequests).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id:[0-9]+}/dispatch", s.handleDispatch).Methods(http.MethodPost)
	api.HandleFunc("/operators/{id:[0-9]+}/available", s.handleGoAvailable).Methods(http.MethodPost)
	api.HandleFunc("/operators/{id:[0-9]+}/assignment", s.handleAssignment).Methods(http.MethodGet)
	api.HandleFunc("/operators/{id:[0-9]+}/status", s.handleOperatorStatus).Methods(http.MethodGet)
	api.HandleFunc("/dispatches/{id:[0-9]+}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/dispatches/active", s.handleActiveDispatches).Methods(http.MethodGet)
	api.HandleFunc("/fleet", s.handleFleet).Methods(http.MethodGet)
	if s.board != nil {
		api.HandleFunc("/board/nearby", s.handleBoardNearby).Methods(http.MethodGet)
	}

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/operators/{id:[0-9]+}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRequestBody struct {
	PatientName string   `json:"patient_name"`
	Lat         *float64 `json:"latitude"`
	Lon         *float64 `json:"longitude"`
	Category    string   `json:"category"`
	Contact     string   `json:"contact"`
	Notes       string   `json:"notes"`
}

type createRequestResponse struct {
	RequestID  int64              `json:"request_id"`
	Assignment *models.Assignment `json:"assignment,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// handleCreateRequest stores the request and dispatches it right away. The
// request survives a failed dispatch and can be dispatched again later.
func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, badInput("malformed JSON body"))
		return
	}
	if body.Lat == nil || body.Lon == nil {
		s.writeError(w, r, badInput("latitude and longitude are required"))
		return
	}
	in := models.NewRequest{
		PatientName: body.PatientName,
		Loc:         models.Coord{Lat: *body.Lat, Lon: *body.Lon},
		Category:    body.Category,
		Contact:     body.Contact,
		Notes:       body.Notes,
		SourceIP:    clientIP(r),
	}
	if in.PatientName == "" {
		in.PatientName = "Anonymous"
	}
	if in.Category == "" {
		in.Category = "other"
	}

	id, err := s.store.CreateRequest(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("request created", "request_id", id, "category", in.Category, "request_ref", requestRef(r.Context()))

	a, err := s.dispatch(r, id)
	if err != nil {
		writeJSON(w, apperrors.CheckError(err), createRequestResponse{RequestID: id, Error: apperrors.Reason(err)})
		return
	}
	writeJSON(w, http.StatusCreated, createRequestResponse{RequestID: id, Assignment: a})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	a, err := s.dispatch(r, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// dispatch runs the matcher and fans the outcome out to the event bus and
// the operator's websocket. Neither side channel can fail the dispatch.
func (s *Server) dispatch(r *http.Request, requestID int64) (*models.Assignment, error) {
	start := time.Now()
	a, err := s.matcher.Dispatch(r.Context(), requestID)
	observability.DispatchLatency.Observe(time.Since(start).Seconds())
	outcome := "assigned"
	if err != nil {
		outcome = apperrors.Reason(err)
	}
	observability.DispatchesTotal.WithLabelValues(outcome).Inc()
	if err != nil {
		s.logger.Warn("dispatch failed", "request_id", requestID, "reason", apperrors.Reason(err), "error", err)
		return nil, err
	}
	s.logger.Info("dispatch assigned",
		"request_id", requestID,
		"dispatch_id", a.DispatchID,
		"vehicle_id", a.VehicleID,
		"eta_min", a.ETAMin,
		"estimated", a.Estimated,
	)
	if err := s.events.Publish(r.Context(), events.Assigned(a)); err != nil {
		s.logger.Error("publish assigned event", "dispatch_id", a.DispatchID, "error", err)
	}
	if err := s.notifier.Notify(a.OperatorID, a); err != nil && !errors.Is(err, notify.ErrNoSession) {
		s.logger.Warn("notify operator", "operator_id", a.OperatorID, "error", err)
	}
	return a, nil
}

func (s *Server) handleGoAvailable(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.lifecycle.GoAvailable(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type completeBody struct {
	OperatorID int64    `json:"operator_id"`
	Lat        *float64 `json:"latitude"`
	Lon        *float64 `json:"longitude"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body completeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, badInput("malformed JSON body"))
		return
	}
	if body.OperatorID <= 0 {
		s.writeError(w, r, badInput("operator_id is required"))
		return
	}
	var loc *models.Coord
	switch {
	case body.Lat != nil && body.Lon != nil:
		loc = &models.Coord{Lat: *body.Lat, Lon: *body.Lon}
	case body.Lat != nil || body.Lon != nil:
		s.writeError(w, r, badInput("latitude and longitude must be sent together"))
		return
	}

	c, err := s.lifecycle.Complete(r.Context(), id, body.OperatorID, loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.events.Publish(r.Context(), events.Completed(c)); err != nil {
		s.logger.Error("publish completed event", "dispatch_id", c.DispatchID, "error", err)
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAssignment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	a, err := s.store.ActiveAssignment(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"has_assignment": a != nil, "assignment": a})
}

func (s *Server) handleOperatorStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	st, err := s.store.OperatorStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	units, err := s.store.ListFleet(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, units)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListRequests(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleActiveDispatches(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListActiveDispatches(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleBoardNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		s.writeError(w, r, badInput("lat and lon query parameters are required"))
		return
	}
	radius := 10.0
	if v := q.Get("radius_km"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			s.writeError(w, r, badInput("radius_km must be a positive number"))
			return
		}
		radius = f
	}
	limit := 20
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, badInput("limit must be a positive integer"))
			return
		}
		limit = n
	}
	entries, err := s.board.Nearby(r.Context(), models.Coord{Lat: lat, Lon: lon}, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.OperatorStatus(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "operator_id", id, "error", err)
		return
	}
	s.notifier.Add(id, conn)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, badInput("invalid id"))
		return 0, false
	}
	return id, true
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.CheckError(err)
	resp := errorResponse{Error: apperrors.Reason(err), Message: err.Error()}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeName(r), "request_ref", requestRef(r.Context()), "error", err)
		resp.Message = ""
	}
	writeJSON(w, status, resp)
}

type inputError string

func (e inputError) Error() string { return string(e) }
func (e inputError) Unwrap() error { return apperrors.ErrInvalidInput }

func badInput(msg string) error { return inputError(msg) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { return uuid.NewString() }
