package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/locations"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

const maxBodyBytes = 1 << 20

type Server struct {
	Rides     *rides.Service
	Store     storage.RecordStore
	Locations locations.Publisher
	WSReg     *dispatch.WSRegistry
	Auth      auth.Verifier
	Ready     func(r *http.Request) error

	logger *slog.Logger
	mux    *mux.Router
}

// Deps are the collaborators the API needs. Locations, WSReg and Ready
// are optional.
type Deps struct {
	Rides     *rides.Service
	Store     storage.RecordStore
	Locations locations.Publisher
	WSReg     *dispatch.WSRegistry
	Auth      auth.Verifier
	Ready     func(r *http.Request) error
	Logger    *slog.Logger
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Rides:     d.Rides,
		Store:     d.Store,
		Locations: d.Locations,
		WSReg:     d.WSReg,
		Auth:      d.Auth,
		Ready:     d.Ready,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.Handle("/rides/request", s.role(s.handleRideRequest, auth.RoleRider)).Methods("POST")
	api.Handle("/rides/requests/{rideId}", s.role(s.handleGetRequest, auth.RoleRider, auth.RoleService)).Methods("GET")
	api.Handle("/rides/requests/{rideId}/cancel", s.role(s.handleCancelRequest, auth.RoleRider)).Methods("POST")
	api.Handle("/offers/{rideId}/respond", s.role(s.handleRespond, auth.RoleDriver)).Methods("POST")
	api.Handle("/rides/{id}/waiting/start", s.role(s.driverRide(s.handleStartWaiting), auth.RoleDriver)).Methods("POST")
	api.Handle("/rides/{id}/waiting/end", s.role(s.driverRide(s.handleEndWaiting), auth.RoleDriver)).Methods("POST")
	api.Handle("/rides/{id}/start", s.role(s.driverRide(s.handleStartRide), auth.RoleDriver)).Methods("POST")
	api.Handle("/rides/{id}/end", s.role(s.driverRide(s.handleEndRide), auth.RoleDriver)).Methods("POST")
	api.Handle("/rides/{id}", s.role(s.handleGetRide, auth.RoleRider, auth.RoleDriver, auth.RoleService)).Methods("GET")
	api.Handle("/fares/estimate", s.role(s.handleFareEstimate, auth.RoleRider, auth.RoleDriver, auth.RoleService)).Methods("POST")
	api.Handle("/devices/token", s.role(s.handleDeviceToken, auth.RoleRider, auth.RoleDriver)).Methods("PUT")

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(s.authMiddleware)
	internal.Handle("/driver/locations", s.role(s.handleDriverLocation, auth.RoleDriver, auth.RoleService)).Methods("POST")

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.Handle("/drivers", s.role(s.handleWS, auth.RoleDriver)).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var in rides.RequestInput
	if !s.decode(w, r, &in) {
		return
	}
	caller := claimsFromContext(r.Context())
	if in.RiderID != "" && in.RiderID != caller.Subject {
		s.writeError(w, r, apperr.Validation("riderId does not match the caller"))
		return
	}
	in.RiderID = caller.Subject

	res, err := s.Rides.RequestRide(r.Context(), in)
	if err != nil {
		// A request refused for lack of drivers is still stored and pollable.
		s.writeErrorBody(w, r, err, errorBody{RideID: res.RideID})
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	res, err := s.Rides.GetRequest(r.Context(), mux.Vars(r)["rideId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	caller := claimsFromContext(r.Context())
	if caller.Role != auth.RoleService && caller.Subject != res.RiderID {
		s.writeError(w, r, apperr.NotFound("ride request %s", res.RideID))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	caller := claimsFromContext(r.Context())
	res, err := s.Rides.CancelRequest(r.Context(), mux.Vars(r)["rideId"], caller.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type respondBody struct {
	Accept *bool `json:"accept"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body respondBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.Accept == nil {
		s.writeError(w, r, apperr.Validation("accept is required"))
		return
	}
	caller := claimsFromContext(r.Context())
	resp, err := s.Rides.RespondToOffer(r.Context(), mux.Vars(r)["rideId"], caller.Subject, *body.Accept)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// driverRide only lets the ride's own driver through.
func (s *Server) driverRide(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ride, err := s.Rides.GetRide(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if ride.DriverID != claimsFromContext(r.Context()).Subject {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStartWaiting(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.StartWaiting(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleEndWaiting(w http.ResponseWriter, r *http.Request) {
	minutes, err := s.Rides.EndWaiting(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"waitingMinutes": minutes})
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.StartRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type endRideBody struct {
	EndLocation *models.Coordinate `json:"endLocation"`
}

func (s *Server) handleEndRide(w http.ResponseWriter, r *http.Request) {
	var body endRideBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.EndLocation == nil {
		s.writeError(w, r, apperr.Validation("endLocation is required"))
		return
	}
	summary, err := s.Rides.EndRide(r.Context(), mux.Vars(r)["id"], *body.EndLocation)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	caller := claimsFromContext(r.Context())
	if caller.Role != auth.RoleService && caller.Subject != ride.RiderID && caller.Subject != ride.DriverID {
		s.writeError(w, r, apperr.NotFound("ride %s", ride.ConfirmedRideID))
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type fareBody struct {
	Pickup       models.Coordinate `json:"pickup"`
	Destination  models.Coordinate `json:"destination"`
	VehicleClass string            `json:"vehicleClass"`
}

func (s *Server) handleFareEstimate(w http.ResponseWriter, r *http.Request) {
	var body fareBody
	if !s.decode(w, r, &body) {
		return
	}
	est, err := s.Rides.Estimate(body.VehicleClass, body.Pickup, body.Destination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

type deviceTokenBody struct {
	Token string `json:"token"`
}

func (s *Server) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	var body deviceTokenBody
	if !s.decode(w, r, &body) {
		return
	}
	body.Token = strings.TrimSpace(body.Token)
	if body.Token == "" {
		s.writeError(w, r, apperr.Validation("token is required"))
		return
	}
	caller := claimsFromContext(r.Context())
	if err := dispatch.RegisterDeviceToken(r.Context(), s.Store, caller.Subject, body.Token); err != nil {
		s.writeError(w, r, apperr.Dependency(err, "store device token"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.DriverLocation
	if !s.decode(w, r, &loc) {
		return
	}
	caller := claimsFromContext(r.Context())
	if caller.Role == auth.RoleDriver {
		if loc.DriverID != "" && loc.DriverID != caller.Subject {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		loc.DriverID = caller.Subject
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = time.Now().UTC()
	}
	if err := locations.Apply(r.Context(), s.Store, loc); err != nil {
		if errors.Is(err, locations.ErrInvalidReport) {
			s.writeError(w, r, apperr.Validation("%v", err))
			return
		}
		s.writeError(w, r, apperr.Dependency(err, "store driver location"))
		return
	}
	if s.Locations != nil {
		if err := s.Locations.PublishJSON(r.Context(), loc.DriverID, loc); err != nil {
			s.logger.Warn("publish driver location failed", "driver_id", loc.DriverID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.WSReg == nil {
		http.Error(w, "websocket delivery disabled", http.StatusNotFound)
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.WSReg.Add(token, conn)
	s.logger.Info("driver websocket connected", "driver_id", claimsFromContext(r.Context()).Subject)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, apperr.Validation("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { return uuid.NewString() }
