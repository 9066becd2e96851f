// Package rides is the request surface used by the HTTP layer. It composes
// candidate selection, the offer sequencer and the ride lifecycle.
package rides

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offers"
)

type CandidateSelector interface {
	SelectCandidates(ctx context.Context, pickup models.Coordinate, vehicleClass string, opts matcher.Options) (matcher.Selection, error)
}

type UserNotifier interface {
	NotifyUser(ctx context.Context, userID string, msg dispatch.Message) error
}

type Service struct {
	Matcher   CandidateSelector
	Offers    *offers.Sequencer
	Lifecycle *lifecycle.Manager
	Fares     fare.Table
	Notifier  UserNotifier
	Logger    *slog.Logger
	Options   matcher.Options
	NewID     func() string
}

func NewService(sel CandidateSelector, seq *offers.Sequencer, lc *lifecycle.Manager, fares fare.Table, n UserNotifier, logger *slog.Logger) *Service {
	if fares == nil {
		fares = fare.DefaultTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Matcher: sel, Offers: seq, Lifecycle: lc, Fares: fares, Notifier: n, Logger: logger, NewID: uuid.NewString}
}

type RequestInput struct {
	RiderID      string            `json:"riderId"`
	Pickup       models.Coordinate `json:"pickup"`
	Destination  models.Coordinate `json:"destination"`
	VehicleClass string            `json:"vehicleClass,omitempty"`
}

type RequestResult struct {
	RideID          string              `json:"rideId"`
	RiderID         string              `json:"riderId"`
	Status          models.RequestState `json:"status"`
	Reason          string              `json:"reason,omitempty"`
	EstimatedFare   float64             `json:"estimatedFare"`
	Candidates      int                 `json:"candidates"`
	ConfirmedRideID string              `json:"confirmedRideId,omitempty"`
	DriverID        string              `json:"driverId,omitempty"`
}

func resultOf(req models.RideRequest) RequestResult {
	return RequestResult{
		RideID:          req.RideID,
		RiderID:         req.RiderID,
		Status:          req.State,
		Reason:          req.Reason,
		EstimatedFare:   req.EstimatedFare,
		ConfirmedRideID: req.ConfirmedRideID,
		DriverID:        req.DriverID,
	}
}

// RequestRide stores a new ride request and starts offering it. When no
// driver is eligible the request is still stored, as exhausted, and an
// Unavailable error carrying the filter's reason is returned with it.
func (s *Service) RequestRide(ctx context.Context, in RequestInput) (RequestResult, error) {
	in.RiderID = strings.TrimSpace(in.RiderID)
	if in.RiderID == "" {
		return RequestResult{}, apperr.Validation("riderId is required")
	}
	if err := in.Pickup.Validate(); err != nil {
		return RequestResult{}, apperr.Validation("pickup: %v", err)
	}
	if err := in.Destination.Validate(); err != nil {
		return RequestResult{}, apperr.Validation("destination: %v", err)
	}
	class := strings.ToLower(strings.TrimSpace(in.VehicleClass))
	estimate, err := s.Estimate(class, in.Pickup, in.Destination)
	if err != nil {
		return RequestResult{}, err
	}

	sel, err := s.Matcher.SelectCandidates(ctx, in.Pickup, class, s.Options)
	if err != nil {
		return RequestResult{}, err
	}

	req, err := s.Offers.Submit(ctx, models.RideRequest{
		RideID:        s.NewID(),
		RiderID:       in.RiderID,
		Pickup:        in.Pickup,
		Destination:   in.Destination,
		VehicleClass:  class,
		CreatedAt:     time.Now().UTC(),
		EstimatedFare: estimate.Fare,
	}, sel.Candidates, sel.Reason)
	if err != nil {
		return RequestResult{}, err
	}
	res := resultOf(req)
	res.Candidates = len(sel.Candidates)
	if len(sel.Candidates) == 0 {
		s.Logger.Info("no eligible drivers", "ride_id", req.RideID, "reason", sel.Reason)
		return res, apperr.Unavailable(sel.Reason, "no eligible drivers for ride %s", req.RideID)
	}
	s.Logger.Info("ride requested", "ride_id", req.RideID, "rider_id", req.RiderID, "candidates", len(sel.Candidates))
	return res, nil
}

type Estimate struct {
	VehicleClass string  `json:"vehicleClass"`
	DistanceKm   float64 `json:"distanceKm"`
	Fare         float64 `json:"fare"`
}

// Estimate prices the straight-line distance between two points.
func (s *Service) Estimate(class string, from, to models.Coordinate) (Estimate, error) {
	if err := from.Validate(); err != nil {
		return Estimate{}, apperr.Validation("pickup: %v", err)
	}
	if err := to.Validate(); err != nil {
		return Estimate{}, apperr.Validation("destination: %v", err)
	}
	if class == "" {
		class = fare.DefaultClass
	}
	km := geo.Distance(from, to) / 1000
	amount, err := s.Fares.Estimate(class, km)
	if err != nil {
		return Estimate{}, apperr.Validation("unknown vehicle class %q", class)
	}
	return Estimate{VehicleClass: strings.ToLower(class), DistanceKm: math.Round(km*1000) / 1000, Fare: amount}, nil
}

func (s *Service) GetRequest(ctx context.Context, rideID string) (RequestResult, error) {
	req, err := s.Offers.GetRequest(ctx, rideID)
	if err != nil {
		return RequestResult{}, err
	}
	return resultOf(req), nil
}

func (s *Service) RespondToOffer(ctx context.Context, rideID, driverID string, accept bool) (offers.Response, error) {
	return s.Offers.Respond(ctx, rideID, driverID, accept)
}

// CancelRequest withdraws a request for its rider. A request already
// claimed by a driver has its confirmed ride cancelled instead, and the
// driver is told.
func (s *Service) CancelRequest(ctx context.Context, rideID, riderID string) (RequestResult, error) {
	req, err := s.Offers.Cancel(ctx, rideID, riderID)
	if err != nil {
		return RequestResult{}, err
	}
	switch req.State {
	case models.RequestCancelled:
		return resultOf(req), nil
	case models.RequestResolved:
	default:
		return RequestResult{}, apperr.InvalidState("ride request %s is %s", rideID, req.State)
	}

	ride, err := s.Lifecycle.CancelRide(ctx, req.ConfirmedRideID, "rider", models.ReasonRiderCancelled)
	if err != nil {
		return RequestResult{}, err
	}
	s.Logger.Info("confirmed ride cancelled by rider", "ride_id", rideID, "confirmed_ride_id", ride.ConfirmedRideID, "driver_id", ride.DriverID)
	if s.Notifier != nil {
		err := s.Notifier.NotifyUser(ctx, ride.DriverID, dispatch.Message{
			Title: "Ride cancelled",
			Body:  "The rider cancelled this ride",
			Data: map[string]string{
				"type":              "ride_cancelled",
				"ride_id":           rideID,
				"confirmed_ride_id": ride.ConfirmedRideID,
			},
		})
		if err != nil {
			s.Logger.Warn("driver cancel notice failed", "driver_id", ride.DriverID, "error", err)
		}
	}
	res := resultOf(req)
	res.Reason = models.ReasonRiderCancelled
	return res, nil
}

func (s *Service) StartWaiting(ctx context.Context, confirmedRideID string) (models.Ride, error) {
	return s.Lifecycle.StartWaitingTimer(ctx, confirmedRideID)
}

func (s *Service) EndWaiting(ctx context.Context, confirmedRideID string) (int, error) {
	return s.Lifecycle.EndWaitingTimer(ctx, confirmedRideID)
}

func (s *Service) StartRide(ctx context.Context, confirmedRideID string) (models.Ride, error) {
	return s.Lifecycle.StartRide(ctx, confirmedRideID)
}

func (s *Service) EndRide(ctx context.Context, confirmedRideID string, end models.Coordinate) (lifecycle.TripSummary, error) {
	return s.Lifecycle.EndRide(ctx, confirmedRideID, end)
}

func (s *Service) GetRide(ctx context.Context, confirmedRideID string) (models.Ride, error) {
	return s.Lifecycle.GetRide(ctx, confirmedRideID)
}
