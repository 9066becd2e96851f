// Package lifecycle owns a confirmed ride from driver acceptance to its
// terminal status. Every status change is a conditional write on the
// current status, so two concurrent transitions cannot both land.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const reasonStateChanged = "ride_state_changed"

type Manager struct {
	Store  storage.RecordStore
	Fares  fare.Table
	Events events.Publisher
	Logger *slog.Logger
	Clock  func() time.Time
}

func NewManager(store storage.RecordStore, fares fare.Table, pub events.Publisher, logger *slog.Logger) *Manager {
	if fares == nil {
		fares = fare.DefaultTable()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Store: store, Fares: fares, Events: pub, Logger: logger, Clock: time.Now}
}

// TripSummary is returned by EndRide.
type TripSummary struct {
	DistanceKm      float64 `json:"distanceKm"`
	DurationMinutes float64 `json:"durationMinutes"`
	Fare            float64 `json:"fare"`
}

func (m *Manager) now() time.Time { return m.Clock().UTC() }

// Create persists a freshly confirmed ride.
func (m *Manager) Create(ctx context.Context, ride models.Ride) error {
	if ride.Status == "" {
		ride.Status = models.RideDriverAccepted
	}
	if ride.CreatedAt.IsZero() {
		ride.CreatedAt = m.now()
	}
	doc, err := storage.Encode(ride)
	if err != nil {
		return err
	}
	if err := m.Store.Set(ctx, models.CollectionRides, ride.ConfirmedRideID, doc); err != nil {
		return apperr.Dependency(err, "create ride %s", ride.ConfirmedRideID)
	}
	observability.RideTransitions.WithLabelValues(string(ride.Status)).Inc()
	return nil
}

// Discard removes a ride whose request claim did not land. Nobody has
// seen its id, so no transition or event is recorded.
func (m *Manager) Discard(ctx context.Context, confirmedRideID string) error {
	if err := m.Store.Delete(ctx, models.CollectionRides, confirmedRideID); err != nil {
		return apperr.Dependency(err, "discard ride %s", confirmedRideID)
	}
	return nil
}

func (m *Manager) GetRide(ctx context.Context, confirmedRideID string) (models.Ride, error) {
	ride, _, err := m.load(ctx, confirmedRideID)
	return ride, err
}

func (m *Manager) StartWaitingTimer(ctx context.Context, confirmedRideID string) (models.Ride, error) {
	ride, _, err := m.load(ctx, confirmedRideID)
	if err != nil {
		return models.Ride{}, err
	}
	if ride.Status.Terminal() {
		return models.Ride{}, apperr.InvalidState("ride %s is %s", confirmedRideID, ride.Status)
	}
	now := m.now()
	err = m.write(ctx, ride, storage.Doc{
		"waitingTimeStarted": now,
		"waitingTimeEnded":   nil,
		"waitingTimeMinutes": nil,
	})
	if err != nil {
		return models.Ride{}, err
	}
	ride.WaitingTimeStarted = &now
	ride.WaitingTimeEnded = nil
	ride.WaitingTimeMinutes = nil
	m.publish(ctx, events.WaitingStarted, ride, nil)
	return ride, nil
}

// EndWaitingTimer closes the waiting window and returns the billed minutes.
func (m *Manager) EndWaitingTimer(ctx context.Context, confirmedRideID string) (int, error) {
	ride, _, err := m.load(ctx, confirmedRideID)
	if err != nil {
		return 0, err
	}
	if ride.Status.Terminal() {
		return 0, apperr.InvalidState("ride %s is %s", confirmedRideID, ride.Status)
	}
	if ride.WaitingTimeStarted == nil {
		return 0, apperr.InvalidState("waiting timer for ride %s was never started", confirmedRideID)
	}
	end := m.now()
	minutes := WaitingMinutes(*ride.WaitingTimeStarted, end)
	err = m.write(ctx, ride, storage.Doc{
		"waitingTimeEnded":   end,
		"waitingTimeMinutes": minutes,
	})
	if err != nil {
		return 0, err
	}
	ride.WaitingTimeEnded = &end
	m.publish(ctx, events.WaitingEnded, ride, map[string]any{"waitingMinutes": minutes})
	return minutes, nil
}

// WaitingMinutes is ceil((end-start)/1m), never negative.
func WaitingMinutes(start, end time.Time) int {
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}

// StartRide moves a ride from driver_accepted to started, recording the
// driver's last known location (or the pickup point) as the start.
func (m *Manager) StartRide(ctx context.Context, confirmedRideID string) (models.Ride, error) {
	ride, _, err := m.load(ctx, confirmedRideID)
	if err != nil {
		return models.Ride{}, err
	}
	if !CanTransition(ride.Status, models.RideStarted) {
		return models.Ride{}, apperr.InvalidTransition("ride %s cannot start from %s", confirmedRideID, ride.Status)
	}
	loc := m.driverLocation(ctx, ride)
	now := m.now()
	if err := m.transition(ctx, ride, models.RideStarted, storage.Doc{
		"startedLocation": loc,
		"startedTime":     now,
	}); err != nil {
		return models.Ride{}, err
	}
	ride.Status = models.RideStarted
	ride.StartedLocation = &loc
	ride.StartedTime = &now
	m.publish(ctx, events.RideStarted, ride, nil)
	return ride, nil
}

// EndRide completes a started ride at endLocation.
func (m *Manager) EndRide(ctx context.Context, confirmedRideID string, endLocation models.Coordinate) (TripSummary, error) {
	if err := endLocation.Validate(); err != nil {
		return TripSummary{}, apperr.Validation("end location: %v", err)
	}
	ride, doc, err := m.load(ctx, confirmedRideID)
	if err != nil {
		return TripSummary{}, err
	}
	if ride.Status != models.RideStarted {
		return TripSummary{}, apperr.InvalidState("ride %s is %s, not started", confirmedRideID, ride.Status)
	}
	startedAt, ok := parseTime(doc["startedTime"])
	if !ok {
		return TripSummary{}, apperr.InvalidState("ride %s has no valid start time", confirmedRideID)
	}
	start := ride.PickupLocation
	if ride.StartedLocation != nil {
		start = *ride.StartedLocation
	}

	end := m.now()
	summary := TripSummary{
		DistanceKm:      round(geo.Distance(start, endLocation)/1000, 3),
		DurationMinutes: round(math.Max(end.Sub(startedAt).Minutes(), 0), 2),
	}
	summary.Fare, err = m.Fares.Estimate(ride.VehicleClass, summary.DistanceKm)
	if err != nil {
		m.Logger.Warn("no fare model for ride, keeping estimate", "confirmed_ride_id", confirmedRideID, "vehicle_class", ride.VehicleClass)
		summary.Fare = ride.EstimatedFare
	}

	if err := m.transition(ctx, ride, models.RideEnded, storage.Doc{
		"endedLocation":   endLocation,
		"endedTime":       end,
		"distanceKm":      summary.DistanceKm,
		"durationMinutes": summary.DurationMinutes,
		"fare":            summary.Fare,
	}); err != nil {
		return TripSummary{}, err
	}
	ride.Status = models.RideEnded
	m.publish(ctx, events.RideEnded, ride, map[string]any{
		"distanceKm":      summary.DistanceKm,
		"durationMinutes": summary.DurationMinutes,
		"fare":            summary.Fare,
	})
	return summary, nil
}

// CancelRide cancels a confirmed ride that has not started yet.
func (m *Manager) CancelRide(ctx context.Context, confirmedRideID, actor, reason string) (models.Ride, error) {
	ride, _, err := m.load(ctx, confirmedRideID)
	if err != nil {
		return models.Ride{}, err
	}
	if !CanTransition(ride.Status, models.RideCancelled) {
		return models.Ride{}, apperr.InvalidTransition("ride %s cannot be cancelled from %s", confirmedRideID, ride.Status)
	}
	if err := m.transition(ctx, ride, models.RideCancelled, storage.Doc{
		"cancelledBy":  actor,
		"cancelReason": reason,
	}); err != nil {
		return models.Ride{}, err
	}
	ride.Status = models.RideCancelled
	ride.CancelledBy = actor
	ride.CancelReason = reason
	m.publish(ctx, events.RideCancelled, ride, map[string]any{"actor": actor})
	return ride, nil
}

func (m *Manager) load(ctx context.Context, id string) (models.Ride, storage.Doc, error) {
	if id == "" {
		return models.Ride{}, nil, apperr.Validation("confirmed ride id is required")
	}
	doc, err := m.Store.Get(ctx, models.CollectionRides, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Ride{}, nil, apperr.NotFound("ride %s", id)
	}
	if err != nil {
		return models.Ride{}, nil, apperr.Dependency(err, "load ride %s", id)
	}
	var ride models.Ride
	if err := storage.Decode(doc, &ride); err != nil {
		// A corrupt time field must not hide the ride; keep what decodes.
		if _, ok := doc["startedTime"]; ok {
			bare := make(storage.Doc, len(doc))
			for k, v := range doc {
				bare[k] = v
			}
			delete(bare, "startedTime")
			if err2 := storage.Decode(bare, &ride); err2 == nil {
				return ride, doc, nil
			}
		}
		return models.Ride{}, nil, apperr.Dependency(err, "decode ride %s", id)
	}
	return ride, doc, nil
}

// write updates fields while the ride still holds the status it was read with.
func (m *Manager) write(ctx context.Context, ride models.Ride, fields storage.Doc) error {
	err := m.Store.ConditionalUpdate(ctx, models.CollectionRides, ride.ConfirmedRideID, "status", string(ride.Status), fields)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrConflict):
		return apperr.Conflict(reasonStateChanged, "ride %s changed concurrently", ride.ConfirmedRideID)
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound("ride %s", ride.ConfirmedRideID)
	default:
		return apperr.Dependency(err, "update ride %s", ride.ConfirmedRideID)
	}
}

func (m *Manager) transition(ctx context.Context, ride models.Ride, to models.RideStatus, fields storage.Doc) error {
	fields["status"] = string(to)
	if err := m.write(ctx, ride, fields); err != nil {
		return err
	}
	observability.RideTransitions.WithLabelValues(string(to)).Inc()
	m.Logger.Info("ride transition", "confirmed_ride_id", ride.ConfirmedRideID, "from", ride.Status, "to", to)
	return nil
}

func (m *Manager) driverLocation(ctx context.Context, ride models.Ride) models.Coordinate {
	doc, err := m.Store.Get(ctx, models.CollectionDrivers, ride.DriverID)
	if err != nil {
		return ride.PickupLocation
	}
	var d models.Driver
	if err := storage.Decode(doc, &d); err != nil || d.Location == nil || d.Location.Validate() != nil {
		return ride.PickupLocation
	}
	return *d.Location
}

func (m *Manager) publish(ctx context.Context, t events.Type, ride models.Ride, data map[string]any) {
	err := m.Events.Publish(ctx, events.Event{
		Type:            t,
		RideID:          ride.RideID,
		ConfirmedRideID: ride.ConfirmedRideID,
		RiderID:         ride.RiderID,
		DriverID:        ride.DriverID,
		Data:            data,
		At:              m.now(),
	})
	if err != nil {
		m.Logger.Warn("publish event failed", "type", t, "confirmed_ride_id", ride.ConfirmedRideID, "error", err)
	}
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
