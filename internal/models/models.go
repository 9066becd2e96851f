package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Record Store collections.
const (
	CollectionDrivers      = "drivers"
	CollectionVehicles     = "vehicles"
	CollectionDeviceTokens = "deviceTokens"
	CollectionRideRequests = "rideRequests"
	CollectionOffers       = "offers"
	CollectionRides        = "rides"
)

type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate rejects NaN, infinities and out-of-range degrees.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) || math.IsInf(c.Latitude, 0) || math.IsInf(c.Longitude, 0) {
		return fmt.Errorf("%w: not a number", ErrInvalidCoordinate)
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinate, c.Latitude)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinate, c.Longitude)
	}
	return nil
}

// Driver is the persisted driver profile the eligibility filter reads.
type Driver struct {
	DriverID        string      `json:"driverId"`
	Active          bool        `json:"active"`
	Approved        bool        `json:"approved"`
	PaymentEligible bool        `json:"paymentEligible"`
	Location        *Coordinate `json:"location,omitempty"`
	VehicleClass    string      `json:"vehicleClass,omitempty"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Vehicle is the secondary vehicle profile, keyed by driver id.
type Vehicle struct {
	DriverID     string `json:"driverId"`
	VehicleClass string `json:"vehicleClass"`
	Plate        string `json:"plate,omitempty"`
}

// DeviceToken maps a user id onto its push token.
type DeviceToken struct {
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DriverCandidate is derived per dispatch cycle and never persisted.
type DriverCandidate struct {
	DriverID        string     `json:"driverId"`
	CurrentLocation Coordinate `json:"currentLocation"`
	VehicleClass    string     `json:"vehicleClass"`
	Eligible        bool       `json:"eligible"`
	DistanceMeters  float64    `json:"distanceMeters"`
}

type RequestState string

const (
	RequestAwaitingOffers RequestState = "awaiting_offers"
	RequestResolved       RequestState = "resolved"
	RequestExhausted      RequestState = "exhausted"
	RequestCancelled      RequestState = "cancelled"
)

// Dispatch reason codes.
const (
	ReasonNoActiveDrivers        = "no_active_drivers"
	ReasonNoLocatedDrivers       = "no_located_drivers"
	ReasonNoDriversInRadius      = "no_drivers_in_radius"
	ReasonNoMatchingVehicleClass = "no_matching_vehicle_class"
	ReasonNoDriversAccepted      = "no_drivers_accepted"
	ReasonRideNoLongerAvailable  = "ride_no_longer_available"
	ReasonRiderCancelled         = "rider_cancelled"
	ReasonDeliveryFailed         = "delivery_failed"
	ReasonOfferTimeout           = "offer_timeout"
	ReasonDriverRejected         = "driver_rejected"
	ReasonDispatcherStopped      = "dispatcher_stopped"
	ReasonOfferNotPending        = "offer_not_pending"
	ReasonRideCreateFailed       = "ride_create_failed"
	ReasonClaimTimeout           = "claim_timeout"
)

// RideRequest is written once at request time. State is the per-ride
// resolution marker and only moves through conditional updates.
type RideRequest struct {
	RideID          string       `json:"rideId"`
	RiderID         string       `json:"riderId"`
	Pickup          Coordinate   `json:"pickup"`
	Destination     Coordinate   `json:"destination"`
	VehicleClass    string       `json:"vehicleClass,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	EstimatedFare   float64      `json:"estimatedFare"`
	State           RequestState `json:"state"`
	Reason          string       `json:"reason,omitempty"`
	DriverID        string       `json:"driverId,omitempty"`
	ConfirmedRideID string       `json:"confirmedRideId,omitempty"`
	ResolvedAt      *time.Time   `json:"resolvedAt,omitempty"`
}

type OfferState string

const (
	OfferPending  OfferState = "pending"
	OfferAccepted OfferState = "accepted"
	OfferRejected OfferState = "rejected"
	OfferExpired  OfferState = "expired"
)

type Offer struct {
	RideID       string     `json:"rideId"`
	DriverID     string     `json:"driverId"`
	VehicleClass string     `json:"vehicleClass,omitempty"`
	IssuedAt     time.Time  `json:"issuedAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	State        OfferState `json:"state"`
	Reason       string     `json:"reason,omitempty"`
	RespondedAt  *time.Time `json:"respondedAt,omitempty"`
}

// OfferKey is the composite key of an offer; one document per (ride, driver).
func OfferKey(rideID, driverID string) string { return rideID + "/" + driverID }

type RideStatus string

const (
	RideDriverAccepted RideStatus = "driver_accepted"
	RideStarted        RideStatus = "started"
	RideEnded          RideStatus = "ended"
	RideCancelled      RideStatus = "cancelled"
)

// Terminal reports whether no further mutation is allowed.
func (s RideStatus) Terminal() bool { return s == RideEnded || s == RideCancelled }

type Ride struct {
	ConfirmedRideID    string      `json:"confirmedRideId"`
	RideID             string      `json:"rideId"`
	RiderID            string      `json:"riderId"`
	DriverID           string      `json:"driverId"`
	VehicleClass       string      `json:"vehicleClass,omitempty"`
	PickupLocation     Coordinate  `json:"pickupLocation"`
	DropLocation       Coordinate  `json:"dropLocation"`
	Status             RideStatus  `json:"status"`
	EstimatedFare      float64     `json:"estimatedFare"`
	WaitingTimeStarted *time.Time  `json:"waitingTimeStarted,omitempty"`
	WaitingTimeEnded   *time.Time  `json:"waitingTimeEnded,omitempty"`
	WaitingTimeMinutes *int        `json:"waitingTimeMinutes,omitempty"`
	StartedLocation    *Coordinate `json:"startedLocation,omitempty"`
	StartedTime        *time.Time  `json:"startedTime,omitempty"`
	EndedLocation      *Coordinate `json:"endedLocation,omitempty"`
	EndedTime          *time.Time  `json:"endedTime,omitempty"`
	DistanceKm         float64     `json:"distanceKm"`
	DurationMinutes    float64     `json:"durationMinutes"`
	Fare               float64     `json:"fare"`
	CancelledBy        string      `json:"cancelledBy,omitempty"`
	CancelReason       string      `json:"cancelReason,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
}

// DriverLocation is the message carried on the driver-locations topic.
type DriverLocation struct {
	DriverID  string     `json:"driverId"`
	Location  Coordinate `json:"location"`
	Timestamp time.Time  `json:"timestamp"`
}
