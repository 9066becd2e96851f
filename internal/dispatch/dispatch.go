package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrNoDeviceToken means the user never registered a push token.
var ErrNoDeviceToken = errors.New("no device token registered")

// Message is a push payload. Data values are strings so every transport
// can carry them unchanged.
type Message struct {
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	Data  map[string]string `json:"data"`
}

// Notifier delivers a message to one device by its opaque token.
type Notifier interface {
	Send(ctx context.Context, deviceToken string, msg Message) error
}

// OfferDispatcher turns offers and ride notices into pushes, looking
// device tokens up in the deviceTokens collection.
type OfferDispatcher struct {
	Store    storage.RecordStore
	Notifier Notifier
	Logger   *slog.Logger
}

func NewOfferDispatcher(store storage.RecordStore, n Notifier, logger *slog.Logger) *OfferDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &OfferDispatcher{Store: store, Notifier: n, Logger: logger}
}

// SendOffer pushes the offer to the candidate's device.
func (d *OfferDispatcher) SendOffer(ctx context.Context, offer models.Offer, req models.RideRequest, c models.DriverCandidate) error {
	msg := Message{
		Title: "New ride request",
		Body:  fmt.Sprintf("Pickup %.1f km away", c.DistanceMeters/1000),
		Data: map[string]string{
			"type":            "ride_offer",
			"ride_id":         offer.RideID,
			"driver_id":       offer.DriverID,
			"pickup_lat":      formatFloat(req.Pickup.Latitude),
			"pickup_lng":      formatFloat(req.Pickup.Longitude),
			"destination_lat": formatFloat(req.Destination.Latitude),
			"destination_lng": formatFloat(req.Destination.Longitude),
			"distance_m":      formatFloat(c.DistanceMeters),
			"estimated_fare":  formatFloat(req.EstimatedFare),
			"expires_at":      offer.ExpiresAt.UTC().Format(time.RFC3339),
			"vehicle_class":   c.VehicleClass,
			"requested_class": req.VehicleClass,
		},
	}
	return d.NotifyUser(ctx, offer.DriverID, msg)
}

// NotifyUser pushes msg to whatever device userID registered last.
func (d *OfferDispatcher) NotifyUser(ctx context.Context, userID string, msg Message) error {
	token, err := DeviceTokenFor(ctx, d.Store, userID)
	if err != nil {
		observability.NotificationFailures.Inc()
		return err
	}
	if err := d.Notifier.Send(ctx, token, msg); err != nil {
		observability.NotificationFailures.Inc()
		d.Logger.Warn("push delivery failed", "user_id", userID, "type", msg.Data["type"], "error", err)
		return err
	}
	return nil
}

// RegisterDeviceToken stores the push token for userID, replacing any previous one.
func RegisterDeviceToken(ctx context.Context, store storage.RecordStore, userID, token string) error {
	doc, err := storage.Encode(models.DeviceToken{UserID: userID, Token: token, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return store.Set(ctx, models.CollectionDeviceTokens, userID, doc)
}

func DeviceTokenFor(ctx context.Context, store storage.RecordStore, userID string) (string, error) {
	doc, err := store.Get(ctx, models.CollectionDeviceTokens, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrNoDeviceToken
	}
	if err != nil {
		return "", fmt.Errorf("load device token: %w", err)
	}
	var t models.DeviceToken
	if err := storage.Decode(doc, &t); err != nil {
		return "", err
	}
	if t.Token == "" {
		return "", ErrNoDeviceToken
	}
	return t.Token, nil
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
