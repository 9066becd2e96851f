// Package events publishes ride dispatch and lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

type Type string

const (
	RideRequested        Type = "ride.requested"
	OfferIssued          Type = "offer.issued"
	OfferResolved        Type = "offer.resolved"
	RideAccepted         Type = "ride.accepted"
	RideExhausted        Type = "ride.exhausted"
	RideRequestCancelled Type = "ride.request_cancelled"
	WaitingStarted       Type = "ride.waiting_started"
	WaitingEnded         Type = "ride.waiting_ended"
	RideStarted          Type = "ride.started"
	RideEnded            Type = "ride.ended"
	RideCancelled        Type = "ride.cancelled"
)

type Event struct {
	Type            Type           `json:"type"`
	RideID          string         `json:"rideId,omitempty"`
	ConfirmedRideID string         `json:"confirmedRideId,omitempty"`
	RiderID         string         `json:"riderId,omitempty"`
	DriverID        string         `json:"driverId,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	At              time.Time      `json:"at"`
}

func (e Event) key() string {
	if e.RideID != "" {
		return e.RideID
	}
	return e.ConfirmedRideID
}

// Publisher delivers events best-effort; callers log failures and move on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// KafkaPublisher writes JSON messages to one topic.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return k.PublishJSON(ctx, e.key(), e)
}

// PublishJSON writes v under key. Messages sharing a key keep their order.
func (k *KafkaPublisher) PublishJSON(ctx context.Context, key string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
