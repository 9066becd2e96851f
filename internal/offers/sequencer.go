// Package offers runs the sequential offer loop for a ride request and
// resolves driver responses against it.
//
// All claim resolution happens through conditional writes in the record
// store. The in-process task registry only wakes a waiting loop early; a
// loop running on another instance learns the outcome when its own
// timeout write fails.
package offers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	DefaultOfferTimeout    = 15 * time.Second
	DefaultMinOfferSpacing = 3 * time.Second
	DefaultClaimWait       = 10 * time.Second

	createRideAttempts = 3
	cleanupTimeout     = 5 * time.Second
	claimPollInterval  = 25 * time.Millisecond
)

// Sender delivers offers to drivers and notices to riders.
type Sender interface {
	SendOffer(ctx context.Context, offer models.Offer, req models.RideRequest, c models.DriverCandidate) error
	NotifyUser(ctx context.Context, userID string, msg dispatch.Message) error
}

// RideCreator persists the ride for an accept before it claims the
// request, and removes it again if the claim is lost.
type RideCreator interface {
	Create(ctx context.Context, ride models.Ride) error
	Discard(ctx context.Context, confirmedRideID string) error
}

type Config struct {
	OfferTimeout    time.Duration
	MinOfferSpacing time.Duration
	// ClaimWait bounds how long the loop follows an accepted offer whose
	// claim has neither landed nor been revoked.
	ClaimWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = DefaultOfferTimeout
	}
	if c.MinOfferSpacing < 0 {
		c.MinOfferSpacing = 0
	}
	if c.ClaimWait <= 0 {
		c.ClaimWait = DefaultClaimWait
	}
	return c
}

// Response is the answer to a driver's accept or reject.
type Response struct {
	Accepted        bool   `json:"accepted"`
	Reason          string `json:"reason,omitempty"`
	ConfirmedRideID string `json:"confirmedRideId,omitempty"`
}

type signal struct {
	driverID string
	state    models.OfferState
}

type task struct {
	cancel    context.CancelFunc
	signals   chan signal
	done      chan struct{}
	cancelled atomic.Bool
}

type Sequencer struct {
	store  storage.RecordStore
	sender Sender
	rides  RideCreator
	events events.Publisher
	logger *slog.Logger
	cfg    Config

	Clock func() time.Time
	NewID func() string

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*task
}

func NewSequencer(store storage.RecordStore, sender Sender, rides RideCreator, pub events.Publisher, cfg Config, logger *slog.Logger) *Sequencer {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Sequencer{
		store:  store,
		sender: sender,
		rides:  rides,
		events: pub,
		logger: logger,
		cfg:    cfg.withDefaults(),
		Clock:  time.Now,
		NewID:  uuid.NewString,
		base:   base,
		stop:   stop,
		tasks:  make(map[string]*task),
	}
}

func (s *Sequencer) now() time.Time { return s.Clock().UTC() }

// Submit persists req and, when there is anyone to ask, starts its offer
// loop. With no candidates the request is stored as exhausted with
// emptyReason. The stored request is returned.
func (s *Sequencer) Submit(ctx context.Context, req models.RideRequest, candidates []models.DriverCandidate, emptyReason string) (models.RideRequest, error) {
	candidates = dedupe(candidates)
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.now()
	}
	req.State = models.RequestAwaitingOffers
	if len(candidates) == 0 {
		req.State = models.RequestExhausted
		req.Reason = emptyReason
	}
	doc, err := storage.Encode(req)
	if err != nil {
		return models.RideRequest{}, err
	}
	if err := s.store.Set(ctx, models.CollectionRideRequests, req.RideID, doc); err != nil {
		return models.RideRequest{}, apperr.Dependency(err, "store ride request %s", req.RideID)
	}
	s.publish(ctx, events.Event{Type: events.RideRequested, RideID: req.RideID, RiderID: req.RiderID,
		Data: map[string]any{"candidates": len(candidates), "vehicleClass": req.VehicleClass}})

	if len(candidates) == 0 {
		observability.DispatchOutcomes.WithLabelValues(emptyReason).Inc()
		return req, nil
	}
	s.start(req, candidates)
	return req, nil
}

func (s *Sequencer) start(req models.RideRequest, candidates []models.DriverCandidate) {
	ctx, cancel := context.WithCancel(s.base)
	t := &task{cancel: cancel, signals: make(chan signal, 8), done: make(chan struct{})}

	s.mu.Lock()
	s.tasks[req.RideID] = t
	s.mu.Unlock()

	observability.ActiveDispatches.Inc()
	s.wg.Add(1)
	go func() {
		defer func() {
			s.mu.Lock()
			if s.tasks[req.RideID] == t {
				delete(s.tasks, req.RideID)
			}
			s.mu.Unlock()
			cancel()
			observability.ActiveDispatches.Dec()
			close(t.done)
			s.wg.Done()
		}()
		s.run(ctx, t, req, candidates)
	}()
}

// Done is closed once the local loop for rideID has finished. It is
// already closed when no loop runs here.
func (s *Sequencer) Done(rideID string) <-chan struct{} {
	s.mu.Lock()
	t := s.tasks[rideID]
	s.mu.Unlock()
	if t == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return t.done
}

// Close stops every local loop and waits for them. Requests still
// awaiting offers are marked exhausted.
func (s *Sequencer) Close() {
	s.stop()
	s.wg.Wait()
}

func (s *Sequencer) run(ctx context.Context, t *task, req models.RideRequest, candidates []models.DriverCandidate) {
	var lastIssued time.Time
	for i, c := range candidates {
		if i > 0 {
			if err := s.pace(ctx, lastIssued); err != nil {
				s.stopped(t, req)
				return
			}
		}
		current, err := s.loadRequest(ctx, req.RideID)
		if err != nil {
			if ctx.Err() != nil {
				s.stopped(t, req)
				return
			}
			s.logger.Error("reload ride request failed", "ride_id", req.RideID, "error", err)
			s.exhaust(req, models.ReasonNoDriversAccepted)
			return
		}
		if current.State != models.RequestAwaitingOffers {
			return
		}

		state, issued, err := s.offer(ctx, t, req, c)
		lastIssued = issued
		switch {
		case err != nil && ctx.Err() != nil:
			s.stopped(t, req)
			return
		case err != nil:
			s.logger.Error("offer failed", "ride_id", req.RideID, "driver_id", c.DriverID, "error", err)
		case state == models.OfferAccepted:
			left, err := s.awaitClaim(ctx, t, req.RideID, c.DriverID)
			if err != nil && ctx.Err() != nil {
				s.stopped(t, req)
				return
			}
			if err != nil {
				s.logger.Error("follow accepted offer failed", "ride_id", req.RideID, "driver_id", c.DriverID, "error", err)
			}
			if left {
				return
			}
		}
	}
	s.exhaust(req, models.ReasonNoDriversAccepted)
}

// awaitClaim follows an accepted offer until its claim on the request
// lands or is revoked. It reports whether the request left
// awaiting_offers. No other driver is offered the ride meanwhile.
func (s *Sequencer) awaitClaim(ctx context.Context, t *task, rideID, driverID string) (bool, error) {
	deadline := time.NewTimer(s.cfg.ClaimWait)
	defer deadline.Stop()
	poll := time.NewTicker(claimPollInterval)
	defer poll.Stop()
	for {
		req, err := s.loadRequest(ctx, rideID)
		if err != nil {
			return false, err
		}
		if req.State != models.RequestAwaitingOffers {
			return true, nil
		}
		// The accept path only moves the offer off accepted after its
		// request write failed, so a revoked offer means the claim is lost.
		o, err := s.loadOffer(ctx, rideID, driverID)
		if errors.Is(err, apperr.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if o.State != models.OfferAccepted {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-t.signals:
		case <-poll.C:
		case <-deadline.C:
			return s.abandonClaim(ctx, rideID, driverID)
		}
	}
}

// abandonClaim expires an accepted offer whose claim never resolved.
func (s *Sequencer) abandonClaim(ctx context.Context, rideID, driverID string) (bool, error) {
	key := models.OfferKey(rideID, driverID)
	err := s.store.ConditionalUpdate(ctx, models.CollectionOffers, key, "state", string(models.OfferAccepted), storage.Doc{
		"state":  string(models.OfferExpired),
		"reason": models.ReasonClaimTimeout,
	})
	switch {
	case err == nil:
		s.logger.Warn("accepted offer never claimed the ride, moving on", "ride_id", rideID, "driver_id", driverID)
		return false, nil
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
	default:
		return false, apperr.Dependency(err, "expire accepted offer %s", key)
	}
	req, err := s.loadRequest(ctx, rideID)
	if err != nil {
		return false, err
	}
	return req.State != models.RequestAwaitingOffers, nil
}

func (s *Sequencer) pace(ctx context.Context, last time.Time) error {
	wait := s.cfg.MinOfferSpacing - s.now().Sub(last)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// offer issues one offer and blocks until it settles. The returned state is
// whatever the store holds once the race is over.
func (s *Sequencer) offer(ctx context.Context, t *task, req models.RideRequest, c models.DriverCandidate) (models.OfferState, time.Time, error) {
	issued := s.now()
	o := models.Offer{
		RideID:       req.RideID,
		DriverID:     c.DriverID,
		VehicleClass: c.VehicleClass,
		IssuedAt:     issued,
		ExpiresAt:    issued.Add(s.cfg.OfferTimeout),
		State:        models.OfferPending,
	}
	key := models.OfferKey(o.RideID, o.DriverID)
	doc, err := storage.Encode(o)
	if err != nil {
		return "", issued, err
	}
	if err := s.store.Set(ctx, models.CollectionOffers, key, doc); err != nil {
		return "", issued, apperr.Dependency(err, "store offer %s", key)
	}
	observability.OffersIssued.Inc()
	s.publish(ctx, events.Event{Type: events.OfferIssued, RideID: o.RideID, RiderID: req.RiderID, DriverID: o.DriverID,
		Data: map[string]any{"expiresAt": o.ExpiresAt, "distanceMeters": c.DistanceMeters}})
	s.logger.Info("offer issued", "ride_id", o.RideID, "driver_id", o.DriverID, "expires_at", o.ExpiresAt)

	if err := s.sender.SendOffer(ctx, o, req, c); err != nil {
		if ctx.Err() != nil {
			return "", issued, ctx.Err()
		}
		s.logger.Warn("offer delivery failed, skipping driver", "ride_id", o.RideID, "driver_id", o.DriverID, "error", err)
		state, err := s.settle(ctx, o, models.OfferRejected, models.ReasonDeliveryFailed)
		return state, issued, err
	}

	timer := time.NewTimer(s.cfg.OfferTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", issued, ctx.Err()
		case sig := <-t.signals:
			if sig.driverID == o.DriverID {
				return sig.state, issued, nil
			}
		case <-timer.C:
			state, err := s.settle(ctx, o, models.OfferExpired, models.ReasonOfferTimeout)
			return state, issued, err
		}
	}
}

// settle moves a pending offer to state. If someone else settled it first,
// their state is returned instead.
func (s *Sequencer) settle(ctx context.Context, o models.Offer, state models.OfferState, reason string) (models.OfferState, error) {
	key := models.OfferKey(o.RideID, o.DriverID)
	err := s.store.ConditionalUpdate(ctx, models.CollectionOffers, key, "state", string(models.OfferPending), storage.Doc{
		"state":       string(state),
		"reason":      reason,
		"respondedAt": s.now(),
	})
	switch {
	case err == nil:
		observability.OfferOutcomes.WithLabelValues(string(state)).Inc()
		s.publish(ctx, events.Event{Type: events.OfferResolved, RideID: o.RideID, DriverID: o.DriverID, Reason: reason,
			Data: map[string]any{"state": string(state)}})
		return state, nil
	case errors.Is(err, storage.ErrConflict):
		current, err := s.loadOffer(ctx, o.RideID, o.DriverID)
		if err != nil {
			return models.OfferExpired, nil
		}
		return current.State, nil
	case errors.Is(err, storage.ErrNotFound):
		return models.OfferExpired, nil
	default:
		return "", apperr.Dependency(err, "settle offer %s", key)
	}
}

// Respond records a driver's answer to their pending offer.
func (s *Sequencer) Respond(ctx context.Context, rideID, driverID string, accept bool) (Response, error) {
	if rideID == "" || driverID == "" {
		return Response{}, apperr.Validation("ride id and driver id are required")
	}
	req, err := s.loadRequest(ctx, rideID)
	if err != nil {
		return Response{}, err
	}
	o, err := s.loadOffer(ctx, rideID, driverID)
	if err != nil {
		return Response{}, err
	}
	if req.State != models.RequestAwaitingOffers {
		return Response{Reason: models.ReasonRideNoLongerAvailable}, nil
	}
	if !accept {
		return s.reject(ctx, o)
	}
	return s.accept(ctx, req, o)
}

func (s *Sequencer) reject(ctx context.Context, o models.Offer) (Response, error) {
	key := models.OfferKey(o.RideID, o.DriverID)
	err := s.store.ConditionalUpdate(ctx, models.CollectionOffers, key, "state", string(models.OfferPending), storage.Doc{
		"state":       string(models.OfferRejected),
		"reason":      models.ReasonDriverRejected,
		"respondedAt": s.now(),
	})
	switch {
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
		return Response{Reason: models.ReasonOfferNotPending}, nil
	case err != nil:
		return Response{}, apperr.Dependency(err, "reject offer %s", key)
	}
	observability.OfferOutcomes.WithLabelValues(string(models.OfferRejected)).Inc()
	s.publish(ctx, events.Event{Type: events.OfferResolved, RideID: o.RideID, DriverID: o.DriverID, Reason: models.ReasonDriverRejected,
		Data: map[string]any{"state": string(models.OfferRejected)}})
	s.signal(o.RideID, signal{driverID: o.DriverID, state: models.OfferRejected})
	return Response{}, nil
}

func (s *Sequencer) accept(ctx context.Context, req models.RideRequest, o models.Offer) (Response, error) {
	key := models.OfferKey(o.RideID, o.DriverID)
	now := s.now()
	err := s.store.ConditionalUpdate(ctx, models.CollectionOffers, key, "state", string(models.OfferPending), storage.Doc{
		"state":       string(models.OfferAccepted),
		"respondedAt": now,
	})
	switch {
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
		observability.ClaimConflicts.Inc()
		return Response{Reason: models.ReasonRideNoLongerAvailable}, nil
	case err != nil:
		return Response{}, apperr.Dependency(err, "accept offer %s", key)
	}

	confirmedID := s.NewID()
	ride := models.Ride{
		RideID:          req.RideID,
		ConfirmedRideID: confirmedID,
		RiderID:         req.RiderID,
		DriverID:        o.DriverID,
		Status:          models.RideDriverAccepted,
		PickupLocation:  req.Pickup,
		DropLocation:    req.Destination,
		VehicleClass:    firstNonEmpty(o.VehicleClass, req.VehicleClass),
		EstimatedFare:   req.EstimatedFare,
		CreatedAt:       now,
	}
	// Ride first: a resolved request always points at a readable ride.
	if err := s.createRide(ctx, ride); err != nil {
		s.revokeAccept(o, models.ReasonRideCreateFailed)
		return Response{}, err
	}

	err = s.store.ConditionalUpdate(ctx, models.CollectionRideRequests, req.RideID, "state", string(models.RequestAwaitingOffers), storage.Doc{
		"state":           string(models.RequestResolved),
		"driverId":        o.DriverID,
		"confirmedRideId": confirmedID,
		"resolvedAt":      now,
	})
	if err != nil {
		s.discardRide(confirmedID)
		s.revokeAccept(o, models.ReasonRideNoLongerAvailable)
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			observability.ClaimConflicts.Inc()
			s.logger.Info("accept lost the claim", "ride_id", req.RideID, "driver_id", o.DriverID)
			return Response{Reason: models.ReasonRideNoLongerAvailable}, nil
		}
		return Response{}, apperr.Dependency(err, "claim ride request %s", req.RideID)
	}
	observability.OfferOutcomes.WithLabelValues(string(models.OfferAccepted)).Inc()
	observability.DispatchOutcomes.WithLabelValues(string(models.RequestResolved)).Inc()
	observability.DispatchLatency.Observe(now.Sub(req.CreatedAt).Seconds())

	s.clearPending(ctx, req.RideID, o.DriverID)

	s.signal(req.RideID, signal{driverID: o.DriverID, state: models.OfferAccepted})
	s.publish(ctx, events.Event{Type: events.RideAccepted, RideID: req.RideID, ConfirmedRideID: confirmedID,
		RiderID: req.RiderID, DriverID: o.DriverID})
	s.logger.Info("ride claimed", "ride_id", req.RideID, "driver_id", o.DriverID, "confirmed_ride_id", confirmedID)
	s.notifyRider(ctx, req.RiderID, dispatch.Message{
		Title: "Driver on the way",
		Body:  "A driver accepted your ride",
		Data: map[string]string{
			"type":              "ride_accepted",
			"ride_id":           req.RideID,
			"confirmed_ride_id": confirmedID,
			"driver_id":         o.DriverID,
		},
	})
	return Response{Accepted: true, ConfirmedRideID: confirmedID}, nil
}

func (s *Sequencer) createRide(ctx context.Context, ride models.Ride) error {
	var err error
	for attempt := 1; attempt <= createRideAttempts; attempt++ {
		if err = s.rides.Create(ctx, ride); err == nil {
			return nil
		}
		s.logger.Warn("create ride failed", "confirmed_ride_id", ride.ConfirmedRideID, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return apperr.Dependency(err, "create ride %s", ride.ConfirmedRideID)
}

func (s *Sequencer) discardRide(confirmedRideID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.rides.Discard(ctx, confirmedRideID); err != nil {
		s.logger.Error("discard unclaimed ride failed", "confirmed_ride_id", confirmedRideID, "error", err)
	}
}

// revokeAccept expires an offer whose accept did not win the request.
func (s *Sequencer) revokeAccept(o models.Offer, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	key := models.OfferKey(o.RideID, o.DriverID)
	err := s.store.ConditionalUpdate(ctx, models.CollectionOffers, key, "state", string(models.OfferAccepted), storage.Doc{
		"state":  string(models.OfferExpired),
		"reason": reason,
	})
	if err != nil && !errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("revoke accepted offer failed", "ride_id", o.RideID, "driver_id", o.DriverID, "error", err)
	}
	s.signal(o.RideID, signal{driverID: o.DriverID, state: models.OfferExpired})
}

// clearPending deletes every pending offer for rideID except keep's.
func (s *Sequencer) clearPending(ctx context.Context, rideID, keep string) {
	docs, err := s.store.Query(ctx, models.CollectionOffers, "rideId", rideID)
	if err != nil {
		s.logger.Warn("list offers failed", "ride_id", rideID, "error", err)
		return
	}
	for _, d := range docs {
		var o models.Offer
		if err := storage.Decode(d, &o); err != nil || o.DriverID == keep || o.State != models.OfferPending {
			continue
		}
		if err := s.store.Delete(ctx, models.CollectionOffers, models.OfferKey(rideID, o.DriverID)); err != nil {
			s.logger.Warn("delete pending offer failed", "ride_id", rideID, "driver_id", o.DriverID, "error", err)
		}
	}
}

// Cancel withdraws a request on behalf of its rider. If the request was
// already claimed, the resolved request comes back so the caller can cancel
// the confirmed ride.
func (s *Sequencer) Cancel(ctx context.Context, rideID, riderID string) (models.RideRequest, error) {
	for attempt := 0; attempt < 3; attempt++ {
		req, err := s.loadRequest(ctx, rideID)
		if err != nil {
			return models.RideRequest{}, err
		}
		if riderID != "" && req.RiderID != riderID {
			return models.RideRequest{}, apperr.NotFound("ride request %s", rideID)
		}
		if req.State != models.RequestAwaitingOffers {
			return req, nil
		}
		err = s.store.ConditionalUpdate(ctx, models.CollectionRideRequests, rideID, "state", string(models.RequestAwaitingOffers), storage.Doc{
			"state":  string(models.RequestCancelled),
			"reason": models.ReasonRiderCancelled,
		})
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return models.RideRequest{}, apperr.Dependency(err, "cancel ride request %s", rideID)
		}

		s.stopTask(rideID)
		s.expirePending(ctx, rideID)
		observability.DispatchOutcomes.WithLabelValues(string(models.RequestCancelled)).Inc()
		s.publish(ctx, events.Event{Type: events.RideRequestCancelled, RideID: rideID, RiderID: req.RiderID, Reason: models.ReasonRiderCancelled})
		req.State = models.RequestCancelled
		req.Reason = models.ReasonRiderCancelled
		return req, nil
	}
	return models.RideRequest{}, apperr.Conflict("request_state_changed", "ride request %s keeps changing", rideID)
}

func (s *Sequencer) stopTask(rideID string) {
	s.mu.Lock()
	t := s.tasks[rideID]
	s.mu.Unlock()
	if t == nil {
		return
	}
	t.cancelled.Store(true)
	t.cancel()
}

func (s *Sequencer) expirePending(ctx context.Context, rideID string) {
	docs, err := s.store.Query(ctx, models.CollectionOffers, "rideId", rideID)
	if err != nil {
		s.logger.Warn("list offers failed", "ride_id", rideID, "error", err)
		return
	}
	for _, d := range docs {
		var o models.Offer
		if err := storage.Decode(d, &o); err != nil || o.State != models.OfferPending {
			continue
		}
		if _, err := s.settle(ctx, o, models.OfferExpired, models.ReasonRiderCancelled); err != nil {
			s.logger.Warn("expire offer failed", "ride_id", rideID, "driver_id", o.DriverID, "error", err)
		}
	}
}

// GetRequest returns the stored request.
func (s *Sequencer) GetRequest(ctx context.Context, rideID string) (models.RideRequest, error) {
	return s.loadRequest(ctx, rideID)
}

// stopped handles a loop interrupted by cancellation or shutdown. A rider
// cancel has already written its state; shutdown leaves the request to be
// exhausted so the rider is not left waiting.
func (s *Sequencer) stopped(t *task, req models.RideRequest) {
	if t.cancelled.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	s.expirePending(ctx, req.RideID)
	s.exhaust(req, models.ReasonDispatcherStopped)
}

func (s *Sequencer) exhaust(req models.RideRequest, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	err := s.store.ConditionalUpdate(ctx, models.CollectionRideRequests, req.RideID, "state", string(models.RequestAwaitingOffers), storage.Doc{
		"state":  string(models.RequestExhausted),
		"reason": reason,
	})
	if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Error("mark ride request exhausted failed", "ride_id", req.RideID, "error", err)
		return
	}
	observability.DispatchOutcomes.WithLabelValues(reason).Inc()
	s.publish(ctx, events.Event{Type: events.RideExhausted, RideID: req.RideID, RiderID: req.RiderID, Reason: reason})
	s.logger.Info("ride request exhausted", "ride_id", req.RideID, "reason", reason)
	s.notifyRider(ctx, req.RiderID, dispatch.Message{
		Title: "No drivers available",
		Body:  "No driver accepted your ride. Please try again.",
		Data:  map[string]string{"type": "ride_exhausted", "ride_id": req.RideID, "reason": reason},
	})
}

func (s *Sequencer) notifyRider(ctx context.Context, riderID string, msg dispatch.Message) {
	if err := s.sender.NotifyUser(ctx, riderID, msg); err != nil {
		s.logger.Warn("rider notification failed", "rider_id", riderID, "type", msg.Data["type"], "error", err)
	}
}

func (s *Sequencer) signal(rideID string, sig signal) {
	s.mu.Lock()
	t := s.tasks[rideID]
	s.mu.Unlock()
	if t == nil {
		return
	}
	select {
	case t.signals <- sig:
	default:
	}
}

func (s *Sequencer) loadRequest(ctx context.Context, rideID string) (models.RideRequest, error) {
	if rideID == "" {
		return models.RideRequest{}, apperr.Validation("ride id is required")
	}
	doc, err := s.store.Get(ctx, models.CollectionRideRequests, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.RideRequest{}, apperr.NotFound("ride request %s", rideID)
	}
	if err != nil {
		return models.RideRequest{}, apperr.Dependency(err, "load ride request %s", rideID)
	}
	var req models.RideRequest
	if err := storage.Decode(doc, &req); err != nil {
		return models.RideRequest{}, apperr.Dependency(err, "decode ride request %s", rideID)
	}
	return req, nil
}

func (s *Sequencer) loadOffer(ctx context.Context, rideID, driverID string) (models.Offer, error) {
	key := models.OfferKey(rideID, driverID)
	doc, err := s.store.Get(ctx, models.CollectionOffers, key)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Offer{}, apperr.NotFound("no offer for driver %s on ride %s", driverID, rideID)
	}
	if err != nil {
		return models.Offer{}, apperr.Dependency(err, "load offer %s", key)
	}
	var o models.Offer
	if err := storage.Decode(doc, &o); err != nil {
		return models.Offer{}, apperr.Dependency(err, "decode offer %s", key)
	}
	return o, nil
}

func (s *Sequencer) publish(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = s.now()
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.Warn("publish event failed", "type", e.Type, "ride_id", e.RideID, "error", err)
	}
}

func dedupe(in []models.DriverCandidate) []models.DriverCandidate {
	seen := make(map[string]struct{}, len(in))
	out := make([]models.DriverCandidate, 0, len(in))
	for _, c := range in {
		if c.DriverID == "" {
			continue
		}
		if _, ok := seen[c.DriverID]; ok {
			continue
		}
		seen[c.DriverID] = struct{}{}
		out = append(out, c)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
