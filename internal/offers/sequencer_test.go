package offers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeSender struct {
	mu      sync.Mutex
	offers  []models.Offer
	sentAt  []time.Time
	fail    map[string]bool
	notices []dispatch.Message
	onOffer func(models.Offer)
	sent    chan string
}

func newFakeSender() *fakeSender {
	return &fakeSender{fail: map[string]bool{}, sent: make(chan string, 16)}
}

func (f *fakeSender) SendOffer(_ context.Context, o models.Offer, _ models.RideRequest, _ models.DriverCandidate) error {
	f.mu.Lock()
	f.offers = append(f.offers, o)
	f.sentAt = append(f.sentAt, time.Now())
	fail := f.fail[o.DriverID]
	hook := f.onOffer
	f.mu.Unlock()
	f.sent <- o.DriverID
	if fail {
		return errors.New("device unreachable")
	}
	if hook != nil {
		go hook(o)
	}
	return nil
}

func (f *fakeSender) NotifyUser(_ context.Context, _ string, msg dispatch.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, msg)
	return nil
}

func (f *fakeSender) noticeTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.notices))
	for _, n := range f.notices {
		out = append(out, n.Data["type"])
	}
	return out
}

func (f *fakeSender) issued() ([]models.Offer, []time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Offer(nil), f.offers...), append([]time.Time(nil), f.sentAt...)
}

// failingStore fails conditional writes on one collection.
type failingStore struct {
	storage.RecordStore
	collection string
}

func (s failingStore) ConditionalUpdate(ctx context.Context, collection, key, field string, expected any, fields storage.Doc) error {
	if collection == s.collection {
		return errors.New("connection reset")
	}
	return s.RecordStore.ConditionalUpdate(ctx, collection, key, field, expected, fields)
}

type harness struct {
	store  storage.RecordStore
	mem    *storage.MemoryStore
	sender *fakeSender
	rides  *lifecycle.Manager
	events *events.Recorder
	seq    *Sequencer
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	mem := storage.NewMemoryStore()
	return newHarnessWithStore(t, mem, mem, cfg)
}

func newHarnessWithStore(t *testing.T, mem *storage.MemoryStore, store storage.RecordStore, cfg Config) *harness {
	t.Helper()
	return newHarnessWithCreator(t, mem, store, cfg, func(c RideCreator) RideCreator { return c })
}

func newHarnessWithCreator(t *testing.T, mem *storage.MemoryStore, store storage.RecordStore, cfg Config, wrap func(RideCreator) RideCreator) *harness {
	t.Helper()
	rec := &events.Recorder{}
	h := &harness{store: store, mem: mem, sender: newFakeSender(), events: rec}
	h.rides = lifecycle.NewManager(mem, nil, rec, nil)
	h.seq = NewSequencer(store, h.sender, wrap(h.rides), rec, cfg, nil)
	t.Cleanup(h.seq.Close)
	return h
}

// brokenCreator fails to create rides for one driver.
type brokenCreator struct {
	RideCreator
	driverID string
}

func (b brokenCreator) Create(ctx context.Context, ride models.Ride) error {
	if ride.DriverID == b.driverID {
		return errors.New("ride store unavailable")
	}
	return b.RideCreator.Create(ctx, ride)
}

// slowClaimStore delays the write that resolves a ride request.
type slowClaimStore struct {
	storage.RecordStore
	delay time.Duration
}

func (s slowClaimStore) ConditionalUpdate(ctx context.Context, collection, key, field string, expected any, fields storage.Doc) error {
	if collection == models.CollectionRideRequests && fields["state"] == string(models.RequestResolved) {
		time.Sleep(s.delay)
	}
	return s.RecordStore.ConditionalUpdate(ctx, collection, key, field, expected, fields)
}

var pickup = models.Coordinate{Latitude: 12.9716, Longitude: 77.5946}

func request(id string) models.RideRequest {
	return models.RideRequest{
		RideID:        id,
		RiderID:       "rider-1",
		Pickup:        pickup,
		Destination:   models.Coordinate{Latitude: 12.99, Longitude: 77.61},
		VehicleClass:  "car",
		EstimatedFare: 86,
	}
}

func candidates(ids ...string) []models.DriverCandidate {
	out := make([]models.DriverCandidate, len(ids))
	for i, id := range ids {
		out[i] = models.DriverCandidate{DriverID: id, VehicleClass: "car", Eligible: true, DistanceMeters: float64(100 * (i + 1))}
	}
	return out
}

func waitDone(t *testing.T, s *Sequencer, rideID string) {
	t.Helper()
	select {
	case <-s.Done(rideID):
	case <-time.After(3 * time.Second):
		t.Fatalf("offer loop for %s did not finish", rideID)
	}
}

func waitSent(t *testing.T, f *fakeSender) string {
	t.Helper()
	select {
	case id := <-f.sent:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("no offer sent")
		return ""
	}
}

func offerState(t *testing.T, st storage.RecordStore, rideID, driverID string) models.Offer {
	t.Helper()
	doc, err := st.Get(context.Background(), models.CollectionOffers, models.OfferKey(rideID, driverID))
	require.NoError(t, err)
	var o models.Offer
	require.NoError(t, storage.Decode(doc, &o))
	return o
}

// seed stores an awaiting request with pending offers and no running loop.
func seed(t *testing.T, st storage.RecordStore, rideID string, drivers ...string) {
	t.Helper()
	ctx := context.Background()
	req := request(rideID)
	req.State = models.RequestAwaitingOffers
	req.CreatedAt = time.Now().UTC()
	doc, err := storage.Encode(req)
	require.NoError(t, err)
	require.NoError(t, st.Set(ctx, models.CollectionRideRequests, rideID, doc))
	for _, d := range drivers {
		doc, err := storage.Encode(models.Offer{
			RideID:    rideID,
			DriverID:  d,
			IssuedAt:  time.Now().UTC(),
			ExpiresAt: time.Now().UTC().Add(time.Minute),
			State:     models.OfferPending,
		})
		require.NoError(t, err)
		require.NoError(t, st.Set(ctx, models.CollectionOffers, models.OfferKey(rideID, d), doc))
	}
}

func TestSingleDriverAccepts(t *testing.T) {
	h := newHarness(t, Config{OfferTimeout: 2 * time.Second, MinOfferSpacing: 10 * time.Millisecond})
	responses := make(chan Response, 1)
	h.sender.onOffer = func(o models.Offer) {
		resp, err := h.seq.Respond(context.Background(), o.RideID, o.DriverID, true)
		if err == nil {
			responses <- resp
		}
	}

	req, err := h.seq.Submit(context.Background(), request("ride-1"), candidates("d1"), "")
	require.NoError(t, err)
	assert.Equal(t, models.RequestAwaitingOffers, req.State)
	waitDone(t, h.seq, "ride-1")

	var resp Response
	select {
	case resp = <-responses:
	case <-time.After(time.Second):
		t.Fatal("no response")
	}
	require.True(t, resp.Accepted)
	require.NotEmpty(t, resp.ConfirmedRideID)
	assert.NotEqual(t, "ride-1", resp.ConfirmedRideID)

	stored, err := h.seq.GetRequest(context.Background(), "ride-1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestResolved, stored.State)
	assert.Equal(t, "d1", stored.DriverID)
	assert.Equal(t, resp.ConfirmedRideID, stored.ConfirmedRideID)

	ride, err := h.rides.GetRide(context.Background(), resp.ConfirmedRideID)
	require.NoError(t, err)
	assert.Equal(t, models.RideDriverAccepted, ride.Status)
	assert.Equal(t, "d1", ride.DriverID)
	assert.Equal(t, "rider-1", ride.RiderID)
	assert.Equal(t, 86.0, ride.EstimatedFare)

	assert.Equal(t, models.OfferAccepted, offerState(t, h.store, "ride-1", "d1").State)
	assert.Contains(t, h.events.Types(), events.RideAccepted)
	assert.Contains(t, h.sender.noticeTypes(), "ride_accepted")
}

func TestConcurrentAcceptsCreateOneRide(t *testing.T) {
	h := newHarness(t, Config{})
	seed(t, h.store, "ride-2", "d1", "d2")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []Response
		lost     []Response
	)
	for i := 0; i < 10; i++ {
		driver := "d1"
		if i%2 == 1 {
			driver = "d2"
		}
		wg.Add(1)
		go func(driver string) {
			defer wg.Done()
			resp, err := h.seq.Respond(context.Background(), "ride-2", driver, true)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if resp.Accepted {
				accepted = append(accepted, resp)
			} else {
				lost = append(lost, resp)
			}
		}(driver)
	}
	wg.Wait()

	require.Len(t, accepted, 1)
	assert.Len(t, lost, 9)
	for _, r := range lost {
		assert.Equal(t, models.ReasonRideNoLongerAvailable, r.Reason)
	}

	rides, err := h.mem.Query(context.Background(), models.CollectionRides, "rideId", "ride-2")
	require.NoError(t, err)
	require.Len(t, rides, 1)
	assert.Equal(t, accepted[0].ConfirmedRideID, rides[0]["confirmedRideId"])

	stored, err := h.seq.GetRequest(context.Background(), "ride-2")
	require.NoError(t, err)
	assert.Equal(t, models.RequestResolved, stored.State)
}

func TestTimeoutAdvancesWithinSpacing(t *testing.T) {
	const (
		timeout = 40 * time.Millisecond
		spacing = 20 * time.Millisecond
	)
	h := newHarness(t, Config{OfferTimeout: timeout, MinOfferSpacing: spacing})

	_, err := h.seq.Submit(context.Background(), request("ride-3"), candidates("d1", "d2"), "")
	require.NoError(t, err)
	waitDone(t, h.seq, "ride-3")

	offers, sentAt := h.sender.issued()
	require.Len(t, offers, 2)
	assert.Equal(t, []string{"d1", "d2"}, []string{offers[0].DriverID, offers[1].DriverID})
	gap := sentAt[1].Sub(sentAt[0])
	assert.GreaterOrEqual(t, gap, timeout)
	assert.Less(t, gap, timeout+spacing+200*time.Millisecond)

	for _, d := range []string{"d1", "d2"} {
		o := offerState(t, h.store, "ride-3", d)
		assert.Equal(t, models.OfferExpired, o.State)
		assert.Equal(t, models.ReasonOfferTimeout, o.Reason)
	}

	stored, err := h.seq.GetRequest(context.Background(), "ride-3")
	require.NoError(t, err)
	assert.Equal(t, models.RequestExhausted, stored.State)
	assert.Equal(t, models.ReasonNoDriversAccepted, stored.Reason)
	assert.Contains(t, h.sender.noticeTypes(), "ride_exhausted")
	assert.Contains(t, h.events.Types(), events.RideExhausted)
}

func TestDeliveryFailureCountsAsReject(t *testing.T) {
	h := newHarness(t, Config{OfferTimeout: 2 * time.Second, MinOfferSpacing: 5 * time.Millisecond})
	h.sender.fail["d1"] = true
	h.sender.onOffer = func(o models.Offer) {
		_, _ = h.seq.Respond(context.Background(), o.RideID, o.DriverID, true)
	}

	_, err := h.seq.Submit(context.Background(), request("ride-4"), candidates("d1", "d2"), "")
	require.NoError(t, err)
	waitDone(t, h.seq, "ride-4")

	o := offerState(t, h.store, "ride-4", "d1")
	assert.Equal(t, models.OfferRejected, o.State)
	assert.Equal(t, models.ReasonDeliveryFailed, o.Reason)

	stored, err := h.seq.GetRequest(context.Background(), "ride-4")
	require.NoError(t, err)
	assert.Equal(t, models.RequestResolved, stored.State)
	assert.Equal(t, "d2", stored.DriverID)
}

func TestRejectMovesOnWithoutWaitingForTimeout(t *testing.T) {
	h := newHarness(t, Config{OfferTimeout: 5 * time.Second, MinOfferSpacing: 5 * time.Millisecond})
	h.sender.onOffer = func(o models.Offer) {
		_, _ = h.seq.Respond(context.Background(), o.RideID, o.DriverID, o.DriverID == "d2")
	}

	begin := time.Now()
	_, err := h.seq.Submit(context.Background(), request("ride-5"), candidates("d1", "d2"), "")
	require.NoError(t, err)
	waitDone(t, h.seq, "ride-5")
	assert.Less(t, time.Since(begin), 2*time.Second)

	assert.Equal(t, models.OfferRejected, offerState(t, h.store, "ride-5", "d1").State)
	stored, err := h.seq.GetRequest(context.Background(), "ride-5")
	require.NoError(t, err)
	assert.Equal(t, "d2", stored.DriverID)
}

func TestSubmitWithoutCandidatesIsExhausted(t *testing.T) {
	h := newHarness(t, Config{})

	req, err := h.seq.Submit(context.Background(), request("ride-6"), nil, models.ReasonNoDriversInRadius)
	require.NoError(t, err)
	assert.Equal(t, models.RequestExhausted, req.State)
	assert.Equal(t, models.ReasonNoDriversInRadius, req.Reason)

	select {
	case <-h.seq.Done("ride-6"):
	default:
		t.Fatal("no loop should run without candidates")
	}
	stored, err := h.seq.GetRequest(context.Background(), "ride-6")
	require.NoError(t, err)
	assert.Equal(t, models.RequestExhausted, stored.State)
}

func TestDuplicateCandidatesGetOneOffer(t *testing.T) {
	h := newHarness(t, Config{OfferTimeout: 20 * time.Millisecond, MinOfferSpacing: time.Millisecond})

	_, err := h.seq.Submit(context.Background(), request("ride-7"), candidates("d1", "d1"), "")
	require.NoError(t, err)
	waitDone(t, h.seq, "ride-7")

	offers, _ := h.sender.issued()
	assert.Len(t, offers, 1)
}

func TestCancelWhileAwaiting(t *testing.T) {
	h := newHarness(t, Config{OfferTimeout: 5 * time.Second})

	_, err := h.seq.Submit(context.Background(), request("ride-8"), candidates("d1", "d2"), "")
	require.NoError(t, err)
	assert.Equal(t, "d1", waitSent(t, h.sender))

	req, err := h.seq.Cancel(context.Background(), "ride-8", "rider-1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, req.State)
	waitDone(t, h.seq, "ride-8")

	o := offerState(t, h.store, "ride-8", "d1")
	assert.Equal(t, models.OfferExpired, o.State)
	assert.Equal(t, models.ReasonRiderCancelled, o.Reason)

	resp, err := h.seq.Respond(context.Background(), "ride-8", "d1", true)
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, models.ReasonRideNoLongerAvailable, resp.Reason)

	rides, err := h.mem.Query(context.Background(), models.CollectionRides, "rideId", "ride-8")
	require.NoError(t, err)
	assert.Empty(t, rides)

	stored, err := h.seq.GetRequest(context.Background(), "ride-8")
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, stored.State)
	offers, _ := h.sender.issued()
	assert.Len(t, offers, 1)
}

func TestCancelAfterAcceptReturnsResolved(t *testing.T) {
	h := newHarness(t, Config{})
	seed(t, h.store, "ride-9", "d1")

	resp, err := h.seq.Respond(context.Background(), "ride-9", "d1", true)
	require.NoError(t, err)
	require.True(t, resp.Accepted)

	req, err := h.seq.Cancel(context.Background(), "ride-9", "rider-1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestResolved, req.State)
	assert.Equal(t, resp.ConfirmedRideID, req.ConfirmedRideID)
}

func TestCancelByAnotherRiderIsNotFound(t *testing.T) {
	h := newHarness(t, Config{})
	seed(t, h.store, "ride-10")

	_, err := h.seq.Cancel(context.Background(), "ride-10", "someone-else")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStoreFailureDuringClaimIsDependencyError(t *testing.T) {
	mem := storage.NewMemoryStore()
	h := newHarnessWithStore(t, mem, failingStore{RecordStore: mem, collection: models.CollectionRideRequests}, Config{})
	seed(t, mem, "ride-11", "d1")

	resp, err := h.seq.Respond(context.Background(), "ride-11", "d1", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrDependency)
	assert.False(t, resp.Accepted)

	rides, err := mem.Query(context.Background(), models.CollectionRides, "rideId", "ride-11")
	require.NoError(t, err)
	assert.Empty(t, rides)
	assert.Equal(t, models.OfferExpired, offerState(t, mem, "ride-11", "d1").State)
}

func TestRespondUnknownRideOrDriver(t *testing.T) {
	h := newHarness(t, Config{})
	seed(t, h.store, "ride-12", "d1")

	_, err := h.seq.Respond(context.Background(), "nope", "d1", true)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = h.seq.Respond(context.Background(), "ride-12", "d9", true)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = h.seq.Respond(context.Background(), "", "d1", true)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRejectAfterExpiryIsNotPending(t *testing.T) {
	h := newHarness(t, Config{})
	seed(t, h.store, "ride-13", "d1")
	require.NoError(t, h.store.Update(context.Background(), models.CollectionOffers, models.OfferKey("ride-13", "d1"),
		storage.Doc{"state": string(models.OfferExpired)}))

	resp, err := h.seq.Respond(context.Background(), "ride-13", "d1", false)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonOfferNotPending, resp.Reason)
}

func TestCloseExhaustsRunningRequests(t *testing.T) {
	mem := storage.NewMemoryStore()
	rec := &events.Recorder{}
	sender := newFakeSender()
	seq := NewSequencer(mem, sender, lifecycle.NewManager(mem, nil, rec, nil), rec, Config{OfferTimeout: 5 * time.Second}, nil)

	_, err := seq.Submit(context.Background(), request("ride-14"), candidates("d1"), "")
	require.NoError(t, err)
	waitSent(t, sender)
	seq.Close()

	stored, err := seq.GetRequest(context.Background(), "ride-14")
	require.NoError(t, err)
	assert.Equal(t, models.RequestExhausted, stored.State)
	assert.Equal(t, models.ReasonDispatcherStopped, stored.Reason)
	assert.Equal(t, models.OfferExpired, offerState(t, mem, "ride-14", "d1").State)
}

func TestRideCreateFailureRevokesAcceptAndAdvances(t *testing.T) {
	mem := storage.NewMemoryStore()
	h := newHarnessWithCreator(t, mem, mem, Config{OfferTimeout: 2 * time.Second, MinOfferSpacing: 5 * time.Millisecond},
		func(c RideCreator) RideCreator { return brokenCreator{RideCreator: c, driverID: "d1"} })
	var (
		mu   sync.Mutex
		errs = map[string]error{}
	)
	h.sender.onOffer = func(o models.Offer) {
		_, err := h.seq.Respond(context.Background(), o.RideID, o.DriverID, true)
		mu.Lock()
		errs[o.DriverID] = err
		mu.Unlock()
	}

	_, err := h.seq.Submit(context.Background(), request("ride-15"), candidates("d1", "d2"), "")
	require.NoError(t, err)
	waitDone(t, h.seq, "ride-15")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 2
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, errs["d1"], apperr.ErrDependency)
	assert.NoError(t, errs["d2"])

	o := offerState(t, mem, "ride-15", "d1")
	assert.Equal(t, models.OfferExpired, o.State)
	assert.Equal(t, models.ReasonRideCreateFailed, o.Reason)

	stored, err := h.seq.GetRequest(context.Background(), "ride-15")
	require.NoError(t, err)
	assert.Equal(t, models.RequestResolved, stored.State)
	assert.Equal(t, "d2", stored.DriverID)
	ride, err := h.rides.GetRide(context.Background(), stored.ConfirmedRideID)
	require.NoError(t, err)
	assert.Equal(t, "d2", ride.DriverID)

	rides, err := mem.Query(context.Background(), models.CollectionRides, "rideId", "ride-15")
	require.NoError(t, err)
	assert.Len(t, rides, 1)
}

func TestSlowClaimHoldsBackNextOffer(t *testing.T) {
	mem := storage.NewMemoryStore()
	h := newHarnessWithStore(t, mem, slowClaimStore{RecordStore: mem, delay: 300 * time.Millisecond},
		Config{OfferTimeout: 100 * time.Millisecond, MinOfferSpacing: time.Millisecond})
	h.sender.onOffer = func(o models.Offer) {
		if o.DriverID == "d1" {
			time.Sleep(80 * time.Millisecond)
		}
		_, _ = h.seq.Respond(context.Background(), o.RideID, o.DriverID, true)
	}

	_, err := h.seq.Submit(context.Background(), request("ride-16"), candidates("d1", "d2"), "")
	require.NoError(t, err)
	waitDone(t, h.seq, "ride-16")

	offers, _ := h.sender.issued()
	require.Len(t, offers, 1)
	assert.Equal(t, "d1", offers[0].DriverID)

	stored, err := h.seq.GetRequest(context.Background(), "ride-16")
	require.NoError(t, err)
	assert.Equal(t, models.RequestResolved, stored.State)
	assert.Equal(t, "d1", stored.DriverID)
	assert.Equal(t, models.OfferAccepted, offerState(t, mem, "ride-16", "d1").State)
}

func TestAbandonedClaimLetsLoopAdvance(t *testing.T) {
	h := newHarness(t, Config{OfferTimeout: 30 * time.Millisecond, MinOfferSpacing: time.Millisecond, ClaimWait: 50 * time.Millisecond})
	h.sender.onOffer = func(o models.Offer) {
		if o.DriverID == "d1" {
			// An accept whose instance died before claiming the request.
			_ = h.store.ConditionalUpdate(context.Background(), models.CollectionOffers, models.OfferKey(o.RideID, o.DriverID),
				"state", string(models.OfferPending), storage.Doc{"state": string(models.OfferAccepted)})
		}
	}

	_, err := h.seq.Submit(context.Background(), request("ride-17"), candidates("d1", "d2"), "")
	require.NoError(t, err)
	waitDone(t, h.seq, "ride-17")

	offers, _ := h.sender.issued()
	require.Len(t, offers, 2)
	o := offerState(t, h.store, "ride-17", "d1")
	assert.Equal(t, models.OfferExpired, o.State)
	assert.Equal(t, models.ReasonClaimTimeout, o.Reason)

	stored, err := h.seq.GetRequest(context.Background(), "ride-17")
	require.NoError(t, err)
	assert.Equal(t, models.RequestExhausted, stored.State)
}
