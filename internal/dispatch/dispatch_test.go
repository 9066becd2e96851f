package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]Message
	err  error
}

func (r *recordingNotifier) Send(_ context.Context, token string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.sent == nil {
		r.sent = make(map[string][]Message)
	}
	r.sent[token] = append(r.sent[token], msg)
	return nil
}

func TestFCMNotifierPostsMessage(t *testing.T) {
	var got map[string]map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewFCMNotifier(srv.URL, "secret")
	err := n.Send(context.Background(), "tok-1", Message{Title: "hi", Data: map[string]string{"ride_id": "r1"}})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "tok-1", got["message"]["token"])
	assert.Equal(t, map[string]any{"ride_id": "r1"}, got["message"]["data"])
}

func TestFCMNotifierFailsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unregistered token", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewFCMNotifier(srv.URL, "").Send(context.Background(), "tok-1", Message{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestFallbackUsesPushWithoutSession(t *testing.T) {
	push := &recordingNotifier{}
	f := NewFallbackNotifier(NewWSRegistry(), push)

	require.NoError(t, f.Send(context.Background(), "tok-1", Message{Title: "x"}))
	assert.Len(t, push.sent["tok-1"], 1)

	push.err = errors.New("push down")
	err := f.Send(context.Background(), "tok-1", Message{})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestWSRegistryDeliversToConnectedDevice(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add(r.URL.Query().Get("token"), conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=tok-9"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return reg.Connected("tok-9") }, time.Second, 10*time.Millisecond)
	f := NewFallbackNotifier(reg, nil)
	require.NoError(t, f.Send(context.Background(), "tok-9", Message{Data: map[string]string{"type": "ride_offer"}}))

	var msg Message
	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, client.ReadJSON(&msg))
	assert.Equal(t, "ride_offer", msg.Data["type"])

	_ = client.Close()
	require.Eventually(t, func() bool { return !reg.Connected("tok-9") }, time.Second, 10*time.Millisecond)
}

func TestOfferDispatcherResolvesToken(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	push := &recordingNotifier{}
	d := NewOfferDispatcher(st, push, nil)

	offer := models.Offer{RideID: "r1", DriverID: "d1", ExpiresAt: time.Unix(1700000000, 0)}
	req := models.RideRequest{RideID: "r1", Pickup: models.Coordinate{Latitude: 1, Longitude: 2}}
	cand := models.DriverCandidate{DriverID: "d1", DistanceMeters: 1500, VehicleClass: "car"}

	err := d.SendOffer(ctx, offer, req, cand)
	assert.ErrorIs(t, err, ErrNoDeviceToken)

	require.NoError(t, RegisterDeviceToken(ctx, st, "d1", "tok-d1"))
	require.NoError(t, d.SendOffer(ctx, offer, req, cand))
	require.Len(t, push.sent["tok-d1"], 1)
	data := push.sent["tok-d1"][0].Data
	assert.Equal(t, "ride_offer", data["type"])
	assert.Equal(t, "r1", data["ride_id"])
	assert.Equal(t, "1500", data["distance_m"])
	assert.Equal(t, "2023-11-14T22:13:20Z", data["expires_at"])
}
