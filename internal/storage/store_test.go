package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTestStore(t *testing.T) RecordStore {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return NewRedisStoreFromClient(c, "test")
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) RecordStore { return NewMemoryStore() })
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, newRedisTestStore)
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) RecordStore) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "rides", "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set and get", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "drivers", "d1", Doc{"driverId": "d1", "active": true, "seats": 4}))
		d, err := s.Get(ctx, "drivers", "d1")
		require.NoError(t, err)
		assert.Equal(t, "d1", d["driverId"])
		assert.Equal(t, true, d["active"])
		assert.Equal(t, float64(4), d["seats"])
	})

	t.Run("query by equality", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "drivers", "d1", Doc{"driverId": "d1", "active": true}))
		require.NoError(t, s.Set(ctx, "drivers", "d2", Doc{"driverId": "d2", "active": false}))
		require.NoError(t, s.Set(ctx, "drivers", "d3", Doc{"driverId": "d3", "active": true}))
		require.NoError(t, s.Set(ctx, "vehicles", "d2", Doc{"active": true}))

		docs, err := s.Query(ctx, "drivers", "active", true)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "d1", docs[0]["driverId"])
		assert.Equal(t, "d3", docs[1]["driverId"])

		empty, err := s.Query(ctx, "missing", "active", true)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("update merges", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "rides", "r1", Doc{"status": "started", "riderId": "u1"}))
		require.NoError(t, s.Update(ctx, "rides", "r1", Doc{"status": "ended"}))
		d, err := s.Get(ctx, "rides", "r1")
		require.NoError(t, err)
		assert.Equal(t, "ended", d["status"])
		assert.Equal(t, "u1", d["riderId"])

		assert.ErrorIs(t, s.Update(ctx, "rides", "r2", Doc{"status": "ended"}), ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "offers", "r1/d1", Doc{"state": "pending"}))
		require.NoError(t, s.Delete(ctx, "offers", "r1/d1"))
		_, err := s.Get(ctx, "offers", "r1/d1")
		assert.ErrorIs(t, err, ErrNotFound)
		docs, err := s.Query(ctx, "offers", "state", "pending")
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("conditional update", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "rideRequests", "r1", Doc{"state": "awaiting_offers"}))

		err := s.ConditionalUpdate(ctx, "rideRequests", "r1", "state", "awaiting_offers",
			Doc{"state": "resolved", "driverId": "d1"})
		require.NoError(t, err)

		err = s.ConditionalUpdate(ctx, "rideRequests", "r1", "state", "awaiting_offers",
			Doc{"state": "resolved", "driverId": "d2"})
		assert.ErrorIs(t, err, ErrConflict)

		d, err := s.Get(ctx, "rideRequests", "r1")
		require.NoError(t, err)
		assert.Equal(t, "d1", d["driverId"])

		err = s.ConditionalUpdate(ctx, "rideRequests", "r9", "state", "awaiting_offers", Doc{"state": "resolved"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent conditional update has one winner", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "rideRequests", "r1", Doc{"state": "awaiting_offers"}))

		const racers = 20
		var wins, conflicts int32
		var wg sync.WaitGroup
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.ConditionalUpdate(ctx, "rideRequests", "r1", "state", "awaiting_offers",
					Doc{"state": "resolved", "winner": i})
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				case errors.Is(err, ErrConflict):
					atomic.AddInt32(&conflicts, 1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
		assert.Equal(t, int32(racers-1), conflicts)
	})
}

func TestEncodeDecodeStruct(t *testing.T) {
	type point struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	type rec struct {
		ID       string `json:"id"`
		Location *point `json:"location,omitempty"`
	}
	d, err := Encode(rec{ID: "d1", Location: &point{Latitude: 1.5, Longitude: -2}})
	require.NoError(t, err)
	loc, ok := d["location"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1.5, loc["latitude"])

	var out rec
	require.NoError(t, Decode(d, &out))
	assert.Equal(t, "d1", out.ID)
	assert.Equal(t, -2.0, out.Location.Longitude)
}
