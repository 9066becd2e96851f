package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoordinateValidate(t *testing.T) {
	assert.NoError(t, Coordinate{Latitude: 12.97, Longitude: 77.59}.Validate())
	assert.Error(t, Coordinate{Latitude: math.NaN(), Longitude: 0}.Validate())
	assert.Error(t, Coordinate{Latitude: 91, Longitude: 0}.Validate())
	assert.Error(t, Coordinate{Latitude: 0, Longitude: -180.5}.Validate())
}

func TestRideStatusTerminal(t *testing.T) {
	assert.True(t, RideEnded.Terminal())
	assert.True(t, RideCancelled.Terminal())
	assert.False(t, RideStarted.Terminal())
	assert.False(t, RideDriverAccepted.Terminal())
}
