package lifecycle

import "github.com/example/ride-dispatch/internal/models"

// allowedTransitions is the ride state flow. Nothing leaves a terminal status.
var allowedTransitions = map[models.RideStatus][]models.RideStatus{
	models.RideDriverAccepted: {models.RideStarted, models.RideCancelled},
	models.RideStarted:        {models.RideEnded},
}

func CanTransition(from, to models.RideStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
