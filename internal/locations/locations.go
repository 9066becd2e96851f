// Package locations folds driver position reports into the drivers
// collection.
package locations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var ErrInvalidReport = errors.New("invalid location report")

// Publisher forwards location reports to other consumers, e.g. Kafka.
type Publisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// Apply records loc as the driver's current position. Reports older than
// the stored one are ignored. Eligibility flags are never touched; a
// driver seen for the first time is stored without them.
func Apply(ctx context.Context, store storage.RecordStore, loc models.DriverLocation) error {
	if loc.DriverID == "" {
		return fmt.Errorf("%w: driverId is required", ErrInvalidReport)
	}
	if err := loc.Location.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = time.Now().UTC()
	}

	doc, err := store.Get(ctx, models.CollectionDrivers, loc.DriverID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fresh, err := storage.Encode(models.Driver{DriverID: loc.DriverID, Location: &loc.Location, UpdatedAt: loc.Timestamp})
		if err != nil {
			return err
		}
		return store.Set(ctx, models.CollectionDrivers, loc.DriverID, fresh)
	case err != nil:
		return fmt.Errorf("load driver %s: %w", loc.DriverID, err)
	}

	var current models.Driver
	if err := storage.Decode(doc, &current); err == nil && current.UpdatedAt.After(loc.Timestamp) {
		return nil
	}
	return store.Update(ctx, models.CollectionDrivers, loc.DriverID, storage.Doc{
		"location":  loc.Location,
		"updatedAt": loc.Timestamp,
	})
}

// ApplyWithRetry retries Apply with doubling delay between attempts.
func ApplyWithRetry(ctx context.Context, store storage.RecordStore, loc models.DriverLocation, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = Apply(ctx, store, loc); err == nil || errors.Is(err, ErrInvalidReport) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
