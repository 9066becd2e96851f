package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	DefaultMaxRadiusMeters = 5000
	DefaultMaxResults      = 5
)

type Options struct {
	MaxRadiusMeters float64
	MaxResults      int
}

// Selection is the ranked candidate list. Reason names the stage that
// emptied the set when Candidates is empty.
type Selection struct {
	Candidates []models.DriverCandidate
	Reason     string
}

type Service struct {
	Store    storage.RecordStore
	Logger   *slog.Logger
	Defaults Options
}

func NewService(store storage.RecordStore, logger *slog.Logger, defaults Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Store: store, Logger: logger, Defaults: defaults}
}

func (s *Service) options(o Options) Options {
	if o.MaxRadiusMeters <= 0 {
		o.MaxRadiusMeters = s.Defaults.MaxRadiusMeters
	}
	if o.MaxRadiusMeters <= 0 {
		o.MaxRadiusMeters = DefaultMaxRadiusMeters
	}
	if o.MaxResults <= 0 {
		o.MaxResults = s.Defaults.MaxResults
	}
	if o.MaxResults <= 0 {
		o.MaxResults = DefaultMaxResults
	}
	return o
}

// SelectCandidates returns drivers that are active, approved and
// payment-eligible, located within the radius of pickup and, when
// vehicleClass is set, driving that class. Nearest first.
func (s *Service) SelectCandidates(ctx context.Context, pickup models.Coordinate, vehicleClass string, opts Options) (Selection, error) {
	opts = s.options(opts)
	sel, err := s.selectCandidates(ctx, pickup, strings.TrimSpace(vehicleClass), opts)
	if err != nil {
		return Selection{}, err
	}
	outcome := sel.Reason
	if outcome == "" {
		outcome = "ok"
	}
	observability.CandidateSelections.WithLabelValues(outcome).Inc()
	s.Logger.Debug("candidates selected", "count", len(sel.Candidates), "reason", sel.Reason, "vehicle_class", vehicleClass)
	return sel, nil
}

func (s *Service) selectCandidates(ctx context.Context, pickup models.Coordinate, vehicleClass string, opts Options) (Selection, error) {
	drivers, err := s.eligibleDrivers(ctx)
	if err != nil {
		return Selection{}, err
	}
	if len(drivers) == 0 {
		return Selection{Reason: models.ReasonNoActiveDrivers}, nil
	}

	located := drivers[:0]
	for _, d := range drivers {
		if d.Location == nil || d.Location.Validate() != nil {
			continue
		}
		located = append(located, d)
	}
	if len(located) == 0 {
		return Selection{Reason: models.ReasonNoLocatedDrivers}, nil
	}

	inRadius := make([]models.DriverCandidate, 0, len(located))
	for _, d := range located {
		dist := geo.Distance(pickup, *d.Location)
		if dist > opts.MaxRadiusMeters {
			continue
		}
		inRadius = append(inRadius, models.DriverCandidate{
			DriverID:        d.DriverID,
			CurrentLocation: *d.Location,
			VehicleClass:    d.VehicleClass,
			DistanceMeters:  dist,
		})
	}
	if len(inRadius) == 0 {
		return Selection{Reason: models.ReasonNoDriversInRadius}, nil
	}

	matching := inRadius[:0]
	for _, c := range inRadius {
		if c.VehicleClass == "" {
			class, err := s.vehicleClass(ctx, c.DriverID)
			if err != nil {
				return Selection{}, err
			}
			c.VehicleClass = class
		}
		if vehicleClass != "" && !strings.EqualFold(c.VehicleClass, vehicleClass) {
			continue
		}
		c.Eligible = true
		matching = append(matching, c)
	}
	if len(matching) == 0 {
		return Selection{Reason: models.ReasonNoMatchingVehicleClass}, nil
	}

	sort.SliceStable(matching, func(i, j int) bool {
		if matching[i].DistanceMeters != matching[j].DistanceMeters {
			return matching[i].DistanceMeters < matching[j].DistanceMeters
		}
		return matching[i].DriverID < matching[j].DriverID
	})
	if len(matching) > opts.MaxResults {
		matching = matching[:opts.MaxResults]
	}
	return Selection{Candidates: matching}, nil
}

// eligibleDrivers intersects the three flag queries by driver id.
func (s *Service) eligibleDrivers(ctx context.Context) ([]models.Driver, error) {
	active, err := s.Store.Query(ctx, models.CollectionDrivers, "active", true)
	if err != nil {
		return nil, apperr.Dependency(err, "query active drivers")
	}
	approved, err := s.driverIDs(ctx, "approved")
	if err != nil {
		return nil, err
	}
	paid, err := s.driverIDs(ctx, "paymentEligible")
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(active))
	for _, doc := range active {
		var d models.Driver
		if err := storage.Decode(doc, &d); err != nil {
			s.Logger.Warn("skipping undecodable driver", "error", err)
			continue
		}
		if d.DriverID == "" || !approved[d.DriverID] || !paid[d.DriverID] {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Service) driverIDs(ctx context.Context, flag string) (map[string]bool, error) {
	docs, err := s.Store.Query(ctx, models.CollectionDrivers, flag, true)
	if err != nil {
		return nil, apperr.Dependency(err, "query %s drivers", flag)
	}
	ids := make(map[string]bool, len(docs))
	for _, doc := range docs {
		if id, ok := doc["driverId"].(string); ok {
			ids[id] = true
		}
	}
	return ids, nil
}

func (s *Service) vehicleClass(ctx context.Context, driverID string) (string, error) {
	doc, err := s.Store.Get(ctx, models.CollectionVehicles, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Dependency(err, "load vehicle for driver %s", driverID)
	}
	var v models.Vehicle
	if err := storage.Decode(doc, &v); err != nil {
		return "", nil
	}
	return v.VehicleClass, nil
}
