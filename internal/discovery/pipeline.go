// Package discovery lazily expands the geography tree. Populating a node
// fetches its children from the external geography source, then inserts
// them and flips the node's populated flag in a single atomic unit. A node
// that is already populated is never fetched again.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
	"github.com/JakeFAU/scrapefleet/internal/metrics"
	"github.com/JakeFAU/scrapefleet/internal/store"
)

const (
	levelCities = "cities"
	levelAreas  = "areas"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	store.Transactor
	store.GeoRepository
}

// Pipeline implements PopulateCities, PopulateAreas and PlanJobs.
type Pipeline struct {
	store  Store
	source fleet.GeoSource
	clock  fleet.Clock
	logger *zap.Logger
}

// NewPipeline wires a Pipeline.
func NewPipeline(s Store, source fleet.GeoSource, clock fleet.Clock, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{store: s, source: source, clock: clock, logger: logger.Named("discovery")}
}

// PopulateCities discovers the cities of a country and returns the country's
// city count. It is a no-op once the country is populated.
func (p *Pipeline) PopulateCities(ctx context.Context, countryID int64) (int, error) {
	country, err := p.store.GetCountry(ctx, countryID)
	if err != nil {
		return 0, fmt.Errorf("load country %d: %w", countryID, err)
	}
	if country.CitiesPopulated {
		metrics.ObserveDiscovery(levelCities, "noop")
		return country.CitiesCount, nil
	}

	seeds, err := p.source.Cities(ctx, country)
	seeds = uniqueCities(seeds)
	if err == nil && len(seeds) == 0 {
		err = errors.New("source returned no cities")
	}
	if err != nil {
		metrics.ObserveDiscovery(levelCities, "failed")
		p.logger.Warn("city discovery failed", zap.Int64("country_id", countryID), zap.String("iso_code", country.ISOCode), zap.Error(err))
		return 0, discoveryError(fmt.Sprintf("cities of country %d", countryID), err)
	}

	var count int
	err = p.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockCountry(ctx, countryID)
		if err != nil {
			return fmt.Errorf("lock country: %w", err)
		}
		if locked.CitiesPopulated {
			count = locked.CitiesCount
			return nil
		}
		if err := tx.InsertCities(ctx, countryID, seeds); err != nil {
			return fmt.Errorf("insert cities: %w", err)
		}
		count, err = tx.MarkCountryPopulated(ctx, countryID, p.clock.Now())
		if err != nil {
			return fmt.Errorf("mark country populated: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.ObserveDiscovery(levelCities, "error")
		return 0, err
	}
	metrics.ObserveDiscovery(levelCities, "populated")
	p.logger.Info("cities populated", zap.Int64("country_id", countryID), zap.Int("cities_count", count))
	return count, nil
}

// PopulateAreas discovers the areas of a city and returns the city's area
// count. It is a no-op once the city is populated.
func (p *Pipeline) PopulateAreas(ctx context.Context, cityID int64) (int, error) {
	city, err := p.store.GetCity(ctx, cityID)
	if err != nil {
		return 0, fmt.Errorf("load city %d: %w", cityID, err)
	}
	if city.AreasPopulated {
		metrics.ObserveDiscovery(levelAreas, "noop")
		return city.AreasCount, nil
	}
	country, err := p.store.GetCountry(ctx, city.CountryID)
	if err != nil {
		return 0, fmt.Errorf("load country %d: %w", city.CountryID, err)
	}

	seeds, err := p.source.Areas(ctx, country, city)
	seeds = uniqueAreas(seeds)
	if err == nil && len(seeds) == 0 {
		err = errors.New("source returned no areas")
	}
	if err != nil {
		metrics.ObserveDiscovery(levelAreas, "failed")
		p.logger.Warn("area discovery failed", zap.Int64("city_id", cityID), zap.String("city", city.Name), zap.Error(err))
		return 0, discoveryError(fmt.Sprintf("areas of city %d", cityID), err)
	}

	var count int
	err = p.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockCity(ctx, cityID)
		if err != nil {
			return fmt.Errorf("lock city: %w", err)
		}
		if locked.AreasPopulated {
			count = locked.AreasCount
			return nil
		}
		if err := tx.InsertAreas(ctx, cityID, seeds); err != nil {
			return fmt.Errorf("insert areas: %w", err)
		}
		count, err = tx.MarkCityPopulated(ctx, cityID, p.clock.Now())
		if err != nil {
			return fmt.Errorf("mark city populated: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.ObserveDiscovery(levelAreas, "error")
		return 0, err
	}
	metrics.ObserveDiscovery(levelAreas, "populated")
	p.logger.Info("areas populated", zap.Int64("city_id", cityID), zap.Int("areas_count", count))
	return count, nil
}

// PlanJobs makes sure the city's areas are populated and creates one pending
// job per (area, keyword) pair that has no pending or running job yet.
// Keywords are stored normalized. Planning for one city runs under the city
// row lock, so concurrent plans cannot create the same pair twice.
func (p *Pipeline) PlanJobs(ctx context.Context, cityID int64, keywords []string) ([]fleet.ScrapeJob, error) {
	wanted := make([]string, 0, len(keywords))
	seen := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		kw = fleet.NormalizeKeyword(kw)
		if _, dup := seen[kw]; kw == "" || dup {
			continue
		}
		seen[kw] = struct{}{}
		wanted = append(wanted, kw)
	}
	if len(wanted) == 0 {
		return nil, fmt.Errorf("%w: at least one keyword is required", fleet.ErrValidation)
	}

	if _, err := p.PopulateAreas(ctx, cityID); err != nil {
		return nil, err
	}
	areas, err := p.store.ListAreas(ctx, cityID)
	if err != nil {
		return nil, fmt.Errorf("list areas: %w", err)
	}

	var created []fleet.ScrapeJob
	err = p.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		created = make([]fleet.ScrapeJob, 0, len(areas)*len(wanted))
		if _, err := tx.LockCity(ctx, cityID); err != nil {
			return fmt.Errorf("lock city: %w", err)
		}
		for _, area := range areas {
			for _, kw := range wanted {
				open, err := tx.HasOpenJob(ctx, area.ID, kw)
				if err != nil {
					return fmt.Errorf("check open job: %w", err)
				}
				if open {
					continue
				}
				job, err := tx.InsertJob(ctx, store.NewJob{AreaID: area.ID, Keyword: kw, CreatedAt: p.clock.Now()})
				if err != nil {
					return fmt.Errorf("create job for area %d: %w", area.ID, err)
				}
				created = append(created, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("jobs planned", zap.Int64("city_id", cityID), zap.Int("created", len(created)))
	return created, nil
}

func discoveryError(what string, err error) error {
	if errors.Is(err, fleet.ErrDiscovery) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%w: %s: %w", fleet.ErrDiscovery, what, err)
}

func uniqueCities(seeds []fleet.CitySeed) []fleet.CitySeed {
	out := make([]fleet.CitySeed, 0, len(seeds))
	seen := make(map[string]struct{}, len(seeds))
	for _, s := range seeds {
		s.Name = strings.TrimSpace(s.Name)
		s.Code = strings.TrimSpace(s.Code)
		if _, dup := seen[s.Name]; s.Name == "" || dup {
			continue
		}
		seen[s.Name] = struct{}{}
		out = append(out, s)
	}
	return out
}

func uniqueAreas(seeds []fleet.AreaSeed) []fleet.AreaSeed {
	out := make([]fleet.AreaSeed, 0, len(seeds))
	seen := make(map[string]struct{}, len(seeds))
	for _, s := range seeds {
		s.Name = strings.TrimSpace(s.Name)
		if _, dup := seen[s.Name]; s.Name == "" || dup {
			continue
		}
		seen[s.Name] = struct{}{}
		out = append(out, s)
	}
	return out
}
