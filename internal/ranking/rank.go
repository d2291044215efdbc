package ranking

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"strategy-pipeline/internal/dedup"
	"strategy-pipeline/internal/models"
)

// nearbyMiles is how close an event must be to a venue to attach by coordinates.
const nearbyMiles = 0.15

// Ranker turns venue candidates into an ordered, graded list.
type Ranker struct {
	Resolver        Resolver
	Thresholds      Thresholds
	DefaultEarnings float64
	// Concurrency bounds parallel Resolve calls.
	Concurrency int
}

// NewRanker builds a ranker with the given resolver and thresholds.
func NewRanker(resolver Resolver, t Thresholds, defaultEarnings float64) *Ranker {
	return &Ranker{Resolver: resolver, Thresholds: t, DefaultEarnings: defaultEarnings, Concurrency: 4}
}

// Rank scores candidates from origin and attaches at most one event per
// venue. Candidates must already be deduplicated.
func (r *Ranker) Rank(ctx context.Context, origin models.Point, candidates []models.VenueCandidate, events []models.Event) ([]models.RankedVenue, error) {
	routes := make([]Route, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	if r.Concurrency > 0 {
		g.SetLimit(r.Concurrency)
	}
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			routes[i] = r.route(gctx, origin, c)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]models.RankedVenue, len(candidates))
	for i, c := range candidates {
		earnings := r.DefaultEarnings
		if c.EstimatedEarnings != nil {
			earnings = math.Max(*c.EstimatedEarnings, 0)
		}
		rv := models.RankedVenue{
			Name:              strings.TrimSpace(c.Name),
			Address:           c.Address,
			PlaceID:           c.PlaceID,
			Category:          c.Category,
			DistanceMiles:     routes[i].DistanceMiles,
			DriveMinutes:      routes[i].DriveMinutes,
			DistanceSource:    routes[i].Source,
			EstimatedEarnings: earnings,
			ValuePerMin:       ValuePerMin(earnings, routes[i].DriveMinutes),
			NotWorth:          r.Thresholds.NotWorth(earnings),
			Grade:             models.GradeC,
		}
		// Without a drive time the figure is not comparable; Sort keeps these last.
		if rv.DistanceSource != models.DistanceUnavailable {
			rv.Grade = r.Thresholds.Grade(rv.ValuePerMin)
		}
		if e := pickEvent(c, events); e != nil {
			rv.Event = e.Summary()
		}
		out[i] = rv
	}

	Sort(out)
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

// route applies the fallback order: resolver, then the model-supplied
// distance, then unavailable.
func (r *Ranker) route(ctx context.Context, origin models.Point, c models.VenueCandidate) Route {
	if dest, ok := c.Point(); ok && r.Resolver != nil {
		route, err := r.Resolver.Resolve(ctx, origin, dest)
		if err == nil {
			return route
		}
		if !errors.Is(err, ErrUnavailable) {
			zap.L().Warn("route resolve failed", zap.String("venue", c.Name), zap.Error(err))
		}
	}
	if c.DriveMinutes > 0 {
		return Route{DistanceMiles: c.DistanceMiles, DriveMinutes: c.DriveMinutes, Source: models.DistanceModel}
	}
	return Route{Source: models.DistanceUnavailable}
}

// Sort orders venues: available first, worthwhile first, value per minute
// descending, drive minutes ascending, then name.
func Sort(venues []models.RankedVenue) {
	sort.SliceStable(venues, func(i, j int) bool {
		a, b := venues[i], venues[j]
		aUn, bUn := a.DistanceSource == models.DistanceUnavailable, b.DistanceSource == models.DistanceUnavailable
		if aUn != bUn {
			return !aUn
		}
		if a.NotWorth != b.NotWorth {
			return !a.NotWorth
		}
		if a.ValuePerMin != b.ValuePerMin {
			return a.ValuePerMin > b.ValuePerMin
		}
		if a.DriveMinutes != b.DriveMinutes {
			return a.DriveMinutes < b.DriveMinutes
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
}

// pickEvent returns the highest-impact event at the venue, ties going to the
// soonest start.
func pickEvent(c models.VenueCandidate, events []models.Event) *models.Event {
	var best *models.Event
	for i := range events {
		e := &events[i]
		if !eventAtVenue(c, *e) {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		ri, rb := models.ImpactRank(e.Impact), models.ImpactRank(best.Impact)
		if ri > rb || (ri == rb && e.StartsAt.Before(best.StartsAt)) {
			best = e
		}
	}
	return best
}

func eventAtVenue(c models.VenueCandidate, e models.Event) bool {
	name := strings.ToLower(strings.TrimSpace(c.Name))
	if ref := strings.ToLower(strings.TrimSpace(e.VenueRef)); ref != "" && (ref == name || (c.PlaceID != "" && strings.EqualFold(ref, c.PlaceID))) {
		return true
	}
	if addr := dedup.NormalizeAddress(c.Address); addr != "" && addr == dedup.NormalizeAddress(e.Address) {
		return true
	}
	if e.Lat != nil && e.Lng != nil {
		if p, ok := c.Point(); ok {
			return HaversineMiles(p, models.Point{Lat: *e.Lat, Lng: *e.Lng}) <= nearbyMiles
		}
	}
	return false
}
