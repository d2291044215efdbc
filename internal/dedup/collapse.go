package dedup

import (
	"time"

	"strategy-pipeline/internal/models"
)

// Group is one set of items sharing a key.
type Group[T any] struct {
	Key       string
	Canonical T
	Losers    []T
}

// Groups partitions items by key in first-seen order and picks a canonical
// member per group. better(a, b) reports whether a should replace b; ties
// keep the earlier item.
func Groups[T any](items []T, key func(T) string, better func(a, b T) bool) []Group[T] {
	index := map[string]int{}
	var groups []Group[T]
	var members [][]T
	for _, item := range items {
		k := key(item)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, Group[T]{Key: k})
			members = append(members, nil)
		}
		members[i] = append(members[i], item)
	}
	for i, ms := range members {
		best := 0
		for j := 1; j < len(ms); j++ {
			if better(ms[j], ms[best]) {
				best = j
			}
		}
		groups[i].Canonical = ms[best]
		for j, m := range ms {
			if j != best {
				groups[i].Losers = append(groups[i].Losers, m)
			}
		}
	}
	return groups
}

// Collapse returns the canonical member of each group.
func Collapse[T any](items []T, key func(T) string, better func(a, b T) bool) []T {
	groups := Groups(items, key, better)
	out := make([]T, len(groups))
	for i, g := range groups {
		out[i] = g.Canonical
	}
	return out
}

// EventKey builds the event grouping key from title, address and start time.
// The time comes from StartsAt in the event's timezone; StartLabel is only
// consulted when StartsAt is unknown.
func EventKey(e models.Event) string {
	clock := e.StartLabel
	if !e.StartsAt.IsZero() {
		clock = e.StartsAt.In(eventLocation(e.Timezone)).Format("15:04")
	}
	return NormalizeTitle(e.Title) + "|" + NormalizeAddress(e.Address) + "|" + NormalizeTime(clock)
}

// EventDate is the local calendar date of the event start, or "" when the
// start is unknown. Recurring events share a key but not a date.
func EventDate(e models.Event) string {
	if e.StartsAt.IsZero() {
		return ""
	}
	return e.StartsAt.In(eventLocation(e.Timezone)).Format("2006-01-02")
}

func eventGroupKey(e models.Event) string {
	return EventKey(e) + "|" + EventDate(e)
}

func eventLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// eventBetter prefers higher impact, then the most recently discovered.
func eventBetter(a, b models.Event) bool {
	ra, rb := models.ImpactRank(a.Impact), models.ImpactRank(b.Impact)
	if ra != rb {
		return ra > rb
	}
	return a.DiscoveredAt.After(b.DiscoveredAt)
}

// Events collapses duplicate events.
func Events(events []models.Event) []models.Event {
	return Collapse(events, eventGroupKey, eventBetter)
}

func venueKey(v models.Venue) string { return VenueKey(v.Name, v.City) }

// venueBetter prefers a venue with a place id, then the most recently created.
func venueBetter(a, b models.Venue) bool {
	if (a.PlaceID != "") != (b.PlaceID != "") {
		return a.PlaceID != ""
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// Venues collapses duplicate catalog venues.
func Venues(venues []models.Venue) []models.Venue {
	return Collapse(venues, venueKey, venueBetter)
}

// Candidates collapses duplicate venue candidates of one job, preferring a
// candidate with a place id, then one with coordinates.
func Candidates(candidates []models.VenueCandidate) []models.VenueCandidate {
	return Collapse(candidates,
		func(c models.VenueCandidate) string { return VenueKey(c.Name, c.City) },
		func(a, b models.VenueCandidate) bool {
			if (a.PlaceID != "") != (b.PlaceID != "") {
				return a.PlaceID != ""
			}
			_, aHas := a.Point()
			_, bHas := b.Point()
			return aHas && !bHas
		})
}

