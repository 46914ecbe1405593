// Package offers shapes raw search results: cheapest offer per destination
// and display-name lookups from the metadata sections.
package offers

import (
	"cmp"
	"slices"

	"github.com/Pursuit2703/aviasales-tracker/pkg/tracker"
)

// Reduce collapses offers into the cheapest offer per destination.
// Offers without a destination or a numeric price are discarded. On equal
// prices the first offer in input order is kept.
func Reduce(list []tracker.Offer) map[string]tracker.Offer {
	best := make(map[string]tracker.Offer)
	for _, o := range list {
		dest := o.Destination()
		if dest == "" {
			continue
		}
		value, ok := o.Amount()
		if !ok {
			continue
		}
		incumbent, seen := best[dest]
		if !seen {
			best[dest] = o
			continue
		}
		if current, _ := incumbent.Amount(); value < current {
			best[dest] = o
		}
	}
	return best
}

// Cheapest returns the reduced offers ordered by ascending price, at most limit
// of them. A limit of zero or less returns all.
func Cheapest(list []tracker.Offer, limit int) []tracker.Offer {
	reduced := Reduce(list)

	type entry struct {
		dest  string
		offer tracker.Offer
		value float64
	}
	entries := make([]entry, 0, len(reduced))
	for dest, o := range reduced {
		v, _ := o.Amount()
		entries = append(entries, entry{dest: dest, offer: o, value: v})
	}
	slices.SortFunc(entries, func(a, b entry) int {
		if c := cmp.Compare(a.value, b.value); c != 0 {
			return c
		}
		return cmp.Compare(a.dest, b.dest)
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	result := make([]tracker.Offer, len(entries))
	for i, e := range entries {
		result[i] = e.offer
	}
	return result
}
