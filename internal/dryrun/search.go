package dryrun

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"tensord/internal/shapes"
)

// searchShape is a greedy coordinate-descent search for one probe-valid
// shape in [lower, upper]. It operates on the per-axis slack
// diff = upper - lower: free axes (nonzero slack) are visited largest-slack
// first, each candidate lower+diff is probed, and on rejection the visited
// axis's slack shrinks by the discard fraction. The search trades
// completeness for a bounded probe count, since every probe is an expensive
// device execution. Returns nil when no free axis remains without a hit.
func searchShape(lower, upper shapes.Shape, discard float64, warnAt int, log zerolog.Logger, valid func(shapes.Shape) bool) (*shapes.Shape, error) {
	if discard < 0 || discard >= 1 {
		return nil, errInvalidArgument(fmt.Sprintf("discard must be in [0, 1), got %v", discard))
	}
	ok, err := lower.LTE(upper)
	if err != nil {
		return nil, errInvalidArgument(err.Error())
	}
	if !ok {
		return nil, errInvalidArgument(fmt.Sprintf("negative slack: lower bound %s exceeds upper bound %s", lower, upper))
	}

	labels := lower.Labels()
	base := lower.Extents()
	diff := make([]int, len(base))
	for i, a := range lower.Axes() {
		ext, _ := upper.Get(a.Label)
		diff[i] = ext - a.Extent
	}

	combinations := int64(1)
	for _, d := range diff {
		if d > 0 {
			combinations *= int64(d)
		}
	}
	if warnAt > 0 && combinations > int64(warnAt) {
		log.Warn().Int64("combinations", combinations).Msg("possibly testing too many shape combinations")
	}

	for {
		free := freeAxes(diff)
		if len(free) == 0 {
			return nil, nil
		}
		// largest remaining slack first
		sort.SliceStable(free, func(a, b int) bool { return diff[free[a]] > diff[free[b]] })
		for _, i := range free {
			extents := make([]int, len(base))
			for j := range base {
				extents[j] = base[j] + diff[j]
			}
			candidate, err := shapes.FromOrdered(labels, extents, false)
			if err != nil {
				return nil, err
			}
			if valid(candidate) {
				return &candidate, nil
			}
			reduced := int((1.0-discard)*float64(diff[i])) - 1
			if reduced < 0 {
				reduced = 0
			}
			if reduced > diff[i] {
				reduced = diff[i]
			}
			diff[i] = reduced
		}
	}
}

func freeAxes(diff []int) []int {
	out := make([]int, 0, len(diff))
	for i, d := range diff {
		if d != 0 {
			out = append(out, i)
		}
	}
	return out
}
