package k1

import (
	"fmt"
	"slices"
)

// LaneResult is the interpreted outcome of one lane.
type LaneResult struct {
	Place     Place   `json:"place"`
	Time      float64 `json:"time"` // seconds, 0 when no time was recorded
	WasMasked bool    `json:"wasMasked"`
}

func (r LaneResult) String() string {
	m := "F"
	if r.WasMasked {
		m = "T"
	}
	return fmt.Sprintf("P:%d T:%.3f M:%s", int(r.Place), r.Time, m)
}

// RaceResult holds the final standings of one race.
type RaceResult struct {
	LaneResults          [MaxLaneCount]LaneResult `json:"laneResults"`
	OffsetResultsForTies bool                     `json:"offsetResultsForTies"`
	UseEliminatorMode    bool                     `json:"useEliminatorMode"`
}

// NewRaceResult interprets a results response against the lane masks that
// were configured for the race.
func NewRaceResult(resp RaceResultsResponse, mask [MaxLaneCount]bool, offsetForTies, eliminator bool) RaceResult {
	return Interpret(resp.Times(), resp.Places(), mask, offsetForTies, eliminator)
}

// Interpret converts raw lane times and place tokens into final places.
//
// A lane counts as masked only when it was configured masked and the device
// reported neither a place nor a time for it. In eliminator mode lanes are
// ranked in pairs (A,B), (C,D), (E,F); otherwise all six are ranked together.
func Interpret(times [MaxLaneCount]float64, places [MaxLaneCount]Place, mask [MaxLaneCount]bool, offsetForTies, eliminator bool) RaceResult {
	rr := RaceResult{
		OffsetResultsForTies: offsetForTies,
		UseEliminatorMode:    eliminator,
	}
	for i := range rr.LaneResults {
		silent := places[i] == NoPlace && times[i] <= 0
		rr.LaneResults[i] = LaneResult{
			Place:     places[i],
			Time:      times[i],
			WasMasked: mask[i] && silent,
		}
	}

	size := MaxLaneCount
	if eliminator {
		size = 2
	}
	for start := 0; start < MaxLaneCount; start += size {
		end := min(start+size, MaxLaneCount)
		rankGroup(rr.LaneResults[start:end], offsetForTies)
	}
	return rr
}

// rankGroup assigns places within one group of lanes in place.
func rankGroup(group []LaneResult, offsetForTies bool) {
	if len(group) == 0 {
		return
	}

	// Insertion order is part of the scoring contract: equal times are
	// ordered by the raw place token, and later lanes go after equal ones.
	order := make([]int, 0, len(group))
	for lane := range group {
		rank := 0
		for rank < len(order) && sortsAfter(group[lane], group[order[rank]]) {
			rank++
		}
		order = slices.Insert(order, rank, lane)
	}

	if group[order[0]].Time <= 0 {
		for _, lane := range order {
			group[lane].Place = NoPlace
		}
		return
	}

	newPlaces := make([]Place, len(order))
	newPlaces[0] = First
	next := Second
	for n := 1; n < len(order); n++ {
		cur, prev := group[order[n]], group[order[n-1]]
		switch {
		case cur.Time <= 0:
			newPlaces[n] = NoPlace
		case cur.Time > prev.Time:
			newPlaces[n] = next
			next++
		case cur.Place > prev.Place:
			newPlaces[n] = next
			next++
		default:
			// tie
			newPlaces[n] = newPlaces[n-1]
			if offsetForTies {
				next++
			}
		}
	}
	for n, lane := range order {
		group[lane].Place = newPlaces[n]
	}
}

// sortsAfter reports whether lane belongs after an already ranked lane.
// A zero time sorts after everything.
func sortsAfter(lane, ranked LaneResult) bool {
	return lane.Time == 0 ||
		(lane.Time > ranked.Time && ranked.Time != 0) ||
		(lane.Time == ranked.Time && lane.Place >= ranked.Place)
}
