package tracking

import (
	"sort"
	"time"
)

// latestPair finds the most recent completed crossing for one tag: the
// newest adjacent pair of records, in chronological order, whose directions
// differ. It returns the newer member of that pair.
func latestPair(recs []Record, loc *time.Location) (Record, bool) {
	if len(recs) < 2 {
		return Record{}, false
	}

	st := stampAll(recs, loc)
	sort.SliceStable(st, func(i, j int) bool { return st[i].before(st[j]) })

	for i := len(st) - 1; i > 0; i-- {
		if st[i].rec.Direction != st[i-1].rec.Direction {
			return st[i].rec, true
		}
	}
	return Record{}, false
}

// evaluatePairingLocked decides whether the tag's latest crossing has
// already been forwarded. The cursor is advanced when it has not.
// Caller holds s.mu.
func (s *Store) evaluatePairingLocked(tag string) (Crossing, bool) {
	var recs []Record
	for _, r := range s.records {
		if r.RFIDTag == tag {
			recs = append(recs, r)
		}
	}

	latest, ok := latestPair(recs, s.loc)
	if !ok {
		return Crossing{}, false
	}

	if last, seen := s.cursors[tag]; seen && !newer(latest.ReadDate, last, s.loc) {
		return Crossing{}, false
	}
	s.cursors[tag] = latest.ReadDate

	return Crossing{
		Tag:       tag,
		Direction: latest.Direction,
		ReadDate:  latest.ReadDate,
	}, true
}
