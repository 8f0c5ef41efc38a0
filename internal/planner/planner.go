// Package planner computes deterministic send instants for a batch,
// respecting an hourly ceiling and an inter-message spacing. Plan is a
// pure, total function: same inputs always produce the same vector of
// instants, and it never errors.
package planner

import "time"

// HourBucketMode selects whether the hour bucket used to enforce
// hourlyCap is computed in the cursor's local time or in UTC. Callers
// configure this explicitly; tests exercise both.
type HourBucketMode int

const (
	// LocalHour buckets by the cursor's local (year, month, day, hour).
	LocalHour HourBucketMode = iota
	// UTCHour buckets by the cursor's UTC (year, month, day, hour).
	UTCHour
)

// Plan walks a cursor initialised to start and lays out count send
// instants, spaced spacingSec seconds apart within an hour, never placing
// more than hourlyCap instants in any one hour bucket.
//
// Edge cases: spacingSec == 0 still respects hourlyCap (all first-hour
// instants equal start, then the cursor jumps to the next hour).
// hourlyCap <= 0 is a caller error (the HTTP edge validates this away
// before it ever reaches here) and is treated as 1 to keep Plan total.
func Plan(count int, start time.Time, spacingSec int, hourlyCap int, mode HourBucketMode) []time.Time {
	if count <= 0 {
		return nil
	}
	if hourlyCap <= 0 {
		hourlyCap = 1
	}
	if spacingSec < 0 {
		spacingSec = 0
	}

	out := make([]time.Time, 0, count)
	cursor := start
	bucket := hourKey(cursor, mode)
	inBucket := 0

	for i := 0; i < count; i++ {
		cur := hourKey(cursor, mode)
		if cur != bucket {
			bucket = cur
			inBucket = 0
		}
		if inBucket >= hourlyCap {
			cursor = startOfNextHour(cursor, mode)
			bucket = hourKey(cursor, mode)
			inBucket = 0
		}

		out = append(out, cursor)
		inBucket++

		next := cursor.Add(time.Duration(spacingSec) * time.Second)
		if hourKey(next, mode) != hourKey(cursor, mode) {
			// Crossing into a new hour resets the bucket count for the
			// instant that will be evaluated next iteration.
			inBucket = 0
		}
		cursor = next
	}

	return out
}

// hourKey identifies the calendar-hour bucket a time falls in, under the
// given bucketing mode.
func hourKey(t time.Time, mode HourBucketMode) time.Time {
	if mode == UTCHour {
		t = t.UTC()
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), 0, 0, 0, t.Location())
}

// startOfNextHour returns the start of the hour following t's bucket.
func startOfNextHour(t time.Time, mode HourBucketMode) time.Time {
	return hourKey(t, mode).Add(time.Hour)
}
