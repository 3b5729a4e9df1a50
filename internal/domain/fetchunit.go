package domain

import "time"

// SlotWidth is the provider's fixed reporting granularity. One FetchUnit
// covers exactly one slot.
const SlotWidth = 10 * time.Minute

// FetchUnit is the atomic unit of ingestion: one provider time slot fetched
// as a single request.
type FetchUnit struct {
	Slot time.Time // UTC, truncated to SlotWidth
}

// TruncateToSlot rounds t down to the enclosing slot boundary in UTC.
func TruncateToSlot(t time.Time) time.Time {
	return t.UTC().Truncate(SlotWidth)
}

// UnitsBetween derives the ordered fetch units covering [start, end).
// Both bounds are truncated to slot boundaries first; a unit whose slot
// equals the truncated end is excluded.
func UnitsBetween(start, end time.Time) []FetchUnit {
	first := TruncateToSlot(start)
	last := TruncateToSlot(end)

	var units []FetchUnit
	for cur := first; cur.Before(last); cur = cur.Add(SlotWidth) {
		units = append(units, FetchUnit{Slot: cur})
	}
	return units
}
