package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// maxCatchUpSlots bounds the scan for the newest missed slot. A schedule that
// missed more slots than this still fires once, with an older slot time.
const maxCatchUpSlots = 100_000

// DueSlot reports whether sched has a slot in (lastCheck, now] and returns the
// latest such slot. However many slots were missed, there is one answer, so a
// late evaluation fires once.
//
// DueSlot is pure: the result depends only on its arguments.
func DueSlot(sched cron.Schedule, lastCheck, now time.Time) (time.Time, bool) {
	if sched == nil || !now.After(lastCheck) {
		return time.Time{}, false
	}
	slot := sched.Next(lastCheck)
	if slot.IsZero() || slot.After(now) {
		return time.Time{}, false
	}
	for i := 0; i < maxCatchUpSlots; i++ {
		next := sched.Next(slot)
		if next.IsZero() || next.After(now) {
			break
		}
		slot = next
	}
	return slot, true
}

// IsDue parses expr and evaluates it in loc (UTC when nil).
func IsDue(expr string, lastCheck, now time.Time, loc *time.Location) (time.Time, bool, error) {
	ps, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, false, err
	}
	sched, err := ps.Schedule()
	if err != nil {
		return time.Time{}, false, err
	}
	if loc == nil {
		loc = time.UTC
	}
	slot, ok := DueSlot(sched, lastCheck.In(loc), now.In(loc))
	return slot, ok, nil
}

// nextRuns lists the first n slots after from.
func nextRuns(sched cron.Schedule, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}
