// Package scheduler turns schedule expressions into task executions.
//
// Each registered schedule is evaluated on every Tick against its persisted
// last_check. When the window (last_check, now] contains a slot the bound task
// is enqueued once, in the same storage transaction that advances last_check,
// so repeated or concurrent ticks never fire a slot twice. The first
// evaluation of a name only records last_check.
//
// The scheduler does not own a goroutine: the worker loop calls Tick.
package scheduler
