// Package display renders task and schedule rows for humans (CLI tables and
// the HTTP API's "display" fields).
package display

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"toosimpleq/internal/storage"
)

// ArgsWidth is the truncation width used for arguments and results.
const ArgsWidth = 32

var icons = map[storage.State]string{
	storage.StateQueued:    "⌚",
	storage.StateStarted:   "🚧",
	storage.StateSucceeded: "✔️",
	storage.StateFailed:    "❌",
}

// Icon returns the state icon, or "?" for an unknown state.
func Icon(s storage.State) string {
	if ic, ok := icons[s]; ok {
		return ic
	}
	return "?"
}

// TaskIcon is Icon for a row; superseded rows render as "♻️".
func TaskIcon(t storage.TaskExec) string {
	if t.ReplacedBy != nil && t.State == storage.StateQueued {
		return "♻️"
	}
	return Icon(t.State)
}

type unit struct {
	limit float64 // seconds
	abbr  string
}

var units = []unit{
	{60, "s"},
	{60 * 60, "m"},
	{60 * 60 * 24, "h"},
	{60 * 60 * 24 * 7, "D"},
	{60 * 60 * 24 * 30, "W"},
	{60 * 60 * 24 * 365, "M"},
}

// ShortNaturalTime renders t relative to now as "3h ago" or "in 5m".
// A nil t renders as "".
func ShortNaturalTime(t *time.Time, now time.Time) string {
	if t == nil {
		return ""
	}
	delta := now.Sub(*t)
	secs := delta.Seconds()
	if secs < 0 {
		secs = -secs
	}

	text := ""
	div := 1.0
	for _, u := range units {
		if secs < u.limit {
			text = strconv.FormatInt(int64(secs/div), 10) + u.abbr
			break
		}
		div = u.limit
	}
	if text == "" {
		text = strconv.FormatInt(int64(secs/div), 10) + "Y"
	}

	if delta < 0 {
		return "in " + text
	}
	return text + " ago"
}

// Truncate shortens s to at most n runes, marking the cut with "…".
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// Arguments renders args and kwargs as compact JSON, each truncated.
func Arguments(t storage.TaskExec) (args, kwargs string) {
	a, _ := json.Marshal(t.Args)
	k, _ := json.Marshal(t.Kwargs)
	return Truncate(string(a), ArgsWidth), Truncate(string(k), ArgsWidth)
}

// Result renders the stored result, truncated. Empty when there is none.
func Result(t storage.TaskExec) string {
	if len(t.Result) == 0 {
		return ""
	}
	return Truncate(string(t.Result), ArgsWidth)
}

// ReplacedBy renders the successor as "icon [id]" given a lookup of its
// state. Empty when the row was not superseded.
func ReplacedBy(t storage.TaskExec, successor func(id int64) (storage.State, bool)) string {
	if t.ReplacedBy == nil {
		return ""
	}
	ic := "?"
	if successor != nil {
		if st, ok := successor(*t.ReplacedBy); ok {
			ic = Icon(st)
		}
	}
	return fmt.Sprintf("%s [%d]", ic, *t.ReplacedBy)
}

// LongTime is the verbose form used by detail views, e.g.
// "2026-03-01 12:00:00 UTC (3 hours ago)".
func LongTime(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05 MST") + " (" + humanize.RelTime(*t, now, "ago", "from now") + ")"
}

// Count formats large counters with thousands separators.
func Count(n int64) string { return humanize.Comma(n) }

// Row is the display projection of one TaskExec.
type Row struct {
	Icon       string `json:"icon"`
	Args       string `json:"args"`
	Kwargs     string `json:"kwargs"`
	Due        string `json:"due"`
	Created    string `json:"created"`
	Started    string `json:"started"`
	Finished   string `json:"finished"`
	ReplacedBy string `json:"replaced_by"`
	Result     string `json:"result"`
}

// TaskRow builds the display projection of t at now.
func TaskRow(t storage.TaskExec, now time.Time, successor func(id int64) (storage.State, bool)) Row {
	args, kwargs := Arguments(t)
	return Row{
		Icon:       TaskIcon(t),
		Args:       args,
		Kwargs:     kwargs,
		Due:        ShortNaturalTime(&t.Due, now),
		Created:    ShortNaturalTime(&t.Created, now),
		Started:    ShortNaturalTime(t.Started, now),
		Finished:   ShortNaturalTime(t.Finished, now),
		ReplacedBy: ReplacedBy(t, successor),
		Result:     Result(t),
	}
}
