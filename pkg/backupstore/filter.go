package backupstore

import (
	"sort"
	"time"
)

// WindowKind selects a recency window for the restore menu.
type WindowKind int

const (
	// WindowAll keeps every record.
	WindowAll WindowKind = iota
	// WindowCurrentMonth keeps records labeled within the current month.
	WindowCurrentMonth
	// WindowCurrentYear keeps records labeled within the current year.
	WindowCurrentYear
	// WindowYear keeps records labeled within a specific year.
	WindowYear
)

// Window is a recency filter over backup records.
type Window struct {
	Kind WindowKind
	// Year applies when Kind is WindowYear.
	Year int
}

// Filter returns the records whose label date falls inside the window,
// preserving order.
func Filter(records []Record, w Window, now time.Time) []Record {
	var out []Record
	for _, rec := range records {
		if w.matches(rec.Date, now) {
			out = append(out, rec)
		}
	}
	return out
}

func (w Window) matches(date time.Time, now time.Time) bool {
	switch w.Kind {
	case WindowCurrentMonth:
		return date.Year() == now.Year() && date.Month() == now.Month()
	case WindowCurrentYear:
		return date.Year() == now.Year()
	case WindowYear:
		return date.Year() == w.Year
	default:
		return true
	}
}

// Years returns the distinct label years present in the records, newest
// first. The restore menu offers these when the user picks an older year.
func Years(records []Record) []int {
	seen := make(map[int]bool)
	var years []int
	for _, rec := range records {
		y := rec.Date.Year()
		if !seen[y] {
			seen[y] = true
			years = append(years, y)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(years)))
	return years
}
