// Package planner splits a calendar date range into fixed-size, contiguous sync windows.
package planner

import (
	"fmt"
	"time"
)

// DefaultMaxChunks bounds a single plan. Ten years of daily windows fit comfortably.
const DefaultMaxChunks = 5000

const DateLayout = "2006-01-02"

// Chunk is one inclusive [Start, End] window of calendar days.
type Chunk struct {
	Start time.Time
	End   time.Time
}

// Label renders the window for status pollers, e.g. "2024-01-01 to 2024-01-07".
func (c Chunk) Label() string {
	return fmt.Sprintf("%s to %s", c.Start.Format(DateLayout), c.End.Format(DateLayout))
}

// Days is the inclusive number of calendar days in the window.
func (c Chunk) Days() int {
	return DaysBetween(c.Start, c.End) + 1
}

// Date truncates t to its calendar date in t's own location and returns that date
// at midnight UTC, so comparisons never depend on the process timezone.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return t, nil
}

// AddDays moves a calendar date by n days.
func AddDays(d time.Time, n int) time.Time {
	return Date(d).AddDate(0, 0, n)
}

// DaysBetween returns the whole number of days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Date(b).Sub(Date(a)).Hours() / 24)
}

type Planner struct {
	maxChunks int
}

func New(maxChunks int) *Planner {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	return &Planner{maxChunks: maxChunks}
}

// Plan partitions [start, end] into windows of chunkSizeDays. The last window ends
// exactly on end even when it is shorter than the nominal size.
func (p *Planner) Plan(start, end time.Time, chunkSizeDays int) ([]Chunk, error) {
	start, end = Date(start), Date(end)
	if chunkSizeDays < 1 {
		return nil, fmt.Errorf("chunk size must be at least 1 day, got %d", chunkSizeDays)
	}
	if start.After(end) {
		return nil, fmt.Errorf("start date %s is after end date %s", start.Format(DateLayout), end.Format(DateLayout))
	}

	var chunks []Chunk
	for current := start; !current.After(end); {
		if len(chunks) >= p.maxChunks {
			return nil, fmt.Errorf("plan for %s..%s exceeds %d chunks", start.Format(DateLayout), end.Format(DateLayout), p.maxChunks)
		}
		chunkEnd := current.AddDate(0, 0, chunkSizeDays-1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunks = append(chunks, Chunk{Start: current, End: chunkEnd})
		current = chunkEnd.AddDate(0, 0, 1)
	}
	return chunks, nil
}

// Count returns the number of windows Plan would produce.
func (p *Planner) Count(start, end time.Time, chunkSizeDays int) (int, error) {
	chunks, err := p.Plan(start, end, chunkSizeDays)
	if err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// Remaining replans the job range and keeps the windows starting strictly after
// the watermark. A nil watermark keeps the whole plan.
func (p *Planner) Remaining(start, end time.Time, chunkSizeDays int, watermark *time.Time) ([]Chunk, error) {
	chunks, err := p.Plan(start, end, chunkSizeDays)
	if err != nil {
		return nil, err
	}
	if watermark == nil {
		return chunks, nil
	}
	wm := Date(*watermark)
	for i, c := range chunks {
		if c.Start.After(wm) {
			return chunks[i:], nil
		}
	}
	return []Chunk{}, nil
}
