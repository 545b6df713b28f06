// Package polling fetches owed metered data from administrators. It splits
// the owed range into administrator-sized requests, retries transient
// failures with exponential backoff, and records the outcome as events.
package polling

import (
	"time"

	"consentgrid/internal/permission/models"
)

// Range is the half-open interval [From, To).
type Range struct {
	From time.Time
	To   time.Time
}

// Days returns the calendar length of r in whole days.
func (r Range) Days() int {
	return int(r.To.Sub(r.From).Round(time.Hour).Hours() / 24)
}

// Partition splits [from, to) into consecutive ranges of at most maxSpanDays
// calendar days. The first range starts at from, each range ends where the
// next begins, and the last ends at to. It returns nil when from is not
// before to; maxSpanDays <= 0 yields a single range.
func Partition(from, to time.Time, maxSpanDays int) []Range {
	if !from.Before(to) {
		return nil
	}
	if maxSpanDays <= 0 {
		return []Range{{From: from, To: to}}
	}
	var out []Range
	for cur := from; cur.Before(to); {
		next := cur.AddDate(0, 0, maxSpanDays)
		if next.After(to) {
			next = to
		}
		out = append(out, Range{From: cur, To: next})
		cur = next
	}
	return out
}

// OwedRange returns the data still owed for req at now: from the watermark
// (or the start when nothing was read yet) up to the earlier of the end of
// the window and now. ok is false when nothing is owed.
func OwedRange(req *models.PermissionRequest, now time.Time) (Range, bool) {
	from, ok := req.ReadFrom()
	if !ok {
		return Range{}, false
	}
	to := now
	if req.End != nil && req.End.Before(to) {
		to = *req.End
	}
	if !from.Before(to) {
		return Range{}, false
	}
	return Range{From: from, To: to}, true
}
