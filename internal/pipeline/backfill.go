package pipeline

import "time"

// Window is one harvest range for a backfill run.
type Window struct {
	From time.Time
	To   time.Time
}

// BackfillWindows slices the last totalDays days (counted back from now)
// into windows of windowSize days, stepping backwards, with consecutive
// windows overlapping by overlap days. Vendors reject wide listing ranges;
// the overlap guarantees no boundary day is lost when a vendor treats the
// range as exclusive on one side. Windows come back oldest first.
func BackfillWindows(now time.Time, totalDays, windowSize, overlap int) []Window {
	if totalDays <= 0 || windowSize <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= windowSize {
		overlap = 0
	}

	oldest := now.AddDate(0, 0, -totalDays)
	var windows []Window
	to := now
	for to.After(oldest) {
		from := to.AddDate(0, 0, -windowSize)
		if from.Before(oldest) {
			from = oldest
		}
		windows = append(windows, Window{From: from, To: to})
		if !from.After(oldest) {
			break
		}
		to = from.AddDate(0, 0, overlap)
	}

	// Reverse into chronological order.
	for i, j := 0, len(windows)-1; i < j; i, j = i+1, j-1 {
		windows[i], windows[j] = windows[j], windows[i]
	}
	return windows
}
