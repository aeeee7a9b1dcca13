package wearperiod

import (
	"testing"
	"time"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestContains(t *testing.T) {
	candidate := Closed(day(2020, 7, 10), day(2020, 7, 20))

	if !candidate.Contains(Closed(day(2020, 7, 12), day(2020, 7, 14))) {
		t.Fatal("inner window must match")
	}
	if candidate.Contains(Closed(day(2020, 7, 21), day(2020, 7, 22))) {
		t.Fatal("window after the candidate must not match")
	}
	// boundaries are inclusive
	if !candidate.Contains(Closed(day(2020, 7, 10), day(2020, 7, 20))) {
		t.Fatal("exact span must match")
	}
	if candidate.Contains(Closed(day(2020, 7, 9), day(2020, 7, 14))) {
		t.Fatal("window starting before the candidate must not match")
	}
}

func TestOpenEndedCandidate(t *testing.T) {
	today := day(2021, 3, 1)
	candidate := New(day(2020, 7, 10), nil, today)

	if !candidate.Contains(Closed(day(2021, 2, 27), day(2021, 3, 1))) {
		t.Fatal("open-ended candidate must match a target ending today")
	}
	if candidate.Contains(Closed(day(2021, 3, 1), day(2021, 3, 2))) {
		t.Fatal("open-ended candidate must not match a target ending after today")
	}
}

func TestNormalizeDayDiscardsTimeOfDay(t *testing.T) {
	candidate := New(
		time.Date(2020, 7, 10, 23, 55, 0, 0, time.UTC),
		nil,
		time.Date(2020, 7, 20, 0, 5, 0, 0, time.UTC),
	)
	target := Closed(
		time.Date(2020, 7, 10, 1, 0, 0, 0, time.UTC),
		time.Date(2020, 7, 20, 22, 0, 0, 0, time.UTC),
	)
	if !candidate.Contains(target) {
		t.Fatal("time of day must be discarded before comparing")
	}
}
