package timeparser

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseWindow parses a configured time window. Accepted forms are a Go
// duration ("3s", "10m", "1m30s") or a bare number of seconds ("3", "0.5").
func ParseWindow(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}

	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration '%s': expected Go duration or seconds", value)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// IsWithinWindow reports whether later happened strictly less than window after earlier.
// A later time before earlier (clock skew between writers) counts as within the window.
func IsWithinWindow(earlier, later time.Time, window time.Duration) bool {
	return later.Sub(earlier) < window
}

// IdleSince returns the cutoff before which a last sighting is considered idle.
func IdleSince(now time.Time, threshold time.Duration) time.Time {
	return now.Add(-threshold)
}
