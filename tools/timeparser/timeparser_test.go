package timeparser_test

import (
	"testing"
	"time"

	"github.com/septivank/anpr-toll-worker/tools/timeparser"
)

func TestParseWindow_GoDuration(t *testing.T) {
	d, err := timeparser.ParseWindow("10m")
	if err != nil {
		t.Fatalf("Failed to parse window: %v", err)
	}
	if d != 10*time.Minute {
		t.Errorf("Expected 10m, got %v", d)
	}
}

func TestParseWindow_Seconds(t *testing.T) {
	d, err := timeparser.ParseWindow("3")
	if err != nil {
		t.Fatalf("Failed to parse window: %v", err)
	}
	if d != 3*time.Second {
		t.Errorf("Expected 3s, got %v", d)
	}

	d, err = timeparser.ParseWindow("0.5")
	if err != nil {
		t.Fatalf("Failed to parse window: %v", err)
	}
	if d != 500*time.Millisecond {
		t.Errorf("Expected 500ms, got %v", d)
	}
}

func TestParseWindow_Invalid(t *testing.T) {
	for _, value := range []string{"", "  ", "soon", "3 minutes"} {
		if _, err := timeparser.ParseWindow(value); err == nil {
			t.Errorf("Expected error for %q", value)
		}
	}
}

func TestIsWithinWindow(t *testing.T) {
	base := time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)
	window := 3 * time.Second

	if !timeparser.IsWithinWindow(base, base.Add(time.Second), window) {
		t.Error("Expected 1s later to be within a 3s window")
	}
	if timeparser.IsWithinWindow(base, base.Add(3*time.Second), window) {
		t.Error("Expected exactly 3s later to be outside a 3s window")
	}
	if !timeparser.IsWithinWindow(base, base.Add(-time.Second), window) {
		t.Error("Expected an earlier time to count as within the window")
	}
}

func TestIdleSince(t *testing.T) {
	now := time.Date(2025, 12, 29, 10, 11, 0, 0, time.UTC)
	cutoff := timeparser.IdleSince(now, 10*time.Minute)

	expected := time.Date(2025, 12, 29, 10, 1, 0, 0, time.UTC)
	if !cutoff.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, cutoff)
	}
}
