package printer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slok/agentline/internal/printer"
)

func TestTimeAgo(t *testing.T) {
	now := time.Now().UTC()

	tests := map[string]struct {
		time     time.Time
		expected string
	}{
		"Now should be zero seconds ago": {
			time:     now,
			expected: "0 seconds ago",
		},
		"One second should be singular": {
			time:     now.Add(-1*time.Second - 100*time.Millisecond),
			expected: "1 second ago",
		},
		"Seconds should be plural": {
			time:     now.Add(-30*time.Second - 100*time.Millisecond),
			expected: "30 seconds ago",
		},
		"Minutes should use the biggest unit": {
			time:     now.Add(-45*time.Minute - time.Second),
			expected: "45 minutes ago",
		},
		"One hour should be singular": {
			time:     now.Add(-1*time.Hour - time.Minute),
			expected: "1 hour ago",
		},
		"Days should use the biggest unit": {
			time:     now.Add(-72*time.Hour - time.Minute),
			expected: "3 days ago",
		},
		"Future times should be relative": {
			time:     now.Add(2*time.Hour + time.Minute),
			expected: "in 2 hours",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expected, printer.TimeAgo(test.time))
		})
	}
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2026, 1, 30, 10, 5, 7, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "2026-01-30 09:05:07 UTC", printer.FormatTimestamp(ts))
}
