package printer

import (
	"fmt"
	"time"
)

var durationUnits = []struct {
	size time.Duration
	name string
}{
	{24 * time.Hour, "day"},
	{time.Hour, "hour"},
	{time.Minute, "minute"},
	{time.Second, "second"},
}

// TimeAgo returns a human-readable relative time, past ("5 minutes ago") or future
// ("in 3 hours"), useful for approval deadlines.
func TimeAgo(t time.Time) string {
	d := time.Now().UTC().Sub(t.UTC())
	if d < 0 {
		return "in " + humanDuration(-d)
	}
	return humanDuration(d) + " ago"
}

func humanDuration(d time.Duration) string {
	for _, u := range durationUnits {
		if d < u.size && u.size != time.Second {
			continue
		}
		n := int(d / u.size)
		if n == 1 {
			return "1 " + u.name
		}
		return fmt.Sprintf("%d %ss", n, u.name)
	}
	return "0 seconds"
}

// FormatTimestamp returns a formatted timestamp string in UTC.
// Format: "2006-01-02 15:04:05 UTC".
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}
