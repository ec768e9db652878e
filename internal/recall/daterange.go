package recall

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
)

var relativePattern = regexp.MustCompile(`^(\d+)([dwmy])$`)

// parseDateArg accepts either a relative offset ("7d", "2w", "1m", "1y" —
// meaning "that long ago") or any absolute date/time dateparse can make
// sense of, and returns the resolved instant.
func parseDateArg(s string, now time.Time) (time.Time, error) {
	if m := relativePattern.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "d":
			return now.AddDate(0, 0, -n), nil
		case "w":
			return now.AddDate(0, 0, -7*n), nil
		case "m":
			return now.AddDate(0, -n, 0), nil
		case "y":
			return now.AddDate(-n, 0, 0), nil
		}
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}
