package alert

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var windowRe = regexp.MustCompile(`^(\d+)(s|min|h)$`)

// ParseWindow converts a window label like "10min", "30s" or "2h" into a
// duration. Labels come from configuration, not user input, so the accepted
// grammar is deliberately small.
func ParseWindow(label string) (time.Duration, error) {
	m := windowRe.FindStringSubmatch(label)
	if m == nil {
		return 0, fmt.Errorf("invalid window label %q (want e.g. 30s, 10min, 2h)", label)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid window label %q: count must be positive", label)
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "min":
		return time.Duration(n) * time.Minute, nil
	default:
		return time.Duration(n) * time.Hour, nil
	}
}
