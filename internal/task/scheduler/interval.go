package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// ParseInterval accepts "15" (minutes), a Go duration such as "1h30m", or
// HH:MM such as "00:15". The result is always a whole number of minutes.
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("interval required")
	}

	var d time.Duration
	switch {
	case reHHMM.MatchString(s):
		m := reHHMM.FindStringSubmatch(s)
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", s)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	default:
		if n, err := strconv.Atoi(s); err == nil {
			d = time.Duration(n) * time.Minute
			break
		}
		var err error
		d, err = time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q (use minutes like '15', HH:MM like '00:15' or a duration like '15m')", raw)
		}
	}
	if d < time.Minute {
		return 0, fmt.Errorf("interval must be at least 1m")
	}
	if d%time.Minute != 0 {
		return 0, fmt.Errorf("interval %s is not a whole number of minutes", d)
	}
	return d, nil
}
