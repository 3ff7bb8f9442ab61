package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronSpec accepts the classic 5-field crontab grammar plus the @daily /
// @every descriptors.
var cronSpec = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// intervalUnits are the accepted "each" segments, largest first. Segments
// must appear in this order, each at most once.
var intervalUnits = []struct {
	suffix byte
	d      time.Duration
}{
	{'d', 24 * time.Hour},
	{'h', time.Hour},
	{'m', time.Minute},
	{'s', time.Second},
}

// maxIntervalSegment keeps every segment product well inside int64
// nanoseconds.
const maxIntervalSegment = 1 << 15

// Validate checks that exactly one of Cron and Each is set, that the set one
// parses, and that the schedule carries a request to submit.
func (s Schedule) Validate() error {
	if (s.Cron == "") == (s.Each == "") {
		return ErrBadSchedule
	}
	if len(s.Request) == 0 {
		return fmt.Errorf("%w: request is empty", ErrBadSchedule)
	}
	if s.Cron != "" {
		if _, err := cronSpec.Parse(strings.TrimSpace(s.Cron)); err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrBadSchedule, s.Cron, err)
		}
		return nil
	}
	_, err := s.Interval()
	return err
}

// Interval parses the Each form: day, hour, minute and second segments in
// that order, e.g. "12h", "1d6h", "90m".
func (s Schedule) Interval() (time.Duration, error) {
	rest := strings.TrimSpace(s.Each)
	if rest == "" {
		return 0, fmt.Errorf("%w: each is empty", ErrBadSchedule)
	}
	var total time.Duration
	for _, unit := range intervalUnits {
		i := strings.IndexByte(rest, unit.suffix)
		if i < 0 {
			continue
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil || n < 0 || n > maxIntervalSegment {
			return 0, fmt.Errorf("%w: each %q: bad %c segment", ErrBadSchedule, s.Each, unit.suffix)
		}
		total += time.Duration(n) * unit.d
		rest = rest[i+1:]
	}
	if rest != "" {
		return 0, fmt.Errorf("%w: each %q: leftover %q", ErrBadSchedule, s.Each, rest)
	}
	if total == 0 {
		return 0, fmt.Errorf("%w: each %q is zero", ErrBadSchedule, s.Each)
	}
	return total, nil
}
