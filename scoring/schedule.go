package scoring

import "time"

// Schedule is the wait before the next scoring attempt after n failed runs.
// Past the end the last step repeats.
type Schedule []time.Duration

var DefaultSchedule = Schedule{
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

// Next returns when to try again after the given number of failed runs.
func (s Schedule) Next(failures int, now time.Time) time.Time {
	if len(s) == 0 {
		s = DefaultSchedule
	}
	i := max(0, min(failures-1, len(s)-1))
	return now.Add(s[i])
}
