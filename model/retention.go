package model

import "time"

// RetentionPolicy maps a kind to its maximum age in days. Kinds without an
// entry, or with a non-positive one, are never expired.
type RetentionPolicy map[Kind]int

func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		KindScored:      14,
		KindApplication: 28,
	}
}

// With returns a copy of p with overrides applied. A non-positive override
// makes the kind unbounded.
func (p RetentionPolicy) With(overrides map[Kind]int) RetentionPolicy {
	out := make(RetentionPolicy, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Threshold returns the maximum age for kind and whether it is finite.
func (p RetentionPolicy) Threshold(kind Kind) (time.Duration, bool) {
	days, ok := p[kind]
	if !ok || days <= 0 {
		return 0, false
	}
	return time.Duration(days) * 24 * time.Hour, true
}

// Expired reports whether the record is strictly older than its kind allows.
func (p RetentionPolicy) Expired(r Record, now time.Time) bool {
	limit, ok := p.Threshold(r.Kind)
	if !ok {
		return false
	}
	return now.Sub(r.ReceivedAt) > limit
}
