package batch

import "strconv"

// Target describes one external subject a batch item runs against. It is
// immutable once queued.
type Target struct {
	ID    int64
	Key   string // short human-readable code
	Title string
}

// dedupeKey identifies a target for de-duplication: the short code, falling
// back to the identifier when the code is empty.
func (t Target) dedupeKey() string {
	if t.Key != "" {
		return t.Key
	}
	return strconv.FormatInt(t.ID, 10)
}

// dedupeTargets drops duplicate targets while preserving first-occurrence
// order.
func dedupeTargets(targets []Target) []Target {
	seen := make(map[string]struct{}, len(targets))
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		key := t.dedupeKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}
