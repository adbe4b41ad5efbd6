package sync

import "strconv"

// MaxCursor returns the later of two history cursors. Cursors are compared as numbers;
// an empty cursor always loses. Non-numeric cursors fall back to length, then lexical order.
func MaxCursor(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}

	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		if nb > na {
			return b
		}
		return a
	}

	if len(a) != len(b) {
		if len(b) > len(a) {
			return b
		}
		return a
	}
	if b > a {
		return b
	}
	return a
}
