package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaxCursor(t *testing.T) {
	cases := []struct {
		a, b, want string
	}{
		{"9", "10", "10"},
		{"10", "9", "10"},
		{"", "5", "5"},
		{"5", "", "5"},
		{"", "", ""},
		{"18446744073709551615", "2", "18446744073709551615"},
		{"00042", "41", "00042"},
		{"abc", "abd", "abd"},
		{"zz", "abc", "abc"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, MaxCursor(tc.a, tc.b), "MaxCursor(%q, %q)", tc.a, tc.b)
	}
}

func TestMaxCursorOrderIndependent(t *testing.T) {
	cursors := []string{"100", "99", "1000", "101", "7"}
	fwd, rev := "", ""
	for i := range cursors {
		fwd = MaxCursor(fwd, cursors[i])
		rev = MaxCursor(rev, cursors[len(cursors)-1-i])
	}
	assert.Equal(t, "1000", fwd)
	assert.Equal(t, fwd, rev)
}
