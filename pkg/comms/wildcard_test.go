package comms

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWildcardMatch(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"NAV_X", "NAV_X", true},
		{"NAV_X", "nav_x", false},
		{"NAV_*", "NAV_X", true},
		{"NAV_*", "NAV_", true},
		{"NAV_*", "NAV", false},
		{"*", "", true},
		{"*", "anything/with/slash", true},
		{"N?V_X", "NAV_X", true},
		{"N?V_X", "NV_X", false},
		{"*_X", "GPS_X", true},
		{"*_X*", "GPS_X_RAW", true},
		{"p*LBL", "pLBL", true},
		{"p*LBL", "pNavLBLx", false},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXbYY", false},
		{"TEMP_?C", "TEMP_°C", true},
		{"TEMP_??C", "TEMP_°C", false},
		{"Ä?", "Äé", true},
		{"*ü", "grüß_ü", true},
		{"?", "日", true},
		{"??", "日", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, WildcardMatch(tc.pattern, tc.s), "%q ~ %q", tc.pattern, tc.s)
	}
	assert.True(t, IsWildcard("NAV_*"))
	assert.False(t, IsWildcard("NAV_X"))
}
