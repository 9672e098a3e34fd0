package color

import (
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

const (
	escape = "\x1b"
	reset  = escape + "[0m"
	red    = escape + "[31m"
	green  = escape + "[32m"
	yellow = escape + "[33m"
	blue   = escape + "[34m"
	cyan   = escape + "[36m"
)

func TestColorizeText(t *testing.T) {
	cases := []struct {
		name   string
		color  Color
		text   string
		result string
	}{
		{
			name:   "red color",
			color:  Red,
			text:   "red text",
			result: red + "red text" + reset,
		},
		{
			name:   "green color",
			color:  Green,
			text:   "green text",
			result: green + "green text" + reset,
		},
		{
			name:   "yellow color",
			color:  Yellow,
			text:   "yellow text",
			result: yellow + "yellow text" + reset,
		},
		{
			name:   "blue color",
			color:  Blue,
			text:   "blue text",
			result: blue + "blue text" + reset,
		},
		{
			name:   "cyan color",
			color:  Cyan,
			text:   "cyan text",
			result: cyan + "cyan text" + reset,
		},
		{
			name:   "plain",
			color:  Plain,
			text:   "plain text",
			result: "plain text",
		},
		{
			name:   "bad value",
			color:  "BAD_VALUE",
			text:   "plain text",
			result: "plain text",
		},
	}

	color.NoColor = false

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.result, tc.color.ColorizeText(tc.text))
		})
	}
}

func TestForQuality(t *testing.T) {
	assert.Equal(t, Green, ForQuality("Excellent"))
	assert.Equal(t, Green, ForQuality("Good"))
	assert.Equal(t, Yellow, ForQuality("Fair"))
	assert.Equal(t, Red, ForQuality("Poor"))
	assert.Equal(t, Plain, ForQuality("?"))
}
