// Package color highlights terminal output of the moos tools.
package color

import (
	fatihcolor "github.com/fatih/color"
)

// Color names a terminal colour.
type Color string

// Colours understood by ColorizeText. Plain leaves text untouched.
const (
	Plain  Color = ""
	Red    Color = "red"
	Green  Color = "green"
	Yellow Color = "yellow"
	Blue   Color = "blue"
	Cyan   Color = "cyan"
)

// ColorizeText wraps s in the escape codes of c.
func (c Color) ColorizeText(s string) string {
	switch c {
	case Red:
		return fatihcolor.RedString("%s", s)
	case Green:
		return fatihcolor.GreenString("%s", s)
	case Yellow:
		return fatihcolor.YellowString("%s", s)
	case Blue:
		return fatihcolor.BlueString("%s", s)
	case Cyan:
		return fatihcolor.CyanString("%s", s)
	default:
		return s
	}
}

// ForQuality picks the colour of a link quality as printed by comms.
func ForQuality(quality string) Color {
	switch quality {
	case "Excellent", "Good":
		return Green
	case "Fair":
		return Yellow
	case "Poor":
		return Red
	default:
		return Plain
	}
}
