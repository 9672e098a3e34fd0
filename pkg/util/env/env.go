// Package env reads typed overrides from environment variables. Unset or
// unparsable variables fall back to the given default.
package env

import (
	"os"
	"strconv"
	"time"
)

// String returns the value of environment variable name.
func String(name string, defvalue string) string {
	if envVar, ok := os.LookupEnv(name); ok && envVar != "" {
		return envVar
	}
	return defvalue
}

// Int returns parsed int value of environment variable
func Int(name string, defvalue int) int {
	if envVar, ok := os.LookupEnv(name); ok {
		if value, err := strconv.Atoi(envVar); err == nil {
			return value
		}
	}
	return defvalue
}

// Float64 returns parsed float64 value of environment variable
func Float64(name string, defvalue float64) float64 {
	if envVar, ok := os.LookupEnv(name); ok {
		if value, err := strconv.ParseFloat(envVar, 64); err == nil {
			return value
		}
	}
	return defvalue
}

// Bool returns parsed bool value of environment variable
func Bool(name string, defvalue bool) bool {
	if envVar, ok := os.LookupEnv(name); ok {
		if value, err := strconv.ParseBool(envVar); err == nil {
			return value
		}
	}
	return defvalue
}

// Duration returns parsed time.Duration value of environment variable
func Duration(name string, defvalue time.Duration) time.Duration {
	if envVar, ok := os.LookupEnv(name); ok {
		if value, err := time.ParseDuration(envVar); err == nil {
			return value
		}
	}
	return defvalue
}
