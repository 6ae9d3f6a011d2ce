// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/zimustudio/zimu/internal/log"
)

func envLogger() zerolog.Logger {
	return log.WithComponent("config")
}

// ParseString reads a string from an environment variable or returns the default.
func ParseString(key, defaultValue string) string {
	logger := envLogger()
	if value, exists := os.LookupEnv(key); exists {
		value = strings.TrimSpace(value)
		if value == "" {
			return defaultValue
		}
		lowerKey := strings.ToLower(key)
		if strings.Contains(lowerKey, "token") || strings.Contains(lowerKey, "key") {
			logger.Debug().Str("key", key).Bool("sensitive", true).Msg("using environment variable")
		} else {
			logger.Debug().Str("key", key).Str("value", value).Msg("using environment variable")
		}
		return value
	}
	logger.Debug().Str("key", key).Str("default", defaultValue).Msg("using default value")
	return defaultValue
}

// ParseInt reads an integer from an environment variable, clamped to [min, max].
// Parse errors fall back to the default value.
func ParseInt(key string, defaultValue, min, max int) int {
	logger := envLogger()
	val := defaultValue
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			val = i
		} else {
			logger.Warn().Str("key", key).Str("value", v).Msg("invalid integer, using default")
		}
	}
	if val < min {
		val = min
	}
	if val > max {
		val = max
	}
	return val
}

// ParseFloat reads a float from an environment variable, clamped to [min, max].
func ParseFloat(key string, defaultValue, min, max float64) float64 {
	logger := envLogger()
	val := defaultValue
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			val = f
		} else {
			logger.Warn().Str("key", key).Str("value", v).Msg("invalid float, using default")
		}
	}
	if val < min {
		val = min
	}
	if val > max {
		val = max
	}
	return val
}

// ParseBool reads a boolean from an environment variable. Recognized truthy
// values: 1, true, yes, on, y (case-insensitive).
func ParseBool(key string, defaultValue bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		return Boolish(v, defaultValue)
	}
	return defaultValue
}

// Boolish coerces a loosely-typed value into a boolean.
func Boolish(v string, defaultValue bool) bool {
	s := strings.ToLower(strings.TrimSpace(v))
	if s == "" {
		return defaultValue
	}
	switch s {
	case "1", "true", "yes", "on", "y":
		return true
	case "0", "false", "no", "off", "n":
		return false
	}
	return defaultValue
}
