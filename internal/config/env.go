// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"

	"github.com/quartzvideo/hwbridge/internal/log"
)

// ParseString reads a string from an environment variable or returns the
// default. The chosen source is logged for observability.
func ParseString(key, defaultValue string) string {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		logger.Debug().Str("key", key).Str("value", v).Str("source", "environment").Msg("using environment variable")
		return v
	}
	logger.Debug().Str("key", key).Str("default", defaultValue).Str("source", "default").Msg("using default value")
	return defaultValue
}

// ParseInt reads an integer from an environment variable or returns the
// default. Invalid values fall back to the default with a warning.
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			logger.Debug().Str("key", key).Int("value", i).Str("source", "environment").Msg("using environment variable")
			return i
		}
		logger.Warn().Str("key", key).Str("value", v).Int("default", defaultValue).
			Msg("invalid integer in environment variable, using default")
	}
	return defaultValue
}

// ParseBool reads a boolean from an environment variable or returns the
// default. Invalid values fall back to the default with a warning.
func ParseBool(key string, defaultValue bool) bool {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			logger.Debug().Str("key", key).Bool("value", b).Str("source", "environment").Msg("using environment variable")
			return b
		}
		logger.Warn().Str("key", key).Str("value", v).Bool("default", defaultValue).
			Msg("invalid boolean in environment variable, using default")
	}
	return defaultValue
}
