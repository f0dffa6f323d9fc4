// Package config reads process configuration from the environment. Missing
// keys fall back to defaults; malformed values log a complaint and fall back
// rather than abort startup.
package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	return lookup(key, fallback, strconv.Atoi)
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	return lookup(key, fallback, strconv.ParseBool)
}

// GetDurationMS retrieves an environment variable holding a millisecond count
// or returns fallback.
func GetDurationMS(key string, fallback time.Duration) time.Duration {
	return lookup(key, fallback, func(value string) (time.Duration, error) {
		ms, err := strconv.Atoi(value)
		return time.Duration(ms) * time.Millisecond, err
	})
}

func lookup[T any](key string, fallback T, parse func(string) (T, error)) T {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := parse(value)
	if err != nil {
		log.Printf("invalid value for %s: %v", key, err)
		return fallback
	}
	return parsed
}
