package shared

import (
	"fmt"
	"os"
	"strconv"
)

// Getenv parsers.
func GetenvString(s string) (string, error) { return s, nil }

func GetenvInt(s string) (int, error) { return strconv.Atoi(s) }

func GetenvBool(s string) (bool, error) { return strconv.ParseBool(s) }

// Getenv reads and parses an environment variable. When the variable is
// unset: required=true yields an error, otherwise the fallback is returned.
func Getenv[T any](parse func(string) (T, error), key string, required bool, fallback T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		if required {
			var zero T
			return zero, fmt.Errorf("environment variable %s is required", key)
		}
		return fallback, nil
	}
	v, err := parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

// MustGetenv is Getenv for callers that treat a parse failure as fatal.
func MustGetenv[T any](parse func(string) (T, error), key string, required bool, fallback T) T {
	v, err := Getenv(parse, key, required, fallback)
	if err != nil {
		panic(err)
	}
	return v
}
