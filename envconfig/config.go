// Package envconfig reads WAVAE_* environment variables.
//
// Getters are evaluated on every call so tests can override variables with
// t.Setenv.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// LogLevel returns the log level.
// Configurable via WAVAE_DEBUG: 0/false = INFO (default), 1/true = DEBUG,
// larger integers go below DEBUG in steps of 4.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("WAVAE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

var (
	// UseGPU routes LCCombine's transposed convolution through WebGPU.
	UseGPU = Bool("WAVAE_GPU")
	// NumMels is the number of mel bins written to <prefix>.mel.
	NumMels = Uint("WAVAE_N_MELS", 80)
)

// Workers returns how many audio files are decoded concurrently.
// Configurable via WAVAE_WORKERS, default runtime.NumCPU().
func Workers() int {
	return int(Uint("WAVAE_WORKERS", uint(runtime.NumCPU()))())
}

// BoolWithDefault returns a getter that parses k as a bool. An unparsable
// non-empty value counts as true.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a getter for k defaulting to false.
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// Uint returns a getter for a positive integer with a default.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil || n == 0 {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// EnvVar describes one variable for usage output.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"WAVAE_DEBUG":   {"WAVAE_DEBUG", LogLevel(), "Show additional debug information (e.g. WAVAE_DEBUG=1)"},
		"WAVAE_GPU":     {"WAVAE_GPU", UseGPU(), "Run LCCombine upsampling on a WebGPU device"},
		"WAVAE_N_MELS":  {"WAVAE_N_MELS", NumMels(), "Mel bins per frame in <prefix>.mel (default 80)"},
		"WAVAE_WORKERS": {"WAVAE_WORKERS", Workers(), "Audio files decoded in parallel (default: number of CPUs)"},
	}
}

// Values returns the current values formatted as strings.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of whitespace and surrounding quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
