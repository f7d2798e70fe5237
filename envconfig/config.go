package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ollama/tuner/logutil"
)

var (
	// Set via TUNER_CONFIG in the environment
	ConfigPath string
	// Set via TUNER_DEBUG in the environment
	Debug bool
	// Set via TUNER_DEVICE in the environment
	Device string
	// Set via TUNER_LOG_LEVEL in the environment
	LogLevel slog.Level
	// Set via TUNER_RANK, or RANK when launched by a distributed launcher
	Rank int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"TUNER_CONFIG":    {"TUNER_CONFIG", ConfigPath, "Path to the run configuration (default config/config.json)"},
		"TUNER_DEBUG":     {"TUNER_DEBUG", Debug, "Show additional debug information (e.g. TUNER_DEBUG=1)"},
		"TUNER_DEVICE":    {"TUNER_DEVICE", Device, "Device tensors are placed on (default cpu)"},
		"TUNER_LOG_LEVEL": {"TUNER_LOG_LEVEL", LogLevel, "Log level: TRACE, DEBUG, INFO, WARNING or ERROR (default INFO)"},
		"TUNER_RANK":      {"TUNER_RANK", Rank, "Process rank; only rank 0 logs below ERROR"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = false
	if debug := clean("TUNER_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	LogLevel = slog.LevelInfo
	if level := clean("TUNER_LOG_LEVEL"); level != "" {
		l, err := logutil.ParseLevel(level)
		if err != nil {
			slog.Error("invalid setting, ignoring", "TUNER_LOG_LEVEL", level, "error", err)
		} else {
			LogLevel = l
		}
	}

	if Debug && LogLevel > slog.LevelDebug {
		LogLevel = slog.LevelDebug
	}

	Rank = 0
	for _, key := range []string{"TUNER_RANK", "RANK"} {
		if rank := clean(key); rank != "" {
			r, err := strconv.Atoi(rank)
			if err != nil || r < 0 {
				slog.Error("invalid setting, ignoring", key, rank, "error", err)
				continue
			}

			Rank = r
			break
		}
	}

	ConfigPath = clean("TUNER_CONFIG")
	if ConfigPath == "" {
		ConfigPath = "config/config.json"
	}

	Device = clean("TUNER_DEVICE")
	if Device == "" {
		Device = "cpu"
	}
}

// Level is the effective log level of this process.
func Level() slog.Level {
	return logutil.RankLevel(Rank, LogLevel)
}
