package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"
)

type EnvKey = string

const (
	LogLevel     EnvKey = "IMPLICITAUTH_LOG_LEVEL"
	LogPath      EnvKey = "IMPLICITAUTH_LOG_PATH"
	OTLPEndpoint EnvKey = "IMPLICITAUTH_OTLP_ENDPOINT"
	WSKey        EnvKey = "IMPLICITAUTH_WSKEY"
)

var dotEnv = map[string]string{}

func init() {
	buf, err := os.ReadFile(".env")
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Error(".env file found, but failed to read", slog.Any("error", err))
		}
		return
	}
	for line := range strings.SplitSeq(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		dotEnv[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

// Get returns the value of an environment variable, falling back to the .env file of the working
// directory. Environment variables take precedence.
func Get[T ~string](key EnvKey) (T, bool) {
	if value, ok := os.LookupEnv(key); ok {
		return T(value), true
	}
	if value, ok := dotEnv[key]; ok {
		return T(value), true
	}
	var zero T
	return zero, false
}
