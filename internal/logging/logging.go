// Package logging builds the process logger.
package logging

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON production logger at level ("debug", "info", "warn",
// "error").
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

var sensitive = map[string]struct{}{
	"authorization":   {},
	"x-postage-stamp": {},
	"cookie":          {},
}

// SafeHeaders renders request headers for logging with credentials
// redacted.
func SafeHeaders(h http.Header) string {
	parts := make([]string, 0, len(h))
	for k, v := range h {
		if len(v) == 0 || v[0] == "" {
			continue
		}
		value := v[0]
		if _, ok := sensitive[strings.ToLower(k)]; ok {
			value = "<redacted>"
		}
		parts = append(parts, k+"="+value)
	}
	return strings.Join(parts, "; ")
}
