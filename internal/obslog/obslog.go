// Package obslog wraps go.uber.org/zap behind the harness's logging
// surface. Every record passes through a redacting zapcore.Core so that
// invariant I4 (no jaasConfig, client secret, or vault response field ever
// reaches a log record) is enforced mechanically rather than by
// call-site discipline.
package obslog

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redactedPlaceholder = "***redacted***"

// sensitiveKeySubstrings are matched case-insensitively against a field's
// key. Any match replaces the field's value before it reaches the core.
var sensitiveKeySubstrings = []string{
	"jaas",
	"secret",
	"credential",
	"password",
	"token",
	"jaasconfig",
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeySubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// redactingCore wraps a zapcore.Core, rewriting sensitive fields to a
// fixed placeholder before delegating to the wrapped core.
type redactingCore struct {
	zapcore.Core
}

func wrapCore(core zapcore.Core) zapcore.Core {
	return &redactingCore{Core: core}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(redactFields(fields))}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Core.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, redactFields(fields))
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		if isSensitiveKey(f.Key) {
			out[i] = zap.String(f.Key, redactedPlaceholder)
			continue
		}
		out[i] = f
	}
	return out
}

// New builds a production zap.Logger with redaction wired in. verbose
// switches to a development encoder (human-readable, colored) the way
// the harness's local/dev profile does.
func New(verbose bool) (*zap.Logger, error) {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return wrapCore(c)
	})), nil
}

// VerboseLogger is the minimal logging interface the harness passes
// across package boundaries that must not import obslog/zap directly.
type VerboseLogger interface {
	Debug(msg string, args ...any)
}

// sugarAdapter adapts a *zap.SugaredLogger to VerboseLogger.
type sugarAdapter struct {
	s *zap.SugaredLogger
}

func (a sugarAdapter) Debug(msg string, args ...any) {
	a.s.Debugw(msg, args...)
}

// AsVerboseLogger adapts a *zap.Logger to the minimal VerboseLogger
// contract.
func AsVerboseLogger(l *zap.Logger) VerboseLogger {
	return sugarAdapter{s: l.Sugar()}
}
