package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Logger is a context-first structured logger.
//
// Records pick up the document id, query id and active trace id from the
// context, and credentials are redacted before they reach the handler, so
// backend headers and error bodies can be logged as they are.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	logger.Info(observability.AddDocumentID(ctx, "doc-1"), "chunks synced", "count", 12)
type Logger struct {
	logger *slog.Logger
}

// LogConfig configures a Logger.
type LogConfig struct {
	// Level is one of "debug", "info", "warn" or "error". Defaults to "info".
	Level string

	// Format is "json" or "text". Defaults to "json".
	Format string

	// Output defaults to os.Stderr so logs never mix with answers on stdout.
	Output io.Writer

	// AddSource includes file and line in every record.
	AddSource bool

	// RedactPatterns are extra regular expressions whose matches are masked.
	RedactPatterns []string
}

// ContextKey is the type of the context keys read by Logger.
type ContextKey string

const (
	// DocumentIDKey holds the id of the document a record concerns.
	DocumentIDKey ContextKey = "document_id"

	// QueryIDKey holds the id of one question/answer exchange.
	QueryIDKey ContextKey = "query_id"
)

const redacted = "[REDACTED]"

// DefaultRedactPatterns mask credentials that may appear in backend URLs,
// headers and error bodies.
var DefaultRedactPatterns = []string{
	`(?i)(bearer|basic)\s+[a-zA-Z0-9_\-\.=+/]{8,}`,
	`(?i)(api[_-]?key|access[_-]?token|token)[\s:=]+["']?[a-zA-Z0-9_\-\.]{16,}["']?`,
	`(?i)(secret|password|passwd)[\s:=]+["']?[^\s"'&]{8,}["']?`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// sensitiveKeys are attribute and header names whose values are always masked.
var sensitiveKeys = map[string]bool{
	"authorization":       true,
	"proxy_authorization": true,
	"cookie":              true,
	"x_api_key":           true,
	"api_key":             true,
	"token":               true,
	"password":            true,
	"secret":              true,
}

// NewLogger creates a logger writing to config.Output.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	r := newRedactor(config.RedactPatterns)
	opts := &slog.HandlerOptions{
		Level:       LogLevelFromString(config.Level),
		AddSource:   config.AddSource,
		ReplaceAttr: r.replaceAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return &Logger{logger: slog.New(contextHandler{handler})}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{logger: slog.New(slog.DiscardHandler)}
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// Enabled reports whether records at level would be emitted.
func (l *Logger) Enabled(ctx context.Context, level slog.Level) bool {
	return l.logger.Enabled(ctx, level)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if ctx == nil {
		ctx = context.Background()
	}
	l.logger.Log(ctx, level, msg, args...)
}

// WithFields returns a logger that adds args to every record.
//
//	syncLogger := logger.WithFields("component", "chunksync")
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}

// contextHandler copies correlation ids from the context into each record.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := GetDocumentID(ctx); id != "" {
		r.AddAttrs(slog.String(string(DocumentIDKey), id))
	}
	if id := GetQueryID(ctx); id != "" {
		r.AddAttrs(slog.String(string(QueryIDKey), id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(slog.String("trace_id", sc.TraceID().String()))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

// redactor masks credentials in attribute values, including the message.
type redactor struct {
	patterns []*regexp.Regexp
}

func newRedactor(extra []string) *redactor {
	r := &redactor{}
	for _, pattern := range append(append([]string{}, DefaultRedactPatterns...), extra...) {
		if re, err := regexp.Compile(pattern); err == nil {
			r.patterns = append(r.patterns, re)
		}
	}
	return r
}

func (r *redactor) replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, r.redact(a.Value.String()))
	case slog.KindAny:
		switch v := a.Value.Any().(type) {
		case error:
			return slog.String(a.Key, r.redact(v.Error()))
		case map[string]string:
			return slog.Any(a.Key, r.redactMap(v))
		case []byte:
			return slog.String(a.Key, r.redact(string(v)))
		}
	}
	return a
}

func (r *redactor) redact(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

func (r *redactor) redactMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = redacted
			continue
		}
		out[k] = r.redact(v)
	}
	return out
}

func isSensitiveKey(key string) bool {
	return sensitiveKeys[strings.ToLower(strings.ReplaceAll(key, "-", "_"))]
}

// AddDocumentID returns a context whose log records carry documentID.
func AddDocumentID(ctx context.Context, documentID string) context.Context {
	return context.WithValue(ctx, DocumentIDKey, documentID)
}

// AddQueryID returns a context whose log records carry queryID.
func AddQueryID(ctx context.Context, queryID string) context.Context {
	return context.WithValue(ctx, QueryIDKey, queryID)
}

func GetDocumentID(ctx context.Context) string {
	id, _ := ctx.Value(DocumentIDKey).(string)
	return id
}

func GetQueryID(ctx context.Context) string {
	id, _ := ctx.Value(QueryIDKey).(string)
	return id
}

// LogLevelFromString parses a level name, defaulting to info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
