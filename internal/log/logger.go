// Package log provides structured logging for the loader using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with loader-specific helpers.
type Logger struct {
	*zap.Logger
	onTrace func(category, name, detail string) // trace callback for events
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// Default returns the global logger, or a no-op logger when Init was never called.
func Default() *Logger {
	if L != nil {
		return L
	}
	return NewNop()
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// SetOnTrace sets the trace callback for loader events.
func (l *Logger) SetOnTrace(fn func(category, name, detail string)) {
	l.onTrace = fn
}

// Trace reports a loader event to the trace callback and logs it at debug level.
func (l *Logger) Trace(category, name, detail string) {
	if l.onTrace != nil {
		l.onTrace(category, name, detail)
	}
	l.Debug("event",
		zap.String("cat", category),
		zap.String("fn", name),
		zap.String("detail", detail),
	)
}

// Files logs object mapping and unmapping, like LD_DEBUG=files.
func (l *Logger) Files(msg, object string, fields ...zap.Field) {
	l.Debug(msg, append([]zap.Field{zap.String("cat", "files"), Obj(object)}, fields...)...)
}

// Bindings logs a symbol binding from one object to another.
func (l *Logger) Bindings(ref, def, sym string, value uint64) {
	l.Debug("binding",
		zap.String("cat", "bindings"),
		zap.String("ref", ref),
		zap.String("def", def),
		Sym(sym),
		Ptr("value", value),
	)
}

// Reloc logs a relocation pass over one object.
func (l *Logger) Reloc(object string, count int, lazy bool) {
	l.Debug("relocate",
		zap.String("cat", "reloc"),
		Obj(object),
		zap.Int("count", count),
		zap.Bool("lazy", lazy),
	)
}

// Scopes logs the search scope used for an object.
func (l *Logger) Scopes(object string, scope []string) {
	l.Debug("scope",
		zap.String("cat", "scopes"),
		Obj(object),
		zap.Strings("scope", scope),
	)
}

// TLS logs TLS module bookkeeping.
func (l *Logger) TLS(msg string, modid uint64, fields ...zap.Field) {
	l.Debug(msg, append([]zap.Field{zap.String("cat", "tls"), zap.Uint64("modid", modid)}, fields...)...)
}

// Audit logs an auditor callback.
func (l *Logger) Audit(auditor, callback string, fields ...zap.Field) {
	l.Debug(callback, append([]zap.Field{zap.String("cat", "audit"), zap.String("auditor", auditor)}, fields...)...)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.String("cat", category)),
		onTrace: l.onTrace,
	}
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}

// Obj creates an object name field.
func Obj(name string) zap.Field {
	return zap.String("obj", name)
}

// Sym creates a symbol name field.
func Sym(name string) zap.Field {
	return zap.String("sym", name)
}

// NS creates a namespace id field.
func NS(id int) zap.Field {
	return zap.Int("ns", id)
}
