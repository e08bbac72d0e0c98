// Package logging provides config-driven categorized logging for hobbes.
// Every category shares one zap core; the category is attached as the logger name.
// Logging is controlled by logging.debug_mode - when false, every logger is a no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot        Category = "boot"        // Boot/initialization
	CategorySession     Category = "session"     // Conversation actor, summaries
	CategoryAPI         Category = "api"         // Model endpoint calls
	CategoryStream      Category = "stream"      // SSE decoding, retries
	CategoryTurn        Category = "turn"        // Turn orchestration
	CategoryTools       Category = "tools"       // Tool dispatch and MCP servers
	CategoryPermissions Category = "permissions" // Permission gate decisions
	CategoryStore       Category = "store"       // SQLite persistence
	CategoryPrompt      Category = "prompt"      // Prompt assembly
	CategoryConfig      Category = "config"      // Config load/reload
	CategoryEmbedding   Category = "embedding"   // Archive embedding engines
)

// Options mirrors config.LoggingConfig to avoid circular imports.
type Options struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
	// Dir receives hobbes.log. Empty means stderr.
	Dir string
}

// Logger is a category-scoped sugared zap logger. The zero value discards everything.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	base    *zap.Logger
	opts    Options
	loggers = make(map[Category]*Logger)
	logFile *os.File
)

// Initialize builds the shared zap core from opts.
// Safe to call again; the previous core is flushed and replaced.
func Initialize(o Options) error {
	if !o.DebugMode {
		install(nil, o, nil)
		return nil
	}

	level := zapcore.InfoLevel
	if o.Level != "" {
		parsed, err := zapcore.ParseLevel(o.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", o.Level, err)
		}
		level = parsed
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.NameKey = "cat"
	var enc zapcore.Encoder
	if o.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer
	var file *os.File
	if o.Dir == "" {
		sink = zapcore.Lock(os.Stderr)
	} else {
		if err := os.MkdirAll(o.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(o.Dir, "hobbes.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		sink = zapcore.AddSync(f)
	}

	install(zap.New(zapcore.NewCore(enc, sink, level)), o, file)

	Boot("=== hobbes logging initialized (level=%s, json=%v) ===", level, o.JSONFormat)
	if len(o.Categories) > 0 {
		enabled := 0
		for _, on := range o.Categories {
			if on {
				enabled++
			}
		}
		Boot("Enabled categories: %d/%d", enabled, len(o.Categories))
	}
	return nil
}

// UseLogger installs an existing zap logger with every category enabled.
// Tests pass an observer-backed logger here.
func UseLogger(l *zap.Logger) {
	install(l, Options{DebugMode: l != nil}, nil)
}

func install(l *zap.Logger, o Options, file *os.File) {
	mu.Lock()
	defer mu.Unlock()
	if base != nil {
		_ = base.Sync()
	}
	if logFile != nil {
		logFile.Close()
	}
	base = l
	opts = o
	logFile = file
	loggers = make(map[Category]*Logger)
}

// IsDebugMode returns whether logging is enabled at all.
func IsDebugMode() bool {
	mu.RLock()
	defer mu.RUnlock()
	return base != nil && opts.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
// Categories missing from the filter are enabled.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if base == nil || !opts.DebugMode {
		return false
	}
	enabled, exists := opts.Categories[string(category)]
	return !exists || enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if logging or the category is disabled.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{category: category}
	if categoryEnabledLocked(category) {
		l.sugar = base.Named(string(category)).Sugar()
	}
	loggers[category] = l
	return l
}

// Category returns the category this logger writes to.
func (l *Logger) Category() Category { return l.category }

// With returns a child logger carrying structured key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Debugf(format, args...)
	}
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Infof(format, args...)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Warnf(format, args...)
	}
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Errorf(format, args...)
	}
}

// CloseAll flushes the core and closes the log file (call at shutdown).
func CloseAll() {
	install(nil, Options{}, nil)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - no-ops if the category is disabled
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

func Session(format string, args ...interface{})      { Get(CategorySession).Info(format, args...) }
func SessionDebug(format string, args ...interface{}) { Get(CategorySession).Debug(format, args...) }
func SessionWarn(format string, args ...interface{})  { Get(CategorySession).Warn(format, args...) }

func API(format string, args ...interface{})      { Get(CategoryAPI).Info(format, args...) }
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debug(format, args...) }
func APIError(format string, args ...interface{}) { Get(CategoryAPI).Error(format, args...) }

func Stream(format string, args ...interface{})      { Get(CategoryStream).Info(format, args...) }
func StreamDebug(format string, args ...interface{}) { Get(CategoryStream).Debug(format, args...) }
func StreamWarn(format string, args ...interface{})  { Get(CategoryStream).Warn(format, args...) }
func StreamError(format string, args ...interface{}) { Get(CategoryStream).Error(format, args...) }

func Turn(format string, args ...interface{})      { Get(CategoryTurn).Info(format, args...) }
func TurnDebug(format string, args ...interface{}) { Get(CategoryTurn).Debug(format, args...) }
func TurnWarn(format string, args ...interface{})  { Get(CategoryTurn).Warn(format, args...) }
func TurnError(format string, args ...interface{}) { Get(CategoryTurn).Error(format, args...) }

func Tools(format string, args ...interface{})      { Get(CategoryTools).Info(format, args...) }
func ToolsDebug(format string, args ...interface{}) { Get(CategoryTools).Debug(format, args...) }
func ToolsWarn(format string, args ...interface{})  { Get(CategoryTools).Warn(format, args...) }
func ToolsError(format string, args ...interface{}) { Get(CategoryTools).Error(format, args...) }

func Permissions(format string, args ...interface{}) { Get(CategoryPermissions).Info(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Error(format, args...) }

func PromptDebug(format string, args ...interface{}) { Get(CategoryPrompt).Debug(format, args...) }

func Config(format string, args ...interface{})     { Get(CategoryConfig).Info(format, args...) }
func ConfigWarn(format string, args ...interface{}) { Get(CategoryConfig).Warn(format, args...) }

func Embedding(format string, args ...interface{})      { Get(CategoryEmbedding).Info(format, args...) }
func EmbeddingDebug(format string, args ...interface{}) { Get(CategoryEmbedding).Debug(format, args...) }

// =============================================================================
// TIMING
// =============================================================================

// Timer measures an operation and logs its duration on Stop.
type Timer struct {
	logger    *Logger
	operation string
	start     time.Time
}

// StartTimer begins timing an operation in the given category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{logger: Get(category), operation: operation, start: time.Now()}
}

// Stop logs the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.logger.Debug("%s completed in %v", t.operation, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning instead when the threshold is exceeded.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		t.logger.Warn("%s took %v (threshold %v)", t.operation, elapsed, threshold)
	} else {
		t.logger.Debug("%s completed in %v", t.operation, elapsed)
	}
	return elapsed
}
