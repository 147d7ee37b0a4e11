package gpuheap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with allocator-specific helpers.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	}))
}

// WithHeap adds the heap name to the logger.
func (l *Logger) WithHeap(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("heap", name),
	}
}

// WithStrategy adds the strategy to the logger.
func (l *Logger) WithStrategy(s Strategy) *Logger {
	return &Logger{
		Logger: l.Logger.With("strategy", s.String()),
	}
}

// LogAllocate logs an allocation. Exhaustion is a warning, not an error:
// callers are expected to recover from it.
func (l *Logger) LogAllocate(size uint64, replication uint32, startPage, pages uint64, err error) {
	switch {
	case errors.Is(err, ErrOutOfSpace):
		l.Warn("allocate failed",
			"size", size,
			"replication", replication,
			"error", err,
		)
	case err != nil:
		l.Error("allocate failed",
			"size", size,
			"replication", replication,
			"error", err,
		)
	default:
		l.Debug("allocate completed",
			"size", size,
			"replication", replication,
			"start_page", startPage,
			"pages", pages,
		)
	}
}

// LogFree logs a deallocation.
func (l *Logger) LogFree(startPage, pages uint64, err error) {
	if err != nil {
		l.Error("free failed",
			"start_page", startPage,
			"pages", pages,
			"error", err,
		)
		return
	}
	l.Debug("free completed",
		"start_page", startPage,
		"pages", pages,
	)
}

// LogMeshLoad logs a mesh upload.
func (l *Logger) LogMeshLoad(ctx context.Context, id uint32, vertexBytes, indexBytes uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "mesh load failed",
			"vertex_bytes", vertexBytes,
			"index_bytes", indexBytes,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "mesh loaded",
		"mesh", id,
		"vertex_bytes", vertexBytes,
		"index_bytes", indexBytes,
	)
}

// LogDefragment logs a defragmentation pass.
func (l *Logger) LogDefragment(ctx context.Context, moved int, movedBytes uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "defragment failed",
			"moved", moved,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "defragment completed",
		"moved", moved,
		"moved_bytes", movedBytes,
	)
}

// LogShrink logs a shrink-to-fit pass.
func (l *Logger) LogShrink(ctx context.Context, vertexBytes, indexBytes uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "shrink failed",
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "shrink completed",
		"vertex_heap_bytes", vertexBytes,
		"index_heap_bytes", indexBytes,
	)
}
