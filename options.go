package gpuheap

import (
	"log/slog"

	"github.com/hupe1980/gpuheap/resource"
)

type options struct {
	name             string
	logger           *Logger
	metricsCollector MetricsCollector
	controller       *resource.Controller
}

// Option configures a HeapAllocator or GeometryArena.
type Option func(*options)

// WithName sets the name used in logs and errors.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger configures structured logging.
// A nil logger discards allocator events.
//
// Example with JSON logging:
//
//	logger := gpuheap.NewJSONLogger(slog.LevelDebug)
//	h, _ := gpuheap.NewHeapAllocator(ctx, dev, gpuheap.Compact, 1<<20, gpuheap.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Shorthand for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector.
// A nil collector falls back to NoopMetricsCollector.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithResourceController sets the controller whose maintenance slots gate
// Defragment and ShrinkToFit. Usually the one the device was built with.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.controller = rc
	}
}

func applyOptions(defaultName string, optFns []Option) options {
	o := options{
		name:             defaultName,
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
