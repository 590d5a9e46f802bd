package buildsys

import (
	"context"

	"github.com/rs/zerolog"
)

type logKey struct{}

func log(ctx context.Context) *zerolog.Logger {
	logger := ctx.Value(logKey{})
	if logger == nil {
		panic("Logger is missing in context!")
	}

	return logger.(*zerolog.Logger)
}

// WithLogger attaches the given logger to the context. The assets package picks it up through
// zerolog.Ctx.
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	ctx = logger.WithContext(ctx)
	return context.WithValue(ctx, logKey{}, logger)
}

// withTask returns a context whose logger tags all messages with the given task.
func withTask(ctx context.Context, task string) context.Context {
	logger := log(ctx).With().Str("task", task).Logger()
	return WithLogger(ctx, &logger)
}
