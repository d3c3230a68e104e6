// Package groutine starts background goroutines carrying a name in their pprof labels and context,
// so radio callbacks and event loops can be told apart in profiles and logs.
package groutine

import (
	"context"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts fn on a named goroutine and returns a channel closed when fn returns.
// If parentCtx is nil, context.Background() is used.
//
//	done := groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
//	    // work
//	})
//	<-done
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) <-chan struct{} {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	done := make(chan struct{})
	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		defer close(done)
		fn(context.WithValue(ctx, goroutineNameKey, name))
	})
	return done
}

// GoLogged is Go with panic recovery: a panic in fn is logged with the goroutine name
// instead of crashing the process.
func GoLogged(parentCtx context.Context, logger *logrus.Logger, name string, fn func(ctx context.Context)) <-chan struct{} {
	return Go(parentCtx, name, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil && logger != nil {
				logger.WithFields(logrus.Fields{
					"goroutine": name,
					"panic":     r,
				}).Error("Background goroutine panicked")
			}
		}()
		fn(ctx)
	})
}

// Name retrieves the goroutine name from the context.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(goroutineNameKey).(string); ok {
		return v
	}
	return ""
}
