package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// SignalSource delivers external cancellation requests. The default source is the
// process signal handler; embedders without one trigger shutdown programmatically.
type SignalSource interface {
	OnSignal(callback func())
}

// CreateContextWithShutdown returns a context that reports done when a SIGINT or
// SIGTERM is received.
func CreateContextWithShutdown() context.Context {
	return CreateContextWithCancelSource(osSignalSource{})
}

// CreateContextWithCancelSource returns a context cancelled by the given source.
func CreateContextWithCancelSource(source SignalSource) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	source.OnSignal(cancel)
	return ctx
}

type osSignalSource struct{}

func (osSignalSource) OnSignal(callback func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		callback()
	}()
}
