package dispatcher

import (
	"log/slog"

	"github.com/karstlabs/karst/internal/events"
	"github.com/karstlabs/karst/internal/runtime"
	"github.com/karstlabs/karst/internal/runtime/native"
)

// Builder assembles a Dispatcher in two phases: accumulate service
// factories, builtin services and extra runtimes, then Finalize to
// register the native runtime under its well-known id and obtain the
// ready dispatcher. The dispatcher is not usable before Finalize.
type Builder struct {
	dispatcher *Dispatcher
	native     *native.Runtime
}

// NewBuilder starts dispatcher construction. The request channel
// carries best-effort internal signals (API restarts); it may be nil
// for dispatchers with no listener.
func NewBuilder(requests chan<- events.InternalRequest, logger *slog.Logger) *Builder {
	return &Builder{
		dispatcher: newDispatcher(requests, logger),
		native:     native.New(logger),
	}
}

// WithServiceFactory registers a native service factory, making its
// artifact deployable.
func (b *Builder) WithServiceFactory(factory native.ServiceFactory) *Builder {
	b.native.AddServiceFactory(factory)
	return b
}

// WithBuiltinService registers a native service instance under a
// predefined id, bypassing init entirely. The service's constructor is
// never invoked, so it must not require one. Genesis-only path.
func (b *Builder) WithBuiltinService(factory native.ServiceFactory, instanceID uint32, name string) *Builder {
	artifact := b.native.AddBuiltinService(factory, instanceID, name)
	b.dispatcher.notifyServiceStarted(instanceID, artifact)
	return b
}

// WithRuntime registers an additional execution runtime.
func (b *Builder) WithRuntime(id uint32, rt runtime.Runtime) *Builder {
	b.dispatcher.addRuntime(id, rt)
	return b
}

// Finalize registers the native runtime under its well-known id and
// returns the ready dispatcher. The builder must not be reused.
func (b *Builder) Finalize() *Dispatcher {
	b.dispatcher.addRuntime(native.ID, b.native)
	return b.dispatcher
}
