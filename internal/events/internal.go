package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/karstlabs/karst/internal/messages"
)

// InternalPart is the internal event scheduler: a single consuming loop
// over the request channel that emits events onto the output channel.
//
// Concurrency contract:
//   - exactly one consumer drains the event channel (the consensus core);
//   - verification runs on detached goroutines so a burst of
//     CPU-bound verification requests cannot starve timer delivery;
//   - each timeout is an independent timer goroutine;
//   - a shutdown only stops new processing; in-flight goroutines may
//     still complete, and their sends into a gone consumer are silent
//     no-ops.
//
// The consumer signals its departure by closing done; the loop treats
// that as a non-error termination since generated events would be
// dropped anyway.
type InternalPart struct {
	requests <-chan InternalRequest
	events   chan<- InternalEvent
	done     <-chan struct{}
	logger   *slog.Logger
}

// NewInternalPart wires a scheduler over the given channel pair. The
// done channel is owned by the event consumer and closed when it stops
// receiving.
func NewInternalPart(requests <-chan InternalRequest, events chan<- InternalEvent, done <-chan struct{}, logger *slog.Logger) *InternalPart {
	if logger == nil {
		logger = slog.Default()
	}
	return &InternalPart{
		requests: requests,
		events:   events,
		done:     done,
		logger:   logger,
	}
}

// Run consumes requests until the request channel closes, the consumer
// goes away, a shutdown request is forwarded, or ctx is cancelled.
// Always returns cleanly; scheduling failures are logged, never
// propagated: the scheduler favors liveness of unrelated future events
// over strict delivery of any one event.
func (p *InternalPart) Run(ctx context.Context) {
	for {
		// The consumer may already be gone; processing a queue whose
		// output can never be observed is unbounded wasted work.
		if p.consumerGone(ctx) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case req, ok := <-p.requests:
			if !ok {
				return
			}
			if !p.handle(req) {
				return
			}
		}
	}
}

// handle processes one request. Returns false when the loop should stop.
func (p *InternalPart) handle(req InternalRequest) bool {
	switch req.Kind {
	case RequestVerifyMessage:
		go p.verifyMessage(req.Raw)
	case RequestTimeout:
		go p.fireTimeout(req.Deadline, req.Token)
	case RequestJumpToRound:
		go p.sendEvent(JumpToRoundEvent(req.Height, req.Round))
	case RequestRestartAPI:
		go p.sendEvent(RestartAPIEvent())
	case RequestShutdown:
		// Forward the shutdown, then stop accepting new work.
		p.sendEvent(ShutdownEvent())
		return false
	default:
		p.logger.Warn("dropping internal request of unknown kind", "kind", int(req.Kind))
	}
	return true
}

// verifyMessage decodes and verifies raw message bytes. Any failure is
// a silent drop: to the consensus layer a bad message is
// indistinguishable from one that was never received.
func (p *InternalPart) verifyMessage(raw []byte) {
	sm, err := messages.Decode(raw)
	if err != nil {
		p.logger.Debug("dropping undecodable message", "err", err)
		return
	}
	msg, err := sm.Verify()
	if err != nil {
		p.logger.Debug("dropping message with invalid signature", "author", sm.Author)
		return
	}
	p.sendEvent(MessageVerifiedEvent(msg))
}

// fireTimeout sleeps until the deadline and emits the token. A deadline
// already in the past collapses to an immediate fire, never a negative
// sleep.
func (p *InternalPart) fireTimeout(deadline time.Time, token uint64) {
	duration := time.Until(deadline)
	if duration < 0 {
		duration = 0
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		p.sendEvent(TimeoutEvent(token))
	case <-p.done:
	}
}

// sendEvent emits an event unless the consumer has gone away, in which
// case the event is silently discarded.
func (p *InternalPart) sendEvent(event InternalEvent) bool {
	select {
	case p.events <- event:
		return true
	case <-p.done:
		return false
	}
}

func (p *InternalPart) consumerGone(ctx context.Context) bool {
	select {
	case <-p.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
