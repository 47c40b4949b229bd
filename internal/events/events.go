// Package events implements the internal signal protocol connecting the
// consensus core to background verification and timer work.
//
// The consensus core produces InternalRequests; the scheduler
// (InternalPart) consumes them and asynchronously produces
// InternalEvents back to the core. Ordering is causal only: events from
// independent requests may arrive in any order, but a single request
// never yields a duplicated or internally reordered event.
package events

import (
	"time"

	"github.com/karstlabs/karst/internal/messages"
)

// RequestKind distinguishes internal request variants.
type RequestKind int

const (
	// RequestVerifyMessage asks for asynchronous signature verification
	// of raw message bytes.
	RequestVerifyMessage RequestKind = iota + 1
	// RequestTimeout asks for a timeout event at a deadline.
	RequestTimeout
	// RequestJumpToRound forwards a round-jump signal to the consumer.
	RequestJumpToRound
	// RequestRestartAPI asks the node to rebuild its aggregated API
	// surface after the service set changed.
	RequestRestartAPI
	// RequestShutdown stops the scheduler after forwarding a shutdown
	// event.
	RequestShutdown
)

// InternalRequest is one unit of work for the scheduler. Each request
// is processed at most once.
type InternalRequest struct {
	Kind     RequestKind
	Raw      []byte
	Deadline time.Time
	Token    uint64
	Height   uint64
	Round    uint32
}

// VerifyMessageRequest builds a verification request over raw wire bytes.
func VerifyMessageRequest(raw []byte) InternalRequest {
	return InternalRequest{Kind: RequestVerifyMessage, Raw: raw}
}

// TimeoutRequest builds a timeout request. Callers are responsible for
// ignoring stale tokens; the scheduler never cancels or deduplicates
// timers.
func TimeoutRequest(deadline time.Time, token uint64) InternalRequest {
	return InternalRequest{Kind: RequestTimeout, Deadline: deadline, Token: token}
}

// JumpToRoundRequest builds a round-jump request.
func JumpToRoundRequest(height uint64, round uint32) InternalRequest {
	return InternalRequest{Kind: RequestJumpToRound, Height: height, Round: round}
}

// RestartAPIRequest builds an API-rebuild request.
func RestartAPIRequest() InternalRequest {
	return InternalRequest{Kind: RequestRestartAPI}
}

// ShutdownRequest builds a shutdown request.
func ShutdownRequest() InternalRequest {
	return InternalRequest{Kind: RequestShutdown}
}

// EventKind distinguishes internal event variants.
type EventKind int

const (
	// EventMessageVerified carries a successfully verified message.
	EventMessageVerified EventKind = iota + 1
	// EventTimeout reports an expired timeout token.
	EventTimeout
	// EventJumpToRound forwards a round jump.
	EventJumpToRound
	// EventRestartAPI tells the node to rebuild its API surface.
	EventRestartAPI
	// EventShutdown tells the consumer to stop.
	EventShutdown
)

// InternalEvent is one scheduler output consumed by the consensus core.
type InternalEvent struct {
	Kind    EventKind
	Message *messages.Message
	Token   uint64
	Height  uint64
	Round   uint32
}

// MessageVerifiedEvent wraps a verified message.
func MessageVerifiedEvent(msg *messages.Message) InternalEvent {
	return InternalEvent{Kind: EventMessageVerified, Message: msg}
}

// TimeoutEvent reports expiry of the given token.
func TimeoutEvent(token uint64) InternalEvent {
	return InternalEvent{Kind: EventTimeout, Token: token}
}

// JumpToRoundEvent forwards a round jump.
func JumpToRoundEvent(height uint64, round uint32) InternalEvent {
	return InternalEvent{Kind: EventJumpToRound, Height: height, Round: round}
}

// RestartAPIEvent signals an API surface rebuild.
func RestartAPIEvent() InternalEvent {
	return InternalEvent{Kind: EventRestartAPI}
}

// ShutdownEvent signals consumer shutdown.
func ShutdownEvent() InternalEvent {
	return InternalEvent{Kind: EventShutdown}
}
