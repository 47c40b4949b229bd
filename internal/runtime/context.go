package runtime

import (
	"github.com/karstlabs/karst/internal/crypto"
	"github.com/karstlabs/karst/internal/storage"
)

// ExecutionContext is the scoped, per-execution environment handed to a
// runtime. It wraps the mutable storage fork, the transaction author,
// the triggering message hash, and the queue of deferred dispatcher
// actions.
//
// Exactly one context is live per transaction application. It is owned
// by the call stack of that execution and must not be retained after
// the call returns.
type ExecutionContext struct {
	Fork   *storage.Fork
	Author crypto.PublicKey
	TxHash crypto.Hash

	actions []Action
}

// NewExecutionContext creates a context for one transaction application.
func NewExecutionContext(fork *storage.Fork, author crypto.PublicKey, txHash crypto.Hash) *ExecutionContext {
	return &ExecutionContext{
		Fork:   fork,
		Author: author,
		TxHash: txHash,
	}
}

// QueueAction appends a deferred dispatcher action. Actions are applied
// by the dispatcher in the order queued, after the current call returns.
func (c *ExecutionContext) QueueAction(action Action) {
	c.actions = append(c.actions, action)
}

// TakeActions drains the pending action queue, preserving FIFO order.
func (c *ExecutionContext) TakeActions() []Action {
	actions := c.actions
	c.actions = nil
	return actions
}

// PendingActions reports how many actions are queued without draining.
func (c *ExecutionContext) PendingActions() int {
	return len(c.actions)
}
