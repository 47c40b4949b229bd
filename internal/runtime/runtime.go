package runtime

import (
	"github.com/karstlabs/karst/internal/api"
	"github.com/karstlabs/karst/internal/storage"
)

// Runtime is the capability set every execution backend implements.
//
// The dispatcher assumes exclusive access per call: the surrounding
// consensus engine serializes all invocations, so implementations need
// no internal locking for dispatcher-driven state.
type Runtime interface {
	// StartDeploy begins preparation of an artifact. Idempotent per
	// artifact identity. Returns a *DeployError with code WRONG_RUNTIME
	// if the artifact's runtime id does not match.
	StartDeploy(artifact ArtifactSpec) error

	// CheckDeployStatus polls a deployment without blocking. When
	// cancelIfIncomplete is set, an in-flight deployment is abandoned
	// instead of awaited.
	CheckDeployStatus(artifact ArtifactSpec, cancelIfIncomplete bool) (DeployStatus, error)

	// InitService initializes a service instance from a deployed
	// artifact. Invoked exactly once per instance id. On failure the
	// runtime's internal bookkeeping must be unchanged, so the caller
	// can retry or reject cleanly.
	InitService(ctx *ExecutionContext, artifact ArtifactSpec, constructor ServiceConstructor) error

	// Execute invokes one exposed method of a running instance. All
	// storage mutation goes through ctx.Fork. Must be fully
	// deterministic given identical (ctx state, call, payload).
	Execute(ctx *ExecutionContext, call CallInfo, payload []byte) error

	// StateHashes computes per-instance content hashes for block-header
	// inclusion. Pure function of the snapshot.
	StateHashes(snapshot *storage.Snapshot) []StateHash

	// BeforeCommit runs once per block before state is sealed and may
	// still mutate the fork.
	BeforeCommit(fork *storage.Fork)

	// AfterCommit observes the committed state once per block. It must
	// not fail the block; implementation errors are logged, not
	// propagated.
	AfterCommit(snapshot *storage.Snapshot)

	// ServicesAPI returns the runtime's exposed API surface as ordered
	// (name, builder) pairs.
	ServicesAPI() []api.ServiceAPI
}
