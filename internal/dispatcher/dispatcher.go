// Package dispatcher routes artifact, service and transaction
// operations to the owning execution runtime.
//
// The dispatcher is the single entry point for deploy, init and execute
// calls. It owns the runtime registry and the instance-to-runtime
// routing table, and it is the only component that interprets the
// deferred actions runtimes queue during execution.
//
// All hook and aggregation fan-out (state hashes, commit hooks,
// services API) iterates runtimes in ascending runtime id order. The
// order is part of the replicated protocol: block-header hash
// computation folds these results in sequence, so an unstable order
// would fork replicas that execute identical blocks.
//
// The surrounding consensus engine serializes all calls; the dispatcher
// performs no internal locking.
package dispatcher

import (
	"log/slog"
	"sort"

	"github.com/karstlabs/karst/internal/api"
	"github.com/karstlabs/karst/internal/events"
	"github.com/karstlabs/karst/internal/runtime"
	"github.com/karstlabs/karst/internal/storage"
)

// Dispatcher routes operations to registered runtimes.
type Dispatcher struct {
	runtimes      map[uint32]runtime.Runtime
	runtimeLookup map[uint32]uint32 // instance id -> runtime id, append-only
	requests      chan<- events.InternalRequest
	logger        *slog.Logger
}

func newDispatcher(requests chan<- events.InternalRequest, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runtimes:      make(map[uint32]runtime.Runtime),
		runtimeLookup: make(map[uint32]uint32),
		requests:      requests,
		logger:        logger,
	}
}

func (d *Dispatcher) addRuntime(id uint32, rt runtime.Runtime) {
	d.runtimes[id] = rt
}

// notifyServiceStarted records the instance-to-runtime mapping. Entries
// are never removed.
func (d *Dispatcher) notifyServiceStarted(instanceID uint32, artifact runtime.ArtifactSpec) {
	d.runtimeLookup[instanceID] = artifact.RuntimeID
}

// StartDeploy routes an artifact deployment by runtime id.
func (d *Dispatcher) StartDeploy(artifact runtime.ArtifactSpec) error {
	rt, ok := d.runtimes[artifact.RuntimeID]
	if !ok {
		return &runtime.DeployError{Code: runtime.DeployWrongRuntime}
	}
	return rt.StartDeploy(artifact)
}

// CheckDeployStatus routes a deployment status poll by runtime id.
func (d *Dispatcher) CheckDeployStatus(artifact runtime.ArtifactSpec, cancelIfIncomplete bool) (runtime.DeployStatus, error) {
	rt, ok := d.runtimes[artifact.RuntimeID]
	if !ok {
		return runtime.DeployFailed, &runtime.DeployError{Code: runtime.DeployWrongRuntime}
	}
	return rt.CheckDeployStatus(artifact, cancelIfIncomplete)
}

// InitService routes a service initialization by the artifact's runtime
// id. On success the instance-to-runtime mapping is recorded before
// returning; on failure no mapping is recorded.
//
// Either way an API-surface rebuild is requested, best-effort: the
// dispatcher must remain operable even when nothing listens on the
// request channel.
func (d *Dispatcher) InitService(ctx *runtime.ExecutionContext, artifact runtime.ArtifactSpec, constructor runtime.ServiceConstructor) error {
	rt, ok := d.runtimes[artifact.RuntimeID]
	if !ok {
		return &runtime.InitError{Code: runtime.InitWrongRuntime}
	}

	err := rt.InitService(ctx, artifact, constructor)
	if err == nil {
		d.notifyServiceStarted(constructor.InstanceID, artifact)
	}

	select {
	case d.requests <- events.RestartAPIRequest():
	default:
		d.logger.Warn("failed to request API restart")
	}
	return err
}

// Execute resolves the owning runtime through the routing table, runs
// the call, then applies the deferred actions the call queued, in FIFO
// order. The first failing action aborts application of the rest;
// effects of already-applied actions remain.
func (d *Dispatcher) Execute(ctx *runtime.ExecutionContext, call runtime.CallInfo, payload []byte) error {
	runtimeID, ok := d.runtimeLookup[call.InstanceID]
	if !ok {
		return runtime.WrongRuntimeExecError()
	}
	rt, ok := d.runtimes[runtimeID]
	if !ok {
		return runtime.WrongRuntimeExecError()
	}

	if err := rt.Execute(ctx, call, payload); err != nil {
		return err
	}
	for _, action := range ctx.TakeActions() {
		if err := d.applyAction(ctx, action); err != nil {
			return err
		}
	}
	return nil
}

// applyAction interprets one deferred action. Action application is
// flattened to one level: anything a handler queues in turn is
// discarded, not applied.
func (d *Dispatcher) applyAction(ctx *runtime.ExecutionContext, action runtime.Action) error {
	var err error
	switch action.Kind {
	case runtime.ActionStartDeploy:
		err = d.StartDeploy(action.Artifact)
	case runtime.ActionInitService:
		err = d.InitService(ctx, action.Artifact, action.Constructor)
	default:
		return &runtime.ExecutionError{
			Code:        runtime.WrongRuntimeCode,
			Description: "unknown dispatcher action",
		}
	}

	if n := ctx.PendingActions(); n > 0 {
		d.logger.Warn("discarding nested dispatcher actions", "count", n, "action", action.Kind.String())
		ctx.TakeActions()
	}
	if err != nil {
		return runtime.ExecErrorFrom(err)
	}
	return nil
}

// StateHashes collects per-instance hashes from every runtime in
// ascending runtime id order. Results are concatenated, never merged.
func (d *Dispatcher) StateHashes(snapshot *storage.Snapshot) []runtime.StateHash {
	var hashes []runtime.StateHash
	for _, id := range d.sortedRuntimeIDs() {
		hashes = append(hashes, d.runtimes[id].StateHashes(snapshot)...)
	}
	return hashes
}

// BeforeCommit fans out to every runtime in ascending runtime id order.
func (d *Dispatcher) BeforeCommit(fork *storage.Fork) {
	for _, id := range d.sortedRuntimeIDs() {
		d.runtimes[id].BeforeCommit(fork)
	}
}

// AfterCommit fans out to every runtime in ascending runtime id order.
func (d *Dispatcher) AfterCommit(snapshot *storage.Snapshot) {
	for _, id := range d.sortedRuntimeIDs() {
		d.runtimes[id].AfterCommit(snapshot)
	}
}

// ServicesAPI concatenates every runtime's API surface in ascending
// runtime id order. Purely additive; no conflict resolution.
func (d *Dispatcher) ServicesAPI() []api.ServiceAPI {
	var out []api.ServiceAPI
	for _, id := range d.sortedRuntimeIDs() {
		out = append(out, d.runtimes[id].ServicesAPI()...)
	}
	return out
}

func (d *Dispatcher) sortedRuntimeIDs() []uint32 {
	ids := make([]uint32, 0, len(d.runtimes))
	for id := range d.runtimes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
