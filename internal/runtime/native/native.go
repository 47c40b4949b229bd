// Package native implements the in-process runtime: services written in
// Go, compiled into the node binary, and instantiated from registered
// factories.
//
// An artifact of this runtime is addressed by a JSON raw spec
// {"name", "version"} validated against an embedded CUE schema at
// deploy time. Deployment is synchronous (the code is already linked
// in); it only checks that a factory for the named artifact exists.
package native

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"golang.org/x/text/unicode/norm"

	"github.com/karstlabs/karst/internal/api"
	"github.com/karstlabs/karst/internal/crypto"
	"github.com/karstlabs/karst/internal/runtime"
	"github.com/karstlabs/karst/internal/storage"
)

// ID is the well-known identifier the dispatcher registers the native
// runtime under.
const ID uint32 = 0

// artifactSchema constrains native artifact raw specs.
const artifactSchema = `
#Artifact: {
	name:    string & =~"^[a-z][a-z0-9-]*$"
	version: string & =~"^[0-9]+\\.[0-9]+\\.[0-9]+$"
}
`

// artifactMeta is the decoded form of a native raw spec.
type artifactMeta struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (m artifactMeta) key() string {
	return m.Name + ":" + m.Version
}

// Service is one running native service instance.
type Service interface {
	// Initialize consumes the one-shot constructor payload. Not called
	// for builtin services.
	Initialize(ctx *runtime.ExecutionContext, data []byte) error

	// Execute runs one exposed method against the context's fork.
	Execute(ctx *runtime.ExecutionContext, methodID uint16, payload []byte) error

	// StateHash computes the instance's content hash from a snapshot.
	StateHash(snapshot *storage.Snapshot) crypto.Hash

	// WireAPI registers the service's HTTP endpoints.
	WireAPI(builder *api.Builder)
}

// BeforeCommitter is implemented by services that hook block sealing.
type BeforeCommitter interface {
	BeforeCommit(fork *storage.Fork)
}

// AfterCommitter is implemented by services that observe committed
// state. Errors are logged by the runtime, never propagated.
type AfterCommitter interface {
	AfterCommit(snapshot *storage.Snapshot) error
}

// ServiceFactory creates service instances for one artifact.
type ServiceFactory interface {
	ArtifactName() string
	ArtifactVersion() string
	New() Service
}

type instance struct {
	name    string
	service Service
}

// Runtime is the native execution backend. All mutation happens during
// single-threaded block application; no internal locking.
type Runtime struct {
	logger    *slog.Logger
	factories map[string]ServiceFactory
	deployed  map[string]runtime.ArtifactSpec
	services  map[uint32]instance
	schema    cue.Value
	cuectx    *cue.Context
}

// New creates an empty native runtime.
func New(logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	cuectx := cuecontext.New()
	schema := cuectx.CompileString(artifactSchema).LookupPath(cue.ParsePath("#Artifact"))
	return &Runtime{
		logger:    logger,
		factories: make(map[string]ServiceFactory),
		deployed:  make(map[string]runtime.ArtifactSpec),
		services:  make(map[uint32]instance),
		schema:    schema,
		cuectx:    cuectx,
	}
}

// AddServiceFactory registers a factory. Later registrations with the
// same artifact key replace earlier ones.
func (r *Runtime) AddServiceFactory(factory ServiceFactory) {
	key := factory.ArtifactName() + ":" + factory.ArtifactVersion()
	r.factories[key] = factory
}

// AddBuiltinService registers a pre-initialized service instance,
// bypassing the init protocol entirely. Genesis-only path: the
// constructor is never invoked, so builtin services must not require
// one. Returns the artifact the instance is recorded under.
func (r *Runtime) AddBuiltinService(factory ServiceFactory, instanceID uint32, name string) runtime.ArtifactSpec {
	r.AddServiceFactory(factory)

	meta := artifactMeta{Name: factory.ArtifactName(), Version: factory.ArtifactVersion()}
	raw, err := json.Marshal(meta)
	if err != nil {
		// artifactMeta is two strings; this cannot fail.
		panic(fmt.Sprintf("marshal builtin artifact meta: %v", err))
	}
	artifact := runtime.ArtifactSpec{RuntimeID: ID, RawSpec: raw}

	r.deployed[meta.key()] = artifact
	r.services[instanceID] = instance{
		name:    norm.NFC.String(name),
		service: factory.New(),
	}
	return artifact
}

// StartDeploy validates the raw spec and checks a factory exists.
// Idempotent per artifact identity.
func (r *Runtime) StartDeploy(artifact runtime.ArtifactSpec) error {
	if artifact.RuntimeID != ID {
		return &runtime.DeployError{Code: runtime.DeployWrongRuntime}
	}
	meta, err := r.parseSpec(artifact.RawSpec)
	if err != nil {
		return err
	}
	if _, ok := r.factories[meta.key()]; !ok {
		return &runtime.DeployError{
			Code:    runtime.DeployWrongArtifact,
			Message: fmt.Sprintf("no service factory for artifact %q", meta.key()),
		}
	}
	r.deployed[meta.key()] = artifact
	return nil
}

// CheckDeployStatus reports Deployed for known artifacts. Native
// deployment is synchronous, so cancelIfIncomplete has nothing to
// cancel.
func (r *Runtime) CheckDeployStatus(artifact runtime.ArtifactSpec, _ bool) (runtime.DeployStatus, error) {
	if artifact.RuntimeID != ID {
		return runtime.DeployFailed, &runtime.DeployError{Code: runtime.DeployWrongRuntime}
	}
	meta, err := r.parseSpec(artifact.RawSpec)
	if err != nil {
		return runtime.DeployFailed, err
	}
	if _, ok := r.deployed[meta.key()]; !ok {
		return runtime.DeployFailed, &runtime.DeployError{
			Code:    runtime.DeployWrongArtifact,
			Message: fmt.Sprintf("artifact %q is not deployed", meta.key()),
		}
	}
	return runtime.Deployed, nil
}

// InitService creates and initializes a service instance. Exactly once
// per instance id; a failed init leaves the runtime unchanged.
func (r *Runtime) InitService(ctx *runtime.ExecutionContext, artifact runtime.ArtifactSpec, constructor runtime.ServiceConstructor) error {
	if artifact.RuntimeID != ID {
		return &runtime.InitError{Code: runtime.InitWrongRuntime}
	}
	meta, err := r.parseSpec(artifact.RawSpec)
	if err != nil {
		return &runtime.InitError{Code: runtime.InitWrongArtifact, Message: err.Error()}
	}
	if _, ok := r.deployed[meta.key()]; !ok {
		return &runtime.InitError{
			Code:    runtime.InitWrongArtifact,
			Message: fmt.Sprintf("artifact %q is not deployed", meta.key()),
		}
	}
	if _, ok := r.services[constructor.InstanceID]; ok {
		return &runtime.InitError{
			Code:    runtime.InitServiceIDExists,
			Message: fmt.Sprintf("instance id %d is already in use", constructor.InstanceID),
		}
	}

	factory := r.factories[meta.key()]
	service := factory.New()
	if err := service.Initialize(ctx, constructor.Data); err != nil {
		// Nothing registered yet, so the failed instance leaves no trace.
		return &runtime.InitError{Code: runtime.InitFailedCode, Message: err.Error()}
	}

	r.services[constructor.InstanceID] = instance{
		name:    norm.NFC.String(fmt.Sprintf("%s-%d", meta.Name, constructor.InstanceID)),
		service: service,
	}
	return nil
}

// Execute routes the call to the addressed instance.
func (r *Runtime) Execute(ctx *runtime.ExecutionContext, call runtime.CallInfo, payload []byte) error {
	inst, ok := r.services[call.InstanceID]
	if !ok {
		return runtime.WrongRuntimeExecError()
	}
	return inst.service.Execute(ctx, call.MethodID, payload)
}

// StateHashes reports per-instance hashes in ascending instance id
// order.
func (r *Runtime) StateHashes(snapshot *storage.Snapshot) []runtime.StateHash {
	hashes := make([]runtime.StateHash, 0, len(r.services))
	for _, id := range r.sortedInstanceIDs() {
		hashes = append(hashes, runtime.StateHash{
			InstanceID: id,
			Hash:       r.services[id].service.StateHash(snapshot),
		})
	}
	return hashes
}

// BeforeCommit invokes hooks in ascending instance id order.
func (r *Runtime) BeforeCommit(fork *storage.Fork) {
	for _, id := range r.sortedInstanceIDs() {
		if hook, ok := r.services[id].service.(BeforeCommitter); ok {
			hook.BeforeCommit(fork)
		}
	}
}

// AfterCommit invokes hooks in ascending instance id order. Hook
// failures must not fail the block.
func (r *Runtime) AfterCommit(snapshot *storage.Snapshot) {
	for _, id := range r.sortedInstanceIDs() {
		hook, ok := r.services[id].service.(AfterCommitter)
		if !ok {
			continue
		}
		if err := hook.AfterCommit(snapshot); err != nil {
			r.logger.Error("after-commit hook failed",
				"instance_id", id,
				"service", r.services[id].name,
				"err", err)
		}
	}
}

// ServicesAPI aggregates service endpoints in ascending instance id
// order.
func (r *Runtime) ServicesAPI() []api.ServiceAPI {
	out := make([]api.ServiceAPI, 0, len(r.services))
	for _, id := range r.sortedInstanceIDs() {
		inst := r.services[id]
		builder := api.NewBuilder()
		inst.service.WireAPI(builder)
		out = append(out, api.ServiceAPI{Name: inst.name, Builder: builder})
	}
	return out
}

func (r *Runtime) sortedInstanceIDs() []uint32 {
	ids := make([]uint32, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// parseSpec validates raw spec bytes against the artifact schema. JSON
// is a subset of CUE, so the bytes compile directly.
func (r *Runtime) parseSpec(raw []byte) (artifactMeta, error) {
	val := r.cuectx.CompileBytes(raw)
	if err := val.Err(); err != nil {
		return artifactMeta{}, &runtime.DeployError{
			Code:    runtime.DeployWrongArtifact,
			Message: fmt.Sprintf("unparsable artifact spec: %v", err),
		}
	}
	unified := r.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return artifactMeta{}, &runtime.DeployError{
			Code:    runtime.DeployWrongArtifact,
			Message: fmt.Sprintf("invalid artifact spec: %v", err),
		}
	}
	var meta artifactMeta
	if err := unified.Decode(&meta); err != nil {
		return artifactMeta{}, &runtime.DeployError{
			Code:    runtime.DeployWrongArtifact,
			Message: fmt.Sprintf("decode artifact spec: %v", err),
		}
	}
	return meta, nil
}
