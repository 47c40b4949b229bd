// Package wasm implements a foreign runtime executing WebAssembly
// service modules through wazero.
//
// An artifact of this runtime is the wasm binary itself: the raw spec
// bytes are compiled directly. Service instances are module
// instantiations. Method ids map to exported functions named
// "method_<id>"; an optional exported "init" function consumes the
// constructor payload.
//
// Determinism: modules are instantiated without WASI or any other host
// imports, so a service has no access to clocks, randomness, or the
// filesystem. Payloads cross the boundary through the module's exported
// memory via the conventional "alloc" export.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tetratelabs/wazero"
	wazapi "github.com/tetratelabs/wazero/api"

	"github.com/karstlabs/karst/internal/api"
	"github.com/karstlabs/karst/internal/crypto"
	"github.com/karstlabs/karst/internal/runtime"
	"github.com/karstlabs/karst/internal/storage"
)

// ID is the well-known identifier for the wasm runtime.
const ID uint32 = 2

// Execution error codes reported by this runtime. All below the
// dispatcher's reserved routing-miss code.
const (
	codeUnknownMethod uint8 = 0x01
	codeTrap          uint8 = 0x02
	codeNoPayload     uint8 = 0x03
)

const artifactDomain = "karst/wasm-artifact/v1"

type instance struct {
	name     string
	artifact crypto.Hash
	module   wazapi.Module
}

// Runtime is the wasm execution backend.
type Runtime struct {
	logger   *slog.Logger
	ctx      context.Context
	wz       wazero.Runtime
	compiled map[crypto.Hash]wazero.CompiledModule
	services map[uint32]instance
}

// New creates a wasm runtime. Close must be called to release compiled
// modules.
func New(logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()
	return &Runtime{
		logger:   logger,
		ctx:      ctx,
		wz:       wazero.NewRuntime(ctx),
		compiled: make(map[crypto.Hash]wazero.CompiledModule),
		services: make(map[uint32]instance),
	}
}

// Close releases all compiled modules and instances.
func (r *Runtime) Close() error {
	return r.wz.Close(r.ctx)
}

func artifactHash(raw []byte) crypto.Hash {
	return crypto.HashWithDomain(artifactDomain, raw)
}

// StartDeploy compiles the artifact's wasm binary. Idempotent per
// artifact identity.
func (r *Runtime) StartDeploy(artifact runtime.ArtifactSpec) error {
	if artifact.RuntimeID != ID {
		return &runtime.DeployError{Code: runtime.DeployWrongRuntime}
	}
	hash := artifactHash(artifact.RawSpec)
	if _, ok := r.compiled[hash]; ok {
		return nil
	}
	compiled, err := r.wz.CompileModule(r.ctx, artifact.RawSpec)
	if err != nil {
		return &runtime.DeployError{
			Code:    runtime.DeployWrongArtifact,
			Message: fmt.Sprintf("compile wasm module: %v", err),
		}
	}
	r.compiled[hash] = compiled
	return nil
}

// CheckDeployStatus reports Deployed once the module is compiled.
// Compilation is synchronous, so there is nothing to cancel.
func (r *Runtime) CheckDeployStatus(artifact runtime.ArtifactSpec, _ bool) (runtime.DeployStatus, error) {
	if artifact.RuntimeID != ID {
		return runtime.DeployFailed, &runtime.DeployError{Code: runtime.DeployWrongRuntime}
	}
	if _, ok := r.compiled[artifactHash(artifact.RawSpec)]; !ok {
		return runtime.DeployFailed, &runtime.DeployError{
			Code:    runtime.DeployWrongArtifact,
			Message: "wasm artifact is not deployed",
		}
	}
	return runtime.Deployed, nil
}

// InitService instantiates the module for the instance id and runs its
// optional "init" export with the constructor payload. A failure closes
// the half-built instance and leaves the runtime unchanged.
func (r *Runtime) InitService(_ *runtime.ExecutionContext, artifact runtime.ArtifactSpec, constructor runtime.ServiceConstructor) error {
	if artifact.RuntimeID != ID {
		return &runtime.InitError{Code: runtime.InitWrongRuntime}
	}
	hash := artifactHash(artifact.RawSpec)
	compiled, ok := r.compiled[hash]
	if !ok {
		return &runtime.InitError{
			Code:    runtime.InitWrongArtifact,
			Message: "wasm artifact is not deployed",
		}
	}
	if _, ok := r.services[constructor.InstanceID]; ok {
		return &runtime.InitError{
			Code:    runtime.InitServiceIDExists,
			Message: fmt.Sprintf("instance id %d is already in use", constructor.InstanceID),
		}
	}

	name := fmt.Sprintf("instance-%d", constructor.InstanceID)
	module, err := r.wz.InstantiateModule(r.ctx, compiled,
		wazero.NewModuleConfig().WithName(name).WithStartFunctions())
	if err != nil {
		return &runtime.InitError{
			Code:    runtime.InitFailedCode,
			Message: fmt.Sprintf("instantiate wasm module: %v", err),
		}
	}

	if init := module.ExportedFunction("init"); init != nil {
		if err := r.callExport(module, init, constructor.Data); err != nil {
			module.Close(r.ctx)
			return &runtime.InitError{
				Code:    runtime.InitFailedCode,
				Message: fmt.Sprintf("wasm init: %v", err),
			}
		}
	}

	r.services[constructor.InstanceID] = instance{
		name:     name,
		artifact: hash,
		module:   module,
	}
	return nil
}

// Execute calls the exported function "method_<id>" of the addressed
// instance.
func (r *Runtime) Execute(_ *runtime.ExecutionContext, call runtime.CallInfo, payload []byte) error {
	inst, ok := r.services[call.InstanceID]
	if !ok {
		return runtime.WrongRuntimeExecError()
	}
	name := fmt.Sprintf("method_%d", call.MethodID)
	fn := inst.module.ExportedFunction(name)
	if fn == nil {
		return &runtime.ExecutionError{
			Code:        codeUnknownMethod,
			Description: fmt.Sprintf("no exported function %q", name),
		}
	}
	if err := r.callExport(inst.module, fn, payload); err != nil {
		code := codeTrap
		if errors.Is(err, errNoPayloadPath) {
			code = codeNoPayload
		}
		return &runtime.ExecutionError{
			Code:        code,
			Description: fmt.Sprintf("wasm call %s: %v", name, err),
		}
	}
	return nil
}

// errNoPayloadPath marks modules that cannot receive payload bytes.
var errNoPayloadPath = errors.New("module exports no alloc/memory")

// callExport invokes fn, passing payload through exported memory when
// one is present. An empty payload is a plain zero-argument call.
func (r *Runtime) callExport(module wazapi.Module, fn wazapi.Function, payload []byte) error {
	if len(payload) == 0 {
		_, err := fn.Call(r.ctx)
		return err
	}
	alloc := module.ExportedFunction("alloc")
	mem := module.Memory()
	if alloc == nil || mem == nil {
		return fmt.Errorf("%w, cannot accept %d payload bytes", errNoPayloadPath, len(payload))
	}
	results, err := alloc.Call(r.ctx, uint64(len(payload)))
	if err != nil {
		return fmt.Errorf("alloc %d bytes: %w", len(payload), err)
	}
	ptr := results[0]
	if !mem.Write(uint32(ptr), payload) {
		return fmt.Errorf("write %d payload bytes at %d out of memory range", len(payload), ptr)
	}
	_, err = fn.Call(r.ctx, ptr, uint64(len(payload)))
	return err
}

// StateHashes reports per-instance hashes in ascending instance id
// order. A wasm service's observable state is its artifact: modules get
// no storage host bindings, so the hash binds instance id to module
// identity.
//
// TODO: expose fork get/put host functions so wasm services can use the
// keyspace; the state hash then needs to cover their key range.
func (r *Runtime) StateHashes(_ *storage.Snapshot) []runtime.StateHash {
	hashes := make([]runtime.StateHash, 0, len(r.services))
	for _, id := range r.sortedInstanceIDs() {
		inst := r.services[id]
		hashes = append(hashes, runtime.StateHash{
			InstanceID: id,
			Hash:       crypto.HashWithDomain(crypto.DomainStateHash, inst.artifact.Bytes()),
		})
	}
	return hashes
}

// BeforeCommit is a no-op: wasm services have no storage bindings yet.
func (r *Runtime) BeforeCommit(_ *storage.Fork) {}

// AfterCommit is a no-op for the same reason.
func (r *Runtime) AfterCommit(_ *storage.Snapshot) {}

// ServicesAPI reports no endpoints: wasm services expose no HTTP
// surface.
func (r *Runtime) ServicesAPI() []api.ServiceAPI {
	return nil
}

func (r *Runtime) sortedInstanceIDs() []uint32 {
	ids := make([]uint32, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
