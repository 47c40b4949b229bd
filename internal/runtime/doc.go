// Package runtime defines the contract between the dispatcher and its
// pluggable execution backends.
//
// A Runtime is any backend able to deploy artifacts and run service
// instances: the native in-process runtime, a wasm runtime, or an
// out-of-process backend. The dispatcher never inspects artifact spec
// bytes or call payloads; both are opaque to everything except the
// owning runtime.
//
// Determinism contract:
//
// Every replica must compute bit-identical state transitions. Execute
// must therefore be a pure function of (context state, call info,
// payload): all storage access goes through the context's fork, no
// wall-clock reads, no randomness, no iteration over unordered
// collections when producing observable output. Errors are part of the
// observable output and must carry deterministic codes and descriptions.
//
// Side effects that would mutate the dispatcher itself (deploying an
// artifact, starting a service) cannot run while the dispatcher is
// mid-call into a runtime. They are deferred: the runtime enqueues
// Actions on the ExecutionContext and the dispatcher applies them in
// FIFO order after the triggering call returns. Action application is
// flattened to one level; an action handler never drains a nested
// action queue.
package runtime
