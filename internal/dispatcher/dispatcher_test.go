package dispatcher

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karstlabs/karst/internal/api"
	"github.com/karstlabs/karst/internal/crypto"
	"github.com/karstlabs/karst/internal/events"
	"github.com/karstlabs/karst/internal/runtime"
	"github.com/karstlabs/karst/internal/runtime/native"
	"github.com/karstlabs/karst/internal/storage"
)

// sampleRuntime accepts exactly one (instance, method) pair and
// otherwise behaves like the capability contract demands: wrong-runtime
// artifacts are rejected, everything else succeeds.
type sampleRuntime struct {
	runtimeID  uint32
	instanceID uint32
	methodID   uint16

	deployLog   []string // raw specs deployed, in order
	failSpecs   [][]byte // raw specs whose deploy fails
	queue       []runtime.Action
	initActions []runtime.Action // queued onto the context during init
}

func newSampleRuntime(runtimeID, instanceID uint32, methodID uint16) *sampleRuntime {
	return &sampleRuntime{runtimeID: runtimeID, instanceID: instanceID, methodID: methodID}
}

func (s *sampleRuntime) StartDeploy(artifact runtime.ArtifactSpec) error {
	if artifact.RuntimeID != s.runtimeID {
		return &runtime.DeployError{Code: runtime.DeployWrongRuntime}
	}
	for _, bad := range s.failSpecs {
		if bytes.Equal(artifact.RawSpec, bad) {
			return &runtime.DeployError{Code: runtime.DeployFailedCode, Message: "scripted failure"}
		}
	}
	s.deployLog = append(s.deployLog, string(artifact.RawSpec))
	return nil
}

func (s *sampleRuntime) CheckDeployStatus(artifact runtime.ArtifactSpec, _ bool) (runtime.DeployStatus, error) {
	if artifact.RuntimeID != s.runtimeID {
		return runtime.DeployFailed, &runtime.DeployError{Code: runtime.DeployWrongRuntime}
	}
	return runtime.Deployed, nil
}

func (s *sampleRuntime) InitService(ctx *runtime.ExecutionContext, artifact runtime.ArtifactSpec, _ runtime.ServiceConstructor) error {
	if artifact.RuntimeID != s.runtimeID {
		return &runtime.InitError{Code: runtime.InitWrongRuntime}
	}
	if ctx != nil {
		for _, action := range s.initActions {
			ctx.QueueAction(action)
		}
	}
	return nil
}

func (s *sampleRuntime) Execute(ctx *runtime.ExecutionContext, call runtime.CallInfo, _ []byte) error {
	if call.InstanceID != s.instanceID || call.MethodID != s.methodID {
		return &runtime.ExecutionError{Code: 0x42, Description: "unknown method"}
	}
	for _, action := range s.queue {
		ctx.QueueAction(action)
	}
	return nil
}

func (s *sampleRuntime) StateHashes(_ *storage.Snapshot) []runtime.StateHash {
	return nil
}

func (s *sampleRuntime) BeforeCommit(_ *storage.Fork)    {}
func (s *sampleRuntime) AfterCommit(_ *storage.Snapshot) {}
func (s *sampleRuntime) ServicesAPI() []api.ServiceAPI   { return nil }

// dummyDispatcher builds a dispatcher with no native runtime and no
// request listener, mirroring a bare registry.
func dummyDispatcher(runtimes ...*sampleRuntime) *Dispatcher {
	d := newDispatcher(nil, nil)
	for _, rt := range runtimes {
		d.addRuntime(rt.runtimeID, rt)
	}
	return d
}

func newContext(t *testing.T) *runtime.ExecutionContext {
	t.Helper()
	db, err := storage.OpenTemporary()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return runtime.NewExecutionContext(db.Fork(), crypto.ZeroPublicKey, crypto.ZeroHash)
}

type noopFactory struct{ name string }

func (f *noopFactory) ArtifactName() string    { return f.name }
func (f *noopFactory) ArtifactVersion() string { return "1.0.0" }
func (f *noopFactory) New() native.Service     { return &noopService{} }

type noopService struct{}

func (s *noopService) Initialize(_ *runtime.ExecutionContext, _ []byte) error { return nil }
func (s *noopService) Execute(_ *runtime.ExecutionContext, _ uint16, _ []byte) error {
	return nil
}
func (s *noopService) StateHash(_ *storage.Snapshot) crypto.Hash { return crypto.ZeroHash }
func (s *noopService) WireAPI(_ *api.Builder)                    {}

func TestBuilderRegistersRuntimes(t *testing.T) {
	a := newSampleRuntime(1, 0, 0)
	b := newSampleRuntime(2, 1, 0)

	d := NewBuilder(nil, nil).
		WithRuntime(a.runtimeID, a).
		WithRuntime(b.runtimeID, b).
		Finalize()

	assert.Contains(t, d.runtimes, native.ID)
	assert.Contains(t, d.runtimes, uint32(1))
	assert.Contains(t, d.runtimes, uint32(2))
}

func TestBuilderBuiltinServiceBypassesInit(t *testing.T) {
	d := NewBuilder(nil, nil).
		WithBuiltinService(&noopFactory{name: "supervisor"}, 0, "supervisor").
		Finalize()

	// The builtin instance routes without any init call.
	ctx := newContext(t)
	require.NoError(t, d.Execute(ctx, runtime.CallInfo{InstanceID: 0, MethodID: 0}, nil))
}

func TestDispatcherRouting(t *testing.T) {
	const (
		aInstance = 0
		bInstance = 1
		aMethod   = 0
		bMethod   = 1
	)
	a := newSampleRuntime(1, aInstance, aMethod)
	b := newSampleRuntime(2, bInstance, bMethod)
	d := dummyDispatcher(a, b)

	aSpec := runtime.ArtifactSpec{RuntimeID: 1}
	bSpec := runtime.ArtifactSpec{RuntimeID: 2}

	require.NoError(t, d.StartDeploy(aSpec))
	require.NoError(t, d.StartDeploy(bSpec))

	status, err := d.CheckDeployStatus(aSpec, false)
	require.NoError(t, err)
	assert.Equal(t, runtime.Deployed, status)
	status, err = d.CheckDeployStatus(bSpec, false)
	require.NoError(t, err)
	assert.Equal(t, runtime.Deployed, status)

	ctx := newContext(t)
	require.NoError(t, d.InitService(ctx, aSpec, runtime.ServiceConstructor{InstanceID: aInstance}))
	require.NoError(t, d.InitService(ctx, bSpec, runtime.ServiceConstructor{InstanceID: bInstance}))

	payload := []byte{0x00}
	assert.NoError(t, d.Execute(ctx, runtime.CallInfo{InstanceID: aInstance, MethodID: aMethod}, payload))
	assert.Error(t, d.Execute(ctx, runtime.CallInfo{InstanceID: aInstance, MethodID: bMethod}, payload))
	assert.NoError(t, d.Execute(ctx, runtime.CallInfo{InstanceID: bInstance, MethodID: bMethod}, payload))
	assert.Error(t, d.Execute(ctx, runtime.CallInfo{InstanceID: bInstance, MethodID: aMethod}, payload))
}

func TestDispatcherNoRuntime(t *testing.T) {
	d := dummyDispatcher()
	spec := runtime.ArtifactSpec{RuntimeID: 1}

	err := d.StartDeploy(spec)
	assert.True(t, runtime.IsWrongRuntime(err))

	_, err = d.CheckDeployStatus(spec, false)
	assert.True(t, runtime.IsWrongRuntime(err))

	ctx := newContext(t)
	err = d.InitService(ctx, spec, runtime.ServiceConstructor{InstanceID: 0})
	assert.True(t, runtime.IsWrongRuntime(err))

	err = d.Execute(ctx, runtime.CallInfo{InstanceID: 0, MethodID: 0}, nil)
	assert.True(t, runtime.IsWrongRuntime(err))
}

func TestInitServiceRecordsRoutingOnlyOnSuccess(t *testing.T) {
	a := newSampleRuntime(1, 0, 0)
	d := dummyDispatcher(a)
	ctx := newContext(t)

	// Successful init records the mapping.
	err := d.InitService(ctx, runtime.ArtifactSpec{RuntimeID: 1, RawSpec: nil}, runtime.ServiceConstructor{InstanceID: 9})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), d.runtimeLookup[9])

	badRuntime := newSampleRuntime(3, 5, 0)
	d.addRuntime(2, badRuntime) // registered under 2, accepts only 3
	err = d.InitService(ctx, runtime.ArtifactSpec{RuntimeID: 2}, runtime.ServiceConstructor{InstanceID: 5})
	require.Error(t, err)
	_, present := d.runtimeLookup[5]
	assert.False(t, present, "failed init must not record a routing entry")
}

func TestInitServiceRequestsAPIRestart(t *testing.T) {
	requests := make(chan events.InternalRequest, 1)
	a := newSampleRuntime(1, 0, 0)
	d := newDispatcher(requests, nil)
	d.addRuntime(1, a)

	ctx := newContext(t)
	require.NoError(t, d.InitService(ctx, runtime.ArtifactSpec{RuntimeID: 1}, runtime.ServiceConstructor{InstanceID: 0}))

	select {
	case req := <-requests:
		assert.Equal(t, events.RequestRestartAPI, req.Kind)
	default:
		t.Fatal("expected an API restart request")
	}
}

func TestInitServiceSurvivesFullRequestChannel(t *testing.T) {
	requests := make(chan events.InternalRequest) // no listener, zero capacity
	a := newSampleRuntime(1, 0, 0)
	d := newDispatcher(requests, nil)
	d.addRuntime(1, a)

	ctx := newContext(t)
	// Must not block or fail even though the signal cannot be delivered.
	require.NoError(t, d.InitService(ctx, runtime.ArtifactSpec{RuntimeID: 1}, runtime.ServiceConstructor{InstanceID: 0}))
}

func TestExecuteAppliesActionsInOrder(t *testing.T) {
	target := newSampleRuntime(7, 99, 0)
	caller := newSampleRuntime(1, 0, 0)
	caller.queue = []runtime.Action{
		runtime.StartDeployAction(runtime.ArtifactSpec{RuntimeID: 7, RawSpec: []byte("first")}),
		runtime.StartDeployAction(runtime.ArtifactSpec{RuntimeID: 7, RawSpec: []byte("second")}),
		runtime.StartDeployAction(runtime.ArtifactSpec{RuntimeID: 7, RawSpec: []byte("third")}),
	}
	d := dummyDispatcher(caller, target)
	ctx := newContext(t)
	d.notifyServiceStarted(0, runtime.ArtifactSpec{RuntimeID: 1})

	require.NoError(t, d.Execute(ctx, runtime.CallInfo{InstanceID: 0, MethodID: 0}, nil))
	assert.Equal(t, []string{"first", "second", "third"}, target.deployLog)
}

func TestFailingActionShortCircuits(t *testing.T) {
	target := newSampleRuntime(7, 99, 0)
	target.failSpecs = [][]byte{[]byte("poison")}
	caller := newSampleRuntime(1, 0, 0)
	caller.queue = []runtime.Action{
		runtime.StartDeployAction(runtime.ArtifactSpec{RuntimeID: 7, RawSpec: []byte("first")}),
		runtime.StartDeployAction(runtime.ArtifactSpec{RuntimeID: 7, RawSpec: []byte("poison")}),
		runtime.StartDeployAction(runtime.ArtifactSpec{RuntimeID: 7, RawSpec: []byte("never")}),
	}
	d := dummyDispatcher(caller, target)
	ctx := newContext(t)
	d.notifyServiceStarted(0, runtime.ArtifactSpec{RuntimeID: 1})

	err := d.Execute(ctx, runtime.CallInfo{InstanceID: 0, MethodID: 0}, nil)
	var execErr *runtime.ExecutionError
	require.ErrorAs(t, err, &execErr)

	// Applied effects stay applied; later actions never run.
	assert.Equal(t, []string{"first"}, target.deployLog)
	assert.Zero(t, ctx.PendingActions())
}

func TestNestedActionsAreDiscarded(t *testing.T) {
	target := newSampleRuntime(7, 99, 0)
	svc := newSampleRuntime(2, 50, 0)
	// Init of the new service tries to chain a further deployment.
	svc.initActions = []runtime.Action{
		runtime.StartDeployAction(runtime.ArtifactSpec{RuntimeID: 7, RawSpec: []byte("nested")}),
	}
	caller := newSampleRuntime(1, 0, 0)
	caller.queue = []runtime.Action{
		runtime.InitServiceAction(runtime.ArtifactSpec{RuntimeID: 2}, runtime.ServiceConstructor{InstanceID: 50}),
	}
	d := dummyDispatcher(caller, svc, target)
	ctx := newContext(t)
	d.notifyServiceStarted(0, runtime.ArtifactSpec{RuntimeID: 1})

	require.NoError(t, d.Execute(ctx, runtime.CallInfo{InstanceID: 0, MethodID: 0}, nil))

	// The flat init action applied and recorded its routing entry.
	assert.Equal(t, uint32(2), d.runtimeLookup[50])
	// The deployment queued inside init was discarded, not applied.
	assert.Empty(t, target.deployLog)
	assert.Zero(t, ctx.PendingActions())
}

type hashingRuntime struct {
	sampleRuntime
	hashes []runtime.StateHash
}

func (h *hashingRuntime) StateHashes(_ *storage.Snapshot) []runtime.StateHash {
	return h.hashes
}

func namedHash(instanceID uint32, name string) runtime.StateHash {
	return runtime.StateHash{InstanceID: instanceID, Hash: crypto.HashBytes([]byte(name))}
}

func newHashingRuntime(runtimeID uint32, hashes ...runtime.StateHash) *hashingRuntime {
	h := &hashingRuntime{hashes: hashes}
	h.runtimeID = runtimeID
	return h
}

func TestStateHashesDeterministicOrder(t *testing.T) {
	// Registration order deliberately scrambled; output must follow
	// ascending runtime id regardless.
	d := newDispatcher(nil, nil)
	d.addRuntime(5, newHashingRuntime(5, namedHash(3, "gamma")))
	d.addRuntime(1, newHashingRuntime(1, namedHash(1, "alpha")))
	d.addRuntime(3, newHashingRuntime(3, namedHash(2, "beta")))

	for i := 0; i < 10; i++ {
		hashes := d.StateHashes(nil)
		require.Len(t, hashes, 3)
		assert.Equal(t, uint32(1), hashes[0].InstanceID)
		assert.Equal(t, uint32(2), hashes[1].InstanceID)
		assert.Equal(t, uint32(3), hashes[2].InstanceID)
	}
}

func TestStateHashesGolden(t *testing.T) {
	d := newDispatcher(nil, nil)
	d.addRuntime(2, newHashingRuntime(2, namedHash(20, "beta")))
	d.addRuntime(1, newHashingRuntime(1, namedHash(10, "alpha")))

	var buf bytes.Buffer
	for _, h := range d.StateHashes(nil) {
		fmt.Fprintf(&buf, "instance=%d hash=%s\n", h.InstanceID, h.Hash)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "state_hashes", buf.Bytes())
}
