package runtime

import (
	"bytes"
	"fmt"

	"github.com/karstlabs/karst/internal/crypto"
)

// ArtifactSpec identifies a deployable unit of service code within a
// specific runtime. The raw spec bytes are opaque outside the owning
// runtime. Artifacts are immutable and compared by value.
type ArtifactSpec struct {
	RuntimeID uint32
	RawSpec   []byte
}

// Equal reports value equality of two artifact specs.
func (a ArtifactSpec) Equal(other ArtifactSpec) bool {
	return a.RuntimeID == other.RuntimeID && bytes.Equal(a.RawSpec, other.RawSpec)
}

func (a ArtifactSpec) String() string {
	return fmt.Sprintf("artifact{runtime=%d, spec=%d bytes}", a.RuntimeID, len(a.RawSpec))
}

// DeployStatus is the transient state of an artifact deployment,
// queried on demand and never persisted by the dispatcher.
type DeployStatus int

const (
	// DeployPending means deployment is still in flight.
	DeployPending DeployStatus = iota
	// Deployed means the artifact is ready for service initialization.
	Deployed
	// DeployFailed means the backend abandoned the deployment.
	DeployFailed
)

func (s DeployStatus) String() string {
	switch s {
	case DeployPending:
		return "pending"
	case Deployed:
		return "deployed"
	case DeployFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ServiceConstructor is the one-shot initialization payload for a
// service instance. Consumed exactly once per instance id.
type ServiceConstructor struct {
	InstanceID uint32
	Data       []byte
}

// CallInfo addresses one callable entry point of a running service
// instance.
type CallInfo struct {
	InstanceID uint32
	MethodID   uint16
}

func (c CallInfo) String() string {
	return fmt.Sprintf("call{instance=%d, method=%d}", c.InstanceID, c.MethodID)
}

// StateHash is one runtime-reported per-instance content hash destined
// for block-header inclusion.
type StateHash struct {
	InstanceID uint32
	Hash       crypto.Hash
}
