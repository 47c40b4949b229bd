package runtime

import "fmt"

// ActionKind distinguishes deferred dispatcher actions.
type ActionKind int

const (
	// ActionStartDeploy begins deployment of an artifact.
	ActionStartDeploy ActionKind = iota + 1
	// ActionInitService initializes a service instance from a deployed
	// artifact.
	ActionInitService
)

func (k ActionKind) String() string {
	switch k {
	case ActionStartDeploy:
		return "start_deploy"
	case ActionInitService:
		return "init_service"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Action is a deferred dispatcher-level side effect produced during
// execution. Actions are opaque to the runtime that creates them and
// interpreted only by the dispatcher, which applies them FIFO after the
// triggering call completes.
type Action struct {
	Kind        ActionKind
	Artifact    ArtifactSpec
	Constructor ServiceConstructor
}

// StartDeployAction builds a deploy action for the given artifact.
func StartDeployAction(artifact ArtifactSpec) Action {
	return Action{Kind: ActionStartDeploy, Artifact: artifact}
}

// InitServiceAction builds an init action for the given artifact and
// constructor payload.
func InitServiceAction(artifact ArtifactSpec, constructor ServiceConstructor) Action {
	return Action{Kind: ActionInitService, Artifact: artifact, Constructor: constructor}
}
