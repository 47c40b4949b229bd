package runtime

import (
	"errors"
	"fmt"
)

// DeployErrorCode categorizes artifact deployment failures.
type DeployErrorCode string

const (
	// DeployWrongRuntime indicates the addressed runtime id is not
	// registered or does not match the artifact.
	DeployWrongRuntime DeployErrorCode = "WRONG_RUNTIME"
	// DeployWrongArtifact indicates the artifact spec could not be
	// understood by its runtime.
	DeployWrongArtifact DeployErrorCode = "WRONG_ARTIFACT"
	// DeployFailedCode indicates a backend-level deployment failure.
	DeployFailedCode DeployErrorCode = "DEPLOY_FAILED"
)

// DeployError is a typed, recoverable deployment failure. Routing
// misses surface here, never as a panic.
type DeployError struct {
	Code    DeployErrorCode
	Message string
}

func (e *DeployError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// InitErrorCode categorizes service initialization failures.
type InitErrorCode string

const (
	// InitWrongRuntime indicates the addressed runtime id is not registered.
	InitWrongRuntime InitErrorCode = "WRONG_RUNTIME"
	// InitWrongArtifact indicates the artifact is unknown or not deployed.
	InitWrongArtifact InitErrorCode = "WRONG_ARTIFACT"
	// InitServiceIDExists indicates the instance id is already taken.
	InitServiceIDExists InitErrorCode = "SERVICE_ID_EXISTS"
	// InitFailedCode indicates the service constructor itself failed.
	InitFailedCode InitErrorCode = "INIT_FAILED"
)

// InitError is a typed service initialization failure. A failed init
// must leave no partial state behind in the runtime.
type InitError struct {
	Code    InitErrorCode
	Message string
}

func (e *InitError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WrongRuntimeCode is the ExecutionError code reserved for dispatcher
// routing misses. Service-defined codes must stay below it.
const WrongRuntimeCode uint8 = 0xFF

// ExecutionError is a transaction execution failure. Code and
// Description are part of the replicated observable output: every
// replica must compute the identical error for the identical
// transaction against identical prior state.
type ExecutionError struct {
	Code        uint8
	Description string
}

func (e *ExecutionError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("execution error %d", e.Code)
	}
	return fmt.Sprintf("execution error %d: %s", e.Code, e.Description)
}

// WrongRuntimeExecError builds the routing-miss execution error.
func WrongRuntimeExecError() *ExecutionError {
	return &ExecutionError{Code: WrongRuntimeCode, Description: "wrong runtime"}
}

// ExecErrorFrom converts deploy/init failures raised while applying
// deferred actions into execution errors, so that a failing action is
// recorded in the ledger with the same determinism as a direct failure.
func ExecErrorFrom(err error) *ExecutionError {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	var deployErr *DeployError
	if errors.As(err, &deployErr) {
		if deployErr.Code == DeployWrongRuntime {
			return WrongRuntimeExecError()
		}
		return &ExecutionError{Code: WrongRuntimeCode - 1, Description: deployErr.Error()}
	}
	var initErr *InitError
	if errors.As(err, &initErr) {
		if initErr.Code == InitWrongRuntime {
			return WrongRuntimeExecError()
		}
		return &ExecutionError{Code: WrongRuntimeCode - 2, Description: initErr.Error()}
	}
	return &ExecutionError{Code: WrongRuntimeCode - 3, Description: err.Error()}
}

// IsWrongRuntime reports whether err is a routing miss of any flavor.
func IsWrongRuntime(err error) bool {
	var deployErr *DeployError
	if errors.As(err, &deployErr) {
		return deployErr.Code == DeployWrongRuntime
	}
	var initErr *InitError
	if errors.As(err, &initErr) {
		return initErr.Code == InitWrongRuntime
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Code == WrongRuntimeCode
	}
	return false
}
