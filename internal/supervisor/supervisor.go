// Package supervisor implements the builtin service through which node
// operators drive artifact deployment and service lifecycle.
//
// The supervisor executes four transaction kinds. DeployArtifact and
// StartService translate directly into deferred dispatcher actions;
// ConfigPropose and ConfigVote record configuration votes into the
// service keyspace (the quorum rules that decide when a proposal
// activates live outside this core).
//
// The supervisor is registered as a builtin at genesis, so it has no
// constructor.
package supervisor

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/karstlabs/karst/internal/crypto"
	"github.com/karstlabs/karst/internal/runtime"
	"github.com/karstlabs/karst/internal/runtime/native"
	"github.com/karstlabs/karst/internal/storage"
)

// Well-known identity of the supervisor instance.
const (
	InstanceID      uint32 = 0
	ServiceName            = "supervisor"
	ArtifactName           = "supervisor"
	ArtifactVersion        = "1.0.0"
)

// Method ids of the supervisor's transaction interface.
const (
	MethodDeployArtifact uint16 = 0
	MethodStartService   uint16 = 1
	MethodConfigPropose  uint16 = 2
	MethodConfigVote     uint16 = 3
)

// Execution error codes reported by the supervisor.
const (
	codeMalformedPayload uint8 = 0x01
	codeUnknownMethod    uint8 = 0x02
	codeNoProposal       uint8 = 0x03
	codeProposalMismatch uint8 = 0x04
)

// Keyspace layout.
var (
	keyConfigurationNumber = []byte("supervisor/configuration_number")
	KeyPendingProposal     = []byte("supervisor/pending_proposal")
	votePrefix             = "supervisor/vote/"
)

// Artifact is the JSON form of a dispatcher artifact reference.
type Artifact struct {
	RuntimeID uint32 `json:"runtime_id"`
	RawSpec   []byte `json:"raw_spec"`
}

func (a Artifact) spec() runtime.ArtifactSpec {
	return runtime.ArtifactSpec{RuntimeID: a.RuntimeID, RawSpec: a.RawSpec}
}

// DeployRequest asks the dispatcher to deploy an artifact.
type DeployRequest struct {
	Artifact Artifact `json:"artifact"`
}

// StartServiceRequest asks the dispatcher to initialize a service
// instance from a deployed artifact.
type StartServiceRequest struct {
	Artifact    Artifact `json:"artifact"`
	InstanceID  uint32   `json:"instance_id"`
	Constructor []byte   `json:"constructor"`
}

// ConfigPropose submits a configuration change proposal.
type ConfigPropose struct {
	ConfigurationNumber uint64 `json:"configuration_number"`
	Config              []byte `json:"config"`
}

// ConfigVote confirms a pending proposal by its hash.
type ConfigVote struct {
	ProposalHash string `json:"proposal_hash"`
}

// Factory creates supervisor instances bound to the node's state
// boundary. State may be nil for dispatch-only tests; API endpoints
// then report the node as not ready.
type Factory struct {
	State NodeState
}

func (f Factory) ArtifactName() string    { return ArtifactName }
func (f Factory) ArtifactVersion() string { return ArtifactVersion }
func (f Factory) New() native.Service     { return &Service{state: f.State} }

// Service is the supervisor service instance.
type Service struct {
	state NodeState
}

// Initialize is never called for the builtin supervisor; it exists to
// satisfy the service contract and accepts only an empty constructor.
func (s *Service) Initialize(_ *runtime.ExecutionContext, data []byte) error {
	if len(data) > 0 {
		return fmt.Errorf("supervisor takes no constructor, got %d bytes", len(data))
	}
	return nil
}

// Execute dispatches one supervisor transaction.
func (s *Service) Execute(ctx *runtime.ExecutionContext, methodID uint16, payload []byte) error {
	switch methodID {
	case MethodDeployArtifact:
		return s.deployArtifact(ctx, payload)
	case MethodStartService:
		return s.startService(ctx, payload)
	case MethodConfigPropose:
		return s.configPropose(ctx, payload)
	case MethodConfigVote:
		return s.configVote(ctx, payload)
	default:
		return &runtime.ExecutionError{
			Code:        codeUnknownMethod,
			Description: fmt.Sprintf("unknown supervisor method %d", methodID),
		}
	}
}

func (s *Service) deployArtifact(ctx *runtime.ExecutionContext, payload []byte) error {
	var req DeployRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return malformed("deploy request", err)
	}
	ctx.QueueAction(runtime.StartDeployAction(req.Artifact.spec()))
	return nil
}

func (s *Service) startService(ctx *runtime.ExecutionContext, payload []byte) error {
	var req StartServiceRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return malformed("start-service request", err)
	}
	ctx.QueueAction(runtime.InitServiceAction(req.Artifact.spec(), runtime.ServiceConstructor{
		InstanceID: req.InstanceID,
		Data:       req.Constructor,
	}))
	return nil
}

func (s *Service) configPropose(ctx *runtime.ExecutionContext, payload []byte) error {
	var propose ConfigPropose
	if err := json.Unmarshal(payload, &propose); err != nil {
		return malformed("config proposal", err)
	}
	number := configurationNumber(ctx.Fork)
	if propose.ConfigurationNumber != number {
		return &runtime.ExecutionError{
			Code:        codeProposalMismatch,
			Description: fmt.Sprintf("proposal for configuration %d, current is %d", propose.ConfigurationNumber, number),
		}
	}
	ctx.Fork.Put(KeyPendingProposal, payload)
	putUint64(ctx.Fork, keyConfigurationNumber, number+1)
	return nil
}

func (s *Service) configVote(ctx *runtime.ExecutionContext, payload []byte) error {
	var vote ConfigVote
	if err := json.Unmarshal(payload, &vote); err != nil {
		return malformed("config vote", err)
	}
	pending, ok, err := ctx.Fork.Get(KeyPendingProposal)
	if err != nil {
		return malformed("pending proposal read", err)
	}
	if !ok {
		return &runtime.ExecutionError{
			Code:        codeNoProposal,
			Description: "no pending configuration proposal",
		}
	}
	if ProposalHash(pending).String() != vote.ProposalHash {
		return &runtime.ExecutionError{
			Code:        codeProposalMismatch,
			Description: "vote references a different proposal",
		}
	}
	ctx.Fork.Put([]byte(votePrefix+ctx.Author.String()), payload)
	return nil
}

// StateHash folds the configuration number and any pending proposal.
func (s *Service) StateHash(snapshot *storage.Snapshot) crypto.Hash {
	var data []byte
	if raw, ok, err := snapshot.Get(keyConfigurationNumber); err == nil && ok {
		data = append(data, raw...)
	}
	if raw, ok, err := snapshot.Get(KeyPendingProposal); err == nil && ok {
		data = append(data, raw...)
	}
	return crypto.HashWithDomain(crypto.DomainStateHash, data)
}

// proposalDomain separates proposal hashes from every other domain.
const proposalDomain = "karst/supervisor-proposal/v1"

// ProposalHash addresses a pending proposal for voting.
func ProposalHash(proposal []byte) crypto.Hash {
	return crypto.HashWithDomain(proposalDomain, proposal)
}

func malformed(what string, err error) *runtime.ExecutionError {
	return &runtime.ExecutionError{
		Code:        codeMalformedPayload,
		Description: fmt.Sprintf("malformed %s: %v", what, err),
	}
}

// getter abstracts forks and snapshots for read helpers.
type getter interface {
	Get(key []byte) ([]byte, bool, error)
}

func configurationNumber(view getter) uint64 {
	raw, ok, err := view.Get(keyConfigurationNumber)
	if err != nil || !ok || len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func putUint64(fork *storage.Fork, key []byte, v uint64) {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, v)
	fork.Put(key, raw)
}

