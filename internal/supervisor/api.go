package supervisor

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/karstlabs/karst/internal/api"
	"github.com/karstlabs/karst/internal/crypto"
	"github.com/karstlabs/karst/internal/messages"
	"github.com/karstlabs/karst/internal/storage"
)

// NodeState is the supervisor's view of the node it runs on: the
// broadcast path for operator-submitted transactions and read access to
// committed state.
type NodeState interface {
	// Broadcast signs a transaction with the node's service keys and
	// submits it through the verification pipeline. Returns the signed
	// message hash.
	Broadcast(tx messages.Transaction) (crypto.Hash, error)

	// Snapshot returns a read view over committed state.
	Snapshot() *storage.Snapshot
}

// KeyConsensusConfig is written by the node at genesis and surfaced on
// the public API.
var KeyConsensusConfig = []byte("core/consensus_config")

// broadcastResponse is the reply to every transaction-submitting
// endpoint. The request id correlates operator retries in logs.
type broadcastResponse struct {
	TxHash    string `json:"tx_hash"`
	RequestID string `json:"request_id"`
}

// WireAPI registers the supervisor's endpoints.
//
// Private: deploy-artifact, start-service, propose-config,
// confirm-config, configuration-number, supervisor-config.
// Public: consensus-config, config-proposal.
func (s *Service) WireAPI(builder *api.Builder) {
	builder.
		Private("deploy-artifact", s.handleBroadcast(MethodDeployArtifact)).
		Private("start-service", s.handleBroadcast(MethodStartService)).
		Private("propose-config", s.handleBroadcast(MethodConfigPropose)).
		Private("confirm-config", s.handleBroadcast(MethodConfigVote)).
		Private("configuration-number", s.handleConfigurationNumber).
		Private("supervisor-config", s.handleSupervisorConfig).
		Public("consensus-config", s.handleConsensusConfig).
		Public("config-proposal", s.handleConfigProposal)
}

// handleBroadcast accepts the endpoint-specific JSON body verbatim as
// the transaction body and broadcasts it under the given method id.
func (s *Service) handleBroadcast(methodID uint16) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			api.WriteError(w, http.StatusMethodNotAllowed, "POST required")
			return
		}
		if s.state == nil {
			api.WriteError(w, http.StatusServiceUnavailable, "node is not ready")
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			api.WriteError(w, http.StatusBadRequest, "unreadable request body")
			return
		}
		if !json.Valid(body) {
			api.WriteError(w, http.StatusBadRequest, "request body is not valid JSON")
			return
		}

		hash, err := s.state.Broadcast(messages.Transaction{
			InstanceID: InstanceID,
			MethodID:   methodID,
			Body:       body,
		})
		if err != nil {
			api.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		api.WriteJSON(w, http.StatusOK, broadcastResponse{
			TxHash:    hash.String(),
			RequestID: uuid.NewString(),
		})
	}
}

func (s *Service) handleConfigurationNumber(w http.ResponseWriter, _ *http.Request) {
	if s.state == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "node is not ready")
		return
	}
	number := configurationNumber(s.state.Snapshot())
	api.WriteJSON(w, http.StatusOK, map[string]uint64{"configuration_number": number})
}

// handleSupervisorConfig reports the supervisor's own recorded state:
// the current configuration number and the pending proposal, if any.
func (s *Service) handleSupervisorConfig(w http.ResponseWriter, _ *http.Request) {
	if s.state == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "node is not ready")
		return
	}
	snapshot := s.state.Snapshot()
	resp := map[string]any{
		"configuration_number": configurationNumber(snapshot),
		"pending_proposal":     nil,
	}
	if raw, ok, err := snapshot.Get(KeyPendingProposal); err == nil && ok {
		resp["pending_proposal"] = json.RawMessage(raw)
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (s *Service) handleConsensusConfig(w http.ResponseWriter, _ *http.Request) {
	if s.state == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "node is not ready")
		return
	}
	raw, ok, err := s.state.Snapshot().Get(KeyConsensusConfig)
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		api.WriteError(w, http.StatusNotFound, "no consensus config recorded")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func (s *Service) handleConfigProposal(w http.ResponseWriter, _ *http.Request) {
	if s.state == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "node is not ready")
		return
	}
	raw, ok, err := s.state.Snapshot().Get(KeyPendingProposal)
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		api.WriteJSON(w, http.StatusOK, map[string]any{"proposal": nil})
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"proposal":      json.RawMessage(raw),
		"proposal_hash": ProposalHash(raw).String(),
	})
}
