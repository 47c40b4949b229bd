package supervisor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karstlabs/karst/internal/api"
	"github.com/karstlabs/karst/internal/crypto"
	"github.com/karstlabs/karst/internal/messages"
	"github.com/karstlabs/karst/internal/storage"
)

// fakeNodeState records broadcast transactions and serves snapshots
// from an in-memory database.
type fakeNodeState struct {
	db        *storage.Database
	broadcast []messages.Transaction
}

func (f *fakeNodeState) Broadcast(tx messages.Transaction) (crypto.Hash, error) {
	f.broadcast = append(f.broadcast, tx)
	return crypto.HashBytes(tx.Body), nil
}

func (f *fakeNodeState) Snapshot() *storage.Snapshot {
	return f.db.Snapshot()
}

func newTestMux(t *testing.T) (*http.ServeMux, *fakeNodeState) {
	t.Helper()
	db, err := storage.OpenTemporary()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	state := &fakeNodeState{db: db}
	svc := &Service{state: state}
	builder := api.NewBuilder()
	svc.WireAPI(builder)
	mux := api.Aggregate([]api.ServiceAPI{{Name: ServiceName, Builder: builder}})
	return mux, state
}

func TestDeployArtifactEndpoint(t *testing.T) {
	mux, state := newTestMux(t)

	body := `{"artifact":{"runtime_id":2,"raw_spec":"d2FzbQ=="}}`
	req := httptest.NewRequest(http.MethodPost, "/api/private/supervisor/deploy-artifact", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp broadcastResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TxHash)
	assert.NotEmpty(t, resp.RequestID)

	require.Len(t, state.broadcast, 1)
	assert.Equal(t, InstanceID, state.broadcast[0].InstanceID)
	assert.Equal(t, MethodDeployArtifact, state.broadcast[0].MethodID)
	assert.Equal(t, []byte(body), state.broadcast[0].Body)
}

func TestBroadcastEndpointMethods(t *testing.T) {
	mux, state := newTestMux(t)

	endpoints := []struct {
		path   string
		method uint16
	}{
		{"/api/private/supervisor/deploy-artifact", MethodDeployArtifact},
		{"/api/private/supervisor/start-service", MethodStartService},
		{"/api/private/supervisor/propose-config", MethodConfigPropose},
		{"/api/private/supervisor/confirm-config", MethodConfigVote},
	}
	for _, ep := range endpoints {
		req := httptest.NewRequest(http.MethodPost, ep.path, strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, ep.path)
	}

	require.Len(t, state.broadcast, len(endpoints))
	for i, ep := range endpoints {
		assert.Equal(t, ep.method, state.broadcast[i].MethodID, ep.path)
	}
}

func TestBroadcastRejectsInvalidJSON(t *testing.T) {
	mux, state := newTestMux(t)

	req := httptest.NewRequest(http.MethodPost, "/api/private/supervisor/deploy-artifact", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, state.broadcast)
}

func TestBroadcastRequiresPost(t *testing.T) {
	mux, _ := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/api/private/supervisor/propose-config", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEndpointsUnavailableWithoutState(t *testing.T) {
	svc := &Service{}
	builder := api.NewBuilder()
	svc.WireAPI(builder)
	mux := api.Aggregate([]api.ServiceAPI{{Name: ServiceName, Builder: builder}})

	paths := []string{
		"/api/private/supervisor/deploy-artifact",
		"/api/private/supervisor/configuration-number",
		"/api/services/supervisor/consensus-config",
		"/api/services/supervisor/config-proposal",
	}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestConfigurationNumberEndpoint(t *testing.T) {
	mux, state := newTestMux(t)

	fork := state.db.Fork()
	putUint64(fork, keyConfigurationNumber, 3)
	require.NoError(t, state.db.Merge(fork.Patch()))

	req := httptest.NewRequest(http.MethodGet, "/api/private/supervisor/configuration-number", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]uint64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(3), resp["configuration_number"])
}

func TestConsensusConfigEndpoint(t *testing.T) {
	mux, state := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/api/services/supervisor/consensus-config", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	fork := state.db.Fork()
	fork.Put(KeyConsensusConfig, []byte(`{"validators":1}`))
	require.NoError(t, state.db.Merge(fork.Patch()))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/services/supervisor/consensus-config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"validators":1}`, rec.Body.String())
}

func TestConfigProposalEndpoint(t *testing.T) {
	mux, state := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/api/services/supervisor/config-proposal", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var empty map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &empty))
	assert.Nil(t, empty["proposal"])

	proposal, err := json.Marshal(ConfigPropose{ConfigurationNumber: 0, Config: []byte("cfg")})
	require.NoError(t, err)
	fork := state.db.Fork()
	fork.Put(KeyPendingProposal, proposal)
	require.NoError(t, state.db.Merge(fork.Patch()))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/services/supervisor/config-proposal", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Proposal     json.RawMessage `json:"proposal"`
		ProposalHash string          `json:"proposal_hash"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.JSONEq(t, string(proposal), string(resp.Proposal))
	assert.Equal(t, ProposalHash(proposal).String(), resp.ProposalHash)
}
