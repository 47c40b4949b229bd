// Package node assembles the execution core into a runnable process:
// storage, dispatcher, internal event scheduler and the aggregated HTTP
// API, tied together by a single-writer apply loop.
package node

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/karstlabs/karst/internal/api"
	"github.com/karstlabs/karst/internal/crypto"
	"github.com/karstlabs/karst/internal/dispatcher"
	"github.com/karstlabs/karst/internal/events"
	"github.com/karstlabs/karst/internal/messages"
	"github.com/karstlabs/karst/internal/runtime"
	"github.com/karstlabs/karst/internal/runtime/native"
	"github.com/karstlabs/karst/internal/runtime/wasm"
	"github.com/karstlabs/karst/internal/storage"
	"github.com/karstlabs/karst/internal/supervisor"
)

// consensusConfig is the genesis record surfaced on the supervisor's
// public API. A single-node core has exactly one validator: itself.
type consensusConfig struct {
	Validators []string `json:"validators"`
}

// Node is the assembled execution core. All state transitions flow
// through the single Run loop; HTTP handlers only read snapshots and
// broadcast signed transactions.
type Node struct {
	cfg    Config
	keys   crypto.KeyPair
	logger *slog.Logger

	db   *storage.Database
	disp *dispatcher.Dispatcher
	wasm *wasm.Runtime

	requests chan events.InternalRequest
	events   chan events.InternalEvent
	done     chan struct{}
	stopOnce sync.Once

	// handler holds the current aggregated API surface; swapped in
	// place on RestartAPI events so the listener never rebinds.
	handler atomic.Value

	height uint64
}

// New assembles a node from its configuration and signing identity.
// Extra native service factories become deployable artifacts.
func New(cfg Config, keys crypto.KeyPair, logger *slog.Logger, factories ...native.ServiceFactory) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var db *storage.Database
	var err error
	if cfg.Storage == "" {
		db, err = storage.OpenTemporary()
	} else {
		db, err = storage.Open(cfg.Storage)
	}
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	n := &Node{
		cfg:      cfg,
		keys:     keys,
		logger:   logger,
		db:       db,
		wasm:     wasm.New(logger),
		requests: make(chan events.InternalRequest, cfg.RequestCapacity),
		events:   make(chan events.InternalEvent, cfg.EventCapacity),
		done:     make(chan struct{}),
	}

	builder := dispatcher.NewBuilder(n.requests, logger).
		WithBuiltinService(supervisor.Factory{State: n}, supervisor.InstanceID, supervisor.ServiceName).
		WithRuntime(wasm.ID, n.wasm)
	for _, factory := range factories {
		builder.WithServiceFactory(factory)
	}
	n.disp = builder.Finalize()

	if err := n.writeGenesis(); err != nil {
		db.Close()
		return nil, err
	}
	n.handler.Store(http.Handler(api.Aggregate(n.disp.ServicesAPI())))
	return n, nil
}

// writeGenesis records the consensus config on first boot. Reboots of a
// persistent database keep the existing record.
func (n *Node) writeGenesis() error {
	_, ok, err := n.db.Snapshot().Get(supervisor.KeyConsensusConfig)
	if err != nil {
		return fmt.Errorf("read genesis state: %w", err)
	}
	if ok {
		return nil
	}
	raw, err := json.Marshal(consensusConfig{Validators: []string{n.keys.Public.String()}})
	if err != nil {
		return fmt.Errorf("encode consensus config: %w", err)
	}
	fork := n.db.Fork()
	fork.Put(supervisor.KeyConsensusConfig, raw)
	if err := n.db.Merge(fork.Patch()); err != nil {
		return fmt.Errorf("write genesis state: %w", err)
	}
	n.logger.Info("genesis state written", "validator", n.keys.Public)
	return nil
}

// Broadcast signs a transaction with the node's keys and submits it
// through the verification pipeline. The returned hash addresses the
// transaction; it does not mean the transaction has been applied.
func (n *Node) Broadcast(tx messages.Transaction) (crypto.Hash, error) {
	payload, err := messages.EncodeTransaction(tx)
	if err != nil {
		return crypto.ZeroHash, err
	}
	sm := messages.Sign(payload, n.keys)
	select {
	case n.requests <- events.VerifyMessageRequest(sm.Encode()):
		return sm.Hash(), nil
	default:
		return crypto.ZeroHash, errors.New("request queue full")
	}
}

// Snapshot returns a read view over committed state.
func (n *Node) Snapshot() *storage.Snapshot {
	return n.db.Snapshot()
}

// Submit feeds raw signed-message bytes into the verification
// pipeline. This is the entry point for wire transports.
func (n *Node) Submit(raw []byte) error {
	select {
	case n.requests <- events.VerifyMessageRequest(raw):
		return nil
	default:
		return errors.New("request queue full")
	}
}

// Shutdown asks the run loop to stop. Safe to call from any goroutine.
func (n *Node) Shutdown() {
	select {
	case n.requests <- events.ShutdownRequest():
	default:
		// Run also stops when the consumer side closes, so a full
		// queue only delays shutdown until ctx cancellation.
		n.logger.Warn("request queue full, relying on context cancellation")
	}
}

// Run drives the node until ctx is cancelled or a shutdown event
// arrives. It owns the apply loop, the scheduler and the API server.
func (n *Node) Run(ctx context.Context) error {
	part := events.NewInternalPart(n.requests, n.events, n.done, n.logger)
	go part.Run(ctx)

	server := &http.Server{Addr: n.cfg.APIListen, Handler: http.HandlerFunc(n.serveHTTP)}
	serverErr := make(chan error, 1)
	go func() {
		n.logger.Info("api listening", "addr", n.cfg.APIListen)
		serverErr <- server.ListenAndServe()
	}()
	// API handlers read the database, so the server must drain before
	// storage closes.
	defer n.stop()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			n.logger.Error("api shutdown", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("context cancelled, stopping")
			return nil
		case err := <-serverErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		case ev := <-n.events:
			switch ev.Kind {
			case events.EventMessageVerified:
				n.applyMessage(ev.Message)
			case events.EventRestartAPI:
				n.handler.Store(http.Handler(api.Aggregate(n.disp.ServicesAPI())))
				n.logger.Info("api surface rebuilt")
			case events.EventShutdown:
				n.logger.Info("shutdown event received")
				return nil
			case events.EventTimeout:
				n.logger.Debug("timeout fired", "token", ev.Token)
			case events.EventJumpToRound:
				n.logger.Debug("round jump", "height", ev.Height, "round", ev.Round)
			}
		}
	}
}

// stop tears down the scheduler link and runtimes. Idempotent.
func (n *Node) stop() {
	n.stopOnce.Do(func() {
		close(n.done)
		if err := n.wasm.Close(); err != nil {
			n.logger.Error("wasm runtime close", "error", err)
		}
		if err := n.db.Close(); err != nil {
			n.logger.Error("storage close", "error", err)
		}
	})
}

// applyMessage executes one verified transaction and commits it as a
// block. Rejected transactions leave state untouched.
func (n *Node) applyMessage(msg *messages.Message) {
	tx, err := messages.DecodeTransaction(msg.Payload)
	if err != nil {
		n.logger.Warn("dropping undecodable transaction", "hash", msg.Hash, "error", err)
		return
	}

	fork := n.db.Fork()
	execCtx := runtime.NewExecutionContext(fork, msg.Author, msg.Hash)
	call := runtime.CallInfo{InstanceID: tx.InstanceID, MethodID: tx.MethodID}
	if err := n.disp.Execute(execCtx, call, tx.Body); err != nil {
		n.logger.Warn("transaction rejected",
			"hash", msg.Hash, "instance", tx.InstanceID, "method", tx.MethodID, "error", err)
		return
	}

	n.disp.BeforeCommit(fork)
	if err := n.db.Merge(fork.Patch()); err != nil {
		n.logger.Error("commit failed", "hash", msg.Hash, "error", err)
		return
	}
	n.height++

	snapshot := n.db.Snapshot()
	n.disp.AfterCommit(snapshot)
	n.logger.Info("block committed",
		"height", n.height, "tx_hash", msg.Hash, "state_root", n.stateRoot(snapshot))
}

// stateRoot folds all service state hashes, in their deterministic
// fan-out order, into a single root.
func (n *Node) stateRoot(snapshot *storage.Snapshot) crypto.Hash {
	hashes := n.disp.StateHashes(snapshot)
	data := make([]byte, 0, len(hashes)*(4+crypto.HashSize))
	for _, sh := range hashes {
		data = binary.BigEndian.AppendUint32(data, sh.InstanceID)
		data = append(data, sh.Hash.Bytes()...)
	}
	return crypto.HashWithDomain(crypto.DomainStateHash, data)
}

func (n *Node) serveHTTP(w http.ResponseWriter, r *http.Request) {
	n.handler.Load().(http.Handler).ServeHTTP(w, r)
}
