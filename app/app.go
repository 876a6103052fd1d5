// Package app is the datalog ABCI application run by ledger nodes. Each transaction
// anchors one passport; anchors are keyed by passport hash and can never be replaced.
package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ahmadzakiakmal/passport-workbench/ledger"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/dgraph-io/badger/v4"
)

const (
	anchorPrefix        = "anchor:"
	keyLastBlockHeight  = "last_block_height"
	keyLastBlockAppHash = "last_block_app_hash"
	keyAnchorCount      = "anchor_count"
)

// Application implements the ABCI interface for the datalog
type Application struct {
	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	mu           sync.Mutex
	logger       cmtlog.Logger
}

var _ abcitypes.Application = (*Application)(nil)

// NewABCIApplication creates the datalog application over a badger database
func NewABCIApplication(badgerDB *badger.DB, logger cmtlog.Logger) *Application {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	return &Application{
		badgerDB: badgerDB,
		logger:   logger.With("module", "datalog"),
	}
}

func anchorKey(passportHash string) []byte {
	return []byte(anchorPrefix + strings.ToLower(passportHash))
}

// Info implements the ABCI Info method
func (app *Application) Info(_ context.Context, _ *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	lastBlockHeight := int64(0)
	var lastBlockAppHash []byte

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		val, err := getValue(txn, []byte(keyLastBlockHeight))
		if err != nil || val == nil {
			return err
		}
		lastBlockHeight = bytesToInt64(val)

		lastBlockAppHash, err = getValue(txn, []byte(keyLastBlockAppHash))
		return err
	})
	if err != nil {
		app.logger.Error("Error getting last block info", "err", err)
	}

	return &abcitypes.InfoResponse{
		Data:             "passport datalog",
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// Query implements the ABCI Query method. Anchors are looked up on path "/anchor"
// with the passport hash as data, or on "/anchor/<hash>".
func (app *Application) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	var passportHash string
	switch {
	case req.Path == ledger.QueryPath:
		passportHash = string(req.Data)
	case strings.HasPrefix(req.Path, ledger.QueryPath+"/"):
		passportHash = strings.TrimPrefix(req.Path, ledger.QueryPath+"/")
	default:
		return &abcitypes.QueryResponse{
			Code: ledger.CodeInvalid,
			Log:  fmt.Sprintf("unknown query path %q", req.Path),
		}, nil
	}
	if passportHash == "" {
		return &abcitypes.QueryResponse{
			Code: ledger.CodeInvalid,
			Log:  "Empty query data",
		}, nil
	}

	resp := abcitypes.QueryResponse{Key: anchorKey(passportHash)}
	dbErr := app.badgerDB.View(func(txn *badger.Txn) error {
		height, err := getValue(txn, []byte(keyLastBlockHeight))
		if err != nil {
			return err
		}
		resp.Height = bytesToInt64(height)

		val, err := getValue(txn, resp.Key)
		if err != nil {
			return err
		}
		if val == nil {
			resp.Code = ledger.CodeNotFound
			resp.Log = "anchor doesn't exist"
			return nil
		}
		resp.Log = "exists"
		resp.Value = val
		return nil
	})
	if dbErr != nil {
		app.logger.Error("Error reading database, unable to execute query", "err", dbErr)
		return &abcitypes.QueryResponse{
			Code: ledger.CodeInternal,
			Log:  fmt.Sprintf("Database error: %v", dbErr),
		}, nil
	}

	return &resp, nil
}

// CheckTx implements the ABCI CheckTx method
func (app *Application) CheckTx(_ context.Context, check *abcitypes.CheckTxRequest) (*abcitypes.CheckTxResponse, error) {
	anchor, err := ledger.DecodeAnchor(check.Tx)
	if err != nil {
		return &abcitypes.CheckTxResponse{Code: ledger.CodeInvalid, Log: err.Error()}, nil
	}

	exists, err := app.anchored(anchor.PassportHash)
	if err != nil {
		return &abcitypes.CheckTxResponse{Code: ledger.CodeInternal, Log: err.Error()}, nil
	}
	if exists {
		return &abcitypes.CheckTxResponse{
			Code: ledger.CodeDuplicate,
			Log:  fmt.Sprintf("passport %s already anchored", anchor.PassportHash),
		}, nil
	}
	return &abcitypes.CheckTxResponse{Code: ledger.CodeOK}, nil
}

// InitChain implements the ABCI InitChain method
func (app *Application) InitChain(_ context.Context, _ *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method. Malformed anchors
// and repeats of an already anchored passport are left out of the block.
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	txs := make([][]byte, 0, len(proposal.Txs))
	seen := make(map[string]struct{}, len(proposal.Txs))
	var size int64
	for _, tx := range proposal.Txs {
		anchor, err := ledger.DecodeAnchor(tx)
		if err != nil {
			continue
		}
		if _, dup := seen[anchor.PassportHash]; dup {
			continue
		}
		if exists, err := app.anchored(anchor.PassportHash); err != nil || exists {
			continue
		}
		if proposal.MaxTxBytes > 0 && size+int64(len(tx)) > proposal.MaxTxBytes {
			break
		}
		seen[anchor.PassportHash] = struct{}{}
		size += int64(len(tx))
		txs = append(txs, tx)
	}
	return &abcitypes.PrepareProposalResponse{Txs: txs}, nil
}

// ProcessProposal implements the ABCI ProcessProposal method
func (app *Application) ProcessProposal(_ context.Context, proposal *abcitypes.ProcessProposalRequest) (*abcitypes.ProcessProposalResponse, error) {
	for _, tx := range proposal.Txs {
		if _, err := ledger.DecodeAnchor(tx); err != nil {
			app.logger.Info("Voted invalid", "height", proposal.Height, "err", err)
			return &abcitypes.ProcessProposalResponse{
				Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT,
			}, nil
		}
	}
	return &abcitypes.ProcessProposalResponse{
		Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT,
	}, nil
}

// FinalizeBlock implements the ABCI FinalizeBlock method
func (app *Application) FinalizeBlock(_ context.Context, req *abcitypes.FinalizeBlockRequest) (*abcitypes.FinalizeBlockResponse, error) {
	txResults := make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock != nil {
		app.onGoingBlock.Discard()
	}
	app.onGoingBlock = app.badgerDB.NewTransaction(true)

	committed := 0
	for i, tx := range req.Txs {
		txResults[i] = app.storeAnchor(tx, req.Height)
		if txResults[i].Code == ledger.CodeOK {
			committed++
		}
	}

	prevAppHash, err := getValue(app.onGoingBlock, []byte(keyLastBlockAppHash))
	if err != nil {
		return nil, fmt.Errorf("failed to read previous app hash: %w", err)
	}
	appHash := calculateAppHash(prevAppHash, txResults)

	if err := app.addAnchorCount(committed); err != nil {
		return nil, err
	}
	if err := app.onGoingBlock.Set([]byte(keyLastBlockHeight), int64ToBytes(req.Height)); err != nil {
		return nil, fmt.Errorf("failed to store block height: %w", err)
	}
	if err := app.onGoingBlock.Set([]byte(keyLastBlockAppHash), appHash); err != nil {
		return nil, fmt.Errorf("failed to store app hash: %w", err)
	}

	if committed > 0 {
		app.logger.Info("Anchors finalized", "height", req.Height, "count", committed)
	}
	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, nil
}

// Commit implements the ABCI Commit method
func (app *Application) Commit(_ context.Context, _ *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock == nil {
		return &abcitypes.CommitResponse{}, nil
	}
	err := app.onGoingBlock.Commit()
	app.onGoingBlock = nil
	if err != nil {
		return nil, fmt.Errorf("failed to commit block: %w", err)
	}
	return &abcitypes.CommitResponse{}, nil
}

// ListSnapshots implements the ABCI ListSnapshots method
func (app *Application) ListSnapshots(_ context.Context, _ *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

// OfferSnapshot implements the ABCI OfferSnapshot method
func (app *Application) OfferSnapshot(_ context.Context, _ *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

// LoadSnapshotChunk implements the ABCI LoadSnapshotChunk method
func (app *Application) LoadSnapshotChunk(_ context.Context, _ *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

// ApplySnapshotChunk implements the ABCI ApplySnapshotChunk method
func (app *Application) ApplySnapshotChunk(_ context.Context, _ *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

// ExtendVote implements the ABCI ExtendVote method
func (app *Application) ExtendVote(_ context.Context, _ *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

// VerifyVoteExtension implements the ABCI VerifyVoteExtension method
func (app *Application) VerifyVoteExtension(_ context.Context, _ *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{
		Status: abcitypes.VERIFY_VOTE_EXTENSION_STATUS_ACCEPT,
	}, nil
}

// AnchorCount returns the number of committed anchors
func (app *Application) AnchorCount() (int64, error) {
	var count int64
	err := app.badgerDB.View(func(txn *badger.Txn) error {
		val, err := getValue(txn, []byte(keyAnchorCount))
		count = bytesToInt64(val)
		return err
	})
	return count, err
}

// Helper Functions

// storeAnchor stages one anchor in the ongoing block. A passport hash that is already
// anchored, committed or earlier in the same block, is rejected.
func (app *Application) storeAnchor(tx []byte, height int64) *abcitypes.ExecTxResult {
	anchor, err := ledger.DecodeAnchor(tx)
	if err != nil {
		return &abcitypes.ExecTxResult{Code: ledger.CodeInvalid, Log: err.Error()}
	}

	key := anchorKey(anchor.PassportHash)
	existing, err := getValue(app.onGoingBlock, key)
	if err != nil {
		return &abcitypes.ExecTxResult{Code: ledger.CodeInternal, Log: fmt.Sprintf("Database error: %v", err)}
	}
	if existing != nil {
		return &abcitypes.ExecTxResult{
			Code: ledger.CodeDuplicate,
			Log:  fmt.Sprintf("passport %s already anchored", anchor.PassportHash),
		}
	}

	txHash := hex.EncodeToString(cmttypes.Tx(tx).Hash())
	receipt, err := json.Marshal(ledger.Receipt{Anchor: *anchor, TxHash: txHash, Height: height})
	if err != nil {
		return &abcitypes.ExecTxResult{Code: ledger.CodeInternal, Log: err.Error()}
	}
	if err := app.onGoingBlock.Set(key, receipt); err != nil {
		app.logger.Error("Error storing anchor", "passport_hash", anchor.PassportHash, "err", err)
		return &abcitypes.ExecTxResult{Code: ledger.CodeInternal, Log: fmt.Sprintf("Database error: %v", err)}
	}

	events := []abcitypes.Event{
		{
			Type: "anchor",
			Attributes: []abcitypes.EventAttribute{
				{Key: "passport_hash", Value: anchor.PassportHash, Index: true},
				{Key: "passport_id", Value: anchor.PassportID, Index: true},
				{Key: "unit_id", Value: anchor.UnitID, Index: true},
				{Key: "content_hash", Value: anchor.ContentHash, Index: false},
				{Key: "locator", Value: anchor.Locator, Index: false},
			},
		},
	}

	return &abcitypes.ExecTxResult{
		Code:   ledger.CodeOK,
		Data:   []byte(anchor.PassportHash),
		Log:    "anchored",
		Events: events,
	}
}

func (app *Application) anchored(passportHash string) (bool, error) {
	found := false
	err := app.badgerDB.View(func(txn *badger.Txn) error {
		val, err := getValue(txn, anchorKey(passportHash))
		found = val != nil
		return err
	})
	return found, err
}

func (app *Application) addAnchorCount(n int) error {
	if n == 0 {
		return nil
	}
	val, err := getValue(app.onGoingBlock, []byte(keyAnchorCount))
	if err != nil {
		return err
	}
	return app.onGoingBlock.Set([]byte(keyAnchorCount), int64ToBytes(bytesToInt64(val)+int64(n)))
}

// getValue returns a copy of the value at key, or nil when the key is absent
func getValue(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

// calculateAppHash chains the previous app hash with the results of this block
func calculateAppHash(prev []byte, txResults []*abcitypes.ExecTxResult) []byte {
	var buf bytes.Buffer
	buf.Write(prev)
	for _, result := range txResults {
		if result.Code != ledger.CodeOK {
			continue
		}
		buf.Write(result.Data)
	}
	hash := sha256.Sum256(buf.Bytes())
	return hash[:]
}

// int64ToBytes converts an int64 to bytes
func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)

	buf[0] = byte(i >> 56)
	buf[1] = byte(i >> 48)
	buf[2] = byte(i >> 40)
	buf[3] = byte(i >> 32)
	buf[4] = byte(i >> 24)
	buf[5] = byte(i >> 16)
	buf[6] = byte(i >> 8)
	buf[7] = byte(i)

	return buf
}

// bytesToInt64 converts bytes to an int64
func bytesToInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}

	return int64(buf[0])<<56 |
		int64(buf[1])<<48 |
		int64(buf[2])<<40 |
		int64(buf[3])<<32 |
		int64(buf[4])<<24 |
		int64(buf[5])<<16 |
		int64(buf[6])<<8 |
		int64(buf[7])
}
