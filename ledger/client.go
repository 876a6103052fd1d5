package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/errs"
	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	cmthttp "github.com/cometbft/cometbft/rpc/client/http"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
)

// RPC is the part of the CometBFT client the ledger uses. Both the HTTP client
// and the in-process local client satisfy it.
type RPC interface {
	BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*coretypes.ResultBroadcastTxCommit, error)
	ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*coretypes.ResultABCIQuery, error)
}

// Client posts anchors to the datalog and looks them up
type Client struct {
	rpc    RPC
	logger cmtlog.Logger
}

// NewClient wraps an RPC client
func NewClient(rpc RPC, logger cmtlog.Logger) *Client {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	return &Client{rpc: rpc, logger: logger.With("module", "ledger")}
}

// Dial connects to a remote node's RPC endpoint
func Dial(rpcAddr string, timeout time.Duration, logger cmtlog.Logger) (*Client, error) {
	httpClient, err := cmthttp.NewWithClient(rpcAddr, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create CometBFT client: %w", err)
	}
	return NewClient(httpClient, logger), nil
}

// Local uses the RPC of a node running in this process
func Local(node *nm.Node, logger cmtlog.Logger) *Client {
	return NewClient(cmtrpc.New(node), logger)
}

// Post commits an anchor and returns its transaction hash and block height. An
// anchor that is already on the ledger is reported with its existing receipt.
func (c *Client) Post(ctx context.Context, a Anchor) (string, int64, error) {
	if err := a.Validate(); err != nil {
		return "", 0, errs.New(errs.ErrAnchoringFailed, "invalid anchor: %v", err)
	}
	tx, err := a.Encode()
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode anchor: %w", err)
	}

	result, err := c.rpc.BroadcastTxCommit(ctx, cmttypes.Tx(tx))
	if err != nil {
		return "", 0, errs.New(errs.ErrLedgerUnavailable, "broadcast: %v", err)
	}

	if result.CheckTx.Code == CodeDuplicate || result.TxResult.Code == CodeDuplicate {
		receipt, found, err := c.Find(ctx, a.PassportHash)
		if err != nil {
			return "", 0, err
		}
		if found {
			c.logger.Info("Anchor already on ledger", "passport_hash", a.PassportHash, "tx", receipt.TxHash)
			return receipt.TxHash, receipt.Height, nil
		}
		return "", 0, errs.New(errs.ErrLedgerUnavailable, "anchor %s reported duplicate but not found", a.PassportHash)
	}
	if result.CheckTx.Code != CodeOK {
		return "", 0, errs.New(errs.ErrAnchoringFailed, "ledger rejected anchor: CheckTx code %d: %s", result.CheckTx.Code, result.CheckTx.Log)
	}
	if result.TxResult.Code != CodeOK {
		return "", 0, errs.New(errs.ErrAnchoringFailed, "ledger rejected anchor: code %d: %s", result.TxResult.Code, result.TxResult.Log)
	}

	txHash := hex.EncodeToString(result.Hash)
	c.logger.Info("Anchor committed", "passport_hash", a.PassportHash, "tx", txHash, "height", result.Height)
	return txHash, result.Height, nil
}

// Find looks an anchor up by passport hash
func (c *Client) Find(ctx context.Context, passportHash string) (*Receipt, bool, error) {
	res, err := c.rpc.ABCIQuery(ctx, QueryPath, []byte(passportHash))
	if err != nil {
		return nil, false, errs.New(errs.ErrLedgerUnavailable, "query: %v", err)
	}
	switch res.Response.Code {
	case CodeOK:
	case CodeNotFound:
		return nil, false, nil
	default:
		return nil, false, errs.New(errs.ErrLedgerUnavailable, "query code %d: %s", res.Response.Code, res.Response.Log)
	}

	var receipt Receipt
	if err := json.Unmarshal(res.Response.Value, &receipt); err != nil {
		return nil, false, fmt.Errorf("malformed anchor receipt: %w", err)
	}
	return &receipt, true, nil
}
