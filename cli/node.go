package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ahmadzakiakmal/passport-workbench/app"
	cmtcfg "github.com/cometbft/cometbft/config"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/viper"
)

// ledgerNode is a CometBFT node running the anchor application in this process
type ledgerNode struct {
	node *nm.Node
	app  *app.Application
	db   *badger.DB
}

// newLedgerNode loads the CometBFT home initialized by `cometbft init` and creates
// a node for the anchor application, whose state lives in <home>/badger
func newLedgerNode(ctx context.Context, homeDir string, logger cmtlog.Logger) (*ledgerNode, error) {
	config := cmtcfg.DefaultConfig()
	config.SetRoot(homeDir)

	v := viper.New()
	v.SetConfigFile(filepath.Join(homeDir, "config", "config.toml"))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading CometBFT config: %w", err)
	}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("decoding CometBFT config: %w", err)
	}
	config.SetRoot(homeDir)
	if err := config.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid CometBFT configuration data: %w", err)
	}

	db, err := badger.Open(badger.DefaultOptions(filepath.Join(homeDir, "badger")).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("opening anchor database: %w", err)
	}
	application := app.NewABCIApplication(db, logger)

	pv := privval.LoadFilePV(
		config.PrivValidatorKeyFile(),
		config.PrivValidatorStateFile(),
	)
	nodeKey, err := p2p.LoadNodeKey(config.NodeKeyFile())
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to load node's key: %w", err)
	}

	nodeLogger, err := cmtflags.ParseLogLevel(config.LogLevel, logger, cmtcfg.DefaultLogLevel)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	node, err := nm.NewNode(
		ctx,
		config,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(application),
		nm.DefaultGenesisDocProviderFunc(config),
		cmtcfg.DefaultDBProvider,
		nm.DefaultMetricsProvider(config.Instrumentation),
		nodeLogger,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating node: %w", err)
	}
	return &ledgerNode{node: node, app: application, db: db}, nil
}

func (n *ledgerNode) Start() error {
	return n.node.Start()
}

// Stop stops the node and closes the application state
func (n *ledgerNode) Stop() error {
	if n.node.IsRunning() {
		if err := n.node.Stop(); err != nil {
			return err
		}
		n.node.Wait()
	}
	return n.db.Close()
}
