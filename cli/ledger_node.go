package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type LedgerNodeOptions struct {
	*RootOptions
	Home string
}

// NewLedgerNodeCommand creates the ledger-node command.
func NewLedgerNodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LedgerNodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ledger-node",
		Short: "Run a CometBFT node with the passport anchor application",
		Long: `Runs a CometBFT node whose application stores passport anchors keyed by passport
hash. The home directory must be initialized with "cometbft init" (or a testnet
layout) beforehand.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerNode(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Home, "cmt-home", "", "CometBFT home directory (defaults to ledger.home)")
	return cmd
}

func runLedgerNode(ctx context.Context, opts *LedgerNodeOptions) error {
	home := opts.Home
	if home == "" {
		home = opts.Config.Ledger.Home
	}
	logger := opts.Logger.With("module", "ledger-node")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := newLedgerNode(ctx, home, opts.Logger)
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		_ = node.Stop()
		return err
	}
	logger.Info("Ledger node started", "home", home, "node_id", node.node.NodeInfo().ID())

	<-ctx.Done()
	if anchors, err := node.app.AnchorCount(); err == nil {
		logger.Info("Stopping ledger node", "anchors", anchors)
	}
	return node.Stop()
}
