package cli

import (
	"fmt"
	"os"

	"github.com/ahmadzakiakmal/passport-workbench/config"
	cmtcfg "github.com/cometbft/cometbft/config"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	LogLevel   string
	// ServerURL is the HTTP address of a running workbench service, used by the
	// operator commands
	ServerURL string

	Config *config.Config
	Logger cmtlog.Logger
}

// NewRootCommand creates the root command of the workbench binary.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "workbench",
		Short: "Assembly workbench traceability service",
		Long: `Runs assembly workbenches that record operator sessions, seal each finished unit
into a hash-chained passport and anchor the passport to content storage and a
CometBFT ledger.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (yaml or toml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log_level from the config")
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", "http://127.0.0.1:5000", "workbench service URL for operator commands")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewLedgerNodeCommand(opts))
	cmd.AddCommand(NewPassportCommand(opts))
	cmd.AddCommand(NewAnchoringCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))

	return cmd
}

// Execute runs the root command and exits non-zero on error
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *RootOptions) load() error {
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return err
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	o.Config = cfg

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))
	logger, err = cmtflags.ParseLogLevel(cfg.LogLevel, logger, cmtcfg.DefaultLogLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}
	o.Logger = logger
	return nil
}
