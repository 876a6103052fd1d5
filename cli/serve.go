package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/anchoring"
	"github.com/ahmadzakiakmal/passport-workbench/config"
	"github.com/ahmadzakiakmal/passport-workbench/device"
	"github.com/ahmadzakiakmal/passport-workbench/ledger"
	"github.com/ahmadzakiakmal/passport-workbench/notify"
	"github.com/ahmadzakiakmal/passport-workbench/passport"
	"github.com/ahmadzakiakmal/passport-workbench/repository"
	"github.com/ahmadzakiakmal/passport-workbench/server"
	"github.com/ahmadzakiakmal/passport-workbench/srvreg"
	"github.com/ahmadzakiakmal/passport-workbench/storage"
	"github.com/ahmadzakiakmal/passport-workbench/workbench"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workbenches, the anchoring pipeline and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts.Config, rootOpts.Logger)
		},
	}
}

func openContent(cfg *config.Config, logger cmtlog.Logger) (anchoring.ContentStore, func() error, error) {
	switch cfg.Storage.Backend {
	case config.StorageGateway:
		return storage.NewGateway(cfg.Storage.GatewayURL, cfg.Timeouts.NetworkCall), func() error { return nil }, nil
	default:
		store, err := storage.OpenBadger(cfg.Storage.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
}

func newAlerter(cfg *config.Config, logger cmtlog.Logger) notify.Alerter {
	if cfg.Alerts.WebhookURL != "" {
		return notify.NewHTTPAlerter(cfg.Alerts.WebhookURL, cfg.Timeouts.NetworkCall)
	}
	return notify.LogAlerter{Logger: logger.With("module", "alerts")}
}

func runServe(ctx context.Context, cfg *config.Config, logger cmtlog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Persistence
	repo, err := repository.Open(cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	if cfg.Roster.Path != "" {
		n, err := device.SyncRoster(ctx, cfg.Roster.Path, repo)
		if err != nil {
			return fmt.Errorf("loading roster: %w", err)
		}
		logger.Info("Roster loaded", "path", cfg.Roster.Path, "operators", n)
	}

	// Anchoring targets
	content, closeContent, err := openContent(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening content storage: %w", err)
	}
	defer closeContent()

	var ledgerClient *ledger.Client
	if cfg.Ledger.Embedded {
		node, err := newLedgerNode(ctx, cfg.Ledger.Home, logger)
		if err != nil {
			return err
		}
		if err := node.Start(); err != nil {
			_ = node.Stop()
			return fmt.Errorf("starting ledger node: %w", err)
		}
		defer func() {
			if err := node.Stop(); err != nil {
				logger.Error("Stopping ledger node", "err", err)
			}
		}()
		ledgerClient = ledger.Local(node.node, logger)
	} else {
		ledgerClient, err = ledger.Dial(cfg.Ledger.RPCAddress, cfg.Timeouts.NetworkCall, logger)
		if err != nil {
			return err
		}
	}

	alerter := newAlerter(cfg, logger)
	pipeline := anchoring.New(anchoring.Deps{
		Store:   repo,
		Content: content,
		Ledger:  ledgerClient,
		Alerter: alerter,
		Logger:  logger,
		Metrics: anchoring.NewMetrics(reg),
	}, cfg.AnchoringConfig())

	// Workbenches
	var printer notify.Printer = notify.Nop{}
	if cfg.Printer.Enable {
		printer = notify.NewHTTPPrinter(cfg.Printer.ServerURL, cfg.Timeouts.NetworkCall, logger)
	}
	var recorder notify.Recorder = notify.Nop{}
	if cfg.Recorder.Enable {
		recorder = notify.NewHTTPRecorder(cfg.Recorder.ServerURL, cfg.Recorder.Camera, cfg.Timeouts.NetworkCall, logger)
	}
	workbenches, err := workbench.NewRegistry(cfg.Workbenches, workbench.Deps{
		Store:    repo,
		Builder:  passport.NewBuilder(repo, passport.WithLogger(logger)),
		Anchorer: pipeline,
		Printer:  printer,
		Recorder: recorder,
		Alerter:  alerter,
		Logger:   logger,
		Metrics:  workbench.NewMetrics(reg),
	}, cfg.WorkbenchConfig())
	if err != nil {
		return err
	}

	// HTTP surface
	devices, err := cfg.DeviceKinds()
	if err != nil {
		return err
	}
	normalizer := device.NewNormalizer(repo, cfg.Debounce, device.WithLogger(logger))
	serviceRegistry := srvreg.NewServiceRegistry(workbenches, normalizer, devices, repo, pipeline, logger)
	serviceRegistry.RegisterDefaultServices()
	webserver := server.NewWebServer(cfg.HTTP.Addr, serviceRegistry, pipeline, reg, logger)

	g, gctx := errgroup.WithContext(ctx)

	// workbenches and workers outlive the signal until their explicit shutdown below
	runCtx := context.WithoutCancel(gctx)
	if err := workbenches.Start(runCtx); err != nil {
		return err
	}
	if err := pipeline.Start(runCtx); err != nil {
		_ = workbenches.Shutdown(context.Background())
		return err
	}
	if err := webserver.Start(); err != nil {
		pipeline.Stop()
		_ = workbenches.Shutdown(context.Background())
		return fmt.Errorf("starting HTTP server: %w", err)
	}

	if cfg.Roster.Path != "" && cfg.Roster.Watch {
		g.Go(func() error {
			return device.WatchRoster(gctx, cfg.Roster.Path, repo, logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var problems []error
		if err := webserver.Shutdown(shutdownCtx); err != nil {
			problems = append(problems, fmt.Errorf("shutting down HTTP web server: %w", err))
		}
		if err := workbenches.Shutdown(shutdownCtx); err != nil {
			problems = append(problems, fmt.Errorf("shutting down workbenches: %w", err))
		}
		pipeline.Stop()
		logger.Info("Workbench service gracefully stopped")
		return errors.Join(problems...)
	})

	return g.Wait()
}
