package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reglet-dev/reglet-embed/config"
	"github.com/reglet-dev/reglet-embed/domain/errors"
	"github.com/reglet-dev/reglet-embed/host"
	"github.com/reglet-dev/reglet-embed/infrastructure/metrics"
	"github.com/reglet-dev/reglet-embed/infrastructure/wazero"
)

var (
	homeFlag          string
	searchPathFlag    string
	bridgeLibraryFlag string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [script...]",
	Short: "Start the guest runtime, run scripts and stop it",
	Long: `Loads the bridge module, starts the guest runtime, runs each script in order
and stops the runtime. Scripts given as arguments replace the configured list.
The exit code is the status of the first failing script.`,
	RunE: runScripts,
}

func init() {
	runCmd.Flags().String("module", "", "bridge WebAssembly module")
	runCmd.Flags().String("metrics-addr", "", "serve /metrics and /healthz on this address")
	runCmd.Flags().Bool("interruptible", false, "abort guest execution on interrupt")
	runCmd.Flags().StringVar(&homeFlag, "home", "", "guest runtime home (default: inherit)")
	runCmd.Flags().StringVar(&searchPathFlag, "search-path", "", "guest module search path (default: inherit)")
	runCmd.Flags().StringVar(&bridgeLibraryFlag, "bridge-library", "", "integration library loaded by the guest (default: search)")

	_ = v.BindPFlag("module", runCmd.Flags().Lookup("module"))
	_ = v.BindPFlag("metrics_addr", runCmd.Flags().Lookup("metrics-addr"))
	_ = v.BindPFlag("interruptible", runCmd.Flags().Lookup("interruptible"))
}

// scriptResult is one row of the run summary.
type scriptResult struct {
	err      error
	script   string
	duration time.Duration
}

func runScripts(cmd *cobra.Command, args []string) error {
	f, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cmd, f, args)
	if err := config.Validate(f); err != nil {
		return err
	}

	logger, err := newLogger(f.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector, err := metrics.NewCollector(prometheus.NewRegistry())
	if err != nil {
		return err
	}

	loader := &wazero.FileLoader{
		Path:    f.Module,
		Dirs:    f.ModuleDirs,
		Options: bridgeOptions(f, logger, cmd.OutOrStdout(), cmd.ErrOrStderr()),
	}
	if err := host.Configure(ctx,
		host.WithLoader(loader),
		host.WithLogger(logger),
		host.WithObserver(collector),
	); err != nil {
		return err
	}
	// Release the loaded bridge; the process-wide runtime stays usable.
	defer func() { _ = host.Configure(context.Background(), host.WithLoader(nil)) }()

	if f.MetricsAddr != "" {
		srv, err := serveMetrics(f.MetricsAddr, collector, host.Default(), logger)
		if err != nil {
			return err
		}
		defer shutdown(srv, logger)
	}

	if err := host.Start(ctx, f.StartConfig()); err != nil {
		return fmt.Errorf("start guest runtime: %w", err)
	}

	results := make([]scriptResult, 0, len(f.Scripts))
	var firstErr error
	for _, script := range f.Scripts {
		began := time.Now()
		err := host.Run(ctx, script)
		results = append(results, scriptResult{script: script, err: err, duration: time.Since(began)})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("run %s: %w", script, err)
		}
		if ctx.Err() != nil {
			logger.Warn("interrupted, skipping remaining scripts")
			break
		}
	}

	// Stop must run even when the context was cancelled.
	stopErr := host.Stop(context.Background())

	if err := renderSummary(cmd.OutOrStdout(), results); err != nil {
		logger.Warn("rendering summary failed", zap.Error(err))
	}

	if firstErr != nil {
		return firstErr
	}
	if stopErr != nil {
		return fmt.Errorf("stop guest runtime: %w", stopErr)
	}
	return nil
}

// applyRunFlags overlays command line values that viper cannot express:
// an unset optional path must stay absent rather than become "".
func applyRunFlags(cmd *cobra.Command, f *config.File, args []string) {
	if len(args) > 0 {
		f.Scripts = args
	}
	if cmd.Flags().Changed("home") {
		f.Home = &homeFlag
	}
	if cmd.Flags().Changed("search-path") {
		f.SearchPath = &searchPathFlag
	}
	if cmd.Flags().Changed("bridge-library") {
		f.BridgeLibrary = &bridgeLibraryFlag
	}
}

func bridgeOptions(f *config.File, logger *zap.Logger, stdout, stderr io.Writer) []wazero.BridgeOption {
	opts := []wazero.BridgeOption{
		wazero.WithLogger(logger),
		wazero.WithStdout(stdout),
		wazero.WithStderr(stderr),
		wazero.WithCloseOnContextDone(f.Interruptible),
	}
	for k, val := range f.Env {
		opts = append(opts, wazero.WithEnv(k, val))
	}
	for _, m := range f.Mounts {
		opts = append(opts, wazero.WithMount(wazero.Mount{HostPath: m.Host, GuestPath: m.Guest, ReadOnly: m.ReadOnly}))
	}
	return opts
}

func renderSummary(w io.Writer, results []scriptResult) error {
	table := tablewriter.NewWriter(w)
	table.Header("Script", "Status", "Duration", "Error")

	for _, r := range results {
		status := errors.Status(r.err)
		msg := ""
		if r.err != nil {
			msg = r.err.Error()
		}
		if err := table.Append(r.script, status.String(), r.duration.Round(time.Millisecond).String(), msg); err != nil {
			return err
		}
	}
	return table.Render()
}
