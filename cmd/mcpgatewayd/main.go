// Command mcpgatewayd is the gateway daemon: it loads a backend
// configuration, spawns eager backends, and serves the MCP protocol over
// stdin/stdout until the upstream client disconnects.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaymcp/gateway/internal/config"
	"github.com/relaymcp/gateway/internal/credentials"
	"github.com/relaymcp/gateway/internal/dispatch"
	"github.com/relaymcp/gateway/internal/logging"
	"github.com/relaymcp/gateway/internal/registry"
	"github.com/relaymcp/gateway/internal/security"
	"github.com/spf13/cobra"
)

const shutdownGrace = 5 * time.Second

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "mcpgatewayd",
	Short:         "MCP gateway: routes a single upstream MCP client across many backend MCP servers",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), cfgFile, logLevel)
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "path to the gateway configuration file (required)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	_ = rootCmd.MarkFlagRequired("config")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mcpgatewayd: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// configError marks a fatal startup error (exit code 1, spec §6), as
// opposed to a fatal runtime error surfaced after the gateway is serving
// (exit code 2).
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var cfgErr *configError
	if ok := asConfigError(err, &cfgErr); ok {
		return 1
	}
	return 2
}

func asConfigError(err error, target **configError) bool {
	for err != nil {
		if ce, ok := err.(*configError); ok {
			*target = ce
			return true
		}
		unwrap, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrap.Unwrap()
	}
	return false
}

func run(ctx context.Context, cfgPath, level string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return &configError{fmt.Errorf("load config: %w", err)}
	}

	log := logging.New(os.Stderr, logging.ParseLevel(level))
	creds := credentials.New()
	reg := registry.New(cfg, creds, log)
	mon := security.New(cfg.Policy, log)

	reg.StartEager(ctx)
	defer reg.Shutdown(context.Background(), shutdownGrace)

	d := dispatch.New(os.Stdin, os.Stdout, reg, mon, log)
	log.Info("mcpgatewayd serving %d backend(s)", len(reg.Names()))

	serveErr := d.Serve(ctx)
	if serveErr != nil && serveErr != context.Canceled {
		return fmt.Errorf("gateway serve loop: %w", serveErr)
	}
	log.Info("mcpgatewayd shutting down")
	return nil
}
