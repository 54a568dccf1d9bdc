// Command dealctx syncs chat, CRM and meeting context into a vector index
// and answers retrieval queries over it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xhad/dealctx/pkg/assistant"
	cfgPkg "github.com/xhad/dealctx/pkg/config"
	"github.com/xhad/dealctx/pkg/logging"
	"github.com/xhad/dealctx/pkg/metrics"
)

var (
	configPath string
	logLevel   string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dealctx",
	Short: "Entity-aware retrieval over chat, CRM and meeting data",
	Long: `dealctx indexes team chat history and CRM records into a vector store,
tagging every message with the companies, contacts and deals its thread
mentions, and retrieves ranked context for a question, optionally scoped to
one company.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	rootCmd.AddCommand(syncCmd, discoverCmd, queryCmd, refreshCmd, serveCmd)
}

// app is what every command needs.
type app struct {
	config    *cfgPkg.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	assistant *assistant.Assistant
}

func setup(ctx context.Context) (*app, error) {
	config, err := cfgPkg.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		config.Log.Level = logLevel
	}
	if errs := config.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid config:\n  %s", strings.Join(msgs, "\n  "))
	}

	logger, err := logging.New(config.Log.Level, config.Log.Development)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	a, err := assistant.FromConfig(ctx, config, m, logger)
	if err != nil {
		logger.Sync()
		return nil, err
	}
	return &app{config: config, logger: logger, metrics: m, assistant: a}, nil
}

func (a *app) close() {
	if err := a.assistant.Close(); err != nil {
		a.logger.Warn("closing index", zap.Error(err))
	}
	a.logger.Sync()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
