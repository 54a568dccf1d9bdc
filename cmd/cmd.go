package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xhad/dealctx/internal/models"
	"github.com/xhad/dealctx/pkg/channels"
	"github.com/xhad/dealctx/server"
)

var (
	watch          bool
	skipCRM        bool
	company        string
	resultCount    int
	backgroundSync bool
)

func init() {
	syncCmd.Flags().BoolVar(&watch, "watch", false, "Keep syncing on the configured interval")
	syncCmd.Flags().BoolVar(&skipCRM, "skip-crm", false, "Do not index CRM records")
	queryCmd.Flags().StringVar(&company, "company", "", "Scope retrieval to one company")
	queryCmd.Flags().IntVarP(&resultCount, "results", "n", 0, "Number of results (default from config)")
	serveCmd.Flags().BoolVar(&backgroundSync, "background-sync", true, "Run the periodic sync alongside the server")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Index CRM records and prioritized chat channels",
	Long: `Refresh the entity cache from the CRM, index CRM records, then discover
channels and sync them in tier order.

Examples:
  # One full pass
  dealctx sync

  # Keep syncing every sync.interval
  dealctx sync --watch`,
	RunE: runSync,
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List channels in sync order with their tiers",
	RunE:  runDiscover,
}

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Retrieve ranked context for a question",
	Long: `Retrieve ranked context from meetings, chat and CRM records.

Examples:
  dealctx query "what changed in the renewal?" --company "Acme Corp"
  dealctx query "open support escalations" -n 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh-entities",
	Short: "Reload company, contact and deal names from the CRM",
	RunE:  runRefresh,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive chat events for real-time indexing",
	RunE:  runServe,
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("channels"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	app, err := setup(ctx)
	if err != nil {
		return err
	}
	defer app.close()
	a := app.assistant

	if watch {
		color.Cyan("Syncing every %s (Ctrl+C to stop)", app.config.Sync.Interval)
		a.Run(ctx)
		return nil
	}

	start := time.Now()
	if !skipCRM {
		spinner := getSpinner("Refreshing entity cache...")
		err := a.RefreshEntityCache(ctx)
		spinner.Finish()
		fmt.Print("\r")
		if err != nil {
			color.Yellow("Entity cache unavailable: %v", err)
		} else {
			c, p, o := a.Cache().Snapshot().Sets()
			color.Green("✓ %d companies, %d contacts, %d opportunities", len(c), len(p), len(o))
		}

		spinner = getSpinner("Indexing CRM records...")
		n := a.IndexCRM(ctx)
		spinner.Finish()
		fmt.Print("\r")
		color.Green("✓ Indexed %d CRM records", n)
	}

	chs := channels.Select(a.DiscoverChannels(ctx), a.Caps())
	color.Blue("Syncing %d channels", len(chs))

	bar := getProgressBar(len(chs), "Syncing channels...")
	total := 0
	a.SetProgress(func(ch models.Channel, indexed int) {
		total += indexed
		bar.Describe(color.BlueString("Syncing channels... (#%s, %d messages)", ch.Name, total))
		bar.Add(1)
	})
	a.SyncChannels(ctx, chs)
	bar.Finish()

	color.Green("\n✓ Indexed %d messages in %s", total, time.Since(start).Round(time.Second))
	return nil
}

func runDiscover(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	app, err := setup(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	chs := app.assistant.DiscoverChannels(ctx)
	selected := make(map[string]bool)
	for _, ch := range channels.Select(chs, app.assistant.Caps()) {
		selected[ch.ID] = true
	}

	tierColor := map[models.Tier]func(string, ...interface{}) string{
		models.TierUltra:  color.MagentaString,
		models.TierHigh:   color.GreenString,
		models.TierMedium: color.YellowString,
		models.TierLow:    color.WhiteString,
	}
	for _, ch := range chs {
		mark := " "
		if selected[ch.ID] {
			mark = "*"
		}
		fmt.Printf("%s %-7s %-40s %5d members\n", mark, tierColor[ch.Category]("%s", ch.Category), ch.Name, ch.MemberCount)
	}

	counts := channels.CountByTier(chs)
	parts := make([]string, 0, len(models.Tiers))
	for _, t := range models.Tiers {
		parts = append(parts, fmt.Sprintf("%s=%d", t, counts[t]))
	}
	color.Cyan("\n%d channels (%s), * = synced next pass", len(chs), strings.Join(parts, " "))
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	app, err := setup(ctx)
	if err != nil {
		return err
	}
	defer app.close()
	a := app.assistant

	// Company detection needs the entity cache.
	if err := a.RefreshEntityCache(ctx); err != nil {
		app.logger.Debug("entity cache not refreshed", zap.Error(err))
	}

	spinner := getSpinner("Searching...")
	results := a.Retrieve(ctx, strings.Join(args, " "), company)
	spinner.Finish()
	fmt.Print("\r")

	if resultCount > 0 && len(results) > resultCount {
		results = results[:resultCount]
	}
	if len(results) == 0 {
		color.Yellow("No relevant data found.")
		return nil
	}

	header := color.New(color.FgCyan, color.Bold).PrintfFunc()
	for i, r := range results {
		switch {
		case r.Meeting != nil:
			header("\n[%d] meeting\n", i+1)
		case r.Document != nil:
			header("\n[%d] %s (distance %.3f)\n", i+1, r.Source, r.Distance)
		}
		fmt.Println(r.Content)
	}
	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	app, err := setup(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.assistant.RefreshEntityCache(ctx); err != nil {
		return fmt.Errorf("failed to refresh entity cache: %w", err)
	}
	snap := app.assistant.Cache().Snapshot()
	c, p, o := snap.Sets()
	color.Green("✓ Entity cache v%d: %d companies, %d contacts, %d opportunities", snap.Version, len(c), len(p), len(o))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	app, err := setup(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	srv := server.New(server.Config{
		Addr:          app.config.Server.Addr,
		SigningSecret: app.config.Slack.SigningSecret,
	}, app.assistant, app.assistant, app.metrics.Handler(), app.logger.Named("server"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if backgroundSync {
		g.Go(func() error {
			app.assistant.Run(gctx)
			return nil
		})
	} else if err := app.assistant.RefreshEntityCache(ctx); err != nil {
		app.logger.Warn("entity cache not refreshed", zap.Error(err))
	}

	color.Cyan("Listening on %s (Ctrl+C to stop)", app.config.Server.Addr)
	return g.Wait()
}
