// Package cmd defines the CLI commands of the pncp-monitor executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-monitor/internal/collector"
	"github.com/JakeFAU/pncp-monitor/internal/config"
	"github.com/JakeFAU/pncp-monitor/internal/server"
	"github.com/JakeFAU/pncp-monitor/internal/store"
	"github.com/JakeFAU/pncp-monitor/internal/upstream"
)

const closeTimeout = 30 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the slice of the application the commands use. Tests inject fakes
// through newApp.
type App interface {
	Logger() *zap.Logger
	Store() store.Store
	Collector() *collector.Collector
	Upstream() *upstream.Client
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, configPath string) (App, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// newRootCmd builds the command tree. The App built for the invoked command
// is stored in *built so the caller can close it whatever the outcome.
func newRootCmd(built *App) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "pncp-monitor",
		Short: "Collects and triages public procurements published on PNCP.",
		Long: `pncp-monitor crawls the PNCP consultation API region by region, scores
every procurement against a keyword catalog and keeps the relevant ones in a
local or shared store for review.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			*built = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); PNCP_* environment variables override it")

	cmd.AddCommand(
		newServeCmd(),
		newCollectCmd(),
		newRecordsCmd(),
		newRunsCmd(),
		newCheckCmd(),
	)
	return cmd
}

// execute runs the command line in args and closes the App afterwards.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var appInstance App
	root := newRootCmd(&appInstance)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if appInstance != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := appInstance.Close(closeCtx); cerr != nil {
			appInstance.Logger().Warn("close application", zap.Error(cerr))
		}
	}
	return err
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}
