package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ignite/newsletter-engine/internal/app"
	"github.com/ignite/newsletter-engine/internal/config"
)

var cfgFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "newsletter",
	Short:        "Newsletter campaign admin",
	Long:         `Send newsletters, follow their progress and manage subscribers.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("CONFIG_PATH"), "config file path (optional)")
	rootCmd.AddCommand(sendCmd, progressCmd, watchCmd, contactsCmd, draftCmd, listCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.ConfigureLogger(cfg.Log)
	return cfg, nil
}

// openApp builds the services. Commands that never send pass readOnly.
func openApp(ctx context.Context, readOnly bool) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	var opts []app.Option
	if readOnly {
		opts = append(opts, app.AllowNoSender())
	}
	return app.Build(ctx, cfg, opts...)
}
