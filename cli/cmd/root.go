package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/leakhawk/leakhawk-stack/cli/internal/config"
	"github.com/leakhawk/leakhawk-stack/cli/pkg/output"
	natsmgr "github.com/leakhawk/leakhawk-stack/common/messaging/nats"
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	profileName string
	outputFmt   string
	timeout     time.Duration
	cfg         *config.Config

	// printerOut redirects rendered results; tests set it.
	printerOut io.Writer
)

var rootCmd = &cobra.Command{
	Use:   "leakctl",
	Short: "LeakHawk Stack operator CLI",
	Long: `leakctl is the operator interface for LeakHawk Stack.

Inspect and replay dead-lettered webhooks, check broker and service health,
seed synthetic uploads and enqueue uploads for detection.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		p, _ := output.New(output.FormatTable)
		p.Error("%v", err)
		return err
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.leakctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "", "profile to use (default: current profile)")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", output.FormatTable, "output format: table, json, yaml")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall command timeout")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.Default()
	}
}

func currentProfile() (*config.Profile, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg.GetProfile(profileName)
}

func newPrinter() (*output.Printer, error) {
	p, err := output.New(outputFmt)
	if err != nil {
		return nil, err
	}
	if printerOut != nil {
		p.Out = printerOut
	}
	return p, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

// withBroker runs fn against a NATS manager for the current profile and
// drains it afterwards.
func withBroker(ctx context.Context, fn func(m *natsmgr.Manager) error) error {
	p, err := currentProfile()
	if err != nil {
		return err
	}
	ncfg := natsmgr.DefaultConfig()
	ncfg.URL = p.NATSURL
	ncfg.Name = "leakctl"
	// A CLI invocation should fail fast rather than reconnect.
	ncfg.MaxReconnects = 1

	m := natsmgr.NewManager(ncfg)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ncfg.DrainTimeout)
		defer cancel()
		_ = m.Shutdown(shutdownCtx)
	}()
	return fn(m)
}
