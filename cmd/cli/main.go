package main

import (
	"fmt"
	"os"

	"github.com/nimasrn/payment-gateway/internal/config"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/spf13/cobra"
)

var version = "dev"

var envPath string

func main() {
	err := newRootCmd().Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "paygw",
		Short:         "Operator tooling for the donation payment gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "path to an env file")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(settledCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(verifyCmd())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	if err := config.Load(config.EnvPathFromArgs(nil, envPath)); err != nil {
		return nil, err
	}
	return config.Get(), nil
}
