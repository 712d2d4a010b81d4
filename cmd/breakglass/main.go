// Package main implements the breakglass command-line tool.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/witlox/breakglass/internal/broker"
	"github.com/witlox/breakglass/internal/config"
	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/client"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(broker.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "breakglass",
	Short: "Emergency access broker for HashiCorp Vault",
	Long: `breakglass collects unseal key shares from key holders, generates a
short-lived root credential, issues a scoped and time-bound emergency
credential and revokes everything at the deadline.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return errors.NewValidationError("command", fmt.Sprintf("unknown command %q for %q", args[0], cmd.CommandPath()))
		}
		return cmd.Help()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(watchCmd)

	// Bad invocations exit with ExitInvalidInvocation.
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errors.NewValidationError("flags", err.Error())
	})
	for _, c := range rootCmd.Commands() {
		if c.Args != nil {
			c.Args = invocationArgs(c.Args)
		}
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("server", "", "Watch daemon URL; when set, commands go through its API")
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
}

func invocationArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return errors.NewValidationError("args", err.Error())
		}
		return nil
	}
}

// loadConfig reads the config file and applies global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Root().PersistentFlags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openApp loads configuration and wires a local broker. Callers must Close
// the result.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	return newApp(cmd.Context(), cfg, logger, cmd.OutOrStdout())
}

// remoteClient returns a client for the watch daemon, or nil when --server
// is unset.
func remoteClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Root().PersistentFlags().GetString("server")
	if server == "" {
		return nil
	}
	return client.New(client.Config{
		BaseURL: server,
		Token:   os.Getenv("BREAKGLASS_API_TOKEN"),
		Timeout: 10 * time.Minute,
	})
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Root().PersistentFlags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
