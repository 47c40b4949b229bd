package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/karstlabs/karst/internal/crypto"
	"github.com/karstlabs/karst/internal/node"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a node from a config file",
		Long: `Start a node from a YAML config file.

The config names the storage path, API listen address and key file.
Environment variables (KARST_*) override file values.

Example:
  karst run --config /etc/karst/node.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := node.LoadConfig(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			if cfg.Keys == "" {
				return WrapExitError(ExitCommandError, "config names no key file", nil)
			}
			keys, err := node.LoadKeys(cfg.Keys)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load keys", err)
			}
			return runNode(cmd, opts.RootOptions, cfg, keys)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to node config (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

// RunDevOptions holds flags for the run-dev command.
type RunDevOptions struct {
	*RootOptions
	Listen string
}

// NewRunDevCommand creates the run-dev command: an in-memory node with
// a freshly generated identity, for local experiments.
func NewRunDevCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunDevOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run-dev",
		Short: "Start a throwaway development node",
		Long: `Start a node with in-memory storage and a generated key pair.

All state is lost on shutdown.

Example:
  karst run-dev --listen 127.0.0.1:8200`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := node.DefaultConfig()
			cfg.APIListen = opts.Listen
			keys, err := crypto.GenerateKeyPair()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to generate keys", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Development node, state is not persisted.")
			fmt.Fprintf(cmd.OutOrStdout(), "Node public key: %s\n", keys.Public)
			return runNode(cmd, opts.RootOptions, cfg, keys)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "127.0.0.1:8200", "API listen address")

	return cmd
}

func runNode(cmd *cobra.Command, rootOpts *RootOptions, cfg node.Config, keys crypto.KeyPair) error {
	logger := setupLogging(rootOpts)

	n, err := node.New(cfg, keys, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to assemble node", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Node started, API on %s. Press Ctrl-C to stop.\n", cfg.APIListen)
	if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "node error", err)
	}
	logger.Info("node stopped")
	return nil
}
