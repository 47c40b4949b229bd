package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/karstlabs/karst/internal/crypto"
	"github.com/karstlabs/karst/internal/node"
)

// NewGenerateKeysCommand creates the generate-keys command.
func NewGenerateKeysCommand(_ *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "generate-keys <path>",
		Short: "Generate a node signing key file",
		Long: `Generate a fresh Ed25519 key pair and write it to a YAML key file.

Refuses to overwrite an existing file unless --force is given.

Example:
  karst generate-keys /etc/karst/keys.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !force {
				if _, err := os.Stat(path); err == nil {
					return WrapExitError(ExitCommandError,
						fmt.Sprintf("key file %s already exists, use --force to overwrite", path), nil)
				}
			}

			keys, err := crypto.GenerateKeyPair()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to generate keys", err)
			}
			if err := node.SaveKeys(path, keys); err != nil {
				return WrapExitError(ExitCommandError, "failed to write key file", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Key file written to %s\n", path)
			fmt.Fprintf(cmd.OutOrStdout(), "Public key: %s\n", keys.Public)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")

	return cmd
}
