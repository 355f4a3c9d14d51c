// Command posnode runs a poschain validator or follower node.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tolelom/poschain/config"
	"github.com/tolelom/poschain/internal/version"
)

var (
	cfgPath string
	keyPath string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "posnode",
		Short:         "Stake-weighted ledger node with AI-result scoring",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to config file (json, yaml or toml)")
	root.PersistentFlags().StringVarP(&keyPath, "key", "k", "validator.key", "path to keystore file")

	root.AddCommand(newRunCmd(), newGenKeyCmd(), newGenCertsCmd(), newReplayCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "posnode\n%s\n", version.Get())
		},
	})
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "posnode:", err)
		os.Exit(1)
	}
}

// loadConfig reads cfgPath, falling back to defaults when it is missing.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, found, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if !found {
		fmt.Fprintf(cmd.ErrOrStderr(), "config file %s not found, using defaults\n", cfgPath)
	}
	return cfg, nil
}

// password reads the keystore password from the environment. Flags would
// leak it through the process list.
func password(cmd *cobra.Command) string {
	pw := os.Getenv(config.PasswordEnv)
	if pw == "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "WARNING: %s not set, keystore uses an empty password\n", config.PasswordEnv)
	}
	return pw
}
