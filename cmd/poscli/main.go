// Command poscli queries and sends transactions to a poschain node over
// JSON-RPC.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tolelom/poschain/config"
	"github.com/tolelom/poschain/internal/version"
	"github.com/tolelom/poschain/rpc"
)

type options struct {
	endpoint string
	token    string
	keyPath  string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "poscli",
		Short:         "Command-line client for a poschain node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.endpoint, "rpc", "http://127.0.0.1:8545", "node RPC endpoint")
	pf.StringVar(&opts.token, "token", os.Getenv(config.EnvPrefix+"_RPC_AUTH_TOKEN"), "RPC bearer token")
	pf.StringVarP(&opts.keyPath, "key", "k", "wallet.key", "keystore used to sign transactions")

	root.AddCommand(
		newQueryCmds(opts)...,
	)
	root.AddCommand(newSendCmd(opts), newStakeCmd(opts), newUnstakeCmd(opts), newKeyCmd(opts))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "poscli\n%s\n", version.Get())
		},
	})
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "poscli:", err)
		os.Exit(1)
	}
}

func (o *options) client() *rpc.Client {
	return rpc.NewClient(o.endpoint, o.token)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
