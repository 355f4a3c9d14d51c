package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tolelom/poschain/crypto/certgen"
	"github.com/tolelom/poschain/wallet"
)

func newGenKeyCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate a validator key into the keystore file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(keyPath); err == nil && !force {
				return fmt.Errorf("%s exists; pass --force to overwrite", keyPath)
			}
			w, err := wallet.Generate()
			if err != nil {
				return err
			}
			if err := wallet.SaveKey(keyPath, password(cmd), w.PrivKey()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Public key: %s\n", w.PubKey())
			fmt.Fprintf(out, "Address:    %s\n", w.Address())
			fmt.Fprintf(out, "Saved to:   %s\n", keyPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing keystore")
	return cmd
}

func newGenCertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gencerts <dir>",
		Short: "Generate a CA and a node certificate for mTLS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			paths, err := certgen.GenerateAll(args[0], cfg.NodeID, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Certificates for node %q:\n", cfg.NodeID)
			fmt.Fprintf(out, "  tls.ca_cert:   %s\n  tls.node_cert: %s\n  tls.node_key:  %s\n", paths.CACert, paths.NodeCert, paths.NodeKey)
			return nil
		},
	}
}
