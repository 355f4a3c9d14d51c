package main

import (
	"strconv"

	"github.com/spf13/cobra"
)

func newQueryCmds(o *options) []*cobra.Command {
	return []*cobra.Command{
		{
			Use:   "balance <address>",
			Short: "Show balance and nonce",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				bal, err := o.client().Balance(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, bal)
			},
		},
		{
			Use:   "nonce <address>",
			Short: "Show the next nonce",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := o.client().Nonce(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, n)
			},
		},
		{
			Use:   "account <address>",
			Short: "Show the full account",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				acc, err := o.client().Account(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, acc)
			},
		},
		{
			Use:   "block <height|hash>",
			Short: "Show a block by canonical height or by hash",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c := o.client()
				if h, err := strconv.ParseUint(args[0], 10, 64); err == nil {
					b, err := c.BlockByHeight(cmd.Context(), h)
					if err != nil {
						return err
					}
					return printJSON(cmd, b)
				}
				b, err := c.BlockByHash(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, b)
			},
		},
		{
			Use:   "head",
			Short: "Show the canonical head",
			RunE: func(cmd *cobra.Command, _ []string) error {
				b, err := o.client().Head(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, b)
			},
		},
		{
			Use:   "finalized",
			Short: "Show the latest finalized block",
			RunE: func(cmd *cobra.Command, _ []string) error {
				b, err := o.client().Finalized(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, b)
			},
		},
		{
			Use:   "validators",
			Short: "List registered validators",
			RunE: func(cmd *cobra.Command, _ []string) error {
				vals, err := o.client().Validators(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, vals)
			},
		},
		{
			Use:   "receipt <tx-hash>",
			Short: "Show the receipt of a canonical transaction",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				r, err := o.client().Receipt(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, r)
			},
		},
		{
			Use:   "txs <address>",
			Short: "List transactions that touched address",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ids, err := o.client().TxsByAddress(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, ids)
			},
		},
	}
}
