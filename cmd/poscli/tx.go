package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tolelom/poschain/config"
	"github.com/tolelom/poschain/core"
	"github.com/tolelom/poschain/wallet"
)

type buildFunc func(w *wallet.Wallet, chainID string, nonce uint64, gas wallet.Gas) (*core.Transaction, error)

// submit signs a transaction with the keystore at o.keyPath against the
// node's chain id and next nonce, then sends it.
func (o *options) submit(cmd *cobra.Command, gas wallet.Gas, build buildFunc) error {
	ctx := cmd.Context()
	w, err := o.wallet()
	if err != nil {
		return err
	}
	c := o.client()
	head, err := c.Head(ctx)
	if err != nil {
		return errors.WithMessage(err, "fetch chain id")
	}
	nonce, err := c.Nonce(ctx, w.Address())
	if err != nil {
		return err
	}
	tx, err := build(w, head.Block.Header.ChainID, nonce, gas)
	if err != nil {
		return errors.WithMessage(err, "build transaction")
	}
	res, err := c.SendTx(ctx, tx)
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func (o *options) wallet() (*wallet.Wallet, error) {
	priv, err := wallet.LoadKey(o.keyPath, os.Getenv(config.PasswordEnv))
	if err != nil {
		return nil, errors.Wrapf(err, "load key %s", o.keyPath)
	}
	return wallet.New(priv), nil
}

func gasFlags(cmd *cobra.Command, gas *wallet.Gas, limit uint64) {
	cmd.Flags().Uint64Var(&gas.Price, "gas-price", 1, "price per gas unit")
	cmd.Flags().Uint64Var(&gas.Limit, "gas-limit", limit, "gas limit")
}

func newSendCmd(o *options) *cobra.Command {
	var (
		to     string
		amount uint64
		gas    wallet.Gas
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Transfer value to an address",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if to == "" {
				return errors.New("--to is required")
			}
			return o.submit(cmd, gas, func(w *wallet.Wallet, chainID string, nonce uint64, gas wallet.Gas) (*core.Transaction, error) {
				return w.Transfer(chainID, to, amount, nonce, gas)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "value to transfer")
	gasFlags(cmd, &gas, 21)
	return cmd
}

func newStakeCmd(o *options) *cobra.Command {
	var (
		amount uint64
		gas    wallet.Gas
	)
	cmd := &cobra.Command{
		Use:   "stake",
		Short: "Bond stake from the key's balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if amount == 0 {
				return errors.New("--amount must be positive")
			}
			return o.submit(cmd, gas, func(w *wallet.Wallet, chainID string, nonce uint64, gas wallet.Gas) (*core.Transaction, error) {
				return w.Stake(chainID, amount, nonce, gas)
			})
		},
	}
	cmd.Flags().Uint64Var(&amount, "amount", 0, "stake to bond")
	gasFlags(cmd, &gas, 500)
	return cmd
}

func newUnstakeCmd(o *options) *cobra.Command {
	var (
		amount uint64
		gas    wallet.Gas
	)
	cmd := &cobra.Command{
		Use:   "unstake",
		Short: "Start unbonding stake; without --amount the whole stake exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.submit(cmd, gas, func(w *wallet.Wallet, chainID string, nonce uint64, gas wallet.Gas) (*core.Transaction, error) {
				return w.Unstake(chainID, amount, nonce, gas)
			})
		},
	}
	cmd.Flags().Uint64Var(&amount, "amount", 0, "stake to unbond (0 = all)")
	gasFlags(cmd, &gas, 500)
	return cmd
}

func newKeyCmd(o *options) *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage the signing keystore"}
	key.AddCommand(
		&cobra.Command{
			Use:   "new",
			Short: "Generate a key into --key",
			RunE: func(cmd *cobra.Command, _ []string) error {
				if _, err := os.Stat(o.keyPath); err == nil {
					return fmt.Errorf("%s already exists", o.keyPath)
				}
				w, err := wallet.Generate()
				if err != nil {
					return err
				}
				if err := wallet.SaveKey(o.keyPath, os.Getenv(config.PasswordEnv), w.PrivKey()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), w.Address())
				return nil
			},
		},
		&cobra.Command{
			Use:   "address",
			Short: "Print the address of --key",
			RunE: func(cmd *cobra.Command, _ []string) error {
				w, err := o.wallet()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), w.Address())
				return nil
			},
		},
	)
	return key
}

