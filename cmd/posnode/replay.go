package main

import (
	"fmt"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/tolelom/poschain/chain"
	"github.com/tolelom/poschain/crypto"
	"github.com/tolelom/poschain/logging"
	"github.com/tolelom/poschain/storage"
)

func newReplayCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-execute the stored canonical chain from genesis and check every state root",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			hasher, err := crypto.NewHasher(cfg.Hasher)
			if err != nil {
				return err
			}
			crypto.SetHasher(hasher)

			db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chain"))
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			ccfg := chain.FromConfig(cfg)
			ccfg.Logger = logging.New(cfg.Log)

			var bar *progressbar.ProgressBar
			progress := func(height, total uint64) {
				if quiet {
					return
				}
				if bar == nil {
					bar = progressbar.NewOptions64(
						int64(total),
						progressbar.OptionSetWriter(cmd.ErrOrStderr()),
						progressbar.OptionClearOnFinish(),
						progressbar.OptionSetDescription("Replaying blocks..."),
						progressbar.OptionShowCount(),
						progressbar.OptionShowIts(),
						progressbar.OptionSetTheme(progressbar.Theme{
							Saucer:        "=",
							SaucerHead:    ">",
							SaucerPadding: " ",
							BarStart:      "[",
							BarEnd:        "]",
						}),
					)
				}
				_ = bar.Set64(int64(height))
			}

			height, err := chain.Replay(cmd.Context(), ccfg, storage.NewLevelBlockStore(db), progress)
			if bar != nil {
				_ = bar.Finish()
			}
			if err != nil {
				return fmt.Errorf("replay stopped after height %d: %w", height, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d blocks: every state root matches\n", height)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "no progress bar")
	return cmd
}
