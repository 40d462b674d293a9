package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbexec/cmd/bot"
	"github.com/michaelpento.lv/arbexec/config"
	"github.com/michaelpento.lv/arbexec/utils"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Consume opportunities and execute the admitted ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := utils.GetLogger()
		ctx := cmd.Context()

		secure, err := config.LoadSecureConfig(cfg.UsePrivateRelay)
		if err != nil {
			return err
		}

		b, err := bot.New(ctx, cfg, secure, log)
		if err != nil {
			return err
		}
		defer b.Close()

		log.Info("Starting executor",
			zap.Uint64("chain_id", cfg.ChainID),
			zap.String("feed", cfg.Feed.Source),
			zap.Bool("private_relay", cfg.UsePrivateRelay),
			zap.Int("workers", cfg.Workers),
		)
		if err := b.Run(ctx); err != nil {
			return err
		}
		log.Info("Shutting down gracefully...")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
