package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"voxchat/internal/overlay"
)

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "voxchat",
		Short: "Multilingual voice and text bookseller bot for Telegram",
		Long: `voxchat answers Telegram messages as a bookstore assistant.
Voice notes are transcribed, answered in the speaker's language and
spoken back. Run "serve" for webhook delivery or "poll" for long polling;
without a sub-command the MODE setting decides.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfgPath)
			if err != nil {
				return err
			}
			if a.settings.Current().Mode() == overlay.ModePolling {
				return a.poll(cmd.Context())
			}
			return a.serve(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", os.Getenv("VOXCHAT_CONFIG"), "bootstrap config file (default config.json)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfgPath)
			if err != nil {
				return err
			}
			return a.serve(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "poll",
		Short: "Long-poll Telegram for updates; the admin API keeps running",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfgPath)
			if err != nil {
				return err
			}
			return a.poll(cmd.Context())
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
