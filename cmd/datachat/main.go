// Command datachat is the terminal client: an interactive chat plus saved-chat
// and agent maintenance.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ashureev/datachat/internal/config"
	"github.com/ashureev/datachat/internal/logging"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// cli carries state shared by every subcommand.
type cli struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	noColor   bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "datachat",
		Short:         "Chat with a dataset through configurable agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.noColor {
				color.NoColor = true
			}
			_ = godotenv.Load()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// Logs go to stderr so they never mix with chat output.
			logger, closer, err := logging.New(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logger
			c.logCloser = closer
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.logCloser == nil {
				return nil
			}
			return c.logCloser.Close()
		},
	}
	root.PersistentFlags().BoolVar(&c.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(c.newChatCmd(), c.newChatsCmd(), c.newAgentsCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}
