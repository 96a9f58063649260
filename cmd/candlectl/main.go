package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"candle/api/internal/config"
	"candle/api/internal/logging"
	"candle/api/internal/syncclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cli struct {
	cfg     config.Config
	logger  *zap.Logger
	apiURL  string
	token   string
	verbose bool
}

func (c *cli) client() (*syncclient.Client, error) {
	if c.token == "" {
		return nil, fmt.Errorf("no token: pass --token or set CANDLE_TOKEN")
	}
	return syncclient.New(c.apiURL, c.token, c.logger), nil
}

func newRootCommand() *cobra.Command {
	state := &cli{}
	root := &cobra.Command{
		Use:           "candlectl",
		Short:         "Talk to a candle API as one participant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			state.cfg = cfg
			if !cmd.Flags().Changed("api") {
				state.apiURL = cfg.APIURL
			}
			if !cmd.Flags().Changed("token") {
				state.token = cfg.Token
			}
			level := "warn"
			if state.verbose {
				level = "debug"
			}
			logger, err := logging.New(level, "console")
			if err != nil {
				return err
			}
			state.logger = logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&state.apiURL, "api", "", "API base URL (default $CANDLE_API_URL)")
	root.PersistentFlags().StringVar(&state.token, "token", "", "bearer token (default $CANDLE_TOKEN)")
	root.PersistentFlags().BoolVarP(&state.verbose, "verbose", "v", false, "log sync activity")

	root.AddCommand(
		newTokenCommand(state),
		newPairCommand(state),
		newAnswerCommand(state),
		newReactCommand(state),
		newNoteCommand(state),
		newTriviaCommand(state),
		newKissCommand(state),
		newRollCommand(state),
		newMoodCommand(state),
		newPrivacyCommand(state),
		newEventsCommand(state),
		newWatchCommand(state),
	)
	return root
}
