package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"candle/api/internal/auth"
	"candle/api/internal/envelope"
)

// viewPaths is the read endpoint a watcher refetches for each channel.
var viewPaths = map[string]string{
	envelope.ChannelQuestion: "/api/questions/today",
	envelope.ChannelTrivia:   "/api/trivia",
	envelope.ChannelKiss:     "/api/kisses",
	envelope.ChannelDice:     "/api/dice",
	envelope.ChannelMood:     "/api/mood/today",
	envelope.ChannelPrivacy:  "/api/privacy",
	envelope.ChannelPair:     "/api/pair",
	envelope.ChannelNote:     "/api/notes",
}

func printJSON(w io.Writer, payload any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}

// call performs one request and prints the response body.
func (c *cli) call(cmd *cobra.Command, method, path string, body any) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	var out map[string]any
	if err := client.Do(cmd.Context(), method, path, body, &out); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func newTokenCommand(c *cli) *cobra.Command {
	var name string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <participant-id>",
		Short: "Issue a development token signed with CANDLE_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.IssueToken([]byte(c.cfg.JWTSecret), args[0], name, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

func newPairCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Show the current pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, "GET", "/api/pair", nil)
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "code",
			Short: "Create a pairing code for your partner",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.call(cmd, "POST", "/api/pairing/code", nil)
			},
		},
		&cobra.Command{
			Use:   "connect <code>",
			Short: "Redeem your partner's pairing code",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, "POST", "/api/pairing/connect", map[string]string{"code": args[0]})
			},
		},
	)
	return cmd
}

func newAnswerCommand(c *cli) *cobra.Command {
	var questionID string
	cmd := &cobra.Command{
		Use:   "answer <text>",
		Short: "Answer today's question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, "POST", "/api/questions/answer", map[string]string{"questionId": questionID, "answer": args[0]})
		},
	}
	cmd.Flags().StringVar(&questionID, "question", "", "question id (default today's)")
	return cmd
}

func newReactCommand(c *cli) *cobra.Command {
	var questionID string
	cmd := &cobra.Command{
		Use:   "react <reaction>",
		Short: "React to a revealed question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, "POST", "/api/questions/react", map[string]string{"questionId": questionID, "reaction": args[0]})
		},
	}
	cmd.Flags().StringVar(&questionID, "question", "", "question id (default today's)")
	return cmd
}

func newNoteCommand(c *cli) *cobra.Command {
	var emoji string
	var sent bool
	cmd := &cobra.Command{
		Use:   "note [message]",
		Short: "Leave a note for your partner, or list received notes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return c.call(cmd, "POST", "/api/notes", map[string]string{"message": args[0], "emoji": emoji})
			}
			if sent {
				return c.call(cmd, "GET", "/api/notes/sent", nil)
			}
			return c.call(cmd, "GET", "/api/notes", nil)
		},
	}
	cmd.Flags().StringVar(&emoji, "emoji", "", "optional emoji")
	cmd.Flags().BoolVar(&sent, "sent", false, "list notes you sent")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "read <id>",
			Short: "Mark a note read",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, "POST", "/api/notes/"+url.PathEscape(args[0])+"/read", nil)
			},
		},
		&cobra.Command{
			Use:   "unread",
			Short: "Count unread notes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.call(cmd, "GET", "/api/notes/unread-count", nil)
			},
		},
	)
	return cmd
}

func newTriviaCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trivia",
		Short: "List recent trivia",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, "GET", "/api/trivia", nil)
		},
	}

	var about, category string
	create := &cobra.Command{
		Use:   "new",
		Short: "Start a trivia turn",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, "POST", "/api/trivia", map[string]string{"about": about, "category": category})
		},
	}
	create.Flags().StringVar(&about, "about", "", `"me" or "partner" (default random)`)
	create.Flags().StringVar(&category, "category", "", "trivia category (default random)")

	step := func(action, short string) *cobra.Command {
		return &cobra.Command{
			Use:   action + " <id> <answer>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, "POST", "/api/trivia/"+args[0]+"/"+action, map[string]string{"answer": args[1]})
			},
		}
	}
	cmd.AddCommand(
		create,
		step("set", "Commit the true answer"),
		step("guess", "Guess your partner's answer"),
		&cobra.Command{
			Use:   "scores",
			Short: "Show trivia scores",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.call(cmd, "GET", "/api/trivia/scores", nil)
			},
		},
	)
	return cmd
}

func newKissCommand(c *cli) *cobra.Command {
	var count bool
	cmd := &cobra.Command{
		Use:   "kiss",
		Short: "Send a kiss",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count {
				return c.call(cmd, "GET", "/api/kisses", nil)
			}
			return c.call(cmd, "POST", "/api/kisses", nil)
		},
	}
	cmd.Flags().BoolVar(&count, "count", false, "show counts instead of sending")
	return cmd
}

func newRollCommand(c *cli) *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "roll",
		Short: "Roll the shared die",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if history {
				return c.call(cmd, "GET", "/api/dice", nil)
			}
			return c.call(cmd, "POST", "/api/dice", nil)
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "list recent rolls instead of rolling")
	return cmd
}

func newMoodCommand(c *cli) *cobra.Command {
	var note string
	var days int
	cmd := &cobra.Command{
		Use:   "mood [mood]",
		Short: "Check in a mood, or show today's moods",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && days > 0 {
				return c.call(cmd, "GET", "/api/mood/history?days="+strconv.Itoa(days), nil)
			}
			if len(args) == 0 {
				return c.call(cmd, "GET", "/api/mood/today", nil)
			}
			return c.call(cmd, "POST", "/api/mood", map[string]string{"mood": args[0], "note": note})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "optional note")
	cmd.Flags().IntVar(&days, "history", 0, "list check-ins of the last N days")
	return cmd
}

func newPrivacyCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "privacy [category visible]",
		Short: "Show or change what your partner can see",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch len(args) {
			case 0:
				return c.call(cmd, "GET", "/api/privacy", nil)
			case 2:
				visible, err := strconv.ParseBool(args[1])
				if err != nil {
					return fmt.Errorf("visible must be true or false: %w", err)
				}
				return c.call(cmd, "PUT", "/api/privacy", map[string]any{"category": args[0], "visible": visible})
			default:
				return fmt.Errorf("pass both a category and true/false")
			}
		},
	}
}

func newEventsCommand(c *cli) *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "events <channel>",
		Short: "Print the event log of a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			page, err := client.Events(cmd.Context(), args[0], after)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), page)
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this seq")
	return cmd
}

func newWatchCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <channel>",
		Short: "Follow a channel and print its view on every change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel := args[0]
			path, ok := viewPaths[channel]
			if !ok {
				return fmt.Errorf("unknown channel %q", channel)
			}
			client, err := c.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			watcher := client.NewWatcher(channel, c.cfg.Policy(channel), func(ctx context.Context) error {
				var view map[string]any
				if err := client.Get(ctx, path, &view); err != nil {
					return err
				}
				return printJSON(out, view)
			})
			c.logger.Info("watching", zap.String("channel", channel), zap.String("api", c.apiURL))
			return watcher.Run(cmd.Context())
		},
	}
}
