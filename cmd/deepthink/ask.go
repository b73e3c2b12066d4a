package main

import (
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qing1huan/DeepThink/internal/models"
	"github.com/qing1huan/DeepThink/internal/stream"
)

var askModel string

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask one question and print the streamed reply",
	Long: `Sends a single question upstream, prints the delimited stream as it
arrives, then prints the parsed reasoning and answer separately.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		turns := []models.Turn{{Role: models.RoleUser, Content: strings.Join(args, " ")}}
		body, err := newUpstream().Stream(ctx, askModel, turns)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		var buf strings.Builder
		err = stream.Pump(ctx, body, func(text string) error {
			buf.WriteString(text)
			_, err := io.WriteString(out, text)
			return err
		})
		fmt.Fprintln(out)
		if err != nil {
			return err
		}

		p := stream.Parse(buf.String())
		fmt.Fprintln(out, strings.Repeat("-", 40))
		if p.Reasoning != nil {
			fmt.Fprintf(out, "Reasoning:\n%s\n\n", *p.Reasoning)
		}
		fmt.Fprintf(out, "Answer:\n%s\n", p.Content)
		return nil
	},
}

func init() {
	askCmd.Flags().StringVarP(&askModel, "model", "m", "", "model override")
}
